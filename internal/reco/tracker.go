package reco

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/markcheno/go-talib"
	"github.com/rs/zerolog"

	"okx-trading-advisor/config"
	"okx-trading-advisor/internal/clock"
	"okx-trading-advisor/internal/events"
	"okx-trading-advisor/internal/gate"
	"okx-trading-advisor/internal/market"
	"okx-trading-advisor/internal/metrics"
)

// Denial reasons produced by the tracker's own gates. Cooldown reasons pass
// through from the admission gate unchanged.
const (
	ReasonMarketRegime     = "market-regime"
	ReasonEntryStrength    = "entry-strength"
	ReasonMTFAlignment     = "mtf-alignment"
	ReasonDedupe           = "dedupe"
	ReasonDuplicate        = "duplicate"
	ReasonSameDirectionCap = "max-same-direction"
	ReasonNetExposure      = "net-exposure"
	ReasonHourlyCap        = "hourly-cap"
)

var (
	ErrNotFound      = errors.New("recommendation not found")
	ErrAlreadyClosed = errors.New("recommendation already closed")
)

const (
	idShards      = 32
	historyKeep   = 500
	mtfSMAPeriod  = 20
	mtfKlineLimit = 50
	sourceAuto    = "auto_strategy"
)

// MarketData is the slice of the market gateway the tracker consumes.
type MarketData interface {
	GetTicker(ctx context.Context, symbol string) (*market.Ticker, error)
	GetKlines(ctx context.Context, symbol, interval string, limit int) ([]market.Kline, error)
	GetFundingRate(ctx context.Context, symbol string) (float64, error)
	GetSentiment(ctx context.Context) (*market.SentimentIndex, error)
}

// Repository persists recommendations. The tracker writes through on create
// and on status transitions; failures are logged and the in-memory state
// stays authoritative. GetByID returns (nil, nil) for unknown ids.
type Repository interface {
	Create(ctx context.Context, rec *Recommendation) error
	Update(ctx context.Context, rec *Recommendation) error
	GetOpen(ctx context.Context) ([]*Recommendation, error)
	GetByID(ctx context.Context, id string) (*Recommendation, error)
	GetHistory(ctx context.Context, symbol string, limit int) ([]*Recommendation, error)
	SymbolStats(ctx context.Context, symbol string) (*SymbolStats, error)
	DeleteClosedBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

type aggregates struct {
	totalCreated int64
	closed       int64
	wins         int64
	losses       int64
	breakevens   int64
	expired      int64
	cumPnlPct    float64
	peakPnlPct   float64
	maxDrawdown  float64
	lastUpdated  time.Time
}

// Tracker owns every live recommendation: ingest gating, the evaluation loop
// and terminal resolution. The map lock is never held across gateway or
// repository calls; per-id shard locks serialize transitions for one
// recommendation across evaluation and manual close, and ingestMu makes the
// admission check-then-commit sequence atomic against concurrent ingests.
type Tracker struct {
	cfg       *config.Manager
	clk       clock.Clock
	logger    zerolog.Logger
	gateway   MarketData
	admission *gate.Gate
	bus       *events.Broadcaster
	repo      Repository

	mu      sync.RWMutex
	recs    map[string]*Recommendation
	history []*Recommendation
	created []time.Time

	ingestMu sync.Mutex
	idLocks  [idShards]sync.Mutex

	statsMu sync.Mutex
	agg     aggregates

	done chan struct{}
}

// NewTracker wires the tracker. repo may be nil when the database is
// disabled; live state then exists in memory only.
func NewTracker(cfg *config.Manager, gateway MarketData, admission *gate.Gate, bus *events.Broadcaster, repo Repository, clk clock.Clock, logger zerolog.Logger) *Tracker {
	return &Tracker{
		cfg:       cfg,
		clk:       clk,
		logger:    logger.With().Str("component", "reco-tracker").Logger(),
		gateway:   gateway,
		admission: admission,
		bus:       bus,
		repo:      repo,
		recs:      make(map[string]*Recommendation),
		done:      make(chan struct{}),
	}
}

// Start rehydrates open recommendations from the repository and launches the
// evaluation loop. The loop exits when ctx is cancelled; Done closes once
// the current iteration finishes.
func (t *Tracker) Start(ctx context.Context) {
	t.rehydrate(ctx)
	go t.evalLoop(ctx)
}

// Done reports evaluation-loop termination after Start.
func (t *Tracker) Done() <-chan struct{} { return t.done }

func (t *Tracker) rehydrate(ctx context.Context) {
	if t.repo == nil {
		return
	}
	open, err := t.repo.GetOpen(ctx)
	if err != nil {
		t.logger.Error().Err(err).Msg("Failed to rehydrate open recommendations")
		return
	}
	t.mu.Lock()
	for _, rec := range open {
		t.recs[rec.ID] = rec
	}
	t.mu.Unlock()
	metrics.RecommendationsActive.Set(float64(len(open)))
	if len(open) > 0 {
		t.logger.Info().Int("count", len(open)).Msg("Rehydrated open recommendations")
	}

	if agg, err := t.repo.SymbolStats(ctx, ""); err == nil && agg != nil {
		t.statsMu.Lock()
		t.agg.closed = agg.Total
		t.agg.wins = agg.Wins
		t.agg.losses = agg.Losses
		t.agg.breakevens = agg.Breakevens
		t.agg.cumPnlPct = agg.TotalPnlPct
		if t.agg.cumPnlPct > 0 {
			t.agg.peakPnlPct = t.agg.cumPnlPct
		}
		t.statsMu.Unlock()
	}
}

func (t *Tracker) evalLoop(ctx context.Context) {
	defer close(t.done)
	ticker := t.clk.NewTicker(t.cfg.Recommendation().EvalInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			t.evaluateOnce(ctx)
		}
	}
}

// ==================== INGEST ====================

// Ingest validates, gates and admits one candidate signal. It returns the
// created recommendation, a *ValidationError for malformed input, or an
// *AdmissionError when a gate denies.
func (t *Tracker) Ingest(ctx context.Context, sig Signal) (*Recommendation, error) {
	dir, err := NormalizeDirection(sig.Direction)
	if err != nil {
		return nil, err
	}
	symbol := strings.ToUpper(strings.TrimSpace(sig.Symbol))
	if symbol == "" {
		return nil, &ValidationError{Reason: "symbol is required"}
	}

	entry := sig.EntryPrice.Float()
	tp := sig.TakeProfitPrice.Float()
	sl := sig.StopLossPrice.Float()
	confidence := sig.Confidence.Float()
	leverage := sig.Leverage.Float()
	if leverage == 0 {
		leverage = 1
	}
	positionSize := sig.PositionSize.Float()
	if positionSize < 0 {
		return nil, &ValidationError{Reason: fmt.Sprintf("position size must not be negative, got %v", positionSize)}
	}
	if err := Validate(dir, entry, tp, sl, confidence, leverage); err != nil {
		return nil, err
	}

	cfg := t.cfg.Get()
	if sl == 0 && cfg.Risk.StopLossPercent > 0 {
		sl = protectiveStop(dir, entry, cfg.Risk.StopLossPercent)
	}
	if max := cfg.Risk.MaxPositionSize; max > 0 && positionSize > max {
		t.logger.Warn().Float64("requested", positionSize).Float64("max", max).Msg("Position size capped")
		positionSize = max
	}

	if err := t.regimeGate(ctx, symbol); err != nil {
		return nil, err
	}
	if err := t.strengthGate(dir, sig); err != nil {
		return nil, err
	}
	if err := t.mtfGate(ctx, symbol, dir); err != nil {
		return nil, err
	}

	t.ingestMu.Lock()
	defer t.ingestMu.Unlock()

	now := t.clk.Now()
	key := ComputeDedupeKey(now, symbol, dir, entry, tp, sl)
	if err := t.admitLocked(now, symbol, dir, entry, confidence, key, cfg); err != nil {
		return nil, err
	}

	status := StatusActive
	if sig.PendingActivation {
		status = StatusPending
	}
	rec := &Recommendation{
		ID:              uuid.New().String(),
		Symbol:          symbol,
		Direction:       dir,
		EntryPrice:      entry,
		TakeProfitPrice: tp,
		StopLossPrice:   sl,
		ConfidenceScore: confidence,
		Leverage:        leverage,
		PositionSize:    positionSize,
		StrategyType:    sig.StrategyType,
		Source:          sig.Source,
		Status:          status,
		CurrentPrice:    entry,
		CreatedAt:       now,
		UpdatedAt:       now,
		DedupeKey:       key,
	}

	t.mu.Lock()
	t.recs[rec.ID] = rec
	cut := now.Add(-time.Hour)
	kept := t.created[:0]
	for _, at := range t.created {
		if at.After(cut) {
			kept = append(kept, at)
		}
	}
	t.created = append(kept, now)
	t.mu.Unlock()

	t.admission.Commit(gate.Request{Symbol: symbol, Direction: string(dir), Confidence: confidence})
	t.statsMu.Lock()
	t.agg.totalCreated++
	t.agg.lastUpdated = now
	t.statsMu.Unlock()
	metrics.RecommendationsActive.Inc()

	if t.repo != nil {
		if err := t.repo.Create(ctx, rec); err != nil {
			t.logger.Error().Err(err).Str("id", rec.ID).Msg("Recommendation failed to persist")
		}
	}

	out := *rec
	t.bus.PublishRecommendationCreated(symbol, string(dir), sig.Source == sourceAuto, out)
	t.logger.Info().
		Str("id", rec.ID).
		Str("symbol", symbol).
		Str("direction", string(dir)).
		Float64("entry", entry).
		Str("status", string(status)).
		Msg("Recommendation created")
	return &out, nil
}

// admitLocked runs the in-memory admission gates. Caller holds ingestMu, so
// the checks and the subsequent insert are atomic against other ingests.
func (t *Tracker) admitLocked(now time.Time, symbol string, dir Direction, entry, confidence float64, key string, cfg config.Config) error {
	t.mu.RLock()
	held := false
	for _, rec := range t.recs {
		if rec.DedupeKey == key {
			held = true
			break
		}
	}
	t.mu.RUnlock()
	if held {
		return &AdmissionError{Reason: ReasonDedupe}
	}

	if d := t.admission.Check(gate.Request{Symbol: symbol, Direction: string(dir), Confidence: confidence}); !d.Allowed {
		return &AdmissionError{Reason: d.Reason, RetryAfter: d.RetryAfter}
	}

	t.mu.RLock()
	defer t.mu.RUnlock()

	if window := time.Duration(cfg.Strategy.DuplicateWindowMinutes) * time.Minute; window > 0 {
		for _, rec := range t.recs {
			if rec.Symbol != symbol || rec.Direction != dir {
				continue
			}
			age := now.Sub(rec.CreatedAt)
			if age < window && withinBps(rec.EntryPrice, entry, cfg.Strategy.DuplicatePriceBps) {
				return &AdmissionError{Reason: ReasonDuplicate, RetryAfter: window - age}
			}
		}
	}

	ageWindow := time.Duration(cfg.Recommendation.ConcurrencyCountAgeHours * float64(time.Hour))
	var sameDir, longs, shorts int
	for _, rec := range t.recs {
		if ageWindow > 0 && now.Sub(rec.CreatedAt) > ageWindow {
			continue
		}
		if rec.Direction == DirectionLong {
			longs++
		} else {
			shorts++
		}
		if rec.Direction == dir {
			sameDir++
		}
	}
	if max := cfg.Risk.MaxSameDirectionActives; max > 0 && sameDir >= max {
		return &AdmissionError{Reason: ReasonSameDirectionCap}
	}
	if dir == DirectionLong {
		if max := cfg.Risk.MaxNetLong; max > 0 && (longs+1)-shorts > max {
			return &AdmissionError{Reason: ReasonNetExposure}
		}
	} else {
		if max := cfg.Risk.MaxNetShort; max > 0 && (shorts+1)-longs > max {
			return &AdmissionError{Reason: ReasonNetExposure}
		}
	}

	if max := cfg.Risk.MaxOrdersPerHour; max > 0 {
		cut := now.Add(-time.Hour)
		count := 0
		var retry time.Duration
		for _, at := range t.created {
			if at.After(cut) {
				if count == 0 {
					retry = at.Add(time.Hour).Sub(now)
				}
				count++
			}
		}
		if count >= max {
			return &AdmissionError{Reason: ReasonHourlyCap, RetryAfter: retry}
		}
	}
	return nil
}

func (t *Tracker) regimeGate(ctx context.Context, symbol string) error {
	regime := t.cfg.Strategy().MarketRegime
	if regime.AvoidExtremeSentiment {
		idx, err := t.gateway.GetSentiment(ctx)
		if err != nil {
			t.logger.Warn().Err(err).Msg("Sentiment unavailable, regime gate passes")
		} else if idx.Value <= regime.ExtremeSentimentLow || idx.Value >= regime.ExtremeSentimentHigh {
			return &AdmissionError{Reason: ReasonMarketRegime}
		}
	}
	if regime.AvoidHighFunding && regime.HighFundingAbs > 0 {
		funding, err := t.gateway.GetFundingRate(ctx, symbol)
		if err != nil {
			t.logger.Warn().Err(err).Str("symbol", symbol).Msg("Funding rate unavailable, regime gate passes")
		} else if math.Abs(funding) >= regime.HighFundingAbs {
			return &AdmissionError{Reason: ReasonMarketRegime}
		}
	}
	return nil
}

// strengthGate applies the combined-strength floor to signals that carry a
// strength score. Manual creates without one pass.
func (t *Tracker) strengthGate(dir Direction, sig Signal) error {
	if sig.CombinedStrength == 0 && sig.Source != sourceAuto {
		return nil
	}
	filters := t.cfg.Strategy().EntryFilters
	floor := filters.MinCombinedStrengthLong
	if dir == DirectionShort {
		floor = filters.MinCombinedStrengthShort
	}
	if floor > 0 && sig.CombinedStrength < floor {
		return &AdmissionError{Reason: ReasonEntryStrength}
	}
	return nil
}

// mtfGate requires the higher-timeframe trend to agree with the signal:
// close above the 20-bar SMA for LONG, below for SHORT. Data problems pass
// the gate open so a degraded exchange cannot freeze ingestion.
func (t *Tracker) mtfGate(ctx context.Context, symbol string, dir Direction) error {
	filters := t.cfg.Strategy().EntryFilters
	if !filters.RequireMTFAlignment {
		return nil
	}
	interval := filters.MTFInterval
	if interval == "" {
		interval = "4h"
	}
	klines, err := t.gateway.GetKlines(ctx, symbol, interval, mtfKlineLimit)
	if err != nil {
		t.logger.Warn().Err(err).Str("symbol", symbol).Msg("MTF klines unavailable, alignment gate passes")
		return nil
	}
	if len(klines) < mtfSMAPeriod {
		t.logger.Warn().Int("klines", len(klines)).Str("symbol", symbol).Msg("MTF history too short, alignment gate passes")
		return nil
	}
	closes := make([]float64, len(klines))
	for i, k := range klines {
		closes[i] = k.Close
	}
	sma := talib.Sma(closes, mtfSMAPeriod)
	trend := sma[len(sma)-1]
	last := closes[len(closes)-1]
	aligned := last > trend
	if dir == DirectionShort {
		aligned = last < trend
	}
	if !aligned {
		return &AdmissionError{Reason: ReasonMTFAlignment}
	}
	return nil
}

// ==================== EVALUATION ====================

// evaluateOnce runs one evaluation tick: snapshot ids, fetch one price per
// distinct symbol, then apply transitions per id under its shard lock.
func (t *Tracker) evaluateOnce(ctx context.Context) {
	t.mu.RLock()
	ids := make([]string, 0, len(t.recs))
	symbols := make(map[string]struct{})
	for id, rec := range t.recs {
		ids = append(ids, id)
		symbols[rec.Symbol] = struct{}{}
	}
	t.mu.RUnlock()
	if len(ids) == 0 {
		return
	}
	sort.Strings(ids)

	prices := make(map[string]float64, len(symbols))
	for symbol := range symbols {
		if ctx.Err() != nil {
			return
		}
		tick, err := t.gateway.GetTicker(ctx, symbol)
		if err != nil {
			t.logger.Warn().Err(err).Str("symbol", symbol).Msg("Ticker unavailable for evaluation tick")
			continue
		}
		prices[symbol] = tick.Price
	}

	terminal := 0
	for _, id := range ids {
		if ctx.Err() != nil {
			return
		}
		if t.evaluateOne(ctx, id, prices) {
			terminal++
		}
	}
	if terminal > 0 {
		t.bus.PublishStatistics(t.Stats())
	}
}

// evaluateOne applies the closing rules to a single recommendation and
// reports whether it reached a terminal state. Panics are contained to the
// one id so a bad record cannot stall the loop.
func (t *Tracker) evaluateOne(ctx context.Context, id string, prices map[string]float64) (terminal bool) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error().Interface("panic", r).Str("id", id).Msg("Evaluation panicked, skipping recommendation this tick")
			terminal = false
		}
	}()

	shard := t.shardFor(id)
	shard.Lock()
	defer shard.Unlock()

	t.mu.RLock()
	live, ok := t.recs[id]
	var rec Recommendation
	if ok {
		rec = *live
	}
	t.mu.RUnlock()
	if !ok || rec.Status.Terminal() {
		return false
	}

	now := t.clk.Now()
	cfg := t.cfg.Get()
	maxHold := cfg.Recommendation.MaxHolding()
	price, havePrice := prices[rec.Symbol]

	if rec.Status == StatusPending {
		if now.Sub(rec.CreatedAt) >= maxHold {
			rec.Status = StatusExpired
			rec.ExitReason = ExitReasonExpired
			exitAt := now
			rec.ExitTime = &exitAt
			rec.UpdatedAt = now
			t.finalize(ctx, &rec)
			t.logger.Info().Str("id", rec.ID).Msg("Pending recommendation expired untriggered")
			return true
		}
		if havePrice && touched(rec.Direction, rec.EntryPrice, price) {
			rec.Status = StatusActive
			rec.CurrentPrice = price
			rec.PnlPercent = PnlPercent(rec.Direction, rec.EntryPrice, price)
			rec.UpdatedAt = now
			t.storeLive(&rec)
			t.persist(ctx, &rec)
			t.bus.PublishRecommendationTriggered(rec.Symbol, string(rec.Direction), rec)
			t.logger.Info().Str("id", rec.ID).Float64("price", price).Msg("Pending recommendation activated")
		}
		return false
	}

	if !havePrice {
		price = rec.CurrentPrice
	}
	if price > 0 {
		rec.CurrentPrice = price
		rec.PnlPercent = PnlPercent(rec.Direction, rec.EntryPrice, price)
		rec.UpdatedAt = now

		if slHit(rec.Direction, rec.StopLossPrice, price) {
			t.close(ctx, &rec, price, ExitReasonSL, ResultLoss, now)
			return true
		}
		if tpHit(rec.Direction, rec.TakeProfitPrice, price) {
			t.close(ctx, &rec, price, ExitReasonTP, ResultWin, now)
			return true
		}
		switch UpdateTrailing(&rec, price, cfg.Recommendation.Trailing) {
		case TrailBreached:
			t.close(ctx, &rec, price, ExitReasonTrail, t.resultFor(rec.PnlPercent), now)
			return true
		case TrailActivated:
			t.storeLive(&rec)
			t.bus.PublishRecommendationTriggered(rec.Symbol, string(rec.Direction), rec)
			t.logger.Info().Str("id", rec.ID).Float64("trail", rec.TrailPrice).Msg("Trailing stop armed")
		default:
			t.storeLive(&rec)
		}
	}

	if now.Sub(rec.CreatedAt) >= maxHold {
		exit := price
		if exit <= 0 {
			exit = rec.EntryPrice
		}
		t.close(ctx, &rec, exit, ExitReasonTimeout, t.resultFor(PnlPercent(rec.Direction, rec.EntryPrice, exit)), now)
		return true
	}
	return false
}

func (t *Tracker) close(ctx context.Context, rec *Recommendation, price float64, reason ExitReason, result Result, now time.Time) {
	rec.Status = StatusClosed
	rec.CurrentPrice = price
	rec.ExitPrice = price
	rec.PnlPercent = PnlPercent(rec.Direction, rec.EntryPrice, price)
	cfg := t.cfg.Get()
	rec.PnlAmount = PnlAmount(rec.PositionSize, rec.Leverage, rec.PnlPercent, cfg.Commission, cfg.Slippage)
	rec.Result = result
	rec.ExitReason = reason
	exitAt := now
	rec.ExitTime = &exitAt
	rec.UpdatedAt = now
	t.finalize(ctx, rec)
	t.logger.Info().
		Str("id", rec.ID).
		Str("result", string(result)).
		Str("reason", string(reason)).
		Float64("exitPrice", price).
		Float64("pnlPercent", rec.PnlPercent).
		Msg("Recommendation closed")
}

// finalize moves a terminal recommendation out of the live set, folds it
// into the aggregates and publishes the result. Caller holds the id's shard
// lock.
func (t *Tracker) finalize(ctx context.Context, rec *Recommendation) {
	t.mu.Lock()
	if live, ok := t.recs[rec.ID]; ok {
		*live = *rec
		delete(t.recs, rec.ID)
		t.history = append(t.history, live)
		if len(t.history) > historyKeep {
			t.history = t.history[1:]
		}
	}
	t.mu.Unlock()

	t.statsMu.Lock()
	if rec.Status == StatusExpired {
		t.agg.expired++
	} else {
		t.agg.closed++
		switch rec.Result {
		case ResultWin:
			t.agg.wins++
		case ResultLoss:
			t.agg.losses++
		case ResultBreakeven:
			t.agg.breakevens++
		}
		t.agg.cumPnlPct += rec.PnlPercent
		if t.agg.cumPnlPct > t.agg.peakPnlPct {
			t.agg.peakPnlPct = t.agg.cumPnlPct
		}
		if dd := t.agg.peakPnlPct - t.agg.cumPnlPct; dd > t.agg.maxDrawdown {
			t.agg.maxDrawdown = dd
		}
	}
	t.agg.lastUpdated = rec.UpdatedAt
	t.statsMu.Unlock()

	metrics.RecommendationsActive.Dec()
	label := string(rec.Result)
	if rec.Status == StatusExpired {
		label = "EXPIRED"
	}
	metrics.RecommendationsClosed.WithLabelValues(label).Inc()

	t.persist(ctx, rec)
	t.bus.PublishRecommendationResult(rec.ID, rec.Symbol, string(rec.Direction), *rec)
}

func (t *Tracker) storeLive(rec *Recommendation) {
	t.mu.Lock()
	if live, ok := t.recs[rec.ID]; ok {
		*live = *rec
	}
	t.mu.Unlock()
}

func (t *Tracker) persist(ctx context.Context, rec *Recommendation) {
	if t.repo == nil {
		return
	}
	if err := t.repo.Update(ctx, rec); err != nil {
		t.logger.Error().Err(err).Str("id", rec.ID).Msg("Recommendation update failed to persist")
	}
}

// ==================== API SURFACE ====================

// CloseByID closes a live recommendation at the current market price with
// reason MANUAL. Returns ErrAlreadyClosed for terminal ids and ErrNotFound
// for unknown ones.
func (t *Tracker) CloseByID(ctx context.Context, id string) (*Recommendation, error) {
	shard := t.shardFor(id)
	shard.Lock()
	defer shard.Unlock()

	t.mu.RLock()
	live, ok := t.recs[id]
	var rec Recommendation
	if ok {
		rec = *live
	}
	t.mu.RUnlock()

	if !ok {
		if t.wasClosed(ctx, id) {
			return nil, ErrAlreadyClosed
		}
		return nil, ErrNotFound
	}

	price := rec.CurrentPrice
	if tick, err := t.gateway.GetTicker(ctx, rec.Symbol); err == nil {
		price = tick.Price
	} else {
		t.logger.Warn().Err(err).Str("id", id).Msg("Closing at last known price, ticker unavailable")
	}
	if price <= 0 {
		price = rec.EntryPrice
	}

	now := t.clk.Now()
	pnl := PnlPercent(rec.Direction, rec.EntryPrice, price)
	t.close(ctx, &rec, price, ExitReasonManual, t.resultFor(pnl), now)
	t.bus.PublishStatistics(t.Stats())
	out := rec
	return &out, nil
}

func (t *Tracker) wasClosed(ctx context.Context, id string) bool {
	t.mu.RLock()
	for _, rec := range t.history {
		if rec.ID == id {
			t.mu.RUnlock()
			return true
		}
	}
	t.mu.RUnlock()
	if t.repo == nil {
		return false
	}
	rec, err := t.repo.GetByID(ctx, id)
	return err == nil && rec != nil && rec.Status.Terminal()
}

// ListActive returns copies of all live recommendations, newest first.
func (t *Tracker) ListActive() []Recommendation {
	t.mu.RLock()
	out := make([]Recommendation, 0, len(t.recs))
	for _, rec := range t.recs {
		out = append(out, *rec)
	}
	t.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// GetByID returns a copy of one recommendation, live or terminal.
func (t *Tracker) GetByID(ctx context.Context, id string) (*Recommendation, error) {
	t.mu.RLock()
	if rec, ok := t.recs[id]; ok {
		out := *rec
		t.mu.RUnlock()
		return &out, nil
	}
	for _, rec := range t.history {
		if rec.ID == id {
			out := *rec
			t.mu.RUnlock()
			return &out, nil
		}
	}
	t.mu.RUnlock()

	if t.repo != nil {
		rec, err := t.repo.GetByID(ctx, id)
		if err != nil {
			return nil, err
		}
		if rec != nil {
			return rec, nil
		}
	}
	return nil, ErrNotFound
}

// ListHistory returns terminal recommendations, newest first, optionally
// filtered by symbol.
func (t *Tracker) ListHistory(ctx context.Context, symbol string, limit int) ([]Recommendation, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	if t.repo != nil {
		recs, err := t.repo.GetHistory(ctx, symbol, limit)
		if err == nil {
			out := make([]Recommendation, 0, len(recs))
			for _, rec := range recs {
				out = append(out, *rec)
			}
			return out, nil
		}
		t.logger.Warn().Err(err).Msg("History query failed, serving in-memory history")
	}

	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Recommendation, 0, limit)
	for i := len(t.history) - 1; i >= 0 && len(out) < limit; i-- {
		rec := t.history[i]
		if symbol != "" && rec.Symbol != symbol {
			continue
		}
		out = append(out, *rec)
	}
	return out, nil
}

// Prune deletes terminal recommendations older than the retention window
// from memory and, when configured, the repository.
func (t *Tracker) Prune(ctx context.Context) (int64, error) {
	days := t.cfg.Recommendation().PruneAfterDays
	if days <= 0 {
		return 0, nil
	}
	cutoff := t.clk.Now().AddDate(0, 0, -days)

	t.mu.Lock()
	kept := t.history[:0]
	var removed int64
	for _, rec := range t.history {
		if rec.ExitTime != nil && rec.ExitTime.Before(cutoff) {
			removed++
			continue
		}
		kept = append(kept, rec)
	}
	t.history = kept
	t.mu.Unlock()

	if t.repo != nil {
		n, err := t.repo.DeleteClosedBefore(ctx, cutoff)
		if err != nil {
			return removed, err
		}
		removed = n
	}
	if removed > 0 {
		t.logger.Info().Int64("removed", removed).Time("cutoff", cutoff).Msg("Pruned closed recommendations")
	}
	return removed, nil
}

// ==================== HELPERS ====================

func (t *Tracker) shardFor(id string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(id))
	return &t.idLocks[h.Sum32()%idShards]
}

// resultFor classifies a close by its pnl, treating anything inside the
// breakeven epsilon as flat.
func (t *Tracker) resultFor(pnlPct float64) Result {
	eps := t.cfg.Recommendation().BreakevenEpsilonPct
	if math.Abs(pnlPct) <= eps {
		return ResultBreakeven
	}
	if pnlPct > 0 {
		return ResultWin
	}
	return ResultLoss
}

// protectiveStop derives a default stop from the risk config when a signal
// arrives without one.
func protectiveStop(dir Direction, entry, pct float64) float64 {
	if dir == DirectionLong {
		return entry * (1 - pct/100)
	}
	return entry * (1 + pct/100)
}

// touched reports whether price reached the pending entry level.
func touched(dir Direction, entry, price float64) bool {
	if dir == DirectionLong {
		return price <= entry
	}
	return price >= entry
}

func slHit(dir Direction, sl, price float64) bool {
	if sl == 0 {
		return false
	}
	if dir == DirectionLong {
		return price <= sl
	}
	return price >= sl
}

func tpHit(dir Direction, tp, price float64) bool {
	if tp == 0 {
		return false
	}
	if dir == DirectionLong {
		return price >= tp
	}
	return price <= tp
}

func withinBps(a, b, bps float64) bool {
	if a <= 0 {
		return false
	}
	return math.Abs(a-b)/a*10000 <= bps
}
