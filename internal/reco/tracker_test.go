package reco

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"okx-trading-advisor/config"
	"okx-trading-advisor/internal/clock"
	"okx-trading-advisor/internal/events"
	"okx-trading-advisor/internal/gate"
	"okx-trading-advisor/internal/market"
)

type fakeMarket struct {
	mu        sync.Mutex
	prices    map[string]float64
	klines    map[string][]market.Kline
	funding   map[string]float64
	sentiment int
	tickerErr error
}

func newFakeMarket() *fakeMarket {
	return &fakeMarket{
		prices:    make(map[string]float64),
		klines:    make(map[string][]market.Kline),
		funding:   make(map[string]float64),
		sentiment: 50,
	}
}

func (f *fakeMarket) setPrice(symbol string, price float64) {
	f.mu.Lock()
	f.prices[symbol] = price
	f.mu.Unlock()
}

func (f *fakeMarket) GetTicker(ctx context.Context, symbol string) (*market.Ticker, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.tickerErr != nil {
		return nil, f.tickerErr
	}
	price, ok := f.prices[symbol]
	if !ok {
		return nil, errors.New("no ticker for " + symbol)
	}
	return &market.Ticker{Symbol: symbol, Price: price}, nil
}

func (f *fakeMarket) GetKlines(ctx context.Context, symbol, interval string, limit int) ([]market.Kline, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ks, ok := f.klines[symbol]
	if !ok {
		return nil, errors.New("no klines for " + symbol)
	}
	return ks, nil
}

func (f *fakeMarket) GetFundingRate(ctx context.Context, symbol string) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.funding[symbol], nil
}

func (f *fakeMarket) GetSentiment(ctx context.Context) (*market.SentimentIndex, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return &market.SentimentIndex{Value: f.sentiment, Classification: "Neutral", Source: "test"}, nil
}

type memRepo struct {
	mu      sync.Mutex
	rows    map[string]Recommendation
	creates int
	updates int
}

func newMemRepo() *memRepo { return &memRepo{rows: make(map[string]Recommendation)} }

func (r *memRepo) Create(ctx context.Context, rec *Recommendation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rows[rec.ID] = *rec
	r.creates++
	return nil
}

func (r *memRepo) Update(ctx context.Context, rec *Recommendation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rows[rec.ID] = *rec
	r.updates++
	return nil
}

func (r *memRepo) GetOpen(ctx context.Context) ([]*Recommendation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*Recommendation
	for _, rec := range r.rows {
		if !rec.Status.Terminal() {
			c := rec
			out = append(out, &c)
		}
	}
	return out, nil
}

func (r *memRepo) GetByID(ctx context.Context, id string) (*Recommendation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.rows[id]; ok {
		c := rec
		return &c, nil
	}
	return nil, nil
}

func (r *memRepo) GetHistory(ctx context.Context, symbol string, limit int) ([]*Recommendation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*Recommendation
	for _, rec := range r.rows {
		if !rec.Status.Terminal() {
			continue
		}
		if symbol != "" && rec.Symbol != symbol {
			continue
		}
		c := rec
		out = append(out, &c)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (r *memRepo) SymbolStats(ctx context.Context, symbol string) (*SymbolStats, error) {
	return &SymbolStats{Symbol: symbol}, nil
}

func (r *memRepo) DeleteClosedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for id, rec := range r.rows {
		if rec.Status.Terminal() && rec.ExitTime != nil && rec.ExitTime.Before(cutoff) {
			delete(r.rows, id)
			n++
		}
	}
	return n, nil
}

// newTestTracker builds a tracker against a fake market with all the
// market-dependent ingest gates switched off. Tests opt back in per gate.
func newTestTracker(t *testing.T, repo Repository, mutate func(*config.Config)) (*Tracker, *fakeMarket, *clock.FakeClock, *events.Broadcaster) {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Realtime.DedupeEnabled = false
	cfg.Realtime.JitterEnabled = false
	cfg.Realtime.SnapshotEnabled = false
	cfg.Strategy.MarketRegime.AvoidExtremeSentiment = false
	cfg.Strategy.MarketRegime.AvoidHighFunding = false
	cfg.Strategy.EntryFilters.RequireMTFAlignment = false
	cfg.Recommendation.Trailing.Enabled = false
	if mutate != nil {
		mutate(cfg)
	}
	clk := clock.NewFake(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))
	mgr := config.NewManager(cfg)
	bus := events.New(mgr, clk, zerolog.Nop())
	t.Cleanup(bus.Stop)
	admission := gate.New(mgr, clk, zerolog.Nop())
	mkt := newFakeMarket()
	return NewTracker(mgr, mkt, admission, bus, repo, clk, zerolog.Nop()), mkt, clk, bus
}

func longSignal(symbol string) Signal {
	return Signal{
		Symbol:          symbol,
		Direction:       "LONG",
		EntryPrice:      3000,
		TakeProfitPrice: 3060,
		StopLossPrice:   2970,
		Confidence:      0.8,
		PositionSize:    100,
		Leverage:        10,
		Source:          "manual",
	}
}

func shortSignal(symbol string) Signal {
	return Signal{
		Symbol:          symbol,
		Direction:       "SHORT",
		EntryPrice:      3000,
		TakeProfitPrice: 2940,
		StopLossPrice:   3030,
		Confidence:      0.8,
		PositionSize:    100,
		Leverage:        10,
		Source:          "manual",
	}
}

func admissionReason(t *testing.T, err error) *AdmissionError {
	t.Helper()
	var admErr *AdmissionError
	if !errors.As(err, &admErr) {
		t.Fatalf("Expected AdmissionError, got %v", err)
	}
	return admErr
}

func recvTrackerEvent(t *testing.T, sub *events.Subscription) events.Event {
	t.Helper()
	select {
	case e := <-sub.Events():
		return e
	case <-time.After(time.Second):
		t.Fatal("Timed out waiting for event")
		return events.Event{}
	}
}

// ==================== INGEST ====================

func TestIngestCreatesActiveRecommendation(t *testing.T) {
	tr, _, _, _ := newTestTracker(t, nil, nil)

	rec, err := tr.Ingest(context.Background(), longSignal("ETH-USDT-SWAP"))
	if err != nil {
		t.Fatalf("Ingest failed: %v", err)
	}
	if rec.ID == "" {
		t.Error("Expected a generated id")
	}
	if rec.Status != StatusActive {
		t.Errorf("Expected ACTIVE, got %s", rec.Status)
	}
	if rec.CurrentPrice != 3000 {
		t.Errorf("Expected current price seeded from entry, got %v", rec.CurrentPrice)
	}
	if rec.Leverage != 10 {
		t.Errorf("Expected leverage 10, got %v", rec.Leverage)
	}

	active := tr.ListActive()
	if len(active) != 1 || active[0].ID != rec.ID {
		t.Fatalf("Expected one active recommendation, got %d", len(active))
	}
}

func TestIngestRejectsBadGeometry(t *testing.T) {
	tr, _, _, _ := newTestTracker(t, nil, nil)

	sig := longSignal("ETH-USDT-SWAP")
	sig.TakeProfitPrice = 2900
	_, err := tr.Ingest(context.Background(), sig)
	var valErr *ValidationError
	if !errors.As(err, &valErr) {
		t.Fatalf("Expected ValidationError, got %v", err)
	}

	sig = longSignal("ETH-USDT-SWAP")
	sig.Direction = "SIDEWAYS"
	if _, err := tr.Ingest(context.Background(), sig); !errors.As(err, &valErr) {
		t.Fatalf("Expected ValidationError for bad direction, got %v", err)
	}

	sig = longSignal("")
	if _, err := tr.Ingest(context.Background(), sig); !errors.As(err, &valErr) {
		t.Fatalf("Expected ValidationError for empty symbol, got %v", err)
	}
}

func TestIngestDerivesProtectiveStop(t *testing.T) {
	tr, _, _, _ := newTestTracker(t, nil, nil)

	sig := longSignal("ETH-USDT-SWAP")
	sig.StopLossPrice = 0
	rec, err := tr.Ingest(context.Background(), sig)
	if err != nil {
		t.Fatalf("Ingest failed: %v", err)
	}
	// Default stopLossPercent is 1.0.
	if math.Abs(rec.StopLossPrice-2970) > 1e-9 {
		t.Errorf("Expected derived stop 2970, got %v", rec.StopLossPrice)
	}
}

func TestIngestCapsPositionSize(t *testing.T) {
	tr, _, _, _ := newTestTracker(t, nil, nil)

	sig := longSignal("ETH-USDT-SWAP")
	sig.PositionSize = 5000
	rec, err := tr.Ingest(context.Background(), sig)
	if err != nil {
		t.Fatalf("Ingest failed: %v", err)
	}
	if rec.PositionSize != 1000 {
		t.Errorf("Expected position size capped at 1000, got %v", rec.PositionSize)
	}
}

func TestIngestDedupeCollision(t *testing.T) {
	tr, _, _, _ := newTestTracker(t, nil, nil)
	ctx := context.Background()

	if _, err := tr.Ingest(ctx, longSignal("ETH-USDT-SWAP")); err != nil {
		t.Fatalf("First ingest failed: %v", err)
	}
	_, err := tr.Ingest(ctx, longSignal("ETH-USDT-SWAP"))
	if admErr := admissionReason(t, err); admErr.Reason != ReasonDedupe {
		t.Errorf("Expected reason %s, got %s", ReasonDedupe, admErr.Reason)
	}
}

func TestIngestGlobalInterval(t *testing.T) {
	tr, _, _, _ := newTestTracker(t, nil, nil)
	ctx := context.Background()

	if _, err := tr.Ingest(ctx, longSignal("ETH-USDT-SWAP")); err != nil {
		t.Fatalf("First ingest failed: %v", err)
	}
	_, err := tr.Ingest(ctx, shortSignal("BTC-USDT-SWAP"))
	admErr := admissionReason(t, err)
	if admErr.Reason != gate.ReasonGlobalInterval {
		t.Errorf("Expected reason %s, got %s", gate.ReasonGlobalInterval, admErr.Reason)
	}
	if admErr.RetryAfter != 5*time.Second {
		t.Errorf("Expected retry after 5s, got %s", admErr.RetryAfter)
	}
}

func TestIngestSameDirectionCooldown(t *testing.T) {
	tr, _, clk, _ := newTestTracker(t, nil, nil)
	ctx := context.Background()

	if _, err := tr.Ingest(ctx, longSignal("ETH-USDT-SWAP")); err != nil {
		t.Fatalf("First ingest failed: %v", err)
	}
	clk.Advance(6 * time.Second)

	sig := longSignal("ETH-USDT-SWAP")
	sig.EntryPrice = 3100
	sig.TakeProfitPrice = 3200
	sig.StopLossPrice = 3050
	_, err := tr.Ingest(ctx, sig)
	admErr := admissionReason(t, err)
	if admErr.Reason != gate.ReasonCooldown {
		t.Errorf("Expected reason %s, got %s", gate.ReasonCooldown, admErr.Reason)
	}
	if admErr.RetryAfter != 24*time.Second {
		t.Errorf("Expected retry after 24s, got %s", admErr.RetryAfter)
	}
}

func TestIngestDuplicateWindow(t *testing.T) {
	tr, _, clk, _ := newTestTracker(t, nil, nil)
	ctx := context.Background()

	if _, err := tr.Ingest(ctx, longSignal("ETH-USDT-SWAP")); err != nil {
		t.Fatalf("First ingest failed: %v", err)
	}
	clk.Advance(31 * time.Second)

	// 3001 is 3.3 bps from 3000, inside the 20 bps duplicate band.
	sig := longSignal("ETH-USDT-SWAP")
	sig.EntryPrice = 3001
	_, err := tr.Ingest(ctx, sig)
	admErr := admissionReason(t, err)
	if admErr.Reason != ReasonDuplicate {
		t.Errorf("Expected reason %s, got %s", ReasonDuplicate, admErr.Reason)
	}
	if want := 30*time.Minute - 31*time.Second; admErr.RetryAfter != want {
		t.Errorf("Expected retry after %s, got %s", want, admErr.RetryAfter)
	}
}

func TestIngestDuplicateOutsidePriceBand(t *testing.T) {
	tr, _, clk, _ := newTestTracker(t, nil, nil)
	ctx := context.Background()

	if _, err := tr.Ingest(ctx, longSignal("ETH-USDT-SWAP")); err != nil {
		t.Fatalf("First ingest failed: %v", err)
	}
	clk.Advance(31 * time.Second)

	// 3010 is 33 bps away, outside the duplicate band.
	sig := longSignal("ETH-USDT-SWAP")
	sig.EntryPrice = 3010
	if _, err := tr.Ingest(ctx, sig); err != nil {
		t.Fatalf("Expected admission outside the price band, got %v", err)
	}
}

func TestIngestSameDirectionCap(t *testing.T) {
	tr, _, clk, _ := newTestTracker(t, nil, func(c *config.Config) {
		c.Risk.MaxSameDirectionActives = 2
	})
	ctx := context.Background()

	for _, symbol := range []string{"ETH-USDT-SWAP", "BTC-USDT-SWAP"} {
		if _, err := tr.Ingest(ctx, longSignal(symbol)); err != nil {
			t.Fatalf("Ingest %s failed: %v", symbol, err)
		}
		clk.Advance(6 * time.Second)
	}

	_, err := tr.Ingest(ctx, longSignal("SOL-USDT-SWAP"))
	if admErr := admissionReason(t, err); admErr.Reason != ReasonSameDirectionCap {
		t.Errorf("Expected reason %s, got %s", ReasonSameDirectionCap, admErr.Reason)
	}
}

func TestIngestNetExposureCap(t *testing.T) {
	tr, _, clk, _ := newTestTracker(t, nil, func(c *config.Config) {
		c.Risk.MaxSameDirectionActives = 10
		c.Risk.MaxNetLong = 2
	})
	ctx := context.Background()

	for _, symbol := range []string{"ETH-USDT-SWAP", "BTC-USDT-SWAP"} {
		if _, err := tr.Ingest(ctx, longSignal(symbol)); err != nil {
			t.Fatalf("Ingest %s failed: %v", symbol, err)
		}
		clk.Advance(6 * time.Second)
	}

	_, err := tr.Ingest(ctx, longSignal("SOL-USDT-SWAP"))
	if admErr := admissionReason(t, err); admErr.Reason != ReasonNetExposure {
		t.Errorf("Expected reason %s, got %s", ReasonNetExposure, admErr.Reason)
	}
}

func TestIngestHourlyCap(t *testing.T) {
	tr, _, clk, _ := newTestTracker(t, nil, func(c *config.Config) {
		c.Risk.MaxSameDirectionActives = 10
		c.Risk.MaxNetLong = 10
		c.Risk.MaxOrdersPerHour = 2
	})
	ctx := context.Background()

	for _, symbol := range []string{"ETH-USDT-SWAP", "BTC-USDT-SWAP"} {
		if _, err := tr.Ingest(ctx, longSignal(symbol)); err != nil {
			t.Fatalf("Ingest %s failed: %v", symbol, err)
		}
		clk.Advance(6 * time.Second)
	}

	_, err := tr.Ingest(ctx, longSignal("SOL-USDT-SWAP"))
	admErr := admissionReason(t, err)
	if admErr.Reason != ReasonHourlyCap {
		t.Errorf("Expected reason %s, got %s", ReasonHourlyCap, admErr.Reason)
	}
	// The first creation leaves the hour window at t0+1h; now is t0+12s.
	if want := time.Hour - 12*time.Second; admErr.RetryAfter != want {
		t.Errorf("Expected retry after %s, got %s", want, admErr.RetryAfter)
	}

	// Once the window rolls past the first creation, admission resumes.
	clk.Advance(time.Hour - 12*time.Second)
	if _, err := tr.Ingest(ctx, longSignal("SOL-USDT-SWAP")); err != nil {
		t.Fatalf("Expected admission after the window rolled, got %v", err)
	}
}

func TestIngestExtremeSentiment(t *testing.T) {
	tr, mkt, _, _ := newTestTracker(t, nil, func(c *config.Config) {
		c.Strategy.MarketRegime.AvoidExtremeSentiment = true
	})
	ctx := context.Background()

	mkt.sentiment = 92
	_, err := tr.Ingest(ctx, longSignal("ETH-USDT-SWAP"))
	if admErr := admissionReason(t, err); admErr.Reason != ReasonMarketRegime {
		t.Errorf("Expected reason %s, got %s", ReasonMarketRegime, admErr.Reason)
	}

	mkt.sentiment = 10
	_, err = tr.Ingest(ctx, longSignal("ETH-USDT-SWAP"))
	if admErr := admissionReason(t, err); admErr.Reason != ReasonMarketRegime {
		t.Errorf("Expected boundary value 10 to deny, got %s", admErr.Reason)
	}

	mkt.sentiment = 50
	if _, err := tr.Ingest(ctx, longSignal("ETH-USDT-SWAP")); err != nil {
		t.Fatalf("Expected neutral sentiment to pass, got %v", err)
	}
}

func TestIngestHighFunding(t *testing.T) {
	tr, mkt, _, _ := newTestTracker(t, nil, func(c *config.Config) {
		c.Strategy.MarketRegime.AvoidHighFunding = true
	})
	ctx := context.Background()

	mkt.funding["ETH-USDT-SWAP"] = -0.002
	_, err := tr.Ingest(ctx, longSignal("ETH-USDT-SWAP"))
	if admErr := admissionReason(t, err); admErr.Reason != ReasonMarketRegime {
		t.Errorf("Expected crowded funding to deny, got %s", admErr.Reason)
	}

	mkt.funding["ETH-USDT-SWAP"] = 0.0001
	if _, err := tr.Ingest(ctx, longSignal("ETH-USDT-SWAP")); err != nil {
		t.Fatalf("Expected normal funding to pass, got %v", err)
	}
}

func TestIngestStrengthFloor(t *testing.T) {
	tr, _, clk, _ := newTestTracker(t, nil, nil)
	ctx := context.Background()

	sig := longSignal("ETH-USDT-SWAP")
	sig.Source = "auto_strategy"
	sig.CombinedStrength = 40
	_, err := tr.Ingest(ctx, sig)
	if admErr := admissionReason(t, err); admErr.Reason != ReasonEntryStrength {
		t.Errorf("Expected reason %s, got %s", ReasonEntryStrength, admErr.Reason)
	}

	// A manual signal without a strength score is exempt.
	if _, err := tr.Ingest(ctx, longSignal("ETH-USDT-SWAP")); err != nil {
		t.Fatalf("Expected manual signal to pass, got %v", err)
	}

	clk.Advance(31 * time.Second)
	sig = longSignal("BTC-USDT-SWAP")
	sig.Source = "auto_strategy"
	sig.CombinedStrength = 60
	if _, err := tr.Ingest(ctx, sig); err != nil {
		t.Fatalf("Expected strength 60 to pass the floor of 55, got %v", err)
	}
}

func TestIngestMTFAlignment(t *testing.T) {
	tr, mkt, _, _ := newTestTracker(t, nil, func(c *config.Config) {
		c.Strategy.EntryFilters.RequireMTFAlignment = true
	})
	ctx := context.Background()

	// Falling closes keep price under the 20-bar SMA.
	down := make([]market.Kline, 30)
	for i := range down {
		down[i] = market.Kline{Close: 200 - float64(i)}
	}
	mkt.klines["ETH-USDT-SWAP"] = down

	_, err := tr.Ingest(ctx, longSignal("ETH-USDT-SWAP"))
	if admErr := admissionReason(t, err); admErr.Reason != ReasonMTFAlignment {
		t.Errorf("Expected reason %s, got %s", ReasonMTFAlignment, admErr.Reason)
	}

	// The same tape aligns with a SHORT.
	if _, err := tr.Ingest(ctx, shortSignal("ETH-USDT-SWAP")); err != nil {
		t.Fatalf("Expected SHORT to align with the downtrend, got %v", err)
	}
}

func TestIngestMTFFailsOpen(t *testing.T) {
	tr, _, _, _ := newTestTracker(t, nil, func(c *config.Config) {
		c.Strategy.EntryFilters.RequireMTFAlignment = true
	})

	// No klines registered for the symbol: the gate must not block ingestion.
	if _, err := tr.Ingest(context.Background(), longSignal("ETH-USDT-SWAP")); err != nil {
		t.Fatalf("Expected alignment gate to fail open, got %v", err)
	}
}

func TestIngestPersistsCreate(t *testing.T) {
	repo := newMemRepo()
	tr, _, _, _ := newTestTracker(t, repo, nil)

	rec, err := tr.Ingest(context.Background(), longSignal("ETH-USDT-SWAP"))
	if err != nil {
		t.Fatalf("Ingest failed: %v", err)
	}
	repo.mu.Lock()
	stored, ok := repo.rows[rec.ID]
	creates := repo.creates
	repo.mu.Unlock()
	if !ok || creates != 1 {
		t.Fatalf("Expected one persisted create, got %d", creates)
	}
	if stored.Status != StatusActive {
		t.Errorf("Expected persisted ACTIVE, got %s", stored.Status)
	}
}

// ==================== EVALUATION ====================

// TestEvaluateTakeProfit drives a LONG through the tape 3010, 3055, 3061 and
// expects the third tick to close it as a WIN at the tick price.
func TestEvaluateTakeProfit(t *testing.T) {
	tr, mkt, _, _ := newTestTracker(t, nil, nil)
	ctx := context.Background()

	rec, err := tr.Ingest(ctx, longSignal("ETH-USDT-SWAP"))
	if err != nil {
		t.Fatalf("Ingest failed: %v", err)
	}

	mkt.setPrice("ETH-USDT-SWAP", 3010)
	tr.evaluateOnce(ctx)
	got, err := tr.GetByID(ctx, rec.ID)
	if err != nil {
		t.Fatalf("GetByID failed: %v", err)
	}
	if got.Status != StatusActive {
		t.Fatalf("Expected still ACTIVE at 3010, got %s", got.Status)
	}
	if got.CurrentPrice != 3010 {
		t.Errorf("Expected current price 3010, got %v", got.CurrentPrice)
	}

	mkt.setPrice("ETH-USDT-SWAP", 3055)
	tr.evaluateOnce(ctx)

	mkt.setPrice("ETH-USDT-SWAP", 3061)
	tr.evaluateOnce(ctx)

	got, err = tr.GetByID(ctx, rec.ID)
	if err != nil {
		t.Fatalf("GetByID failed: %v", err)
	}
	if got.Status != StatusClosed {
		t.Fatalf("Expected CLOSED, got %s", got.Status)
	}
	if got.Result != ResultWin {
		t.Errorf("Expected WIN, got %s", got.Result)
	}
	if got.ExitReason != ExitReasonTP {
		t.Errorf("Expected exit reason TP, got %s", got.ExitReason)
	}
	if got.ExitPrice != 3061 {
		t.Errorf("Expected exit at the tick price 3061, got %v", got.ExitPrice)
	}
	if math.Abs(got.PnlPercent-2.0333333) > 1e-4 {
		t.Errorf("Expected pnl ~2.0333, got %v", got.PnlPercent)
	}
	// Notional 1000: gross 20.333, costs 1.2.
	if math.Abs(got.PnlAmount-19.1333333) > 1e-4 {
		t.Errorf("Expected net amount ~19.1333, got %v", got.PnlAmount)
	}
	if got.ExitTime == nil {
		t.Error("Expected exit time to be set")
	}
	if len(tr.ListActive()) != 0 {
		t.Error("Expected no active recommendations after the close")
	}
}

// TestEvaluateStopLossAtEquality checks a SHORT stopped out when the tick
// lands exactly on the stop price.
func TestEvaluateStopLossAtEquality(t *testing.T) {
	tr, mkt, _, _ := newTestTracker(t, nil, nil)
	ctx := context.Background()

	rec, err := tr.Ingest(ctx, shortSignal("ETH-USDT-SWAP"))
	if err != nil {
		t.Fatalf("Ingest failed: %v", err)
	}

	mkt.setPrice("ETH-USDT-SWAP", 3030.0)
	tr.evaluateOnce(ctx)

	got, err := tr.GetByID(ctx, rec.ID)
	if err != nil {
		t.Fatalf("GetByID failed: %v", err)
	}
	if got.Status != StatusClosed {
		t.Fatalf("Expected CLOSED, got %s", got.Status)
	}
	if got.Result != ResultLoss {
		t.Errorf("Expected LOSS, got %s", got.Result)
	}
	if got.ExitReason != ExitReasonSL {
		t.Errorf("Expected exit reason SL, got %s", got.ExitReason)
	}
	if math.Abs(got.PnlPercent+1.0) > 1e-9 {
		t.Errorf("Expected pnl -1.0, got %v", got.PnlPercent)
	}
}

func TestEvaluateTimeout(t *testing.T) {
	tr, mkt, clk, _ := newTestTracker(t, nil, func(c *config.Config) {
		c.Recommendation.MaxHoldingHours = 1
	})
	ctx := context.Background()

	flat := longSignal("ETH-USDT-SWAP")
	flat.TakeProfitPrice = 3300
	flat.StopLossPrice = 2700
	flatRec, err := tr.Ingest(ctx, flat)
	if err != nil {
		t.Fatalf("Ingest failed: %v", err)
	}

	clk.Advance(6 * time.Second)
	ahead := longSignal("BTC-USDT-SWAP")
	ahead.TakeProfitPrice = 3300
	ahead.StopLossPrice = 2700
	aheadRec, err := tr.Ingest(ctx, ahead)
	if err != nil {
		t.Fatalf("Ingest failed: %v", err)
	}

	// Within ±0.01% of entry for the first, 0.33% up for the second.
	mkt.setPrice("ETH-USDT-SWAP", 3000.2)
	mkt.setPrice("BTC-USDT-SWAP", 3010)
	clk.Advance(time.Hour)
	tr.evaluateOnce(ctx)

	got, _ := tr.GetByID(ctx, flatRec.ID)
	if got.ExitReason != ExitReasonTimeout {
		t.Errorf("Expected TIMEOUT, got %s", got.ExitReason)
	}
	if got.Result != ResultBreakeven {
		t.Errorf("Expected BREAKEVEN within the epsilon, got %s", got.Result)
	}

	got, _ = tr.GetByID(ctx, aheadRec.ID)
	if got.ExitReason != ExitReasonTimeout {
		t.Errorf("Expected TIMEOUT, got %s", got.ExitReason)
	}
	if got.Result != ResultWin {
		t.Errorf("Expected WIN on a positive pnl, got %s", got.Result)
	}
	if got.ExitPrice != 3010 {
		t.Errorf("Expected timeout exit at the current price, got %v", got.ExitPrice)
	}
}

func TestEvaluateTrailingClose(t *testing.T) {
	tr, mkt, _, _ := newTestTracker(t, nil, func(c *config.Config) {
		c.Recommendation.Trailing = config.TrailingConfig{
			Enabled:           true,
			Percent:           1.0,
			ActivateProfitPct: 1.5,
		}
	})
	ctx := context.Background()

	sig := longSignal("ETH-USDT-SWAP")
	sig.TakeProfitPrice = 0
	sig.StopLossPrice = 2900
	rec, err := tr.Ingest(ctx, sig)
	if err != nil {
		t.Fatalf("Ingest failed: %v", err)
	}

	for _, price := range []float64{3045, 3090} {
		mkt.setPrice("ETH-USDT-SWAP", price)
		tr.evaluateOnce(ctx)
	}
	got, _ := tr.GetByID(ctx, rec.ID)
	if got.Status != StatusActive || !got.TrailActive {
		t.Fatalf("Expected an armed trail on an active recommendation, got status=%s trailActive=%v", got.Status, got.TrailActive)
	}

	// Trail sits at 3090*0.99 = 3059.1; 3050 breaches it.
	mkt.setPrice("ETH-USDT-SWAP", 3050)
	tr.evaluateOnce(ctx)

	got, _ = tr.GetByID(ctx, rec.ID)
	if got.Status != StatusClosed {
		t.Fatalf("Expected CLOSED, got %s", got.Status)
	}
	if got.ExitReason != ExitReasonTrail {
		t.Errorf("Expected exit reason TRAIL, got %s", got.ExitReason)
	}
	if got.Result != ResultWin {
		t.Errorf("Expected WIN at +1.67%%, got %s", got.Result)
	}
	if got.ExitPrice != 3050 {
		t.Errorf("Expected exit at 3050, got %v", got.ExitPrice)
	}
}

func TestPendingActivation(t *testing.T) {
	tr, mkt, _, bus := newTestTracker(t, nil, nil)
	ctx := context.Background()
	sub := bus.Subscribe()

	sig := longSignal("ETH-USDT-SWAP")
	sig.PendingActivation = true
	rec, err := tr.Ingest(ctx, sig)
	if err != nil {
		t.Fatalf("Ingest failed: %v", err)
	}
	if rec.Status != StatusPending {
		t.Fatalf("Expected PENDING, got %s", rec.Status)
	}
	if e := recvTrackerEvent(t, sub); e.Type != events.EventRecommendationCreated {
		t.Fatalf("Expected recommendation-created, got %s", e.Type)
	}

	// Above the limit: a LONG must not activate.
	mkt.setPrice("ETH-USDT-SWAP", 3050)
	tr.evaluateOnce(ctx)
	got, _ := tr.GetByID(ctx, rec.ID)
	if got.Status != StatusPending {
		t.Fatalf("Expected still PENDING at 3050, got %s", got.Status)
	}

	mkt.setPrice("ETH-USDT-SWAP", 2999)
	tr.evaluateOnce(ctx)
	got, _ = tr.GetByID(ctx, rec.ID)
	if got.Status != StatusActive {
		t.Fatalf("Expected ACTIVE after the touch, got %s", got.Status)
	}
	if e := recvTrackerEvent(t, sub); e.Type != events.EventRecommendationTriggered {
		t.Errorf("Expected recommendation-triggered, got %s", e.Type)
	}
}

func TestPendingExpires(t *testing.T) {
	tr, mkt, clk, _ := newTestTracker(t, nil, nil)
	ctx := context.Background()

	sig := longSignal("ETH-USDT-SWAP")
	sig.PendingActivation = true
	rec, err := tr.Ingest(ctx, sig)
	if err != nil {
		t.Fatalf("Ingest failed: %v", err)
	}

	mkt.setPrice("ETH-USDT-SWAP", 3050)
	clk.Advance(24 * time.Hour)
	tr.evaluateOnce(ctx)

	got, _ := tr.GetByID(ctx, rec.ID)
	if got.Status != StatusExpired {
		t.Fatalf("Expected EXPIRED, got %s", got.Status)
	}
	if got.ExitReason != ExitReasonExpired {
		t.Errorf("Expected exit reason EXPIRED, got %s", got.ExitReason)
	}
	if got.Result != "" {
		t.Errorf("Expected no result for an untriggered expiry, got %s", got.Result)
	}

	stats := tr.Stats()
	if stats.Expired != 1 {
		t.Errorf("Expected 1 expired, got %d", stats.Expired)
	}
	if stats.TotalClosed != 0 {
		t.Errorf("Expected expiry to stay out of closed, got %d", stats.TotalClosed)
	}
}

func TestEvaluateSkipsSymbolsWithoutPrices(t *testing.T) {
	tr, mkt, _, _ := newTestTracker(t, nil, nil)
	ctx := context.Background()

	rec, err := tr.Ingest(ctx, longSignal("ETH-USDT-SWAP"))
	if err != nil {
		t.Fatalf("Ingest failed: %v", err)
	}

	mkt.setPrice("ETH-USDT-SWAP", 3010)
	tr.evaluateOnce(ctx)

	// Ticker failures leave the recommendation at its last known price.
	mkt.mu.Lock()
	mkt.tickerErr = errors.New("exchange down")
	mkt.mu.Unlock()
	tr.evaluateOnce(ctx)

	got, _ := tr.GetByID(ctx, rec.ID)
	if got.Status != StatusActive {
		t.Fatalf("Expected still ACTIVE, got %s", got.Status)
	}
	if got.CurrentPrice != 3010 {
		t.Errorf("Expected last known price 3010, got %v", got.CurrentPrice)
	}
}

// ==================== MANUAL CLOSE ====================

func TestCloseByID(t *testing.T) {
	tr, mkt, _, _ := newTestTracker(t, nil, nil)
	ctx := context.Background()

	rec, err := tr.Ingest(ctx, longSignal("ETH-USDT-SWAP"))
	if err != nil {
		t.Fatalf("Ingest failed: %v", err)
	}

	mkt.setPrice("ETH-USDT-SWAP", 3010)
	closed, err := tr.CloseByID(ctx, rec.ID)
	if err != nil {
		t.Fatalf("CloseByID failed: %v", err)
	}
	if closed.ExitReason != ExitReasonManual {
		t.Errorf("Expected exit reason MANUAL, got %s", closed.ExitReason)
	}
	if closed.Result != ResultWin {
		t.Errorf("Expected WIN at +0.33%%, got %s", closed.Result)
	}
	if closed.ExitPrice != 3010 {
		t.Errorf("Expected close at the market price, got %v", closed.ExitPrice)
	}

	if _, err := tr.CloseByID(ctx, rec.ID); !errors.Is(err, ErrAlreadyClosed) {
		t.Errorf("Expected ErrAlreadyClosed, got %v", err)
	}
	if _, err := tr.CloseByID(ctx, "no-such-id"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestCloseByIDWithoutTicker(t *testing.T) {
	tr, mkt, _, _ := newTestTracker(t, nil, nil)
	ctx := context.Background()

	rec, err := tr.Ingest(ctx, longSignal("ETH-USDT-SWAP"))
	if err != nil {
		t.Fatalf("Ingest failed: %v", err)
	}
	mkt.setPrice("ETH-USDT-SWAP", 3020)
	tr.evaluateOnce(ctx)

	mkt.mu.Lock()
	mkt.tickerErr = errors.New("exchange down")
	mkt.mu.Unlock()

	closed, err := tr.CloseByID(ctx, rec.ID)
	if err != nil {
		t.Fatalf("CloseByID failed: %v", err)
	}
	if closed.ExitPrice != 3020 {
		t.Errorf("Expected close at the last tracked price, got %v", closed.ExitPrice)
	}
}

// ==================== STATS, HISTORY, LIFECYCLE ====================

func TestStatsTracksDrawdown(t *testing.T) {
	tr, mkt, clk, _ := newTestTracker(t, nil, nil)
	ctx := context.Background()

	winRec, err := tr.Ingest(ctx, longSignal("ETH-USDT-SWAP"))
	if err != nil {
		t.Fatalf("Ingest failed: %v", err)
	}
	clk.Advance(6 * time.Second)
	lossRec, err := tr.Ingest(ctx, longSignal("BTC-USDT-SWAP"))
	if err != nil {
		t.Fatalf("Ingest failed: %v", err)
	}

	mkt.setPrice("ETH-USDT-SWAP", 3060)
	tr.evaluateOnce(ctx)
	mkt.setPrice("BTC-USDT-SWAP", 2970)
	tr.evaluateOnce(ctx)

	if got, _ := tr.GetByID(ctx, winRec.ID); got.Result != ResultWin {
		t.Fatalf("Expected first close WIN, got %s", got.Result)
	}
	if got, _ := tr.GetByID(ctx, lossRec.ID); got.Result != ResultLoss {
		t.Fatalf("Expected second close LOSS, got %s", got.Result)
	}

	stats := tr.Stats()
	if stats.TotalClosed != 2 || stats.Wins != 1 || stats.Losses != 1 {
		t.Fatalf("Expected 2 closed with 1/1 split, got closed=%d wins=%d losses=%d",
			stats.TotalClosed, stats.Wins, stats.Losses)
	}
	if stats.WinRate != 50 {
		t.Errorf("Expected win rate 50, got %v", stats.WinRate)
	}
	if math.Abs(stats.CumulativePnlPct-1.0) > 1e-9 {
		t.Errorf("Expected cumulative pnl 1.0, got %v", stats.CumulativePnlPct)
	}
	// Peak 2.0 after the win, back to 1.0 after the loss.
	if math.Abs(stats.MaxDrawdownPct-1.0) > 1e-9 {
		t.Errorf("Expected max drawdown 1.0, got %v", stats.MaxDrawdownPct)
	}
	if math.Abs(stats.AveragePnlPct-0.5) > 1e-9 {
		t.Errorf("Expected average pnl 0.5, got %v", stats.AveragePnlPct)
	}
	if stats.TotalActive != 0 {
		t.Errorf("Expected no actives, got %d", stats.TotalActive)
	}
}

func TestLifecycleEventsPublished(t *testing.T) {
	tr, mkt, _, bus := newTestTracker(t, nil, nil)
	ctx := context.Background()
	sub := bus.Subscribe()

	rec, err := tr.Ingest(ctx, longSignal("ETH-USDT-SWAP"))
	if err != nil {
		t.Fatalf("Ingest failed: %v", err)
	}

	mkt.setPrice("ETH-USDT-SWAP", 3061)
	tr.evaluateOnce(ctx)

	wantOrder := []events.EventType{
		events.EventRecommendationCreated,
		events.EventRecommendationResult,
		events.EventStatisticsUpdated,
	}
	for _, want := range wantOrder {
		e := recvTrackerEvent(t, sub)
		if e.Type != want {
			t.Fatalf("Expected %s, got %s", want, e.Type)
		}
		if e.Type == events.EventRecommendationResult {
			payload, ok := e.Data.(Recommendation)
			if !ok {
				t.Fatalf("Expected Recommendation payload, got %T", e.Data)
			}
			if payload.ID != rec.ID || payload.Result != ResultWin {
				t.Errorf("Expected result payload for %s/WIN, got %s/%s", rec.ID, payload.ID, payload.Result)
			}
		}
	}
}

func TestListHistoryFiltersAndOrders(t *testing.T) {
	tr, mkt, clk, _ := newTestTracker(t, nil, nil)
	ctx := context.Background()

	var ids []string
	for _, symbol := range []string{"ETH-USDT-SWAP", "BTC-USDT-SWAP", "ETH-USDT-SWAP"} {
		sig := longSignal(symbol)
		// Vary entry so same-symbol creates land outside the duplicate band.
		sig.EntryPrice = FlexFloat(3000 + 100*float64(len(ids)))
		sig.TakeProfitPrice = sig.EntryPrice + 100
		sig.StopLossPrice = sig.EntryPrice - 100
		rec, err := tr.Ingest(ctx, sig)
		if err != nil {
			t.Fatalf("Ingest %s failed: %v", symbol, err)
		}
		ids = append(ids, rec.ID)
		clk.Advance(31 * time.Second)
	}

	mkt.setPrice("ETH-USDT-SWAP", 5000)
	mkt.setPrice("BTC-USDT-SWAP", 5000)
	for _, id := range ids {
		if _, err := tr.CloseByID(ctx, id); err != nil {
			t.Fatalf("CloseByID failed: %v", err)
		}
		clk.Advance(time.Second)
	}

	eth, err := tr.ListHistory(ctx, "eth-usdt-swap", 10)
	if err != nil {
		t.Fatalf("ListHistory failed: %v", err)
	}
	if len(eth) != 2 {
		t.Fatalf("Expected 2 ETH closes, got %d", len(eth))
	}

	newest, err := tr.ListHistory(ctx, "", 1)
	if err != nil {
		t.Fatalf("ListHistory failed: %v", err)
	}
	if len(newest) != 1 || newest[0].ID != ids[2] {
		t.Fatalf("Expected the most recent close first, got %v", newest)
	}
}

func TestRehydrateRestoresOpen(t *testing.T) {
	repo := newMemRepo()
	tr, mkt, clk, _ := newTestTracker(t, repo, nil)
	ctx := context.Background()

	seed := Recommendation{
		ID:              "rehydrated-1",
		Symbol:          "ETH-USDT-SWAP",
		Direction:       DirectionLong,
		EntryPrice:      3000,
		TakeProfitPrice: 3060,
		StopLossPrice:   2970,
		Leverage:        1,
		Status:          StatusActive,
		CurrentPrice:    3000,
		CreatedAt:       clk.Now().Add(-time.Hour),
		UpdatedAt:       clk.Now().Add(-time.Hour),
	}
	repo.rows[seed.ID] = seed

	tr.rehydrate(ctx)
	active := tr.ListActive()
	if len(active) != 1 || active[0].ID != "rehydrated-1" {
		t.Fatalf("Expected the open row back in memory, got %d", len(active))
	}

	// The restored recommendation flows through evaluation and persists its close.
	mkt.setPrice("ETH-USDT-SWAP", 3061)
	tr.evaluateOnce(ctx)

	repo.mu.Lock()
	stored := repo.rows["rehydrated-1"]
	repo.mu.Unlock()
	if stored.Status != StatusClosed || stored.Result != ResultWin {
		t.Fatalf("Expected persisted WIN close, got %s/%s", stored.Status, stored.Result)
	}
}

func TestPruneRemovesOldClosed(t *testing.T) {
	repo := newMemRepo()
	tr, mkt, clk, _ := newTestTracker(t, repo, nil)
	ctx := context.Background()

	rec, err := tr.Ingest(ctx, longSignal("ETH-USDT-SWAP"))
	if err != nil {
		t.Fatalf("Ingest failed: %v", err)
	}
	mkt.setPrice("ETH-USDT-SWAP", 3061)
	tr.evaluateOnce(ctx)

	// Inside the 30 day retention nothing is pruned.
	removed, err := tr.Prune(ctx)
	if err != nil {
		t.Fatalf("Prune failed: %v", err)
	}
	if removed != 0 {
		t.Fatalf("Expected nothing pruned inside retention, got %d", removed)
	}

	clk.Advance(31 * 24 * time.Hour)
	removed, err = tr.Prune(ctx)
	if err != nil {
		t.Fatalf("Prune failed: %v", err)
	}
	if removed != 1 {
		t.Fatalf("Expected 1 pruned, got %d", removed)
	}

	history, err := tr.ListHistory(ctx, "", 10)
	if err != nil {
		t.Fatalf("ListHistory failed: %v", err)
	}
	for _, h := range history {
		if h.ID == rec.ID {
			t.Error("Expected the pruned recommendation gone from history")
		}
	}
}
