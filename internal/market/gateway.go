package market

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"okx-trading-advisor/config"
	"okx-trading-advisor/internal/clock"
	"okx-trading-advisor/internal/metrics"
)

// ErrOverrideNotAllowed is returned when a test override is set while the
// corresponding testing flag is disabled.
var ErrOverrideNotAllowed = errors.New("test overrides are disabled")

const (
	maxKlineLimit           = 300
	breakerFailureThreshold = 5
)

// L2Cache is the optional shared cache behind the in-process one. All
// failures are best-effort: a broken L2 never fails a read.
type L2Cache interface {
	GetJSON(ctx context.Context, key string, dest interface{}) (bool, error)
	SetJSON(ctx context.Context, key string, value interface{}, ttl time.Duration) error
}

// inFlightCall tracks a pending upstream fetch so concurrent callers for the
// same key share one request.
type inFlightCall struct {
	done   chan struct{}
	result interface{}
	err    error
}

type overrideEntry struct {
	value     interface{}
	expiresAt time.Time
}

type fallbackTick struct {
	price     float64
	closeTime int64
	fetchedAt time.Time
}

// Gateway is the single entry point for market data. Reads go override →
// memory cache → Redis → upstream (rate-limited, circuit-broken, retried),
// with stale-cache and kline-close fallbacks when the exchange is down.
type Gateway struct {
	client    *OKXClient
	sentiment *FearGreedClient
	l2        L2Cache
	cfg       *config.Manager
	clk       clock.Clock
	logger    zerolog.Logger

	timeout    time.Duration
	maxRetries int
	staleWin   time.Duration

	memCache *MemoryCache
	limiters map[string]*rate.Limiter
	breakers map[string]*gobreaker.CircuitBreaker

	inFlightMu sync.Mutex
	inFlight   map[string]*inFlightCall
	coalesced  int64

	overridesMu sync.RWMutex
	overrides   map[string]overrideEntry

	fallbackMu sync.RWMutex
	fallback   map[string]fallbackTick

	listenerMu      sync.RWMutex
	breakerListener func(endpoint, from, to string)
}

func NewGateway(client *OKXClient, sentiment *FearGreedClient, l2 L2Cache, cfg *config.Manager, clk clock.Clock, logger zerolog.Logger) *Gateway {
	exchange := cfg.Get().Exchange
	g := &Gateway{
		client:     client,
		sentiment:  sentiment,
		l2:         l2,
		cfg:        cfg,
		clk:        clk,
		logger:     logger.With().Str("component", "market-gateway").Logger(),
		timeout:    exchange.Timeout(),
		maxRetries: exchange.MaxRetries,
		staleWin:   exchange.StaleWindow(),
		memCache:   NewMemoryCache(int(exchange.CacheMaxBytes), clk),
		limiters: map[string]*rate.Limiter{
			"ticker":    rate.NewLimiter(10, 20),
			"candles":   rate.NewLimiter(10, 20),
			"funding":   rate.NewLimiter(10, 20),
			"sentiment": rate.NewLimiter(1, 2),
		},
		breakers:  make(map[string]*gobreaker.CircuitBreaker),
		inFlight:  make(map[string]*inFlightCall),
		overrides: make(map[string]overrideEntry),
		fallback:  make(map[string]fallbackTick),
	}
	cooldown := time.Duration(exchange.CircuitCooldown) * time.Millisecond
	for _, endpoint := range []string{"ticker", "candles", "funding", "sentiment"} {
		g.breakers[endpoint] = g.newBreaker(endpoint, cooldown)
	}
	return g
}

// SetBreakerListener registers the callback invoked on circuit breaker state
// transitions. States are the gobreaker names: closed, half-open, open.
func (g *Gateway) SetBreakerListener(fn func(endpoint, from, to string)) {
	g.listenerMu.Lock()
	g.breakerListener = fn
	g.listenerMu.Unlock()
}

func (g *Gateway) newBreaker(endpoint string, cooldown time.Duration) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        endpoint,
		MaxRequests: 1,
		Timeout:     cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= breakerFailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			g.logger.Warn().
				Str("endpoint", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Circuit breaker state changed")
			g.listenerMu.RLock()
			fn := g.breakerListener
			g.listenerMu.RUnlock()
			if fn != nil {
				fn(name, from.String(), to.String())
			}
		},
	})
}

// ==================== TICKER ====================

// GetTicker returns the latest price for symbol. Resolution order: unexpired
// price override, fresh cache, upstream, stale cache, last kline close.
func (g *Gateway) GetTicker(ctx context.Context, symbol string) (*Ticker, error) {
	if price, ok := g.priceOverride(symbol); ok {
		return &Ticker{Symbol: symbol, Price: price, Timestamp: g.clk.Now().UnixMilli()}, nil
	}

	key := "ticker:" + symbol
	if cached, ok := g.memCache.Get(key); ok {
		t := cached.(Ticker)
		return &t, nil
	}

	result, err := g.coalesce(ctx, key, func() (interface{}, error) {
		if g.l2 != nil {
			var t Ticker
			if ok, l2err := g.l2.GetJSON(ctx, key, &t); l2err == nil && ok {
				g.memCache.Set(key, t, 96, tickerTTL)
				return t, nil
			}
		}
		fetched, err := g.fetchUpstream(ctx, "ticker", func(ctx context.Context) (interface{}, error) {
			return g.client.GetTicker(ctx, symbol)
		})
		if err != nil {
			return nil, err
		}
		t := *fetched.(*Ticker)
		g.memCache.Set(key, t, 96, tickerTTL)
		if g.l2 != nil {
			if l2err := g.l2.SetJSON(ctx, key, t, tickerTTL); l2err != nil {
				g.logger.Debug().Err(l2err).Str("key", key).Msg("L2 write failed")
			}
		}
		g.recordFallback(symbol, t.Price, t.Timestamp)
		return t, nil
	})
	if err == nil {
		t := result.(Ticker)
		return &t, nil
	}

	if stale, _, ok := g.memCache.GetStale(key, g.staleWin); ok {
		t := stale.(Ticker)
		g.logger.Warn().Err(err).Str("symbol", symbol).Msg("Serving stale ticker")
		return &t, nil
	}
	if tick, ok := g.klineFallback(symbol); ok {
		g.logger.Warn().Err(err).Str("symbol", symbol).Msg("Serving ticker from last kline close")
		return &Ticker{Symbol: symbol, Price: tick.price, Timestamp: tick.closeTime}, nil
	}
	return nil, err
}

// ==================== KLINES ====================

// GetKlines returns the most recent limit klines for (symbol, interval).
// The full upstream window is cached; TTL scales with the interval.
func (g *Gateway) GetKlines(ctx context.Context, symbol, interval string, limit int) ([]Kline, error) {
	if !IsValidInterval(interval) {
		return nil, &APIError{Class: ErrClassClientError, Msg: fmt.Sprintf("unsupported interval %q", interval)}
	}
	if limit <= 0 || limit > maxKlineLimit {
		limit = maxKlineLimit
	}

	key := fmt.Sprintf("klines:%s:%s", symbol, interval)
	ttl := klineTTL(interval)

	if cached, ok := g.memCache.Get(key); ok {
		klines := cached.([]Kline)
		if len(klines) >= limit {
			return tailKlines(klines, limit), nil
		}
	}

	result, err := g.coalesce(ctx, key, func() (interface{}, error) {
		if g.l2 != nil {
			var klines []Kline
			if ok, l2err := g.l2.GetJSON(ctx, key, &klines); l2err == nil && ok && len(klines) > 0 {
				g.memCache.Set(key, klines, len(klines)*56, ttl)
				return klines, nil
			}
		}
		fetched, err := g.fetchUpstream(ctx, "candles", func(ctx context.Context) (interface{}, error) {
			return g.client.GetCandles(ctx, symbol, interval, maxKlineLimit)
		})
		if err != nil {
			return nil, err
		}
		klines := fetched.([]Kline)
		g.memCache.Set(key, klines, len(klines)*56, ttl)
		if g.l2 != nil {
			if l2err := g.l2.SetJSON(ctx, key, klines, ttl); l2err != nil {
				g.logger.Debug().Err(l2err).Str("key", key).Msg("L2 write failed")
			}
		}
		if len(klines) > 0 {
			last := klines[len(klines)-1]
			g.recordFallback(symbol, last.Close, last.CloseTime)
		}
		return klines, nil
	})
	if err == nil {
		return tailKlines(result.([]Kline), limit), nil
	}

	if stale, _, ok := g.memCache.GetStale(key, g.staleWin); ok {
		g.logger.Warn().Err(err).Str("symbol", symbol).Str("interval", interval).Msg("Serving stale klines")
		return tailKlines(stale.([]Kline), limit), nil
	}
	return nil, err
}

func tailKlines(klines []Kline, limit int) []Kline {
	if len(klines) > limit {
		return klines[len(klines)-limit:]
	}
	return klines
}

// ==================== FUNDING ====================

// GetFundingRate returns the current funding rate for a swap instrument.
func (g *Gateway) GetFundingRate(ctx context.Context, symbol string) (float64, error) {
	if pinned, ok := g.fundingOverride(symbol); ok {
		return pinned, nil
	}

	key := "funding:" + symbol
	if cached, ok := g.memCache.Get(key); ok {
		return cached.(float64), nil
	}

	result, err := g.coalesce(ctx, key, func() (interface{}, error) {
		fetched, err := g.fetchUpstream(ctx, "funding", func(ctx context.Context) (interface{}, error) {
			return g.client.GetFundingRate(ctx, symbol)
		})
		if err != nil {
			return nil, err
		}
		funding := fetched.(float64)
		g.memCache.Set(key, funding, 64, fundingTTL)
		return funding, nil
	})
	if err == nil {
		return result.(float64), nil
	}

	if stale, _, ok := g.memCache.GetStale(key, g.staleWin); ok {
		g.logger.Warn().Err(err).Str("symbol", symbol).Msg("Serving stale funding rate")
		return stale.(float64), nil
	}
	return 0, err
}

// ==================== SENTIMENT ====================

// GetSentiment returns the Fear & Greed index, override first.
func (g *Gateway) GetSentiment(ctx context.Context) (*SentimentIndex, error) {
	if idx, ok := g.sentimentOverride(); ok {
		return &idx, nil
	}

	const key = "fgi"
	if cached, ok := g.memCache.Get(key); ok {
		idx := cached.(SentimentIndex)
		return &idx, nil
	}

	result, err := g.coalesce(ctx, key, func() (interface{}, error) {
		fetched, err := g.fetchUpstream(ctx, "sentiment", func(ctx context.Context) (interface{}, error) {
			return g.sentiment.Fetch(ctx)
		})
		if err != nil {
			return nil, err
		}
		idx := *fetched.(*SentimentIndex)
		g.memCache.Set(key, idx, 96, sentimentTTL)
		return idx, nil
	})
	if err == nil {
		idx := result.(SentimentIndex)
		return &idx, nil
	}

	if stale, _, ok := g.memCache.GetStale(key, g.staleWin); ok {
		idx := stale.(SentimentIndex)
		g.logger.Warn().Err(err).Msg("Serving stale sentiment index")
		return &idx, nil
	}
	return nil, err
}

// ==================== UPSTREAM PLUMBING ====================

// coalesce deduplicates concurrent fetches for the same key: the first
// caller runs fetch, the rest wait on its done channel and share the result.
func (g *Gateway) coalesce(ctx context.Context, key string, fetch func() (interface{}, error)) (interface{}, error) {
	g.inFlightMu.Lock()
	if call, exists := g.inFlight[key]; exists {
		g.coalesced++
		g.inFlightMu.Unlock()
		select {
		case <-call.done:
			return call.result, call.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	call := &inFlightCall{done: make(chan struct{})}
	g.inFlight[key] = call
	g.inFlightMu.Unlock()

	call.result, call.err = fetch()
	close(call.done)

	g.inFlightMu.Lock()
	delete(g.inFlight, key)
	g.inFlightMu.Unlock()

	return call.result, call.err
}

// fetchUpstream runs one upstream call through the endpoint's rate limiter
// and circuit breaker, retrying transient failures with jittered backoff.
func (g *Gateway) fetchUpstream(ctx context.Context, endpoint string, fetch func(ctx context.Context) (interface{}, error)) (interface{}, error) {
	limiter := g.limiters[endpoint]
	breaker := g.breakers[endpoint]

	var lastErr error
	for attempt := 0; attempt <= g.maxRetries; attempt++ {
		if attempt > 0 {
			class := Classify(lastErr)
			if !IsRetryable(class) {
				break
			}
			if err := g.clk.Sleep(ctx, backoffDelay(class, attempt-1)); err != nil {
				return nil, err
			}
		}
		if err := limiter.Wait(ctx); err != nil {
			return nil, err
		}

		start := time.Now()
		result, err := breaker.Execute(func() (interface{}, error) {
			callCtx, cancel := context.WithTimeout(ctx, g.timeout)
			defer cancel()
			return fetch(callCtx)
		})
		metrics.UpstreamLatency.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())

		if err == nil {
			metrics.UpstreamRequests.WithLabelValues(endpoint, "ok").Inc()
			return result, nil
		}
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			metrics.UpstreamRequests.WithLabelValues(endpoint, "circuit_open").Inc()
			return nil, err
		}
		metrics.UpstreamRequests.WithLabelValues(endpoint, "error").Inc()
		lastErr = err
		g.logger.Warn().
			Err(err).
			Str("endpoint", endpoint).
			Str("class", string(Classify(err))).
			Int("attempt", attempt+1).
			Msg("Upstream request failed")
	}
	return nil, lastErr
}

func (g *Gateway) recordFallback(symbol string, price float64, closeTime int64) {
	if price <= 0 {
		return
	}
	g.fallbackMu.Lock()
	g.fallback[symbol] = fallbackTick{price: price, closeTime: closeTime, fetchedAt: g.clk.Now()}
	g.fallbackMu.Unlock()
}

func (g *Gateway) klineFallback(symbol string) (fallbackTick, bool) {
	g.fallbackMu.RLock()
	tick, ok := g.fallback[symbol]
	g.fallbackMu.RUnlock()
	if !ok || g.clk.Since(tick.fetchedAt) > g.staleWin {
		return fallbackTick{}, false
	}
	return tick, true
}

// ==================== TEST OVERRIDES ====================

// SetPriceOverride pins the ticker price for a symbol. Subsequent GetTicker
// calls return the pinned value until the TTL elapses.
func (g *Gateway) SetPriceOverride(symbol string, price float64, ttl time.Duration) error {
	testing := g.cfg.Testing()
	if !testing.AllowPriceOverride {
		return ErrOverrideNotAllowed
	}
	if price <= 0 {
		return fmt.Errorf("price override must be positive, got %v", price)
	}
	if ttl <= 0 {
		ttl = time.Duration(testing.PriceOverrideDefaultTtlMs) * time.Millisecond
	}
	g.setOverride("price:"+symbol, price, ttl)
	g.logger.Info().Str("symbol", symbol).Float64("price", price).Dur("ttl", ttl).Msg("Price override set")
	return nil
}

// ClearPriceOverride removes a symbol's price override; empty symbol clears
// every price override.
func (g *Gateway) ClearPriceOverride(symbol string) {
	if symbol == "" {
		g.clearOverridePrefix("price:")
		return
	}
	g.clearOverride("price:" + symbol)
}

// SetSentimentOverride pins the Fear & Greed index.
func (g *Gateway) SetSentimentOverride(value int, classification string, ttl time.Duration) error {
	testing := g.cfg.Testing()
	if !testing.AllowFGIOverride {
		return ErrOverrideNotAllowed
	}
	if value < 0 || value > 100 {
		return fmt.Errorf("sentiment override must be in [0,100], got %d", value)
	}
	if ttl <= 0 {
		ttl = time.Duration(testing.FGIOverrideDefaultTtlMs) * time.Millisecond
	}
	if classification == "" {
		classification = classifySentiment(value)
	}
	g.setOverride("fgi", SentimentIndex{
		Value:          value,
		Classification: classification,
		Source:         "override",
		FetchedAt:      g.clk.Now().UnixMilli(),
	}, ttl)
	g.logger.Info().Int("value", value).Dur("ttl", ttl).Msg("Sentiment override set")
	return nil
}

func (g *Gateway) ClearSentimentOverride() {
	g.clearOverride("fgi")
}

// SetFundingOverride pins the funding rate for a symbol.
func (g *Gateway) SetFundingOverride(symbol string, funding float64, ttl time.Duration) error {
	testing := g.cfg.Testing()
	if !testing.AllowFundingOverride {
		return ErrOverrideNotAllowed
	}
	if ttl <= 0 {
		ttl = time.Duration(testing.FundingOverrideDefaultTtlMs) * time.Millisecond
	}
	g.setOverride("funding:"+symbol, funding, ttl)
	g.logger.Info().Str("symbol", symbol).Float64("rate", funding).Dur("ttl", ttl).Msg("Funding override set")
	return nil
}

func (g *Gateway) ClearFundingOverride(symbol string) {
	if symbol == "" {
		g.clearOverridePrefix("funding:")
		return
	}
	g.clearOverride("funding:" + symbol)
}

// ClearAllOverrides wipes every active override.
func (g *Gateway) ClearAllOverrides() {
	g.overridesMu.Lock()
	g.overrides = make(map[string]overrideEntry)
	g.overridesMu.Unlock()
}

func (g *Gateway) setOverride(key string, value interface{}, ttl time.Duration) {
	g.overridesMu.Lock()
	g.overrides[key] = overrideEntry{value: value, expiresAt: g.clk.Now().Add(ttl)}
	g.overridesMu.Unlock()
}

func (g *Gateway) clearOverride(key string) {
	g.overridesMu.Lock()
	delete(g.overrides, key)
	g.overridesMu.Unlock()
}

func (g *Gateway) clearOverridePrefix(prefix string) {
	g.overridesMu.Lock()
	for key := range g.overrides {
		if len(key) >= len(prefix) && key[:len(prefix)] == prefix {
			delete(g.overrides, key)
		}
	}
	g.overridesMu.Unlock()
}

func (g *Gateway) override(key string) (interface{}, bool) {
	g.overridesMu.RLock()
	entry, ok := g.overrides[key]
	g.overridesMu.RUnlock()
	if !ok {
		return nil, false
	}
	if g.clk.Now().After(entry.expiresAt) {
		g.clearOverride(key)
		return nil, false
	}
	return entry.value, true
}

func (g *Gateway) priceOverride(symbol string) (float64, bool) {
	value, ok := g.override("price:" + symbol)
	if !ok {
		return 0, false
	}
	return value.(float64), true
}

func (g *Gateway) fundingOverride(symbol string) (float64, bool) {
	value, ok := g.override("funding:" + symbol)
	if !ok {
		return 0, false
	}
	return value.(float64), true
}

func (g *Gateway) sentimentOverride() (SentimentIndex, bool) {
	value, ok := g.override("fgi")
	if !ok {
		return SentimentIndex{}, false
	}
	return value.(SentimentIndex), true
}

func classifySentiment(value int) string {
	switch {
	case value < 25:
		return "Extreme Fear"
	case value < 45:
		return "Fear"
	case value < 55:
		return "Neutral"
	case value < 75:
		return "Greed"
	default:
		return "Extreme Greed"
	}
}

// ==================== INTROSPECTION ====================

// OverrideView is the API-facing shape of one active override.
type OverrideView struct {
	Key       string      `json:"key"`
	Value     interface{} `json:"value"`
	ExpiresIn int64       `json:"expiresInMs"`
}

// ActiveOverrides lists unexpired overrides sorted by key.
func (g *Gateway) ActiveOverrides() []OverrideView {
	now := g.clk.Now()
	g.overridesMu.RLock()
	views := make([]OverrideView, 0, len(g.overrides))
	for key, entry := range g.overrides {
		if now.After(entry.expiresAt) {
			continue
		}
		views = append(views, OverrideView{
			Key:       key,
			Value:     entry.value,
			ExpiresIn: entry.expiresAt.Sub(now).Milliseconds(),
		})
	}
	g.overridesMu.RUnlock()
	sort.Slice(views, func(i, j int) bool { return views[i].Key < views[j].Key })
	return views
}

// GatewayStats reports cache behavior and breaker states for diagnostics.
type GatewayStats struct {
	Cache     CacheStats        `json:"cache"`
	Coalesced int64             `json:"coalescedRequests"`
	Breakers  map[string]string `json:"breakers"`
	Overrides int               `json:"activeOverrides"`
}

func (g *Gateway) Stats() GatewayStats {
	g.inFlightMu.Lock()
	coalesced := g.coalesced
	g.inFlightMu.Unlock()

	breakers := make(map[string]string, len(g.breakers))
	for endpoint, breaker := range g.breakers {
		breakers[endpoint] = breaker.State().String()
	}
	return GatewayStats{
		Cache:     g.memCache.Stats(),
		Coalesced: coalesced,
		Breakers:  breakers,
		Overrides: len(g.ActiveOverrides()),
	}
}
