// Package strategy contains the market analysis engine and the trigger
// controller that schedules it. The engine turns klines, sentiment and
// funding into a scored directional read and, above the configured
// threshold, a candidate recommendation signal. The controller owns the
// analysis cadence: a scheduled ticker that skips while a run is in flight,
// and a manual path guarded by the admission gate.
package strategy

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/markcheno/go-talib"
	"github.com/rs/zerolog"

	"okx-trading-advisor/config"
	"okx-trading-advisor/internal/clock"
	"okx-trading-advisor/internal/market"
)

// Indicator periods. These follow the common defaults rather than config;
// tuning happens through the entry thresholds, not the indicator math.
const (
	klineLimit       = 200
	rsiPeriod        = 14
	macdFastPeriod   = 12
	macdSlowPeriod   = 26
	macdSignalPeriod = 9
	bbPeriod         = 20
	bbStdDev         = 2.0
	fastEMAPeriod    = 20
	slowEMAPeriod    = 50
	atrPeriod        = 14
	volumePeriod     = 20
	minKlines        = slowEMAPeriod + 10

	// Entry geometry: stop distance comes from ATR (or the configured
	// stop-loss percent), targets sit at twice the stop distance.
	atrStopMultiple = 1.5
	riskReward      = 2.0

	// Kronos projection window: drift and volatility from the trailing
	// lookback, expected value over the horizon.
	kronosLookback = 48
	kronosHorizon  = 12
)

// Invocation modes.
const (
	ModeScheduled = "scheduled"
	ModeManual    = "manual"
)

// Market regime labels. EVThreshold resolution falls back to "default" for
// any label without an explicit entry.
const (
	RegimeVolatile = "volatile"
	RegimeFear     = "fear"
	RegimeGreed    = "greed"
	RegimeTrending = "trending"
	RegimeRanging  = "ranging"
)

const (
	volatileATRPct  = 2.0
	fearBelow       = 25
	greedAbove      = 75
	trendSpreadPct  = 0.5
	neutralRSI      = 50.0
	volumeSpikeMult = 1.2
)

// MarketData is the slice of the gateway the engine reads from.
type MarketData interface {
	GetTicker(ctx context.Context, symbol string) (*market.Ticker, error)
	GetKlines(ctx context.Context, symbol, interval string, limit int) ([]market.Kline, error)
	GetFundingRate(ctx context.Context, symbol string) (float64, error)
	GetSentiment(ctx context.Context) (*market.SentimentIndex, error)
}

// Indicators is the snapshot computed from one kline window.
type Indicators struct {
	Price         float64 `json:"price"`
	RSI           float64 `json:"rsi"`
	MACD          float64 `json:"macd"`
	MACDSignal    float64 `json:"macdSignal"`
	MACDHistogram float64 `json:"macdHistogram"`
	EMAFast       float64 `json:"emaFast"`
	EMASlow       float64 `json:"emaSlow"`
	BBUpper       float64 `json:"bbUpper"`
	BBMiddle      float64 `json:"bbMiddle"`
	BBLower       float64 `json:"bbLower"`
	ATR           float64 `json:"atr"`
	VolumeRatio   float64 `json:"volumeRatio"`
}

// KronosProjection estimates the expected value of entering now, from the
// drift and volatility of recent returns projected over the horizon.
// ExpectedValue is in R-multiples of the stop distance.
type KronosProjection struct {
	ExpectedMovePct float64 `json:"expectedMovePct"`
	UpProbability   float64 `json:"upProbability"`
	ExpectedValue   float64 `json:"expectedValue"`
	Threshold       float64 `json:"threshold"`
	HorizonBars     int     `json:"horizonBars"`
	Passed          bool    `json:"passed"`
}

// Signal is a candidate recommendation produced by an analysis pass. The
// kronos projection travels under Metadata["kronos"].
type Signal struct {
	Symbol           string                 `json:"symbol"`
	Direction        string                 `json:"direction"`
	EntryPrice       float64                `json:"entryPrice"`
	TakeProfitPrice  float64                `json:"takeProfitPrice"`
	StopLossPrice    float64                `json:"stopLossPrice"`
	Confidence       float64                `json:"confidence"`
	CombinedStrength float64                `json:"combinedStrength"`
	StrategyType     string                 `json:"strategyType"`
	Reason           string                 `json:"reason"`
	Metadata         map[string]interface{} `json:"metadata,omitempty"`
}

// Result is the outcome of one analysis pass. Signal is nil when neither
// side reached the threshold or the kronos gate rejected the winner.
type Result struct {
	Symbol           string     `json:"symbol"`
	Interval         string     `json:"interval"`
	Mode             string     `json:"mode"`
	Regime           string     `json:"regime"`
	Sentiment        int        `json:"sentiment"`
	FundingRate      float64    `json:"fundingRate"`
	Indicators       Indicators `json:"indicators"`
	Patterns         []Pattern  `json:"patterns,omitempty"`
	LongScore        float64    `json:"longScore"`
	ShortScore       float64    `json:"shortScore"`
	Signal           *Signal    `json:"signal,omitempty"`
	ConditionsMet    []string   `json:"conditionsMet,omitempty"`
	ConditionsFailed []string   `json:"conditionsFailed,omitempty"`
	AnalyzedAt       time.Time  `json:"analyzedAt"`
	DurationMs       int64      `json:"durationMs"`
}

// Clone deep-copies the result so callers can project fields (the analysis
// endpoint strips kronos metadata) without touching the stored copy.
func (r *Result) Clone() *Result {
	if r == nil {
		return nil
	}
	cp := *r
	cp.Patterns = append([]Pattern(nil), r.Patterns...)
	cp.ConditionsMet = append([]string(nil), r.ConditionsMet...)
	cp.ConditionsFailed = append([]string(nil), r.ConditionsFailed...)
	if r.Signal != nil {
		sig := *r.Signal
		if r.Signal.Metadata != nil {
			sig.Metadata = make(map[string]interface{}, len(r.Signal.Metadata))
			for k, v := range r.Signal.Metadata {
				sig.Metadata[k] = v
			}
		}
		cp.Signal = &sig
	}
	return &cp
}

// Progress is a point-in-time stage report for a running analysis.
type Progress struct {
	Stage     string    `json:"stage"`
	Percent   int       `json:"percent"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// Engine computes analysis passes. It holds no mutable state; every pass
// reads config and market data fresh, so concurrent invocations are safe
// even though the controller never issues them.
type Engine struct {
	cfg     *config.Manager
	gateway MarketData
	clk     clock.Clock
	logger  zerolog.Logger
}

func NewEngine(cfg *config.Manager, gateway MarketData, clk clock.Clock, logger zerolog.Logger) *Engine {
	return &Engine{
		cfg:     cfg,
		gateway: gateway,
		clk:     clk,
		logger:  logger.With().Str("component", "strategy").Logger(),
	}
}

// Analyze runs one full pass: klines, indicators, regime, confluence
// scoring and the kronos projection. The report callback, when non-nil,
// receives stage updates in order with ascending percentages.
func (e *Engine) Analyze(ctx context.Context, mode string, report func(Progress)) (*Result, error) {
	scfg := e.cfg.Strategy()
	symbol, interval := scfg.Symbol, scfg.Interval
	started := e.clk.Now()

	e.report(report, "fetching-market-data", 10, fmt.Sprintf("Loading %s %s klines", symbol, interval))
	klines, err := e.gateway.GetKlines(ctx, symbol, interval, klineLimit)
	if err != nil {
		return nil, fmt.Errorf("fetch klines: %w", err)
	}
	if len(klines) < minKlines {
		return nil, fmt.Errorf("insufficient klines for %s %s: have %d, need %d", symbol, interval, len(klines), minKlines)
	}

	price := klines[len(klines)-1].Close
	if ticker, terr := e.gateway.GetTicker(ctx, symbol); terr == nil && ticker != nil && ticker.Price > 0 {
		price = ticker.Price
	} else if terr != nil {
		e.logger.Warn().Err(terr).Str("symbol", symbol).Msg("Ticker unavailable, using last close")
	}

	e.report(report, "computing-indicators", 30, "Computing indicators")
	ind := computeIndicators(klines, price)
	patterns := DetectPatterns(klines)

	e.report(report, "classifying-regime", 50, "Reading sentiment and funding")
	sentiment := neutralSentiment
	if idx, serr := e.gateway.GetSentiment(ctx); serr == nil && idx != nil {
		sentiment = idx.Value
	} else if serr != nil {
		e.logger.Warn().Err(serr).Msg("Sentiment unavailable, assuming neutral")
	}
	funding, ferr := e.gateway.GetFundingRate(ctx, symbol)
	if ferr != nil {
		e.logger.Warn().Err(ferr).Str("symbol", symbol).Msg("Funding rate unavailable")
		funding = 0
	}
	regime := classifyRegime(ind, sentiment)

	e.report(report, "scoring", 70, "Scoring entry conditions")
	long := scoreLong(ind, patterns)
	short := scoreShort(ind, patterns)

	res := &Result{
		Symbol:      symbol,
		Interval:    interval,
		Mode:        mode,
		Regime:      regime,
		Sentiment:   sentiment,
		FundingRate: funding,
		Indicators:  ind,
		Patterns:    patterns,
		LongScore:   long.score,
		ShortScore:  short.score,
		AnalyzedAt:  started,
	}

	winner, direction := long, "LONG"
	if short.score > long.score {
		winner, direction = short, "SHORT"
	}
	res.ConditionsMet = winner.met
	res.ConditionsFailed = winner.failed

	e.report(report, "projection", 85, "Projecting expected value")
	if winner.score >= scfg.SignalThreshold {
		kronos := projectKronos(closePrices(klines), direction, scfg.EVThreshold.Resolve(regime))
		if scfg.KronosGateEnabled && !kronos.Passed {
			res.ConditionsFailed = append(res.ConditionsFailed,
				fmt.Sprintf("Kronos EV %.2f below %.2f threshold", kronos.ExpectedValue, kronos.Threshold))
			e.logger.Info().
				Str("symbol", symbol).
				Str("direction", direction).
				Float64("ev", kronos.ExpectedValue).
				Float64("threshold", kronos.Threshold).
				Str("regime", regime).
				Msg("Signal suppressed by kronos gate")
		} else {
			res.Signal = e.buildSignal(symbol, direction, winner, ind, kronos)
		}
	}

	e.report(report, "complete", 100, "Analysis complete")
	res.DurationMs = e.clk.Since(started).Milliseconds()

	evt := e.logger.Info().
		Str("symbol", symbol).
		Str("mode", mode).
		Str("regime", regime).
		Float64("long_score", long.score).
		Float64("short_score", short.score)
	if res.Signal != nil {
		evt = evt.Str("signal", res.Signal.Direction)
	}
	evt.Msg("Analysis pass finished")

	return res, nil
}

const neutralSentiment = 50

func (e *Engine) report(fn func(Progress), stage string, percent int, message string) {
	if fn == nil {
		return
	}
	fn(Progress{Stage: stage, Percent: percent, Message: message, Timestamp: e.clk.Now()})
}

func (e *Engine) buildSignal(symbol, direction string, side sideScore, ind Indicators, kronos KronosProjection) *Signal {
	entry := ind.Price
	stopDist := ind.ATR * atrStopMultiple
	if pct := e.cfg.Risk().StopLossPercent; pct > 0 {
		stopDist = entry * pct / 100
	}
	targetDist := stopDist * riskReward

	var sl, tp float64
	if direction == "LONG" {
		sl = entry - stopDist
		tp = entry + targetDist
	} else {
		sl = entry + stopDist
		tp = entry - targetDist
	}

	reason := fmt.Sprintf("Confluence entry: %d conditions", len(side.met))
	for i, cond := range side.met {
		if i >= 3 {
			break
		}
		reason += "; " + cond
	}

	confidence := side.score / 100
	if confidence > 1 {
		confidence = 1
	}

	return &Signal{
		Symbol:           symbol,
		Direction:        direction,
		EntryPrice:       entry,
		TakeProfitPrice:  tp,
		StopLossPrice:    sl,
		Confidence:       confidence,
		CombinedStrength: side.score,
		StrategyType:     "confluence",
		Reason:           reason,
		Metadata:         map[string]interface{}{"kronos": kronos},
	}
}

type sideScore struct {
	score  float64
	met    []string
	failed []string
}

func (s *sideScore) add(weight float64, note string) {
	s.score += weight
	s.met = append(s.met, note)
}

func (s *sideScore) miss(note string) {
	s.failed = append(s.failed, note)
}

// Condition weights. They sum to 100 so the score doubles as the combined
// strength on the 0-100 scale the entry filters use.
const (
	weightTrend    = 20.0
	weightMomentum = 15.0
	weightRSI      = 15.0
	weightMACD     = 20.0
	weightBand     = 10.0
	weightVolume   = 10.0
	weightPattern  = 10.0
)

func scoreLong(ind Indicators, patterns []Pattern) sideScore {
	var s sideScore

	if ind.Price > ind.EMASlow {
		s.add(weightTrend, fmt.Sprintf("Price above %d EMA", slowEMAPeriod))
	} else {
		s.miss(fmt.Sprintf("Price not above %d EMA", slowEMAPeriod))
	}

	if ind.EMAFast > ind.EMASlow {
		s.add(weightMomentum, "Fast EMA above slow EMA")
	} else {
		s.miss("Fast EMA below slow EMA")
	}

	if (ind.RSI >= neutralRSI && ind.RSI <= 70) || ind.RSI < 30 {
		s.add(weightRSI, fmt.Sprintf("RSI %.1f supports longs", ind.RSI))
	} else {
		s.miss(fmt.Sprintf("RSI %.1f outside long window", ind.RSI))
	}

	if ind.MACDHistogram > 0 {
		s.add(weightMACD, "MACD histogram positive")
	} else {
		s.miss("MACD histogram not positive")
	}

	if ind.Price < ind.BBUpper {
		s.add(weightBand, "Price inside upper band")
	} else {
		s.miss("Price extended above upper band")
	}

	if ind.VolumeRatio >= volumeSpikeMult {
		s.add(weightVolume, fmt.Sprintf("Volume %.1fx average", ind.VolumeRatio))
	} else {
		s.miss("Volume below spike threshold")
	}

	if p := strongestPattern(patterns, BiasBullish); p != nil {
		s.add(weightPattern, "Bullish pattern: "+p.Name)
	} else {
		s.miss("No bullish candle pattern")
	}

	return s
}

func scoreShort(ind Indicators, patterns []Pattern) sideScore {
	var s sideScore

	if ind.Price < ind.EMASlow {
		s.add(weightTrend, fmt.Sprintf("Price below %d EMA", slowEMAPeriod))
	} else {
		s.miss(fmt.Sprintf("Price not below %d EMA", slowEMAPeriod))
	}

	if ind.EMAFast < ind.EMASlow {
		s.add(weightMomentum, "Fast EMA below slow EMA")
	} else {
		s.miss("Fast EMA above slow EMA")
	}

	if (ind.RSI >= 30 && ind.RSI <= neutralRSI) || ind.RSI > 70 {
		s.add(weightRSI, fmt.Sprintf("RSI %.1f supports shorts", ind.RSI))
	} else {
		s.miss(fmt.Sprintf("RSI %.1f outside short window", ind.RSI))
	}

	if ind.MACDHistogram < 0 {
		s.add(weightMACD, "MACD histogram negative")
	} else {
		s.miss("MACD histogram not negative")
	}

	if ind.Price > ind.BBLower {
		s.add(weightBand, "Price inside lower band")
	} else {
		s.miss("Price extended below lower band")
	}

	if ind.VolumeRatio >= volumeSpikeMult {
		s.add(weightVolume, fmt.Sprintf("Volume %.1fx average", ind.VolumeRatio))
	} else {
		s.miss("Volume below spike threshold")
	}

	if p := strongestPattern(patterns, BiasBearish); p != nil {
		s.add(weightPattern, "Bearish pattern: "+p.Name)
	} else {
		s.miss("No bearish candle pattern")
	}

	return s
}

func computeIndicators(klines []market.Kline, price float64) Indicators {
	n := len(klines)
	closes := make([]float64, n)
	highs := make([]float64, n)
	lows := make([]float64, n)
	volumes := make([]float64, n)
	for i, k := range klines {
		closes[i] = k.Close
		highs[i] = k.High
		lows[i] = k.Low
		volumes[i] = k.Volume
	}

	macdLine, signalLine, histogram := talib.Macd(closes, macdFastPeriod, macdSlowPeriod, macdSignalPeriod)
	upper, middle, lower := talib.BBands(closes, bbPeriod, bbStdDev, bbStdDev, 0)

	// Average volume excludes the forming bar so a live spike registers.
	avgVolume := lastValue(talib.Sma(volumes[:n-1], volumePeriod))
	volumeRatio := 0.0
	if avgVolume > 0 {
		volumeRatio = volumes[n-1] / avgVolume
	}

	return Indicators{
		Price:         price,
		RSI:           nz(lastValue(talib.Rsi(closes, rsiPeriod)), neutralRSI),
		MACD:          nz(lastValue(macdLine), 0),
		MACDSignal:    nz(lastValue(signalLine), 0),
		MACDHistogram: nz(lastValue(histogram), 0),
		EMAFast:       nz(lastValue(talib.Ema(closes, fastEMAPeriod)), 0),
		EMASlow:       nz(lastValue(talib.Ema(closes, slowEMAPeriod)), 0),
		BBUpper:       nz(lastValue(upper), 0),
		BBMiddle:      nz(lastValue(middle), 0),
		BBLower:       nz(lastValue(lower), 0),
		ATR:           nz(lastValue(talib.Atr(highs, lows, closes, atrPeriod)), 0),
		VolumeRatio:   nz(volumeRatio, 0),
	}
}

// classifyRegime buckets the market, in precedence order: realized
// volatility, sentiment extremes, then EMA spread for trend vs range.
func classifyRegime(ind Indicators, sentiment int) string {
	atrPct := 0.0
	if ind.Price > 0 {
		atrPct = ind.ATR / ind.Price * 100
	}
	spreadPct := 0.0
	if ind.EMASlow > 0 {
		spreadPct = math.Abs(ind.EMAFast-ind.EMASlow) / ind.EMASlow * 100
	}

	switch {
	case atrPct >= volatileATRPct:
		return RegimeVolatile
	case sentiment <= fearBelow:
		return RegimeFear
	case sentiment >= greedAbove:
		return RegimeGreed
	case spreadPct >= trendSpreadPct:
		return RegimeTrending
	default:
		return RegimeRanging
	}
}

// projectKronos models the horizon return as a normal walk with the drift
// and volatility of the trailing lookback. Win probability follows from the
// cumulative drift z-score; expected value is in R-multiples against the
// configured risk:reward.
func projectKronos(closes []float64, direction string, threshold float64) KronosProjection {
	lookback := kronosLookback
	if len(closes)-1 < lookback {
		lookback = len(closes) - 1
	}

	returns := make([]float64, 0, lookback)
	for i := len(closes) - lookback; i < len(closes); i++ {
		if closes[i-1] > 0 {
			returns = append(returns, closes[i]/closes[i-1]-1)
		}
	}

	drift, vol := meanStd(returns)

	var upProb float64
	switch {
	case vol > 0:
		z := drift * math.Sqrt(float64(kronosHorizon)) / vol
		upProb = 0.5 * (1 + math.Erf(z/math.Sqrt2))
	case drift > 0:
		upProb = 1
	case drift < 0:
		upProb = 0
	default:
		upProb = 0.5
	}

	winProb := upProb
	if direction == "SHORT" {
		winProb = 1 - upProb
	}
	ev := winProb*riskReward - (1 - winProb)

	return KronosProjection{
		ExpectedMovePct: drift * float64(kronosHorizon) * 100,
		UpProbability:   upProb,
		ExpectedValue:   ev,
		Threshold:       threshold,
		HorizonBars:     kronosHorizon,
		Passed:          ev >= threshold,
	}
}

func closePrices(klines []market.Kline) []float64 {
	closes := make([]float64, len(klines))
	for i, k := range klines {
		closes[i] = k.Close
	}
	return closes
}

func meanStd(xs []float64) (mean, std float64) {
	if len(xs) == 0 {
		return 0, 0
	}
	for _, x := range xs {
		mean += x
	}
	mean /= float64(len(xs))
	if len(xs) < 2 {
		return mean, 0
	}
	var variance float64
	for _, x := range xs {
		d := x - mean
		variance += d * d
	}
	return mean, math.Sqrt(variance / float64(len(xs)-1))
}

func lastValue(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	return xs[len(xs)-1]
}

// nz replaces NaN with a fallback so partial indicator windows never leak
// NaN into JSON payloads.
func nz(v, fallback float64) float64 {
	if v != v {
		return fallback
	}
	return v
}
