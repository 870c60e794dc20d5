package strategy

import (
	"math"

	"okx-trading-advisor/internal/market"
)

// Bias is the directional lean of a detected candle pattern.
type Bias string

const (
	BiasBullish Bias = "BULLISH"
	BiasBearish Bias = "BEARISH"
	BiasNeutral Bias = "NEUTRAL"
)

// Pattern is a candlestick formation found at the end of a kline sequence.
// Strength weights the pattern's contribution to the confluence score.
type Pattern struct {
	Name     string `json:"name"`
	Bias     Bias   `json:"bias"`
	Strength int    `json:"strength"`
}

func body(k market.Kline) float64 {
	return math.Abs(k.Close - k.Open)
}

func upperShadow(k market.Kline) float64 {
	return k.High - math.Max(k.Open, k.Close)
}

func lowerShadow(k market.Kline) float64 {
	return math.Min(k.Open, k.Close) - k.Low
}

func isBullish(k market.Kline) bool { return k.Close > k.Open }
func isBearish(k market.Kline) bool { return k.Close < k.Open }

// isHammer: small body at the top, lower shadow at least twice the body.
func isHammer(k market.Kline) bool {
	b := body(k)
	if b == 0 {
		return false
	}
	return lowerShadow(k) >= b*2 && upperShadow(k) <= b*0.5
}

// isShootingStar: small body at the bottom, upper shadow at least twice the
// body. The mirror of the hammer.
func isShootingStar(k market.Kline) bool {
	b := body(k)
	if b == 0 {
		return false
	}
	return upperShadow(k) >= b*2 && lowerShadow(k) <= b*0.5
}

// isDoji: body under 5% of the candle range.
func isDoji(k market.Kline) bool {
	r := k.High - k.Low
	if r == 0 {
		return false
	}
	return body(k) <= r*0.05
}

// isMarubozu: shadows under 5% of the body on both sides.
func isMarubozu(k market.Kline) bool {
	b := body(k)
	if b == 0 {
		return false
	}
	return upperShadow(k) <= b*0.05 && lowerShadow(k) <= b*0.05
}

func isBullishEngulfing(prev, cur market.Kline) bool {
	if !isBearish(prev) || !isBullish(cur) {
		return false
	}
	return cur.Open <= prev.Close && cur.Close >= prev.Open
}

func isBearishEngulfing(prev, cur market.Kline) bool {
	if !isBullish(prev) || !isBearish(cur) {
		return false
	}
	return cur.Open >= prev.Close && cur.Close <= prev.Open
}

// isPiercing: bullish candle opening below the prior bearish close and
// closing above its midpoint without fully engulfing it.
func isPiercing(prev, cur market.Kline) bool {
	if !isBearish(prev) || !isBullish(cur) {
		return false
	}
	mid := (prev.Open + prev.Close) / 2
	return cur.Open < prev.Close && cur.Close > mid && cur.Close < prev.Open
}

func isDarkCloudCover(prev, cur market.Kline) bool {
	if !isBullish(prev) || !isBearish(cur) {
		return false
	}
	mid := (prev.Open + prev.Close) / 2
	return cur.Open > prev.Close && cur.Close < mid && cur.Close > prev.Open
}

func isMorningStar(a, b, c market.Kline) bool {
	if !isBearish(a) || !isBullish(c) {
		return false
	}
	starBody := body(b)
	if starBody >= body(a)*0.3 || starBody >= body(c)*0.3 {
		return false
	}
	return c.Close > (a.Open+a.Close)/2
}

func isEveningStar(a, b, c market.Kline) bool {
	if !isBullish(a) || !isBearish(c) {
		return false
	}
	starBody := body(b)
	if starBody >= body(a)*0.3 || starBody >= body(c)*0.3 {
		return false
	}
	return c.Close < (a.Open+a.Close)/2
}

// DetectPatterns inspects the tail of a kline sequence for the candle
// formations the scorer weighs. At most one pattern per span length is
// reported, strongest formations first.
func DetectPatterns(klines []market.Kline) []Pattern {
	var found []Pattern
	n := len(klines)
	if n == 0 {
		return found
	}

	if n >= 3 {
		a, b, c := klines[n-3], klines[n-2], klines[n-1]
		switch {
		case isMorningStar(a, b, c):
			found = append(found, Pattern{Name: "Morning Star", Bias: BiasBullish, Strength: 3})
		case isEveningStar(a, b, c):
			found = append(found, Pattern{Name: "Evening Star", Bias: BiasBearish, Strength: 3})
		}
	}

	if n >= 2 {
		prev, cur := klines[n-2], klines[n-1]
		switch {
		case isBullishEngulfing(prev, cur):
			found = append(found, Pattern{Name: "Bullish Engulfing", Bias: BiasBullish, Strength: 3})
		case isBearishEngulfing(prev, cur):
			found = append(found, Pattern{Name: "Bearish Engulfing", Bias: BiasBearish, Strength: 3})
		case isPiercing(prev, cur):
			found = append(found, Pattern{Name: "Piercing", Bias: BiasBullish, Strength: 2})
		case isDarkCloudCover(prev, cur):
			found = append(found, Pattern{Name: "Dark Cloud Cover", Bias: BiasBearish, Strength: 2})
		}
	}

	cur := klines[n-1]
	switch {
	case isMarubozu(cur) && isBullish(cur):
		found = append(found, Pattern{Name: "Bullish Marubozu", Bias: BiasBullish, Strength: 2})
	case isMarubozu(cur) && isBearish(cur):
		found = append(found, Pattern{Name: "Bearish Marubozu", Bias: BiasBearish, Strength: 2})
	case isHammer(cur):
		found = append(found, Pattern{Name: "Hammer", Bias: BiasBullish, Strength: 1})
	case isShootingStar(cur):
		found = append(found, Pattern{Name: "Shooting Star", Bias: BiasBearish, Strength: 1})
	case isDoji(cur):
		found = append(found, Pattern{Name: "Doji", Bias: BiasNeutral, Strength: 1})
	}

	return found
}

// strongestPattern returns the highest-strength pattern with the given bias,
// or nil when none matches.
func strongestPattern(patterns []Pattern, bias Bias) *Pattern {
	var best *Pattern
	for i := range patterns {
		p := &patterns[i]
		if p.Bias != bias {
			continue
		}
		if best == nil || p.Strength > best.Strength {
			best = p
		}
	}
	return best
}
