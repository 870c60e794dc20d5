// Package reco owns the recommendation lifecycle: ingest gating, the
// evaluation loop that resolves TP/SL/trailing/timeout, persistence and
// aggregate statistics.
package reco

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

type Direction string

const (
	DirectionLong  Direction = "LONG"
	DirectionShort Direction = "SHORT"
)

// NormalizeDirection folds order-side aliases into canonical directions.
func NormalizeDirection(raw string) (Direction, error) {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "LONG", "BUY":
		return DirectionLong, nil
	case "SHORT", "SELL":
		return DirectionShort, nil
	default:
		return "", &ValidationError{Reason: fmt.Sprintf("unknown direction %q", raw)}
	}
}

func (d Direction) Opposite() Direction {
	if d == DirectionLong {
		return DirectionShort
	}
	return DirectionLong
}

type Status string

const (
	StatusPending Status = "PENDING"
	StatusActive  Status = "ACTIVE"
	StatusClosed  Status = "CLOSED"
	StatusExpired Status = "EXPIRED"
)

// Terminal reports whether the status permits no further transitions.
func (s Status) Terminal() bool {
	return s == StatusClosed || s == StatusExpired
}

type Result string

const (
	ResultWin       Result = "WIN"
	ResultLoss      Result = "LOSS"
	ResultBreakeven Result = "BREAKEVEN"
)

type ExitReason string

const (
	ExitReasonTP      ExitReason = "TP"
	ExitReasonSL      ExitReason = "SL"
	ExitReasonTrail   ExitReason = "TRAIL"
	ExitReasonTimeout ExitReason = "TIMEOUT"
	ExitReasonManual  ExitReason = "MANUAL"
	ExitReasonExpired ExitReason = "EXPIRED"
)

// FlexFloat unmarshals from a JSON number or a numeric string, since signal
// producers are inconsistent about quoting prices.
type FlexFloat float64

func (f *FlexFloat) UnmarshalJSON(data []byte) error {
	s := strings.TrimSpace(string(data))
	if s == "null" {
		*f = 0
		return nil
	}
	if len(s) >= 2 && s[0] == '"' {
		var str string
		if err := json.Unmarshal(data, &str); err != nil {
			return err
		}
		str = strings.TrimSpace(str)
		if str == "" {
			*f = 0
			return nil
		}
		v, err := strconv.ParseFloat(str, 64)
		if err != nil {
			return fmt.Errorf("invalid number %q", str)
		}
		*f = FlexFloat(v)
		return nil
	}
	var v float64
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*f = FlexFloat(v)
	return nil
}

func (f FlexFloat) Float() float64 { return float64(f) }

// Signal is a candidate recommendation from the strategy engine or the API.
type Signal struct {
	Symbol            string    `json:"symbol"`
	Direction         string    `json:"direction"`
	EntryPrice        FlexFloat `json:"entryPrice"`
	TakeProfitPrice   FlexFloat `json:"takeProfitPrice,omitempty"`
	StopLossPrice     FlexFloat `json:"stopLossPrice,omitempty"`
	Confidence        FlexFloat `json:"confidence,omitempty"`
	Leverage          FlexFloat `json:"leverage,omitempty"`
	PositionSize      FlexFloat `json:"positionSize,omitempty"`
	StrategyType      string    `json:"strategyType,omitempty"`
	Source            string    `json:"source,omitempty"`
	CombinedStrength  float64   `json:"combinedStrength,omitempty"`
	PendingActivation bool      `json:"pendingActivation,omitempty"`
}

// Recommendation is the tracked entity. CurrentPrice and PnlPercent update
// on every evaluation tick; resolution fields are set exactly once at the
// terminal transition.
type Recommendation struct {
	ID              string    `json:"id"`
	Symbol          string    `json:"symbol"`
	Direction       Direction `json:"direction"`
	EntryPrice      float64   `json:"entryPrice"`
	TakeProfitPrice float64   `json:"takeProfitPrice,omitempty"`
	StopLossPrice   float64   `json:"stopLossPrice,omitempty"`
	ConfidenceScore float64   `json:"confidenceScore"`
	Leverage        float64   `json:"leverage"`
	PositionSize    float64   `json:"positionSize,omitempty"`
	StrategyType    string    `json:"strategyType,omitempty"`
	Source          string    `json:"source,omitempty"`

	Status       Status    `json:"status"`
	CurrentPrice float64   `json:"currentPrice"`
	PnlPercent   float64   `json:"pnlPercent"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`

	TrailActive   bool    `json:"trailActive,omitempty"`
	TrailPrice    float64 `json:"trailPrice,omitempty"`
	HighWaterMark float64 `json:"highWaterMark,omitempty"`
	LowWaterMark  float64 `json:"lowWaterMark,omitempty"`

	Result     Result     `json:"result,omitempty"`
	ExitPrice  float64    `json:"exitPrice,omitempty"`
	ExitTime   *time.Time `json:"exitTime,omitempty"`
	ExitReason ExitReason `json:"exitReason,omitempty"`
	PnlAmount  float64    `json:"pnlAmount,omitempty"`

	DedupeKey string `json:"-"`
}

// ValidationError rejects a signal that violates the data invariants.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string { return "invalid signal: " + e.Reason }

// AdmissionError denies a structurally valid signal at one of the gates.
type AdmissionError struct {
	Reason     string
	RetryAfter time.Duration
}

func (e *AdmissionError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("admission denied (%s), retry after %s", e.Reason, e.RetryAfter)
	}
	return fmt.Sprintf("admission denied (%s)", e.Reason)
}

// Validate checks the price geometry and ranges for a normalized signal.
// Each TP/SL side is checked against entry when set alone; the full ordering
// holds when both are set.
func Validate(direction Direction, entry, tp, sl, confidence, leverage float64) error {
	if !positiveFinite(entry) {
		return &ValidationError{Reason: fmt.Sprintf("entry price must be positive and finite, got %v", entry)}
	}
	if tp != 0 && !positiveFinite(tp) {
		return &ValidationError{Reason: fmt.Sprintf("take profit must be positive and finite, got %v", tp)}
	}
	if sl != 0 && !positiveFinite(sl) {
		return &ValidationError{Reason: fmt.Sprintf("stop loss must be positive and finite, got %v", sl)}
	}
	if confidence < 0 || confidence > 1 || math.IsNaN(confidence) {
		return &ValidationError{Reason: fmt.Sprintf("confidence must be in [0,1], got %v", confidence)}
	}
	if leverage < 1 {
		return &ValidationError{Reason: fmt.Sprintf("leverage must be >= 1, got %v", leverage)}
	}

	switch direction {
	case DirectionLong:
		if tp != 0 && tp <= entry {
			return &ValidationError{Reason: "LONG take profit must be above entry"}
		}
		if sl != 0 && sl >= entry {
			return &ValidationError{Reason: "LONG stop loss must be below entry"}
		}
	case DirectionShort:
		if tp != 0 && tp >= entry {
			return &ValidationError{Reason: "SHORT take profit must be below entry"}
		}
		if sl != 0 && sl <= entry {
			return &ValidationError{Reason: "SHORT stop loss must be above entry"}
		}
	default:
		return &ValidationError{Reason: fmt.Sprintf("unknown direction %q", direction)}
	}
	return nil
}

func positiveFinite(v float64) bool {
	return v > 0 && !math.IsInf(v, 0) && !math.IsNaN(v)
}

const dedupeBucket = 5 * time.Second

// ComputeDedupeKey buckets creation time into 5s windows so near-identical
// signals from the same analysis burst collapse to one active entity.
func ComputeDedupeKey(createdAt time.Time, symbol string, direction Direction, entry, tp, sl float64) string {
	bucket := createdAt.UnixMilli() / dedupeBucket.Milliseconds()
	return fmt.Sprintf("%d|%s|%s|%.2f|%s|%s",
		bucket, symbol, direction, entry, optPrice(tp), optPrice(sl))
}

func optPrice(v float64) string {
	if v == 0 {
		return "-"
	}
	return strconv.FormatFloat(round2(v), 'f', 2, 64)
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

// PnlPercent returns the gross percent move from entry in the trade's favor.
// Commission and slippage are charged against the amount, not the percent.
func PnlPercent(direction Direction, entry, current float64) float64 {
	if entry <= 0 {
		return 0
	}
	if direction == DirectionShort {
		return (entry - current) / entry * 100
	}
	return (current - entry) / entry * 100
}

// PnlAmount converts a gross percent into a leveraged quote amount, net of
// round-trip commission and slippage on the leveraged notional.
func PnlAmount(positionSize, leverage, pnlPercent, commission, slippage float64) float64 {
	if positionSize <= 0 {
		return 0
	}
	if leverage < 1 {
		leverage = 1
	}
	notional := positionSize * leverage
	gross := notional * pnlPercent / 100
	costs := notional * (2*commission + slippage)
	return gross - costs
}
