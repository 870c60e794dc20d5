// Package market implements the exchange data gateway: an OKX client with
// caching, request coalescing, rate limiting, circuit breaking and
// test-override support.
package market

import (
	"time"
)

// Kline is a single candle. Sequences are ascending in OpenTime and
// contiguous per (symbol, interval). Times are epoch milliseconds.
type Kline struct {
	OpenTime  int64   `json:"openTime"`
	Open      float64 `json:"open"`
	High      float64 `json:"high"`
	Low       float64 `json:"low"`
	Close     float64 `json:"close"`
	Volume    float64 `json:"volume"`
	CloseTime int64   `json:"closeTime"`
}

// Ticker is the latest-wins market snapshot for a symbol. Timestamp is epoch
// milliseconds.
type Ticker struct {
	Symbol    string  `json:"symbol"`
	Price     float64 `json:"price"`
	Volume24h float64 `json:"volume24h"`
	High24h   float64 `json:"high24h"`
	Low24h    float64 `json:"low24h"`
	Change24h float64 `json:"change24h"`
	Timestamp int64   `json:"timestamp"`
}

// SentimentIndex is the Fear & Greed reading used by the market-regime gate.
type SentimentIndex struct {
	Value          int    `json:"value"`
	Classification string `json:"classification"`
	Source         string `json:"source"`
	FetchedAt      int64  `json:"fetchedAt"`
}

// intervalDurations maps supported interval names to their bar length.
var intervalDurations = map[string]time.Duration{
	"1m":  time.Minute,
	"3m":  3 * time.Minute,
	"5m":  5 * time.Minute,
	"15m": 15 * time.Minute,
	"30m": 30 * time.Minute,
	"1h":  time.Hour,
	"4h":  4 * time.Hour,
	"1d":  24 * time.Hour,
}

// klineTTLs caches kline sequences for roughly the interval's half-life.
var klineTTLs = map[string]time.Duration{
	"1m":  2 * time.Second,
	"3m":  5 * time.Second,
	"5m":  10 * time.Second,
	"15m": 15 * time.Second,
	"30m": 20 * time.Second,
	"1h":  30 * time.Second,
	"4h":  time.Minute,
	"1d":  5 * time.Minute,
}

func klineTTL(interval string) time.Duration {
	if ttl, ok := klineTTLs[interval]; ok {
		return ttl
	}
	return 15 * time.Second
}

func intervalDuration(interval string) time.Duration {
	if d, ok := intervalDurations[interval]; ok {
		return d
	}
	return 15 * time.Minute
}

// IsValidInterval reports whether the interval name is supported.
func IsValidInterval(interval string) bool {
	_, ok := intervalDurations[interval]
	return ok
}

const (
	tickerTTL    = 2 * time.Second
	fundingTTL   = 60 * time.Second
	sentimentTTL = 5 * time.Minute
)
