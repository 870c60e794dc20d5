package reco

import (
	"context"
	"strings"
	"time"
)

// Stats is the point-in-time aggregate view served by the API and pushed on
// statistics-updated events. Win rate counts decided closes only; breakevens
// and expirations stay out of the denominator.
type Stats struct {
	TotalCreated     int64     `json:"totalCreated"`
	TotalActive      int       `json:"totalActive"`
	ActiveLong       int       `json:"activeLong"`
	ActiveShort      int       `json:"activeShort"`
	Pending          int       `json:"pending"`
	TotalClosed      int64     `json:"totalClosed"`
	Expired          int64     `json:"expired"`
	Wins             int64     `json:"wins"`
	Losses           int64     `json:"losses"`
	Breakevens       int64     `json:"breakevens"`
	WinRate          float64   `json:"winRate"`
	CumulativePnlPct float64   `json:"cumulativePnlPercent"`
	AveragePnlPct    float64   `json:"averagePnlPercent"`
	MaxDrawdownPct   float64   `json:"maxDrawdownPercent"`
	LastUpdated      time.Time `json:"lastUpdated"`
}

// SymbolStats aggregates closed recommendations for one symbol, or for all
// symbols when Symbol is empty.
type SymbolStats struct {
	Symbol      string  `json:"symbol,omitempty"`
	Total       int64   `json:"total"`
	Wins        int64   `json:"wins"`
	Losses      int64   `json:"losses"`
	Breakevens  int64   `json:"breakevens"`
	WinRate     float64 `json:"winRate"`
	TotalPnlPct float64 `json:"totalPnlPercent"`
	AvgPnlPct   float64 `json:"averagePnlPercent"`
	BestPnlPct  float64 `json:"bestPnlPercent"`
	WorstPnlPct float64 `json:"worstPnlPercent"`
}

// Stats assembles the aggregate view: live counts from the map, terminal
// tallies from the running aggregates.
func (t *Tracker) Stats() Stats {
	t.mu.RLock()
	var longs, shorts, pending int
	for _, rec := range t.recs {
		if rec.Status == StatusPending {
			pending++
		}
		if rec.Direction == DirectionLong {
			longs++
		} else {
			shorts++
		}
	}
	total := len(t.recs)
	t.mu.RUnlock()

	t.statsMu.Lock()
	agg := t.agg
	t.statsMu.Unlock()

	s := Stats{
		TotalCreated:     agg.totalCreated,
		TotalActive:      total,
		ActiveLong:       longs,
		ActiveShort:      shorts,
		Pending:          pending,
		TotalClosed:      agg.closed,
		Expired:          agg.expired,
		Wins:             agg.wins,
		Losses:           agg.losses,
		Breakevens:       agg.breakevens,
		CumulativePnlPct: agg.cumPnlPct,
		MaxDrawdownPct:   agg.maxDrawdown,
		LastUpdated:      agg.lastUpdated,
	}
	if decided := agg.wins + agg.losses; decided > 0 {
		s.WinRate = float64(agg.wins) / float64(decided) * 100
	}
	if agg.closed > 0 {
		s.AveragePnlPct = agg.cumPnlPct / float64(agg.closed)
	}
	return s
}

// StatsForSymbol aggregates closed results for one symbol from the
// repository, falling back to the in-memory history when none is configured.
func (t *Tracker) StatsForSymbol(ctx context.Context, symbol string) (*SymbolStats, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if t.repo != nil {
		out, err := t.repo.SymbolStats(ctx, symbol)
		if err != nil {
			return nil, err
		}
		if out == nil {
			out = &SymbolStats{Symbol: symbol}
		}
		return out, nil
	}

	t.mu.RLock()
	defer t.mu.RUnlock()
	out := &SymbolStats{Symbol: symbol}
	for _, rec := range t.history {
		if rec.Status != StatusClosed {
			continue
		}
		if symbol != "" && rec.Symbol != symbol {
			continue
		}
		out.Total++
		switch rec.Result {
		case ResultWin:
			out.Wins++
		case ResultLoss:
			out.Losses++
		case ResultBreakeven:
			out.Breakevens++
		}
		out.TotalPnlPct += rec.PnlPercent
		if out.Total == 1 || rec.PnlPercent > out.BestPnlPct {
			out.BestPnlPct = rec.PnlPercent
		}
		if out.Total == 1 || rec.PnlPercent < out.WorstPnlPct {
			out.WorstPnlPct = rec.PnlPercent
		}
	}
	if decided := out.Wins + out.Losses; decided > 0 {
		out.WinRate = float64(out.Wins) / float64(decided) * 100
	}
	if out.Total > 0 {
		out.AvgPnlPct = out.TotalPnlPct / float64(out.Total)
	}
	return out, nil
}
