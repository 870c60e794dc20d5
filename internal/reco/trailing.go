package reco

import (
	"okx-trading-advisor/config"
)

// TrailEvent describes what happened to the trail on one price update.
type TrailEvent int

const (
	TrailNoChange TrailEvent = iota
	TrailActivated
	TrailMoved
	TrailBreached
)

// UpdateTrailing advances the trailing stop state on rec for the given price
// and returns what changed. The water marks ratchet on every tick; the trail
// price only ever tightens. Breach means the caller should close with
// ExitReasonTrail at the current price.
//
// Activation happens once profit reaches activateProfitPct, or immediately
// at breakeven when activateOnBreakeven is set. Flex bands override the base
// trail percent with the tightest band whose floor the current profit clears.
func UpdateTrailing(rec *Recommendation, price float64, cfg config.TrailingConfig) TrailEvent {
	if !cfg.Enabled || rec.Status != StatusActive {
		return TrailNoChange
	}

	if rec.HighWaterMark == 0 {
		rec.HighWaterMark = rec.EntryPrice
	}
	if rec.LowWaterMark == 0 {
		rec.LowWaterMark = rec.EntryPrice
	}
	if rec.Direction == DirectionLong && price > rec.HighWaterMark {
		rec.HighWaterMark = price
	}
	if rec.Direction == DirectionShort && price < rec.LowWaterMark {
		rec.LowWaterMark = price
	}

	pnl := PnlPercent(rec.Direction, rec.EntryPrice, price)

	event := TrailNoChange
	if !rec.TrailActive {
		if (cfg.ActivateOnBreakeven && pnl >= 0) || (cfg.ActivateProfitPct > 0 && pnl >= cfg.ActivateProfitPct) {
			rec.TrailActive = true
			event = TrailActivated
		} else {
			return TrailNoChange
		}
	}

	percent := trailPercent(pnl, cfg)

	if rec.Direction == DirectionLong {
		candidate := rec.HighWaterMark * (1 - percent/100)
		if candidate > rec.TrailPrice {
			rec.TrailPrice = candidate
			if event == TrailNoChange {
				event = TrailMoved
			}
		}
		if rec.TrailPrice > 0 && price <= rec.TrailPrice {
			return TrailBreached
		}
		return event
	}

	candidate := rec.LowWaterMark * (1 + percent/100)
	if rec.TrailPrice == 0 || candidate < rec.TrailPrice {
		rec.TrailPrice = candidate
		if event == TrailNoChange {
			event = TrailMoved
		}
	}
	if price >= rec.TrailPrice {
		return TrailBreached
	}
	return event
}

// trailPercent picks the trail distance for the current profit: the tightest
// flex band whose floor is cleared, or the base percent.
func trailPercent(pnl float64, cfg config.TrailingConfig) float64 {
	percent := cfg.Percent
	if !cfg.Flex.Enabled {
		return percent
	}
	bestFloor := -1.0
	for _, band := range cfg.Flex.Bands {
		if pnl >= band.MinProfitPct && band.MinProfitPct > bestFloor && band.TrailPercent > 0 {
			bestFloor = band.MinProfitPct
			percent = band.TrailPercent
		}
	}
	return percent
}
