// Package gate enforces the cooldown and rate invariants around signal and
// manual-trigger admission. State mutates only on admission, under the same
// lock as the check, so decisions are linearizable.
package gate

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"okx-trading-advisor/config"
	"okx-trading-advisor/internal/clock"
)

// Denial reasons surfaced to the API layer.
const (
	ReasonGlobalInterval   = "global-interval"
	ReasonCooldown         = "cooldown"
	ReasonOppositeCooldown = "opposite-cooldown"
	ReasonManualRate       = "manual-rate"
	ReasonInProgress       = "in-progress"
)

const manualWindowSpan = time.Minute

// Request describes one admission attempt. Manual requests ignore Symbol,
// Direction and Confidence.
type Request struct {
	Symbol     string
	Direction  string
	Confidence float64
	Manual     bool
}

// Decision is the admission verdict. RetryAfter is only set on denial.
type Decision struct {
	Allowed    bool
	Reason     string
	RetryAfter time.Duration
}

type cooldownKey struct {
	symbol    string
	direction string
	kind      string
}

const (
	kindSignal = "signal"
	kindGlobal = "global"
	kindManual = "manual"
)

// CooldownTable records the last admission instant per (symbol, direction,
// kind). It is not safe for concurrent use; the Gate's lock guards it.
type CooldownTable struct {
	entries map[cooldownKey]time.Time
}

func NewCooldownTable() *CooldownTable {
	return &CooldownTable{entries: make(map[cooldownKey]time.Time)}
}

func (t *CooldownTable) get(symbol, direction, kind string) (time.Time, bool) {
	at, ok := t.entries[cooldownKey{symbol: symbol, direction: direction, kind: kind}]
	return at, ok
}

func (t *CooldownTable) set(symbol, direction, kind string, at time.Time) {
	t.entries[cooldownKey{symbol: symbol, direction: direction, kind: kind}] = at
}

// Gate is the admission authority. A single mutex guards the table, the
// manual window and the in-progress flag: every admission consults the
// global interval, so per-key sharding would serialize on it anyway.
type Gate struct {
	cfg    *config.Manager
	clk    clock.Clock
	logger zerolog.Logger

	mu               sync.Mutex
	table            *CooldownTable
	manualWindow     []time.Time
	manualInProgress bool
}

func New(cfg *config.Manager, clk clock.Clock, logger zerolog.Logger) *Gate {
	return &Gate{
		cfg:    cfg,
		clk:    clk,
		logger: logger.With().Str("component", "gate").Logger(),
		table:  NewCooldownTable(),
	}
}

// Admit checks a request against every applicable cooldown and rate rule.
// On admission the relevant timestamps update atomically; denials leave all
// state untouched. Boundary rule: elapsed equal to the cooldown admits.
func (g *Gate) Admit(req Request) Decision {
	if req.Manual {
		return g.admitManual()
	}
	return g.admitSignal(req)
}

func (g *Gate) admitSignal(req Request) Decision {
	g.mu.Lock()
	defer g.mu.Unlock()

	d := g.checkSignalLocked(req, g.clk.Now())
	if d.Allowed {
		g.commitSignalLocked(req, g.clk.Now())
	}
	return d
}

// Check evaluates the signal cooldown rules without consuming anything. A
// caller that admits further gates of its own calls Commit once the signal
// is finally accepted; Check/Commit pairs must be serialized by that caller.
func (g *Gate) Check(req Request) Decision {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.checkSignalLocked(req, g.clk.Now())
}

// Commit stamps the cooldown state for an admitted signal.
func (g *Gate) Commit(req Request) {
	g.mu.Lock()
	g.commitSignalLocked(req, g.clk.Now())
	g.mu.Unlock()
}

func (g *Gate) checkSignalLocked(req Request, now time.Time) Decision {
	s := g.cfg.Strategy()

	if last, ok := g.table.get("", "", kindGlobal); ok {
		minGap := time.Duration(s.GlobalMinIntervalMs) * time.Millisecond
		if elapsed := now.Sub(last); elapsed < minGap {
			return g.deny(req, ReasonGlobalInterval, minGap-elapsed)
		}
	}

	if last, ok := g.table.get(req.Symbol, req.Direction, kindSignal); ok {
		cd := s.SameDirCooldown(req.Direction)
		if elapsed := now.Sub(last); elapsed < cd {
			return g.deny(req, ReasonCooldown, cd-elapsed)
		}
	}

	if last, ok := g.table.get(req.Symbol, opposite(req.Direction), kindSignal); ok {
		cd := s.OppositeCooldown(req.Direction)
		if elapsed := now.Sub(last); elapsed < cd && req.Confidence <= s.OppositeMinConfidenceFor(req.Direction) {
			return g.deny(req, ReasonOppositeCooldown, cd-elapsed)
		}
	}

	return Decision{Allowed: true}
}

func (g *Gate) commitSignalLocked(req Request, now time.Time) {
	g.table.set(req.Symbol, req.Direction, kindSignal, now)
	g.table.set("", "", kindGlobal, now)
}

// admitManual admits a manual trigger: single-flight first, then the 60s
// sliding window, then the manual and global cooldowns. The window and the
// manual timestamp update only on admission, so denials never eat quota.
func (g *Gate) admitManual() Decision {
	s := g.cfg.Strategy()
	now := g.clk.Now()

	g.mu.Lock()
	defer g.mu.Unlock()

	if g.manualInProgress {
		return g.denyManual(ReasonInProgress, time.Second)
	}

	windowStart := now.Add(-manualWindowSpan)
	kept := g.manualWindow[:0]
	for _, at := range g.manualWindow {
		if at.After(windowStart) {
			kept = append(kept, at)
		}
	}
	g.manualWindow = kept

	if max := s.MaxManualTriggersPerMin; max > 0 && len(g.manualWindow) >= max {
		oldest := g.manualWindow[0]
		return g.denyManual(ReasonManualRate, oldest.Add(manualWindowSpan).Sub(now))
	}

	var wait time.Duration
	if last, ok := g.table.get("", "", kindManual); ok {
		cd := time.Duration(s.SignalCooldownMs) * time.Millisecond
		if elapsed := now.Sub(last); elapsed < cd && cd-elapsed > wait {
			wait = cd - elapsed
		}
	}
	if last, ok := g.table.get("", "", kindGlobal); ok {
		minGap := time.Duration(s.GlobalMinIntervalMs) * time.Millisecond
		if elapsed := now.Sub(last); elapsed < minGap && minGap-elapsed > wait {
			wait = minGap - elapsed
		}
	}
	if wait > 0 {
		return g.denyManual(ReasonCooldown, wait)
	}

	g.manualInProgress = true
	g.manualWindow = append(g.manualWindow, now)
	g.table.set("", "", kindManual, now)
	return Decision{Allowed: true}
}

// ReleaseManual clears the manual single-flight slot once the triggered
// analysis completes.
func (g *Gate) ReleaseManual() {
	g.mu.Lock()
	g.manualInProgress = false
	g.mu.Unlock()
}

func (g *Gate) deny(req Request, reason string, retryAfter time.Duration) Decision {
	g.logger.Debug().
		Str("symbol", req.Symbol).
		Str("direction", req.Direction).
		Str("reason", reason).
		Dur("retryAfter", retryAfter).
		Msg("Signal denied")
	return Decision{Reason: reason, RetryAfter: retryAfter}
}

func (g *Gate) denyManual(reason string, retryAfter time.Duration) Decision {
	g.logger.Debug().
		Str("reason", reason).
		Dur("retryAfter", retryAfter).
		Msg("Manual trigger denied")
	return Decision{Reason: reason, RetryAfter: retryAfter}
}

func opposite(direction string) string {
	if direction == "LONG" {
		return "SHORT"
	}
	return "LONG"
}
