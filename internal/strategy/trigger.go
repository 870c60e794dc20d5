package strategy

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"okx-trading-advisor/config"
	"okx-trading-advisor/internal/clock"
	"okx-trading-advisor/internal/events"
	"okx-trading-advisor/internal/gate"
	"okx-trading-advisor/internal/metrics"
	"okx-trading-advisor/internal/reco"
)

const (
	sourceAuto        = "auto_strategy"
	restartDelay      = 5 * time.Second
	invocationTimeout = 90 * time.Second
)

// Analyzer runs one analysis pass. Satisfied by *Engine.
type Analyzer interface {
	Analyze(ctx context.Context, mode string, report func(Progress)) (*Result, error)
}

var _ Analyzer = (*Engine)(nil)

// Ingestor receives candidate signals. Satisfied by *reco.Tracker.
type Ingestor interface {
	Ingest(ctx context.Context, sig reco.Signal) (*reco.Recommendation, error)
}

var _ Ingestor = (*reco.Tracker)(nil)

// Status is the controller state served by the status endpoint.
type Status struct {
	Running            bool       `json:"running"`
	AnalysisInProgress bool       `json:"analysisInProgress"`
	Symbol             string     `json:"symbol"`
	Interval           string     `json:"interval"`
	AnalysisIntervalMs int64      `json:"analysisIntervalMs"`
	RunCount           int64      `json:"runCount"`
	SkippedTicks       int64      `json:"skippedTicks"`
	LastRun            *time.Time `json:"lastRun,omitempty"`
	NextRun            *time.Time `json:"nextRun,omitempty"`
	LastError          string     `json:"lastError,omitempty"`
}

// Controller schedules analysis passes and owns the manual trigger path. A
// tick that lands while a pass is running is skipped, never queued; the
// in-progress flag is the only coordination between the two paths.
type Controller struct {
	cfg       *config.Manager
	engine    Analyzer
	tracker   Ingestor
	admission *gate.Gate
	bus       *events.Broadcaster
	clk       clock.Clock
	logger    zerolog.Logger

	inProgress atomic.Bool
	stop       chan struct{}
	cancel     context.CancelFunc
	wg         sync.WaitGroup

	mu       sync.RWMutex
	running  bool
	last     *Result
	lastErr  string
	progress Progress
	lastRun  time.Time
	nextRun  time.Time
	runs     int64
	skipped  int64
}

func NewController(cfg *config.Manager, engine Analyzer, tracker Ingestor, admission *gate.Gate, bus *events.Broadcaster, clk clock.Clock, logger zerolog.Logger) *Controller {
	return &Controller{
		cfg:       cfg,
		engine:    engine,
		tracker:   tracker,
		admission: admission,
		bus:       bus,
		clk:       clk,
		logger:    logger.With().Str("component", "trigger").Logger(),
		stop:      make(chan struct{}),
	}
}

// Start launches the scheduled loop. The loop and any in-flight invocation
// derive from ctx; Stop cancels them.
func (c *Controller) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)

	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		cancel()
		return
	}
	c.running = true
	c.cancel = cancel
	c.stop = make(chan struct{})
	c.mu.Unlock()

	c.wg.Add(1)
	go c.run(runCtx)

	scfg := c.cfg.Strategy()
	c.logger.Info().
		Str("symbol", scfg.Symbol).
		Dur("interval", scfg.AnalysisInterval()).
		Msg("Trigger controller started")
}

// Stop halts the loop, cancels any in-flight invocation and waits for both
// to exit.
func (c *Controller) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	c.mu.Unlock()

	close(c.stop)
	c.cancel()
	c.wg.Wait()
	c.logger.Info().Msg("Trigger controller stopped")
}

func (c *Controller) run(ctx context.Context) {
	defer c.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error().Interface("panic", r).Msg("Trigger loop panicked, restarting")
			select {
			case <-c.stop:
				return
			case <-ctx.Done():
				return
			case <-c.clk.After(restartDelay):
			}
			c.wg.Add(1)
			go c.run(ctx)
		}
	}()

	interval := c.analysisInterval()
	ticker := c.clk.NewTicker(interval)
	defer func() { ticker.Stop() }()
	c.setNextRun(c.clk.Now().Add(interval))

	for {
		select {
		case <-c.stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C():
			c.tick(ctx)
			// Re-arm when the configured cadence changed at runtime.
			if cur := c.analysisInterval(); cur != interval {
				ticker.Stop()
				interval = cur
				ticker = c.clk.NewTicker(interval)
			}
			c.setNextRun(c.clk.Now().Add(interval))
		}
	}
}

func (c *Controller) analysisInterval() time.Duration {
	if d := c.cfg.Strategy().AnalysisInterval(); d > 0 {
		return d
	}
	return time.Minute
}

// tick launches a scheduled invocation unless one is already in flight.
func (c *Controller) tick(ctx context.Context) {
	if !c.inProgress.CompareAndSwap(false, true) {
		c.mu.Lock()
		c.skipped++
		c.mu.Unlock()
		metrics.Triggers.WithLabelValues(ModeScheduled, "skipped").Inc()
		c.logger.Debug().Msg("Tick skipped, analysis already in flight")
		return
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer c.inProgress.Store(false)
		c.invoke(ctx, ModeScheduled)
	}()
}

// TriggerManual runs an analysis pass on demand. The admission gate applies
// its manual rules first; a scheduled pass already in flight denies with
// the in-progress reason. Denials carry a retry-after for the 429 mapping.
func (c *Controller) TriggerManual(ctx context.Context) (*Result, error) {
	if d := c.admission.Admit(gate.Request{Manual: true}); !d.Allowed {
		metrics.Triggers.WithLabelValues(ModeManual, "denied").Inc()
		return nil, &reco.AdmissionError{Reason: d.Reason, RetryAfter: d.RetryAfter}
	}
	if !c.inProgress.CompareAndSwap(false, true) {
		c.admission.ReleaseManual()
		metrics.Triggers.WithLabelValues(ModeManual, "denied").Inc()
		return nil, &reco.AdmissionError{Reason: gate.ReasonInProgress, RetryAfter: time.Second}
	}
	defer c.inProgress.Store(false)
	defer c.admission.ReleaseManual()

	return c.invoke(ctx, ModeManual)
}

func (c *Controller) invoke(ctx context.Context, mode string) (*Result, error) {
	ctx, cancel := context.WithTimeout(ctx, invocationTimeout)
	defer cancel()

	started := c.clk.Now()
	res, err := c.engine.Analyze(ctx, mode, c.onProgress)
	if err != nil {
		c.mu.Lock()
		c.lastErr = err.Error()
		c.lastRun = started
		c.mu.Unlock()
		metrics.Triggers.WithLabelValues(mode, "error").Inc()
		c.logger.Error().Err(err).Str("mode", mode).Msg("Analysis failed")
		return nil, err
	}

	c.mu.Lock()
	c.last = res
	c.lastErr = ""
	c.lastRun = started
	c.runs++
	c.mu.Unlock()

	c.bus.PublishStrategyUpdate(res.Clone())

	outcome := "no-signal"
	if res.Signal != nil {
		outcome = "signal"
		if c.tracker != nil {
			if _, ierr := c.tracker.Ingest(ctx, recoSignal(res.Signal)); ierr != nil {
				outcome = "rejected"
				var adm *reco.AdmissionError
				if errors.As(ierr, &adm) {
					c.logger.Info().
						Str("symbol", res.Signal.Symbol).
						Str("direction", res.Signal.Direction).
						Str("reason", adm.Reason).
						Dur("retry_after", adm.RetryAfter).
						Msg("Signal denied admission")
				} else {
					c.logger.Warn().Err(ierr).Str("symbol", res.Signal.Symbol).Msg("Signal ingest failed")
				}
			}
		}
	}
	metrics.Triggers.WithLabelValues(mode, outcome).Inc()
	c.logger.Info().
		Str("mode", mode).
		Str("outcome", outcome).
		Int64("duration_ms", res.DurationMs).
		Msg("Invocation finished")

	return res, nil
}

func (c *Controller) onProgress(p Progress) {
	c.mu.Lock()
	c.progress = p
	c.mu.Unlock()
	c.bus.PublishProgress(p)
}

func (c *Controller) setNextRun(at time.Time) {
	c.mu.Lock()
	c.nextRun = at
	c.mu.Unlock()
}

// Status reports the controller state.
func (c *Controller) Status() Status {
	scfg := c.cfg.Strategy()

	c.mu.RLock()
	defer c.mu.RUnlock()

	st := Status{
		Running:            c.running,
		AnalysisInProgress: c.inProgress.Load(),
		Symbol:             scfg.Symbol,
		Interval:           scfg.Interval,
		AnalysisIntervalMs: scfg.AnalysisIntervalMs,
		RunCount:           c.runs,
		SkippedTicks:       c.skipped,
		LastError:          c.lastErr,
	}
	if !c.lastRun.IsZero() {
		t := c.lastRun
		st.LastRun = &t
	}
	if c.running && !c.nextRun.IsZero() {
		t := c.nextRun
		st.NextRun = &t
	}
	return st
}

// LastAnalysis returns a copy of the most recent result, or nil before the
// first completed pass.
func (c *Controller) LastAnalysis() *Result {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.last.Clone()
}

// Progress returns the latest progress snapshot.
func (c *Controller) Progress() Progress {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.progress
}

func recoSignal(s *Signal) reco.Signal {
	return reco.Signal{
		Symbol:           s.Symbol,
		Direction:        s.Direction,
		EntryPrice:       reco.FlexFloat(s.EntryPrice),
		TakeProfitPrice:  reco.FlexFloat(s.TakeProfitPrice),
		StopLossPrice:    reco.FlexFloat(s.StopLossPrice),
		Confidence:       reco.FlexFloat(s.Confidence),
		CombinedStrength: s.CombinedStrength,
		StrategyType:     s.StrategyType,
		Source:           sourceAuto,
	}
}
