package events

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"okx-trading-advisor/config"
	"okx-trading-advisor/internal/clock"
	"okx-trading-advisor/internal/metrics"
)

const snapshotQueueSize = 512

// snapshotRecord is one NDJSON line in a snapshot file.
type snapshotRecord struct {
	TS    time.Time   `json:"ts"`
	Event EventType   `json:"event"`
	Key   string      `json:"key,omitempty"`
	Data  interface{} `json:"data,omitempty"`
}

// SnapshotWriter appends emitted events to date-rotated NDJSON files so a
// day's broadcast stream can be replayed offline. Writes are asynchronous;
// when the queue backs up records are dropped and counted rather than
// stalling the dispatcher.
type SnapshotWriter struct {
	cfg    *config.Manager
	clk    clock.Clock
	logger zerolog.Logger

	queue chan snapshotRecord
	done  chan struct{}

	mu      sync.Mutex
	closed  bool
	dropped int64

	// Owned by the write loop.
	file *os.File
	path string
}

func newSnapshotWriter(cfg *config.Manager, clk clock.Clock, logger zerolog.Logger) *SnapshotWriter {
	w := &SnapshotWriter{
		cfg:    cfg,
		clk:    clk,
		logger: logger.With().Str("component", "snapshot-writer").Logger(),
		queue:  make(chan snapshotRecord, snapshotQueueSize),
		done:   make(chan struct{}),
	}
	go w.writeLoop()
	return w
}

// Append queues one record. Safe to call from any goroutine.
func (w *SnapshotWriter) Append(event Event) {
	rec := snapshotRecord{TS: event.Timestamp, Event: event.Type, Key: event.Key, Data: event.Data}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	select {
	case w.queue <- rec:
	default:
		w.dropped++
		metrics.EventsDropped.WithLabelValues("snapshot-queue").Inc()
	}
}

// Dropped reports how many records were discarded due to queue overflow.
func (w *SnapshotWriter) Dropped() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.dropped
}

// Stop flushes queued records and closes the current file, waiting up to two
// seconds for the queue to drain.
func (w *SnapshotWriter) Stop() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	w.mu.Unlock()

	close(w.queue)
	select {
	case <-w.done:
	case <-w.clk.After(2 * time.Second):
		w.logger.Warn().Msg("Snapshot drain timed out")
	}
}

func (w *SnapshotWriter) writeLoop() {
	defer func() {
		if w.file != nil {
			w.file.Close()
		}
		close(w.done)
	}()
	for rec := range w.queue {
		if err := w.write(rec); err != nil {
			w.logger.Error().Err(err).Msg("Snapshot write failed")
		}
	}
}

func (w *SnapshotWriter) write(rec snapshotRecord) error {
	dir := w.snapshotDir()
	path := filepath.Join(dir, snapshotFileName(rec.TS))
	if w.file == nil || path != w.path {
		if w.file != nil {
			w.file.Close()
			w.file = nil
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return err
		}
		w.file = f
		w.path = path
	}

	line, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	line = append(line, '\n')
	_, err = w.file.Write(line)
	return err
}

// Cleanup removes snapshot files older than the configured retention and
// returns how many were removed.
func (w *SnapshotWriter) Cleanup() (int, error) {
	rt := w.cfg.Realtime()
	if rt.SnapshotRetentionDays <= 0 {
		return 0, nil
	}
	dir := w.snapshotDir()
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}

	cutoff := w.clk.Now().UTC().AddDate(0, 0, -rt.SnapshotRetentionDays)
	removed := 0
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, "reco_") || !strings.HasSuffix(name, ".ndjson") {
			continue
		}
		day, err := time.Parse("2006-01-02", strings.TrimSuffix(strings.TrimPrefix(name, "reco_"), ".ndjson"))
		if err != nil {
			continue
		}
		if day.Before(cutoff) {
			if err := os.Remove(filepath.Join(dir, name)); err != nil {
				w.logger.Warn().Err(err).Str("file", name).Msg("Failed to remove expired snapshot")
				continue
			}
			removed++
		}
	}
	if removed > 0 {
		w.logger.Info().Int("removed", removed).Msg("Expired snapshots cleaned up")
	}
	return removed, nil
}

func (w *SnapshotWriter) snapshotDir() string {
	dir := w.cfg.Realtime().SnapshotDir
	if dir == "" {
		dir = "."
	}
	return dir
}

func snapshotFileName(ts time.Time) string {
	return "reco_" + ts.UTC().Format("2006-01-02") + ".ndjson"
}
