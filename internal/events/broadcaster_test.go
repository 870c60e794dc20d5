package events

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"okx-trading-advisor/config"
	"okx-trading-advisor/internal/clock"
)

func newTestBroadcaster(mutate func(*config.Config)) (*Broadcaster, *clock.FakeClock) {
	cfg := config.DefaultConfig()
	cfg.Realtime.DedupeEnabled = false
	cfg.Realtime.JitterEnabled = false
	cfg.Realtime.SnapshotEnabled = false
	if mutate != nil {
		mutate(cfg)
	}
	clk := clock.NewFake(time.Time{})
	return New(config.NewManager(cfg), clk, zerolog.Nop()), clk
}

func recvEvent(t *testing.T, sub *Subscription) Event {
	t.Helper()
	select {
	case e := <-sub.Events():
		return e
	case <-time.After(time.Second):
		t.Fatal("Timed out waiting for event")
		return Event{}
	}
}

func waitForDrain(t *testing.T, b *Broadcaster) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(b.queue) == 0 {
			time.Sleep(10 * time.Millisecond)
			if len(b.queue) == 0 {
				return
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("Dispatcher failed to drain")
}

// TestDedupeWindow verifies a duplicate created event inside the window is
// suppressed and the stream resumes once the window elapses
func TestDedupeWindow(t *testing.T) {
	b, clk := newTestBroadcaster(func(c *config.Config) {
		c.Realtime.DedupeEnabled = true
		c.Realtime.DedupeWindowMs = 2000
	})
	defer b.Stop()
	sub := b.Subscribe()

	b.PublishRecommendationCreated("ETH-USDT-SWAP", "LONG", false, map[string]int{"seq": 0})
	if e := recvEvent(t, sub); e.Type != EventRecommendationCreated {
		t.Fatalf("Expected recommendation-created, got %s", e.Type)
	}

	clk.Advance(1500 * time.Millisecond)
	b.PublishRecommendationCreated("ETH-USDT-SWAP", "LONG", false, map[string]int{"seq": 1})

	clk.Advance(600 * time.Millisecond)
	b.PublishRecommendationCreated("ETH-USDT-SWAP", "LONG", false, map[string]int{"seq": 2})

	next := recvEvent(t, sub)
	if data, ok := next.Data.(map[string]int); !ok || data["seq"] != 2 {
		t.Errorf("Expected the in-window duplicate to be dropped, got %+v", next.Data)
	}
	if s := b.Stats(); s.DedupeDropped != 1 {
		t.Errorf("Expected 1 dedupe drop, got %d", s.DedupeDropped)
	}
}

// TestDedupeWindowBoundary verifies a duplicate exactly at the window edge is
// emitted
func TestDedupeWindowBoundary(t *testing.T) {
	b, clk := newTestBroadcaster(func(c *config.Config) {
		c.Realtime.DedupeEnabled = true
		c.Realtime.DedupeWindowMs = 2000
	})
	defer b.Stop()
	sub := b.Subscribe()

	b.PublishRecommendationCreated("ETH-USDT-SWAP", "LONG", false, nil)
	recvEvent(t, sub)

	clk.Advance(2000 * time.Millisecond)
	b.PublishRecommendationCreated("ETH-USDT-SWAP", "LONG", false, nil)
	if e := recvEvent(t, sub); e.Type != EventRecommendationCreated {
		t.Fatalf("Expected emission exactly at the dedupe boundary, got %s", e.Type)
	}
}

// TestDedupeScopesKey verifies the opposite direction and distinct result ids
// never collapse into one emission
func TestDedupeScopesKey(t *testing.T) {
	b, _ := newTestBroadcaster(func(c *config.Config) {
		c.Realtime.DedupeEnabled = true
		c.Realtime.DedupeWindowMs = 2000
	})
	defer b.Stop()
	sub := b.Subscribe()

	b.PublishRecommendationCreated("ETH-USDT-SWAP", "LONG", false, nil)
	b.PublishRecommendationCreated("ETH-USDT-SWAP", "SHORT", false, nil)
	b.PublishRecommendationResult("id-1", "ETH-USDT-SWAP", "LONG", nil)
	b.PublishRecommendationResult("id-2", "ETH-USDT-SWAP", "LONG", nil)

	keys := make([]string, 0, 4)
	for i := 0; i < 4; i++ {
		keys = append(keys, recvEvent(t, sub).Key)
	}
	if keys[2] == keys[3] {
		t.Errorf("Expected result events for distinct ids to carry distinct keys, got %q", keys[2])
	}
}

// TestStrategyTopicOptIn verifies strategy updates reach only subscribers who
// joined the strategy topic
func TestStrategyTopicOptIn(t *testing.T) {
	b, _ := newTestBroadcaster(nil)
	defer b.Stop()

	plain := b.Subscribe()
	strat := b.Subscribe()
	b.JoinStrategyUpdates(strat)

	b.PublishStrategyUpdate(map[string]string{"state": "idle"})
	b.PublishAlert("warning", "cache degraded")

	if e := recvEvent(t, strat); e.Type != EventStrategyUpdate {
		t.Errorf("Expected strategy-update first, got %s", e.Type)
	}
	if e := recvEvent(t, strat); e.Type != EventAlert {
		t.Errorf("Expected alert second, got %s", e.Type)
	}
	if e := recvEvent(t, plain); e.Type != EventAlert {
		t.Errorf("Expected the plain subscriber to skip the strategy update, got %s", e.Type)
	}

	b.LeaveStrategyUpdates(strat)
	b.PublishStrategyUpdate(map[string]string{"state": "running"})
	b.PublishAlert("info", "done")
	if e := recvEvent(t, strat); e.Type != EventAlert {
		t.Errorf("Expected only the alert after leaving the topic, got %s", e.Type)
	}
}

// TestSlowSubscriberDropsNewest verifies a full subscriber buffer drops the
// overflow without blocking the dispatcher or other subscribers
func TestSlowSubscriberDropsNewest(t *testing.T) {
	b, _ := newTestBroadcaster(nil)
	defer b.Stop()
	sub := b.Subscribe()

	total := subscriberBuffer + 8
	for i := 0; i < total; i++ {
		b.PublishStatistics(map[string]int{"seq": i})
	}
	waitForDrain(t, b)

	count := 0
drain:
	for {
		select {
		case e := <-sub.Events():
			if data := e.Data.(map[string]int); data["seq"] != count {
				t.Fatalf("Expected seq %d, got %d", count, data["seq"])
			}
			count++
		default:
			break drain
		}
	}
	if count != subscriberBuffer {
		t.Errorf("Expected %d buffered events, got %d", subscriberBuffer, count)
	}
}

// TestJitterPreservesLifecycleOrder verifies jittered delivery never reorders
// events for the same recommendation
func TestJitterPreservesLifecycleOrder(t *testing.T) {
	b, clk := newTestBroadcaster(func(c *config.Config) {
		c.Realtime.JitterEnabled = true
		c.Realtime.JitterMaxMs = 500
	})
	defer b.Stop()
	sub := b.Subscribe()

	b.PublishRecommendationCreated("ETH-USDT-SWAP", "LONG", false, nil)
	b.PublishRecommendationTriggered("ETH-USDT-SWAP", "LONG", nil)
	b.PublishRecommendationResult("id-1", "ETH-USDT-SWAP", "LONG", nil)

	want := []EventType{EventRecommendationCreated, EventRecommendationTriggered, EventRecommendationResult}
	var got []EventType
	deadline := time.Now().Add(2 * time.Second)
	for len(got) < len(want) && time.Now().Before(deadline) {
		select {
		case e := <-sub.Events():
			got = append(got, e.Type)
		case <-time.After(5 * time.Millisecond):
			clk.Advance(time.Second)
		}
	}
	if len(got) != len(want) {
		t.Fatalf("Expected %d events, got %d", len(want), len(got))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Expected %s at position %d, got %s", want[i], i, got[i])
		}
	}
}

// TestUnsubscribeClosesChannel verifies the handle's channel closes and the
// subscriber count drops
func TestUnsubscribeClosesChannel(t *testing.T) {
	b, _ := newTestBroadcaster(nil)
	defer b.Stop()

	sub := b.Subscribe()
	b.Unsubscribe(sub)

	if _, ok := <-sub.Events(); ok {
		t.Error("Expected a closed channel after unsubscribe")
	}
	if s := b.Stats(); s.Subscribers != 0 {
		t.Errorf("Expected 0 subscribers, got %d", s.Subscribers)
	}
	b.Unsubscribe(sub)
}

// TestPublishAfterStop verifies late publishes are dropped quietly
func TestPublishAfterStop(t *testing.T) {
	b, _ := newTestBroadcaster(nil)
	sub := b.Subscribe()

	b.Stop()
	b.PublishAlert("info", "late")

	if n := len(sub.ch); n != 0 {
		t.Errorf("Expected no events after stop, got %d", n)
	}
}

// TestBroadcasterWritesSnapshots verifies emitted events reach the snapshot
// file once the broadcaster drains
func TestBroadcasterWritesSnapshots(t *testing.T) {
	dir := t.TempDir()
	b, _ := newTestBroadcaster(func(c *config.Config) {
		c.Realtime.SnapshotEnabled = true
		c.Realtime.SnapshotDir = dir
	})

	b.PublishAlert("info", "snapshot me")
	b.Stop()

	data, err := os.ReadFile(filepath.Join(dir, "reco_2024-01-01.ndjson"))
	if err != nil {
		t.Fatalf("Failed to read snapshot file: %v", err)
	}
	if !strings.Contains(string(data), `"event":"alert"`) {
		t.Errorf("Expected the alert in the snapshot, got %q", string(data))
	}
}

// TestSnapshotRotation verifies events land in per-day NDJSON files with the
// snapshot schema
func TestSnapshotRotation(t *testing.T) {
	dir := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.Realtime.SnapshotEnabled = true
	cfg.Realtime.SnapshotDir = dir
	clk := clock.NewFake(time.Date(2024, 3, 1, 23, 0, 0, 0, time.UTC))
	w := newSnapshotWriter(config.NewManager(cfg), clk, zerolog.Nop())

	w.Append(Event{
		Type:      EventRecommendationCreated,
		Timestamp: time.Date(2024, 3, 1, 23, 59, 0, 0, time.UTC),
		Key:       "ETH-USDT-SWAP|LONG",
		Data:      map[string]string{"id": "a"},
	})
	w.Append(Event{
		Type:      EventRecommendationResult,
		Timestamp: time.Date(2024, 3, 2, 0, 1, 0, 0, time.UTC),
		Key:       "ETH-USDT-SWAP|LONG|a",
	})
	w.Stop()

	first, err := os.ReadFile(filepath.Join(dir, "reco_2024-03-01.ndjson"))
	if err != nil {
		t.Fatalf("Failed to read first day's file: %v", err)
	}
	var rec map[string]interface{}
	if err := json.Unmarshal([]byte(strings.TrimSpace(string(first))), &rec); err != nil {
		t.Fatalf("Invalid NDJSON line: %v", err)
	}
	if rec["event"] != string(EventRecommendationCreated) {
		t.Errorf("Expected event %s, got %v", EventRecommendationCreated, rec["event"])
	}
	if rec["key"] != "ETH-USDT-SWAP|LONG" {
		t.Errorf("Expected the event key in the record, got %v", rec["key"])
	}
	if rec["ts"] == nil {
		t.Error("Expected a ts field in the record")
	}
	if _, err := os.Stat(filepath.Join(dir, "reco_2024-03-02.ndjson")); err != nil {
		t.Errorf("Expected the second day's file: %v", err)
	}
}

// TestSnapshotCleanup verifies retention removes expired snapshot files and
// nothing else
func TestSnapshotCleanup(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"reco_2024-01-01.ndjson", "reco_2024-01-19.ndjson", "unrelated.log"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("{}\n"), 0o644); err != nil {
			t.Fatalf("Failed to seed %s: %v", name, err)
		}
	}

	cfg := config.DefaultConfig()
	cfg.Realtime.SnapshotDir = dir
	cfg.Realtime.SnapshotRetentionDays = 14
	clk := clock.NewFake(time.Date(2024, 1, 20, 12, 0, 0, 0, time.UTC))
	w := newSnapshotWriter(config.NewManager(cfg), clk, zerolog.Nop())
	defer w.Stop()

	removed, err := w.Cleanup()
	if err != nil {
		t.Fatalf("Cleanup failed: %v", err)
	}
	if removed != 1 {
		t.Errorf("Expected 1 file removed, got %d", removed)
	}
	if _, err := os.Stat(filepath.Join(dir, "reco_2024-01-01.ndjson")); !os.IsNotExist(err) {
		t.Error("Expected the expired snapshot to be removed")
	}
	if _, err := os.Stat(filepath.Join(dir, "reco_2024-01-19.ndjson")); err != nil {
		t.Errorf("Expected the recent snapshot to remain: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "unrelated.log")); err != nil {
		t.Errorf("Expected unrelated files untouched: %v", err)
	}
}
