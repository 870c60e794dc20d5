// Package events fans strategy and recommendation lifecycle changes out to
// websocket subscribers. Emission is deduplicated per event key, optionally
// jittered to spread client reactions, and mirrored to date-rotated NDJSON
// snapshot files for offline replay.
package events

import (
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"okx-trading-advisor/config"
	"okx-trading-advisor/internal/clock"
	"okx-trading-advisor/internal/metrics"
)

// EventType names a broadcast event. Values are the wire names clients see.
type EventType string

const (
	EventStrategyUpdate            EventType = "strategy-update"
	EventAnalysisProgress          EventType = "analysis-progress"
	EventRecommendationCreated     EventType = "recommendation-created"
	EventAutoRecommendationCreated EventType = "auto-recommendation-created"
	EventRecommendationTriggered   EventType = "recommendation-triggered"
	EventRecommendationResult      EventType = "recommendation-result"
	EventStatisticsUpdated         EventType = "statistics-updated"
	EventAlert                     EventType = "alert"
)

// Topic groups subscribers by interest.
type Topic string

const (
	// TopicAll carries recommendation lifecycle events and alerts. Every
	// subscriber receives it.
	TopicAll Topic = "recommendations"
	// TopicStrategy carries strategy-update and analysis-progress events.
	// Subscribers opt in via subscribe-updates.
	TopicStrategy Topic = "strategy-updates"
)

func topicFor(t EventType) Topic {
	switch t {
	case EventStrategyUpdate, EventAnalysisProgress:
		return TopicStrategy
	default:
		return TopicAll
	}
}

// Event is a single broadcast message. Key identifies the logical stream the
// event belongs to (symbol|direction for recommendation lifecycle events) and
// scopes deduplication together with Type.
type Event struct {
	Type      EventType   `json:"event"`
	Timestamp time.Time   `json:"timestamp"`
	Key       string      `json:"key,omitempty"`
	Data      interface{} `json:"data,omitempty"`
}

func (e Event) dedupeKey() string {
	if e.Key == "" {
		return string(e.Type)
	}
	return string(e.Type) + "|" + e.Key
}

const subscriberBuffer = 256

// Subscription is a subscriber handle. Events arrive on the channel returned
// by Events; a subscriber that stops draining loses events rather than
// blocking the dispatcher.
type Subscription struct {
	id       string
	ch       chan Event
	strategy bool
}

// Events returns the receive channel. It is closed on Unsubscribe.
func (s *Subscription) Events() <-chan Event { return s.ch }

// ID returns the subscriber's opaque identifier.
func (s *Subscription) ID() string { return s.id }

type scheduledEvent struct {
	event     Event
	deliverAt time.Time
}

// Broadcaster dedupes, schedules, and fans events out to subscribers. A
// single dispatcher goroutine delivers in schedule order, and schedule times
// are monotone, so any one subscriber observes events for a given
// recommendation in the order they were published.
type Broadcaster struct {
	cfg    *config.Manager
	clk    clock.Clock
	logger zerolog.Logger

	snapshots *SnapshotWriter

	mu            sync.Mutex
	lastBroadcast map[string]time.Time
	nextDeliverAt time.Time
	closed        bool
	dedupeDropped int64
	queueDropped  int64

	subMu sync.RWMutex
	subs  map[string]*Subscription

	queue chan scheduledEvent
	stop  chan struct{}
	done  chan struct{}
}

// New starts the dispatcher and snapshot writer. Stop shuts both down.
func New(cfg *config.Manager, clk clock.Clock, logger zerolog.Logger) *Broadcaster {
	b := &Broadcaster{
		cfg:           cfg,
		clk:           clk,
		logger:        logger.With().Str("component", "broadcaster").Logger(),
		snapshots:     newSnapshotWriter(cfg, clk, logger),
		lastBroadcast: make(map[string]time.Time),
		subs:          make(map[string]*Subscription),
		queue:         make(chan scheduledEvent, 1024),
		stop:          make(chan struct{}),
		done:          make(chan struct{}),
	}
	go b.dispatchLoop()
	return b
}

// Subscribe registers a new subscriber. New subscribers receive TopicAll
// events immediately; strategy updates require JoinStrategyUpdates.
func (b *Broadcaster) Subscribe() *Subscription {
	sub := &Subscription{
		id: uuid.New().String(),
		ch: make(chan Event, subscriberBuffer),
	}
	b.subMu.Lock()
	b.subs[sub.id] = sub
	b.subMu.Unlock()
	return sub
}

// Unsubscribe removes the subscriber and closes its channel.
func (b *Broadcaster) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.subMu.Lock()
	if _, ok := b.subs[sub.id]; ok {
		delete(b.subs, sub.id)
		close(sub.ch)
	}
	b.subMu.Unlock()
}

// JoinStrategyUpdates opts the subscriber into TopicStrategy.
func (b *Broadcaster) JoinStrategyUpdates(sub *Subscription) {
	b.setStrategy(sub, true)
}

// LeaveStrategyUpdates opts the subscriber out of TopicStrategy.
func (b *Broadcaster) LeaveStrategyUpdates(sub *Subscription) {
	b.setStrategy(sub, false)
}

func (b *Broadcaster) setStrategy(sub *Subscription, on bool) {
	if sub == nil {
		return
	}
	b.subMu.Lock()
	if s, ok := b.subs[sub.id]; ok {
		s.strategy = on
	}
	b.subMu.Unlock()
}

// Publish runs the event through dedupe and jitter scheduling and hands it to
// the dispatcher. It never blocks: when the dispatch queue is full the event
// is dropped and counted.
func (b *Broadcaster) Publish(event Event) {
	now := b.clk.Now()
	if event.Timestamp.IsZero() {
		event.Timestamp = now
	}
	rt := b.cfg.Realtime()

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	if rt.DedupeEnabled && rt.DedupeWindowMs > 0 {
		window := time.Duration(rt.DedupeWindowMs) * time.Millisecond
		key := event.dedupeKey()
		if last, ok := b.lastBroadcast[key]; ok && now.Sub(last) < window {
			b.dedupeDropped++
			b.mu.Unlock()
			metrics.EventsDropped.WithLabelValues("dedupe").Inc()
			b.logger.Debug().Str("event", string(event.Type)).Str("key", event.Key).Msg("Duplicate event suppressed")
			return
		}
		b.pruneDedupe(now, window)
		b.lastBroadcast[key] = now
	}

	deliverAt := now
	if rt.JitterEnabled && rt.JitterMaxMs > 0 {
		deliverAt = now.Add(time.Duration(rand.Int63n(rt.JitterMaxMs+1)) * time.Millisecond)
	}
	// Schedule times never move backwards, so a later event drawing a smaller
	// jitter delay cannot overtake an earlier one.
	if deliverAt.Before(b.nextDeliverAt) {
		deliverAt = b.nextDeliverAt
	}
	b.nextDeliverAt = deliverAt

	select {
	case b.queue <- scheduledEvent{event: event, deliverAt: deliverAt}:
		b.mu.Unlock()
	default:
		b.queueDropped++
		b.mu.Unlock()
		metrics.EventsDropped.WithLabelValues("queue-full").Inc()
		b.logger.Warn().Str("event", string(event.Type)).Msg("Dispatch queue full, event dropped")
	}
}

// pruneDedupe drops entries too old to suppress anything, keeping the map
// bounded by the active window. Called with mu held.
func (b *Broadcaster) pruneDedupe(now time.Time, window time.Duration) {
	if len(b.lastBroadcast) < 1024 {
		return
	}
	for k, at := range b.lastBroadcast {
		if now.Sub(at) >= window {
			delete(b.lastBroadcast, k)
		}
	}
}

func (b *Broadcaster) dispatchLoop() {
	defer close(b.done)
	for se := range b.queue {
		if wait := se.deliverAt.Sub(b.clk.Now()); wait > 0 {
			select {
			case <-b.clk.After(wait):
			case <-b.stop:
				// Draining: deliver the remainder immediately.
			}
		}
		b.fanOut(se.event)
	}
}

func (b *Broadcaster) fanOut(event Event) {
	topic := topicFor(event.Type)

	b.subMu.RLock()
	for _, sub := range b.subs {
		if topic == TopicStrategy && !sub.strategy {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			metrics.EventsDropped.WithLabelValues("subscriber-full").Inc()
			b.logger.Warn().Str("event", string(event.Type)).Str("subscriber", sub.id).Msg("Subscriber buffer full, event dropped")
		}
	}
	b.subMu.RUnlock()

	metrics.EventsEmitted.WithLabelValues(string(event.Type)).Inc()
	if b.cfg.Realtime().SnapshotEnabled {
		b.snapshots.Append(event)
	}
}

// Stop rejects further publishes, drains pending deliveries for up to two
// seconds, then stops the snapshot writer.
func (b *Broadcaster) Stop() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	b.mu.Unlock()

	close(b.stop)
	close(b.queue)
	select {
	case <-b.done:
	case <-b.clk.After(2 * time.Second):
		b.logger.Warn().Msg("Broadcaster drain timed out")
	}
	b.snapshots.Stop()
}

// CleanupSnapshots removes snapshot files past the retention window.
func (b *Broadcaster) CleanupSnapshots() (int, error) {
	return b.snapshots.Cleanup()
}

// PublishRecommendationCreated announces a newly tracked recommendation.
// Auto-generated recommendations use a distinct event name so clients can
// tell them apart from manual ones.
func (b *Broadcaster) PublishRecommendationCreated(symbol, direction string, auto bool, data interface{}) {
	typ := EventRecommendationCreated
	if auto {
		typ = EventAutoRecommendationCreated
	}
	b.Publish(Event{Type: typ, Key: symbol + "|" + direction, Data: data})
}

// PublishRecommendationTriggered announces a pending recommendation touching
// its entry price and going active.
func (b *Broadcaster) PublishRecommendationTriggered(symbol, direction string, data interface{}) {
	b.Publish(Event{Type: EventRecommendationTriggered, Key: symbol + "|" + direction, Data: data})
}

// PublishRecommendationResult announces a close. The recommendation id is
// part of the key so results for distinct recommendations never collapse.
func (b *Broadcaster) PublishRecommendationResult(id, symbol, direction string, data interface{}) {
	b.Publish(Event{Type: EventRecommendationResult, Key: symbol + "|" + direction + "|" + id, Data: data})
}

// PublishStrategyUpdate pushes the latest analysis result to strategy
// subscribers.
func (b *Broadcaster) PublishStrategyUpdate(data interface{}) {
	b.Publish(Event{Type: EventStrategyUpdate, Data: data})
}

// PublishProgress pushes an analysis progress snapshot to strategy
// subscribers.
func (b *Broadcaster) PublishProgress(data interface{}) {
	b.Publish(Event{Type: EventAnalysisProgress, Data: data})
}

// PublishStatistics pushes refreshed aggregate statistics.
func (b *Broadcaster) PublishStatistics(data interface{}) {
	b.Publish(Event{Type: EventStatisticsUpdated, Data: data})
}

// PublishAlert pushes an operator-facing alert to all subscribers.
func (b *Broadcaster) PublishAlert(level, message string) {
	b.Publish(Event{
		Type: EventAlert,
		Key:  level + "|" + message,
		Data: map[string]string{"level": level, "message": message},
	})
}

// BroadcasterStats is the point-in-time view exposed on the debug surface.
type BroadcasterStats struct {
	Subscribers     int   `json:"subscribers"`
	DedupeDropped   int64 `json:"dedupeDropped"`
	QueueDropped    int64 `json:"queueDropped"`
	SnapshotDropped int64 `json:"snapshotDropped"`
}

func (b *Broadcaster) Stats() BroadcasterStats {
	b.subMu.RLock()
	subs := len(b.subs)
	b.subMu.RUnlock()

	b.mu.Lock()
	dedupe, queue := b.dedupeDropped, b.queueDropped
	b.mu.Unlock()

	return BroadcasterStats{
		Subscribers:     subs,
		DedupeDropped:   dedupe,
		QueueDropped:    queue,
		SnapshotDropped: b.snapshots.Dropped(),
	}
}
