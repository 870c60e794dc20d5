// Package metrics registers the service's prometheus collectors. Everything
// lives on the default registry and is exposed by the HTTP server at /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	UpstreamRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "advisor_upstream_requests_total",
		Help: "Upstream exchange requests by endpoint and result class.",
	}, []string{"endpoint", "result"})

	UpstreamLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "advisor_upstream_latency_seconds",
		Help:    "Upstream exchange request latency.",
		Buckets: prometheus.DefBuckets,
	}, []string{"endpoint"})

	CacheHits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "advisor_cache_hits_total",
		Help: "Market data cache hits by cache layer.",
	}, []string{"cache"})

	CacheMisses = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "advisor_cache_misses_total",
		Help: "Market data cache misses by cache layer.",
	}, []string{"cache"})

	RecommendationsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "advisor_recommendations_active",
		Help: "Currently tracked PENDING and ACTIVE recommendations.",
	})

	RecommendationsClosed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "advisor_recommendations_closed_total",
		Help: "Closed recommendations by result.",
	}, []string{"result"})

	Triggers = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "advisor_strategy_triggers_total",
		Help: "Strategy trigger attempts by mode and outcome.",
	}, []string{"mode", "outcome"})

	WSClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "advisor_ws_clients",
		Help: "Connected websocket clients.",
	})

	EventsEmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "advisor_events_emitted_total",
		Help: "Broadcast events emitted by type.",
	}, []string{"event"})

	EventsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "advisor_events_dropped_total",
		Help: "Broadcast events dropped by reason.",
	}, []string{"reason"})
)
