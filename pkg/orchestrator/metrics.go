package orchestrator

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ServeSource tracks which tier satisfied each request.
	ServeSource = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "videocache_serve_source_total",
			Help: "Total requests served by source tier",
		},
		[]string{"source"}, // "edge", "persistent", "origin"
	)

	// Fallbacks tracks cache-layer failures absorbed by falling back to
	// the origin handler.
	Fallbacks = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "videocache_serve_fallbacks_total",
			Help: "Total cache-layer failures degraded to direct origin serves",
		},
	)

	// StoresScheduled tracks background persistent-tier stores handed
	// to the queue.
	StoresScheduled = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "videocache_stores_scheduled_total",
			Help: "Total background persistent-tier stores scheduled",
		},
	)

	// StoresSkipped tracks responses not handed to storage by reason.
	StoresSkipped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "videocache_stores_skipped_total",
			Help: "Total responses not persisted by reason",
		},
		[]string{"reason"}, // "incomplete", "too_large", "range", "ineligible"
	)

	// ServeDuration tracks request service time by source tier.
	ServeDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "videocache_serve_duration_seconds",
			Help:    "Request service duration in seconds by source tier",
			Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5},
		},
		[]string{"source"},
	)
)
