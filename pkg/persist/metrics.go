package persist

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Hits tracks persistent-tier cache hits.
	Hits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "videocache_persist_hits_total",
			Help: "Total persistent-tier cache hits",
		},
	)

	// Misses tracks persistent-tier cache misses.
	Misses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "videocache_persist_misses_total",
			Help: "Total persistent-tier cache misses",
		},
	)

	// Errors tracks persistent-tier operation errors.
	Errors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "videocache_persist_errors_total",
			Help: "Total persistent-tier operation errors",
		},
		[]string{"operation"}, // "get", "put", "delete"
	)

	// Writes tracks store attempts by outcome.
	Writes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "videocache_persist_writes_total",
			Help: "Total persistent-tier writes by outcome",
		},
		[]string{"outcome"}, // "stored", "skipped", "failed"
	)

	// Size tracks bytes written to the persistent tier.
	Size = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "videocache_persist_bytes_total",
			Help: "Total bytes written to the persistent tier",
		},
	)
)
