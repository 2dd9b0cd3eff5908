package edgecache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// EdgeHits tracks edge cache hits by the key variant that resolved.
	EdgeHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "videocache_edge_hits_total",
			Help: "Total edge cache hits by key variant",
		},
		[]string{"variant"},
	)

	// EdgeMisses tracks edge cache misses (no variant matched).
	EdgeMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "videocache_edge_misses_total",
			Help: "Total edge cache misses",
		},
	)

	// EdgeBypasses tracks lookups short-circuited by bypass policy.
	EdgeBypasses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "videocache_edge_bypasses_total",
			Help: "Total edge cache lookups skipped by bypass policy",
		},
	)

	// EdgeLookupErrors tracks store errors degraded to misses.
	EdgeLookupErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "videocache_edge_lookup_errors_total",
			Help: "Total edge cache lookup errors by key variant",
		},
		[]string{"variant"},
	)

	// EdgeRangeFallbacks tracks manual range resolutions against cached
	// full-body entries.
	EdgeRangeFallbacks = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "videocache_edge_range_fallbacks_total",
			Help: "Total manual range resolutions over cached full responses",
		},
	)
)
