// Package metrics provides the centralized Prometheus registry for the
// edge video cache. All metrics are defined in their respective packages
// (queue, rangestream, edgecache, persist, orchestrator) to maintain
// modularity and avoid circular dependencies.
//
// This package provides documentation and reference for all available
// metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Registry is the default Prometheus registry used by the cache layer.
// All metrics are automatically registered via promauto in their
// respective packages.
var Registry = prometheus.DefaultRegisterer

// Metrics Documentation
//
// Queue Metrics (pkg/queue):
//   - videocache_queue_pending (Gauge): Operations waiting for a slot
//   - videocache_queue_running (Gauge): Operations currently executing
//   - videocache_queue_tasks_total{outcome} (Counter): Settled tasks by outcome (ok, error, cancelled)
//
// Range Streaming Metrics (pkg/rangestream):
//   - videocache_range_requests_total{result} (Counter): Range header dispositions (served, unsatisfiable, passthrough)
//   - videocache_stream_aborts_total{reason} (Counter): Aborted partial-content streams by reason (timeout, write, read)
//   - videocache_stream_bytes_total (Counter): Bytes streamed as partial content
//
// Edge Cache Metrics (pkg/edgecache):
//   - videocache_edge_hits_total{variant} (Counter): Edge hits by winning key variant
//   - videocache_edge_misses_total (Counter): Edge misses across all key variants
//   - videocache_edge_bypasses_total (Counter): Lookups skipped by bypass indicators
//   - videocache_edge_lookup_errors_total{variant} (Counter): Store errors degraded to misses
//   - videocache_edge_range_fallbacks_total (Counter): Range requests resolved manually against full cached bodies
//
// Persistent Tier Metrics (pkg/persist):
//   - videocache_persist_hits_total (Counter): Persistent tier hits
//   - videocache_persist_misses_total (Counter): Persistent tier misses
//   - videocache_persist_errors_total{operation} (Counter): Redis operation errors (get, set, delete)
//   - videocache_persist_writes_total{outcome} (Counter): Write attempts by outcome (stored, skipped, failed)
//   - videocache_persist_bytes_total (Counter): Bytes written to the persistent tier
//
// Orchestrator Metrics (pkg/orchestrator):
//   - videocache_serve_source_total{source} (Counter): Requests served by tier (edge, persistent, origin)
//   - videocache_serve_fallbacks_total (Counter): Cache-layer failures degraded to direct origin serves
//   - videocache_stores_scheduled_total (Counter): Background stores handed to the queue
//   - videocache_stores_skipped_total{reason} (Counter): Responses not persisted by reason (incomplete, too_large, range, ineligible)
//   - videocache_serve_duration_seconds{source} (Histogram): Request service duration by tier
//
// Example Prometheus Queries:
//
//   # Overall Cache Hit Rate
//   (sum(rate(videocache_serve_source_total{source="edge"}[5m])) +
//    sum(rate(videocache_serve_source_total{source="persistent"}[5m]))) /
//   sum(rate(videocache_serve_source_total[5m]))
//
//   # Background Store Backlog
//   videocache_queue_pending
//
//   # Store Skip Breakdown
//   rate(videocache_stores_skipped_total[5m])
//
//   # P95 Serve Latency by Tier
//   histogram_quantile(0.95, rate(videocache_serve_duration_seconds_bucket[5m]))
//
//   # Range Request Error Rate
//   rate(videocache_range_requests_total{result!="served"}[5m])
