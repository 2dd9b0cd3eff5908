package rangestream

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RangeRequests tracks range-handling outcomes.
	RangeRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "videocache_range_requests_total",
			Help: "Total range-handling outcomes",
		},
		[]string{"result"}, // "passthrough", "served", "unsatisfiable"
	)

	// StreamAborts tracks aborted partial-content streams.
	StreamAborts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "videocache_stream_aborts_total",
			Help: "Total aborted partial-content streams by reason",
		},
		[]string{"reason"}, // "timeout", "write", "read"
	)

	// StreamBytes tracks bytes delivered through partial-content streams.
	StreamBytes = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "videocache_stream_bytes_total",
			Help: "Total bytes written to partial-content response bodies",
		},
	)
)
