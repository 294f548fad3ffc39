package leakmon

import "github.com/kaelmon/leakmon/internal/metrics"

// Metrics tracks monitor-side operational statistics for one profiling
// session. All fields are safe for concurrent use.
type Metrics = metrics.Metrics

// MetricsSnapshot is a point-in-time, plain-value copy of Metrics
// suitable for JSON encoding.
type MetricsSnapshot = metrics.Snapshot

// LatencyBuckets defines the interrupt-handling latency histogram
// buckets in nanoseconds, from 1us to 10s.
var LatencyBuckets = metrics.LatencyBuckets

// NewMetrics creates a new metrics instance with StartTime set to now.
func NewMetrics() *Metrics {
	return metrics.New()
}
