// Package metrics tracks monitor-side operational statistics for one
// profiling session. The root package re-exports Metrics and Snapshot
// as its public API.
package metrics

import (
	"sync/atomic"
	"time"
)

// LatencyBuckets defines the interrupt-handling latency histogram buckets
// in nanoseconds, from 1us to 10s.
var LatencyBuckets = []uint64{
	1_000,
	10_000,
	100_000,
	1_000_000,
	10_000_000,
	100_000_000,
	1_000_000_000,
	10_000_000_000,
}

const numLatencyBuckets = 8

// Metrics tracks per-session counters. All fields are safe for
// concurrent use.
type Metrics struct {
	// Event counters
	AllocationEvents   atomic.Uint64 // allocation events observed
	DeallocationEvents atomic.Uint64 // deallocation events observed
	DroppedEvents      atomic.Uint64 // events dropped (remote-read/stack-walk/log-write failure)

	// Byte counters
	AllocatedBytes atomic.Uint64 // cumulative bytes allocated

	// Ingest pipeline
	FlushCycles     atomic.Uint64 // number of handoff-buffer flushes
	StacktracesSeen atomic.Uint64 // distinct stack-trace ids emitted

	// Interrupt-handling latency: time from interrupt signal to
	// interrupt.continue ack.
	TotalLatencyNs atomic.Uint64
	OpCount        atomic.Uint64
	LatencyBuckets [numLatencyBuckets]atomic.Uint64

	// Session lifecycle
	StartTime atomic.Int64 // UnixNano
	StopTime  atomic.Int64 // UnixNano
}

// New creates a metrics instance with StartTime set to now.
func New() *Metrics {
	m := &Metrics{}
	m.StartTime.Store(time.Now().UnixNano())
	return m
}

// RecordAllocation records a symbolized/queued allocation event.
func (m *Metrics) RecordAllocation(size uint64) {
	m.AllocationEvents.Add(1)
	m.AllocatedBytes.Add(size)
}

// RecordDeallocation records a queued deallocation event.
func (m *Metrics) RecordDeallocation() {
	m.DeallocationEvents.Add(1)
}

// RecordAckLatency records the time from one interrupt's receipt to its
// interrupt.continue ack, measured by the monitor's main loop.
func (m *Metrics) RecordAckLatency(latencyNs uint64) {
	m.TotalLatencyNs.Add(latencyNs)
	m.OpCount.Add(1)
	for i, bound := range LatencyBuckets {
		if latencyNs <= bound {
			m.LatencyBuckets[i].Add(1)
		}
	}
}

// RecordDrop records an event dropped due to a remote-read, stack-walk
// or log-write failure. Drops are non-fatal; the interrupt loop continues.
func (m *Metrics) RecordDrop() {
	m.DroppedEvents.Add(1)
}

// RecordFlush records one handoff-buffer flush cycle.
func (m *Metrics) RecordFlush() {
	m.FlushCycles.Add(1)
}

// RecordStacktraceEmitted records one newly-seen (deduplicated) stack id.
func (m *Metrics) RecordStacktraceEmitted() {
	m.StacktracesSeen.Add(1)
}

// Stop marks the session as stopped.
func (m *Metrics) Stop() {
	m.StopTime.Store(time.Now().UnixNano())
}

// Snapshot is a point-in-time, plain-value copy of Metrics suitable
// for JSON encoding (served by the status endpoint and rendered by the
// live dashboard).
type Snapshot struct {
	AllocationEvents   uint64 `json:"allocation_events"`
	DeallocationEvents uint64 `json:"deallocation_events"`
	DroppedEvents      uint64 `json:"dropped_events"`
	AllocatedBytes     uint64 `json:"allocated_bytes"`
	FlushCycles        uint64 `json:"flush_cycles"`
	StacktracesSeen    uint64 `json:"stacktraces_seen"`
	AvgLatencyNs       uint64 `json:"avg_latency_ns"`
	// LatencyBucketCounts[i] counts acks that completed within
	// LatencyBuckets[i] nanoseconds (cumulative, one count per bucket
	// whose bound the latency fits under).
	LatencyBucketCounts [numLatencyBuckets]uint64 `json:"latency_bucket_counts"`
	StartTime           int64                     `json:"start_time_unix_nano"`
	StopTime            int64                     `json:"stop_time_unix_nano"`
}

// Snapshot returns a consistent-enough point-in-time snapshot of the
// metrics (individual atomics may interleave slightly, which is
// acceptable for a statistics display).
func (m *Metrics) Snapshot() Snapshot {
	var avg uint64
	if ops := m.OpCount.Load(); ops > 0 {
		avg = m.TotalLatencyNs.Load() / ops
	}
	s := Snapshot{
		AllocationEvents:   m.AllocationEvents.Load(),
		DeallocationEvents: m.DeallocationEvents.Load(),
		DroppedEvents:      m.DroppedEvents.Load(),
		AllocatedBytes:     m.AllocatedBytes.Load(),
		FlushCycles:        m.FlushCycles.Load(),
		StacktracesSeen:    m.StacktracesSeen.Load(),
		AvgLatencyNs:       avg,
		StartTime:          m.StartTime.Load(),
		StopTime:           m.StopTime.Load(),
	}
	for i := range m.LatencyBuckets {
		s.LatencyBucketCounts[i] = m.LatencyBuckets[i].Load()
	}
	return s
}
