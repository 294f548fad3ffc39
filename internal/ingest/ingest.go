// Package ingest implements the queued backend that decouples the
// monitor's hot interrupt-ack path from symbolization and disk I/O:
// one value composed of the ingress/handoff buffers it owns directly,
// plus a Symbolizer and a LogWriter capability it's handed.
package ingest

import (
	"sync"
	"time"

	"golang.org/x/sys/windows"

	"github.com/kaelmon/leakmon/internal/metrics"
	"github.com/kaelmon/leakmon/internal/wireformat"
)

// Symbolizer turns raw frames into symbol entries off the hot path.
// internal/symbolize.Symbolizer satisfies this structurally.
type Symbolizer interface {
	Symbolize(process windows.Handle, frames []uintptr) []wireformat.SymbolEntry
}

// LogWriter persists records. internal/eventlog.Writer satisfies this
// structurally.
type LogWriter interface {
	WriteAllocation(wireformat.Allocation) error
	WriteDeallocation(wireformat.Deallocation) error
	WriteStacktrace(wireformat.Stacktrace) error
}

// AllocationEvent is a captured allocation awaiting symbolization.
type AllocationEvent struct {
	Pointer            uint64
	Size               uint64
	TimestampEpochSecs int64
	Frames             []uintptr
}

// DeallocationEvent is a captured free; it carries no stack trace.
type DeallocationEvent struct {
	Pointer            uint64
	TimestampEpochSecs int64
}

// QueuedEvent is AllocationEvent ⊕ DeallocationEvent — exactly one of
// Alloc or Dealloc is set.
type QueuedEvent struct {
	Alloc   *AllocationEvent
	Dealloc *DeallocationEvent
}

// Backend is the queued backend: push from the monitor's main thread,
// drain and symbolize on a dedicated worker.
type Backend struct {
	process    windows.Handle
	symbolizer Symbolizer
	writer     LogWriter
	metrics    *metrics.Metrics
	minFlush   time.Duration
	now        func() time.Time

	// ingress is single-writer: only the monitor's main thread calls
	// Push, so no lock is needed.
	ingress []QueuedEvent

	mu        sync.Mutex
	handoff   []QueuedEvent
	lastFlush time.Time

	workCh chan struct{}
	exit   chan struct{}
	joined chan struct{}

	// emittedStackIDs is worker-goroutine-private: only the worker ever
	// reads or writes it, so no lock is needed despite being long-lived.
	emittedStackIDs map[uint32]bool
}

// Option configures a Backend at construction.
type Option func(*Backend)

// WithClock overrides the time source, for deterministic tests.
func WithClock(now func() time.Time) Option {
	return func(b *Backend) { b.now = now }
}

// NewBackend starts the worker goroutine and returns a ready Backend.
func NewBackend(process windows.Handle, symbolizer Symbolizer, writer LogWriter, m *metrics.Metrics, minFlushInterval time.Duration, opts ...Option) *Backend {
	b := &Backend{
		process:         process,
		symbolizer:      symbolizer,
		writer:          writer,
		metrics:         m,
		minFlush:        minFlushInterval,
		now:             time.Now,
		workCh:          make(chan struct{}, 1),
		exit:            make(chan struct{}),
		joined:          make(chan struct{}),
		emittedStackIDs: make(map[uint32]bool),
	}
	for _, opt := range opts {
		opt(b)
	}
	go b.run()
	return b
}

// Push appends event to the ingress buffer and attempts a flush.
func (b *Backend) Push(event QueuedEvent) {
	b.ingress = append(b.ingress, event)
	b.maybeFlush(false)
}

// SignalTimeout gives the backend a chance to flush when the monitor's
// interrupt wait times out.
func (b *Backend) SignalTimeout() {
	b.maybeFlush(true)
}

// maybeFlush swaps ingress into the mutex-protected handoff buffer and
// wakes the worker, subject to minFlush unless force is set.
func (b *Backend) maybeFlush(force bool) {
	if len(b.ingress) == 0 && !force {
		return
	}
	now := b.now()
	if !force && now.Sub(b.lastFlush) < b.minFlush {
		return
	}
	b.lastFlush = now

	if len(b.ingress) > 0 {
		b.mu.Lock()
		b.handoff = append(b.handoff, b.ingress...)
		b.mu.Unlock()
		b.ingress = b.ingress[:0]

		select {
		case b.workCh <- struct{}{}:
		default:
		}
	}
	if b.metrics != nil {
		b.metrics.RecordFlush()
	}
}

// Join repeatedly flushes until ingress is empty and handoff is
// drained, then stops the worker and waits for it to exit.
func (b *Backend) Join() {
	for len(b.ingress) > 0 {
		b.maybeFlush(true)
	}
	b.mu.Lock()
	drained := len(b.handoff) == 0
	b.mu.Unlock()
	for !drained {
		b.maybeFlush(true)
		b.mu.Lock()
		drained = len(b.handoff) == 0
		b.mu.Unlock()
	}

	close(b.exit)
	select {
	case b.workCh <- struct{}{}:
	default:
	}
	<-b.joined
}

func (b *Backend) run() {
	defer close(b.joined)
	for {
		select {
		case <-b.workCh:
			b.drainHandoff()
		case <-b.exit:
			b.drainHandoff()
			return
		}
	}
}

func (b *Backend) drainHandoff() {
	b.mu.Lock()
	batch := b.handoff
	b.handoff = nil
	b.mu.Unlock()

	for _, ev := range batch {
		switch {
		case ev.Alloc != nil:
			b.processAllocation(ev.Alloc)
		case ev.Dealloc != nil:
			b.processDeallocation(ev.Dealloc)
		}
	}
}

func (b *Backend) processAllocation(a *AllocationEvent) {
	symbols := b.symbolizer.Symbolize(b.process, a.Frames)

	names := make([]string, len(symbols))
	for i, s := range symbols {
		names[i] = s.Name
	}
	stid := StacktraceID(names)

	if !b.emittedStackIDs[stid] {
		b.emittedStackIDs[stid] = true
		err := b.writer.WriteStacktrace(wireformat.Stacktrace{
			TimestampEpochSecs: a.TimestampEpochSecs,
			StacktraceID:       stid,
			Entries:            symbols,
		})
		if err != nil {
			if b.metrics != nil {
				b.metrics.RecordDrop()
			}
			return
		}
		if b.metrics != nil {
			b.metrics.RecordStacktraceEmitted()
		}
	}

	err := b.writer.WriteAllocation(wireformat.Allocation{
		StacktraceID:       stid,
		TimestampEpochSecs: a.TimestampEpochSecs,
		Pointer:            a.Pointer,
		Size:               a.Size,
	})
	if err != nil {
		if b.metrics != nil {
			b.metrics.RecordDrop()
		}
		return
	}
	if b.metrics != nil {
		b.metrics.RecordAllocation(a.Size)
	}
}

func (b *Backend) processDeallocation(d *DeallocationEvent) {
	err := b.writer.WriteDeallocation(wireformat.Deallocation{
		TimestampEpochSecs: d.TimestampEpochSecs,
		Pointer:            d.Pointer,
	})
	if err != nil {
		if b.metrics != nil {
			b.metrics.RecordDrop()
		}
		return
	}
	if b.metrics != nil {
		b.metrics.RecordDeallocation()
	}
}
