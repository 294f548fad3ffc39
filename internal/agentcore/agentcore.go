// Package agentcore implements the in-target instrumentation agent:
// it wraps the process heap's allocate/free entry points and reports
// each call across the rendezvous boundary.
//
// The agent never allocates once hooks are installed except via the
// originals it wraps; everything it touches here — the mutex, the
// rendezvous events, AnalyzerMetadata — is fixed-size and pre-created.
package agentcore

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kaelmon/leakmon/internal/logging"
	"github.com/kaelmon/leakmon/internal/rendezvous"
)

// EventKind discriminates an allocation from a deallocation in
// AnalyzerMetadata.
type EventKind uint32

const (
	EventAlloc EventKind = iota
	EventFree
)

// AnalyzerMetadata is the single process-wide record the monitor reads
// across the address-space boundary. It is only ever read while the
// reporting thread is blocked waiting for interrupt.continue, which is
// what makes the single shared record safe. Its layout is stable for
// the lifetime of the agent; procmon resolves its address once via the
// agent module's exported Metadata symbol.
type AnalyzerMetadata struct {
	Kind     EventKind
	Pointer  uint64
	Size     uint64 // 0 for EventFree
	PC       uintptr
	FramePtr uintptr
	StackPtr uintptr
}

// ContextCapturer captures the calling thread's current CPU context.
// On the real platform this wraps RtlCaptureContext; tests supply a
// fixed-value fake.
type ContextCapturer interface {
	Capture() (pc, framePtr, stackPtr uintptr)
}

// State names one node of the per-call hook state machine:
// idle, under lock, original called, reporting, resumed. Reporting is
// the only state that may block indefinitely.
type State int

const (
	StateIdle State = iota
	StateUnderLock
	StateOrigCalled
	StateReporting
	StateResumed
)

// Original is a pass-through to the real allocator/deallocator the
// agent wraps.
type Original interface {
	Alloc(size uintptr) (ptr uintptr, ok bool)
	Free(ptr uintptr) (ok bool)
}

// SignalWaiter is the capability one rendezvous event provides: signal
// it, or block waiting for it. *rendezvous.Event satisfies this
// structurally; tests supply an in-memory fake.
type SignalWaiter interface {
	Signal() error
	Wait(timeout time.Duration) (bool, error)
}

// Bundle names the six rendezvous events from the target's side.
// BundleFromRendezvous adapts a *rendezvous.Bundle to this shape.
type Bundle struct {
	Interrupt         SignalWaiter
	InterruptContinue SignalWaiter
	Start             SignalWaiter
	StartConfirm      SignalWaiter
	Stop              SignalWaiter
	StopConfirm       SignalWaiter
}

// BundleFromRendezvous adapts a live rendezvous.Bundle (target side) to
// the agent's Bundle capability shape.
func BundleFromRendezvous(b *rendezvous.Bundle) Bundle {
	return Bundle{
		Interrupt:         b.Interrupt,
		InterruptContinue: b.InterruptContinue,
		Start:             b.Start,
		StartConfirm:      b.StartConfirm,
		Stop:              b.Stop,
		StopConfirm:       b.StopConfirm,
	}
}

// Agent owns the process-wide mutex, the live AnalyzerMetadata, and the
// profiling-enabled flag that the two control threads and every hook
// call coordinate through.
type Agent struct {
	log *logging.Logger

	mu       sync.Mutex // serializes every observable allocation event in the process
	metadata AnalyzerMetadata

	profilingEnabled atomic.Bool

	bundle    Bundle
	ctxCap    ContextCapturer
	orig      Original
	lastState atomic.Int32 // State, for tests/introspection only

	// onReport, if set, runs synchronously (under mu) right after
	// metadata is captured and before interrupt is signaled. The
	// c-shared entry point uses this to mirror the value into the
	// dllexport'd C global that procmon reads cross-process.
	onReport func(AnalyzerMetadata)
}

// New builds an agent bound to an already-bootstrapped rendezvous
// bundle (target side — see rendezvous.BootstrapTarget) and the real
// allocator entry points it wraps.
func New(bundle Bundle, ctxCap ContextCapturer, orig Original) *Agent {
	a := &Agent{
		bundle: bundle,
		ctxCap: ctxCap,
		orig:   orig,
		log:    logging.Default().With("component", "agentcore"),
	}
	a.lastState.Store(int32(StateIdle))
	return a
}

// SetOnReport installs a callback invoked with each freshly captured
// AnalyzerMetadata, synchronously, before interrupt is signaled.
func (a *Agent) SetOnReport(fn func(AnalyzerMetadata)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.onReport = fn
}

// Metadata returns a copy of the current AnalyzerMetadata, for tests.
// The cgo shim does not call it; it mirrors each record into its
// exported C global through SetOnReport.
func (a *Agent) Metadata() AnalyzerMetadata {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.metadata
}

// ProfilingEnabled reports whether profiling is currently on.
func (a *Agent) ProfilingEnabled() bool {
	return a.profilingEnabled.Load()
}

// LastState returns the most recent state a hook call reached, for
// tests only — it is not part of the reporting protocol itself.
func (a *Agent) LastState() State {
	return State(a.lastState.Load())
}

func (a *Agent) setState(s State) {
	a.lastState.Store(int32(s))
}

// HookAlloc implements the uberHeapAlloc thunk's full per-call
// protocol. It always returns the original allocator's result, even
// when the reporting step never runs.
func (a *Agent) HookAlloc(size uintptr) (uintptr, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.setState(StateUnderLock)

	ptr, ok := a.orig.Alloc(size)
	a.setState(StateOrigCalled)

	if ok && a.profilingEnabled.Load() {
		a.report(EventAlloc, ptr, uint64(size))
	} else {
		a.setState(StateIdle)
	}
	return ptr, ok
}

// HookFree implements the uberHeapFree thunk's per-call protocol.
func (a *Agent) HookFree(ptr uintptr) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.setState(StateUnderLock)

	ok := a.orig.Free(ptr)
	a.setState(StateOrigCalled)

	if ok && a.profilingEnabled.Load() {
		a.report(EventFree, ptr, 0)
	} else {
		a.setState(StateIdle)
	}
	return ok
}

// report fills AnalyzerMetadata, signals interrupt, and blocks on
// interrupt.continue indefinitely. Called with a.mu held.
func (a *Agent) report(kind EventKind, ptr uintptr, size uint64) {
	a.setState(StateReporting)

	pc, fp, sp := a.ctxCap.Capture()
	a.metadata = AnalyzerMetadata{
		Kind:     kind,
		Pointer:  uint64(ptr),
		Size:     size,
		PC:       pc,
		FramePtr: fp,
		StackPtr: sp,
	}
	if a.onReport != nil {
		a.onReport(a.metadata)
	}

	if err := a.bundle.Interrupt.Signal(); err != nil {
		a.log.Errorf("signal interrupt failed: %v", err)
		a.setState(StateResumed)
		return
	}

	// Infinite wait: if the monitor never drains interrupt, this thread
	// stays parked. That is the backpressure policy — no in-target
	// buffering, so causal ordering survives with minimum state.
	if _, err := a.bundle.InterruptContinue.Wait(-1); err != nil {
		a.log.Errorf("wait interrupt.continue failed: %v", err)
	}
	a.setState(StateResumed)
}

// RunControlThreads starts the two dedicated start/stop control loops
// and blocks until ctx is canceled. Each loop waits on its own control
// event, toggles ProfilingEnabled under the same mutex the hooks use,
// and signals the matching confirm event.
func (a *Agent) RunControlThreads(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		a.controlLoop(ctx, a.bundle.Start, a.bundle.StartConfirm, true)
	}()
	go func() {
		defer wg.Done()
		a.controlLoop(ctx, a.bundle.Stop, a.bundle.StopConfirm, false)
	}()
	wg.Wait()
}

func (a *Agent) controlLoop(ctx context.Context, signal, confirm SignalWaiter, enable bool) {
	const pollInterval = 50 * time.Millisecond
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		signaled, err := signal.Wait(pollInterval)
		if err != nil {
			a.log.Errorf("control wait failed: %v", err)
			continue
		}
		if !signaled {
			continue
		}

		a.mu.Lock()
		a.profilingEnabled.Store(enable)
		a.mu.Unlock()

		if err := confirm.Signal(); err != nil {
			a.log.Errorf("confirm signal failed: %v", err)
		}
	}
}
