package agentcore

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type fakeEvent struct {
	mu        sync.Mutex
	signaled  int
	waitCalls int
	waitOK    bool
	waitErr   error
}

func (f *fakeEvent) Signal() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.signaled++
	return nil
}

func (f *fakeEvent) Wait(timeout time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.waitCalls++
	return f.waitOK, f.waitErr
}

func (f *fakeEvent) signalCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.signaled
}

type fakeOriginal struct {
	allocOK bool
	freeOK  bool
}

func (f *fakeOriginal) Alloc(size uintptr) (uintptr, bool) { return 0x1000, f.allocOK }
func (f *fakeOriginal) Free(ptr uintptr) bool              { return f.freeOK }

type fakeContext struct{}

func (fakeContext) Capture() (pc, fp, sp uintptr) { return 0xAAAA, 0xBBBB, 0xCCCC }

func newTestBundle() (Bundle, *fakeEvent, *fakeEvent) {
	interrupt := &fakeEvent{}
	interruptContinue := &fakeEvent{waitOK: true}
	return Bundle{
		Interrupt:         interrupt,
		InterruptContinue: interruptContinue,
		Start:             &fakeEvent{},
		StartConfirm:      &fakeEvent{},
		Stop:              &fakeEvent{},
		StopConfirm:       &fakeEvent{},
	}, interrupt, interruptContinue
}

func TestHookAllocPassesThroughWhenProfilingDisabled(t *testing.T) {
	bundle, interrupt, _ := newTestBundle()
	a := New(bundle, fakeContext{}, &fakeOriginal{allocOK: true})

	ptr, ok := a.HookAlloc(64)
	if !ok || ptr != 0x1000 {
		t.Fatalf("expected pass-through result, got ptr=%x ok=%v", ptr, ok)
	}
	if interrupt.signalCount() != 0 {
		t.Error("expected no interrupt signal while profiling is disabled")
	}
	if a.LastState() != StateIdle {
		t.Errorf("expected final state IDLE, got %v", a.LastState())
	}
}

func TestHookAllocReportsWhenProfilingEnabled(t *testing.T) {
	bundle, interrupt, interruptContinue := newTestBundle()
	a := New(bundle, fakeContext{}, &fakeOriginal{allocOK: true})
	a.profilingEnabled.Store(true)

	ptr, ok := a.HookAlloc(128)
	if !ok || ptr != 0x1000 {
		t.Fatalf("unexpected alloc result: ptr=%x ok=%v", ptr, ok)
	}
	if interrupt.signalCount() != 1 {
		t.Errorf("expected exactly one interrupt signal, got %d", interrupt.signalCount())
	}
	if interruptContinue.waitCalls != 1 {
		t.Errorf("expected exactly one wait on interrupt.continue, got %d", interruptContinue.waitCalls)
	}
	if a.LastState() != StateResumed {
		t.Errorf("expected final state RESUMED, got %v", a.LastState())
	}

	md := a.Metadata()
	if md.Kind != EventAlloc || md.Pointer != 0x1000 || md.Size != 128 {
		t.Errorf("unexpected metadata: %+v", md)
	}
}

func TestHookFreeNeverReportsOnFailure(t *testing.T) {
	bundle, interrupt, _ := newTestBundle()
	a := New(bundle, fakeContext{}, &fakeOriginal{freeOK: false})
	a.profilingEnabled.Store(true)

	ok := a.HookFree(0x2000)
	if ok {
		t.Error("expected Free to report the original's failure")
	}
	if interrupt.signalCount() != 0 {
		t.Error("a failed free must not be reported")
	}
}

// concurrencyOriginal records the largest number of Alloc calls that
// were in flight at the same time.
type concurrencyOriginal struct {
	concurrent    atomic.Int32
	maxConcurrent atomic.Int32
}

func (c *concurrencyOriginal) Alloc(size uintptr) (uintptr, bool) {
	n := c.concurrent.Add(1)
	for {
		m := c.maxConcurrent.Load()
		if n <= m || c.maxConcurrent.CompareAndSwap(m, n) {
			break
		}
	}
	time.Sleep(time.Millisecond)
	c.concurrent.Add(-1)
	return 0x1000, true
}

func (c *concurrencyOriginal) Free(ptr uintptr) bool { return true }

func TestHooksSerializeUnderMutex(t *testing.T) {
	bundle, _, _ := newTestBundle()
	orig := &concurrencyOriginal{}
	a := New(bundle, fakeContext{}, orig)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a.HookAlloc(8)
		}()
	}
	wg.Wait()
	if got := orig.maxConcurrent.Load(); got != 1 {
		t.Errorf("expected hook calls to run one at a time, saw %d in the original at once", got)
	}
}

func TestControlLoopTogglesProfilingAndConfirms(t *testing.T) {
	bundle, _, _ := newTestBundle()
	start := &fakeEvent{waitOK: true}
	startConfirm := &fakeEvent{}
	bundle.Start = start
	bundle.StartConfirm = startConfirm

	a := New(bundle, fakeContext{}, &fakeOriginal{})

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()

	done := make(chan struct{})
	go func() {
		a.controlLoop(ctx, bundle.Start, bundle.StartConfirm, true)
		close(done)
	}()
	<-done

	if !a.ProfilingEnabled() {
		t.Error("expected profiling enabled after control loop observed start")
	}
	if startConfirm.signalCount() == 0 {
		t.Error("expected start.confirm to be signaled")
	}
}
