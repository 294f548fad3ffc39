package leakmon

import (
	"sync"

	"golang.org/x/sys/windows"

	"github.com/kaelmon/leakmon/internal/wireformat"
)

// MockSink is a test double for internal/ingest.LogWriter: it records
// every record handed to it instead of touching disk, and tracks call
// counts so tests can assert on write traffic.
type MockSink struct {
	mu sync.Mutex

	Allocations   []wireformat.Allocation
	Deallocations []wireformat.Deallocation
	Stacktraces   []wireformat.Stacktrace

	WriteAllocationCalls   int
	WriteDeallocationCalls int
	WriteStacktraceCalls   int

	// FailNext, if set, makes the next matching Write* call return this
	// error once, then clears itself.
	FailNext error
}

// NewMockSink creates an empty MockSink.
func NewMockSink() *MockSink {
	return &MockSink{}
}

func (m *MockSink) takeFailure() error {
	err := m.FailNext
	m.FailNext = nil
	return err
}

func (m *MockSink) WriteAllocation(a wireformat.Allocation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.WriteAllocationCalls++
	if err := m.takeFailure(); err != nil {
		return err
	}
	m.Allocations = append(m.Allocations, a)
	return nil
}

func (m *MockSink) WriteDeallocation(d wireformat.Deallocation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.WriteDeallocationCalls++
	if err := m.takeFailure(); err != nil {
		return err
	}
	m.Deallocations = append(m.Deallocations, d)
	return nil
}

func (m *MockSink) WriteStacktrace(st wireformat.Stacktrace) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.WriteStacktraceCalls++
	if err := m.takeFailure(); err != nil {
		return err
	}
	m.Stacktraces = append(m.Stacktraces, st)
	return nil
}

// MockSymbolizer is a test double for internal/ingest.Symbolizer: it
// returns a fixed, caller-supplied symbol for every non-zero frame.
type MockSymbolizer struct {
	mu sync.Mutex

	// Names[i] is the symbol for frames[i] in a single Symbolize call;
	// zero frames and frames at or beyond len(Names) get no symbol, and a
	// zero frame's name is not passed on to the next frame.
	Names []string

	Calls int
}

// NewMockSymbolizer creates a MockSymbolizer that resolves frames by
// position to the given names.
func NewMockSymbolizer(names ...string) *MockSymbolizer {
	return &MockSymbolizer{Names: names}
}

func (m *MockSymbolizer) Symbolize(process windows.Handle, frames []uintptr) []wireformat.SymbolEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls++

	var entries []wireformat.SymbolEntry
	for i, f := range frames {
		if f == 0 || i >= len(m.Names) {
			continue
		}
		entries = append(entries, wireformat.SymbolEntry{Name: m.Names[i]})
	}
	return entries
}

// MockInjector is a test double for internal/procmon.Injector: it
// records every call instead of performing real library injection.
type MockInjector struct {
	mu sync.Mutex

	Calls []MockInjectorCall
	// FailWith, if set, is returned from every Inject call.
	FailWith error
}

// MockInjectorCall records one MockInjector.Inject invocation.
type MockInjectorCall struct {
	PID     uint32
	DLLPath string
}

func (m *MockInjector) Inject(pid uint32, dllPath string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls = append(m.Calls, MockInjectorCall{PID: pid, DLLPath: dllPath})
	return m.FailWith
}
