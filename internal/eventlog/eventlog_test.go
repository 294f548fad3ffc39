package eventlog

import (
	"path/filepath"
	"testing"

	"github.com/kaelmon/leakmon/internal/lmerr"
	"github.com/kaelmon/leakmon/internal/wireformat"
)

type recordingHandler struct {
	sessions      []wireformat.Session
	allocations   []wireformat.Allocation
	deallocations []wireformat.Deallocation
	stacktraces   []wireformat.Stacktrace
}

func (h *recordingHandler) OnSession(s wireformat.Session) error {
	h.sessions = append(h.sessions, s)
	return nil
}
func (h *recordingHandler) OnAllocation(a wireformat.Allocation) error {
	h.allocations = append(h.allocations, a)
	return nil
}
func (h *recordingHandler) OnDeallocation(d wireformat.Deallocation) error {
	h.deallocations = append(h.deallocations, d)
	return nil
}
func (h *recordingHandler) OnStacktrace(st wireformat.Stacktrace) error {
	h.stacktraces = append(h.stacktraces, st)
	return nil
}

func TestWriterReaderRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "leak.dat")
	arch := CurrentArch()

	w, err := NewWriter(path, arch)
	if err != nil {
		t.Fatalf("NewWriter() unexpected error: %v", err)
	}
	if err := w.WriteSession(111, 1000); err != nil {
		t.Fatalf("WriteSession() unexpected error: %v", err)
	}
	stid := uint32(123)
	if err := w.WriteStacktrace(wireformat.Stacktrace{
		TimestampEpochSecs: 1001,
		StacktraceID:       stid,
		Entries:            []wireformat.SymbolEntry{{Name: "main", Line: 10, File: "main.c"}},
	}); err != nil {
		t.Fatalf("WriteStacktrace() unexpected error: %v", err)
	}
	if err := w.WriteAllocation(wireformat.Allocation{
		StacktraceID: stid, TimestampEpochSecs: 1001, Pointer: 0xA0, Size: 32,
	}); err != nil {
		t.Fatalf("WriteAllocation() unexpected error: %v", err)
	}
	if err := w.WriteDeallocation(wireformat.Deallocation{TimestampEpochSecs: 1002, Pointer: 0xA0}); err != nil {
		t.Fatalf("WriteDeallocation() unexpected error: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close() unexpected error: %v", err)
	}
	// Close is idempotent.
	if err := w.Close(); err != nil {
		t.Fatalf("second Close() unexpected error: %v", err)
	}

	r, err := NewReader(path)
	if err != nil {
		t.Fatalf("NewReader() unexpected error: %v", err)
	}
	defer r.Close()
	if r.Header.Arch != arch {
		t.Errorf("expected header arch %v, got %v", arch, r.Header.Arch)
	}

	h := &recordingHandler{}
	if err := r.Walk(h); err != nil {
		t.Fatalf("Walk() unexpected error: %v", err)
	}

	if len(h.sessions) != 1 || h.sessions[0].Pid != 111 {
		t.Errorf("unexpected sessions: %+v", h.sessions)
	}
	if len(h.stacktraces) != 1 || h.stacktraces[0].StacktraceID != stid {
		t.Errorf("unexpected stacktraces: %+v", h.stacktraces)
	}
	if len(h.allocations) != 1 || h.allocations[0].Pointer != 0xA0 {
		t.Errorf("unexpected allocations: %+v", h.allocations)
	}
	if len(h.deallocations) != 1 || h.deallocations[0].Pointer != 0xA0 {
		t.Errorf("unexpected deallocations: %+v", h.deallocations)
	}
}

func TestReaderRejectsArchMismatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "leak.dat")
	mismatched := wireformat.Arch32
	if CurrentArch() == wireformat.Arch32 {
		mismatched = wireformat.Arch64
	}

	w, err := NewWriter(path, mismatched)
	if err != nil {
		t.Fatalf("NewWriter() unexpected error: %v", err)
	}
	w.Close()

	_, err = NewReader(path)
	if err == nil {
		t.Fatal("expected architecture mismatch error, got nil")
	}
	if !lmerr.IsCode(err, lmerr.ErrCodeArchMismatch) {
		t.Errorf("expected ErrCodeArchMismatch, got %v", err)
	}
}

func TestWalkSkipsUnknownTagBetweenAllocations(t *testing.T) {
	path := filepath.Join(t.TempDir(), "leak.dat")
	arch := CurrentArch()

	w, err := NewWriter(path, arch)
	if err != nil {
		t.Fatalf("NewWriter() unexpected error: %v", err)
	}
	if err := w.WriteAllocation(wireformat.Allocation{StacktraceID: 1, TimestampEpochSecs: 1, Pointer: 1, Size: 1}); err != nil {
		t.Fatal(err)
	}

	// Inject a well-formed-but-unknown-tag record directly, mirroring
	// scenario S3: 0xEE tag, ObjectSize=40, between two allocations.
	unknown := make([]byte, 40)
	unknown[0] = 0xEE
	putObjectSize(unknown, uint64(len(unknown)), arch)
	if _, err := w.f.Write(unknown); err != nil {
		t.Fatalf("injecting unknown record: %v", err)
	}

	if err := w.WriteAllocation(wireformat.Allocation{StacktraceID: 2, TimestampEpochSecs: 2, Pointer: 2, Size: 2}); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}

	r, err := NewReader(path)
	if err != nil {
		t.Fatalf("NewReader() unexpected error: %v", err)
	}
	defer r.Close()

	h := &recordingHandler{}
	if err := r.Walk(h); err != nil {
		t.Fatalf("Walk() unexpected error: %v", err)
	}
	if len(h.allocations) != 2 {
		t.Fatalf("expected both allocations despite unknown tag, got %d", len(h.allocations))
	}
	if h.allocations[0].StacktraceID != 1 || h.allocations[1].StacktraceID != 2 {
		t.Errorf("unexpected allocation order: %+v", h.allocations)
	}
}

// putObjectSize writes v as a platform word at buf[2:] using the same
// little-endian, arch-width convention as the wire format's common
// prefix.
func putObjectSize(buf []byte, v uint64, arch wireformat.Arch) {
	w := 8
	if arch == wireformat.Arch32 {
		w = 4
	}
	tmp := make([]byte, 8)
	for i := 0; i < 8; i++ {
		tmp[i] = byte(v >> (8 * i))
	}
	copy(buf[2:2+w], tmp[:w])
}
