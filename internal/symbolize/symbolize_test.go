package symbolize

import (
	"testing"

	"golang.org/x/sys/windows"
)

type fakeResolver struct {
	initOK  bool
	initCnt int
	symbols map[uintptr]string
	lines   map[uintptr]struct {
		file string
		line uint32
	}
}

func (f *fakeResolver) Init(process windows.Handle) bool {
	f.initCnt++
	return f.initOK
}

func (f *fakeResolver) Symbol(process windows.Handle, addr uintptr) (string, bool) {
	name, ok := f.symbols[addr]
	return name, ok
}

func (f *fakeResolver) Line(process windows.Handle, addr uintptr) (string, uint32, bool) {
	l, ok := f.lines[addr]
	if !ok {
		return "", 0, false
	}
	return l.file, l.line, true
}

func TestSymbolizeFiltersEmptyAndHookNames(t *testing.T) {
	r := &fakeResolver{
		initOK: true,
		symbols: map[uintptr]string{
			0x1000: "main",
			0x2000: "uberHeapAlloc",
			0x3000: "",
			0x5000: "work",
		},
		lines: map[uintptr]struct {
			file string
			line uint32
		}{
			0x1000: {"main.c", 10},
		},
	}
	s := NewWithResolver(r)

	entries := s.Symbolize(windows.Handle(1), []uintptr{0x1000, 0x2000, 0x3000, 0x4000, 0x5000})

	if len(entries) != 2 {
		t.Fatalf("expected 2 surviving entries, got %d: %+v", len(entries), entries)
	}
	if entries[0].Name != "main" || entries[0].File != "main.c" || entries[0].Line != 10 {
		t.Errorf("unexpected first entry: %+v", entries[0])
	}
	if entries[1].Name != "work" || entries[1].File != "" || entries[1].Line != 0 {
		t.Errorf("unexpected second entry (best-effort line should be empty): %+v", entries[1])
	}
}

func TestSymbolizeSkipsZeroAddresses(t *testing.T) {
	r := &fakeResolver{initOK: true, symbols: map[uintptr]string{0x10: "f"}}
	s := NewWithResolver(r)

	entries := s.Symbolize(windows.Handle(1), []uintptr{0, 0x10, 0})
	if len(entries) != 1 || entries[0].Name != "f" {
		t.Errorf("expected only the non-zero frame to resolve, got %+v", entries)
	}
}

func TestSymbolizeDegradesSilentlyOnInitFailure(t *testing.T) {
	r := &fakeResolver{initOK: false, symbols: map[uintptr]string{0x10: "f"}}
	s := NewWithResolver(r)

	entries := s.Symbolize(windows.Handle(1), []uintptr{0x10})
	if entries != nil {
		t.Errorf("expected nil entries after init failure, got %+v", entries)
	}

	// A second call must not attempt to re-initialize.
	s.Symbolize(windows.Handle(1), []uintptr{0x10})
	if r.initCnt != 1 {
		t.Errorf("expected exactly one Init call, got %d", r.initCnt)
	}
}

type fakeWalker struct {
	frames []uintptr
}

func (f *fakeWalker) Walk(target windows.Handle, ctx CapturedContext, maxFrames int) ([]uintptr, error) {
	if len(f.frames) > maxFrames {
		return f.frames[:maxFrames], nil
	}
	return f.frames, nil
}

func TestFakeWalkerRespectsMaxFrames(t *testing.T) {
	w := &fakeWalker{frames: make([]uintptr, 30)}
	for i := range w.frames {
		w.frames[i] = uintptr(i + 1)
	}

	got, err := w.Walk(windows.Handle(1), CapturedContext{}, 24)
	if err != nil {
		t.Fatalf("Walk() unexpected error: %v", err)
	}
	if len(got) != 24 {
		t.Errorf("expected 24 frames (the cap), got %d", len(got))
	}
}

func TestWordSizeMachineType(t *testing.T) {
	if WordSizeMachineType(32) != imageFileMachineI386 {
		t.Error("expected i386 machine type for 32-bit")
	}
	if WordSizeMachineType(64) != imageFileMachineAMD64 {
		t.Error("expected amd64 machine type for 64-bit")
	}
}
