// Package symbolize captures a bounded list of instruction-pointer
// frames from a target's CPU context, then resolves each to a symbol
// name and best-effort source location.
package symbolize

import (
	"sync"
	"unsafe"

	"golang.org/x/sys/windows"

	"github.com/kaelmon/leakmon/internal/wireformat"
)

// MaxFrames is the hard cap on frames captured per stack walk.
const MaxFrames = 24

// hookFunctionNames are filtered out of every symbolized trace so call
// sites, not the hooks themselves, appear in the log.
var hookFunctionNames = map[string]bool{
	"uberHeapAlloc": true,
	"uberHeapFree":  true,
	"UberHeapAlloc": true, // the names cmd/leakmon-agent exports the thunks under
	"UberHeapFree":  true,
}

// Resolver is the low-level per-address symbol lookup behind
// Symbolizer. The real implementation is dbghelp-backed; tests
// substitute a fake that needs no live process.
type Resolver interface {
	// Init initializes the symbol engine for process. Called at most
	// once; a false return means every subsequent Symbol/Line call must
	// be treated as unavailable.
	Init(process windows.Handle) bool
	Symbol(process windows.Handle, addr uintptr) (name string, ok bool)
	Line(process windows.Handle, addr uintptr) (file string, line uint32, ok bool)
}

// Symbolizer resolves captured frames to SymbolEntry lists. It
// initializes its Resolver once per process (with deferred loading, left
// to the Resolver's Init); if that fails, every symbolization degrades
// silently to an empty list.
type Symbolizer struct {
	resolver Resolver

	mu    sync.Mutex
	init  bool
	ready bool
}

// New returns a Symbolizer backed by the real dbghelp.dll resolver.
func New() *Symbolizer {
	return &Symbolizer{resolver: &dbghelpResolver{}}
}

// NewWithResolver returns a Symbolizer backed by an arbitrary Resolver,
// for tests and for alternate platforms.
func NewWithResolver(r Resolver) *Symbolizer {
	return &Symbolizer{resolver: r}
}

// Symbolize resolves frames captured from process, dropping frames with
// an empty symbol name and frames that resolve to one of the hook
// functions themselves. Source file/line is best-effort: a resolver
// failure there still emits the symbol with an empty file and line 0.
func (s *Symbolizer) Symbolize(process windows.Handle, frames []uintptr) []wireformat.SymbolEntry {
	if !s.ensureInit(process) {
		return nil
	}

	entries := make([]wireformat.SymbolEntry, 0, len(frames))
	for _, addr := range frames {
		if addr == 0 {
			continue
		}
		name, ok := s.resolver.Symbol(process, addr)
		if !ok || name == "" {
			continue
		}
		if hookFunctionNames[name] {
			continue
		}
		file, line, _ := s.resolver.Line(process, addr)
		entries = append(entries, wireformat.SymbolEntry{Name: name, File: file, Line: uint64(line)})
	}
	return entries
}

func (s *Symbolizer) ensureInit(process windows.Handle) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.init {
		s.init = true
		s.ready = s.resolver.Init(process)
	}
	return s.ready
}

// symOptUndecorateName | symOptDeferredLoads | symOptLoadLines.
const symOptions = 0x2 | 0x4 | 0x10

// dbghelpResolver drives dbghelp.dll directly: SymInitialize once,
// then SymFromAddr / SymGetLineFromAddr64 per frame.
type dbghelpResolver struct {
	dll                      *windows.LazyDLL
	procSymSetOptions        *windows.LazyProc
	procSymInitialize        *windows.LazyProc
	procSymFromAddr          *windows.LazyProc
	procSymGetLineFromAddr64 *windows.LazyProc
}

const maxSymNameLen = 2000

// symbolInfo mirrors dbghelp's SYMBOL_INFO, sized with a trailing
// MAX_SYM_NAME buffer the way the C++ original allocates it dynamically.
type symbolInfo struct {
	SizeOfStruct uint32
	TypeIndex    uint32
	Reserved     [2]uint64
	Index        uint32
	Size         uint32
	ModBase      uint64
	Flags        uint32
	Value        uint64
	Address      uint64
	Register     uint32
	Scope        uint32
	Tag          uint32
	NameLen      uint32
	MaxNameLen   uint32
	Name         [maxSymNameLen]byte
}

// imagehlpLine64 mirrors dbghelp's IMAGEHLP_LINE64.
type imagehlpLine64 struct {
	SizeOfStruct uint32
	Key          uintptr
	LineNumber   uint32
	FileName     uintptr
	Address      uint64
}

func (d *dbghelpResolver) lazyInit() {
	if d.dll != nil {
		return
	}
	d.dll = windows.NewLazySystemDLL("dbghelp.dll")
	d.procSymSetOptions = d.dll.NewProc("SymSetOptions")
	d.procSymInitialize = d.dll.NewProc("SymInitialize")
	d.procSymFromAddr = d.dll.NewProc("SymFromAddr")
	d.procSymGetLineFromAddr64 = d.dll.NewProc("SymGetLineFromAddr64")
}

func (d *dbghelpResolver) Init(process windows.Handle) bool {
	d.lazyInit()
	d.procSymSetOptions.Call(symOptions)
	ret, _, _ := d.procSymInitialize.Call(uintptr(process), 0, 1)
	return ret != 0
}

func (d *dbghelpResolver) Symbol(process windows.Handle, addr uintptr) (string, bool) {
	var info symbolInfo
	info.SizeOfStruct = uint32(unsafe.Sizeof(info)) - maxSymNameLen
	info.MaxNameLen = maxSymNameLen

	var displacement uint64
	ret, _, _ := d.procSymFromAddr.Call(
		uintptr(process),
		addr,
		uintptr(unsafe.Pointer(&displacement)),
		uintptr(unsafe.Pointer(&info)),
	)
	if ret == 0 {
		return "", false
	}
	n := info.NameLen
	if n > maxSymNameLen {
		n = maxSymNameLen
	}
	return string(info.Name[:n]), true
}

func (d *dbghelpResolver) Line(process windows.Handle, addr uintptr) (string, uint32, bool) {
	var line imagehlpLine64
	line.SizeOfStruct = uint32(unsafe.Sizeof(line))

	var displacement uint32
	ret, _, _ := d.procSymGetLineFromAddr64.Call(
		uintptr(process),
		addr,
		uintptr(unsafe.Pointer(&displacement)),
		uintptr(unsafe.Pointer(&line)),
	)
	if ret == 0 {
		return "", 0, false
	}
	return cString(line.FileName), line.LineNumber, true
}

// cString reads a null-terminated ANSI string from a raw address, the
// representation dbghelp's IMAGEHLP_LINE64.FileName uses.
func cString(addr uintptr) string {
	if addr == 0 {
		return ""
	}
	var b []byte
	for i := 0; ; i++ {
		c := *(*byte)(unsafe.Pointer(addr + uintptr(i)))
		if c == 0 {
			break
		}
		b = append(b, c)
	}
	return string(b)
}
