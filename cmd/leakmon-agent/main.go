// Command leakmon-agent is the agent's shared-library entry point. It
// is built with `-buildmode=c-shared` and injected (or loaded at
// startup) into the target process; its exported functions are the only
// surface the rest of the system calls into across the process
// boundary.
//
// The heap-hook installation itself (redirecting the process heap's
// allocate/free entry points to UberHeapAlloc/UberHeapFree) is platform
// trampoline code outside this module: the trampoline captures the
// original entry points, registers them via LeakmonSetOriginals, points
// the heap at the exported thunks, then calls LeakmonAttach.
package main

/*
#include <stdint.h>

typedef struct {
	uint32_t kind;
	uint64_t pointer;
	uint64_t size;
	uintptr_t pc;
	uintptr_t frame_ptr;
	uintptr_t stack_ptr;
} leakmon_metadata_t;

// Metadata is the one process-wide record the monitor cross-process-
// reads. Exporting it as a plain dllexport'd C global, rather than
// behind a getter, lets the monitor find it via ordinary PE
// export-table resolution instead of having to call back into this
// process.
__declspec(dllexport) leakmon_metadata_t Metadata;

// The original heap entry points, captured by the trampoline before it
// redirects them at the exported thunks.
typedef uintptr_t (*leakmon_alloc_fn)(uintptr_t size);
typedef int (*leakmon_free_fn)(uintptr_t ptr);

static uintptr_t leakmon_call_alloc(leakmon_alloc_fn fn, uintptr_t size) { return fn(size); }
static int leakmon_call_free(leakmon_free_fn fn, uintptr_t ptr) { return fn(ptr); }
*/
import "C"

import (
	"context"
	"os"
	"time"
	"unsafe"

	"golang.org/x/sys/windows"

	"github.com/kaelmon/leakmon/internal/agentcore"
	"github.com/kaelmon/leakmon/internal/logging"
	"github.com/kaelmon/leakmon/internal/rendezvous"
)

var (
	agent      *agentcore.Agent
	cancelCtrl context.CancelFunc
)

// nativeHeap is the Original implementation that calls back into the
// process heap entry points the trampoline captured before installing
// hooks. Until LeakmonSetOriginals runs, both calls fail closed.
type nativeHeap struct{}

var (
	origAlloc uintptr // leakmon_alloc_fn, set by LeakmonSetOriginals
	origFree  uintptr // leakmon_free_fn
)

func (nativeHeap) Alloc(size uintptr) (uintptr, bool) {
	if origAlloc == 0 {
		return 0, false
	}
	ptr := callOriginalAlloc(origAlloc, size)
	return ptr, ptr != 0
}

func (nativeHeap) Free(ptr uintptr) bool {
	if origFree == 0 {
		return false
	}
	return callOriginalFree(origFree, ptr) != 0
}

func callOriginalAlloc(fn, size uintptr) uintptr {
	return uintptr(C.leakmon_call_alloc(C.leakmon_alloc_fn(unsafe.Pointer(fn)), C.uintptr_t(size)))
}

func callOriginalFree(fn, ptr uintptr) int {
	return int(C.leakmon_call_free(C.leakmon_free_fn(unsafe.Pointer(fn)), C.uintptr_t(ptr)))
}

// LeakmonSetOriginals registers the heap entry points the trampoline
// captured before redirecting them. Must run before the first hooked
// call reaches UberHeapAlloc/UberHeapFree.
//
//export LeakmonSetOriginals
func LeakmonSetOriginals(alloc, free C.uintptr_t) {
	origAlloc = uintptr(alloc)
	origFree = uintptr(free)
}

// UberHeapAlloc is the thunk the trampoline points the heap's allocate
// entry at. Before LeakmonAttach it passes straight through to the
// original.
//
//export UberHeapAlloc
func UberHeapAlloc(size C.uintptr_t) C.uintptr_t {
	if agent == nil {
		ptr, _ := nativeHeap{}.Alloc(uintptr(size))
		return C.uintptr_t(ptr)
	}
	ptr, _ := agent.HookAlloc(uintptr(size))
	return C.uintptr_t(ptr)
}

// UberHeapFree is the thunk the trampoline points the heap's free entry
// at.
//
//export UberHeapFree
func UberHeapFree(ptr C.uintptr_t) C.int {
	ok := false
	if agent == nil {
		ok = nativeHeap{}.Free(uintptr(ptr))
	} else {
		ok = agent.HookFree(uintptr(ptr))
	}
	if ok {
		return 1
	}
	return 0
}

// rtlContext captures the calling thread's CPU context through ntdll's
// RtlCaptureContext and extracts the three registers the stack walker
// needs from the amd64 CONTEXT layout.
type rtlContext struct{}

var (
	ntdll                 = windows.NewLazySystemDLL("ntdll.dll")
	procRtlCaptureContext = ntdll.NewProc("RtlCaptureContext")
)

// amd64 CONTEXT: 1232 bytes, 16-byte aligned; Rsp at 0x98, Rbp at 0xA0,
// Rip at 0xF8.
const (
	contextSize  = 1232
	contextAlign = 16
	rspOffset    = 0x98
	rbpOffset    = 0xA0
	ripOffset    = 0xF8
)

func (rtlContext) Capture() (pc, fp, sp uintptr) {
	buf := make([]byte, contextSize+contextAlign)
	addr := uintptr(unsafe.Pointer(&buf[0]))
	aligned := (addr + contextAlign - 1) &^ uintptr(contextAlign-1)
	ctx := unsafe.Pointer(aligned)

	procRtlCaptureContext.Call(uintptr(ctx))

	pc = *(*uintptr)(unsafe.Pointer(aligned + ripOffset))
	fp = *(*uintptr)(unsafe.Pointer(aligned + rbpOffset))
	sp = *(*uintptr)(unsafe.Pointer(aligned + rspOffset))
	return pc, fp, sp
}

//export LeakmonAttach
func LeakmonAttach() C.int {
	// The agent runs inside the target, so the rendezvous names key off
	// this process's own pid.
	pid := uint32(os.Getpid())

	ctx, cancel := context.WithCancel(context.Background())
	cancelCtrl = cancel

	bundle, err := rendezvous.BootstrapTarget(ctx, pid, leakmonRetryInterval())
	if err != nil {
		logging.Error("LeakmonAttach: bootstrap failed", "err", err)
		cancel()
		return 0
	}

	agent = agentcore.New(agentcore.BundleFromRendezvous(bundle), rtlContext{}, nativeHeap{})
	agent.SetOnReport(mirrorIntoExportedGlobal)
	go agent.RunControlThreads(ctx)

	logging.Info("leakmon agent attached", "pid", pid)
	return 1
}

//export LeakmonDetach
func LeakmonDetach() {
	if cancelCtrl != nil {
		cancelCtrl()
	}
}

// mirrorIntoExportedGlobal copies a freshly captured AnalyzerMetadata
// into the dllexport'd C global, synchronously, before the agent
// signals interrupt — so procmon always observes a consistent record
// once it wakes from its own wait.
func mirrorIntoExportedGlobal(md agentcore.AnalyzerMetadata) {
	C.Metadata.kind = C.uint32_t(md.Kind)
	C.Metadata.pointer = C.uint64_t(md.Pointer)
	C.Metadata.size = C.uint64_t(md.Size)
	C.Metadata.pc = C.uintptr_t(md.PC)
	C.Metadata.frame_ptr = C.uintptr_t(md.FramePtr)
	C.Metadata.stack_ptr = C.uintptr_t(md.StackPtr)
}

func leakmonRetryInterval() time.Duration {
	return 100 * time.Millisecond
}

func main() {}
