package symbolize

import (
	"unsafe"

	"golang.org/x/sys/windows"
)

// Walker captures a bounded list of instruction-pointer frames by
// walking the target's stack from a captured CPU context. It is an
// interface so tests can substitute a fake that returns fixed frames
// instead of driving dbghelp against a real process.
type Walker interface {
	Walk(target windows.Handle, ctx CapturedContext, maxFrames int) ([]uintptr, error)
}

// address64 mirrors dbghelp's ADDRESS64.
type address64 struct {
	Offset  uint64
	Segment uint16
	Mode    uint32
}

const addrModeFlat uint32 = 3

// stackframe64 mirrors dbghelp's STACKFRAME64, the structure StackWalk64
// reads and updates on every call.
type stackframe64 struct {
	AddrPC         address64
	AddrReturn     address64
	AddrFrame      address64
	AddrStack      address64
	AddrBStore     address64
	FuncTableEntry uintptr
	Params         [4]uint64
	Far            int32
	Virtual        int32
	Reserved       [3]uint64
	KdHelp         [14]uint64 // KDHELP64, 112 bytes
}

const (
	imageFileMachineI386  = 0x014c
	imageFileMachineAMD64 = 0x8664
)

// dbghelpWalker drives dbghelp.dll's StackWalk64, the real
// implementation used outside of tests.
type dbghelpWalker struct {
	dll                  *windows.LazyDLL
	procStackWalk64      *windows.LazyProc
	procFunctionTableAcc *windows.LazyProc
	procGetModuleBase64  *windows.LazyProc
	machineType          uint32
}

// NewDbghelpWalker returns a Walker backed by dbghelp.dll, sized for the
// given machine type (use WordSizeMachineType to pick one from a pointer
// width).
func NewDbghelpWalker(machineType uint32) Walker {
	dll := windows.NewLazySystemDLL("dbghelp.dll")
	return &dbghelpWalker{
		dll:                  dll,
		procStackWalk64:      dll.NewProc("StackWalk64"),
		procFunctionTableAcc: dll.NewProc("SymFunctionTableAccess64"),
		procGetModuleBase64:  dll.NewProc("SymGetModuleBase64"),
		machineType:          machineType,
	}
}

// WordSizeMachineType maps a wireformat architecture tag to the IMAGE_FILE_MACHINE_*
// constant StackWalk64 expects.
func WordSizeMachineType(wordBits uint16) uint32 {
	if wordBits == 32 {
		return imageFileMachineI386
	}
	return imageFileMachineAMD64
}

// Walk terminates on the first zero program counter or on StackWalk64
// returning failure, and never returns more than maxFrames entries.
func (w *dbghelpWalker) Walk(target windows.Handle, ctx CapturedContext, maxFrames int) ([]uintptr, error) {
	var frame stackframe64
	frame.AddrPC = address64{Offset: uint64(ctx.PC), Mode: addrModeFlat}
	frame.AddrFrame = address64{Offset: uint64(ctx.FramePtr), Mode: addrModeFlat}
	frame.AddrStack = address64{Offset: uint64(ctx.StackPtr), Mode: addrModeFlat}

	var contextPtr uintptr
	if len(ctx.Raw) > 0 {
		contextPtr = uintptr(unsafe.Pointer(&ctx.Raw[0]))
	}

	frames := make([]uintptr, 0, maxFrames)
	for len(frames) < maxFrames {
		ret, _, _ := w.procStackWalk64.Call(
			uintptr(w.machineType),
			uintptr(target),
			0, // thread handle: unused by the default read routine and the accessors we pass
			uintptr(unsafe.Pointer(&frame)),
			contextPtr,
			0, // ReadMemoryRoutine: use default
			w.procFunctionTableAcc.Addr(),
			w.procGetModuleBase64.Addr(),
			0, // TranslateAddressRoutine: unused on this machine type
		)
		if ret == 0 {
			break
		}
		if frame.AddrPC.Offset == 0 {
			break
		}
		frames = append(frames, uintptr(frame.AddrPC.Offset))
	}
	return frames, nil
}
