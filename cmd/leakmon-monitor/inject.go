package main

import (
	"unsafe"

	"golang.org/x/sys/windows"

	"github.com/kaelmon/leakmon/internal/lmerr"
)

var (
	kernel32               = windows.NewLazySystemDLL("kernel32.dll")
	procVirtualAllocEx     = kernel32.NewProc("VirtualAllocEx")
	procVirtualFreeEx      = kernel32.NewProc("VirtualFreeEx")
	procCreateRemoteThread = kernel32.NewProc("CreateRemoteThread")
)

const (
	memCommit     = 0x1000
	memReserve    = 0x2000
	memRelease    = 0x8000
	pageReadwrite = 0x04
)

// loadLibraryInjector implements procmon.Injector with the classic
// remote-thread approach: write the DLL path into the target, then
// start a thread at kernel32's LoadLibraryW with that path as its
// argument. LoadLibraryW has the exact signature a thread start routine
// needs, and kernel32 loads at the same base in every process, so the
// local proc address is valid in the target.
type loadLibraryInjector struct{}

func (loadLibraryInjector) Inject(pid uint32, dllPath string) error {
	const op = "inject.LoadLibrary"

	pathUTF16, err := windows.UTF16FromString(dllPath)
	if err != nil {
		return lmerr.WrapError(op, err)
	}
	pathBytes := uintptr(len(pathUTF16) * 2)

	const access = windows.PROCESS_CREATE_THREAD | windows.PROCESS_QUERY_INFORMATION |
		windows.PROCESS_VM_OPERATION | windows.PROCESS_VM_WRITE | windows.PROCESS_VM_READ
	process, err := windows.OpenProcess(access, false, pid)
	if err != nil {
		return lmerr.NewErrorWithErrno(op+".OpenProcess", lmerr.ErrCodeInjectionFailed, err)
	}
	defer windows.CloseHandle(process)

	remote, _, allocErr := procVirtualAllocEx.Call(
		uintptr(process), 0, pathBytes, memCommit|memReserve, pageReadwrite)
	if remote == 0 {
		return lmerr.NewErrorWithErrno(op+".VirtualAllocEx", lmerr.ErrCodeInjectionFailed, allocErr)
	}
	defer procVirtualFreeEx.Call(uintptr(process), remote, 0, memRelease)

	var written uintptr
	if err := windows.WriteProcessMemory(process, remote,
		(*byte)(unsafe.Pointer(&pathUTF16[0])), pathBytes, &written); err != nil || written != pathBytes {
		return lmerr.NewErrorWithErrno(op+".WriteProcessMemory", lmerr.ErrCodeInjectionFailed, err)
	}

	loadLibraryW := kernel32.NewProc("LoadLibraryW")
	if err := loadLibraryW.Find(); err != nil {
		return lmerr.WrapError(op, err)
	}

	thread, _, threadErr := procCreateRemoteThread.Call(
		uintptr(process), 0, 0, loadLibraryW.Addr(), remote, 0, 0)
	if thread == 0 {
		return lmerr.NewErrorWithErrno(op+".CreateRemoteThread", lmerr.ErrCodeInjectionFailed, threadErr)
	}
	threadHandle := windows.Handle(thread)
	defer windows.CloseHandle(threadHandle)

	if _, err := windows.WaitForSingleObject(threadHandle, windows.INFINITE); err != nil {
		return lmerr.NewErrorWithErrno(op+".WaitForThread", lmerr.ErrCodeInjectionFailed, err)
	}

	var exitCode uint32
	if err := windows.GetExitCodeThread(threadHandle, &exitCode); err != nil {
		return lmerr.NewErrorWithErrno(op+".GetExitCodeThread", lmerr.ErrCodeInjectionFailed, err)
	}
	if exitCode == 0 {
		// LoadLibraryW returns the module handle; zero means the load
		// failed inside the target.
		return lmerr.NewError(op, lmerr.ErrCodeInjectionFailed, "LoadLibraryW returned NULL in target")
	}
	return nil
}
