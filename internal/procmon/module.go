package procmon

import (
	"path/filepath"
	"strings"

	"golang.org/x/sys/windows"

	"github.com/kaelmon/leakmon/internal/lmerr"
)

// ModuleLister enumerates a process's loaded modules. Production code
// walks a CreateToolhelp32Snapshot(TH32CS_SNAPMODULE) snapshot; tests
// supply a fixed list.
type ModuleLister interface {
	Modules(process windows.Handle, pid uint32) ([]LoadedModule, error)
}

// LoadedModule names one loaded module and its base address in the
// owning process's address space.
type LoadedModule struct {
	Name string
	Base uintptr
}

type toolhelpModuleLister struct{}

func (toolhelpModuleLister) Modules(process windows.Handle, pid uint32) ([]LoadedModule, error) {
	snap, err := windows.CreateToolhelp32Snapshot(windows.TH32CS_SNAPMODULE, pid)
	if err != nil {
		return nil, lmerr.NewErrorWithErrno("procmon.Modules", lmerr.ErrCodeRemoteReadFailed, err)
	}
	defer windows.CloseHandle(snap)

	var mods []LoadedModule
	var entry windows.ModuleEntry32
	entry.Size = uint32(windows.SizeofModuleEntry32)

	err = windows.Module32First(snap, &entry)
	for err == nil {
		mods = append(mods, LoadedModule{
			Name: windows.UTF16ToString(entry.Module[:]),
			Base: entry.ModBaseAddr,
		})
		err = windows.Module32Next(snap, &entry)
	}
	return mods, nil
}

// FindModuleBase resolves the base address of the module named
// moduleName (case-insensitive, matched by file name only — a bare
// "leakmon-agent.dll" matches regardless of the directory it loaded
// from) among pid's loaded modules.
func FindModuleBase(lister ModuleLister, process windows.Handle, pid uint32, moduleName string) (uintptr, error) {
	mods, err := lister.Modules(process, pid)
	if err != nil {
		return 0, err
	}
	want := strings.ToLower(moduleName)
	for _, m := range mods {
		if strings.ToLower(filepath.Base(m.Name)) == want {
			return m.Base, nil
		}
	}
	return 0, lmerr.NewError("procmon.FindModuleBase", lmerr.ErrCodeTargetNotFound, "module not loaded: "+moduleName)
}
