package procmon

import (
	"encoding/binary"

	"golang.org/x/sys/windows"

	"github.com/kaelmon/leakmon/internal/lmerr"
)

// MemReader reads length-bounded spans of another process's address
// space. remoteMemReader wraps windows.ReadProcessMemory; tests use an
// in-memory fake so the PE export-table walk below is fully unit
// testable without a live target.
type MemReader interface {
	ReadAt(process windows.Handle, addr uintptr, out []byte) error
}

type remoteMemReader struct{}

func (remoteMemReader) ReadAt(process windows.Handle, addr uintptr, out []byte) error {
	if len(out) == 0 {
		return nil
	}
	var n uintptr
	err := windows.ReadProcessMemory(process, addr, &out[0], uintptr(len(out)), &n)
	if err != nil {
		return lmerr.NewErrorWithErrno("procmon.ReadProcessMemory", lmerr.ErrCodeRemoteReadFailed, err)
	}
	if n != uintptr(len(out)) {
		return lmerr.NewError("procmon.ReadProcessMemory", lmerr.ErrCodeRemoteReadFailed, "short read")
	}
	return nil
}

const (
	dosMagic  = 0x5A4D // "MZ"
	pe32Magic = 0x10b
	pe32Plus  = 0x20b

	exportDirSize = 40
)

// ResolveExport walks a PE module's export directory to find symbolName
// and returns its absolute address in the target's address space
// (moduleBase + the resolved function RVA). This is how procmon finds
// AnalyzerMetadata's address without any cooperation from the target
// beyond it exporting the symbol.
func ResolveExport(r MemReader, process windows.Handle, moduleBase uintptr, symbolName string) (uintptr, error) {
	dos := make([]byte, 64)
	if err := r.ReadAt(process, moduleBase, dos); err != nil {
		return 0, err
	}
	if binary.LittleEndian.Uint16(dos[0:2]) != dosMagic {
		return 0, lmerr.NewError("procmon.ResolveExport", lmerr.ErrCodeCorruptRecord, "not a PE image (bad DOS magic)")
	}
	elfanew := uintptr(binary.LittleEndian.Uint32(dos[60:64]))

	// Signature(4) + FileHeader(20) precede the OptionalHeader.
	optionalHeaderOffset := moduleBase + elfanew + 4 + 20

	magicBuf := make([]byte, 2)
	if err := r.ReadAt(process, optionalHeaderOffset, magicBuf); err != nil {
		return 0, err
	}
	magic := binary.LittleEndian.Uint16(magicBuf)

	var dataDirOffset uintptr
	switch magic {
	case pe32Magic:
		dataDirOffset = optionalHeaderOffset + 96
	case pe32Plus:
		dataDirOffset = optionalHeaderOffset + 112
	default:
		return 0, lmerr.NewError("procmon.ResolveExport", lmerr.ErrCodeCorruptRecord, "unrecognized PE optional header magic")
	}

	dataDir := make([]byte, 8)
	if err := r.ReadAt(process, dataDirOffset, dataDir); err != nil {
		return 0, err
	}
	exportRVA := binary.LittleEndian.Uint32(dataDir[0:4])
	exportSize := binary.LittleEndian.Uint32(dataDir[4:8])
	if exportRVA == 0 || exportSize == 0 {
		return 0, lmerr.NewError("procmon.ResolveExport", lmerr.ErrCodeCorruptRecord, "module has no export directory")
	}

	expDir := make([]byte, exportDirSize)
	if err := r.ReadAt(process, moduleBase+uintptr(exportRVA), expDir); err != nil {
		return 0, err
	}
	numberOfNames := binary.LittleEndian.Uint32(expDir[24:28])
	addrOfFunctions := binary.LittleEndian.Uint32(expDir[28:32])
	addrOfNames := binary.LittleEndian.Uint32(expDir[32:36])
	addrOfNameOrdinals := binary.LittleEndian.Uint32(expDir[36:40])

	for i := uint32(0); i < numberOfNames; i++ {
		nameRVABuf := make([]byte, 4)
		if err := r.ReadAt(process, moduleBase+uintptr(addrOfNames)+uintptr(i)*4, nameRVABuf); err != nil {
			return 0, err
		}
		nameRVA := binary.LittleEndian.Uint32(nameRVABuf)

		name, err := readCString(r, process, moduleBase+uintptr(nameRVA), 256)
		if err != nil {
			return 0, err
		}
		if name != symbolName {
			continue
		}

		ordinalBuf := make([]byte, 2)
		if err := r.ReadAt(process, moduleBase+uintptr(addrOfNameOrdinals)+uintptr(i)*2, ordinalBuf); err != nil {
			return 0, err
		}
		ordinal := binary.LittleEndian.Uint16(ordinalBuf)

		funcRVABuf := make([]byte, 4)
		if err := r.ReadAt(process, moduleBase+uintptr(addrOfFunctions)+uintptr(ordinal)*4, funcRVABuf); err != nil {
			return 0, err
		}
		funcRVA := binary.LittleEndian.Uint32(funcRVABuf)
		return moduleBase + uintptr(funcRVA), nil
	}

	return 0, lmerr.NewError("procmon.ResolveExport", lmerr.ErrCodeCorruptRecord, "export symbol not found: "+symbolName)
}

// readCString reads a null-terminated ASCII string one chunk at a time
// (chunkSize bytes per round trip), up to maxLen bytes.
func readCString(r MemReader, process windows.Handle, addr uintptr, maxLen int) (string, error) {
	const chunkSize = 32
	var out []byte
	for len(out) < maxLen {
		buf := make([]byte, chunkSize)
		if err := r.ReadAt(process, addr+uintptr(len(out)), buf); err != nil {
			return "", err
		}
		for _, b := range buf {
			if b == 0 {
				return string(out), nil
			}
			out = append(out, b)
		}
	}
	return string(out), nil
}
