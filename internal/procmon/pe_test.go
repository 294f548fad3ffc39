package procmon

import (
	"encoding/binary"
	"testing"

	"golang.org/x/sys/windows"
)

// fakeMemReader serves reads from a flat in-memory image starting at
// base, simulating a target process's address space for one module.
type fakeMemReader struct {
	base  uintptr
	image []byte
}

func (f *fakeMemReader) ReadAt(process windows.Handle, addr uintptr, out []byte) error {
	off := addr - f.base
	if off > uintptr(len(f.image)) || off+uintptr(len(out)) > uintptr(len(f.image)) {
		return errShortFakeRead
	}
	copy(out, f.image[off:off+uintptr(len(out))])
	return nil
}

var errShortFakeRead = &fakeReadErr{}

type fakeReadErr struct{}

func (*fakeReadErr) Error() string { return "fake read out of bounds" }

// buildSyntheticPE64 constructs a minimal PE32+ image exporting exactly
// the given symbol names, each resolving to a synthetic RVA equal to
// its index+1 (so tests can assert the returned address without caring
// about real code bytes).
func buildSyntheticPE64(names []string) []byte {
	const (
		dosHeaderSize = 64
		elfanew       = dosHeaderSize
	)

	// Layout, in order, with running offsets computed as we go.
	ntHeaderOffset := uint32(elfanew)
	optionalHeaderOffset := ntHeaderOffset + 4 + 20
	dataDirOffset := optionalHeaderOffset + 112
	// PE32+ optional header: just enough space for magic + 16 data dir
	// entries (we only populate DataDirectory[0], the export entry).
	optionalHeaderSize := uint32(112 + 16*8)
	exportDirRVA := optionalHeaderOffset + optionalHeaderSize

	addrOfFunctionsRVA := exportDirRVA + exportDirSize
	addrOfNamesRVA := addrOfFunctionsRVA + uint32(len(names))*4
	addrOfNameOrdinalsRVA := addrOfNamesRVA + uint32(len(names))*4
	namesBlobRVA := addrOfNameOrdinalsRVA + uint32(len(names))*2

	// Compute each name's RVA within the names blob.
	nameRVAs := make([]uint32, len(names))
	blob := []byte{}
	for i, n := range names {
		nameRVAs[i] = namesBlobRVA + uint32(len(blob))
		blob = append(blob, []byte(n)...)
		blob = append(blob, 0)
	}

	total := namesBlobRVA + uint32(len(blob)) + 32 // padding for readCString's 32-byte chunked reads
	img := make([]byte, total)

	binary.LittleEndian.PutUint16(img[0:2], dosMagic)
	binary.LittleEndian.PutUint32(img[60:64], elfanew)

	binary.LittleEndian.PutUint16(img[optionalHeaderOffset:optionalHeaderOffset+2], pe32Plus)
	binary.LittleEndian.PutUint32(img[dataDirOffset:dataDirOffset+4], exportDirRVA)
	binary.LittleEndian.PutUint32(img[dataDirOffset+4:dataDirOffset+8], exportDirSize+uint32(len(names))*10)

	binary.LittleEndian.PutUint32(img[exportDirRVA+24:exportDirRVA+28], uint32(len(names))) // NumberOfNames
	binary.LittleEndian.PutUint32(img[exportDirRVA+28:exportDirRVA+32], addrOfFunctionsRVA)
	binary.LittleEndian.PutUint32(img[exportDirRVA+32:exportDirRVA+36], addrOfNamesRVA)
	binary.LittleEndian.PutUint32(img[exportDirRVA+36:exportDirRVA+40], addrOfNameOrdinalsRVA)

	for i := range names {
		// ordinal == i, function RVA == i+1 (arbitrary, test-only sentinel).
		binary.LittleEndian.PutUint32(img[addrOfFunctionsRVA+uint32(i)*4:], uint32(i+1))
		binary.LittleEndian.PutUint32(img[addrOfNamesRVA+uint32(i)*4:], nameRVAs[i])
		binary.LittleEndian.PutUint16(img[addrOfNameOrdinalsRVA+uint32(i)*2:], uint16(i))
	}
	copy(img[namesBlobRVA:], blob)

	return img
}

func TestResolveExportFindsNamedSymbol(t *testing.T) {
	const base = uintptr(0x7FF000000000)
	img := buildSyntheticPE64([]string{"Alpha", "Metadata", "Zeta"})
	r := &fakeMemReader{base: base, image: img}

	addr, err := ResolveExport(r, windows.Handle(1), base, "Metadata")
	if err != nil {
		t.Fatalf("ResolveExport failed: %v", err)
	}
	// index 1 -> function RVA 2 by construction.
	if addr != base+2 {
		t.Errorf("expected base+2, got %#x (base=%#x)", addr, base)
	}
}

func TestResolveExportMissingSymbol(t *testing.T) {
	const base = uintptr(0x1000)
	img := buildSyntheticPE64([]string{"Alpha", "Beta"})
	r := &fakeMemReader{base: base, image: img}

	_, err := ResolveExport(r, windows.Handle(1), base, "NotThere")
	if err == nil {
		t.Fatal("expected an error for a missing export symbol")
	}
}

func TestResolveExportRejectsBadMagic(t *testing.T) {
	const base = uintptr(0x1000)
	img := make([]byte, 128)
	r := &fakeMemReader{base: base, image: img}

	_, err := ResolveExport(r, windows.Handle(1), base, "Metadata")
	if err == nil {
		t.Fatal("expected an error for a non-PE image")
	}
}
