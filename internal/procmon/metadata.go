package procmon

import (
	"encoding/binary"

	"golang.org/x/sys/windows"

	"github.com/kaelmon/leakmon/internal/agentcore"
)

// metadataWireSize64 matches leakmon_metadata_t's layout on a 64-bit
// target: uint32 kind + 4 bytes padding, then two uint64 fields and
// three 8-byte pointer-sized fields. Target and monitor always share a
// pointer width, so one layout suffices.
const metadataWireSize64 = 4 + 4 + 8 + 8 + 8 + 8 + 8

// ReadMetadata cross-process reads AnalyzerMetadata from addr in
// process.
func ReadMetadata(r MemReader, process windows.Handle, addr uintptr) (agentcore.AnalyzerMetadata, error) {
	buf := make([]byte, metadataWireSize64)
	if err := r.ReadAt(process, addr, buf); err != nil {
		return agentcore.AnalyzerMetadata{}, err
	}
	return agentcore.AnalyzerMetadata{
		Kind:     agentcore.EventKind(binary.LittleEndian.Uint32(buf[0:4])),
		Pointer:  binary.LittleEndian.Uint64(buf[8:16]),
		Size:     binary.LittleEndian.Uint64(buf[16:24]),
		PC:       uintptr(binary.LittleEndian.Uint64(buf[24:32])),
		FramePtr: uintptr(binary.LittleEndian.Uint64(buf[32:40])),
		StackPtr: uintptr(binary.LittleEndian.Uint64(buf[40:48])),
	}, nil
}
