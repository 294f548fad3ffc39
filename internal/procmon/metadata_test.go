package procmon

import (
	"encoding/binary"
	"testing"

	"golang.org/x/sys/windows"

	"github.com/kaelmon/leakmon/internal/agentcore"
)

func TestReadMetadataDecodesWireLayout(t *testing.T) {
	buf := make([]byte, metadataWireSize64)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(agentcore.EventFree))
	binary.LittleEndian.PutUint64(buf[8:16], 0xDEADBEEF)
	binary.LittleEndian.PutUint64(buf[16:24], 0) // size is always 0 for a free
	binary.LittleEndian.PutUint64(buf[24:32], 0x1111)
	binary.LittleEndian.PutUint64(buf[32:40], 0x2222)
	binary.LittleEndian.PutUint64(buf[40:48], 0x3333)

	r := &fakeMemReader{base: 0x5000, image: buf}
	md, err := ReadMetadata(r, windows.Handle(1), 0x5000)
	if err != nil {
		t.Fatalf("ReadMetadata failed: %v", err)
	}
	if md.Kind != agentcore.EventFree || md.Pointer != 0xDEADBEEF || md.Size != 0 {
		t.Errorf("unexpected decoded metadata: %+v", md)
	}
	if md.PC != 0x1111 || md.FramePtr != 0x2222 || md.StackPtr != 0x3333 {
		t.Errorf("unexpected context fields: %+v", md)
	}
}
