// Package wireformat implements the binary object model shared by the
// monitor and the offline converter: a little-endian, packed,
// self-describing stream of tagged records.
//
// Every record except Header begins with a common prefix — a tag byte,
// a reserved byte, and a platform-word ObjectSize covering the whole
// record including the prefix — so a reader that does not understand a
// tag can skip it by ObjectSize bytes.
package wireformat

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"unsafe"

	"github.com/kaelmon/leakmon/internal/lmerr"
)

// LogMagic is the 4-byte little-endian magic ('KAEL') that must begin
// every log file.
const LogMagic uint32 = 0x4C41454B

// LogVersion is the current wire format version written by this
// implementation.
const LogVersion uint16 = 1

// Kind is the 1-byte tag discriminating object kinds on the wire.
type Kind byte

const (
	KindHeader Kind = iota
	KindSession
	KindAllocation
	KindDeallocation
	KindStacktrace
)

func (k Kind) String() string {
	switch k {
	case KindHeader:
		return "Header"
	case KindSession:
		return "Session"
	case KindAllocation:
		return "Allocation"
	case KindDeallocation:
		return "Deallocation"
	case KindStacktrace:
		return "Stacktrace"
	default:
		return fmt.Sprintf("Unknown(0x%02x)", byte(k))
	}
}

// Arch is the pointer-width category carried in the header and used to
// size every "platform word" field in the records that follow it.
type Arch uint16

const (
	Arch32 Arch = 32
	Arch64 Arch = 64
)

// wordSize returns the byte width of a platform-word field for arch.
func wordSize(arch Arch) int {
	if arch == Arch32 {
		return 4
	}
	return 8
}

// Header is the fixed 8-byte record that must begin every log.
type Header struct {
	Magic   uint32
	Version uint16
	Arch    Arch
}

// Compile-time proof that Header's in-memory layout has no hidden padding
// beyond the 8 bytes actually written by SerializeHeader.
var _ [8]byte = [unsafe.Sizeof(Header{})]byte{}

// Session records the profiled process identifier and session start time.
type Session struct {
	Pid                uint32
	TimestampEpochSecs int64
}

// Allocation records one heap allocation event.
type Allocation struct {
	StacktraceID       uint32
	TimestampEpochSecs int64
	Pointer            uint64
	Size               uint64
}

// Deallocation records one heap free event.
type Deallocation struct {
	TimestampEpochSecs int64
	Pointer            uint64
}

// SymbolEntry is one resolved stack frame within a Stacktrace record.
type SymbolEntry struct {
	Name string
	Line uint64
	File string
}

// Stacktrace records a symbolized call stack, keyed by its deduplicated id.
type Stacktrace struct {
	TimestampEpochSecs int64
	StacktraceID       uint32
	Entries            []SymbolEntry
}

// ObjectPrefix is the common header shared by every non-Header record.
type ObjectPrefix struct {
	Tag        Kind
	Reserved   byte
	ObjectSize uint64
}

// maxSeek bounds ObjectSize so that it can never overflow a signed seek
// offset.
const maxSeek = math.MaxInt64 / 2

var (
	// ErrShortRead is returned when the stream ends mid-record.
	ErrShortRead = fmt.Errorf("wireformat: short read")
	// ErrTagMismatch is returned by a typed parser reading the wrong kind.
	ErrTagMismatch = fmt.Errorf("wireformat: tag mismatch")
	// ErrObjectSizeOverflow is returned when ObjectSize cannot be seeked.
	ErrObjectSizeOverflow = fmt.Errorf("wireformat: object size overflow")
)

// SerializeHeader writes the fixed 8-byte Header record: magic, version,
// architecture tag. It has no common prefix.
func SerializeHeader(arch Arch) []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint32(buf[0:4], LogMagic)
	binary.LittleEndian.PutUint16(buf[4:6], LogVersion)
	binary.LittleEndian.PutUint16(buf[6:8], uint16(arch))
	return buf
}

// ParseHeader reads and validates the 8-byte Header record.
func ParseHeader(r io.Reader) (Header, error) {
	buf := make([]byte, 8)
	if _, err := io.ReadFull(r, buf); err != nil {
		return Header{}, fmt.Errorf("%w: header: %v", ErrShortRead, err)
	}
	h := Header{
		Magic:   binary.LittleEndian.Uint32(buf[0:4]),
		Version: binary.LittleEndian.Uint16(buf[4:6]),
		Arch:    Arch(binary.LittleEndian.Uint16(buf[6:8])),
	}
	if h.Magic != LogMagic {
		return h, lmerr.NewError("ParseHeader", lmerr.ErrCodeCorruptRecord, "bad magic")
	}
	if h.Version != LogVersion {
		return h, lmerr.NewError("ParseHeader", lmerr.ErrCodeCorruptRecord, "unsupported version")
	}
	if h.Arch != Arch32 && h.Arch != Arch64 {
		return h, lmerr.NewError("ParseHeader", lmerr.ErrCodeArchMismatch, "unrecognized architecture tag")
	}
	return h, nil
}

// writePrefix appends tag, a zero reserved byte, and objectSize (as a
// platform word) to buf.
func writePrefix(buf []byte, tag Kind, objectSize uint64, arch Arch) []byte {
	buf = append(buf, byte(tag), 0)
	buf = appendWord(buf, objectSize, arch)
	return buf
}

func appendWord(buf []byte, v uint64, arch Arch) []byte {
	w := wordSize(arch)
	tmp := make([]byte, 8)
	binary.LittleEndian.PutUint64(tmp, v)
	return append(buf, tmp[:w]...)
}

func appendString(buf []byte, s string, arch Arch) []byte {
	buf = appendWord(buf, uint64(len(s)), arch)
	if len(s) > 0 {
		buf = append(buf, s...)
	}
	return buf
}

// prefixLen returns the byte length of the common prefix (tag + reserved
// + one platform word) for arch.
func prefixLen(arch Arch) int {
	return 2 + wordSize(arch)
}

// SerializeSession appends a Session record.
func SerializeSession(pid uint32, timestampEpochSecs int64, arch Arch) []byte {
	body := make([]byte, 0, 4+8)
	body = binary.LittleEndian.AppendUint32(body, pid)
	body = binary.LittleEndian.AppendUint64(body, uint64(timestampEpochSecs))

	size := uint64(prefixLen(arch) + len(body))
	out := make([]byte, 0, size)
	out = writePrefix(out, KindSession, size, arch)
	out = append(out, body...)
	return out
}

// SerializeAllocation appends an Allocation record.
func SerializeAllocation(a Allocation, arch Arch) []byte {
	body := make([]byte, 0)
	body = binary.LittleEndian.AppendUint32(body, a.StacktraceID)
	body = binary.LittleEndian.AppendUint64(body, uint64(a.TimestampEpochSecs))
	body = appendWord(body, a.Pointer, arch)
	body = appendWord(body, a.Size, arch)

	size := uint64(prefixLen(arch) + len(body))
	out := make([]byte, 0, size)
	out = writePrefix(out, KindAllocation, size, arch)
	out = append(out, body...)
	return out
}

// SerializeDeallocation appends a Deallocation record.
func SerializeDeallocation(d Deallocation, arch Arch) []byte {
	body := make([]byte, 0)
	body = binary.LittleEndian.AppendUint64(body, uint64(d.TimestampEpochSecs))
	body = appendWord(body, d.Pointer, arch)

	size := uint64(prefixLen(arch) + len(body))
	out := make([]byte, 0, size)
	out = writePrefix(out, KindDeallocation, size, arch)
	out = append(out, body...)
	return out
}

// SerializeStacktrace appends a Stacktrace record: timestamp, id, entry
// count, then each entry's length-prefixed name, platform-word line, and
// length-prefixed file path.
func SerializeStacktrace(st Stacktrace, arch Arch) []byte {
	body := make([]byte, 0)
	body = binary.LittleEndian.AppendUint64(body, uint64(st.TimestampEpochSecs))
	body = binary.LittleEndian.AppendUint32(body, st.StacktraceID)
	body = appendWord(body, uint64(len(st.Entries)), arch)
	for _, e := range st.Entries {
		body = appendString(body, e.Name, arch)
		body = appendWord(body, e.Line, arch)
		body = appendString(body, e.File, arch)
	}

	size := uint64(prefixLen(arch) + len(body))
	out := make([]byte, 0, size)
	out = writePrefix(out, KindStacktrace, size, arch)
	out = append(out, body...)
	return out
}

// ByteReader is the minimal capability ParseObject and SkipObject need: a
// seekable reader so the "peek" can rewind to the record's start. An
// *os.File satisfies it directly.
type ByteReader interface {
	io.Reader
	io.Seeker
}

// ParseObject peeks the common prefix of the next record: on success the
// stream is rewound to the start of that record so a typed parser can
// re-read it whole. Returns io.EOF at a clean end of stream.
func ParseObject(r ByteReader, arch Arch) (ObjectPrefix, error) {
	start, err := r.Seek(0, io.SeekCurrent)
	if err != nil {
		return ObjectPrefix{}, err
	}

	buf := make([]byte, prefixLen(arch))
	n, err := io.ReadFull(r, buf)
	if err == io.EOF && n == 0 {
		return ObjectPrefix{}, io.EOF
	}
	if err != nil {
		return ObjectPrefix{}, fmt.Errorf("%w: prefix: %v", ErrShortRead, err)
	}

	prefix := ObjectPrefix{
		Tag:        Kind(buf[0]),
		Reserved:   buf[1],
		ObjectSize: readWord(buf[2:], arch),
	}
	if prefix.ObjectSize > maxSeek {
		return prefix, ErrObjectSizeOverflow
	}

	if _, err := r.Seek(start, io.SeekStart); err != nil {
		return prefix, err
	}
	return prefix, nil
}

func readWord(buf []byte, arch Arch) uint64 {
	w := wordSize(arch)
	tmp := make([]byte, 8)
	copy(tmp, buf[:w])
	return binary.LittleEndian.Uint64(tmp)
}

func readString(r io.Reader, arch Arch) (string, error) {
	n, err := readWordFromReader(r, arch)
	if err != nil {
		return "", err
	}
	if n == 0 {
		return "", nil
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", fmt.Errorf("%w: string body: %v", ErrShortRead, err)
	}
	return string(buf), nil
}

func readWordFromReader(r io.Reader, arch Arch) (uint64, error) {
	buf := make([]byte, wordSize(arch))
	if _, err := io.ReadFull(r, buf); err != nil {
		return 0, fmt.Errorf("%w: word: %v", ErrShortRead, err)
	}
	return readWord(buf, arch), nil
}

func readPrefixAndVerify(r io.Reader, arch Arch, want Kind) error {
	buf := make([]byte, prefixLen(arch))
	if _, err := io.ReadFull(r, buf); err != nil {
		return fmt.Errorf("%w: prefix: %v", ErrShortRead, err)
	}
	tag := Kind(buf[0])
	if tag != want {
		return fmt.Errorf("%w: got %s, want %s", ErrTagMismatch, tag, want)
	}
	return nil
}

// ParseSession consumes one Session record, verifying its tag.
func ParseSession(r io.Reader, arch Arch) (Session, error) {
	if err := readPrefixAndVerify(r, arch, KindSession); err != nil {
		return Session{}, err
	}
	buf := make([]byte, 12)
	if _, err := io.ReadFull(r, buf); err != nil {
		return Session{}, fmt.Errorf("%w: session body: %v", ErrShortRead, err)
	}
	return Session{
		Pid:                binary.LittleEndian.Uint32(buf[0:4]),
		TimestampEpochSecs: int64(binary.LittleEndian.Uint64(buf[4:12])),
	}, nil
}

// ParseAllocation consumes one Allocation record, verifying its tag.
func ParseAllocation(r io.Reader, arch Arch) (Allocation, error) {
	if err := readPrefixAndVerify(r, arch, KindAllocation); err != nil {
		return Allocation{}, err
	}
	head := make([]byte, 12)
	if _, err := io.ReadFull(r, head); err != nil {
		return Allocation{}, fmt.Errorf("%w: allocation head: %v", ErrShortRead, err)
	}
	ptr, err := readWordFromReader(r, arch)
	if err != nil {
		return Allocation{}, err
	}
	size, err := readWordFromReader(r, arch)
	if err != nil {
		return Allocation{}, err
	}
	return Allocation{
		StacktraceID:       binary.LittleEndian.Uint32(head[0:4]),
		TimestampEpochSecs: int64(binary.LittleEndian.Uint64(head[4:12])),
		Pointer:            ptr,
		Size:               size,
	}, nil
}

// ParseDeallocation consumes one Deallocation record, verifying its tag.
func ParseDeallocation(r io.Reader, arch Arch) (Deallocation, error) {
	if err := readPrefixAndVerify(r, arch, KindDeallocation); err != nil {
		return Deallocation{}, err
	}
	ts := make([]byte, 8)
	if _, err := io.ReadFull(r, ts); err != nil {
		return Deallocation{}, fmt.Errorf("%w: deallocation ts: %v", ErrShortRead, err)
	}
	ptr, err := readWordFromReader(r, arch)
	if err != nil {
		return Deallocation{}, err
	}
	return Deallocation{
		TimestampEpochSecs: int64(binary.LittleEndian.Uint64(ts)),
		Pointer:            ptr,
	}, nil
}

// ParseStacktrace consumes one Stacktrace record, verifying its tag.
func ParseStacktrace(r io.Reader, arch Arch) (Stacktrace, error) {
	if err := readPrefixAndVerify(r, arch, KindStacktrace); err != nil {
		return Stacktrace{}, err
	}
	head := make([]byte, 12)
	if _, err := io.ReadFull(r, head); err != nil {
		return Stacktrace{}, fmt.Errorf("%w: stacktrace head: %v", ErrShortRead, err)
	}
	count, err := readWordFromReader(r, arch)
	if err != nil {
		return Stacktrace{}, err
	}

	st := Stacktrace{
		TimestampEpochSecs: int64(binary.LittleEndian.Uint64(head[0:8])),
		StacktraceID:       binary.LittleEndian.Uint32(head[8:12]),
		Entries:            make([]SymbolEntry, 0, count),
	}
	for i := uint64(0); i < count; i++ {
		name, err := readString(r, arch)
		if err != nil {
			return Stacktrace{}, err
		}
		line, err := readWordFromReader(r, arch)
		if err != nil {
			return Stacktrace{}, err
		}
		file, err := readString(r, arch)
		if err != nil {
			return Stacktrace{}, err
		}
		st.Entries = append(st.Entries, SymbolEntry{Name: name, Line: line, File: file})
	}
	return st, nil
}

// SkipObject advances r by prefix.ObjectSize bytes from the current
// position, which must be the start of the record described by prefix.
func SkipObject(r io.Seeker, prefix ObjectPrefix) error {
	if prefix.ObjectSize > maxSeek {
		return ErrObjectSizeOverflow
	}
	_, err := r.Seek(int64(prefix.ObjectSize), io.SeekCurrent)
	return err
}
