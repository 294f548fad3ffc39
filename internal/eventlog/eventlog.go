// Package eventlog is a thin file-handle-owning wrapper over
// internal/wireformat: it owns the handle, closes it on Close, and
// delegates every record's shape to the codec.
package eventlog

import (
	"io"
	"os"
	"path/filepath"
	"sync"
	"unsafe"

	"github.com/kaelmon/leakmon/internal/lmerr"
	"github.com/kaelmon/leakmon/internal/wireformat"
)

// CurrentArch reports the pointer-width category of the running process,
// used both to stamp new logs and to validate logs being read.
func CurrentArch() wireformat.Arch {
	if unsafe.Sizeof(uintptr(0)) == 4 {
		return wireformat.Arch32
	}
	return wireformat.Arch64
}

// Writer appends records to a session log file, writing the Header as
// the first bytes on creation.
type Writer struct {
	mu     sync.Mutex
	f      *os.File
	arch   wireformat.Arch
	closed bool
}

// NewWriter creates (or truncates) the log file at path, creating any
// missing parent directories, and writes the Header record immediately.
func NewWriter(path string, arch wireformat.Arch) (*Writer, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, lmerr.WrapError("eventlog.NewWriter", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, lmerr.WrapError("eventlog.NewWriter", err)
	}
	if _, err := f.Write(wireformat.SerializeHeader(arch)); err != nil {
		f.Close()
		return nil, lmerr.WrapError("eventlog.NewWriter", err)
	}
	return &Writer{f: f, arch: arch}, nil
}

// WriteSession appends a Session record.
func (w *Writer) WriteSession(pid uint32, timestampEpochSecs int64) error {
	return w.write(wireformat.SerializeSession(pid, timestampEpochSecs, w.arch))
}

// WriteAllocation appends an Allocation record.
func (w *Writer) WriteAllocation(a wireformat.Allocation) error {
	return w.write(wireformat.SerializeAllocation(a, w.arch))
}

// WriteDeallocation appends a Deallocation record.
func (w *Writer) WriteDeallocation(d wireformat.Deallocation) error {
	return w.write(wireformat.SerializeDeallocation(d, w.arch))
}

// WriteStacktrace appends a Stacktrace record.
func (w *Writer) WriteStacktrace(st wireformat.Stacktrace) error {
	return w.write(wireformat.SerializeStacktrace(st, w.arch))
}

func (w *Writer) write(buf []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return lmerr.NewError("eventlog.Writer.write", lmerr.ErrCodeInvalidParameters, "writer is closed")
	}
	if _, err := w.f.Write(buf); err != nil {
		return lmerr.WrapError("eventlog.Writer.write", err)
	}
	return nil
}

// Close flushes and closes the underlying file. Idempotent.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	return w.f.Close()
}

// Handler receives dispatched records as Reader.Walk scans a log.
// Unrecognized tags are skipped by the reader without invoking Handler.
type Handler interface {
	OnSession(wireformat.Session) error
	OnAllocation(wireformat.Allocation) error
	OnDeallocation(wireformat.Deallocation) error
	OnStacktrace(wireformat.Stacktrace) error
}

// Reader scans a log file from byte zero, validating the header before
// any record is dispatched.
type Reader struct {
	f      *os.File
	Header wireformat.Header
}

// NewReader opens path, reads and validates the Header: an unrecognized
// magic/version is corrupt, and an architecture tag that does not match
// CurrentArch() is a fatal mismatch.
func NewReader(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, lmerr.WrapError("eventlog.NewReader", err)
	}
	h, err := wireformat.ParseHeader(f)
	if err != nil {
		f.Close()
		return nil, lmerr.WrapError("eventlog.NewReader", err)
	}
	if h.Arch != CurrentArch() {
		f.Close()
		return nil, lmerr.NewError("eventlog.NewReader", lmerr.ErrCodeArchMismatch,
			"log architecture does not match reading process")
	}
	return &Reader{f: f, Header: h}, nil
}

// Close closes the underlying file.
func (r *Reader) Close() error {
	return r.f.Close()
}

// Walk loops peek -> dispatch -> (parse or skip) until the stream
// ends. A short/corrupt record, or an ObjectSize that would overshoot
// the stream, stops the walk with a single diagnostic error; io.EOF at
// a clean boundary ends the walk with a nil error.
func (r *Reader) Walk(h Handler) error {
	for {
		prefix, err := wireformat.ParseObject(r.f, r.Header.Arch)
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return lmerr.WrapError("eventlog.Reader.Walk", err)
		}

		switch prefix.Tag {
		case wireformat.KindSession:
			rec, err := wireformat.ParseSession(r.f, r.Header.Arch)
			if err != nil {
				return lmerr.WrapError("eventlog.Reader.Walk", err)
			}
			if err := h.OnSession(rec); err != nil {
				return err
			}
		case wireformat.KindAllocation:
			rec, err := wireformat.ParseAllocation(r.f, r.Header.Arch)
			if err != nil {
				return lmerr.WrapError("eventlog.Reader.Walk", err)
			}
			if err := h.OnAllocation(rec); err != nil {
				return err
			}
		case wireformat.KindDeallocation:
			rec, err := wireformat.ParseDeallocation(r.f, r.Header.Arch)
			if err != nil {
				return lmerr.WrapError("eventlog.Reader.Walk", err)
			}
			if err := h.OnDeallocation(rec); err != nil {
				return err
			}
		case wireformat.KindStacktrace:
			rec, err := wireformat.ParseStacktrace(r.f, r.Header.Arch)
			if err != nil {
				return lmerr.WrapError("eventlog.Reader.Walk", err)
			}
			if err := h.OnStacktrace(rec); err != nil {
				return err
			}
		default:
			if err := wireformat.SkipObject(r.f, prefix); err != nil {
				return lmerr.WrapError("eventlog.Reader.Walk", err)
			}
			pos, err := r.f.Seek(0, io.SeekCurrent)
			if err != nil {
				return lmerr.WrapError("eventlog.Reader.Walk", err)
			}
			info, err := r.f.Stat()
			if err != nil {
				return lmerr.WrapError("eventlog.Reader.Walk", err)
			}
			if pos > info.Size() {
				return lmerr.NewError("eventlog.Reader.Walk", lmerr.ErrCodeCorruptRecord, "record size overshoots the end of the log")
			}
		}
	}
}
