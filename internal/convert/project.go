// Package convert implements the offline converter: it reads a binary
// event log (internal/eventlog), projects it into the relational
// ALLOCATION/STACKENTRY schema, then hands that projection to a CSV,
// SQLite, or Postgres exporter.
package convert

import (
	"github.com/kaelmon/leakmon/internal/eventlog"
	"github.com/kaelmon/leakmon/internal/wireformat"
)

// AllocationRow is one row of the ALLOCATION table.
type AllocationRow struct {
	AllocationID        uint64
	StacktraceID        uint32
	Pointer             uint64
	Size                uint64
	AllocationTimestamp int64
	FreeTimestamp       int64
	Freed               bool
}

// StackEntryRow is one row of the STACKENTRY table. ModuleBaseAddress
// is always absent: the binary log carries no field for it, so the
// schema binds it permanently null.
type StackEntryRow struct {
	ID              uint64
	StackTraceID    uint32
	StackTraceIndex int
	FileName        string
	SymbolName      string
	LineNumber      uint64
}

// Projection is the fully materialized relational export of one log.
type Projection struct {
	Allocations  []AllocationRow
	StackEntries []StackEntryRow
}

// projectionBuilder implements eventlog.Handler, accumulating a
// Projection as Reader.Walk dispatches each record.
type projectionBuilder struct {
	proj             Projection
	nextAllocationID uint64
	nextStackEntryID uint64
	// openByPointer tracks, per pointer, the AllocationRow indices (into
	// proj.Allocations) that are not yet freed, oldest first — so a free
	// always resolves to the earliest unfreed allocation for that
	// pointer.
	openByPointer map[uint64][]int
}

func newProjectionBuilder() *projectionBuilder {
	return &projectionBuilder{
		nextAllocationID: 1,
		nextStackEntryID: 1,
		openByPointer:    make(map[uint64][]int),
	}
}

func (b *projectionBuilder) OnSession(wireformat.Session) error { return nil }

func (b *projectionBuilder) OnAllocation(a wireformat.Allocation) error {
	row := AllocationRow{
		AllocationID:        b.nextAllocationID,
		StacktraceID:        a.StacktraceID,
		Pointer:             a.Pointer,
		Size:                a.Size,
		AllocationTimestamp: a.TimestampEpochSecs,
	}
	idx := len(b.proj.Allocations)
	b.proj.Allocations = append(b.proj.Allocations, row)
	b.openByPointer[a.Pointer] = append(b.openByPointer[a.Pointer], idx)
	b.nextAllocationID++
	return nil
}

func (b *projectionBuilder) OnDeallocation(d wireformat.Deallocation) error {
	open := b.openByPointer[d.Pointer]
	if len(open) == 0 {
		// Pointer never allocated (or already matched): dropped from the
		// relational projection, present in the binary log.
		return nil
	}
	idx := open[0]
	b.openByPointer[d.Pointer] = open[1:]
	b.proj.Allocations[idx].Freed = true
	b.proj.Allocations[idx].FreeTimestamp = d.TimestampEpochSecs
	return nil
}

func (b *projectionBuilder) OnStacktrace(st wireformat.Stacktrace) error {
	for i, e := range st.Entries {
		b.proj.StackEntries = append(b.proj.StackEntries, StackEntryRow{
			ID:              b.nextStackEntryID,
			StackTraceID:    st.StacktraceID,
			StackTraceIndex: i,
			FileName:        e.File,
			SymbolName:      e.Name,
			LineNumber:      e.Line,
		})
		b.nextStackEntryID++
	}
	return nil
}

// ProjectFile opens the log at path, validates its header, and builds
// the relational projection of every record in it.
func ProjectFile(path string) (*Projection, error) {
	r, err := eventlog.NewReader(path)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	b := newProjectionBuilder()
	if err := r.Walk(b); err != nil {
		return nil, err
	}
	return &b.proj, nil
}
