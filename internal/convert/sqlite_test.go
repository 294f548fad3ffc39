package convert

import (
	"database/sql"
	"path/filepath"
	"testing"

	_ "modernc.org/sqlite"
)

func TestWriteSQLiteRoundTrip(t *testing.T) {
	proj := &Projection{
		Allocations: []AllocationRow{
			{AllocationID: 1, StacktraceID: 7, Pointer: 0xA0, Size: 32, AllocationTimestamp: 1001, FreeTimestamp: 1002, Freed: true},
			{AllocationID: 2, StacktraceID: 7, Pointer: 0xB0, Size: 64, AllocationTimestamp: 1003},
		},
		StackEntries: []StackEntryRow{
			{ID: 1, StackTraceID: 7, StackTraceIndex: 0, FileName: "main.c", SymbolName: "main", LineNumber: 10},
			{ID: 2, StackTraceID: 7, StackTraceIndex: 1, FileName: "", SymbolName: "work", LineNumber: 0},
		},
	}

	path := filepath.Join(t.TempDir(), "leak.sqlite")
	if err := WriteSQLite(proj, path); err != nil {
		t.Fatalf("WriteSQLite() unexpected error: %v", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatalf("opening database: %v", err)
	}
	defer db.Close()

	var allocCount int
	if err := db.QueryRow(`SELECT COUNT(*) FROM "ALLOCATION"`).Scan(&allocCount); err != nil {
		t.Fatalf("counting allocations: %v", err)
	}
	if allocCount != 2 {
		t.Errorf("ALLOCATION rows = %d, want 2", allocCount)
	}

	var freed int
	var freeTS int64
	if err := db.QueryRow(`SELECT "Freed", "FreeTimestamp" FROM "ALLOCATION" WHERE "AllocationID" = 1`).Scan(&freed, &freeTS); err != nil {
		t.Fatalf("reading allocation 1: %v", err)
	}
	if freed != 1 || freeTS != 1002 {
		t.Errorf("allocation 1 freed=%d freeTS=%d, want 1/1002", freed, freeTS)
	}

	var moduleBase sql.NullInt64
	if err := db.QueryRow(`SELECT "ModuleBaseAddress" FROM "STACKENTRY" WHERE "ID" = 1`).Scan(&moduleBase); err != nil {
		t.Fatalf("reading stackentry 1: %v", err)
	}
	if moduleBase.Valid {
		t.Error("ModuleBaseAddress must be NULL")
	}

	indexRows, err := db.Query(`SELECT name FROM sqlite_master WHERE type = 'index' AND name LIKE 'IDX_%'`)
	if err != nil {
		t.Fatalf("listing indices: %v", err)
	}
	defer indexRows.Close()
	indices := map[string]bool{}
	for indexRows.Next() {
		var name string
		if err := indexRows.Scan(&name); err != nil {
			t.Fatal(err)
		}
		indices[name] = true
	}
	for _, want := range []string{"IDX_AllocationStacktraceID", "IDX_AllocationFreed", "IDX_StackEntryStackTraceID", "IDX_StackEntrySymbolName"} {
		if !indices[want] {
			t.Errorf("missing index %s", want)
		}
	}
}
