package convert

import (
	"encoding/csv"
	"os"
	"path/filepath"
	"testing"
)

func TestWriteCSVProducesExpectedRows(t *testing.T) {
	proj := &Projection{
		Allocations: []AllocationRow{
			{AllocationID: 1, StacktraceID: 42, Pointer: 0xA0, Size: 32, AllocationTimestamp: 1001, FreeTimestamp: 1002, Freed: true},
		},
		StackEntries: []StackEntryRow{
			{ID: 1, StackTraceID: 42, StackTraceIndex: 0, FileName: "main.c", SymbolName: "main", LineNumber: 10},
		},
	}

	dir := t.TempDir()
	if err := WriteCSV(proj, dir); err != nil {
		t.Fatalf("WriteCSV failed: %v", err)
	}

	allocRows := readCSV(t, filepath.Join(dir, "allocation.csv"))
	if len(allocRows) != 2 {
		t.Fatalf("expected header + 1 data row, got %d rows", len(allocRows))
	}
	if allocRows[1][0] != "1" || allocRows[1][6] != "1" {
		t.Errorf("unexpected allocation row: %v", allocRows[1])
	}
	if allocRows[1][2] != "0x00000000000000a0" {
		t.Errorf("unexpected formatted pointer: %v", allocRows[1][2])
	}

	stackRows := readCSV(t, filepath.Join(dir, "stackentry.csv"))
	if len(stackRows) != 2 {
		t.Fatalf("expected header + 1 data row, got %d rows", len(stackRows))
	}
	if stackRows[1][4] != "main.c" || stackRows[1][5] != "main" {
		t.Errorf("unexpected stackentry row: %v", stackRows[1])
	}
}

func readCSV(t *testing.T, path string) [][]string {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("opening %s: %v", path, err)
	}
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	if err != nil {
		t.Fatalf("reading %s: %v", path, err)
	}
	return rows
}
