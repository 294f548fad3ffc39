package convert

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/kaelmon/leakmon/internal/lmerr"
)

// WriteCSV writes the projection as two CSV files under dir:
// allocation.csv and stackentry.csv, one column per schema field.
func WriteCSV(proj *Projection, dir string) error {
	if err := writeAllocationCSV(proj, filepath.Join(dir, "allocation.csv")); err != nil {
		return err
	}
	return writeStackEntryCSV(proj, filepath.Join(dir, "stackentry.csv"))
}

func writeAllocationCSV(proj *Projection, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return lmerr.WrapError("convert.WriteCSV", err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	header := []string{"AllocationID", "StacktraceID", "Pointer", "Size", "AllocationTimestamp", "FreeTimestamp", "Freed"}
	if err := w.Write(header); err != nil {
		return lmerr.WrapError("convert.WriteCSV", err)
	}
	for _, a := range proj.Allocations {
		record := []string{
			strconv.FormatUint(a.AllocationID, 10),
			strconv.FormatUint(uint64(a.StacktraceID), 10),
			formatPointer(a.Pointer),
			strconv.FormatUint(a.Size, 10),
			strconv.FormatInt(a.AllocationTimestamp, 10),
			strconv.FormatInt(a.FreeTimestamp, 10),
			formatBoolDigit(a.Freed),
		}
		if err := w.Write(record); err != nil {
			return lmerr.WrapError("convert.WriteCSV", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return lmerr.WrapError("convert.WriteCSV", err)
	}
	return nil
}

func writeStackEntryCSV(proj *Projection, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return lmerr.WrapError("convert.WriteCSV", err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	header := []string{"ID", "StackTraceID", "StackTraceIndex", "ModuleBaseAddress", "FileName", "SymbolName", "LineNumber"}
	if err := w.Write(header); err != nil {
		return lmerr.WrapError("convert.WriteCSV", err)
	}
	for _, s := range proj.StackEntries {
		record := []string{
			strconv.FormatUint(s.ID, 10),
			strconv.FormatUint(uint64(s.StackTraceID), 10),
			strconv.Itoa(s.StackTraceIndex),
			"",
			s.FileName,
			s.SymbolName,
			strconv.FormatUint(s.LineNumber, 10),
		}
		if err := w.Write(record); err != nil {
			return lmerr.WrapError("convert.WriteCSV", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return lmerr.WrapError("convert.WriteCSV", err)
	}
	return nil
}

// formatPointer renders a fixed-width, zero-padded, "0x"-prefixed hex
// string sized for a 64-bit pointer.
func formatPointer(p uint64) string {
	return fmt.Sprintf("0x%016x", p)
}

func formatBoolDigit(b bool) string {
	if b {
		return "1"
	}
	return "0"
}
