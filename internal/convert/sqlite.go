package convert

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"

	"github.com/kaelmon/leakmon/internal/lmerr"
)

const (
	createAllocationTable = `
		CREATE TABLE "ALLOCATION" (
			"AllocationID" INTEGER,
			"StacktraceID" INTEGER,
			"Pointer" INTEGER,
			"Size" INTEGER,
			"AllocationTimestamp" INTEGER,
			"FreeTimestamp" INTEGER,
			"Freed" INTEGER,
			PRIMARY KEY("AllocationID")
		);`

	createStackEntryTable = `
		CREATE TABLE "STACKENTRY" (
			"ID" INTEGER PRIMARY KEY AUTOINCREMENT,
			"StackTraceID" INTEGER NOT NULL,
			"StackTraceIndex" INTEGER,
			"ModuleBaseAddress" INTEGER,
			"FileName" TEXT,
			"SymbolName" TEXT,
			"LineNumber" INTEGER
		);`

	createIndexAllocationStacktraceID = `CREATE INDEX "IDX_AllocationStacktraceID" ON "ALLOCATION" ("StacktraceID");`
	createIndexAllocationFreed        = `CREATE INDEX "IDX_AllocationFreed" ON "ALLOCATION" ("Freed");`
	createIndexStackEntryStackTraceID = `CREATE INDEX "IDX_StackEntryStackTraceID" ON "STACKENTRY" ("StackTraceID");`
	createIndexStackEntrySymbolName   = `CREATE INDEX "IDX_StackEntrySymbolName" ON "STACKENTRY" ("SymbolName");`

	insertAllocation = `INSERT INTO "ALLOCATION" ("AllocationID","StacktraceID","Pointer","Size","AllocationTimestamp","FreeTimestamp","Freed") VALUES (?, ?, ?, ?, ?, ?, ?);`
	insertStackEntry = `INSERT INTO "STACKENTRY" ("StackTraceID","StackTraceIndex","ModuleBaseAddress","FileName","SymbolName","LineNumber") VALUES (?, ?, NULL, ?, ?, ?);`
)

// WriteSQLite writes the projection into a freshly created SQLite
// database at path, in one transaction. Indices are created after the
// bulk inserts.
func WriteSQLite(proj *Projection, path string) error {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return lmerr.WrapError("convert.WriteSQLite", err)
	}
	defer db.Close()

	if _, err := db.Exec(`PRAGMA journal_mode=MEMORY;`); err != nil {
		return lmerr.WrapError("convert.WriteSQLite", err)
	}
	if _, err := db.Exec(`PRAGMA synchronous=OFF;`); err != nil {
		return lmerr.WrapError("convert.WriteSQLite", err)
	}

	tx, err := db.Begin()
	if err != nil {
		return lmerr.WrapError("convert.WriteSQLite", err)
	}
	defer tx.Rollback()

	for _, stmt := range []string{createAllocationTable, createStackEntryTable} {
		if _, err := tx.Exec(stmt); err != nil {
			return lmerr.WrapError("convert.WriteSQLite", err)
		}
	}

	allocStmt, err := tx.Prepare(insertAllocation)
	if err != nil {
		return lmerr.WrapError("convert.WriteSQLite", err)
	}
	defer allocStmt.Close()
	for _, a := range proj.Allocations {
		if _, err := allocStmt.Exec(a.AllocationID, a.StacktraceID, a.Pointer, a.Size, a.AllocationTimestamp, a.FreeTimestamp, boolToInt(a.Freed)); err != nil {
			return lmerr.WrapError(fmt.Sprintf("convert.WriteSQLite: allocation %d", a.AllocationID), err)
		}
	}

	stackStmt, err := tx.Prepare(insertStackEntry)
	if err != nil {
		return lmerr.WrapError("convert.WriteSQLite", err)
	}
	defer stackStmt.Close()
	for _, s := range proj.StackEntries {
		if _, err := stackStmt.Exec(s.StackTraceID, s.StackTraceIndex, s.FileName, s.SymbolName, s.LineNumber); err != nil {
			return lmerr.WrapError(fmt.Sprintf("convert.WriteSQLite: stackentry %d", s.ID), err)
		}
	}

	for _, stmt := range []string{createIndexAllocationStacktraceID, createIndexAllocationFreed, createIndexStackEntryStackTraceID, createIndexStackEntrySymbolName} {
		if _, err := tx.Exec(stmt); err != nil {
			return lmerr.WrapError("convert.WriteSQLite", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return lmerr.WrapError("convert.WriteSQLite", err)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
