package convert

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/kaelmon/leakmon/internal/lmerr"
)

const (
	createAllocationTablePG = `
		CREATE TABLE IF NOT EXISTS "ALLOCATION" (
			"AllocationID" BIGINT PRIMARY KEY,
			"StacktraceID" BIGINT,
			"Pointer" BIGINT,
			"Size" BIGINT,
			"AllocationTimestamp" BIGINT,
			"FreeTimestamp" BIGINT,
			"Freed" BOOLEAN
		);`

	createStackEntryTablePG = `
		CREATE TABLE IF NOT EXISTS "STACKENTRY" (
			"ID" BIGINT PRIMARY KEY,
			"StackTraceID" BIGINT NOT NULL,
			"StackTraceIndex" INTEGER,
			"ModuleBaseAddress" BIGINT,
			"FileName" TEXT,
			"SymbolName" TEXT,
			"LineNumber" BIGINT
		);`

	createIndexAllocationStacktraceIDPG = `CREATE INDEX IF NOT EXISTS idx_allocation_stacktraceid ON "ALLOCATION" ("StacktraceID");`
	createIndexAllocationFreedPG        = `CREATE INDEX IF NOT EXISTS idx_allocation_freed ON "ALLOCATION" ("Freed");`
	createIndexStackEntryStackTraceIDPG = `CREATE INDEX IF NOT EXISTS idx_stackentry_stacktraceid ON "STACKENTRY" ("StackTraceID");`
	createIndexStackEntrySymbolNamePG   = `CREATE INDEX IF NOT EXISTS idx_stackentry_symbolname ON "STACKENTRY" ("SymbolName");`
)

// WritePostgres writes the projection into the database at connString,
// creating the ALLOCATION/STACKENTRY tables and their indices if they
// do not already exist. Rows go in via COPY, one batch per table.
func WritePostgres(ctx context.Context, proj *Projection, connString string) error {
	conn, err := pgx.Connect(ctx, connString)
	if err != nil {
		return lmerr.WrapError("convert.WritePostgres", err)
	}
	defer conn.Close(ctx)

	tx, err := conn.Begin(ctx)
	if err != nil {
		return lmerr.WrapError("convert.WritePostgres", err)
	}
	defer tx.Rollback(ctx)

	for _, stmt := range []string{createAllocationTablePG, createStackEntryTablePG} {
		if _, err := tx.Exec(ctx, stmt); err != nil {
			return lmerr.WrapError("convert.WritePostgres", err)
		}
	}

	allocRows := make([][]any, len(proj.Allocations))
	for i, a := range proj.Allocations {
		allocRows[i] = []any{a.AllocationID, a.StacktraceID, a.Pointer, a.Size, a.AllocationTimestamp, a.FreeTimestamp, a.Freed}
	}
	if len(allocRows) > 0 {
		if _, err := tx.CopyFrom(ctx, pgx.Identifier{"ALLOCATION"},
			[]string{"AllocationID", "StacktraceID", "Pointer", "Size", "AllocationTimestamp", "FreeTimestamp", "Freed"},
			pgx.CopyFromRows(allocRows)); err != nil {
			return lmerr.WrapError("convert.WritePostgres: copy ALLOCATION", err)
		}
	}

	stackRows := make([][]any, len(proj.StackEntries))
	for i, s := range proj.StackEntries {
		stackRows[i] = []any{s.ID, s.StackTraceID, s.StackTraceIndex, nil, s.FileName, s.SymbolName, s.LineNumber}
	}
	if len(stackRows) > 0 {
		if _, err := tx.CopyFrom(ctx, pgx.Identifier{"STACKENTRY"},
			[]string{"ID", "StackTraceID", "StackTraceIndex", "ModuleBaseAddress", "FileName", "SymbolName", "LineNumber"},
			pgx.CopyFromRows(stackRows)); err != nil {
			return lmerr.WrapError("convert.WritePostgres: copy STACKENTRY", err)
		}
	}

	for _, stmt := range []string{createIndexAllocationStacktraceIDPG, createIndexAllocationFreedPG, createIndexStackEntryStackTraceIDPG, createIndexStackEntrySymbolNamePG} {
		if _, err := tx.Exec(ctx, stmt); err != nil {
			return lmerr.WrapError("convert.WritePostgres", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return lmerr.WrapError("convert.WritePostgres", err)
	}
	return nil
}
