//go:build integration

// Run with:
//
//	go test -tags integration -v ./internal/convert/...
//
// Requires Docker (for testcontainers-go) and a reachable Docker socket.
package convert_test

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/kaelmon/leakmon/internal/convert"
)

func startPostgres(t *testing.T) (string, func()) {
	t.Helper()
	ctx := context.Background()

	pgContainer, err := tcpostgres.RunContainer(ctx,
		testcontainers.WithImage("postgres:15-alpine"),
		tcpostgres.WithDatabase("leakmon_test"),
		tcpostgres.WithUsername("leakmon"),
		tcpostgres.WithPassword("secret"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	if err != nil {
		t.Fatalf("start postgres container: %v", err)
	}

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		_ = pgContainer.Terminate(ctx)
		t.Fatalf("get connection string: %v", err)
	}

	return connStr, func() { _ = pgContainer.Terminate(ctx) }
}

func TestWritePostgresCreatesSchemaAndRows(t *testing.T) {
	connStr, cleanup := startPostgres(t)
	defer cleanup()
	ctx := context.Background()

	proj := &convert.Projection{
		Allocations: []convert.AllocationRow{
			{AllocationID: 1, StacktraceID: 1, Pointer: 0xA0, Size: 32, AllocationTimestamp: 1001, FreeTimestamp: 1002, Freed: true},
		},
		StackEntries: []convert.StackEntryRow{
			{ID: 1, StackTraceID: 1, StackTraceIndex: 0, FileName: "main.c", SymbolName: "main", LineNumber: 10},
		},
	}

	if err := convert.WritePostgres(ctx, proj, connStr); err != nil {
		t.Fatalf("WritePostgres failed: %v", err)
	}

	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		t.Fatalf("pgxpool.New: %v", err)
	}
	defer pool.Close()

	var count int
	if err := pool.QueryRow(ctx, `SELECT count(*) FROM "ALLOCATION" WHERE "Freed"`).Scan(&count); err != nil {
		t.Fatalf("query ALLOCATION: %v", err)
	}
	if count != 1 {
		t.Errorf("want 1 freed allocation row, got %d", count)
	}

	var symbol string
	if err := pool.QueryRow(ctx, `SELECT "SymbolName" FROM "STACKENTRY" WHERE "ID" = 1`).Scan(&symbol); err != nil {
		t.Fatalf("query STACKENTRY: %v", err)
	}
	if symbol != "main" {
		t.Errorf("want SymbolName 'main', got %q", symbol)
	}
}
