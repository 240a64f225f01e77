// Package storetest provides PostgreSQL fixtures for integration tests.
package storetest

import (
	"context"
	"os"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/GoCodeAlone/tenancy/store"
)

// NewPool connects to PG_URL and applies the control schema. The test is
// skipped when PG_URL is not set.
func NewPool(t testing.TB) *pgxpool.Pool {
	t.Helper()
	url := os.Getenv("PG_URL")
	if url == "" {
		t.Skip("PG_URL not set")
	}

	ctx := context.Background()
	pool, err := store.NewPool(ctx, store.PGConfig{URL: url, MaxConns: 32})
	if err != nil {
		t.Fatalf("connect to postgres: %v", err)
	}
	t.Cleanup(pool.Close)

	m, err := store.NewMigrator(ctx, pool, nil)
	if err != nil {
		t.Fatalf("migrator: %v", err)
	}
	t.Cleanup(func() { _ = m.Close() })
	if err := m.Migrate(ctx); err != nil {
		t.Fatalf("migrate control schema: %v", err)
	}
	return pool
}
