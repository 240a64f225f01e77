package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"

	"github.com/GoCodeAlone/tenancy/lock"
	"github.com/GoCodeAlone/tenancy/migration"
)

// Migrator applies the control schema and tenant namespace schemas through
// the shared pgx pool.
type Migrator struct {
	db     *sql.DB
	runner *migration.Runner
}

// NewMigrator prepares the migration ledger. Runs are serialized across
// processes with PostgreSQL advisory locks.
func NewMigrator(ctx context.Context, pool *pgxpool.Pool, logger *slog.Logger) (*Migrator, error) {
	db := stdlib.OpenDBFromPool(pool)
	ledger, err := migration.NewSQLStore(ctx, db, migration.Postgres)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("open migration ledger: %w", err)
	}
	runner := migration.NewRunner(ledger, lock.NewPGAdvisoryLock(pool), migration.Postgres, logger)
	return &Migrator{db: db, runner: runner}, nil
}

// Migrate brings the control schema up to date.
func (m *Migrator) Migrate(ctx context.Context) error {
	return m.runner.Run(ctx, m.db, ControlSchema())
}

// Pending lists control schema steps not yet applied.
func (m *Migrator) Pending(ctx context.Context) ([]migration.PendingMigration, error) {
	return m.runner.Pending(ctx, "", ControlSchema())
}

// Namespaces returns a runner that applies providers inside tenant
// namespaces.
func (m *Migrator) Namespaces(providers ...migration.SchemaProvider) *migration.NamespaceRunner {
	return migration.NewNamespaceRunner(m.db, m.runner, providers...)
}

// Close releases the database/sql handle. The pool stays open.
func (m *Migrator) Close() error { return m.db.Close() }
