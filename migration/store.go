package migration

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// AppliedMigration records a migration that has already been applied.
type AppliedMigration struct {
	SchemaName string
	Version    int
	Checksum   string
	AppliedAt  time.Time
}

// Store persists the migration ledger.
type Store interface {
	// Applied returns the applied migrations for schemaName ordered by version.
	Applied(ctx context.Context, schemaName string) ([]AppliedMigration, error)
	// RecordTx stores an applied migration in tx, so the ledger row commits
	// or rolls back together with the DDL it describes.
	RecordTx(ctx context.Context, tx *sql.Tx, schemaName string, version int, checksum string) error
}

// SQLStore keeps the ledger in a _migrations table reachable through db.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
}

// NewSQLStore creates the _migrations table if needed.
func NewSQLStore(ctx context.Context, db *sql.DB, dialect Dialect) (*SQLStore, error) {
	ts := "TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP"
	if dialect == Postgres {
		ts = "TIMESTAMPTZ NOT NULL DEFAULT now()"
	}
	_, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS _migrations (
		schema_name TEXT NOT NULL,
		version     INTEGER NOT NULL,
		checksum    TEXT NOT NULL,
		applied_at  `+ts+`,
		PRIMARY KEY (schema_name, version)
	)`)
	if err != nil {
		return nil, fmt.Errorf("create _migrations table: %w", err)
	}
	return &SQLStore{db: db, dialect: dialect}, nil
}

// Applied returns the applied migrations for schemaName ordered by version.
func (s *SQLStore) Applied(ctx context.Context, schemaName string) ([]AppliedMigration, error) {
	p := s.dialect.placeholders(1)
	rows, err := s.db.QueryContext(ctx,
		`SELECT schema_name, version, checksum, applied_at FROM _migrations WHERE schema_name = `+p[0]+` ORDER BY version`,
		schemaName)
	if err != nil {
		return nil, fmt.Errorf("query _migrations: %w", err)
	}
	defer rows.Close()

	var result []AppliedMigration
	for rows.Next() {
		var m AppliedMigration
		if err := rows.Scan(&m.SchemaName, &m.Version, &m.Checksum, &m.AppliedAt); err != nil {
			return nil, fmt.Errorf("scan migration: %w", err)
		}
		result = append(result, m)
	}
	return result, rows.Err()
}

// RecordTx stores an applied migration in tx. Recording the same version
// twice is a no-op.
func (s *SQLStore) RecordTx(ctx context.Context, tx *sql.Tx, schemaName string, version int, checksum string) error {
	if err := s.dialect.unscope(ctx, tx); err != nil {
		return err
	}
	p := s.dialect.placeholders(3)
	q := `INSERT INTO _migrations (schema_name, version, checksum) VALUES (` +
		strings.Join(p, ", ") + `) ON CONFLICT (schema_name, version) DO NOTHING`
	if _, err := tx.ExecContext(ctx, q, schemaName, version, checksum); err != nil {
		return fmt.Errorf("insert _migrations: %w", err)
	}
	return nil
}

var _ Store = (*SQLStore)(nil)
