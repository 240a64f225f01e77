package migration

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/GoCodeAlone/tenancy/lock"
)

// Runner applies schema providers to a database, one target at a time.
type Runner struct {
	store   Store
	locker  lock.Locker
	dialect Dialect
	logger  *slog.Logger
}

// NewRunner creates a Runner. locker serializes concurrent runs against the
// same target across processes when it is backed by a shared service.
func NewRunner(store Store, locker lock.Locker, dialect Dialect, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		store:   store,
		locker:  locker,
		dialect: dialect,
		logger:  logger,
	}
}

// PendingMigration describes a migration that has not been applied.
type PendingMigration struct {
	SchemaName  string
	FromVersion int
	ToVersion   int
	UpSQL       string
}

// LedgerName is the ledger key for provider p applied inside namespace.
// The control schema uses an empty namespace.
func LedgerName(namespace string, p SchemaProvider) string {
	if namespace == "" {
		return p.SchemaName()
	}
	return namespace + ":" + p.SchemaName()
}

func (r *Runner) currentVersion(ctx context.Context, ledger string) (int, error) {
	applied, err := r.store.Applied(ctx, ledger)
	if err != nil {
		return 0, fmt.Errorf("query applied for %s: %w", ledger, err)
	}
	v := 0
	for _, a := range applied {
		if a.Version > v {
			v = a.Version
		}
	}
	return v, nil
}

// Pending lists what Run or RunNamespace would apply, without applying it.
func (r *Runner) Pending(ctx context.Context, namespace string, providers ...SchemaProvider) ([]PendingMigration, error) {
	var pending []PendingMigration

	for _, p := range providers {
		ledger := LedgerName(namespace, p)
		current, err := r.currentVersion(ctx, ledger)
		if err != nil {
			return nil, err
		}

		diffs := sortedDiffs(p)
		if current == 0 && len(diffs) == 0 && p.SchemaSQL() != "" {
			pending = append(pending, PendingMigration{
				SchemaName: ledger,
				ToVersion:  p.SchemaVersion(),
				UpSQL:      p.SchemaSQL(),
			})
			continue
		}
		for _, d := range diffs {
			if d.FromVersion >= current && d.ToVersion > current {
				pending = append(pending, PendingMigration{
					SchemaName:  ledger,
					FromVersion: d.FromVersion,
					ToVersion:   d.ToVersion,
					UpSQL:       d.UpSQL,
				})
				current = d.ToVersion
			}
		}
	}
	return pending, nil
}

// Status returns the ledger rows for each provider in namespace.
func (r *Runner) Status(ctx context.Context, namespace string, providers ...SchemaProvider) (map[string][]AppliedMigration, error) {
	result := make(map[string][]AppliedMigration, len(providers))
	for _, p := range providers {
		ledger := LedgerName(namespace, p)
		applied, err := r.store.Applied(ctx, ledger)
		if err != nil {
			return nil, fmt.Errorf("query applied for %s: %w", ledger, err)
		}
		result[ledger] = applied
	}
	return result, nil
}

// Run applies providers to the control schema.
func (r *Runner) Run(ctx context.Context, db *sql.DB, providers ...SchemaProvider) error {
	return r.RunNamespace(ctx, db, "", providers...)
}

// RunNamespace applies providers inside namespace. It holds the migration
// lock for that namespace for the whole run, so concurrent runs against the
// same namespace apply each step once.
func (r *Runner) RunNamespace(ctx context.Context, db *sql.DB, namespace string, providers ...SchemaProvider) error {
	release, err := r.locker.Acquire(ctx, "migration:"+namespace, 0)
	if err != nil {
		return fmt.Errorf("acquire migration lock: %w", err)
	}
	defer release()

	for _, p := range providers {
		if err := r.runProvider(ctx, db, namespace, p); err != nil {
			return fmt.Errorf("migrate %s: %w", LedgerName(namespace, p), err)
		}
	}
	return nil
}

func (r *Runner) runProvider(ctx context.Context, db *sql.DB, namespace string, p SchemaProvider) error {
	ledger := LedgerName(namespace, p)

	current, err := r.currentVersion(ctx, ledger)
	if err != nil {
		return err
	}

	target := p.SchemaVersion()
	if current >= target {
		r.logger.Debug("schema up to date", "schema", ledger, "version", current)
		return nil
	}

	diffs := sortedDiffs(p)

	if current == 0 && len(diffs) == 0 {
		full := p.SchemaSQL()
		if full == "" {
			return nil
		}
		r.logger.Info("applying full schema", "schema", ledger, "version", target)
		if err := r.apply(ctx, db, namespace, ledger, target, full); err != nil {
			return fmt.Errorf("execute full schema: %w", err)
		}
		return nil
	}

	for _, d := range diffs {
		if d.FromVersion < current || d.ToVersion <= current {
			continue
		}
		r.logger.Info("applying migration", "schema", ledger, "from", d.FromVersion, "to", d.ToVersion)

		if err := r.apply(ctx, db, namespace, ledger, d.ToVersion, d.UpSQL); err != nil {
			return fmt.Errorf("execute v%d->v%d: %w", d.FromVersion, d.ToVersion, err)
		}
		current = d.ToVersion
	}
	return nil
}

// apply runs ddl inside namespace and records version in the ledger within
// the same transaction.
func (r *Runner) apply(ctx context.Context, db *sql.DB, namespace, ledger string, version int, ddl string) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := r.dialect.scope(ctx, tx, namespace); err != nil {
		_ = tx.Rollback()
		return err
	}
	if _, err := tx.ExecContext(ctx, ddl); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := r.store.RecordTx(ctx, tx, ledger, version, checksumSQL(ddl)); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("record v%d: %w", version, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func checksumSQL(sql string) string {
	h := sha256.Sum256([]byte(sql))
	return fmt.Sprintf("%x", h[:8])
}
