package migration

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/GoCodeAlone/tenancy/lock"

	_ "modernc.org/sqlite"
)

// SQLiteNamespaces keeps every tenant namespace in its own SQLite file
// under a directory. It stands in for PostgreSQL schemas when the control
// plane runs without a database.
type SQLiteNamespaces struct {
	dir       string
	locker    lock.Locker
	logger    *slog.Logger
	providers []SchemaProvider
}

// NewSQLiteNamespaces applies providers to files in dir.
func NewSQLiteNamespaces(dir string, logger *slog.Logger, providers ...SchemaProvider) *SQLiteNamespaces {
	if logger == nil {
		logger = slog.Default()
	}
	return &SQLiteNamespaces{dir: dir, locker: lock.NewInMemoryLock(), logger: logger, providers: providers}
}

// Path is the database file of namespace.
func (n *SQLiteNamespaces) Path(namespace string) string {
	return filepath.Join(n.dir, namespace+".db")
}

func (n *SQLiteNamespaces) open(ctx context.Context, namespace string) (*sql.DB, error) {
	if !ValidNamespace(namespace) {
		return nil, fmt.Errorf("invalid namespace %q", namespace)
	}
	if err := os.MkdirAll(n.dir, 0o750); err != nil {
		return nil, fmt.Errorf("create namespace dir: %w", err)
	}
	db, err := sql.Open(SQLite.DriverName(), n.Path(namespace))
	if err != nil {
		return nil, fmt.Errorf("open namespace %s: %w", namespace, err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("open namespace %s: %w", namespace, err)
	}
	return db, nil
}

// Ensure creates the namespace file if it does not exist.
func (n *SQLiteNamespaces) Ensure(ctx context.Context, namespace string) error {
	db, err := n.open(ctx, namespace)
	if err != nil {
		return err
	}
	return db.Close()
}

// Apply migrates the namespace file. Already-applied steps are skipped.
func (n *SQLiteNamespaces) Apply(ctx context.Context, namespace string) error {
	db, err := n.open(ctx, namespace)
	if err != nil {
		return err
	}
	defer db.Close()

	ledger, err := NewSQLStore(ctx, db, SQLite)
	if err != nil {
		return fmt.Errorf("open ledger for %s: %w", namespace, err)
	}
	return NewRunner(ledger, n.locker, SQLite, n.logger).RunNamespace(ctx, db, namespace, n.providers...)
}
