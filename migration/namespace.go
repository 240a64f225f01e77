package migration

import (
	"context"
	"database/sql"
	"fmt"
)

// NamespaceRunner brings a tenant namespace up to the current tenant schema.
type NamespaceRunner struct {
	db        *sql.DB
	runner    *Runner
	providers []SchemaProvider
}

// NewNamespaceRunner binds runner and the tenant schema providers to db.
func NewNamespaceRunner(db *sql.DB, runner *Runner, providers ...SchemaProvider) *NamespaceRunner {
	return &NamespaceRunner{db: db, runner: runner, providers: providers}
}

// Apply migrates namespace. Already-applied steps are skipped.
func (n *NamespaceRunner) Apply(ctx context.Context, namespace string) error {
	if !ValidNamespace(namespace) {
		return fmt.Errorf("invalid namespace %q", namespace)
	}
	return n.runner.RunNamespace(ctx, n.db, namespace, n.providers...)
}

// Pending lists the steps Apply would run for namespace.
func (n *NamespaceRunner) Pending(ctx context.Context, namespace string) ([]PendingMigration, error) {
	return n.runner.Pending(ctx, namespace, n.providers...)
}
