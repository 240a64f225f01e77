package provision

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/GoCodeAlone/tenancy/migration"
	"github.com/GoCodeAlone/tenancy/store"
)

func checkNamespace(ns string) error {
	if ns == store.ControlNamespace {
		return store.Invalid("namespace", "%q is the control namespace", ns)
	}
	if !migration.ValidNamespace(ns) {
		return store.Invalid("namespace", "%q is not a valid namespace", ns)
	}
	return nil
}

// PGNamespaces maps namespaces to PostgreSQL schemas.
type PGNamespaces struct {
	pool *pgxpool.Pool
}

func NewPGNamespaces(pool *pgxpool.Pool) *PGNamespaces {
	return &PGNamespaces{pool: pool}
}

func (n *PGNamespaces) Ensure(ctx context.Context, ns string) error {
	if err := checkNamespace(ns); err != nil {
		return err
	}
	if _, err := n.pool.Exec(ctx, "CREATE SCHEMA IF NOT EXISTS "+pgx.Identifier{ns}.Sanitize()); err != nil {
		return fmt.Errorf("create schema %s: %w", ns, err)
	}
	return nil
}

// Exists reports whether the schema for ns is present.
func (n *PGNamespaces) Exists(ctx context.Context, ns string) (bool, error) {
	var ok bool
	err := n.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM information_schema.schemata WHERE schema_name = $1)`, ns,
	).Scan(&ok)
	if err != nil {
		return false, fmt.Errorf("lookup schema %s: %w", ns, err)
	}
	return ok, nil
}

// MemoryNamespaces records namespaces in memory.
type MemoryNamespaces struct {
	mu  sync.Mutex
	set map[string]struct{}
}

func NewMemoryNamespaces() *MemoryNamespaces {
	return &MemoryNamespaces{set: make(map[string]struct{})}
}

func (n *MemoryNamespaces) Ensure(_ context.Context, ns string) error {
	if err := checkNamespace(ns); err != nil {
		return err
	}
	n.mu.Lock()
	n.set[ns] = struct{}{}
	n.mu.Unlock()
	return nil
}

func (n *MemoryNamespaces) Exists(_ context.Context, ns string) (bool, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	_, ok := n.set[ns]
	return ok, nil
}

// List returns the created namespaces in order.
func (n *MemoryNamespaces) List() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, 0, len(n.set))
	for ns := range n.set {
		out = append(out, ns)
	}
	sort.Strings(out)
	return out
}
