package migration

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"strings"
)

// Dialect captures the SQL differences between supported engines.
type Dialect int

const (
	SQLite Dialect = iota
	Postgres
)

// ParseDialect accepts "sqlite", "postgres" or "pgx".
func ParseDialect(s string) (Dialect, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "sqlite", "sqlite3":
		return SQLite, nil
	case "postgres", "postgresql", "pgx":
		return Postgres, nil
	}
	return SQLite, fmt.Errorf("unknown dialect %q", s)
}

func (d Dialect) String() string {
	if d == Postgres {
		return "postgres"
	}
	return "sqlite"
}

// DriverName is the database/sql driver registered for the dialect.
func (d Dialect) DriverName() string {
	if d == Postgres {
		return "pgx"
	}
	return "sqlite"
}

func (d Dialect) placeholders(n int) []string {
	out := make([]string, n)
	for i := range out {
		if d == Postgres {
			out[i] = fmt.Sprintf("$%d", i+1)
		} else {
			out[i] = "?"
		}
	}
	return out
}

var namespacePattern = regexp.MustCompile(`^[a-z0-9_][a-z0-9_-]{0,62}$`)

// ValidNamespace reports whether ns can be used as a schema name.
func ValidNamespace(ns string) bool {
	return namespacePattern.MatchString(ns)
}

// QuoteIdent quotes ns as a PostgreSQL identifier.
func QuoteIdent(ns string) string {
	return `"` + strings.ReplaceAll(ns, `"`, `""`) + `"`
}

// scope confines unqualified DDL in tx to namespace. SQLite has no schemas,
// so namespaces there only partition the migration ledger.
func (d Dialect) scope(ctx context.Context, tx *sql.Tx, namespace string) error {
	if namespace == "" || d != Postgres {
		return nil
	}
	if !ValidNamespace(namespace) {
		return fmt.Errorf("invalid namespace %q", namespace)
	}
	if _, err := tx.ExecContext(ctx, "SET LOCAL search_path TO "+QuoteIdent(namespace)); err != nil {
		return fmt.Errorf("set search_path %s: %w", namespace, err)
	}
	return nil
}

// unscope restores the session search_path in tx so the ledger table is
// reachable after scope.
func (d Dialect) unscope(ctx context.Context, tx *sql.Tx) error {
	if d != Postgres {
		return nil
	}
	if _, err := tx.ExecContext(ctx, "SET LOCAL search_path TO DEFAULT"); err != nil {
		return fmt.Errorf("reset search_path: %w", err)
	}
	return nil
}
