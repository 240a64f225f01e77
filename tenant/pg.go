package tenant

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/GoCodeAlone/tenancy/store"
)

// PGStore implements Store against the control schema.
type PGStore struct {
	pool *pgxpool.Pool
}

func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

const tenantColumns = `id, name, slug, namespace, status, version, external_id, source, created_at, updated_at`

func scanTenant(row pgx.Row) (*Tenant, error) {
	var t Tenant
	var status string
	err := row.Scan(&t.ID, &t.Name, &t.Slug, &t.Namespace, &status, &t.Version,
		&t.ExternalID, &t.Source, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	t.Status = Status(status)
	return &t, nil
}

const domainColumns = `id, tenant_id, hostname, is_primary, created_at`

func scanDomain(row pgx.Row) (*Domain, error) {
	var d Domain
	if err := row.Scan(&d.ID, &d.TenantID, &d.Hostname, &d.IsPrimary, &d.CreatedAt); err != nil {
		return nil, err
	}
	return &d, nil
}

func (s *PGStore) Create(ctx context.Context, t *Tenant, d *Domain) error {
	return store.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		if t.Version == 0 {
			t.Version = 1
		}
		err := tx.QueryRow(ctx, `
			INSERT INTO tenants (id, name, slug, namespace, status, version, external_id, source)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			RETURNING created_at, updated_at`,
			t.ID, t.Name, t.Slug, t.Namespace, string(t.Status), t.Version, t.ExternalID, t.Source,
		).Scan(&t.CreatedAt, &t.UpdatedAt)
		if err != nil {
			if store.IsUniqueViolation(err) {
				return fmt.Errorf("tenant %q: %w", t.Slug, store.ErrConflict)
			}
			return fmt.Errorf("insert tenant: %w", err)
		}

		if d == nil {
			return nil
		}
		d.TenantID = t.ID
		got, _, err := ensureDomain(ctx, tx, d)
		if err != nil {
			return err
		}
		*d = *got
		return nil
	})
}

func (s *PGStore) Get(ctx context.Context, id uuid.UUID) (*Tenant, error) {
	t, err := scanTenant(s.pool.QueryRow(ctx, `SELECT `+tenantColumns+` FROM tenants WHERE id = $1`, id))
	if err != nil {
		return nil, fmt.Errorf("get tenant %s: %w", id, store.Classify(err))
	}
	return t, nil
}

func (s *PGStore) GetBySlug(ctx context.Context, slug string) (*Tenant, error) {
	t, err := scanTenant(s.pool.QueryRow(ctx, `SELECT `+tenantColumns+` FROM tenants WHERE slug = $1`, slug))
	if err != nil {
		return nil, fmt.Errorf("get tenant %q: %w", slug, store.Classify(err))
	}
	return t, nil
}

func (s *PGStore) GetByNamespace(ctx context.Context, ns string) (*Tenant, error) {
	t, err := scanTenant(s.pool.QueryRow(ctx, `SELECT `+tenantColumns+` FROM tenants WHERE namespace = $1`, ns))
	if err != nil {
		return nil, fmt.Errorf("get tenant namespace %q: %w", ns, store.Classify(err))
	}
	return t, nil
}

func (s *PGStore) List(ctx context.Context, f Filter) ([]*Tenant, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+tenantColumns+` FROM tenants
		WHERE ($1 = '' OR status = $1) AND ($2 = '' OR source = $2)
		ORDER BY created_at, slug
		LIMIT $3 OFFSET $4`,
		string(f.Status), f.Source, limit, f.Offset)
	if err != nil {
		return nil, fmt.Errorf("list tenants: %w", err)
	}
	defer rows.Close()

	var out []*Tenant
	for rows.Next() {
		t, err := scanTenant(rows)
		if err != nil {
			return nil, fmt.Errorf("scan tenant: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *PGStore) UpdateStatus(ctx context.Context, id uuid.UUID, from, to Status, version int64) (*Tenant, error) {
	t, err := scanTenant(s.pool.QueryRow(ctx, `
		UPDATE tenants SET status = $4, version = version + 1, updated_at = now()
		WHERE id = $1 AND status = $2 AND version = $3
		RETURNING `+tenantColumns,
		id, string(from), version, string(to)))
	if err == nil {
		return t, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("update tenant status: %w", err)
	}

	// Distinguish a missing tenant from a lost race.
	current, getErr := s.Get(ctx, id)
	if getErr != nil {
		return nil, getErr
	}
	return nil, fmt.Errorf("tenant %s is %s at version %d, expected %s at %d: %w",
		id, current.Status, current.Version, from, version, store.ErrConflict)
}

func (s *PGStore) EnsureDomain(ctx context.Context, d *Domain) (*Domain, bool, error) {
	var (
		got     *Domain
		created bool
	)
	err := store.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		var err error
		got, created, err = ensureDomain(ctx, tx, d)
		return err
	})
	if err != nil {
		return nil, false, err
	}
	return got, created, nil
}

func ensureDomain(ctx context.Context, tx pgx.Tx, d *Domain) (*Domain, bool, error) {
	inserted, err := scanDomain(tx.QueryRow(ctx, `
		INSERT INTO domains (id, tenant_id, hostname, is_primary)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (hostname) DO NOTHING
		RETURNING `+domainColumns,
		d.ID, d.TenantID, d.Hostname, d.IsPrimary))
	if err == nil {
		if inserted.IsPrimary {
			if _, err := tx.Exec(ctx,
				`UPDATE domains SET is_primary = FALSE WHERE tenant_id = $1 AND id <> $2`,
				inserted.TenantID, inserted.ID); err != nil {
				return nil, false, fmt.Errorf("demote primary domains: %w", err)
			}
		}
		return inserted, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		if store.IsUniqueViolation(err) {
			return nil, false, fmt.Errorf("domain %q: %w", d.Hostname, store.ErrConflict)
		}
		return nil, false, fmt.Errorf("insert domain: %w", store.Classify(err))
	}

	existing, err := scanDomain(tx.QueryRow(ctx,
		`SELECT `+domainColumns+` FROM domains WHERE hostname = $1`, d.Hostname))
	if err != nil {
		return nil, false, fmt.Errorf("get domain %q: %w", d.Hostname, store.Classify(err))
	}
	if existing.TenantID != d.TenantID {
		return nil, false, fmt.Errorf("domain %q: %w", d.Hostname, store.ErrConflict)
	}
	return existing, false, nil
}

func (s *PGStore) GetDomain(ctx context.Context, hostname string) (*Domain, error) {
	d, err := scanDomain(s.pool.QueryRow(ctx,
		`SELECT `+domainColumns+` FROM domains WHERE hostname = $1`, hostname))
	if err != nil {
		return nil, fmt.Errorf("get domain %q: %w", hostname, store.Classify(err))
	}
	return d, nil
}

func (s *PGStore) ListDomains(ctx context.Context, tenantID uuid.UUID) ([]*Domain, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+domainColumns+` FROM domains WHERE tenant_id = $1 ORDER BY is_primary DESC, hostname`,
		tenantID)
	if err != nil {
		return nil, fmt.Errorf("list domains: %w", err)
	}
	defer rows.Close()

	var out []*Domain
	for rows.Next() {
		d, err := scanDomain(rows)
		if err != nil {
			return nil, fmt.Errorf("scan domain: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

var _ Store = (*PGStore)(nil)
