package entitlement

import (
	"context"
	"encoding/json"
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

const planColumns = `code, name, description, quotas, feature_flags, is_active,
	currency, unit_price_cents, included_units, created_at, updated_at`

func scanPlan(row pgx.Row) (*Plan, error) {
	var (
		p                   Plan
		quotas, featureFlag []byte
	)
	err := row.Scan(&p.Code, &p.Name, &p.Description, &quotas, &featureFlag, &p.IsActive,
		&p.Currency, &p.UnitPriceCents, &p.IncludedUnits, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if err := decodeJSON(quotas, &p.Quotas); err != nil {
		return nil, fmt.Errorf("decode quotas for %s: %w", p.Code, err)
	}
	if err := decodeJSON(featureFlag, &p.FeatureFlags); err != nil {
		return nil, fmt.Errorf("decode feature flags for %s: %w", p.Code, err)
	}
	return &p, nil
}

const tenantPlanColumns = `tenant_id, plan_code, status, quota_overrides, feature_overrides,
	starts_at, ends_at, created_at, updated_at`

func scanTenantPlan(row pgx.Row) (*TenantPlan, error) {
	var (
		tp                 TenantPlan
		status             string
		quotas, featureOvr []byte
	)
	err := row.Scan(&tp.TenantID, &tp.PlanCode, &status, &quotas, &featureOvr,
		&tp.StartsAt, &tp.EndsAt, &tp.CreatedAt, &tp.UpdatedAt)
	if err != nil {
		return nil, err
	}
	tp.Status = PlanStatus(status)
	if err := decodeJSON(quotas, &tp.QuotaOverrides); err != nil {
		return nil, fmt.Errorf("decode quota overrides: %w", err)
	}
	if err := decodeJSON(featureOvr, &tp.FeatureOverrides); err != nil {
		return nil, fmt.Errorf("decode feature overrides: %w", err)
	}
	return &tp, nil
}

func decodeJSON(data []byte, v any) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, v)
}

func encodeJSON(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	if string(data) == "null" {
		return []byte("{}"), nil
	}
	return data, nil
}

func (s *PGStore) GetPlan(ctx context.Context, code string) (*Plan, error) {
	p, err := scanPlan(s.pool.QueryRow(ctx, `SELECT `+planColumns+` FROM plans WHERE code = $1`, code))
	if err != nil {
		return nil, fmt.Errorf("get plan %q: %w", code, store.Classify(err))
	}
	return p, nil
}

func (s *PGStore) ListPlans(ctx context.Context, activeOnly bool) ([]*Plan, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+planColumns+` FROM plans WHERE is_active OR NOT $1 ORDER BY code`, activeOnly)
	if err != nil {
		return nil, fmt.Errorf("list plans: %w", err)
	}
	defer rows.Close()

	var out []*Plan
	for rows.Next() {
		p, err := scanPlan(rows)
		if err != nil {
			return nil, fmt.Errorf("scan plan: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *PGStore) UpsertPlan(ctx context.Context, p *Plan) (bool, error) {
	quotas, err := encodeJSON(p.Quotas)
	if err != nil {
		return false, fmt.Errorf("encode quotas: %w", err)
	}
	flags, err := encodeJSON(p.FeatureFlags)
	if err != nil {
		return false, fmt.Errorf("encode feature flags: %w", err)
	}

	var created bool
	err = s.pool.QueryRow(ctx, `
		INSERT INTO plans (code, name, description, quotas, feature_flags, is_active,
			currency, unit_price_cents, included_units)
		VALUES ($1, $2, $3, $4::jsonb, $5::jsonb, $6, $7, $8, $9)
		ON CONFLICT (code) DO UPDATE SET
			name = EXCLUDED.name,
			description = EXCLUDED.description,
			quotas = EXCLUDED.quotas,
			feature_flags = EXCLUDED.feature_flags,
			is_active = EXCLUDED.is_active,
			currency = EXCLUDED.currency,
			unit_price_cents = EXCLUDED.unit_price_cents,
			included_units = EXCLUDED.included_units,
			updated_at = now()
		RETURNING created_at, updated_at, (xmax = 0)`,
		p.Code, p.Name, p.Description, string(quotas), string(flags), p.IsActive,
		p.Currency, p.UnitPriceCents, p.IncludedUnits,
	).Scan(&p.CreatedAt, &p.UpdatedAt, &created)
	if err != nil {
		return false, fmt.Errorf("upsert plan %q: %w", p.Code, store.Classify(err))
	}
	return created, nil
}

func (s *PGStore) DeactivatePlansExcept(ctx context.Context, keep []string) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE plans SET is_active = FALSE, updated_at = now() WHERE is_active AND NOT (code = ANY($1))`,
		keep)
	if err != nil {
		return 0, fmt.Errorf("deactivate plans: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *PGStore) GetTenantPlan(ctx context.Context, tenantID uuid.UUID) (*TenantPlan, error) {
	tp, err := scanTenantPlan(s.pool.QueryRow(ctx,
		`SELECT `+tenantPlanColumns+` FROM tenant_plans WHERE tenant_id = $1`, tenantID))
	if err != nil {
		return nil, fmt.Errorf("get tenant plan %s: %w", tenantID, store.Classify(err))
	}
	return tp, nil
}

func tenantPlanArgs(tp *TenantPlan) ([]any, error) {
	quotas, err := encodeJSON(tp.QuotaOverrides)
	if err != nil {
		return nil, fmt.Errorf("encode quota overrides: %w", err)
	}
	flags, err := encodeJSON(tp.FeatureOverrides)
	if err != nil {
		return nil, fmt.Errorf("encode feature overrides: %w", err)
	}
	return []any{tp.TenantID, tp.PlanCode, string(tp.Status), string(quotas), string(flags), tp.StartsAt, tp.EndsAt}, nil
}

func (s *PGStore) PutTenantPlan(ctx context.Context, tp *TenantPlan) error {
	args, err := tenantPlanArgs(tp)
	if err != nil {
		return err
	}
	err = s.pool.QueryRow(ctx, `
		INSERT INTO tenant_plans (tenant_id, plan_code, status, quota_overrides, feature_overrides, starts_at, ends_at)
		VALUES ($1, $2, $3, $4::jsonb, $5::jsonb, $6, $7)
		ON CONFLICT (tenant_id) DO UPDATE SET
			plan_code = EXCLUDED.plan_code,
			status = EXCLUDED.status,
			quota_overrides = EXCLUDED.quota_overrides,
			feature_overrides = EXCLUDED.feature_overrides,
			starts_at = EXCLUDED.starts_at,
			ends_at = EXCLUDED.ends_at,
			updated_at = now()
		RETURNING created_at, updated_at`, args...,
	).Scan(&tp.CreatedAt, &tp.UpdatedAt)
	if err != nil {
		return fmt.Errorf("put tenant plan %s: %w", tp.TenantID, store.Classify(err))
	}
	return nil
}

func (s *PGStore) InsertTenantPlan(ctx context.Context, tp *TenantPlan) (*TenantPlan, bool, error) {
	args, err := tenantPlanArgs(tp)
	if err != nil {
		return nil, false, err
	}
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO tenant_plans (tenant_id, plan_code, status, quota_overrides, feature_overrides, starts_at, ends_at)
		VALUES ($1, $2, $3, $4::jsonb, $5::jsonb, $6, $7)
		ON CONFLICT (tenant_id) DO NOTHING`, args...)
	if err != nil {
		return nil, false, fmt.Errorf("insert tenant plan %s: %w", tp.TenantID, store.Classify(err))
	}
	stored, err := s.GetTenantPlan(ctx, tp.TenantID)
	if err != nil {
		return nil, false, err
	}
	return stored, tag.RowsAffected() == 1, nil
}

var _ Store = (*PGStore)(nil)
