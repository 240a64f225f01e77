package metering

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/GoCodeAlone/tenancy/store"
)

type txKey struct{}

// TxFromContext returns the PostgreSQL transaction holding the counter lock
// inside an UpdateFunc run by PGStore. Work done on it commits or rolls back
// together with the counter.
func TxFromContext(ctx context.Context) (pgx.Tx, bool) {
	tx, ok := ctx.Value(txKey{}).(pgx.Tx)
	return tx, ok
}

// PGStore keeps counters in the control schema's usage_counters table and
// serializes updates with SELECT ... FOR UPDATE.
type PGStore struct {
	pool        *pgxpool.Pool
	lockTimeout time.Duration
}

// NewPGStore creates a store whose row-lock waits are bounded by
// lockTimeout. Zero means DefaultLockTimeout.
func NewPGStore(pool *pgxpool.Pool, lockTimeout time.Duration) *PGStore {
	if lockTimeout <= 0 {
		lockTimeout = DefaultLockTimeout
	}
	return &PGStore{pool: pool, lockTimeout: lockTimeout}
}

func (s *PGStore) Update(ctx context.Context, key Key, fn UpdateFunc) (Counter, error) {
	if err := key.validate(); err != nil {
		return Counter{}, err
	}
	key.PeriodStart = key.PeriodStart.UTC()
	current := Counter{Key: key, PeriodEnd: key.PeriodEnd()}

	err := store.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", s.lockTimeout.Milliseconds())); err != nil {
			return fmt.Errorf("set lock_timeout: %w", err)
		}

		if _, err := tx.Exec(ctx, `
			INSERT INTO usage_counters (id, tenant_id, metric, granularity, period_start, period_end, value)
			VALUES ($1, $2, $3, $4, $5, $6, 0)
			ON CONFLICT (tenant_id, metric, granularity, period_start) DO NOTHING`,
			uuid.New(), key.TenantID, key.Metric, string(key.Granularity), key.PeriodStart, current.PeriodEnd,
		); err != nil {
			return s.classify(ctx, key, "create", err)
		}

		var id uuid.UUID
		err := tx.QueryRow(ctx, `
			SELECT id, value, updated_at FROM usage_counters
			WHERE tenant_id = $1 AND metric = $2 AND granularity = $3 AND period_start = $4
			FOR UPDATE`,
			key.TenantID, key.Metric, string(key.Granularity), key.PeriodStart,
		).Scan(&id, &current.Value, &current.UpdatedAt)
		if err != nil {
			return s.classify(ctx, key, "lock", err)
		}

		next, err := fn(context.WithValue(ctx, txKey{}, tx), current.Value)
		if err != nil {
			return err
		}
		if err := checkNext(key, next); err != nil {
			return err
		}

		var updated time.Time
		if err := tx.QueryRow(ctx,
			`UPDATE usage_counters SET value = $2, updated_at = now() WHERE id = $1 RETURNING updated_at`,
			id, next,
		).Scan(&updated); err != nil {
			return s.classify(ctx, key, "update", err)
		}
		current.Value = next
		current.UpdatedAt = updated
		return nil
	})
	if err != nil {
		return current, err
	}
	return current, nil
}

func (s *PGStore) classify(ctx context.Context, key Key, op string, err error) error {
	if store.IsLockTimeout(err) {
		return contended(ctx, key, err)
	}
	return fmt.Errorf("%s usage %s: %w", op, key, store.Classify(err))
}

func (s *PGStore) Get(ctx context.Context, key Key) (Counter, error) {
	if err := key.validate(); err != nil {
		return Counter{}, err
	}
	key.PeriodStart = key.PeriodStart.UTC()
	c := Counter{Key: key, PeriodEnd: key.PeriodEnd()}

	err := s.pool.QueryRow(ctx, `
		SELECT value, updated_at FROM usage_counters
		WHERE tenant_id = $1 AND metric = $2 AND granularity = $3 AND period_start = $4`,
		key.TenantID, key.Metric, string(key.Granularity), key.PeriodStart,
	).Scan(&c.Value, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return c, nil
	}
	if err != nil {
		return Counter{}, fmt.Errorf("get usage %s: %w", key, err)
	}
	return c, nil
}

func (s *PGStore) List(ctx context.Context, tenantID uuid.UUID) ([]Counter, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT tenant_id, metric, granularity, period_start, period_end, value, updated_at
		FROM usage_counters WHERE tenant_id = $1
		ORDER BY period_start DESC, metric, granularity`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list usage: %w", err)
	}
	defer rows.Close()

	var out []Counter
	for rows.Next() {
		var (
			c Counter
			g string
		)
		if err := rows.Scan(&c.TenantID, &c.Metric, &g, &c.PeriodStart, &c.PeriodEnd, &c.Value, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan usage: %w", err)
		}
		c.Granularity = Granularity(g)
		c.PeriodStart = c.PeriodStart.UTC()
		out = append(out, c)
	}
	return out, rows.Err()
}

var _ Store = (*PGStore)(nil)
