package lock

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PGAdvisoryLock implements Locker with session-level PostgreSQL advisory
// locks. Each held lock pins one pooled connection until it is released, so
// the unlock always runs on the session that took the lock. ttl is ignored:
// the lock lives until release or until the session ends.
type PGAdvisoryLock struct {
	pool *pgxpool.Pool
}

// NewPGAdvisoryLock creates an advisory lock backed by pool.
func NewPGAdvisoryLock(pool *pgxpool.Pool) *PGAdvisoryLock {
	return &PGAdvisoryLock{pool: pool}
}

// Acquire blocks in pg_advisory_lock until the lock is granted or ctx is done.
func (l *PGAdvisoryLock) Acquire(ctx context.Context, key string, _ time.Duration) (func(), error) {
	id := HashKey(key)

	conn, err := l.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire lock connection for %s: %w", key, err)
	}

	if _, err := conn.Exec(ctx, "SELECT pg_advisory_lock($1)", id); err != nil {
		conn.Release()
		if ctx.Err() != nil {
			return nil, fmt.Errorf("acquire lock for %s: %w", key, ctx.Err())
		}
		return nil, fmt.Errorf("acquire lock for %s: %w", key, err)
	}

	return unlocker(conn, id), nil
}

// TryAcquire calls pg_try_advisory_lock and reports whether it was granted.
func (l *PGAdvisoryLock) TryAcquire(ctx context.Context, key string, _ time.Duration) (func(), bool, error) {
	id := HashKey(key)

	conn, err := l.pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("try acquire lock connection for %s: %w", key, err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, "SELECT pg_try_advisory_lock($1)", id).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try acquire lock for %s: %w", key, err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}
	return unlocker(conn, id), true, nil
}

func unlocker(conn *pgxpool.Conn, id int64) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			_, _ = conn.Exec(context.Background(), "SELECT pg_advisory_unlock($1)", id)
			conn.Release()
		})
	}
}

// HashKey maps a lock key onto the int64 space used by advisory locks.
func HashKey(key string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(key))
	return int64(h.Sum64() & 0x7FFFFFFFFFFFFFFF) //nolint:gosec // masked to non-negative range
}

var _ Locker = (*PGAdvisoryLock)(nil)
