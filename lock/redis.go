package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// DefaultRedisTTL bounds how long a Redis lock survives a crashed holder when
// the caller passes no ttl.
const DefaultRedisTTL = 30 * time.Second

var unlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLock implements Locker with SET NX PX and a token-checked delete.
type RedisLock struct {
	client redis.UniversalClient
	prefix string
	retry  time.Duration
}

// RedisOption configures a RedisLock.
type RedisOption func(*RedisLock)

// WithKeyPrefix namespaces lock keys. The default is "tenancy:lock:".
func WithKeyPrefix(prefix string) RedisOption {
	return func(l *RedisLock) { l.prefix = prefix }
}

// WithRetryInterval sets how often a blocked Acquire polls Redis.
func WithRetryInterval(d time.Duration) RedisOption {
	return func(l *RedisLock) {
		if d > 0 {
			l.retry = d
		}
	}
}

// NewRedisLock creates a lock that stores its keys in client.
func NewRedisLock(client redis.UniversalClient, opts ...RedisOption) *RedisLock {
	l := &RedisLock{
		client: client,
		prefix: "tenancy:lock:",
		retry:  5 * time.Millisecond,
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Lease is a held Redis lock. A write that must only land while the lock is
// still held checks that the value at Key equals Token in the same script.
type Lease struct {
	Key   string
	Token string
	once  sync.Once
	unset func()
}

// Release deletes the lock if it still carries this lease's token.
func (l *Lease) Release() { l.once.Do(l.unset) }

// Acquire polls SET NX until the key is taken or ctx is done.
func (l *RedisLock) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	lease, err := l.AcquireLease(ctx, key, ttl)
	if err != nil {
		return nil, err
	}
	return lease.Release, nil
}

// AcquireLease is Acquire returning the lease itself.
func (l *RedisLock) AcquireLease(ctx context.Context, key string, ttl time.Duration) (*Lease, error) {
	ticker := time.NewTicker(l.retry)
	defer ticker.Stop()

	for {
		lease, err := l.tryLease(ctx, key, ttl)
		if err != nil {
			return nil, err
		}
		if lease != nil {
			return lease, nil
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			return nil, fmt.Errorf("acquire lock for %s: %w", key, ctx.Err())
		}
	}
}

// TryAcquire issues a single SET NX.
func (l *RedisLock) TryAcquire(ctx context.Context, key string, ttl time.Duration) (func(), bool, error) {
	lease, err := l.tryLease(ctx, key, ttl)
	if err != nil || lease == nil {
		return nil, false, err
	}
	return lease.Release, true, nil
}

func (l *RedisLock) tryLease(ctx context.Context, key string, ttl time.Duration) (*Lease, error) {
	if ttl <= 0 {
		ttl = DefaultRedisTTL
	}
	k := l.prefix + key
	token := uuid.NewString()

	ok, err := l.client.SetNX(ctx, k, token, ttl).Result()
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("acquire lock for %s: %w", key, err)
		}
		return nil, fmt.Errorf("redis setnx %s: %w", k, err)
	}
	if !ok {
		return nil, nil
	}
	return &Lease{
		Key:   k,
		Token: token,
		unset: func() {
			_ = unlockScript.Run(context.Background(), l.client, []string{k}, token).Err()
		},
	}, nil
}

var _ Locker = (*RedisLock)(nil)
