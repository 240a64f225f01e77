package metering

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/GoCodeAlone/tenancy/lock"
	"github.com/GoCodeAlone/tenancy/store"
)

// writeScript applies a counter write only while KEYS[1] still holds the
// caller's lock token.
var writeScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) ~= ARGV[1] then
	return 0
end
redis.call("HSET", KEYS[2], "metric", ARGV[2], "granularity", ARGV[3], "period_start", ARGV[4], "value", ARGV[5], "updated_at", ARGV[6])
redis.call("SADD", KEYS[3], KEYS[2])
if tonumber(ARGV[7]) > 0 then
	redis.call("EXPIREAT", KEYS[2], ARGV[7])
end
return 1
`)

// RedisStore keeps each counter in a Redis hash and serializes updates with
// a RedisLock keyed by the counter. Windowed counters expire a grace period
// after their window closes.
type RedisStore struct {
	client      redis.UniversalClient
	locks       *lock.RedisLock
	prefix      string
	lockTimeout time.Duration
	retention   time.Duration
	now         func() time.Time
}

// RedisStoreOption configures a RedisStore.
type RedisStoreOption func(*RedisStore)

// WithRedisPrefix sets the key prefix. The default is "tenancy:usage:".
func WithRedisPrefix(prefix string) RedisStoreOption {
	return func(s *RedisStore) { s.prefix = prefix }
}

// WithRetention keeps closed day and month windows for d after they end.
// Zero disables expiry.
func WithRetention(d time.Duration) RedisStoreOption {
	return func(s *RedisStore) { s.retention = d }
}

// NewRedisStore creates a Redis-backed store. Zero lockTimeout means
// DefaultLockTimeout.
func NewRedisStore(client redis.UniversalClient, lockTimeout time.Duration, opts ...RedisStoreOption) *RedisStore {
	if lockTimeout <= 0 {
		lockTimeout = DefaultLockTimeout
	}
	s := &RedisStore{
		client:      client,
		prefix:      "tenancy:usage:",
		lockTimeout: lockTimeout,
		retention:   90 * 24 * time.Hour,
		now:         time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	s.locks = lock.NewRedisLock(client, lock.WithKeyPrefix(s.prefix+"lock:"), lock.WithRetryInterval(2*time.Millisecond))
	return s
}

func (s *RedisStore) hashKey(k Key) string { return s.prefix + k.String() }

func (s *RedisStore) indexKey(tenantID uuid.UUID) string {
	return s.prefix + "index:" + tenantID.String()
}

func (s *RedisStore) Update(ctx context.Context, key Key, fn UpdateFunc) (Counter, error) {
	if err := key.validate(); err != nil {
		return Counter{}, err
	}
	key.PeriodStart = key.PeriodStart.UTC()

	waitCtx, cancel := context.WithTimeout(ctx, s.lockTimeout)
	lease, err := s.locks.AcquireLease(waitCtx, key.String(), s.lockTimeout+DefaultLockTimeout)
	cancel()
	if err != nil {
		return Counter{}, contended(ctx, key, err)
	}
	defer lease.Release()

	current, err := s.Get(ctx, key)
	if err != nil {
		return Counter{}, err
	}
	next, err := fn(ctx, current.Value)
	if err != nil {
		return current, err
	}
	if err := checkNext(key, next); err != nil {
		return current, err
	}

	now := s.now().UTC()
	hk := s.hashKey(key)
	var expireAt int64
	if end := key.PeriodEnd(); end != nil && s.retention > 0 {
		expireAt = end.Add(s.retention).Unix()
	}
	applied, err := writeScript.Run(ctx, s.client,
		[]string{lease.Key, hk, s.indexKey(key.TenantID)},
		lease.Token, key.Metric, string(key.Granularity), key.PeriodStart.Unix(), next, now.UnixNano(), expireAt,
	).Int()
	if err != nil {
		return current, fmt.Errorf("write usage %s: %w", key, err)
	}
	if applied == 0 {
		return current, fmt.Errorf("write usage %s: lock lease expired: %w", key, store.ErrContended)
	}
	current.Value = next
	current.UpdatedAt = now
	return current, nil
}

func (s *RedisStore) Get(ctx context.Context, key Key) (Counter, error) {
	if err := key.validate(); err != nil {
		return Counter{}, err
	}
	key.PeriodStart = key.PeriodStart.UTC()
	c := Counter{Key: key, PeriodEnd: key.PeriodEnd()}

	vals, err := s.client.HMGet(ctx, s.hashKey(key), "value", "updated_at").Result()
	if err != nil {
		return Counter{}, fmt.Errorf("get usage %s: %w", key, err)
	}
	if c.Value, err = parseInt(vals[0]); err != nil {
		return Counter{}, fmt.Errorf("get usage %s: %w", key, err)
	}
	if ns, _ := parseInt(vals[1]); ns > 0 {
		c.UpdatedAt = time.Unix(0, ns).UTC()
	}
	return c, nil
}

func (s *RedisStore) List(ctx context.Context, tenantID uuid.UUID) ([]Counter, error) {
	members, err := s.client.SMembers(ctx, s.indexKey(tenantID)).Result()
	if err != nil {
		return nil, fmt.Errorf("list usage: %w", err)
	}

	var (
		out   []Counter
		stale []any
	)
	for _, hk := range members {
		fields, err := s.client.HGetAll(ctx, hk).Result()
		if err != nil {
			return nil, fmt.Errorf("list usage: %w", err)
		}
		if len(fields) == 0 {
			stale = append(stale, hk)
			continue
		}
		start, _ := strconv.ParseInt(fields["period_start"], 10, 64)
		value, _ := strconv.ParseInt(fields["value"], 10, 64)
		updated, _ := strconv.ParseInt(fields["updated_at"], 10, 64)
		k := Key{
			TenantID:    tenantID,
			Metric:      fields["metric"],
			Granularity: Granularity(fields["granularity"]),
			PeriodStart: time.Unix(start, 0).UTC(),
		}
		out = append(out, Counter{Key: k, Value: value, PeriodEnd: k.PeriodEnd(), UpdatedAt: time.Unix(0, updated).UTC()})
	}
	if len(stale) > 0 {
		s.client.SRem(ctx, s.indexKey(tenantID), stale...)
	}
	sortCounters(out)
	return out, nil
}

func parseInt(v any) (int64, error) {
	switch x := v.(type) {
	case nil:
		return 0, nil
	case string:
		return strconv.ParseInt(x, 10, 64)
	default:
		return 0, fmt.Errorf("unexpected redis value %T", v)
	}
}

var _ Store = (*RedisStore)(nil)
