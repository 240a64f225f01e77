package metering

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/GoCodeAlone/tenancy/lock"
)

// MemoryStore keeps counters in process memory, serializing each key with
// an in-process lock.
type MemoryStore struct {
	locks       lock.Locker
	lockTimeout time.Duration
	now         func() time.Time

	mu       sync.RWMutex
	counters map[Key]*Counter
}

// NewMemoryStore creates a store that waits up to lockTimeout for a
// contended key. Zero means DefaultLockTimeout.
func NewMemoryStore(lockTimeout time.Duration) *MemoryStore {
	if lockTimeout <= 0 {
		lockTimeout = DefaultLockTimeout
	}
	return &MemoryStore{
		locks:       lock.NewInMemoryLock(),
		lockTimeout: lockTimeout,
		now:         time.Now,
		counters:    make(map[Key]*Counter),
	}
}

func (s *MemoryStore) Update(ctx context.Context, key Key, fn UpdateFunc) (Counter, error) {
	if err := key.validate(); err != nil {
		return Counter{}, err
	}
	key.PeriodStart = key.PeriodStart.UTC()

	waitCtx, cancel := context.WithTimeout(ctx, s.lockTimeout)
	release, err := s.locks.Acquire(waitCtx, key.String(), 0)
	cancel()
	if err != nil {
		return Counter{}, contended(ctx, key, err)
	}
	defer release()

	current := s.read(key)
	next, err := fn(ctx, current.Value)
	if err != nil {
		return current, err
	}
	if err := checkNext(key, next); err != nil {
		return current, err
	}

	current.Value = next
	current.UpdatedAt = s.now().UTC()
	s.mu.Lock()
	c := current
	s.counters[key] = &c
	s.mu.Unlock()
	return current, nil
}

func (s *MemoryStore) read(key Key) Counter {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if c, ok := s.counters[key]; ok {
		return *c
	}
	return Counter{Key: key, PeriodEnd: key.PeriodEnd()}
}

func (s *MemoryStore) Get(_ context.Context, key Key) (Counter, error) {
	if err := key.validate(); err != nil {
		return Counter{}, err
	}
	key.PeriodStart = key.PeriodStart.UTC()
	return s.read(key), nil
}

func (s *MemoryStore) List(_ context.Context, tenantID uuid.UUID) ([]Counter, error) {
	s.mu.RLock()
	var out []Counter
	for k, c := range s.counters {
		if k.TenantID == tenantID {
			out = append(out, *c)
		}
	}
	s.mu.RUnlock()
	sortCounters(out)
	return out, nil
}

func sortCounters(cs []Counter) {
	sort.Slice(cs, func(i, j int) bool {
		if !cs[i].PeriodStart.Equal(cs[j].PeriodStart) {
			return cs[i].PeriodStart.After(cs[j].PeriodStart)
		}
		if cs[i].Metric != cs[j].Metric {
			return cs[i].Metric < cs[j].Metric
		}
		return cs[i].Granularity < cs[j].Granularity
	})
}

var _ Store = (*MemoryStore)(nil)
