package metering

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/GoCodeAlone/tenancy/store"
)

type storeFactory func(t *testing.T, lockTimeout time.Duration) Store

func backends() map[string]storeFactory {
	return map[string]storeFactory{
		"memory": func(t *testing.T, d time.Duration) Store { return NewMemoryStore(d) },
		"redis": func(t *testing.T, d time.Duration) Store {
			mr := miniredis.RunT(t)
			client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
			t.Cleanup(func() { _ = client.Close() })
			return NewRedisStore(client, d)
		},
	}
}

func add(n int64) UpdateFunc {
	return func(_ context.Context, cur int64) (int64, error) { return cur + n, nil }
}

func TestStoreUpdateAndGet(t *testing.T) {
	for name, newStore := range backends() {
		t.Run(name, func(t *testing.T) {
			s := newStore(t, time.Second)
			ctx := context.Background()
			key := KeyAt(uuid.New(), "units", Lifetime, time.Now())

			c, err := s.Get(ctx, key)
			if err != nil {
				t.Fatalf("Get: %v", err)
			}
			if c.Value != 0 {
				t.Fatalf("fresh counter = %d, want 0", c.Value)
			}

			for range 3 {
				if _, err := s.Update(ctx, key, add(2)); err != nil {
					t.Fatalf("Update: %v", err)
				}
			}
			c, err = s.Get(ctx, key)
			if err != nil {
				t.Fatalf("Get: %v", err)
			}
			if c.Value != 6 {
				t.Errorf("value = %d, want 6", c.Value)
			}
		})
	}
}

func TestStoreUpdateFuncErrorLeavesValue(t *testing.T) {
	boom := errors.New("boom")
	for name, newStore := range backends() {
		t.Run(name, func(t *testing.T) {
			s := newStore(t, time.Second)
			ctx := context.Background()
			key := KeyAt(uuid.New(), "units", Lifetime, time.Now())
			if _, err := s.Update(ctx, key, add(1)); err != nil {
				t.Fatal(err)
			}

			c, err := s.Update(ctx, key, func(context.Context, int64) (int64, error) { return 99, boom })
			if !errors.Is(err, boom) {
				t.Fatalf("err = %v, want boom", err)
			}
			if c.Value != 1 {
				t.Errorf("returned value = %d, want 1", c.Value)
			}
			if got, _ := s.Get(ctx, key); got.Value != 1 {
				t.Errorf("stored value = %d, want 1", got.Value)
			}
		})
	}
}

func TestStoreRejectsNegative(t *testing.T) {
	for name, newStore := range backends() {
		t.Run(name, func(t *testing.T) {
			s := newStore(t, time.Second)
			key := KeyAt(uuid.New(), "units", Lifetime, time.Now())
			_, err := s.Update(context.Background(), key, add(-1))
			if !errors.Is(err, ErrNegative) {
				t.Fatalf("err = %v, want ErrNegative", err)
			}
		})
	}
}

func TestStoreDayRolloverCreatesTwoRows(t *testing.T) {
	for name, newStore := range backends() {
		t.Run(name, func(t *testing.T) {
			s := newStore(t, time.Second)
			ctx := context.Background()
			id := uuid.New()

			midnight := time.Now().UTC().Truncate(24 * time.Hour)
			late := KeyAt(id, "api_requests", Day, midnight.Add(-time.Second))
			early := KeyAt(id, "api_requests", Day, midnight.Add(time.Second))
			if _, err := s.Update(ctx, late, add(1)); err != nil {
				t.Fatal(err)
			}
			if _, err := s.Update(ctx, early, add(1)); err != nil {
				t.Fatal(err)
			}

			rows, err := s.List(ctx, id)
			if err != nil {
				t.Fatalf("List: %v", err)
			}
			if len(rows) != 2 {
				t.Fatalf("rows = %d, want 2", len(rows))
			}
			if !rows[0].PeriodStart.Equal(early.PeriodStart) {
				t.Errorf("newest window first: got %v", rows[0].PeriodStart)
			}
			for _, r := range rows {
				if r.Value != 1 {
					t.Errorf("%s value = %d, want 1", r.Key, r.Value)
				}
			}
		})
	}
}

func TestStoreConcurrentUpdatesSerialize(t *testing.T) {
	for name, newStore := range backends() {
		t.Run(name, func(t *testing.T) {
			s := newStore(t, 10*time.Second)
			ctx := context.Background()
			key := KeyAt(uuid.New(), "units", Lifetime, time.Now())

			const workers = 20
			var wg sync.WaitGroup
			errs := make(chan error, workers)
			for range workers {
				wg.Add(1)
				go func() {
					defer wg.Done()
					_, err := s.Update(ctx, key, add(1))
					errs <- err
				}()
			}
			wg.Wait()
			close(errs)
			for err := range errs {
				if err != nil {
					t.Fatalf("Update: %v", err)
				}
			}

			c, _ := s.Get(ctx, key)
			if c.Value != workers {
				t.Errorf("value = %d, want %d", c.Value, workers)
			}
		})
	}
}

func TestStoreContendedTimesOut(t *testing.T) {
	for name, newStore := range backends() {
		t.Run(name, func(t *testing.T) {
			s := newStore(t, 50*time.Millisecond)
			ctx := context.Background()
			key := KeyAt(uuid.New(), "units", Lifetime, time.Now())

			held := make(chan struct{})
			done := make(chan struct{})
			go func() {
				_, _ = s.Update(ctx, key, func(_ context.Context, cur int64) (int64, error) {
					close(held)
					<-done
					return cur, nil
				})
			}()
			<-held
			defer close(done)

			_, err := s.Update(ctx, key, add(1))
			if !errors.Is(err, store.ErrContended) {
				t.Fatalf("err = %v, want ErrContended", err)
			}
		})
	}
}

func TestStoreCanceledContextIsNotContention(t *testing.T) {
	s := NewMemoryStore(time.Second)
	key := KeyAt(uuid.New(), "units", Lifetime, time.Now())

	held := make(chan struct{})
	done := make(chan struct{})
	go func() {
		_, _ = s.Update(context.Background(), key, func(_ context.Context, cur int64) (int64, error) {
			close(held)
			<-done
			return cur, nil
		})
	}()
	<-held
	defer close(done)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := s.Update(ctx, key, add(1))
	if errors.Is(err, store.ErrContended) {
		t.Fatal("caller cancellation should not report contention")
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}
}

func TestRedisStoreExpiresClosedWindows(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	s := NewRedisStore(client, time.Second, WithRetention(time.Hour))
	ctx := context.Background()

	day := KeyAt(uuid.New(), "api_requests", Day, time.Now())
	life := KeyAt(day.TenantID, "units", Lifetime, time.Now())
	for _, k := range []Key{day, life} {
		if _, err := s.Update(ctx, k, add(1)); err != nil {
			t.Fatal(err)
		}
	}
	if ttl := mr.TTL("tenancy:usage:" + day.String()); ttl <= 0 {
		t.Errorf("day counter ttl = %v, want > 0", ttl)
	}
	if ttl := mr.TTL("tenancy:usage:" + life.String()); ttl != 0 {
		t.Errorf("lifetime counter ttl = %v, want none", ttl)
	}
}

func TestRedisStoreExpiredLeaseDoesNotWrite(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	s := NewRedisStore(client, time.Second)
	ctx := context.Background()
	key := KeyAt(uuid.New(), "units", Lifetime, time.Now())

	held := make(chan struct{})
	resume := make(chan struct{})
	slow := make(chan error, 1)
	go func() {
		_, err := s.Update(ctx, key, func(_ context.Context, cur int64) (int64, error) {
			close(held)
			<-resume
			return cur + 1, nil
		})
		slow <- err
	}()
	<-held

	// The slow holder outlives its lease and a second caller takes the lock.
	mr.FastForward(time.Minute)
	if _, err := s.Update(ctx, key, add(1)); err != nil {
		t.Fatalf("Update after lease expiry: %v", err)
	}

	close(resume)
	if err := <-slow; !errors.Is(err, store.ErrContended) {
		t.Fatalf("stale holder err = %v, want ErrContended", err)
	}
	c, err := s.Get(ctx, key)
	if err != nil {
		t.Fatal(err)
	}
	if c.Value != 1 {
		t.Errorf("value = %d, want 1", c.Value)
	}
}
