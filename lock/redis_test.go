package lock

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestRedisLock(t *testing.T) (*RedisLock, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisLock(client, WithRetryInterval(time.Millisecond)), mr
}

func TestRedisLockAcquireRelease(t *testing.T) {
	l, mr := newTestRedisLock(t)
	ctx := context.Background()

	release, err := l.Acquire(ctx, "acme", time.Second)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if !mr.Exists("tenancy:lock:acme") {
		t.Fatal("expected lock key in redis")
	}

	release()
	if mr.Exists("tenancy:lock:acme") {
		t.Fatal("expected lock key to be deleted on release")
	}
}

func TestRedisLockTryAcquireHeld(t *testing.T) {
	l, _ := newTestRedisLock(t)
	ctx := context.Background()

	release, ok, err := l.TryAcquire(ctx, "acme", time.Second)
	if err != nil || !ok {
		t.Fatalf("TryAcquire: ok=%v err=%v", ok, err)
	}
	defer release()

	_, ok, err = l.TryAcquire(ctx, "acme", time.Second)
	if err != nil {
		t.Fatalf("TryAcquire: %v", err)
	}
	if ok {
		t.Fatal("expected held lock to be unavailable")
	}
}

func TestRedisLockReleaseKeepsForeignToken(t *testing.T) {
	l, mr := newTestRedisLock(t)
	ctx := context.Background()

	release, err := l.Acquire(ctx, "acme", time.Second)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	// Simulate expiry followed by another holder taking the key.
	if err := mr.Set("tenancy:lock:acme", "someone-else"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	release()

	got, err := mr.Get("tenancy:lock:acme")
	if err != nil || got != "someone-else" {
		t.Fatalf("release removed a lock it did not own: %q %v", got, err)
	}
}

func TestRedisLockTimeout(t *testing.T) {
	l, _ := newTestRedisLock(t)

	release, err := l.Acquire(context.Background(), "busy", time.Second)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := l.Acquire(ctx, "busy", time.Second); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestRedisLockMutualExclusion(t *testing.T) {
	l, _ := newTestRedisLock(t)
	ctx := context.Background()

	var (
		inside   atomic.Int64
		overlaps atomic.Int64
		wg       sync.WaitGroup
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				release, err := l.Acquire(ctx, "row", time.Second)
				if err != nil {
					t.Errorf("Acquire: %v", err)
					return
				}
				if inside.Add(1) > 1 {
					overlaps.Add(1)
				}
				inside.Add(-1)
				release()
			}
		}()
	}
	wg.Wait()

	if overlaps.Load() != 0 {
		t.Fatalf("mutual exclusion violated %d times", overlaps.Load())
	}
}

func TestRedisLockLeaseCarriesToken(t *testing.T) {
	l, mr := newTestRedisLock(t)

	lease, err := l.AcquireLease(context.Background(), "acme", time.Second)
	if err != nil {
		t.Fatalf("AcquireLease: %v", err)
	}
	if lease.Key != "tenancy:lock:acme" {
		t.Errorf("lease key = %q", lease.Key)
	}
	if got, _ := mr.Get(lease.Key); got != lease.Token {
		t.Errorf("stored token = %q, want %q", got, lease.Token)
	}

	lease.Release()
	lease.Release()
	if mr.Exists(lease.Key) {
		t.Fatal("expected lock key to be deleted on release")
	}
}
