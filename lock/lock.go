// Package lock provides keyed mutual exclusion used to serialize updates to a
// single usage row or a single migration target across goroutines, processes
// and nodes.
package lock

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Locker obtains exclusive, keyed locks.
type Locker interface {
	// Acquire blocks until the lock for key is held or ctx is done. The
	// returned release function is safe to call more than once. A positive
	// ttl bounds how long the lock may be held before it is released
	// automatically.
	Acquire(ctx context.Context, key string, ttl time.Duration) (release func(), err error)
	// TryAcquire attempts to take the lock without waiting.
	TryAcquire(ctx context.Context, key string, ttl time.Duration) (release func(), acquired bool, err error)
}

// --- InMemoryLock ---

// InMemoryLock implements Locker for a single process.
type InMemoryLock struct {
	mu    sync.Mutex
	locks map[string]*entry
}

type entry struct {
	mu      sync.Mutex
	held    bool
	waiters chan struct{}
	// refs counts holders and waiters. Guarded by InMemoryLock.mu.
	refs int
}

// NewInMemoryLock creates an empty in-process lock table.
func NewInMemoryLock() *InMemoryLock {
	return &InMemoryLock{locks: make(map[string]*entry)}
}

func (l *InMemoryLock) ref(key string) *entry {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.locks[key]
	if !ok {
		e = &entry{waiters: make(chan struct{}, 1)}
		l.locks[key] = e
	}
	e.refs++
	return e
}

// unref drops the entry from the table once nobody holds or waits for it.
func (l *InMemoryLock) unref(key string, e *entry) {
	l.mu.Lock()
	defer l.mu.Unlock()

	e.refs--
	if e.refs == 0 && l.locks[key] == e {
		delete(l.locks, key)
	}
}

// Len reports how many keys are held or awaited.
func (l *InMemoryLock) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}

// Acquire takes the lock for key, waiting until it is free or ctx is done.
func (l *InMemoryLock) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	e := l.ref(key)
	done := func() { l.unref(key, e) }

	for {
		if release, ok := e.take(ctx, ttl, done); ok {
			return release, nil
		}

		select {
		case <-e.waiters:
		case <-ctx.Done():
			done()
			return nil, fmt.Errorf("acquire lock for %s: %w", key, ctx.Err())
		}
	}
}

// TryAcquire takes the lock for key only if nobody holds it.
func (l *InMemoryLock) TryAcquire(ctx context.Context, key string, ttl time.Duration) (func(), bool, error) {
	e := l.ref(key)
	done := func() { l.unref(key, e) }
	release, ok := e.take(ctx, ttl, done)
	if !ok {
		done()
	}
	return release, ok, nil
}

// take marks e held. The returned release frees it and then calls done.
func (e *entry) take(ctx context.Context, ttl time.Duration, done func()) (func(), bool) {
	e.mu.Lock()
	if e.held {
		e.mu.Unlock()
		return nil, false
	}
	e.held = true
	e.mu.Unlock()

	var once sync.Once
	release := func() {
		once.Do(func() {
			e.mu.Lock()
			e.held = false
			e.mu.Unlock()
			select {
			case e.waiters <- struct{}{}:
			default:
			}
			done()
		})
	}

	if ttl > 0 {
		go func() {
			timer := time.NewTimer(ttl)
			defer timer.Stop()
			select {
			case <-timer.C:
				release()
			case <-ctx.Done():
			}
		}()
	}
	return release, true
}

var _ Locker = (*InMemoryLock)(nil)
