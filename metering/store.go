package metering

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/GoCodeAlone/tenancy/store"
)

// UpdateFunc receives the current value of a locked counter and returns the
// value to store. Returning an error leaves the counter unchanged. ctx
// carries the backend's unit of work, see TxFromContext.
type UpdateFunc func(ctx context.Context, current int64) (next int64, err error)

// Store holds usage counters.
type Store interface {
	// Update creates the counter for key at zero if it does not exist, takes
	// an exclusive lock on it, and applies fn. Concurrent updates of the
	// same key are serialized; updates of different keys are not. If the
	// lock cannot be obtained within the configured wait, the error wraps
	// store.ErrContended and nothing is applied. On error the returned
	// Counter holds the unchanged value when it could be read.
	Update(ctx context.Context, key Key, fn UpdateFunc) (Counter, error)
	// Get returns the counter for key, or a zero counter when the window
	// has never been written.
	Get(ctx context.Context, key Key) (Counter, error)
	// List returns every stored counter for a tenant, newest window first.
	List(ctx context.Context, tenantID uuid.UUID) ([]Counter, error)
}

// ErrNegative is returned when an update would take a counter below zero.
var ErrNegative = errors.New("usage counter cannot be negative")

// DefaultLockTimeout bounds how long Update waits for a contended row.
const DefaultLockTimeout = 5 * time.Second

// contended converts a lock wait failure into store.ErrContended unless the
// caller's own context ended first.
func contended(parent context.Context, key Key, err error) error {
	if parent.Err() != nil {
		return fmt.Errorf("lock usage %s: %w", key, parent.Err())
	}
	return fmt.Errorf("lock usage %s: %w: %w", key, store.ErrContended, err)
}

func checkNext(key Key, next int64) error {
	if next < 0 {
		return fmt.Errorf("usage %s: %w", key, ErrNegative)
	}
	return nil
}
