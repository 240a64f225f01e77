package metering

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/GoCodeAlone/tenancy/store"
	"github.com/GoCodeAlone/tenancy/store/storetest"
)

func TestPGStore_Integration(t *testing.T) {
	pool := storetest.NewPool(t)
	ctx := context.Background()
	s := NewPGStore(pool, 200*time.Millisecond)

	tenantID := uuid.New()
	slug := "meter-" + tenantID.String()[:8]
	if _, err := pool.Exec(ctx,
		`INSERT INTO tenants (id, name, slug, namespace, status) VALUES ($1, $2, $2, $2, 'active')`,
		tenantID, slug); err != nil {
		t.Fatalf("insert tenant: %v", err)
	}
	t.Cleanup(func() { _, _ = pool.Exec(ctx, `DELETE FROM tenants WHERE id = $1`, tenantID) })

	key := KeyAt(tenantID, "units", Lifetime, time.Now())

	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := NewPGStore(pool, 5*time.Second).Update(ctx, key, add(1)); err != nil {
				t.Errorf("Update: %v", err)
			}
		}()
	}
	wg.Wait()

	c, err := s.Get(ctx, key)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if c.Value != 10 {
		t.Errorf("value = %d, want 10", c.Value)
	}

	t.Run("tx in context", func(t *testing.T) {
		_, err := s.Update(ctx, key, func(ctx context.Context, cur int64) (int64, error) {
			if _, ok := TxFromContext(ctx); !ok {
				t.Error("expected transaction in update context")
			}
			return cur, nil
		})
		if err != nil {
			t.Fatal(err)
		}
	})

	t.Run("lock timeout", func(t *testing.T) {
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

	rows, err := s.List(ctx, tenantID)
	if err != nil || len(rows) != 1 {
		t.Fatalf("List = %d rows, %v", len(rows), err)
	}
}
