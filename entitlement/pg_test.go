package entitlement

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"

	"github.com/GoCodeAlone/tenancy/store"
	"github.com/GoCodeAlone/tenancy/store/storetest"
)

func TestPGStore_Integration(t *testing.T) {
	pool := storetest.NewPool(t)
	ctx := context.Background()
	s := NewPGStore(pool)

	suffix := uuid.NewString()[:8]
	code := "it-" + suffix
	tenantID := uuid.New()
	if _, err := pool.Exec(ctx,
		`INSERT INTO tenants (id, name, slug, namespace, status) VALUES ($1, $2, $2, $2, 'pending')`,
		tenantID, "ent-"+suffix); err != nil {
		t.Fatalf("insert tenant: %v", err)
	}
	t.Cleanup(func() {
		_, _ = pool.Exec(ctx, `DELETE FROM tenants WHERE id = $1`, tenantID)
		_, _ = pool.Exec(ctx, `DELETE FROM plans WHERE code = $1`, code)
	})

	created, err := s.UpsertPlan(ctx, &Plan{
		Code:         code,
		Name:         "Integration",
		Quotas:       Quotas{KeyMaxUnits: LimitOf(2)},
		FeatureFlags: map[string]bool{"crm": true},
		IsActive:     true,
		Currency:     "USD",
	})
	if err != nil || !created {
		t.Fatalf("UpsertPlan: created=%v err=%v", created, err)
	}
	if created, _ := s.UpsertPlan(ctx, &Plan{Code: code, Name: "Integration 2", IsActive: true, Currency: "USD"}); created {
		t.Error("second upsert must update")
	}

	r := NewResolver(s, nil)
	if _, err := r.SetTenantPlan(ctx, SetPlanInput{
		TenantID:       tenantID,
		PlanCode:       code,
		QuotaOverrides: Quotas{KeyMaxUnits: LimitOf(5)},
	}); err != nil {
		t.Fatalf("SetTenantPlan: %v", err)
	}

	l, err := r.GetEffectiveQuotaLimit(ctx, tenantID, KeyMaxUnits)
	if err != nil {
		t.Fatalf("GetEffectiveQuotaLimit: %v", err)
	}
	if l.String() != "5" {
		t.Fatalf("limit = %s, want 5", l)
	}

	stored, created, err := s.InsertTenantPlan(ctx, &TenantPlan{TenantID: tenantID, PlanCode: code, Status: PlanTrial})
	if err != nil {
		t.Fatalf("InsertTenantPlan: %v", err)
	}
	if created || stored.Status != PlanActive {
		t.Errorf("existing assignment must win: created=%v status=%s", created, stored.Status)
	}

	if _, err := s.GetTenantPlan(ctx, uuid.New()); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}
