package entitlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/GoCodeAlone/tenancy/audit"
	"github.com/GoCodeAlone/tenancy/store"
)

// DefaultPlanCode is assigned when no plan code is given.
const DefaultPlanCode = "free"

// Resolver answers entitlement questions for a tenant.
type Resolver struct {
	store      Store
	recorder   *audit.Recorder
	logger     *slog.Logger
	failClosed bool
	now        func() time.Time
	lookups    singleflight.Group
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithFailClosed makes tenants without a plan resolve every quota to zero
// instead of unlimited.
func WithFailClosed(v bool) Option {
	return func(r *Resolver) { r.failClosed = v }
}

// WithRecorder sets the audit recorder for plan changes.
func WithRecorder(rec *audit.Recorder) Option {
	return func(r *Resolver) { r.recorder = rec }
}

// NewResolver creates a Resolver over s.
func NewResolver(s Store, logger *slog.Logger, opts ...Option) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Resolver{store: s, logger: logger, now: time.Now}
	for _, o := range opts {
		o(r)
	}
	if r.recorder == nil {
		r.recorder = audit.NewRecorder(nil, logger)
	}
	return r
}

type resolved struct {
	tp   *TenantPlan
	plan *Plan
}

// lookup loads the tenant's assignment and plan. A tenant without an
// assignment yields a nil result and no error. Concurrent lookups for one
// tenant share a single load that outlives any one caller's cancellation.
func (r *Resolver) lookup(ctx context.Context, tenantID uuid.UUID) (*resolved, error) {
	shared := context.WithoutCancel(ctx)
	ch := r.lookups.DoChan(tenantID.String(), func() (any, error) {
		tp, err := r.store.GetTenantPlan(shared, tenantID)
		if errors.Is(err, store.ErrNotFound) {
			return (*resolved)(nil), nil
		}
		if err != nil {
			return nil, err
		}
		plan, err := r.store.GetPlan(shared, tp.PlanCode)
		if err != nil {
			return nil, fmt.Errorf("plan for tenant %s: %w", tenantID, err)
		}
		return &resolved{tp: tp, plan: plan}, nil
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*resolved), nil
	}
}

// GetEffectiveQuotaLimit returns the limit for key. A tenant override for
// key replaces the plan value entirely. Missing keys are unlimited.
func (r *Resolver) GetEffectiveQuotaLimit(ctx context.Context, tenantID uuid.UUID, key string) (Limit, error) {
	res, err := r.lookup(ctx, tenantID)
	if err != nil {
		return Limit{}, fmt.Errorf("resolve quota %s: %w", key, err)
	}
	if res == nil {
		if r.failClosed {
			return LimitOf(0), nil
		}
		return Unlimited(), nil
	}

	limit, _ := res.plan.Quotas.Get(key)
	if override, ok := res.tp.QuotaOverrides.Get(key); ok {
		limit = override
	}
	return limit, nil
}

// IsFeatureEnabled reports whether key is on for the tenant. Absent flags
// are off.
func (r *Resolver) IsFeatureEnabled(ctx context.Context, tenantID uuid.UUID, key string) (bool, error) {
	res, err := r.lookup(ctx, tenantID)
	if err != nil {
		return false, fmt.Errorf("resolve feature %s: %w", key, err)
	}
	if res == nil {
		return false, nil
	}

	enabled := res.plan.FeatureFlags[key]
	if v, ok := res.tp.FeatureOverrides[key]; ok {
		enabled = v
	}
	return enabled, nil
}

// Entitlements is the fully resolved view of a tenant's plan.
type Entitlements struct {
	TenantID uuid.UUID       `json:"tenant_id"`
	PlanCode string          `json:"plan_code,omitempty"`
	Status   PlanStatus      `json:"status,omitempty"`
	Quotas   Quotas          `json:"quotas"`
	Features map[string]bool `json:"features"`
}

// Effective merges plan values and overrides for every known key.
func (r *Resolver) Effective(ctx context.Context, tenantID uuid.UUID) (*Entitlements, error) {
	res, err := r.lookup(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	out := &Entitlements{TenantID: tenantID, Quotas: Quotas{}, Features: map[string]bool{}}
	if res == nil {
		return out, nil
	}
	out.PlanCode = res.plan.Code
	out.Status = res.tp.Status
	maps.Copy(out.Quotas, res.plan.Quotas)
	maps.Copy(out.Quotas, res.tp.QuotaOverrides)
	maps.Copy(out.Features, res.plan.FeatureFlags)
	maps.Copy(out.Features, res.tp.FeatureOverrides)
	return out, nil
}

// SetPlanInput assigns a plan to a tenant.
type SetPlanInput struct {
	TenantID         uuid.UUID
	TenantNamespace  string
	PlanCode         string
	Status           PlanStatus
	QuotaOverrides   Quotas
	FeatureOverrides map[string]bool
	StartsAt         time.Time
	EndsAt           *time.Time
	Actor            audit.Actor
}

// SetTenantPlan creates or replaces the tenant's assignment. The plan must
// exist and be active.
func (r *Resolver) SetTenantPlan(ctx context.Context, in SetPlanInput) (*TenantPlan, error) {
	code := NormalizeCode(in.PlanCode)
	if code == "" {
		return nil, store.Invalid("plan_code", "is required")
	}
	status := in.Status
	if status == "" {
		status = PlanActive
	}
	if !status.Valid() {
		return nil, store.Invalid("status", "unknown plan status %q", status)
	}
	if in.EndsAt != nil && !in.StartsAt.IsZero() && in.EndsAt.Before(in.StartsAt) {
		return nil, store.Invalid("ends_at", "must not be before starts_at")
	}

	plan, err := r.activePlan(ctx, code)
	if err != nil {
		return nil, err
	}

	var previous string
	if cur, err := r.store.GetTenantPlan(ctx, in.TenantID); err == nil {
		previous = cur.PlanCode
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	starts := in.StartsAt
	if starts.IsZero() {
		starts = r.now().UTC()
	}
	tp := &TenantPlan{
		TenantID:         in.TenantID,
		PlanCode:         plan.Code,
		Status:           status,
		QuotaOverrides:   in.QuotaOverrides,
		FeatureOverrides: in.FeatureOverrides,
		StartsAt:         starts,
		EndsAt:           in.EndsAt,
	}
	if err := r.store.PutTenantPlan(ctx, tp); err != nil {
		return nil, fmt.Errorf("set tenant plan: %w", err)
	}
	r.lookups.Forget(in.TenantID.String())

	ev := audit.Event{
		Action:          "tenant_plan.updated",
		TenantNamespace: in.TenantNamespace,
		Metadata: map[string]any{
			"quota_overrides":   tp.QuotaOverrides,
			"feature_overrides": tp.FeatureOverrides,
		},
	}.WithActor(in.Actor).WithObject(tp)
	if previous != tp.PlanCode {
		ev = ev.WithChange("plan_code", nullable(previous), tp.PlanCode)
	}
	_ = r.recorder.Immediate(ctx, ev)

	r.logger.Info("tenant plan set", "tenant_id", in.TenantID, "plan", tp.PlanCode, "status", tp.Status)
	return tp, nil
}

// EnsureTenantPlan gives the tenant planCode, creating the assignment when
// missing and switching plans when it differs. Overrides are kept.
func (r *Resolver) EnsureTenantPlan(ctx context.Context, tenantID uuid.UUID, planCode string) (*TenantPlan, error) {
	code := NormalizeCode(planCode)
	if code == "" {
		code = DefaultPlanCode
	}
	plan, err := r.activePlan(ctx, code)
	if err != nil {
		return nil, err
	}

	tp, created, err := r.store.InsertTenantPlan(ctx, &TenantPlan{
		TenantID: tenantID,
		PlanCode: plan.Code,
		Status:   PlanActive,
		StartsAt: r.now().UTC(),
	})
	if err != nil {
		return nil, fmt.Errorf("ensure tenant plan: %w", err)
	}
	if !created && tp.PlanCode != plan.Code {
		tp.PlanCode = plan.Code
		if err := r.store.PutTenantPlan(ctx, tp); err != nil {
			return nil, fmt.Errorf("switch tenant plan: %w", err)
		}
	}
	r.lookups.Forget(tenantID.String())
	return tp, nil
}

func (r *Resolver) activePlan(ctx context.Context, code string) (*Plan, error) {
	plan, err := r.store.GetPlan(ctx, code)
	if err != nil {
		return nil, err
	}
	if !plan.IsActive {
		return nil, fmt.Errorf("plan %q is inactive: %w", code, store.ErrNotFound)
	}
	return plan, nil
}

// Plans lists the catalogue.
func (r *Resolver) Plans(ctx context.Context, activeOnly bool) ([]*Plan, error) {
	return r.store.ListPlans(ctx, activeOnly)
}

// TenantPlan returns the tenant's current assignment.
func (r *Resolver) TenantPlan(ctx context.Context, tenantID uuid.UUID) (*TenantPlan, error) {
	return r.store.GetTenantPlan(ctx, tenantID)
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
