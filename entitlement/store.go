package entitlement

import (
	"context"
	"fmt"
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/GoCodeAlone/tenancy/store"
)

// Store persists plans and tenant plan assignments.
type Store interface {
	GetPlan(ctx context.Context, code string) (*Plan, error)
	ListPlans(ctx context.Context, activeOnly bool) ([]*Plan, error)
	// UpsertPlan inserts or replaces the plan keyed by code.
	UpsertPlan(ctx context.Context, p *Plan) (created bool, err error)
	// DeactivatePlansExcept marks every active plan not in keep inactive.
	DeactivatePlansExcept(ctx context.Context, keep []string) (int64, error)

	GetTenantPlan(ctx context.Context, tenantID uuid.UUID) (*TenantPlan, error)
	// PutTenantPlan inserts or replaces the tenant's single assignment.
	PutTenantPlan(ctx context.Context, tp *TenantPlan) error
	// InsertTenantPlan stores tp only when the tenant has no assignment and
	// returns whichever assignment is stored afterwards.
	InsertTenantPlan(ctx context.Context, tp *TenantPlan) (stored *TenantPlan, created bool, err error)
}

// --- MemoryStore ---

// MemoryStore implements Store in process memory.
type MemoryStore struct {
	mu      sync.RWMutex
	plans   map[string]*Plan
	tenants map[uuid.UUID]*TenantPlan
	now     func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		plans:   make(map[string]*Plan),
		tenants: make(map[uuid.UUID]*TenantPlan),
		now:     time.Now,
	}
}

func clonePlan(p *Plan) *Plan {
	cp := *p
	cp.Quotas = maps.Clone(p.Quotas)
	cp.FeatureFlags = maps.Clone(p.FeatureFlags)
	return &cp
}

func cloneTenantPlan(tp *TenantPlan) *TenantPlan {
	cp := *tp
	cp.QuotaOverrides = maps.Clone(tp.QuotaOverrides)
	cp.FeatureOverrides = maps.Clone(tp.FeatureOverrides)
	if tp.EndsAt != nil {
		e := *tp.EndsAt
		cp.EndsAt = &e
	}
	return &cp
}

func (s *MemoryStore) GetPlan(_ context.Context, code string) (*Plan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if p, ok := s.plans[code]; ok {
		return clonePlan(p), nil
	}
	return nil, fmt.Errorf("plan %q: %w", code, store.ErrNotFound)
}

func (s *MemoryStore) ListPlans(_ context.Context, activeOnly bool) ([]*Plan, error) {
	s.mu.RLock()
	var out []*Plan
	for _, p := range s.plans {
		if activeOnly && !p.IsActive {
			continue
		}
		out = append(out, clonePlan(p))
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out, nil
}

func (s *MemoryStore) UpsertPlan(_ context.Context, p *Plan) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UTC()
	existing, ok := s.plans[p.Code]
	if ok {
		p.CreatedAt = existing.CreatedAt
	} else {
		p.CreatedAt = now
	}
	p.UpdatedAt = now
	s.plans[p.Code] = clonePlan(p)
	return !ok, nil
}

func (s *MemoryStore) DeactivatePlansExcept(_ context.Context, keep []string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := make(map[string]bool, len(keep))
	for _, c := range keep {
		kept[c] = true
	}
	var n int64
	for code, p := range s.plans {
		if p.IsActive && !kept[code] {
			p.IsActive = false
			p.UpdatedAt = s.now().UTC()
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) GetTenantPlan(_ context.Context, tenantID uuid.UUID) (*TenantPlan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if tp, ok := s.tenants[tenantID]; ok {
		return cloneTenantPlan(tp), nil
	}
	return nil, fmt.Errorf("tenant plan %s: %w", tenantID, store.ErrNotFound)
}

func (s *MemoryStore) PutTenantPlan(_ context.Context, tp *TenantPlan) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.plans[tp.PlanCode]; !ok {
		return fmt.Errorf("plan %q: %w", tp.PlanCode, store.ErrNotFound)
	}

	now := s.now().UTC()
	if existing, ok := s.tenants[tp.TenantID]; ok {
		tp.CreatedAt = existing.CreatedAt
	} else {
		tp.CreatedAt = now
	}
	tp.UpdatedAt = now
	s.tenants[tp.TenantID] = cloneTenantPlan(tp)
	return nil
}

func (s *MemoryStore) InsertTenantPlan(_ context.Context, tp *TenantPlan) (*TenantPlan, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.tenants[tp.TenantID]; ok {
		return cloneTenantPlan(existing), false, nil
	}
	if _, ok := s.plans[tp.PlanCode]; !ok {
		return nil, false, fmt.Errorf("plan %q: %w", tp.PlanCode, store.ErrNotFound)
	}
	now := s.now().UTC()
	tp.CreatedAt, tp.UpdatedAt = now, now
	s.tenants[tp.TenantID] = cloneTenantPlan(tp)
	return cloneTenantPlan(tp), true, nil
}

var _ Store = (*MemoryStore)(nil)
