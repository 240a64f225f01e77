package tenant

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/GoCodeAlone/tenancy/store"
)

// Filter narrows List results. Zero values match everything.
type Filter struct {
	Status Status
	Source string
	Limit  int
	Offset int
}

// Store persists tenants and domains.
type Store interface {
	// Create inserts t and, when d is non-nil, its domain in one unit of
	// work. Duplicate slugs or namespaces and a hostname owned by another
	// tenant return store.ErrConflict. An existing domain already owned by
	// t is reused.
	Create(ctx context.Context, t *Tenant, d *Domain) error
	Get(ctx context.Context, id uuid.UUID) (*Tenant, error)
	GetBySlug(ctx context.Context, slug string) (*Tenant, error)
	GetByNamespace(ctx context.Context, ns string) (*Tenant, error)
	List(ctx context.Context, f Filter) ([]*Tenant, error)
	// UpdateStatus moves tenant id from one status to another only if its
	// current status and version still match. A lost race returns
	// store.ErrConflict.
	UpdateStatus(ctx context.Context, id uuid.UUID, from, to Status, version int64) (*Tenant, error)

	// EnsureDomain returns the domain for d.Hostname, creating it when
	// absent. created reports whether a row was inserted.
	EnsureDomain(ctx context.Context, d *Domain) (existing *Domain, created bool, err error)
	GetDomain(ctx context.Context, hostname string) (*Domain, error)
	ListDomains(ctx context.Context, tenantID uuid.UUID) ([]*Domain, error)
}

// --- MemoryStore ---

// MemoryStore implements Store in process memory.
type MemoryStore struct {
	mu      sync.RWMutex
	tenants map[uuid.UUID]*Tenant
	domains map[string]*Domain
	now     func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tenants: make(map[uuid.UUID]*Tenant),
		domains: make(map[string]*Domain),
		now:     time.Now,
	}
}

func (s *MemoryStore) Create(_ context.Context, t *Tenant, d *Domain) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.tenants {
		if existing.Slug == t.Slug {
			return fmt.Errorf("tenant slug %q: %w", t.Slug, store.ErrConflict)
		}
		if existing.Namespace == t.Namespace {
			return fmt.Errorf("tenant namespace %q: %w", t.Namespace, store.ErrConflict)
		}
	}
	if d != nil {
		if owner, ok := s.domains[d.Hostname]; ok && owner.TenantID != t.ID {
			return fmt.Errorf("domain %q: %w", d.Hostname, store.ErrConflict)
		}
	}

	now := s.now().UTC()
	t.CreatedAt, t.UpdatedAt = now, now
	if t.Version == 0 {
		t.Version = 1
	}
	cp := *t
	s.tenants[t.ID] = &cp

	if d != nil {
		d.TenantID = t.ID
		s.insertDomainLocked(d, now)
	}
	return nil
}

func (s *MemoryStore) insertDomainLocked(d *Domain, now time.Time) {
	if d.IsPrimary {
		for _, other := range s.domains {
			if other.TenantID == d.TenantID {
				other.IsPrimary = false
			}
		}
	}
	d.CreatedAt = now
	cp := *d
	s.domains[d.Hostname] = &cp
}

func (s *MemoryStore) Get(_ context.Context, id uuid.UUID) (*Tenant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if t, ok := s.tenants[id]; ok {
		cp := *t
		return &cp, nil
	}
	return nil, fmt.Errorf("tenant %s: %w", id, store.ErrNotFound)
}

func (s *MemoryStore) find(match func(*Tenant) bool) *Tenant {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, t := range s.tenants {
		if match(t) {
			cp := *t
			return &cp
		}
	}
	return nil
}

func (s *MemoryStore) GetBySlug(_ context.Context, slug string) (*Tenant, error) {
	if t := s.find(func(t *Tenant) bool { return t.Slug == slug }); t != nil {
		return t, nil
	}
	return nil, fmt.Errorf("tenant slug %q: %w", slug, store.ErrNotFound)
}

func (s *MemoryStore) GetByNamespace(_ context.Context, ns string) (*Tenant, error) {
	if t := s.find(func(t *Tenant) bool { return t.Namespace == ns }); t != nil {
		return t, nil
	}
	return nil, fmt.Errorf("tenant namespace %q: %w", ns, store.ErrNotFound)
}

func (s *MemoryStore) List(_ context.Context, f Filter) ([]*Tenant, error) {
	s.mu.RLock()
	var out []*Tenant
	for _, t := range s.tenants {
		if f.Status != "" && t.Status != f.Status {
			continue
		}
		if f.Source != "" && t.Source != f.Source {
			continue
		}
		cp := *t
		out = append(out, &cp)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].Slug < out[j].Slug
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return paginate(out, f.Offset, f.Limit), nil
}

func paginate(ts []*Tenant, offset, limit int) []*Tenant {
	if offset > 0 {
		if offset >= len(ts) {
			return nil
		}
		ts = ts[offset:]
	}
	if limit > 0 && limit < len(ts) {
		ts = ts[:limit]
	}
	return ts
}

func (s *MemoryStore) UpdateStatus(_ context.Context, id uuid.UUID, from, to Status, version int64) (*Tenant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tenants[id]
	if !ok {
		return nil, fmt.Errorf("tenant %s: %w", id, store.ErrNotFound)
	}
	if t.Status != from || t.Version != version {
		return nil, fmt.Errorf("tenant %s is %s at version %d, expected %s at %d: %w",
			id, t.Status, t.Version, from, version, store.ErrConflict)
	}
	t.Status = to
	t.Version++
	t.UpdatedAt = s.now().UTC()
	cp := *t
	return &cp, nil
}

func (s *MemoryStore) EnsureDomain(_ context.Context, d *Domain) (*Domain, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.domains[d.Hostname]; ok {
		if existing.TenantID != d.TenantID {
			return nil, false, fmt.Errorf("domain %q: %w", d.Hostname, store.ErrConflict)
		}
		cp := *existing
		return &cp, false, nil
	}
	if _, ok := s.tenants[d.TenantID]; !ok {
		return nil, false, fmt.Errorf("tenant %s: %w", d.TenantID, store.ErrNotFound)
	}
	s.insertDomainLocked(d, s.now().UTC())
	cp := *d
	return &cp, true, nil
}

func (s *MemoryStore) GetDomain(_ context.Context, hostname string) (*Domain, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if d, ok := s.domains[hostname]; ok {
		cp := *d
		return &cp, nil
	}
	return nil, fmt.Errorf("domain %q: %w", hostname, store.ErrNotFound)
}

func (s *MemoryStore) ListDomains(_ context.Context, tenantID uuid.UUID) ([]*Domain, error) {
	s.mu.RLock()
	var out []*Domain
	for _, d := range s.domains {
		if d.TenantID == tenantID {
			cp := *d
			out = append(out, &cp)
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].IsPrimary != out[j].IsPrimary {
			return out[i].IsPrimary
		}
		return out[i].Hostname < out[j].Hostname
	})
	return out, nil
}

var _ Store = (*MemoryStore)(nil)
