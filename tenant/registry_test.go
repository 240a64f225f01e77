package tenant

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"

	"github.com/GoCodeAlone/tenancy/audit"
	"github.com/GoCodeAlone/tenancy/store"
)

func mustCreate(t *testing.T, reg *Registry, slug, domain string) *Tenant {
	t.Helper()
	tn, err := reg.CreateTenant(context.Background(), CreateTenantInput{
		Name:      slug,
		Slug:      slug,
		Domain:    domain,
		IsPrimary: true,
	})
	if err != nil {
		t.Fatalf("CreateTenant(%s): %v", slug, err)
	}
	return tn
}

func setStatus(t *testing.T, reg *Registry, tn *Tenant, to Status) {
	t.Helper()
	cur, err := reg.Get(context.Background(), tn.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if _, err := reg.Store().UpdateStatus(context.Background(), cur.ID, cur.Status, to, cur.Version); err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}
}

func TestCreateTenant(t *testing.T) {
	sink := audit.NewMemorySink()
	reg := NewRegistry(NewMemoryStore(), audit.NewRecorder(sink, nil), nil)
	ctx := context.Background()

	tn, err := reg.CreateTenant(ctx, CreateTenantInput{
		Name:       "Acme Corp",
		Slug:       "  Acme ",
		Domain:     "Acme.Example.com",
		IsPrimary:  true,
		ExternalID: "cus_123",
		Source:     "signup",
	})
	if err != nil {
		t.Fatalf("CreateTenant: %v", err)
	}

	if tn.Slug != "acme" || tn.Namespace != "acme" {
		t.Errorf("slug/namespace = %q/%q", tn.Slug, tn.Namespace)
	}
	if tn.Status != StatusPending {
		t.Errorf("status = %s, want pending", tn.Status)
	}
	if tn.Version != 1 {
		t.Errorf("version = %d", tn.Version)
	}

	d, err := reg.PrimaryDomain(ctx, tn.ID)
	if err != nil {
		t.Fatalf("PrimaryDomain: %v", err)
	}
	if d.Hostname != "acme.example.com" || !d.IsPrimary {
		t.Errorf("domain = %+v", d)
	}

	if got := len(sink.ByAction("tenant.created")); got != 1 {
		t.Errorf("tenant.created events = %d", got)
	}
	if got := len(sink.ByAction("domain.created")); got != 1 {
		t.Errorf("domain.created events = %d", got)
	}
}

func TestCreateTenantValidation(t *testing.T) {
	tests := []struct {
		name  string
		in    CreateTenantInput
		field string
	}{
		{"reserved slug", CreateTenantInput{Slug: "admin"}, "slug"},
		{"reserved control namespace", CreateTenantInput{Slug: "public"}, "slug"},
		{"empty slug", CreateTenantInput{Slug: "   "}, "slug"},
		{"underscore", CreateTenantInput{Slug: "acme_corp"}, "slug"},
		{"double hyphen", CreateTenantInput{Slug: "acme--corp"}, "slug"},
		{"domain with scheme", CreateTenantInput{Slug: "acme", Domain: "https://acme.example.com"}, "domain"},
		{"domain with path", CreateTenantInput{Slug: "acme", Domain: "acme.example.com/app"}, "domain"},
		{"reserved namespace override", CreateTenantInput{Slug: "acme", Namespace: "www"}, "namespace"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewMemoryStore()
			reg := NewRegistry(s, nil, nil)
			_, err := reg.CreateTenant(context.Background(), tt.in)

			var ve *store.ValidationError
			if !errors.As(err, &ve) {
				t.Fatalf("expected ValidationError, got %v", err)
			}
			if ve.Field != tt.field {
				t.Errorf("field = %q, want %q", ve.Field, tt.field)
			}
			if ts, _ := s.List(context.Background(), Filter{}); len(ts) != 0 {
				t.Error("rejected tenant was stored")
			}
		})
	}
}

func TestCreateTenantDuplicateSlug(t *testing.T) {
	reg := NewRegistry(NewMemoryStore(), nil, nil)
	mustCreate(t, reg, "acme", "")

	_, err := reg.CreateTenant(context.Background(), CreateTenantInput{Slug: "ACME"})
	if !errors.Is(err, store.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
}

func TestCreateTenantDomainOwnedElsewhereIsAtomic(t *testing.T) {
	s := NewMemoryStore()
	reg := NewRegistry(s, nil, nil)
	mustCreate(t, reg, "acme", "shared.example.com")

	_, err := reg.CreateTenant(context.Background(), CreateTenantInput{Slug: "globex", Domain: "shared.example.com"})
	if !errors.Is(err, store.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	if _, err := reg.GetBySlug(context.Background(), "globex"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("tenant must not exist after failed create, got %v", err)
	}
}

func TestCreateTenantNamespaceOverride(t *testing.T) {
	reg := NewRegistry(NewMemoryStore(), nil, nil)
	tn, err := reg.CreateTenant(context.Background(), CreateTenantInput{Slug: "acme", Namespace: "tenant_acme"})
	if err != nil {
		t.Fatalf("CreateTenant: %v", err)
	}
	if tn.Namespace != "tenant_acme" {
		t.Fatalf("namespace = %q", tn.Namespace)
	}
	got, err := reg.ResolveTenantByNamespace(context.Background(), "tenant_acme")
	if err != nil || got.ID != tn.ID {
		t.Fatalf("ResolveTenantByNamespace = %v, %v", got, err)
	}
}

func TestCreateDomain(t *testing.T) {
	reg := NewRegistry(NewMemoryStore(), nil, nil)
	ctx := context.Background()
	acme := mustCreate(t, reg, "acme", "acme.example.com")
	globex := mustCreate(t, reg, "globex", "")

	d1, err := reg.CreateDomain(ctx, acme.ID, "portal.acme.io", false, audit.Actor{})
	if err != nil {
		t.Fatalf("CreateDomain: %v", err)
	}
	d2, err := reg.CreateDomain(ctx, acme.ID, "PORTAL.acme.io", true, audit.Actor{})
	if err != nil {
		t.Fatalf("repeat CreateDomain: %v", err)
	}
	if d1.ID != d2.ID || d2.IsPrimary {
		t.Errorf("repeat create must return the existing row unchanged: %+v vs %+v", d1, d2)
	}

	if _, err := reg.CreateDomain(ctx, globex.ID, "portal.acme.io", false, audit.Actor{}); !errors.Is(err, store.ErrConflict) {
		t.Fatalf("expected ErrConflict for foreign hostname, got %v", err)
	}
	if _, err := reg.CreateDomain(ctx, uuid.New(), "new.example.com", false, audit.Actor{}); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown tenant, got %v", err)
	}

	ds, _ := reg.Domains(ctx, acme.ID)
	if len(ds) != 2 {
		t.Fatalf("expected 2 domains, got %d", len(ds))
	}
}

func TestCreateDomainPrimaryIsExclusive(t *testing.T) {
	reg := NewRegistry(NewMemoryStore(), nil, nil)
	ctx := context.Background()
	acme := mustCreate(t, reg, "acme", "acme.example.com")

	if _, err := reg.CreateDomain(ctx, acme.ID, "acme.io", true, audit.Actor{}); err != nil {
		t.Fatalf("CreateDomain: %v", err)
	}
	p, err := reg.PrimaryDomain(ctx, acme.ID)
	if err != nil {
		t.Fatalf("PrimaryDomain: %v", err)
	}
	if p.Hostname != "acme.io" {
		t.Fatalf("primary = %s", p.Hostname)
	}
	primaries := 0
	ds, _ := reg.Domains(ctx, acme.ID)
	for _, d := range ds {
		if d.IsPrimary {
			primaries++
		}
	}
	if primaries != 1 {
		t.Fatalf("expected exactly one primary, got %d", primaries)
	}
}

func TestResolveTenantByNamespace(t *testing.T) {
	reg := NewRegistry(NewMemoryStore(), nil, nil)
	ctx := context.Background()
	acme := mustCreate(t, reg, "acme", "")

	got, err := reg.ResolveTenantByNamespace(ctx, "acme")
	if err != nil || got.ID != acme.ID {
		t.Fatalf("resolve acme = %v, %v", got, err)
	}
	for _, ns := range []string{"public", "", "missing"} {
		if _, err := reg.ResolveTenantByNamespace(ctx, ns); !errors.Is(err, store.ErrNotFound) {
			t.Errorf("resolve %q: expected ErrNotFound, got %v", ns, err)
		}
	}
}

func TestLookup(t *testing.T) {
	reg := NewRegistry(NewMemoryStore(), nil, nil)
	ctx := context.Background()
	acme, _ := reg.CreateTenant(ctx, CreateTenantInput{Slug: "acme", Namespace: "acme_ns"})

	for _, ref := range []string{acme.ID.String(), "acme", "acme_ns"} {
		got, err := reg.Lookup(ctx, ref)
		if err != nil || got.ID != acme.ID {
			t.Errorf("Lookup(%q) = %v, %v", ref, got, err)
		}
	}
}

func TestUpdateStatusCompareAndSwap(t *testing.T) {
	s := NewMemoryStore()
	reg := NewRegistry(s, nil, nil)
	tn := mustCreate(t, reg, "acme", "")

	const racers = 8
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.UpdateStatus(context.Background(), tn.ID, StatusPending, StatusProvisioning, tn.Version)
			if err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			} else if !errors.Is(err, store.ErrConflict) {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if wins != 1 {
		t.Fatalf("expected exactly one winner, got %d", wins)
	}
	got, _ := reg.Get(context.Background(), tn.ID)
	if got.Status != StatusProvisioning || got.Version != 2 {
		t.Fatalf("tenant = %s v%d", got.Status, got.Version)
	}
}

func TestListFilter(t *testing.T) {
	reg := NewRegistry(NewMemoryStore(), nil, nil)
	a := mustCreate(t, reg, "acme", "")
	mustCreate(t, reg, "globex", "")
	setStatus(t, reg, a, StatusProvisioning)

	got, err := reg.List(context.Background(), Filter{Status: StatusPending})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(got) != 1 || got[0].Slug != "globex" {
		t.Fatalf("List pending = %+v", got)
	}
	all, _ := reg.List(context.Background(), Filter{Limit: 1})
	if len(all) != 1 {
		t.Fatalf("limit ignored: %d", len(all))
	}
}

func TestNormalizeHostname(t *testing.T) {
	tests := []struct {
		in   string
		want string
		ok   bool
	}{
		{"Acme.Example.COM.", "acme.example.com", true},
		{"localhost:8000", "localhost:8000", true},
		{"http://acme.example.com", "", false},
		{"acme.example.com/path", "", false},
		{"-bad.example.com", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		got, err := NormalizeHostname(tt.in)
		if (err == nil) != tt.ok || got != tt.want {
			t.Errorf("NormalizeHostname(%q) = %q, %v", tt.in, got, err)
		}
	}
}

func auditActor() audit.Actor {
	return audit.Actor{ID: "test", Email: "ops@example.com"}
}
