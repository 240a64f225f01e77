package tenant

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"

	"github.com/google/uuid"

	"github.com/GoCodeAlone/tenancy/audit"
	"github.com/GoCodeAlone/tenancy/store"
)

// Registry creates and resolves tenants and their domains.
type Registry struct {
	store    Store
	recorder *audit.Recorder
	logger   *slog.Logger
}

// NewRegistry creates a Registry. A nil recorder discards audit events.
func NewRegistry(s Store, recorder *audit.Recorder, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	if recorder == nil {
		recorder = audit.NewRecorder(nil, logger)
	}
	return &Registry{store: s, recorder: recorder, logger: logger}
}

// CreateTenantInput describes a new tenant.
type CreateTenantInput struct {
	Name       string
	Slug       string
	Domain     string
	IsPrimary  bool
	Namespace  string
	ExternalID string
	Source     string
	Actor      audit.Actor
}

// CreateTenant validates in and stores a Pending tenant together with its
// domain, if one is given.
func (r *Registry) CreateTenant(ctx context.Context, in CreateTenantInput) (*Tenant, error) {
	slug := NormalizeSlug(in.Slug)
	if err := ValidateSlug(slug); err != nil {
		return nil, err
	}

	name := strings.TrimSpace(in.Name)
	if name == "" {
		name = slug
	}

	ns := slug
	if strings.TrimSpace(in.Namespace) != "" {
		ns = strings.ToLower(strings.TrimSpace(in.Namespace))
		if err := ValidateNamespace(ns); err != nil {
			return nil, err
		}
	}

	var d *Domain
	if strings.TrimSpace(in.Domain) != "" {
		host, err := NormalizeHostname(in.Domain)
		if err != nil {
			return nil, err
		}
		d = &Domain{ID: uuid.New(), Hostname: host, IsPrimary: in.IsPrimary}
	}

	t := &Tenant{
		ID:         uuid.New(),
		Name:       name,
		Slug:       slug,
		Namespace:  ns,
		Status:     StatusPending,
		Version:    1,
		ExternalID: strings.TrimSpace(in.ExternalID),
		Source:     strings.TrimSpace(in.Source),
	}

	unit := r.recorder.Begin()
	defer unit.Rollback()

	if err := r.store.Create(ctx, t, d); err != nil {
		return nil, fmt.Errorf("create tenant %q: %w", slug, err)
	}

	unit.Record(audit.Event{
		Action:          "tenant.created",
		TenantNamespace: t.Namespace,
		Message:         fmt.Sprintf("Tenant %s created", t.Slug),
		Metadata:        map[string]any{"source": t.Source, "external_id": t.ExternalID},
	}.WithActor(in.Actor).WithObject(t).WithChange("status", nil, string(t.Status)))
	if d != nil {
		unit.Record(audit.Event{
			Action:          "domain.created",
			TenantNamespace: t.Namespace,
			Metadata:        map[string]any{"is_primary": d.IsPrimary},
		}.WithActor(in.Actor).WithObject(d))
	}
	if err := unit.Commit(ctx); err != nil {
		r.logger.Warn("tenant created without audit trail", "tenant", t.Slug, "error", err)
	}

	r.logger.Info("tenant created", "tenant", t.Slug, "namespace", t.Namespace, "id", t.ID)
	return t, nil
}

// CreateDomain attaches hostname to the tenant. Re-creating an existing
// mapping for the same tenant returns the stored domain unchanged.
func (r *Registry) CreateDomain(ctx context.Context, tenantID uuid.UUID, hostname string, isPrimary bool, actor audit.Actor) (*Domain, error) {
	host, err := NormalizeHostname(hostname)
	if err != nil {
		return nil, err
	}
	t, err := r.store.Get(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	d, created, err := r.store.EnsureDomain(ctx, &Domain{
		ID:        uuid.New(),
		TenantID:  t.ID,
		Hostname:  host,
		IsPrimary: isPrimary,
	})
	if err != nil {
		return nil, fmt.Errorf("create domain %q: %w", host, err)
	}

	if created {
		_ = r.recorder.Immediate(ctx, audit.Event{
			Action:          "domain.created",
			TenantNamespace: t.Namespace,
			Metadata:        map[string]any{"is_primary": d.IsPrimary},
		}.WithActor(actor).WithObject(d))
		r.logger.Info("domain created", "tenant", t.Slug, "hostname", d.Hostname, "primary", d.IsPrimary)
	}
	return d, nil
}

// ResolveTenantByNamespace returns the tenant owning ns. The control
// namespace never resolves.
func (r *Registry) ResolveTenantByNamespace(ctx context.Context, ns string) (*Tenant, error) {
	ns = strings.TrimSpace(ns)
	if ns == "" || ns == store.ControlNamespace {
		return nil, fmt.Errorf("namespace %q: %w", ns, store.ErrNotFound)
	}
	return r.store.GetByNamespace(ctx, ns)
}

// ResolveTenantByHostname returns the tenant routed from host. A port is
// ignored when the host with port is not registered.
func (r *Registry) ResolveTenantByHostname(ctx context.Context, host string) (*Tenant, error) {
	host = strings.TrimSuffix(strings.ToLower(strings.TrimSpace(host)), ".")
	d, err := r.store.GetDomain(ctx, host)
	if errors.Is(err, store.ErrNotFound) {
		if h, _, splitErr := net.SplitHostPort(host); splitErr == nil {
			d, err = r.store.GetDomain(ctx, h)
		}
	}
	if err != nil {
		return nil, err
	}
	return r.store.Get(ctx, d.TenantID)
}

func (r *Registry) Get(ctx context.Context, id uuid.UUID) (*Tenant, error) {
	return r.store.Get(ctx, id)
}

func (r *Registry) GetBySlug(ctx context.Context, slug string) (*Tenant, error) {
	return r.store.GetBySlug(ctx, NormalizeSlug(slug))
}

// Lookup accepts a tenant id, slug or namespace.
func (r *Registry) Lookup(ctx context.Context, ref string) (*Tenant, error) {
	ref = strings.TrimSpace(ref)
	if id, err := uuid.Parse(ref); err == nil {
		return r.store.Get(ctx, id)
	}
	t, err := r.store.GetBySlug(ctx, NormalizeSlug(ref))
	if errors.Is(err, store.ErrNotFound) {
		return r.ResolveTenantByNamespace(ctx, ref)
	}
	return t, err
}

func (r *Registry) List(ctx context.Context, f Filter) ([]*Tenant, error) {
	return r.store.List(ctx, f)
}

func (r *Registry) Domains(ctx context.Context, tenantID uuid.UUID) ([]*Domain, error) {
	return r.store.ListDomains(ctx, tenantID)
}

// PrimaryDomain returns the tenant's primary domain, or its first domain when
// none is marked primary.
func (r *Registry) PrimaryDomain(ctx context.Context, tenantID uuid.UUID) (*Domain, error) {
	ds, err := r.store.ListDomains(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if len(ds) == 0 {
		return nil, fmt.Errorf("tenant %s has no domains: %w", tenantID, store.ErrNotFound)
	}
	for _, d := range ds {
		if d.IsPrimary {
			return d, nil
		}
	}
	return ds[0], nil
}

// Store exposes the underlying store for collaborators that drive status
// transitions.
func (r *Registry) Store() Store { return r.store }
