// Package admin is the administrative facade over the control plane. The
// HTTP API and tenantctl both drive tenants through a Service, which
// resolves tenant references and forwards to the registry, provisioner,
// resolver and quota gate.
package admin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/GoCodeAlone/tenancy/audit"
	"github.com/GoCodeAlone/tenancy/entitlement"
	"github.com/GoCodeAlone/tenancy/identity"
	"github.com/GoCodeAlone/tenancy/metering"
	"github.com/GoCodeAlone/tenancy/provision"
	"github.com/GoCodeAlone/tenancy/quota"
	"github.com/GoCodeAlone/tenancy/store"
	"github.com/GoCodeAlone/tenancy/tenant"
)

// ErrPurgeUnsupported is returned by PurgeAudit when the configured audit
// sink keeps no queryable history.
var ErrPurgeUnsupported = errors.New("audit sink does not support purge")

// AuditPurger deletes audit events older than a cutoff.
type AuditPurger interface {
	Purge(ctx context.Context, cutoff time.Time) (int64, error)
}

// Config wires a Service. Registry, Provisioner, Resolver, Plans and Gate
// are required.
type Config struct {
	Registry    *tenant.Registry
	Provisioner *provision.Provisioner
	Resolver    *entitlement.Resolver
	Plans       entitlement.Store
	Gate        *quota.Gate
	Identities  *identity.Service
	Purger      AuditPurger
	DefaultPlan string
	Catalog     []entitlement.Plan
	Logger      *slog.Logger
}

// Service exposes tenant administration by reference (id, slug or
// namespace).
type Service struct {
	registry    *tenant.Registry
	provisioner *provision.Provisioner
	resolver    *entitlement.Resolver
	plans       entitlement.Store
	gate        *quota.Gate
	identities  *identity.Service
	purger      AuditPurger
	defaultPlan string
	catalog     []entitlement.Plan
	logger      *slog.Logger
	now         func() time.Time
}

// New validates cfg and returns a Service.
func New(cfg Config) (*Service, error) {
	switch {
	case cfg.Registry == nil:
		return nil, errors.New("admin: registry is required")
	case cfg.Provisioner == nil:
		return nil, errors.New("admin: provisioner is required")
	case cfg.Resolver == nil || cfg.Plans == nil:
		return nil, errors.New("admin: entitlement resolver and plan store are required")
	case cfg.Gate == nil:
		return nil, errors.New("admin: quota gate is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.DefaultPlan == "" {
		cfg.DefaultPlan = entitlement.DefaultPlanCode
	}
	if cfg.Catalog == nil {
		cfg.Catalog = entitlement.DefaultCatalog
	}
	return &Service{
		registry:    cfg.Registry,
		provisioner: cfg.Provisioner,
		resolver:    cfg.Resolver,
		plans:       cfg.Plans,
		gate:        cfg.Gate,
		identities:  cfg.Identities,
		purger:      cfg.Purger,
		defaultPlan: cfg.DefaultPlan,
		catalog:     cfg.Catalog,
		logger:      cfg.Logger,
		now:         time.Now,
	}, nil
}

// Tenant resolves ref to a tenant.
func (s *Service) Tenant(ctx context.Context, ref string) (*tenant.Tenant, error) {
	if ref == "" {
		return nil, store.Invalid("tenant", "reference is required")
	}
	t, err := s.registry.Lookup(ctx, ref)
	if err != nil {
		return nil, fmt.Errorf("tenant %q: %w", ref, err)
	}
	return t, nil
}

// TenantDetail is a tenant with its domains and resolved entitlements.
type TenantDetail struct {
	Tenant       *tenant.Tenant            `json:"tenant"`
	Domains      []*tenant.Domain          `json:"domains"`
	Entitlements *entitlement.Entitlements `json:"entitlements"`
}

// Describe loads the detail view of ref.
func (s *Service) Describe(ctx context.Context, ref string) (*TenantDetail, error) {
	t, err := s.Tenant(ctx, ref)
	if err != nil {
		return nil, err
	}
	domains, err := s.registry.Domains(ctx, t.ID)
	if err != nil {
		return nil, err
	}
	ent, err := s.resolver.Effective(ctx, t.ID)
	if err != nil {
		return nil, err
	}
	return &TenantDetail{Tenant: t, Domains: domains, Entitlements: ent}, nil
}

func (s *Service) ListTenants(ctx context.Context, f tenant.Filter) ([]*tenant.Tenant, error) {
	return s.registry.List(ctx, f)
}

func (s *Service) CreateTenant(ctx context.Context, in tenant.CreateTenantInput) (*tenant.Tenant, error) {
	return s.registry.CreateTenant(ctx, in)
}

func (s *Service) CreateDomain(ctx context.Context, ref, hostname string, isPrimary bool, actor audit.Actor) (*tenant.Domain, error) {
	t, err := s.Tenant(ctx, ref)
	if err != nil {
		return nil, err
	}
	return s.registry.CreateDomain(ctx, t.ID, hostname, isPrimary, actor)
}

func (s *Service) ProvisionTenant(ctx context.Context, ref string, admin *provision.AdminIdentity, actor audit.Actor) (*provision.Result, error) {
	t, err := s.Tenant(ctx, ref)
	if err != nil {
		return nil, err
	}
	return s.provisioner.ProvisionTenant(ctx, t, admin, actor)
}

func (s *Service) SuspendTenant(ctx context.Context, ref string, actor audit.Actor) (*tenant.Tenant, error) {
	t, err := s.Tenant(ctx, ref)
	if err != nil {
		return nil, err
	}
	return s.provisioner.SuspendTenant(ctx, t, actor)
}

func (s *Service) ActivateTenant(ctx context.Context, ref string, actor audit.Actor) (*tenant.Tenant, error) {
	t, err := s.Tenant(ctx, ref)
	if err != nil {
		return nil, err
	}
	return s.provisioner.ActivateTenant(ctx, t, actor)
}

// OnboardInput creates, entitles and provisions a tenant in one call.
type OnboardInput struct {
	tenant.CreateTenantInput
	// PlanCode defaults to the configured default plan.
	PlanCode string
	Admin    *provision.AdminIdentity
}

// Onboard creates the tenant record, assigns its plan and provisions it.
// When provisioning fails the created tenant is still returned, left in
// the failed state, so the caller can retry ProvisionTenant.
func (s *Service) Onboard(ctx context.Context, in OnboardInput) (*provision.Result, error) {
	t, err := s.registry.CreateTenant(ctx, in.CreateTenantInput)
	if err != nil {
		return nil, err
	}
	plan := in.PlanCode
	if plan == "" {
		plan = s.defaultPlan
	}
	if _, err := s.resolver.EnsureTenantPlan(ctx, t.ID, plan); err != nil {
		return &provision.Result{Tenant: t}, fmt.Errorf("assign plan %q: %w", plan, err)
	}
	res, err := s.provisioner.ProvisionTenant(ctx, t, in.Admin, in.Actor)
	if err != nil {
		return &provision.Result{Tenant: t}, err
	}
	s.logger.Info("tenant onboarded", "tenant", t.Namespace, "plan", plan, "source", t.Source)
	return res, nil
}

// SetTenantPlan assigns in.PlanCode to ref. TenantID and TenantNamespace in
// in are filled from the resolved tenant.
func (s *Service) SetTenantPlan(ctx context.Context, ref string, in entitlement.SetPlanInput) (*entitlement.TenantPlan, error) {
	t, err := s.Tenant(ctx, ref)
	if err != nil {
		return nil, err
	}
	in.TenantID = t.ID
	in.TenantNamespace = t.Namespace
	return s.resolver.SetTenantPlan(ctx, in)
}

func (s *Service) Entitlements(ctx context.Context, ref string) (*entitlement.Entitlements, error) {
	t, err := s.Tenant(ctx, ref)
	if err != nil {
		return nil, err
	}
	return s.resolver.Effective(ctx, t.ID)
}

// FeatureEnabled reports IsFeatureEnabled for ref.
func (s *Service) FeatureEnabled(ctx context.Context, ref, key string) (bool, error) {
	t, err := s.Tenant(ctx, ref)
	if err != nil {
		return false, err
	}
	return s.resolver.IsFeatureEnabled(ctx, t.ID, key)
}

func (s *Service) Plans(ctx context.Context, activeOnly bool) ([]*entitlement.Plan, error) {
	return s.resolver.Plans(ctx, activeOnly)
}

// SeedPlans installs the configured plan catalog.
func (s *Service) SeedPlans(ctx context.Context) (*entitlement.SeedResult, error) {
	return entitlement.SeedPlans(ctx, s.plans, s.catalog, s.logger)
}

func (s *Service) CheckQuota(ctx context.Context, ref, key string, used, needed int64) (quota.Check, error) {
	t, err := s.Tenant(ctx, ref)
	if err != nil {
		return quota.Check{}, err
	}
	return s.gate.CheckQuota(ctx, t.ID, key, used, needed)
}

// EnforceInput is quota.EnforceRequest without the resolved tenant.
type EnforceInput struct {
	Key      string         `json:"key"`
	Used     int64          `json:"used"`
	Needed   int64          `json:"needed"`
	Action   string         `json:"action,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
	Actor    audit.Actor    `json:"-"`
}

func (s *Service) EnforceQuota(ctx context.Context, ref string, in EnforceInput) (quota.Check, error) {
	t, err := s.Tenant(ctx, ref)
	if err != nil {
		return quota.Check{}, err
	}
	return s.gate.EnforceQuota(ctx, quota.EnforceRequest{
		Tenant:   t,
		Key:      in.Key,
		Used:     in.Used,
		Needed:   in.Needed,
		Action:   in.Action,
		Metadata: in.Metadata,
		Actor:    in.Actor,
	})
}

// IncrementInput is quota.IncrementRequest without the resolved tenant.
type IncrementInput struct {
	Key         string               `json:"key"`
	Metric      string               `json:"metric,omitempty"`
	Granularity metering.Granularity `json:"granularity,omitempty"`
	Needed      int64                `json:"needed"`
	Action      string               `json:"action,omitempty"`
	Metadata    map[string]any       `json:"metadata,omitempty"`
	Actor       audit.Actor          `json:"-"`
}

func (s *Service) IncrementAndEnforce(ctx context.Context, ref string, in IncrementInput) (int64, error) {
	t, err := s.Tenant(ctx, ref)
	if err != nil {
		return 0, err
	}
	return s.gate.IncrementAndEnforce(ctx, quota.IncrementRequest{
		Tenant:      t,
		Key:         in.Key,
		Metric:      in.Metric,
		Granularity: in.Granularity,
		Needed:      in.Needed,
		Action:      in.Action,
		Metadata:    in.Metadata,
		Actor:       in.Actor,
	})
}

func (s *Service) AddMeteredBytes(ctx context.Context, ref string, deltaBytes int64, metadata map[string]any) (int64, error) {
	t, err := s.Tenant(ctx, ref)
	if err != nil {
		return 0, err
	}
	return s.gate.AddMeteredBytes(ctx, t, deltaBytes, metadata)
}

// Usage lists every counter recorded for ref.
func (s *Service) Usage(ctx context.Context, ref string) ([]metering.Counter, error) {
	t, err := s.Tenant(ctx, ref)
	if err != nil {
		return nil, err
	}
	return s.gate.UsageReport(ctx, t.ID)
}

// IssueCredentialToken reissues a credential-set token for an existing
// identity of ref.
func (s *Service) IssueCredentialToken(ctx context.Context, ref, email string) (*identity.CredentialToken, error) {
	if s.identities == nil {
		return nil, errors.New("admin: identity service is not configured")
	}
	t, err := s.Tenant(ctx, ref)
	if err != nil {
		return nil, err
	}
	if t.Status != tenant.StatusActive {
		return nil, fmt.Errorf("tenant %s is %s: %w", t.Slug, t.Status, provision.ErrInvalidTransition)
	}
	id, err := s.identities.Lookup(ctx, t.Namespace, email)
	if err != nil {
		return nil, err
	}
	return s.identities.IssueCredentialToken(ctx, t.Namespace, id.ID)
}

// PurgeAudit deletes audit events older than days. It returns the number
// of events removed.
func (s *Service) PurgeAudit(ctx context.Context, days int) (int64, error) {
	if days < 1 {
		return 0, store.Invalid("days", "must be at least 1")
	}
	if s.purger == nil {
		return 0, ErrPurgeUnsupported
	}
	cutoff := audit.RetentionCutoff(s.now(), days)
	n, err := s.purger.Purge(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge audit events: %w", err)
	}
	s.logger.Info("audit events purged", "cutoff", cutoff, "deleted", n)
	return n, nil
}
