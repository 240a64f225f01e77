// Package provision moves tenants through their lifecycle: it creates and
// migrates the tenant namespace, ensures the tenant administrator, and
// suspends or reactivates tenants. Every status change is a compare-and-swap
// on the tenant's version and is audited with its before and after values.
package provision

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/GoCodeAlone/tenancy/audit"
	"github.com/GoCodeAlone/tenancy/identity"
	"github.com/GoCodeAlone/tenancy/observability/tracing"
	"github.com/GoCodeAlone/tenancy/store"
	"github.com/GoCodeAlone/tenancy/tenant"
)

// ErrInvalidTransition is returned when the tenant's status does not allow
// the requested change.
var ErrInvalidTransition = errors.New("invalid tenant status transition")

// ErrProvisioningFailed is matched by every *Error.
var ErrProvisioningFailed = errors.New("tenant provisioning failed")

// Provisioning steps, reported in Error.Step.
const (
	StepStatus    = "status"
	StepNamespace = "namespace"
	StepMigrate   = "migrate"
	StepAdmin     = "admin"
)

// Error is a provisioning failure. The tenant has been marked failed.
type Error struct {
	Step      string
	Namespace string
	Err       error
}

func (e *Error) Error() string {
	return fmt.Sprintf("provision %s: %s: %v", e.Namespace, e.Step, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool { return target == ErrProvisioningFailed }

// NamespaceManager creates isolated namespaces.
type NamespaceManager interface {
	// Ensure creates namespace if it does not exist.
	Ensure(ctx context.Context, namespace string) error
}

// MigrationRunner brings a namespace to the current tenant schema.
// *migration.NamespaceRunner satisfies it.
type MigrationRunner interface {
	Apply(ctx context.Context, namespace string) error
}

// Identities ensures the tenant administrator. *identity.Service satisfies
// it.
type Identities interface {
	EnsureAdmin(ctx context.Context, namespace string, in identity.AdminInput) (*identity.Identity, *identity.CredentialToken, error)
}

// StatusStore performs versioned status updates. tenant.Store satisfies it.
type StatusStore interface {
	UpdateStatus(ctx context.Context, id uuid.UUID, from, to tenant.Status, version int64) (*tenant.Tenant, error)
}

// AdminIdentity is the administrator to create during provisioning. An
// empty Password leaves the identity without a usable credential and
// returns a credential token instead.
type AdminIdentity struct {
	Email       string `json:"email"`
	Password    string `json:"password,omitempty"`
	DisplayName string `json:"display_name,omitempty"`
}

// Result reports a finished provisioning run.
type Result struct {
	Tenant        *tenant.Tenant            `json:"tenant"`
	AlreadyActive bool                      `json:"already_active"`
	Admin         *identity.Identity        `json:"admin,omitempty"`
	Credential    *identity.CredentialToken `json:"credential,omitempty"`
}

// Provisioner runs tenant lifecycle transitions.
type Provisioner struct {
	tenants    StatusStore
	namespaces NamespaceManager
	migrations MigrationRunner
	identities Identities
	recorder   *audit.Recorder
	tracer     *tracing.Tracer
	logger     *slog.Logger
}

// Config wires a Provisioner. Identities may be nil when tenants are never
// provisioned with an administrator.
type Config struct {
	Tenants    StatusStore
	Namespaces NamespaceManager
	Migrations MigrationRunner
	Identities Identities
	Recorder   *audit.Recorder
	Tracer     *tracing.Tracer
	Logger     *slog.Logger
}

func New(cfg Config) *Provisioner {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Recorder == nil {
		cfg.Recorder = audit.NewRecorder(nil, cfg.Logger)
	}
	return &Provisioner{
		tenants:    cfg.Tenants,
		namespaces: cfg.Namespaces,
		migrations: cfg.Migrations,
		identities: cfg.Identities,
		recorder:   cfg.Recorder,
		tracer:     cfg.Tracer,
		logger:     cfg.Logger,
	}
}

// ProvisionTenant makes t usable. An active tenant is left untouched. A
// pending or failed tenant moves to provisioning, gets its namespace,
// schema and optional administrator, and becomes active. On failure the
// tenant is marked failed, a failure event is written immediately, and an
// *Error is returned; nothing is retried. t is updated in place with the
// stored tenant.
func (p *Provisioner) ProvisionTenant(ctx context.Context, t *tenant.Tenant, admin *AdminIdentity, actor audit.Actor) (*Result, error) {
	if t.Status == tenant.StatusActive {
		return &Result{Tenant: t, AlreadyActive: true}, nil
	}
	if t.Namespace == store.ControlNamespace {
		return nil, store.Invalid("namespace", "the control namespace cannot be provisioned")
	}
	switch t.Status {
	case tenant.StatusPending, tenant.StatusFailed, tenant.StatusProvisioning:
	default:
		return nil, fmt.Errorf("provision %s from %s: %w", t.Namespace, t.Status, ErrInvalidTransition)
	}
	if admin != nil && p.identities == nil {
		return nil, store.Invalid("admin", "no identity service configured")
	}

	ctx, span := p.tracer.StartLifecycle(ctx, "provision", t.Namespace)
	res, err := p.provision(ctx, t, admin, actor)
	tracing.End(span, err)
	return res, err
}

func (p *Provisioner) provision(ctx context.Context, t *tenant.Tenant, admin *AdminIdentity, actor audit.Actor) (*Result, error) {
	before := t.Status
	cur, err := p.tenants.UpdateStatus(ctx, t.ID, before, tenant.StatusProvisioning, t.Version)
	if err != nil {
		return nil, fmt.Errorf("provision %s: %w", t.Namespace, err)
	}
	*t = *cur
	p.audit(ctx, "tenant.provision.started", t, before, actor, audit.StatusSuccess, "")
	p.logger.Info("provisioning tenant", "tenant", t.Namespace, "from", before)

	res := &Result{Tenant: t}
	steps := []struct {
		name string
		run  func(context.Context) error
	}{
		{StepNamespace, func(ctx context.Context) error { return p.namespaces.Ensure(ctx, t.Namespace) }},
		{StepMigrate, func(ctx context.Context) error { return p.migrations.Apply(ctx, t.Namespace) }},
		{StepAdmin, func(ctx context.Context) error {
			if admin == nil {
				return nil
			}
			id, tok, err := p.identities.EnsureAdmin(ctx, t.Namespace, identity.AdminInput{
				Email:       admin.Email,
				Password:    admin.Password,
				DisplayName: admin.DisplayName,
			})
			res.Admin, res.Credential = id, tok
			return err
		}},
	}
	for _, s := range steps {
		stepCtx, span := p.tracer.StartStep(ctx, s.name)
		err := s.run(stepCtx)
		tracing.End(span, err)
		if err != nil {
			return nil, p.fail(ctx, t, s.name, err, actor)
		}
	}

	cur, err = p.tenants.UpdateStatus(ctx, t.ID, tenant.StatusProvisioning, tenant.StatusActive, t.Version)
	if err != nil {
		return nil, p.fail(ctx, t, StepStatus, err, actor)
	}
	*t = *cur
	p.audit(ctx, "tenant.provision.completed", t, tenant.StatusProvisioning, actor, audit.StatusSuccess, "")
	p.logger.Info("tenant provisioned", "tenant", t.Namespace, "admin", admin != nil)
	return res, nil
}

// fail marks t failed and records the failure. The original cause is
// returned inside an *Error even when marking the tenant fails too.
func (p *Provisioner) fail(ctx context.Context, t *tenant.Tenant, step string, cause error, actor audit.Actor) error {
	perr := &Error{Step: step, Namespace: t.Namespace, Err: cause}
	p.logger.Error("tenant provisioning failed", "tenant", t.Namespace, "step", step, "error", cause)

	if cur, err := p.tenants.UpdateStatus(ctx, t.ID, tenant.StatusProvisioning, tenant.StatusFailed, t.Version); err != nil {
		p.logger.Error("mark tenant failed", "tenant", t.Namespace, "error", err)
	} else {
		*t = *cur
	}
	p.audit(ctx, "tenant.provision.failed", t, tenant.StatusProvisioning, actor, audit.StatusFailure, perr.Error())
	return perr
}

// SuspendTenant moves an active tenant to suspended.
func (p *Provisioner) SuspendTenant(ctx context.Context, t *tenant.Tenant, actor audit.Actor) (*tenant.Tenant, error) {
	if t.Namespace == store.ControlNamespace {
		return nil, store.Invalid("namespace", "the control namespace cannot be suspended")
	}
	return p.transition(ctx, "suspend", "tenant.suspended", t, tenant.StatusActive, tenant.StatusSuspended, actor)
}

// ActivateTenant moves a suspended tenant back to active. Failed tenants
// must be provisioned again instead.
func (p *Provisioner) ActivateTenant(ctx context.Context, t *tenant.Tenant, actor audit.Actor) (*tenant.Tenant, error) {
	return p.transition(ctx, "activate", "tenant.activated", t, tenant.StatusSuspended, tenant.StatusActive, actor)
}

func (p *Provisioner) transition(ctx context.Context, op, action string, t *tenant.Tenant, from, to tenant.Status, actor audit.Actor) (*tenant.Tenant, error) {
	if t.Status != from {
		return nil, fmt.Errorf("%s %s from %s: %w", op, t.Namespace, t.Status, ErrInvalidTransition)
	}
	ctx, span := p.tracer.StartLifecycle(ctx, op, t.Namespace)
	cur, err := p.tenants.UpdateStatus(ctx, t.ID, from, to, t.Version)
	tracing.End(span, err)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", op, t.Namespace, err)
	}
	*t = *cur
	p.audit(ctx, action, t, from, actor, audit.StatusSuccess, "")
	p.logger.Info("tenant status changed", "tenant", t.Namespace, "from", from, "to", to)
	return t, nil
}

func (p *Provisioner) audit(ctx context.Context, action string, t *tenant.Tenant, from tenant.Status, actor audit.Actor, status audit.Status, msg string) {
	ev := audit.Event{
		Action:          action,
		Status:          status,
		Message:         msg,
		TenantNamespace: t.Namespace,
	}.WithActor(actor).WithObject(t)
	if from != t.Status {
		ev = ev.WithChange("status", string(from), string(t.Status))
	}
	_ = p.recorder.Immediate(ctx, ev)
}
