// Package quota is the enforcement gate: it compares usage against a
// tenant's effective limits and, for metered quotas, increments the usage
// counter under a per-row lock so concurrent callers cannot overshoot a
// hard limit.
package quota

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/GoCodeAlone/tenancy/audit"
	"github.com/GoCodeAlone/tenancy/entitlement"
	"github.com/GoCodeAlone/tenancy/metering"
	"github.com/GoCodeAlone/tenancy/observability/tracing"
	"github.com/GoCodeAlone/tenancy/store"
	"github.com/GoCodeAlone/tenancy/tenant"
)

// Mode decides what a denied check does.
type Mode string

const (
	// ModeSoft records the overage and lets the operation proceed.
	ModeSoft Mode = "soft"
	// ModeHard records the overage and refuses the operation.
	ModeHard Mode = "hard"
)

// ParseMode accepts soft or hard.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case ModeSoft, ModeHard:
		return m, nil
	}
	return "", store.Invalid("mode", "%q must be soft or hard", s)
}

// Limits resolves a tenant's effective limit for a quota key.
// *entitlement.Resolver satisfies it.
type Limits interface {
	GetEffectiveQuotaLimit(ctx context.Context, tenantID uuid.UUID, key string) (entitlement.Limit, error)
}

// Check is the outcome of comparing usage against a limit.
type Check struct {
	Key     string            `json:"key"`
	Limit   entitlement.Limit `json:"limit"`
	Used    int64             `json:"used"`
	Needed  int64             `json:"needed"`
	Allowed bool              `json:"allowed"`
	Mode    Mode              `json:"mode"`
}

// Remaining is max(limit-used, 0). ok is false for unlimited keys.
func (c Check) Remaining() (n int64, ok bool) {
	return c.Limit.Remaining(c.Used)
}

// ErrQuotaExceeded is matched by every hard-mode denial.
var ErrQuotaExceeded = errors.New("quota exceeded")

// ExceededError carries the failing check.
type ExceededError struct {
	Namespace string
	Check     Check
}

func (e *ExceededError) Error() string {
	return fmt.Sprintf("%s: %s", ErrQuotaExceeded, describe(e.Check))
}

func (e *ExceededError) Unwrap() error { return ErrQuotaExceeded }

func describe(c Check) string {
	return fmt.Sprintf("%s (used=%d, needed=%d, limit=%s)", c.Key, c.Used, c.Needed, c.Limit)
}

// Gate enforces quotas for every tenant.
type Gate struct {
	limits   Limits
	usage    metering.Store
	mode     Mode
	recorder *audit.Recorder
	logger   *slog.Logger
	metrics  *Metrics
	tracer   *tracing.Tracer
	now      func() time.Time
}

// Option configures a Gate.
type Option func(*Gate)

// WithRecorder sets where denial events are written.
func WithRecorder(r *audit.Recorder) Option { return func(g *Gate) { g.recorder = r } }

func WithLogger(l *slog.Logger) Option { return func(g *Gate) { g.logger = l } }

func WithMetrics(m *Metrics) Option { return func(g *Gate) { g.metrics = m } }

func WithTracer(t *tracing.Tracer) Option { return func(g *Gate) { g.tracer = t } }

// New creates a Gate. An empty mode is soft.
func New(limits Limits, usage metering.Store, mode Mode, opts ...Option) *Gate {
	if mode == "" {
		mode = ModeSoft
	}
	g := &Gate{
		limits: limits,
		usage:  usage,
		mode:   mode,
		now:    time.Now,
	}
	for _, o := range opts {
		o(g)
	}
	if g.logger == nil {
		g.logger = slog.Default()
	}
	if g.recorder == nil {
		g.recorder = audit.NewRecorder(nil, g.logger)
	}
	return g
}

// Mode reports the enforcement mode fixed at construction.
func (g *Gate) Mode() Mode { return g.mode }

func (g *Gate) evaluate(key string, limit entitlement.Limit, used, needed int64) Check {
	c := Check{
		Key:     key,
		Limit:   limit,
		Used:    used,
		Needed:  needed,
		Allowed: limit.Allows(used, needed),
		Mode:    g.mode,
	}
	g.metrics.observeCheck(c)
	return c
}

// CheckQuota compares used+needed against the tenant's effective limit for
// key. It has no side effects.
func (g *Gate) CheckQuota(ctx context.Context, tenantID uuid.UUID, key string, used, needed int64) (Check, error) {
	limit, err := g.limits.GetEffectiveQuotaLimit(ctx, tenantID, key)
	if err != nil {
		return Check{}, fmt.Errorf("resolve limit %s: %w", key, err)
	}
	return g.evaluate(key, limit, used, needed), nil
}

// EnforceRequest asks whether a tenant may consume Needed more units of Key
// given Used already consumed.
type EnforceRequest struct {
	Tenant   *tenant.Tenant
	Key      string
	Used     int64
	Needed   int64
	Action   string // audit action, default "quota.<key>.exceeded"
	Metadata map[string]any
	Actor    audit.Actor
}

// EnforceQuota runs CheckQuota and, when the check fails, records one audit
// event and one warning. In hard mode a failed check is returned as an
// *ExceededError; in soft mode the failed Check is returned with a nil
// error.
func (g *Gate) EnforceQuota(ctx context.Context, req EnforceRequest) (Check, error) {
	if req.Tenant == nil {
		return Check{}, store.Invalid("tenant", "is required")
	}
	ctx, span := g.tracer.StartQuota(ctx, "enforce", req.Tenant.Namespace, req.Key)
	check, err := g.CheckQuota(ctx, req.Tenant.ID, req.Key, req.Used, req.Needed)
	if err == nil && !check.Allowed {
		err = g.deny(ctx, req.Tenant, check, req.Action, req.Metadata, req.Actor)
	}
	tracing.End(span, err)
	return check, err
}

// deny runs the failure path shared by every enforcement entry point.
func (g *Gate) deny(ctx context.Context, t *tenant.Tenant, c Check, action string, meta map[string]any, actor audit.Actor) error {
	if action == "" {
		action = "quota." + c.Key + ".exceeded"
	}
	md := make(map[string]any, len(meta)+8)
	maps.Copy(md, meta)
	md["tenant_schema"] = t.Namespace
	md["tenant_slug"] = t.Slug
	md["key"] = c.Key
	md["used"] = c.Used
	md["needed"] = c.Needed
	md["limit"] = c.Limit.Ptr()
	md["mode"] = string(c.Mode)

	ev := audit.Event{
		Action:          action,
		Status:          audit.StatusFailure,
		Message:         "Quota exceeded: " + describe(c),
		TenantNamespace: t.Namespace,
		Metadata:        md,
	}.WithActor(actor).WithObject(t)
	_ = g.recorder.Immediate(ctx, ev)

	g.logger.Warn("quota exceeded",
		"tenant", t.Namespace,
		"key", c.Key,
		"used", c.Used,
		"needed", c.Needed,
		"limit", c.Limit.String(),
		"mode", string(c.Mode),
	)
	g.metrics.observeExceeded(c)

	if c.Mode == ModeHard {
		return &ExceededError{Namespace: t.Namespace, Check: c}
	}
	return nil
}

// errHardDenial aborts a counter update refused in hard mode.
var errHardDenial = errors.New("hard quota denial")

// IncrementRequest asks to consume Needed units of a metered quota.
type IncrementRequest struct {
	Tenant *tenant.Tenant
	// Key is the limit key, e.g. max_units.
	Key string
	// Metric names the usage counter. Defaults to Key.
	Metric string
	// Granularity of the counter window. Defaults to lifetime.
	Granularity metering.Granularity
	Needed      int64
	Action      string
	Metadata    map[string]any
	Actor       audit.Actor
	// OnIncrement runs while the counter is locked, after the new total is
	// computed and before it is stored. An error aborts the increment.
	OnIncrement func(ctx context.Context, total int64) error
}

// IncrementAndEnforce locks the tenant's counter for the current window,
// enforces the limit against the locked value, and increments it. It
// returns the new total, or on a hard denial the unchanged total together
// with an *ExceededError. Lock waits past the store's timeout fail with
// store.ErrContended and change nothing.
func (g *Gate) IncrementAndEnforce(ctx context.Context, req IncrementRequest) (int64, error) {
	if req.Tenant == nil {
		return 0, store.Invalid("tenant", "is required")
	}
	if req.Needed < 1 {
		return 0, store.Invalid("needed", "must be at least 1, got %d", req.Needed)
	}
	if req.Metric == "" {
		req.Metric = req.Key
	}
	if req.Granularity == "" {
		req.Granularity = metering.Lifetime
	}

	ctx, span := g.tracer.StartQuota(ctx, "increment", req.Tenant.Namespace, req.Key)
	total, err := g.increment(ctx, req)
	tracing.End(span, err)
	return total, err
}

func (g *Gate) increment(ctx context.Context, req IncrementRequest) (int64, error) {
	limit, err := g.limits.GetEffectiveQuotaLimit(ctx, req.Tenant.ID, req.Key)
	if err != nil {
		return 0, fmt.Errorf("resolve limit %s: %w", req.Key, err)
	}

	key := metering.KeyAt(req.Tenant.ID, req.Metric, req.Granularity, g.now())
	var denied *Check
	c, err := g.usage.Update(ctx, key, func(ctx context.Context, used int64) (int64, error) {
		denied = nil
		check := g.evaluate(req.Key, limit, used, req.Needed)
		if !check.Allowed {
			denied = &check
			if check.Mode == ModeHard {
				return used, errHardDenial
			}
		}
		next := used + req.Needed
		if req.OnIncrement != nil {
			if err := req.OnIncrement(ctx, next); err != nil {
				return used, err
			}
		}
		return next, nil
	})
	// Denials are recorded after the counter lock is released.
	if denied != nil {
		derr := g.deny(ctx, req.Tenant, *denied, req.Action, req.Metadata, req.Actor)
		if errors.Is(err, errHardDenial) {
			return c.Value, derr
		}
	}
	if err != nil {
		if errors.Is(err, store.ErrContended) {
			g.metrics.observeContended(req.Metric)
			g.logger.Warn("usage counter contended", "tenant", req.Tenant.Namespace, "metric", req.Metric, "error", err)
		}
		return c.Value, err
	}
	g.metrics.observeIncrement(req.Metric, req.Needed)
	return c.Value, nil
}

// AddMeteredBytes adds deltaBytes to the tenant's monthly storage counter
// and enforces max_storage_bytes. Non-positive deltas are ignored and
// report 0.
func (g *Gate) AddMeteredBytes(ctx context.Context, t *tenant.Tenant, deltaBytes int64, metadata map[string]any) (int64, error) {
	if deltaBytes <= 0 {
		return 0, nil
	}
	md := make(map[string]any, len(metadata)+2)
	maps.Copy(md, metadata)
	md["delta_bytes"] = deltaBytes
	md["usage_key"] = entitlement.UsageStorageBytes

	return g.IncrementAndEnforce(ctx, IncrementRequest{
		Tenant:      t,
		Key:         entitlement.KeyMaxStorageBytes,
		Metric:      entitlement.UsageStorageBytes,
		Granularity: metering.Month,
		Needed:      deltaBytes,
		Action:      "quota.max_storage_bytes.exceeded",
		Metadata:    md,
	})
}

// Usage returns the current-window counter for metric.
func (g *Gate) Usage(ctx context.Context, tenantID uuid.UUID, metric string, gran metering.Granularity) (metering.Counter, error) {
	return g.usage.Get(ctx, metering.KeyAt(tenantID, metric, gran, g.now()))
}

// UsageReport lists every stored counter of a tenant.
func (g *Gate) UsageReport(ctx context.Context, tenantID uuid.UUID) ([]metering.Counter, error) {
	return g.usage.List(ctx, tenantID)
}
