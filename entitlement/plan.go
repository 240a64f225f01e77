// Package entitlement resolves what a tenant's plan allows: quota limits and
// feature flags, with per-tenant overrides.
package entitlement

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/GoCodeAlone/tenancy/store"
)

// Quota keys.
const (
	KeyMaxUsers          = "max_users"
	KeyMaxUnits          = "max_units"
	KeyMaxStorageBytes   = "max_storage_bytes"
	KeyAPIRequestsPerDay = "api_requests_per_day"
)

// UsageStorageBytes is the usage counter metered against KeyMaxStorageBytes.
// Counters are named separately from quota keys so limits can be renamed
// without touching stored usage.
const UsageStorageBytes = "storage_bytes"

// Plan is a catalogue entry.
type Plan struct {
	Code           string          `json:"code"`
	Name           string          `json:"name"`
	Description    string          `json:"description,omitempty"`
	Quotas         Quotas          `json:"quotas"`
	FeatureFlags   map[string]bool `json:"feature_flags"`
	IsActive       bool            `json:"is_active"`
	Currency       string          `json:"currency"`
	UnitPriceCents int64           `json:"unit_price_cents"`
	IncludedUnits  int64           `json:"included_units"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

func (p *Plan) AuditType() string { return "plan" }
func (p *Plan) AuditID() string   { return p.Code }
func (p *Plan) AuditRepr() string { return fmt.Sprintf("%s (%s)", p.Name, p.Code) }

// PlanStatus is the commercial state of a tenant's subscription. It is
// informational: resolution does not consult it.
type PlanStatus string

const (
	PlanActive   PlanStatus = "active"
	PlanTrial    PlanStatus = "trial"
	PlanCanceled PlanStatus = "canceled"
	PlanPastDue  PlanStatus = "past_due"
)

func (s PlanStatus) Valid() bool {
	switch s {
	case PlanActive, PlanTrial, PlanCanceled, PlanPastDue:
		return true
	}
	return false
}

// TenantPlan assigns one plan to one tenant. Overrides replace the plan's
// value for the same key; they never add to it.
type TenantPlan struct {
	TenantID         uuid.UUID       `json:"tenant_id"`
	PlanCode         string          `json:"plan_code"`
	Status           PlanStatus      `json:"status"`
	QuotaOverrides   Quotas          `json:"quota_overrides"`
	FeatureOverrides map[string]bool `json:"feature_overrides"`
	StartsAt         time.Time       `json:"starts_at"`
	EndsAt           *time.Time      `json:"ends_at,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

func (tp *TenantPlan) AuditType() string { return "tenant_plan" }
func (tp *TenantPlan) AuditID() string   { return tp.TenantID.String() }
func (tp *TenantPlan) AuditRepr() string {
	return fmt.Sprintf("%s: %s (%s)", tp.TenantID, tp.PlanCode, tp.Status)
}

// NormalizeCode trims and lowercases a plan code.
func NormalizeCode(code string) string {
	return strings.ToLower(strings.TrimSpace(code))
}

func validatePlan(p *Plan) error {
	if p.Code == "" {
		return store.Invalid("code", "is required")
	}
	if strings.TrimSpace(p.Name) == "" {
		return store.Invalid("name", "is required")
	}
	if p.UnitPriceCents < 0 || p.IncludedUnits < 0 {
		return store.Invalid("price", "must not be negative")
	}
	return nil
}
