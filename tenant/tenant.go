// Package tenant is the registry of tenants and the hostnames that route to
// them.
package tenant

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/GoCodeAlone/tenancy/store"
)

// Status is a tenant lifecycle state.
type Status string

const (
	StatusPending      Status = "pending"
	StatusProvisioning Status = "provisioning"
	StatusActive       Status = "active"
	StatusSuspended    Status = "suspended"
	StatusFailed       Status = "failed"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusProvisioning, StatusActive, StatusSuspended, StatusFailed:
		return true
	}
	return false
}

// Tenant is one isolated customer namespace.
type Tenant struct {
	ID         uuid.UUID `json:"id"`
	Name       string    `json:"name"`
	Slug       string    `json:"slug"`
	Namespace  string    `json:"namespace"`
	Status     Status    `json:"status"`
	Version    int64     `json:"version"`
	ExternalID string    `json:"external_id,omitempty"`
	Source     string    `json:"source,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

func (t *Tenant) AuditType() string { return "tenant" }
func (t *Tenant) AuditID() string   { return t.ID.String() }
func (t *Tenant) AuditRepr() string { return fmt.Sprintf("%s (%s)", t.Name, t.Slug) }

// Domain routes a hostname to a tenant.
type Domain struct {
	ID        uuid.UUID `json:"id"`
	TenantID  uuid.UUID `json:"tenant_id"`
	Hostname  string    `json:"hostname"`
	IsPrimary bool      `json:"is_primary"`
	CreatedAt time.Time `json:"created_at"`
}

func (d *Domain) AuditType() string { return "domain" }
func (d *Domain) AuditID() string   { return d.ID.String() }
func (d *Domain) AuditRepr() string { return d.Hostname }

// ReservedSlugs can never be used as a tenant slug or namespace.
var ReservedSlugs = map[string]bool{
	"public": true,
	"admin":  true,
	"www":    true,
	"api":    true,
	"root":   true,
	"static": true,
	"media":  true,
}

// MaxSlugLen matches the PostgreSQL identifier limit.
const MaxSlugLen = 63

var (
	slugPattern      = regexp.MustCompile(`^[a-z0-9]+(?:-[a-z0-9]+)*$`)
	namespacePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]*$`)
	hostnamePattern  = regexp.MustCompile(`^[a-z0-9](?:[a-z0-9-]*[a-z0-9])?(?:\.[a-z0-9](?:[a-z0-9-]*[a-z0-9])?)*(?::[0-9]{1,5})?$`)
)

// NormalizeSlug trims and lowercases s.
func NormalizeSlug(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// ValidateSlug checks an already normalized slug.
func ValidateSlug(slug string) error {
	switch {
	case slug == "":
		return store.Invalid("slug", "is required")
	case ReservedSlugs[slug]:
		return store.Invalid("slug", "%q is reserved", slug)
	case len(slug) > MaxSlugLen:
		return store.Invalid("slug", "must be at most %d characters", MaxSlugLen)
	case !slugPattern.MatchString(slug):
		return store.Invalid("slug", "%q must be lowercase letters, digits and single hyphens", slug)
	}
	return nil
}

// ValidateNamespace checks a namespace override.
func ValidateNamespace(ns string) error {
	switch {
	case ns == "":
		return store.Invalid("namespace", "is required")
	case ns == store.ControlNamespace || ReservedSlugs[ns]:
		return store.Invalid("namespace", "%q is reserved", ns)
	case len(ns) > MaxSlugLen:
		return store.Invalid("namespace", "must be at most %d characters", MaxSlugLen)
	case !namespacePattern.MatchString(ns):
		return store.Invalid("namespace", "%q is not a valid schema name", ns)
	}
	return nil
}

// NormalizeHostname lowercases a hostname and rejects URLs and paths.
func NormalizeHostname(h string) (string, error) {
	h = strings.TrimSuffix(strings.ToLower(strings.TrimSpace(h)), ".")
	switch {
	case h == "":
		return "", store.Invalid("domain", "is required")
	case strings.Contains(h, "://"):
		return "", store.Invalid("domain", "%q must be a hostname without scheme", h)
	case strings.ContainsAny(h, "/?#@ "):
		return "", store.Invalid("domain", "%q must be a hostname without path", h)
	case !hostnamePattern.MatchString(h):
		return "", store.Invalid("domain", "%q is not a valid hostname", h)
	}
	return h, nil
}
