// Package identity manages the users that live inside a tenant namespace:
// the tenant administrator created during provisioning and the one-time
// tokens used to set their first password.
package identity

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/GoCodeAlone/tenancy/store"
)

// unusablePrefix marks a password hash that no password can match.
const unusablePrefix = "!"

// Identity is a user account inside one tenant namespace.
type Identity struct {
	ID           uuid.UUID `json:"id"`
	Namespace    string    `json:"namespace"`
	Email        string    `json:"email"`
	DisplayName  string    `json:"display_name,omitempty"`
	PasswordHash string    `json:"-"`
	IsAdmin      bool      `json:"is_admin"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// HasUsablePassword reports whether the identity can log in with a password.
func (i *Identity) HasUsablePassword() bool {
	return i.PasswordHash != "" && !strings.HasPrefix(i.PasswordHash, unusablePrefix)
}

func (i *Identity) setUnusablePassword() {
	i.PasswordHash = unusablePrefix + uuid.NewString()
}

func (i *Identity) AuditType() string { return "identity" }
func (i *Identity) AuditID() string   { return i.ID.String() }
func (i *Identity) AuditRepr() string { return i.Email }

// NormalizeEmail trims and lowercases an address and checks its shape.
func NormalizeEmail(email string) (string, error) {
	e := strings.ToLower(strings.TrimSpace(email))
	if e == "" {
		return "", store.Invalid("email", "is required")
	}
	at := strings.LastIndexByte(e, '@')
	if at < 1 || at == len(e)-1 || strings.ContainsAny(e, " \t\r\n") {
		return "", store.Invalid("email", "%q is not an email address", email)
	}
	return e, nil
}
