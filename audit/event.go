// Package audit records lifecycle and enforcement events for the control
// plane. Events are written immediately or collected in a Unit and written
// only when the surrounding unit of work commits.
package audit

import (
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

// Status is the outcome recorded on an event.
type Status string

const (
	StatusSuccess Status = "success"
	StatusFailure Status = "failure"
)

// MaxMessageLen is the longest message stored on an event, in runes.
const MaxMessageLen = 500

// Change is the before/after pair of one field.
type Change struct {
	From any `json:"from"`
	To   any `json:"to"`
}

// Actor describes who triggered an operation and from where.
type Actor struct {
	ID        string `json:"id,omitempty"`
	Email     string `json:"email,omitempty"`
	IPAddress string `json:"ip_address,omitempty"`
	UserAgent string `json:"user_agent,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

// Auditable is implemented by records that can be the subject of an event.
type Auditable interface {
	AuditType() string
	AuditID() string
	AuditRepr() string
}

// Event is a single audit entry.
type Event struct {
	ID              uuid.UUID         `json:"id"`
	Timestamp       time.Time         `json:"timestamp"`
	Action          string            `json:"action"`
	Status          Status            `json:"status"`
	Message         string            `json:"message,omitempty"`
	TenantNamespace string            `json:"tenant_namespace,omitempty"`
	RequestID       string            `json:"request_id,omitempty"`
	ActorID         string            `json:"actor_id,omitempty"`
	ActorEmail      string            `json:"actor_email,omitempty"`
	IPAddress       string            `json:"ip_address,omitempty"`
	UserAgent       string            `json:"user_agent,omitempty"`
	ObjectType      string            `json:"object_type,omitempty"`
	ObjectID        string            `json:"object_id,omitempty"`
	ObjectRepr      string            `json:"object_repr,omitempty"`
	Changes         map[string]Change `json:"changes,omitempty"`
	Metadata        map[string]any    `json:"metadata,omitempty"`
}

// WithActor copies the actor fields onto e.
func (e Event) WithActor(a Actor) Event {
	e.ActorID = a.ID
	e.ActorEmail = a.Email
	e.IPAddress = a.IPAddress
	e.UserAgent = a.UserAgent
	if e.RequestID == "" {
		e.RequestID = a.RequestID
	}
	return e
}

// WithObject sets the subject of e. A nil object leaves e unchanged.
func (e Event) WithObject(o Auditable) Event {
	if o == nil {
		return e
	}
	e.ObjectType = o.AuditType()
	e.ObjectID = o.AuditID()
	e.ObjectRepr = o.AuditRepr()
	return e
}

// WithChange records one field transition on e.
func (e Event) WithChange(field string, from, to any) Event {
	changes := make(map[string]Change, len(e.Changes)+1)
	for k, v := range e.Changes {
		changes[k] = v
	}
	changes[field] = Change{From: from, To: to}
	e.Changes = changes
	return e
}

func (e *Event) normalize(now time.Time) {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = now.UTC()
	}
	if e.Status == "" {
		e.Status = StatusSuccess
	}
	e.Message = truncate(e.Message, MaxMessageLen)
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n])
}
