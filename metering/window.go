// Package metering stores per-tenant usage counters bucketed into day, month
// or lifetime windows and serializes updates to each counter row.
package metering

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/GoCodeAlone/tenancy/store"
)

// Granularity is the width of a usage window.
type Granularity string

const (
	Day      Granularity = "day"
	Month    Granularity = "month"
	Lifetime Granularity = "lifetime"
)

// ParseGranularity accepts day, month or lifetime.
func ParseGranularity(s string) (Granularity, error) {
	switch g := Granularity(strings.ToLower(strings.TrimSpace(s))); g {
	case Day, Month, Lifetime:
		return g, nil
	}
	return "", store.Invalid("granularity", "%q must be day, month or lifetime", s)
}

// Epoch is the start of the single lifetime window.
var Epoch = time.Unix(0, 0).UTC()

// WindowFor returns the window containing now. Windows are computed in UTC.
// Lifetime windows have no end.
func WindowFor(g Granularity, now time.Time) (start time.Time, end *time.Time) {
	now = now.UTC()
	switch g {
	case Day:
		start = time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
		e := start.AddDate(0, 0, 1)
		return start, &e
	case Month:
		start = time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
		e := start.AddDate(0, 1, 0)
		return start, &e
	default:
		return Epoch, nil
	}
}

// Key identifies one counter row.
type Key struct {
	TenantID    uuid.UUID   `json:"tenant_id"`
	Metric      string      `json:"metric"`
	Granularity Granularity `json:"granularity"`
	PeriodStart time.Time   `json:"period_start"`
}

// KeyAt builds the key of the window containing now.
func KeyAt(tenantID uuid.UUID, metric string, g Granularity, now time.Time) Key {
	start, _ := WindowFor(g, now)
	return Key{TenantID: tenantID, Metric: metric, Granularity: g, PeriodStart: start}
}

// PeriodEnd is the exclusive end of the key's window, nil for lifetime.
func (k Key) PeriodEnd() *time.Time {
	if k.Granularity == Lifetime {
		return nil
	}
	_, end := WindowFor(k.Granularity, k.PeriodStart)
	return end
}

func (k Key) String() string {
	return fmt.Sprintf("%s:%s:%s:%d", k.TenantID, k.Metric, k.Granularity, k.PeriodStart.Unix())
}

func (k Key) validate() error {
	if k.TenantID == uuid.Nil {
		return store.Invalid("tenant_id", "is required")
	}
	if strings.TrimSpace(k.Metric) == "" {
		return store.Invalid("metric", "is required")
	}
	if _, err := ParseGranularity(string(k.Granularity)); err != nil {
		return err
	}
	return nil
}

// Counter is the stored value of a key.
type Counter struct {
	Key
	Value     int64      `json:"value"`
	PeriodEnd *time.Time `json:"period_end,omitempty"`
	UpdatedAt time.Time  `json:"updated_at,omitempty"`
}
