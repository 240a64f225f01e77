package entitlement

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
)

// DefaultCatalog is the plan set installed by SeedPlans.
var DefaultCatalog = []Plan{
	{
		Code:           "free",
		Name:           "Free",
		Description:    "Up to 25 units included.",
		Quotas:         Quotas{KeyMaxUnits: LimitOf(25)},
		FeatureFlags:   map[string]bool{"crm": true},
		IsActive:       true,
		Currency:       "USD",
		UnitPriceCents: 0,
		IncludedUnits:  25,
	},
	{
		Code:           "unlimited",
		Name:           "Unlimited",
		Description:    "Unlimited units.",
		Quotas:         Quotas{},
		FeatureFlags:   map[string]bool{"crm": true},
		IsActive:       true,
		Currency:       "USD",
		UnitPriceCents: 2500,
		IncludedUnits:  0,
	},
}

// SeedResult summarises a SeedPlans run.
type SeedResult struct {
	Created     []string `json:"created"`
	Updated     []string `json:"updated"`
	Deactivated int64    `json:"deactivated"`
}

// SeedPlans upserts catalog and deactivates active plans outside it.
// Deactivated plans keep their existing tenant assignments.
func SeedPlans(ctx context.Context, s Store, catalog []Plan, logger *slog.Logger) (*SeedResult, error) {
	if logger == nil {
		logger = slog.Default()
	}

	res := &SeedResult{}
	codes := make([]string, 0, len(catalog))
	for i := range catalog {
		p := catalog[i]
		p.Code = NormalizeCode(p.Code)
		p.Quotas = maps.Clone(p.Quotas)
		p.FeatureFlags = maps.Clone(p.FeatureFlags)
		if err := validatePlan(&p); err != nil {
			return nil, err
		}

		created, err := s.UpsertPlan(ctx, &p)
		if err != nil {
			return nil, fmt.Errorf("seed plan %s: %w", p.Code, err)
		}
		if created {
			res.Created = append(res.Created, p.Code)
		} else {
			res.Updated = append(res.Updated, p.Code)
		}
		codes = append(codes, p.Code)
		logger.Info("plan seeded", "plan", p.Code, "created", created)
	}

	n, err := s.DeactivatePlansExcept(ctx, codes)
	if err != nil {
		return nil, err
	}
	res.Deactivated = n
	if n > 0 {
		logger.Info("plans deactivated", "count", n)
	}
	return res, nil
}
