package domain

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// TrialPlanName is the plan recorded on subscriptions created by trial activation.
const TrialPlanName = "trial"

// Plan is a purchasable subscription tier. ListingsAllowed nil means unlimited.
type Plan struct {
	Name            string        `json:"name"`
	Price           int64         `json:"price"` // minor units
	ListingsAllowed *int          `json:"listings_allowed"`
	Duration        time.Duration `json:"-"`
	DurationDays    int           `json:"duration_days"`
}

// PlanCatalog resolves plan names to their terms.
type PlanCatalog struct {
	plans map[string]Plan
}

func intPtr(v int) *int { return &v }

// DefaultPlanCatalog returns the built-in dealer plans.
func DefaultPlanCatalog() PlanCatalog {
	return NewPlanCatalog([]Plan{
		{Name: "basic", Price: 500, ListingsAllowed: intPtr(10), DurationDays: 30},
		{Name: "advanced", Price: 1250, ListingsAllowed: intPtr(50), DurationDays: 30},
		{Name: "premium", Price: 2500, ListingsAllowed: nil, DurationDays: 30},
	})
}

// NewPlanCatalog builds a catalog; plans without a duration default to 30 days.
func NewPlanCatalog(plans []Plan) PlanCatalog {
	c := PlanCatalog{plans: make(map[string]Plan, len(plans))}
	for _, p := range plans {
		p.Name = normalizePlanName(p.Name)
		if p.Name == "" {
			continue
		}
		if p.DurationDays <= 0 {
			p.DurationDays = 30
		}
		p.Duration = time.Duration(p.DurationDays) * 24 * time.Hour
		c.plans[p.Name] = p
	}
	return c
}

// ParsePlanCatalog decodes a JSON array of plans.
func ParsePlanCatalog(raw string) (PlanCatalog, error) {
	var plans []Plan
	if err := json.Unmarshal([]byte(raw), &plans); err != nil {
		return PlanCatalog{}, fmt.Errorf("decode plan catalog: %w", err)
	}
	if len(plans) == 0 {
		return PlanCatalog{}, fmt.Errorf("plan catalog is empty")
	}
	return NewPlanCatalog(plans), nil
}

// Lookup returns the plan with the given name, case-insensitively.
func (c PlanCatalog) Lookup(name string) (Plan, bool) {
	p, ok := c.plans[normalizePlanName(name)]
	return p, ok
}

func normalizePlanName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
