package subscription

import (
	"fmt"
	"sync"

	"github.com/shopspring/decimal"
	"github.com/vitwit/paykit/types"
)

const intervalMonthly = "monthly"

func defaultPlans() map[types.PlanTier]types.Plan {
	return map[types.PlanTier]types.Plan{
		types.PlanBasic: {
			Tier:      types.PlanBasic,
			Label:     "Basic",
			PriceUSDC: decimal.NewFromInt(5),
			Interval:  intervalMonthly,
			Features: []string{
				"Access to core features",
				"Standard support",
				"Monthly billing",
			},
		},
		types.PlanPro: {
			Tier:      types.PlanPro,
			Label:     "Pro",
			PriceUSDC: decimal.NewFromInt(15),
			Interval:  intervalMonthly,
			Features: []string{
				"All Basic features",
				"Priority support",
				"Advanced analytics",
				"Custom integrations",
			},
		},
		types.PlanAdvanced: {
			Tier:      types.PlanAdvanced,
			Label:     "Advanced",
			PriceUSDC: decimal.NewFromInt(30),
			Interval:  intervalMonthly,
			Features: []string{
				"All Pro features",
				"Dedicated account manager",
				"White-label options",
				"SLA guarantees",
			},
		},
	}
}

// Catalog holds the current price of every plan tier. Existing subscriptions
// keep the price they were created with; changing the catalog only affects
// new ones.
type Catalog struct {
	mu    sync.RWMutex
	plans map[types.PlanTier]types.Plan
}

// NewCatalog returns a catalog seeded with the basic, pro and advanced plans.
func NewCatalog() *Catalog {
	return &Catalog{plans: defaultPlans()}
}

// Plan looks up a tier. Unknown tiers fail with INVALID_PLAN.
func (c *Catalog) Plan(tier types.PlanTier) (types.Plan, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	p, ok := c.plans[tier]
	if !ok {
		return types.Plan{}, types.NewError(types.ErrCodeInvalidPlan, fmt.Sprintf("invalid plan %q", tier))
	}
	p.Features = append([]string(nil), p.Features...)
	return p, nil
}

// Plans returns every plan in display order.
func (c *Catalog) Plans() []types.Plan {
	out := make([]types.Plan, 0, len(types.PlanTiers))
	for _, tier := range types.PlanTiers {
		if p, err := c.Plan(tier); err == nil {
			out = append(out, p)
		}
	}
	return out
}

// SetPrice changes the price charged to subscriptions created afterwards.
func (c *Catalog) SetPrice(tier types.PlanTier, price decimal.Decimal) error {
	if !price.IsPositive() {
		return types.NewError(types.ErrCodeInvalidAmount, fmt.Sprintf("price must be greater than 0, got %s", price))
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	p, ok := c.plans[tier]
	if !ok {
		return types.NewError(types.ErrCodeInvalidPlan, fmt.Sprintf("invalid plan %q", tier))
	}
	p.PriceUSDC = price
	c.plans[tier] = p
	return nil
}
