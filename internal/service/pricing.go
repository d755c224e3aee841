package service

import (
	"fmt"

	"creditsvc/internal/config"
	"creditsvc/internal/model"
)

// Pricing maps a generation request to its credit cost. It performs no I/O.
type Pricing struct {
	BaseCost    int64
	PerItemCost int64
	// A request of exactly BatchSize items costs BatchCost instead of PerItemCost*BatchSize.
	BatchSize int
	BatchCost int64
	// Unit cost of restricted content by plan. Plans absent from the map are not eligible.
	RestrictedCosts map[model.Plan]int64
	AddOnSurcharges map[model.AddOn]int64
}

// DefaultPricing returns the standard price list.
func DefaultPricing() Pricing {
	return Pricing{
		BaseCost:    10,
		PerItemCost: 10,
		BatchSize:   4,
		BatchCost:   30,
		RestrictedCosts: map[model.Plan]int64{
			model.PlanPro:     15,
			model.PlanPremium: 12,
		},
		AddOnSurcharges: map[model.AddOn]int64{
			model.AddOnHD:       5,
			model.AddOnPriority: 3,
		},
	}
}

// PricingFromConfig builds the price list from configuration.
func PricingFromConfig(cfg *config.Config) Pricing {
	return Pricing{
		BaseCost:    cfg.CostBase,
		PerItemCost: cfg.CostPerItem,
		BatchSize:   cfg.BatchSize,
		BatchCost:   cfg.CostBatch,
		RestrictedCosts: map[model.Plan]int64{
			model.PlanPro:     cfg.CostRestrictedPro,
			model.PlanPremium: cfg.CostRestrictedPrm,
		},
		AddOnSurcharges: map[model.AddOn]int64{
			model.AddOnHD:       cfg.SurchargeHD,
			model.AddOnPriority: cfg.SurchargePriority,
		},
	}
}

// Cost returns the credit cost of a request. Unplanned accounts can never request
// restricted content; for unrestricted requests they go through FreeTierPolicy instead.
func (p Pricing) Cost(plan model.Plan, restricted bool, opts model.GenerationOptions) (int64, error) {
	if opts.Count < 0 {
		return 0, fmt.Errorf("%w: %d", ErrInvalidCount, opts.Count)
	}
	count := opts.Count
	if count == 0 {
		count = 1
	}

	var cost int64
	if restricted {
		if !plan.IsPaid() {
			return 0, ErrSubscriptionRequired
		}
		unit, ok := p.RestrictedCosts[plan]
		if !ok {
			return 0, fmt.Errorf("%w: %s", ErrPlanNotEligible, plan)
		}
		// Restricted batches are priced per item; the bundle discount does not apply.
		cost = unit * int64(count)
	} else {
		switch {
		case count == 1:
			cost = p.BaseCost
		case count == p.BatchSize:
			cost = p.BatchCost
		default:
			cost = p.PerItemCost * int64(count)
		}
	}

	seen := make(map[model.AddOn]bool, len(opts.AddOns))
	for _, a := range opts.AddOns {
		if seen[a] {
			continue
		}
		surcharge, ok := p.AddOnSurcharges[a]
		if !ok {
			return 0, fmt.Errorf("%w: %q", ErrUnknownAddOn, a)
		}
		seen[a] = true
		cost += surcharge
	}
	return cost, nil
}

// FreeTierPolicy grants a fixed number of zero-cost outputs to unplanned accounts.
type FreeTierPolicy struct {
	Limit int
}

// Allows reports whether an account that already owns prior outputs may still
// generate for free. The count is checked before the request, so a batch that
// starts under the limit is served whole.
func (f FreeTierPolicy) Allows(prior int) bool {
	return prior < f.Limit
}
