package service

import (
	"context"
	"errors"
	"time"

	"creditsvc/internal/model"
	"creditsvc/internal/repository"

	"github.com/patrickmn/go-cache"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

// PlanResolver maps billing price ids to plans. The billing_prices table wins over
// the static configuration; lookups are cached.
type PlanResolver struct {
	store    repository.LedgerStore
	fallback map[string]model.Plan
	cache    *cache.Cache
	group    singleflight.Group
	logger   zerolog.Logger
}

// NewPlanResolver creates a resolver. fallback maps price ids to plan names.
func NewPlanResolver(store repository.LedgerStore, fallback map[string]string, ttl time.Duration, logger zerolog.Logger) *PlanResolver {
	fb := make(map[string]model.Plan, len(fallback))
	for priceID, name := range fallback {
		if p, ok := model.ParsePlan(name); ok && p.IsPaid() {
			fb[priceID] = p
		}
	}
	return &PlanResolver{
		store:    store,
		fallback: fb,
		cache:    cache.New(ttl, 2*ttl),
		logger:   logger.With().Str("service", "PlanResolver").Logger(),
	}
}

// Resolve returns the plan for priceID, or ErrPriceNotMapped. A store failure is
// returned as is unless the static configuration knows the price.
func (r *PlanResolver) Resolve(ctx context.Context, priceID string) (model.Plan, error) {
	if priceID == "" {
		return model.PlanNone, repository.ErrPriceNotMapped
	}
	if v, ok := r.cache.Get(priceID); ok {
		return v.(model.Plan), nil
	}

	v, err, _ := r.group.Do(priceID, func() (any, error) {
		p, err := r.store.LookupPricePlan(ctx, priceID)
		if err == nil {
			r.cache.SetDefault(priceID, p)
			return p, nil
		}
		if !errors.Is(err, repository.ErrPriceNotMapped) {
			r.logger.Warn().Err(err).Str("price_id", priceID).Msg("Price lookup failed; using configured prices")
		}
		if p, ok := r.fallback[priceID]; ok {
			return p, nil
		}
		return model.PlanNone, err
	})
	if err != nil {
		return model.PlanNone, err
	}
	return v.(model.Plan), nil
}
