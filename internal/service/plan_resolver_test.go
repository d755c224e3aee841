package service

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"creditsvc/internal/model"
	"creditsvc/internal/repository"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

type countingPriceStore struct {
	*repository.MemoryStore
	lookups atomic.Int32
}

func (s *countingPriceStore) LookupPricePlan(ctx context.Context, priceID string) (model.Plan, error) {
	s.lookups.Add(1)
	return s.MemoryStore.LookupPricePlan(ctx, priceID)
}

func TestPlanResolverCachesTableLookups(t *testing.T) {
	store := &countingPriceStore{MemoryStore: repository.NewMemoryStore()}
	store.SetPricePlan("price_1", model.PlanPremium)
	r := NewPlanResolver(store, nil, time.Minute, zerolog.Nop())

	var g errgroup.Group
	for i := 0; i < 10; i++ {
		g.Go(func() error {
			p, err := r.Resolve(context.Background(), "price_1")
			if err == nil {
				assert.Equal(t, model.PlanPremium, p)
			}
			return err
		})
	}
	require.NoError(t, g.Wait())

	// Table changes are not visible until the entry expires.
	store.SetPricePlan("price_1", model.PlanBasic)
	p, err := r.Resolve(context.Background(), "price_1")
	require.NoError(t, err)
	assert.Equal(t, model.PlanPremium, p)
	assert.LessOrEqual(t, store.lookups.Load(), int32(10))
	assert.GreaterOrEqual(t, store.lookups.Load(), int32(1))
}

func TestPlanResolverFallback(t *testing.T) {
	store := repository.NewMemoryStore()
	r := NewPlanResolver(store, map[string]string{
		"price_cfg": "pro",
		"price_bad": "enterprise",
	}, time.Minute, zerolog.Nop())
	ctx := context.Background()

	p, err := r.Resolve(ctx, "price_cfg")
	require.NoError(t, err)
	assert.Equal(t, model.PlanPro, p)

	_, err = r.Resolve(ctx, "price_bad")
	assert.ErrorIs(t, err, repository.ErrPriceNotMapped)

	_, err = r.Resolve(ctx, "")
	assert.ErrorIs(t, err, repository.ErrPriceNotMapped)
}

func TestPlanResolverTableOverridesConfig(t *testing.T) {
	store := repository.NewMemoryStore()
	store.SetPricePlan("price_cfg", model.PlanPremium)
	r := NewPlanResolver(store, map[string]string{"price_cfg": "basic"}, time.Minute, zerolog.Nop())

	p, err := r.Resolve(context.Background(), "price_cfg")
	require.NoError(t, err)
	assert.Equal(t, model.PlanPremium, p)
}
