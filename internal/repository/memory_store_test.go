package repository

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"creditsvc/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func TestMemoryStoreConcurrentDebits(t *testing.T) {
	store := NewMemoryStore()
	store.PutAccount(model.Account{ID: "acct-1", Credits: 100, Plan: model.PlanBasic})

	var ok, insufficient atomic.Int32
	var g errgroup.Group
	for i := 0; i < 5; i++ {
		g.Go(func() error {
			_, err := store.Debit(context.Background(), "acct-1", 30)
			switch {
			case err == nil:
				ok.Add(1)
			case errors.Is(err, ErrInsufficientCredits):
				insufficient.Add(1)
			default:
				return err
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	assert.Equal(t, int32(3), ok.Load())
	assert.Equal(t, int32(2), insufficient.Load())
	a, err := store.GetAccount(context.Background(), "acct-1")
	require.NoError(t, err)
	assert.Equal(t, int64(10), a.Credits)
}

func TestMemoryStoreBalanceNeverNegative(t *testing.T) {
	amounts := []int64{1, 7, 13, 50}
	for _, start := range []int64{0, 1, 49, 100, 257} {
		for _, amount := range amounts {
			store := NewMemoryStore()
			store.PutAccount(model.Account{ID: "a", Credits: start})

			var successes atomic.Int64
			var g errgroup.Group
			for i := 0; i < 40; i++ {
				g.Go(func() error {
					if _, err := store.Debit(context.Background(), "a", amount); err == nil {
						successes.Add(1)
					}
					return nil
				})
			}
			require.NoError(t, g.Wait())

			a, err := store.GetAccount(context.Background(), "a")
			require.NoError(t, err)
			assert.GreaterOrEqual(t, a.Credits, int64(0))
			assert.LessOrEqual(t, successes.Load(), start/amount)
			assert.Equal(t, start-amount*successes.Load(), a.Credits)
		}
	}
}

func TestMemoryStoreInsufficientCarriesAmounts(t *testing.T) {
	store := NewMemoryStore()
	store.PutAccount(model.Account{ID: "acct-1", Credits: 20})

	_, err := store.Debit(context.Background(), "acct-1", 30)
	var ice *InsufficientCreditsError
	require.ErrorAs(t, err, &ice)
	assert.Equal(t, int64(20), ice.Have)
	assert.Equal(t, int64(30), ice.Need)

	_, err = store.Debit(context.Background(), "missing", 30)
	assert.ErrorIs(t, err, ErrAccountNotFound)
}

func TestMemoryStoreKeyedCreditAppliesOnce(t *testing.T) {
	store := NewMemoryStore()
	store.PutAccount(model.Account{ID: "acct-1", Credits: 75})
	ctx := context.Background()

	var g errgroup.Group
	for i := 0; i < 8; i++ {
		g.Go(func() error {
			_, _, err := store.Credit(ctx, "acct-1", 25, "charge-1")
			return err
		})
	}
	require.NoError(t, g.Wait())

	a, err := store.GetAccount(ctx, "acct-1")
	require.NoError(t, err)
	assert.Equal(t, int64(100), a.Credits)
}

func TestMemoryStoreCheckoutGrantIsGated(t *testing.T) {
	store := NewMemoryStore()
	store.PutAccount(model.Account{ID: "acct-1", Credits: 40})
	ctx := context.Background()
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	grant := model.CheckoutGrant{
		SessionID:      "cs_1",
		AccountID:      "acct-1",
		Plan:           model.PlanPro,
		Allocation:     600,
		SubscriptionID: "sub_1",
		PeriodStart:    start,
		PeriodEnd:      start.AddDate(0, 1, 0),
	}

	var applied atomic.Int32
	var g errgroup.Group
	for i := 0; i < 10; i++ {
		g.Go(func() error {
			out, err := store.ApplyCheckoutGrant(ctx, grant)
			if err != nil {
				return err
			}
			if out.Applied {
				applied.Add(1)
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	assert.Equal(t, int32(1), applied.Load())

	// A different session for the same subscription period is the same grant.
	dup := grant
	dup.SessionID = "cs_2"
	out, err := store.ApplyCheckoutGrant(ctx, dup)
	require.NoError(t, err)
	assert.False(t, out.Applied)

	a, err := store.GetAccount(ctx, "acct-1")
	require.NoError(t, err)
	assert.Equal(t, int64(640), a.Credits)
	assert.Equal(t, model.PlanPro, a.Plan)
	assert.Equal(t, "sub_1", a.SubscriptionID())
}

func TestMemoryStoreGrantWithoutSubscriptionKeepsExistingOne(t *testing.T) {
	store := NewMemoryStore()
	sub := "sub_1"
	store.PutAccount(model.Account{ID: "acct-1", Plan: model.PlanBasic, BillingSubscriptionID: &sub})
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	out, err := store.ApplyCheckoutGrant(context.Background(), model.CheckoutGrant{
		SessionID:   "cs_once",
		AccountID:   "acct-1",
		Plan:        model.PlanPro,
		Allocation:  600,
		PeriodStart: start,
		PeriodEnd:   start.AddDate(0, 1, 0),
	})
	require.NoError(t, err)
	assert.True(t, out.Applied)
	assert.Equal(t, model.PlanPro, out.Account.Plan)
	assert.Equal(t, "sub_1", out.Account.SubscriptionID())
}

func TestMemoryStoreClearSubscriptionKeepsCredits(t *testing.T) {
	store := NewMemoryStore()
	sub := "sub_1"
	store.PutAccount(model.Account{ID: "acct-1", Credits: 321, Plan: model.PlanPremium, MonthlyAllocation: 1500, BillingSubscriptionID: &sub})

	a, err := store.ClearSubscription(context.Background(), "sub_1")
	require.NoError(t, err)
	assert.Equal(t, int64(321), a.Credits)
	assert.Equal(t, model.PlanNone, a.Plan)
	assert.Zero(t, a.MonthlyAllocation)
	assert.Nil(t, a.BillingSubscriptionID)

	_, err = store.ClearSubscription(context.Background(), "sub_1")
	assert.ErrorIs(t, err, ErrAccountNotFound)
}

func TestMemoryStoreCanceledContextIsTimeout(t *testing.T) {
	store := NewMemoryStore()
	store.PutAccount(model.Account{ID: "acct-1", Credits: 100})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := store.Debit(ctx, "acct-1", 10)
	assert.ErrorIs(t, err, ErrTimeout)

	a, err := store.GetAccount(context.Background(), "acct-1")
	require.NoError(t, err)
	assert.Equal(t, int64(100), a.Credits)
}

func TestMemoryStoreListTransactions(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	for i, kind := range []model.TransactionKind{model.KindGeneration, model.KindRefund, model.KindGeneration} {
		require.NoError(t, store.InsertTransaction(ctx, &model.Transaction{
			AccountID: "acct-1",
			Amount:    int64(-10 * (i + 1)),
			Kind:      kind,
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		}))
	}
	require.NoError(t, store.InsertTransaction(ctx, &model.Transaction{AccountID: "other", Amount: 5, Kind: model.KindRefund}))

	txns, err := store.ListTransactions(ctx, model.TransactionFilter{AccountID: "acct-1", Kind: model.KindGeneration})
	require.NoError(t, err)
	require.Len(t, txns, 2)
	assert.Equal(t, int64(-30), txns[0].Amount)
	assert.NotEmpty(t, txns[0].ID)

	txns, err = store.ListTransactions(ctx, model.TransactionFilter{AccountID: "acct-1", Limit: 1, Offset: 1})
	require.NoError(t, err)
	require.Len(t, txns, 1)
	assert.Equal(t, int64(-20), txns[0].Amount)
}
