package service

import (
	"context"
	"errors"
	"sync"
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

type fakeBillingProvider struct {
	mu       sync.Mutex
	sessions map[string]*CheckoutSession
	subs     map[string]*Subscription
	calls    int
}

func newFakeBillingProvider() *fakeBillingProvider {
	return &fakeBillingProvider{sessions: map[string]*CheckoutSession{}, subs: map[string]*Subscription{}}
}

func (f *fakeBillingProvider) GetCheckoutSession(_ context.Context, id string) (*CheckoutSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	s, ok := f.sessions[id]
	if !ok {
		return nil, ErrSessionNotComplete
	}
	cp := *s
	return &cp, nil
}

func (f *fakeBillingProvider) GetSubscription(_ context.Context, id string) (*Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.subs[id]
	if !ok {
		return nil, ErrBillingProvider
	}
	return s, nil
}

// flakyPriceStore fails price lookups while down is set.
type flakyPriceStore struct {
	*repository.MemoryStore
	down atomic.Bool
}

func (s *flakyPriceStore) LookupPricePlan(ctx context.Context, priceID string) (model.Plan, error) {
	if s.down.Load() {
		return model.PlanNone, repository.ErrStoreUnavailable
	}
	return s.MemoryStore.LookupPricePlan(ctx, priceID)
}

var periodStart = time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

func paidSession(id, accountID, plan string) *CheckoutSession {
	return &CheckoutSession{
		ID:                id,
		Status:            SessionStatusComplete,
		PaymentStatus:     PaymentStatusPaid,
		ClientReferenceID: accountID,
		CustomerID:        "cus_1",
		Metadata:          map[string]string{"plan": plan},
		Subscription: &Subscription{
			ID:                 "sub_" + id,
			Status:             SubscriptionStatusActive,
			CurrentPeriodStart: periodStart,
			CurrentPeriodEnd:   periodStart.AddDate(0, 1, 0),
		},
	}
}

func newReconciler(store repository.LedgerStore, provider BillingProvider) ReconciliationService {
	plans := NewPlanResolver(store, map[string]string{"price_pro": "pro"}, time.Minute, zerolog.Nop())
	return NewReconciliationService(store, provider, plans, DefaultAllocations(), zerolog.Nop())
}

func TestReconcileGrantsOnceSequential(t *testing.T) {
	store := repository.NewMemoryStore()
	store.PutAccount(model.Account{ID: "acct-1", Credits: 5})
	provider := newFakeBillingProvider()
	provider.sessions["cs_1"] = paidSession("cs_1", "acct-1", "pro")
	svc := newReconciler(store, provider)
	ctx := context.Background()

	first, err := svc.ReconcileCheckoutCompletion(ctx, "cs_1", ReconcileOptions{Trigger: TriggerWebhook})
	require.NoError(t, err)
	assert.False(t, first.IdempotentReplay)
	assert.Equal(t, int64(600), first.CreditsGranted)
	assert.Equal(t, int64(605), first.Balance)
	assert.Equal(t, model.PlanPro, first.Plan)

	second, err := svc.ReconcileCheckoutCompletion(ctx, "cs_1", ReconcileOptions{Trigger: TriggerClient, ExpectedAccountID: "acct-1"})
	require.NoError(t, err)
	assert.True(t, second.IdempotentReplay)
	assert.Zero(t, second.CreditsGranted)
	assert.Equal(t, int64(605), second.Balance)

	a, err := store.GetAccount(ctx, "acct-1")
	require.NoError(t, err)
	assert.Equal(t, int64(605), a.Credits)
	assert.Equal(t, "sub_cs_1", a.SubscriptionID())
	assert.Equal(t, int64(600), a.MonthlyAllocation)
	require.NotNil(t, a.SubscriptionRenewal)
	assert.Equal(t, periodStart.AddDate(0, 1, 0), *a.SubscriptionRenewal)

	txns, err := store.ListTransactions(ctx, model.TransactionFilter{AccountID: "acct-1", Kind: model.KindSubscriptionGrant})
	require.NoError(t, err)
	assert.Len(t, txns, 1)
	require.Len(t, store.History(), 1)
	assert.Equal(t, model.HistoryCheckoutCompleted, store.History()[0].Event)
}

func TestReconcileGrantsOnceConcurrent(t *testing.T) {
	store := repository.NewMemoryStore()
	store.PutAccount(model.Account{ID: "acct-1"})
	provider := newFakeBillingProvider()
	provider.sessions["cs_1"] = paidSession("cs_1", "acct-1", "basic")
	svc := newReconciler(store, provider)

	var granted, replayed atomic.Int32
	var g errgroup.Group
	for i := 0; i < 8; i++ {
		trigger := TriggerWebhook
		if i%2 == 1 {
			trigger = TriggerClient
		}
		g.Go(func() error {
			res, err := svc.ReconcileCheckoutCompletion(context.Background(), "cs_1", ReconcileOptions{Trigger: trigger})
			if err != nil {
				return err
			}
			if res.IdempotentReplay {
				replayed.Add(1)
			} else {
				granted.Add(1)
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	assert.Equal(t, int32(1), granted.Load())
	assert.Equal(t, int32(7), replayed.Load())
	a, err := store.GetAccount(context.Background(), "acct-1")
	require.NoError(t, err)
	assert.Equal(t, int64(200), a.Credits)
}

func TestReconcileSamePeriodDifferentSession(t *testing.T) {
	store := repository.NewMemoryStore()
	store.PutAccount(model.Account{ID: "acct-1"})
	provider := newFakeBillingProvider()
	provider.sessions["cs_1"] = paidSession("cs_1", "acct-1", "pro")
	dup := paidSession("cs_2", "acct-1", "pro")
	dup.Subscription.ID = "sub_cs_1"
	provider.sessions["cs_2"] = dup
	svc := newReconciler(store, provider)

	_, err := svc.ReconcileCheckoutCompletion(context.Background(), "cs_1", ReconcileOptions{})
	require.NoError(t, err)
	res, err := svc.ReconcileCheckoutCompletion(context.Background(), "cs_2", ReconcileOptions{})
	require.NoError(t, err)
	assert.True(t, res.IdempotentReplay)
	assert.Equal(t, int64(600), res.Balance)
}

func TestReconcileTrialingSubscriptionGrants(t *testing.T) {
	store := repository.NewMemoryStore()
	store.PutAccount(model.Account{ID: "acct-1"})
	provider := newFakeBillingProvider()
	sess := paidSession("cs_trial", "acct-1", "premium")
	sess.PaymentStatus = "unpaid"
	sess.Subscription.Status = SubscriptionStatusTrialing
	provider.sessions["cs_trial"] = sess
	svc := newReconciler(store, provider)

	res, err := svc.ReconcileCheckoutCompletion(context.Background(), "cs_trial", ReconcileOptions{})
	require.NoError(t, err)
	assert.Equal(t, int64(1500), res.CreditsGranted)
}

func TestReconcileRejectsIncompleteSession(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*CheckoutSession)
	}{
		{"open session", func(s *CheckoutSession) { s.Status = "open" }},
		{"unpaid without subscription", func(s *CheckoutSession) {
			s.PaymentStatus = "unpaid"
			s.Subscription = nil
		}},
		{"unpaid with incomplete subscription", func(s *CheckoutSession) {
			s.PaymentStatus = "unpaid"
			s.Subscription.Status = "incomplete"
		}},
		{"missing payer", func(s *CheckoutSession) { s.ClientReferenceID = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := repository.NewMemoryStore()
			store.PutAccount(model.Account{ID: "acct-1", Credits: 7})
			provider := newFakeBillingProvider()
			sess := paidSession("cs_1", "acct-1", "pro")
			tt.mutate(sess)
			provider.sessions["cs_1"] = sess
			svc := newReconciler(store, provider)

			_, err := svc.ReconcileCheckoutCompletion(context.Background(), "cs_1", ReconcileOptions{})
			assert.ErrorIs(t, err, ErrSessionNotComplete)
			a, err := store.GetAccount(context.Background(), "acct-1")
			require.NoError(t, err)
			assert.Equal(t, int64(7), a.Credits)
			assert.False(t, a.HasPlan())
		})
	}
}

func TestReconcilePayerFromMetadata(t *testing.T) {
	store := repository.NewMemoryStore()
	store.PutAccount(model.Account{ID: "acct-meta"})
	provider := newFakeBillingProvider()
	sess := paidSession("cs_1", "", "basic")
	sess.Metadata["account_id"] = "acct-meta"
	provider.sessions["cs_1"] = sess
	svc := newReconciler(store, provider)

	res, err := svc.ReconcileCheckoutCompletion(context.Background(), "cs_1", ReconcileOptions{})
	require.NoError(t, err)
	assert.Equal(t, "acct-meta", res.AccountID)
}

func TestReconcileAccountMismatchRejectedBeforeWrite(t *testing.T) {
	store := repository.NewMemoryStore()
	store.PutAccount(model.Account{ID: "acct-1"})
	store.PutAccount(model.Account{ID: "acct-2"})
	provider := newFakeBillingProvider()
	provider.sessions["cs_1"] = paidSession("cs_1", "acct-1", "pro")
	svc := newReconciler(store, provider)

	_, err := svc.ReconcileCheckoutCompletion(context.Background(), "cs_1", ReconcileOptions{Trigger: TriggerClient, ExpectedAccountID: "acct-2"})
	require.ErrorIs(t, err, ErrSessionAccountMismatch)

	a, err := store.GetAccount(context.Background(), "acct-1")
	require.NoError(t, err)
	assert.Zero(t, a.Credits)

	// The rightful owner can still reconcile afterwards.
	res, err := svc.ReconcileCheckoutCompletion(context.Background(), "cs_1", ReconcileOptions{Trigger: TriggerClient, ExpectedAccountID: "acct-1"})
	require.NoError(t, err)
	assert.False(t, res.IdempotentReplay)
}

func TestReconcileUnknownAccount(t *testing.T) {
	store := repository.NewMemoryStore()
	provider := newFakeBillingProvider()
	provider.sessions["cs_1"] = paidSession("cs_1", "ghost", "pro")
	svc := newReconciler(store, provider)

	_, err := svc.ReconcileCheckoutCompletion(context.Background(), "cs_1", ReconcileOptions{})
	assert.ErrorIs(t, err, repository.ErrAccountNotFound)
}

func TestReconcilePlanResolution(t *testing.T) {
	tests := []struct {
		name     string
		metadata map[string]string
		priceID  string
		dbPrices map[string]model.Plan
		want     model.Plan
	}{
		{"metadata wins", map[string]string{"plan": "premium"}, "price_pro", nil, model.PlanPremium},
		{"price table", map[string]string{}, "price_db", map[string]model.Plan{"price_db": model.PlanPremium}, model.PlanPremium},
		{"configured price", map[string]string{}, "price_pro", nil, model.PlanPro},
		{"unknown price defaults to lowest tier", map[string]string{}, "price_unknown", nil, model.PlanBasic},
		{"invalid metadata plan ignored", map[string]string{"plan": "gold"}, "price_pro", nil, model.PlanPro},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := repository.NewMemoryStore()
			store.PutAccount(model.Account{ID: "acct-1"})
			for id, p := range tt.dbPrices {
				store.SetPricePlan(id, p)
			}
			provider := newFakeBillingProvider()
			sess := paidSession("cs_1", "acct-1", "")
			sess.Metadata = tt.metadata
			sess.PriceID = tt.priceID
			provider.sessions["cs_1"] = sess
			svc := newReconciler(store, provider)

			res, err := svc.ReconcileCheckoutCompletion(context.Background(), "cs_1", ReconcileOptions{})
			require.NoError(t, err)
			assert.Equal(t, tt.want, res.Plan)
			assert.Equal(t, DefaultAllocations()[tt.want], res.CreditsGranted)
		})
	}
}

func TestReconcileAuditFailureDoesNotFailGrant(t *testing.T) {
	store := repository.NewMemoryStore()
	store.PutAccount(model.Account{ID: "acct-1"})
	store.FailAuditWrites(errors.New("audit table offline"))
	provider := newFakeBillingProvider()
	provider.sessions["cs_1"] = paidSession("cs_1", "acct-1", "pro")
	svc := newReconciler(store, provider)

	res, err := svc.ReconcileCheckoutCompletion(context.Background(), "cs_1", ReconcileOptions{})
	require.NoError(t, err)
	assert.Equal(t, int64(600), res.Balance)
}

func TestApplySubscriptionUpdateDoesNotGrant(t *testing.T) {
	store := repository.NewMemoryStore()
	store.PutAccount(model.Account{ID: "acct-1"})
	provider := newFakeBillingProvider()
	provider.sessions["cs_1"] = paidSession("cs_1", "acct-1", "basic")
	svc := newReconciler(store, provider)
	ctx := context.Background()

	_, err := svc.ReconcileCheckoutCompletion(ctx, "cs_1", ReconcileOptions{})
	require.NoError(t, err)

	next := periodStart.AddDate(0, 1, 0)
	provider.subs["sub_cs_1"] = &Subscription{
		ID:                 "sub_cs_1",
		Status:             SubscriptionStatusActive,
		PriceID:            "price_pro",
		CurrentPeriodStart: next,
		CurrentPeriodEnd:   next.AddDate(0, 1, 0),
	}
	// The event payload is older than what the provider holds.
	a, err := svc.ApplySubscriptionUpdate(ctx, &Subscription{
		ID:                 "sub_cs_1",
		Status:             SubscriptionStatusActive,
		CurrentPeriodStart: periodStart,
		CurrentPeriodEnd:   next,
	})
	require.NoError(t, err)
	assert.Equal(t, model.PlanPro, a.Plan)
	assert.Equal(t, int64(600), a.MonthlyAllocation)
	assert.Equal(t, int64(200), a.Credits)
	require.NotNil(t, a.SubscriptionStart)
	assert.Equal(t, next, *a.SubscriptionStart)
}

func TestApplySubscriptionUpdateUnknownSubscription(t *testing.T) {
	store := repository.NewMemoryStore()
	provider := newFakeBillingProvider()
	provider.subs["sub_x"] = &Subscription{ID: "sub_x", Status: SubscriptionStatusActive}
	svc := newReconciler(store, provider)

	_, err := svc.ApplySubscriptionUpdate(context.Background(), &Subscription{ID: "sub_x", Status: SubscriptionStatusActive})
	assert.ErrorIs(t, err, repository.ErrAccountNotFound)
}

func TestApplySubscriptionUpdateUsesProviderState(t *testing.T) {
	store := repository.NewMemoryStore()
	store.PutAccount(model.Account{ID: "acct-1"})
	provider := newFakeBillingProvider()
	provider.sessions["cs_1"] = paidSession("cs_1", "acct-1", "pro")
	svc := newReconciler(store, provider)
	ctx := context.Background()

	_, err := svc.ReconcileCheckoutCompletion(ctx, "cs_1", ReconcileOptions{})
	require.NoError(t, err)

	t.Run("fetch failure leaves account untouched", func(t *testing.T) {
		_, err := svc.ApplySubscriptionUpdate(ctx, &Subscription{
			ID:       "sub_cs_1",
			Status:   SubscriptionStatusActive,
			Metadata: map[string]string{"plan": "premium"},
		})
		assert.ErrorIs(t, err, ErrBillingProvider)
		a, err := store.GetAccount(ctx, "acct-1")
		require.NoError(t, err)
		assert.Equal(t, model.PlanPro, a.Plan)
	})

	t.Run("canceled upstream is a cancellation", func(t *testing.T) {
		provider.subs["sub_cs_1"] = &Subscription{ID: "sub_cs_1", Status: SubscriptionStatusCanceled}
		a, err := svc.ApplySubscriptionUpdate(ctx, &Subscription{
			ID:       "sub_cs_1",
			Status:   SubscriptionStatusActive,
			Metadata: map[string]string{"plan": "premium"},
		})
		require.NoError(t, err)
		assert.Equal(t, model.PlanNone, a.Plan)
		assert.Equal(t, int64(600), a.Credits)
		assert.Empty(t, a.SubscriptionID())
	})
}

func TestReconcileFetchesUnexpandedSubscription(t *testing.T) {
	store := repository.NewMemoryStore()
	store.PutAccount(model.Account{ID: "acct-1"})
	provider := newFakeBillingProvider()
	sess := paidSession("cs_1", "acct-1", "basic")
	sess.PaymentStatus = "unpaid"
	sess.Subscription = &Subscription{ID: "sub_ref"}
	provider.sessions["cs_1"] = sess
	svc := newReconciler(store, provider)
	ctx := context.Background()

	_, err := svc.ReconcileCheckoutCompletion(ctx, "cs_1", ReconcileOptions{})
	require.ErrorIs(t, err, ErrBillingProvider)
	a, err := store.GetAccount(ctx, "acct-1")
	require.NoError(t, err)
	assert.Zero(t, a.Credits)

	provider.subs["sub_ref"] = &Subscription{
		ID:                 "sub_ref",
		Status:             SubscriptionStatusTrialing,
		CurrentPeriodStart: periodStart,
		CurrentPeriodEnd:   periodStart.AddDate(0, 1, 0),
	}
	res, err := svc.ReconcileCheckoutCompletion(ctx, "cs_1", ReconcileOptions{})
	require.NoError(t, err)
	assert.Equal(t, int64(200), res.CreditsGranted)
	assert.Equal(t, "sub_ref", res.SubscriptionID)

	a, err = store.GetAccount(ctx, "acct-1")
	require.NoError(t, err)
	require.NotNil(t, a.SubscriptionRenewal)
	assert.Equal(t, periodStart.AddDate(0, 1, 0), *a.SubscriptionRenewal)
}

func TestReconcilePriceLookupOutageIsRetryable(t *testing.T) {
	store := &flakyPriceStore{MemoryStore: repository.NewMemoryStore()}
	store.PutAccount(model.Account{ID: "acct-1"})
	store.SetPricePlan("price_db", model.PlanPremium)
	store.down.Store(true)
	provider := newFakeBillingProvider()
	sess := paidSession("cs_1", "acct-1", "")
	sess.Metadata = map[string]string{}
	sess.PriceID = "price_db"
	provider.sessions["cs_1"] = sess
	svc := newReconciler(store, provider)
	ctx := context.Background()

	_, err := svc.ReconcileCheckoutCompletion(ctx, "cs_1", ReconcileOptions{})
	require.ErrorIs(t, err, repository.ErrStoreUnavailable)
	a, err := store.GetAccount(ctx, "acct-1")
	require.NoError(t, err)
	assert.Zero(t, a.Credits)
	assert.False(t, a.HasPlan())

	store.down.Store(false)
	res, err := svc.ReconcileCheckoutCompletion(ctx, "cs_1", ReconcileOptions{})
	require.NoError(t, err)
	assert.False(t, res.IdempotentReplay)
	assert.Equal(t, model.PlanPremium, res.Plan)
	assert.Equal(t, int64(1500), res.CreditsGranted)
}

func TestApplySubscriptionCancellationKeepsCredits(t *testing.T) {
	store := repository.NewMemoryStore()
	store.PutAccount(model.Account{ID: "acct-1"})
	provider := newFakeBillingProvider()
	provider.sessions["cs_1"] = paidSession("cs_1", "acct-1", "pro")
	svc := newReconciler(store, provider)
	ctx := context.Background()

	_, err := svc.ReconcileCheckoutCompletion(ctx, "cs_1", ReconcileOptions{})
	require.NoError(t, err)

	// A canceled status arriving as an update is treated as a cancellation.
	a, err := svc.ApplySubscriptionUpdate(ctx, &Subscription{ID: "sub_cs_1", Status: SubscriptionStatusCanceled})
	require.NoError(t, err)
	assert.Equal(t, model.PlanNone, a.Plan)
	assert.Equal(t, int64(600), a.Credits)
	assert.Zero(t, a.MonthlyAllocation)
	assert.Empty(t, a.SubscriptionID())
	assert.Nil(t, a.SubscriptionRenewal)

	_, err = svc.ApplySubscriptionCancellation(ctx, &Subscription{ID: "sub_cs_1", Status: SubscriptionStatusCanceled})
	assert.ErrorIs(t, err, repository.ErrAccountNotFound)

	history := store.History()
	require.Len(t, history, 2)
	assert.Equal(t, model.HistoryCanceled, history[1].Event)
}
