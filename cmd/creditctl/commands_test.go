package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"creditsvc/internal/model"
	"creditsvc/internal/repository"
	"creditsvc/internal/service"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubProvider struct {
	sessions map[string]*service.CheckoutSession
}

func (p *stubProvider) GetCheckoutSession(_ context.Context, id string) (*service.CheckoutSession, error) {
	if s, ok := p.sessions[id]; ok {
		return s, nil
	}
	return nil, service.ErrBillingProvider
}

func (p *stubProvider) GetSubscription(_ context.Context, id string) (*service.Subscription, error) {
	return nil, service.ErrBillingProvider
}

// useMemoryBackend points every command at an in-memory ledger for the test.
func useMemoryBackend(t *testing.T, provider service.BillingProvider) *repository.MemoryStore {
	t.Helper()
	store := repository.NewMemoryStore()
	credits := service.NewCreditService(store, service.DefaultPricing(), service.FreeTierPolicy{Limit: 3}, service.NewLogRefundFlagger(zerolog.Nop()), zerolog.Nop())
	plans := service.NewPlanResolver(store, nil, time.Minute, zerolog.Nop())
	reconciler := service.NewReconciliationService(store, provider, plans, service.DefaultAllocations(), zerolog.Nop())

	old := openBackend
	openBackend = func(context.Context, bool) (*backend, error) {
		return &backend{credits: credits, reconciler: reconciler, close: func() {}}, nil
	}
	t.Cleanup(func() { openBackend = old })
	return store
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestBalanceCmdCreatesAccountOnFirstRead(t *testing.T) {
	store := useMemoryBackend(t, nil)
	store.PutAccount(model.Account{ID: "acct-1", Credits: 120, Plan: model.PlanPro})

	out, err := execute(t, "balance", "acct-1")
	require.NoError(t, err)

	var acct model.Account
	require.NoError(t, json.Unmarshal([]byte(out), &acct))
	assert.Equal(t, int64(120), acct.Credits)
	assert.Equal(t, model.PlanPro, acct.Plan)

	out, err = execute(t, "balance", "acct-new")
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal([]byte(out), &acct))
	assert.Equal(t, "acct-new", acct.ID)
	assert.Equal(t, int64(0), acct.Credits)
	assert.Equal(t, model.PlanNone, acct.Plan)

	_, err = execute(t, "balance")
	assert.Error(t, err)
}

func TestRefundCmdAppliesOncePerCharge(t *testing.T) {
	store := useMemoryBackend(t, nil)
	store.PutAccount(model.Account{ID: "acct-1", Credits: 10})

	for range 2 {
		out, err := execute(t, "refund", "--account", "acct-1", "--charge", "ch_1", "--amount", "25")
		require.NoError(t, err)
		assert.Contains(t, out, `"balance": 35`)
	}

	_, err := execute(t, "refund", "--account", "acct-1", "--amount", "5")
	assert.EqualError(t, err, "--account and --charge are required")

	_, err = execute(t, "refund", "--account", "acct-1", "--charge", "ch_2", "--amount", "0")
	assert.EqualError(t, err, "--amount must be positive")
}

func TestTransactionsCmd(t *testing.T) {
	store := useMemoryBackend(t, nil)
	store.PutAccount(model.Account{ID: "acct-1", Credits: 10})
	_, err := execute(t, "refund", "--account", "acct-1", "--charge", "ch_1", "--amount", "4", "--reason", "support ticket")
	require.NoError(t, err)

	out, err := execute(t, "transactions", "acct-1", "--kind", "refund")
	require.NoError(t, err)
	var txns []model.Transaction
	require.NoError(t, json.Unmarshal([]byte(out), &txns))
	require.Len(t, txns, 1)
	assert.Equal(t, "support ticket", txns[0].Description)
	assert.Equal(t, int64(4), txns[0].Amount)

	_, err = execute(t, "transactions", "acct-1", "--kind", "bonus")
	assert.EqualError(t, err, `unknown kind "bonus"`)

	_, err = execute(t, "transactions", "acct-1", "--since", "yesterday")
	assert.Error(t, err)
}

func TestReconcileCmd(t *testing.T) {
	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	provider := &stubProvider{sessions: map[string]*service.CheckoutSession{
		"cs_1": {
			ID:                "cs_1",
			Status:            service.SessionStatusComplete,
			PaymentStatus:     service.PaymentStatusPaid,
			ClientReferenceID: "acct-1",
			Metadata:          map[string]string{"plan": "basic"},
			Subscription: &service.Subscription{
				ID:                 "sub_1",
				Status:             service.SubscriptionStatusActive,
				CurrentPeriodStart: start,
				CurrentPeriodEnd:   start.AddDate(0, 1, 0),
			},
		},
	}}
	store := useMemoryBackend(t, provider)
	store.PutAccount(model.Account{ID: "acct-1"})

	out, err := execute(t, "reconcile", "cs_1")
	require.NoError(t, err)
	var res service.ReconcileResult
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.Equal(t, int64(200), res.CreditsGranted)
	assert.False(t, res.IdempotentReplay)

	out, err = execute(t, "reconcile", "cs_1")
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.True(t, res.IdempotentReplay)
	assert.Equal(t, int64(200), res.Balance)

	_, err = execute(t, "reconcile", "cs_1", "--account", "acct-2")
	assert.ErrorIs(t, err, service.ErrSessionAccountMismatch)
}

func TestMigrateCmd(t *testing.T) {
	t.Setenv("DB_CONNECTION_STRING", "postgres://u:p@localhost:5432/credits")
	var gotDSN string
	oldRun, oldVersion := runMigrations, migrationVersion
	t.Cleanup(func() { runMigrations, migrationVersion = oldRun, oldVersion })
	runMigrations = func(_ context.Context, dsn string) error {
		gotDSN = dsn
		return nil
	}
	migrationVersion = func(context.Context, string) (int64, error) { return 3, nil }

	out, err := execute(t, "migrate")
	require.NoError(t, err)
	assert.Equal(t, "migrations applied\n", out)
	assert.Equal(t, "postgres://u:p@localhost:5432/credits", gotDSN)

	out, err = execute(t, "migrate", "version")
	require.NoError(t, err)
	assert.Equal(t, "3\n", out)

	runMigrations = func(context.Context, string) error { return errors.New("boom") }
	_, err = execute(t, "migrate")
	assert.EqualError(t, err, "boom")
}
