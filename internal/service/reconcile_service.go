package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"creditsvc/internal/config"
	"creditsvc/internal/metrics"
	"creditsvc/internal/model"
	"creditsvc/internal/repository"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// Trigger names the producer that asked for a reconciliation.
type Trigger string

const (
	TriggerWebhook  Trigger = "webhook"
	TriggerClient   Trigger = "client"
	TriggerOperator Trigger = "operator"
)

// ReconcileOptions tunes a single reconciliation call.
type ReconcileOptions struct {
	Trigger Trigger
	// ExpectedAccountID, when set, rejects sessions paid for by another account.
	ExpectedAccountID string
}

// ReconcileResult is returned for both first grants and idempotent replays.
type ReconcileResult struct {
	SessionID        string     `json:"session_id"`
	AccountID        string     `json:"account_id"`
	SubscriptionID   string     `json:"subscription_id,omitempty"`
	Plan             model.Plan `json:"plan"`
	CreditsGranted   int64      `json:"credits_granted"`
	Balance          int64      `json:"balance"`
	IdempotentReplay bool       `json:"idempotent_replay"`
}

// Allocations maps each paid plan to its monthly credit grant.
type Allocations map[model.Plan]int64

// AllocationsFromConfig reads plan allocations from configuration.
func AllocationsFromConfig(cfg *config.Config) Allocations {
	return Allocations{
		model.PlanBasic:   cfg.AllocationBasic,
		model.PlanPro:     cfg.AllocationPro,
		model.PlanPremium: cfg.AllocationPremium,
	}
}

// DefaultAllocations returns the standard monthly allocations.
func DefaultAllocations() Allocations {
	return Allocations{model.PlanBasic: 200, model.PlanPro: 600, model.PlanPremium: 1500}
}

// ReconciliationService turns completed payments into plan and credit state.
// Webhook delivery, the client fallback and the operator CLI all call the same
// idempotent operation.
type ReconciliationService interface {
	ReconcileCheckoutCompletion(ctx context.Context, sessionID string, opts ReconcileOptions) (*ReconcileResult, error)
	// ApplySubscriptionUpdate syncs plan and period metadata from the provider's
	// current copy of sub. It never grants credits.
	ApplySubscriptionUpdate(ctx context.Context, sub *Subscription) (*model.Account, error)
	// ApplySubscriptionCancellation resets the plan and keeps the balance.
	ApplySubscriptionCancellation(ctx context.Context, sub *Subscription) (*model.Account, error)
}

type reconciliationService struct {
	store       repository.LedgerStore
	provider    BillingProvider
	plans       *PlanResolver
	allocations Allocations
	now         func() time.Time
	logger      zerolog.Logger
}

// NewReconciliationService creates a new ReconciliationService with a scoped logger.
func NewReconciliationService(store repository.LedgerStore, provider BillingProvider, plans *PlanResolver, allocations Allocations, logger zerolog.Logger) ReconciliationService {
	return &reconciliationService{
		store:       store,
		provider:    provider,
		plans:       plans,
		allocations: allocations,
		now:         func() time.Time { return time.Now().UTC() },
		logger:      logger.With().Str("service", "ReconciliationService").Logger(),
	}
}

func (s *reconciliationService) ReconcileCheckoutCompletion(ctx context.Context, sessionID string, opts ReconcileOptions) (res *ReconcileResult, err error) {
	if opts.Trigger == "" {
		opts.Trigger = TriggerWebhook
	}
	ctx, span := tracer.Start(ctx, "ReconciliationService.ReconcileCheckoutCompletion")
	span.SetAttributes(attribute.String("checkout.session_id", sessionID), attribute.String("reconcile.trigger", string(opts.Trigger)))
	defer func() {
		outcome := reconcileOutcome(res, err)
		metrics.Reconciliations.WithLabelValues(string(opts.Trigger), outcome).Inc()
		span.SetAttributes(attribute.String("reconcile.outcome", outcome))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	log := s.logger.With().Str("session_id", sessionID).Str("trigger", string(opts.Trigger)).Logger()

	if sessionID == "" {
		return nil, fmt.Errorf("%w: empty session id", ErrSessionNotComplete)
	}

	// Pending -> Verified
	sess, err := s.provider.GetCheckoutSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	// An unexpanded subscription carries only its id.
	if sess != nil && sess.Subscription != nil && sess.Subscription.Status == "" {
		sub, err := s.provider.GetSubscription(ctx, sess.Subscription.ID)
		if err != nil {
			log.Error().Err(err).Str("subscription_id", sess.Subscription.ID).Msg("Failed to fetch checkout subscription")
			return nil, err
		}
		sess.Subscription = sub
	}
	if err := verifySession(sess); err != nil {
		log.Info().Str("status", sess.Status).Str("payment_status", sess.PaymentStatus).Msg("Checkout session not reconcilable yet")
		return nil, err
	}
	accountID := payerOf(sess)
	if accountID == "" {
		log.Warn().Msg("Checkout session has no payer reference")
		return nil, fmt.Errorf("%w: session %s has no payer", ErrSessionNotComplete, sessionID)
	}
	if opts.ExpectedAccountID != "" && opts.ExpectedAccountID != accountID {
		log.Warn().Str("account_id", accountID).Str("expected_account_id", opts.ExpectedAccountID).Msg("Checkout session belongs to another account")
		return nil, ErrSessionAccountMismatch
	}

	plan, err := s.resolvePlan(ctx, log, sess.Metadata, sess.PriceID)
	if err != nil {
		return nil, err
	}
	grant := model.CheckoutGrant{
		SessionID:  sess.ID,
		AccountID:  accountID,
		Plan:       plan,
		Allocation: s.allocations[plan],
		CustomerID: sess.CustomerID,
	}
	if sub := sess.Subscription; sub != nil {
		grant.SubscriptionID = sub.ID
		grant.PeriodStart = sub.CurrentPeriodStart
		grant.PeriodEnd = sub.CurrentPeriodEnd
		if grant.CustomerID == "" {
			grant.CustomerID = sub.CustomerID
		}
	}
	if grant.PeriodStart.IsZero() {
		grant.PeriodStart = s.now()
	}
	if grant.PeriodEnd.IsZero() {
		grant.PeriodEnd = grant.PeriodStart.AddDate(0, 1, 0)
	}

	// Idempotency gate + Credited, one transaction.
	out, err := s.store.ApplyCheckoutGrant(ctx, grant)
	if err != nil {
		log.Error().Err(err).Str("account_id", accountID).Msg("Failed to apply checkout grant")
		return nil, err
	}
	res = &ReconcileResult{
		SessionID:      sess.ID,
		AccountID:      accountID,
		SubscriptionID: grant.SubscriptionID,
		Plan:           out.Account.Plan,
		Balance:        out.Account.Credits,
	}
	if !out.Applied {
		log.Info().Str("account_id", accountID).Msg("Checkout session already reconciled")
		res.IdempotentReplay = true
		return res, nil
	}
	res.CreditsGranted = grant.Allocation
	metrics.LedgerOperations.WithLabelValues("grant", "ok").Inc()
	metrics.CreditsMoved.WithLabelValues("grant").Add(float64(grant.Allocation))
	log.Info().Str("account_id", accountID).Str("plan", string(plan)).Int64("credits", grant.Allocation).Msg("Granted subscription credits")

	// Recorded. Best-effort: credits and plan are already committed.
	s.record(ctx, &model.Transaction{
		AccountID:   accountID,
		Amount:      grant.Allocation,
		Kind:        model.KindSubscriptionGrant,
		Description: fmt.Sprintf("Monthly allocation for %s plan", plan),
		Metadata: map[string]any{
			"session_id":      sess.ID,
			"subscription_id": grant.SubscriptionID,
			"trigger":         string(opts.Trigger),
		},
	}, &model.SubscriptionHistoryEntry{
		AccountID:      accountID,
		SubscriptionID: grant.SubscriptionID,
		Event:          model.HistoryCheckoutCompleted,
		Plan:           plan,
		Details: map[string]any{
			"session_id":   sess.ID,
			"credits":      grant.Allocation,
			"period_start": grant.PeriodStart,
			"period_end":   grant.PeriodEnd,
		},
	})
	return res, nil
}

func (s *reconciliationService) ApplySubscriptionUpdate(ctx context.Context, sub *Subscription) (*model.Account, error) {
	if sub == nil || sub.ID == "" {
		return nil, fmt.Errorf("%w: subscription without id", ErrSessionNotComplete)
	}
	if sub.Status == SubscriptionStatusCanceled {
		return s.ApplySubscriptionCancellation(ctx, sub)
	}
	// Event payloads can arrive out of order; apply what the provider holds now.
	current, err := s.provider.GetSubscription(ctx, sub.ID)
	if err != nil {
		s.logger.Error().Err(err).Str("subscription_id", sub.ID).Msg("Failed to fetch subscription")
		return nil, err
	}
	sub = current
	if sub.Status == SubscriptionStatusCanceled {
		return s.ApplySubscriptionCancellation(ctx, sub)
	}
	log := s.logger.With().Str("subscription_id", sub.ID).Str("status", sub.Status).Logger()

	plan, err := s.resolvePlan(ctx, log, sub.Metadata, sub.PriceID)
	if err != nil {
		return nil, err
	}
	update := model.SubscriptionUpdate{
		SubscriptionID:    sub.ID,
		AccountID:         sub.Metadata["account_id"],
		Plan:              plan,
		MonthlyAllocation: s.allocations[plan],
	}
	if !sub.CurrentPeriodStart.IsZero() {
		t := sub.CurrentPeriodStart
		update.PeriodStart = &t
	}
	if !sub.CurrentPeriodEnd.IsZero() {
		t := sub.CurrentPeriodEnd
		update.PeriodEnd = &t
	}

	a, err := s.store.ApplySubscriptionUpdate(ctx, update)
	if err != nil {
		if errors.Is(err, repository.ErrAccountNotFound) {
			log.Warn().Msg("No account holds subscription; update ignored")
		} else {
			log.Error().Err(err).Msg("Failed to apply subscription update")
		}
		return nil, err
	}
	log.Info().Str("account_id", a.ID).Str("plan", string(plan)).Msg("Subscription metadata updated")
	s.record(ctx, nil, &model.SubscriptionHistoryEntry{
		AccountID:      a.ID,
		SubscriptionID: sub.ID,
		Event:          model.HistoryUpdated,
		Plan:           plan,
		Details: map[string]any{
			"status":               sub.Status,
			"cancel_at_period_end": sub.CancelAtPeriodEnd,
		},
	})
	return a, nil
}

func (s *reconciliationService) ApplySubscriptionCancellation(ctx context.Context, sub *Subscription) (*model.Account, error) {
	if sub == nil || sub.ID == "" {
		return nil, fmt.Errorf("%w: subscription without id", ErrSessionNotComplete)
	}
	a, err := s.store.ClearSubscription(ctx, sub.ID)
	if err != nil {
		if errors.Is(err, repository.ErrAccountNotFound) {
			s.logger.Warn().Str("subscription_id", sub.ID).Msg("No account holds subscription; cancellation ignored")
		} else {
			s.logger.Error().Err(err).Str("subscription_id", sub.ID).Msg("Failed to clear subscription")
		}
		return nil, err
	}
	s.logger.Info().Str("subscription_id", sub.ID).Str("account_id", a.ID).Int64("credits", a.Credits).Msg("Subscription canceled; plan reset")
	s.record(ctx, nil, &model.SubscriptionHistoryEntry{
		AccountID:      a.ID,
		SubscriptionID: sub.ID,
		Event:          model.HistoryCanceled,
		Plan:           model.PlanNone,
		Details:        map[string]any{"status": sub.Status},
	})
	return a, nil
}

// resolvePlan prefers explicit metadata, then the price mapping. Only a price with
// no mapping falls back to the lowest paid tier; store failures are returned so
// the caller can retry.
func (s *reconciliationService) resolvePlan(ctx context.Context, log zerolog.Logger, metadata map[string]string, priceID string) (model.Plan, error) {
	if p, ok := model.ParsePlan(metadata["plan"]); ok && p.IsPaid() {
		return p, nil
	}
	if s.plans != nil && priceID != "" {
		p, err := s.plans.Resolve(ctx, priceID)
		if err == nil {
			return p, nil
		}
		if !errors.Is(err, repository.ErrPriceNotMapped) {
			log.Error().Err(err).Str("price_id", priceID).Msg("Failed to resolve plan for price")
			return model.PlanNone, err
		}
	}
	lowest := model.PaidPlans[0]
	log.Warn().Str("price_id", priceID).Str("plan", string(lowest)).Msg("Plan unresolved; defaulting to lowest tier")
	return lowest, nil
}

func (s *reconciliationService) record(ctx context.Context, txn *model.Transaction, entry *model.SubscriptionHistoryEntry) {
	if txn != nil {
		if err := s.store.InsertTransaction(ctx, txn); err != nil {
			metrics.AuditWriteFailures.WithLabelValues("credit_transactions").Inc()
			s.logger.Warn().Err(err).Str("account_id", txn.AccountID).Msg("Failed to record grant transaction")
		}
	}
	if entry != nil {
		if err := s.store.InsertSubscriptionHistory(ctx, entry); err != nil {
			metrics.AuditWriteFailures.WithLabelValues("subscription_history").Inc()
			s.logger.Warn().Err(err).Str("account_id", entry.AccountID).Str("event", entry.Event).Msg("Failed to record subscription history")
		}
	}
}

func verifySession(sess *CheckoutSession) error {
	if sess == nil {
		return fmt.Errorf("%w: empty session", ErrSessionNotComplete)
	}
	if sess.Status != SessionStatusComplete {
		return fmt.Errorf("%w: session %s status %q", ErrSessionNotComplete, sess.ID, sess.Status)
	}
	switch {
	case sess.PaymentStatus == PaymentStatusPaid,
		sess.PaymentStatus == PaymentStatusNoPaymentRequired,
		sess.Subscription.Active():
		return nil
	}
	return fmt.Errorf("%w: session %s payment status %q", ErrSessionNotComplete, sess.ID, sess.PaymentStatus)
}

func payerOf(sess *CheckoutSession) string {
	if sess.ClientReferenceID != "" {
		return sess.ClientReferenceID
	}
	if id := sess.Metadata["account_id"]; id != "" {
		return id
	}
	if sess.Subscription != nil {
		return sess.Subscription.Metadata["account_id"]
	}
	return ""
}

func reconcileOutcome(res *ReconcileResult, err error) string {
	switch {
	case err == nil && res != nil && res.IdempotentReplay:
		return "replay"
	case err == nil:
		return "granted"
	case errors.Is(err, ErrSessionNotComplete):
		return "rejected"
	case errors.Is(err, ErrSessionAccountMismatch):
		return "mismatch"
	case errors.Is(err, repository.ErrAccountNotFound):
		return "account_not_found"
	default:
		return "error"
	}
}
