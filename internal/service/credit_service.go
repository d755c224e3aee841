package service

import (
	"context"
	"errors"
	"time"

	"creditsvc/internal/metrics"
	"creditsvc/internal/model"
	"creditsvc/internal/repository"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("creditsvc/internal/service")

const refundTimeout = 10 * time.Second

// RefundRequest credits back a previous charge. ChargeID, when set, makes the refund
// idempotent: a charge is refunded at most once.
type RefundRequest struct {
	AccountID string
	Amount    int64
	Reason    string
	ChargeID  string
}

// Quote is the price of a request without any ledger write.
type Quote struct {
	Cost    int64      `json:"cost"`
	Free    bool       `json:"free"`
	Balance int64      `json:"balance"`
	Plan    model.Plan `json:"plan"`
}

// CreditService is the only writer of account credits outside subscription reconciliation.
type CreditService interface {
	GetBalance(ctx context.Context, accountID string) (*model.Account, error)
	Quote(ctx context.Context, accountID string, restricted bool, opts model.GenerationOptions) (*Quote, error)
	// CheckAndDebitForGeneration prices the request and atomically takes the credits.
	// ErrTimeout means the debit may or may not have happened; re-read the balance
	// instead of retrying.
	CheckAndDebitForGeneration(ctx context.Context, accountID string, restricted bool, opts model.GenerationOptions) (*model.Charge, error)
	Refund(ctx context.Context, req RefundRequest) (int64, error)
	// CompensateFailedGeneration refunds exactly the amount taken by charge. Failures are
	// logged and flagged, never returned.
	CompensateFailedGeneration(ctx context.Context, charge *model.Charge, reason string)
	// WithGenerationCharge debits, runs generate, and compensates if generate fails.
	WithGenerationCharge(ctx context.Context, accountID string, restricted bool, opts model.GenerationOptions, generate func(ctx context.Context, charge *model.Charge) error) (*model.Charge, error)
	ListTransactions(ctx context.Context, filter model.TransactionFilter) ([]model.Transaction, error)
}

type creditService struct {
	store    repository.LedgerStore
	pricing  Pricing
	freeTier FreeTierPolicy
	flagger  RefundFlagger
	logger   zerolog.Logger
}

// NewCreditService creates a new CreditService with a scoped logger.
func NewCreditService(store repository.LedgerStore, pricing Pricing, freeTier FreeTierPolicy, flagger RefundFlagger, logger zerolog.Logger) CreditService {
	return &creditService{
		store:    store,
		pricing:  pricing,
		freeTier: freeTier,
		flagger:  flagger,
		logger:   logger.With().Str("service", "CreditService").Logger(),
	}
}

// GetBalance returns the account, creating an empty one on first access.
func (s *creditService) GetBalance(ctx context.Context, accountID string) (*model.Account, error) {
	a, err := s.store.EnsureAccount(ctx, accountID)
	if err != nil {
		s.logger.Error().Err(err).Str("account_id", accountID).Msg("Failed to fetch account balance")
		return nil, err
	}
	return a, nil
}

func (s *creditService) Quote(ctx context.Context, accountID string, restricted bool, opts model.GenerationOptions) (*Quote, error) {
	a, err := s.GetBalance(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if !a.HasPlan() && !restricted {
		prior, err := s.store.CountGeneratedOutputs(ctx, accountID)
		if err != nil {
			return nil, err
		}
		if !s.freeTier.Allows(prior) {
			return nil, ErrFreeTierExhausted
		}
		return &Quote{Cost: 0, Free: true, Balance: a.Credits, Plan: a.Plan}, nil
	}
	cost, err := s.pricing.Cost(a.Plan, restricted, opts)
	if err != nil {
		return nil, err
	}
	return &Quote{Cost: cost, Balance: a.Credits, Plan: a.Plan}, nil
}

func (s *creditService) CheckAndDebitForGeneration(ctx context.Context, accountID string, restricted bool, opts model.GenerationOptions) (_ *model.Charge, err error) {
	ctx, span := tracer.Start(ctx, "CreditService.CheckAndDebitForGeneration")
	span.SetAttributes(
		attribute.String("account.id", accountID),
		attribute.Bool("generation.restricted", restricted),
		attribute.Int("generation.count", opts.Count),
	)
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	a, err := s.store.EnsureAccount(ctx, accountID)
	if err != nil {
		s.logger.Error().Err(err).Str("account_id", accountID).Msg("Failed to load account for generation")
		return nil, err
	}

	if !a.HasPlan() {
		return s.freeGeneration(ctx, a, restricted, opts)
	}

	cost, err := s.pricing.Cost(a.Plan, restricted, opts)
	if err != nil {
		return nil, err
	}

	balance, err := s.store.Debit(ctx, accountID, cost)
	if err != nil {
		metrics.LedgerOperations.WithLabelValues("debit", outcomeOf(err)).Inc()
		if errors.Is(err, repository.ErrTimeout) {
			s.logger.Warn().Err(err).Str("account_id", accountID).Int64("cost", cost).Msg("Debit outcome unknown")
		} else if !errors.Is(err, repository.ErrInsufficientCredits) {
			s.logger.Error().Err(err).Str("account_id", accountID).Int64("cost", cost).Msg("Failed to debit credits")
		}
		return nil, err
	}
	metrics.LedgerOperations.WithLabelValues("debit", "ok").Inc()
	metrics.CreditsMoved.WithLabelValues("debit").Add(float64(cost))

	charge := &model.Charge{
		ID:               uuid.NewString(),
		AccountID:        accountID,
		Cost:             cost,
		RemainingCredits: balance,
	}
	span.SetAttributes(attribute.String("charge.id", charge.ID), attribute.Int64("charge.cost", cost))

	s.audit(ctx, &model.Transaction{
		AccountID:   accountID,
		Amount:      -cost,
		Kind:        model.KindGeneration,
		Description: "Image generation",
		Metadata: map[string]any{
			"charge_id":  charge.ID,
			"count":      opts.Count,
			"restricted": restricted,
			"add_ons":    opts.AddOns,
		},
	})
	return charge, nil
}

// freeGeneration applies the free-tier policy to an unplanned account.
// The output count is read without a lock; two concurrent requests at the boundary
// can both pass. The next request sees the durable outputs and is rejected.
func (s *creditService) freeGeneration(ctx context.Context, a *model.Account, restricted bool, opts model.GenerationOptions) (*model.Charge, error) {
	if restricted {
		return nil, ErrSubscriptionRequired
	}
	if _, err := s.pricing.Cost(model.PlanNone, false, opts); err != nil {
		return nil, err
	}
	prior, err := s.store.CountGeneratedOutputs(ctx, a.ID)
	if err != nil {
		s.logger.Error().Err(err).Str("account_id", a.ID).Msg("Failed to count generated outputs")
		return nil, err
	}
	if !s.freeTier.Allows(prior) {
		return nil, ErrFreeTierExhausted
	}
	metrics.FreeGenerations.Inc()

	charge := &model.Charge{
		ID:               uuid.NewString(),
		AccountID:        a.ID,
		RemainingCredits: a.Credits,
		WasFree:          true,
	}
	s.audit(ctx, &model.Transaction{
		AccountID:   a.ID,
		Amount:      0,
		Kind:        model.KindFreeTier,
		Description: "Free generation",
		Metadata: map[string]any{
			"charge_id":     charge.ID,
			"prior_outputs": prior,
			"limit":         s.freeTier.Limit,
		},
	})
	return charge, nil
}

func (s *creditService) Refund(ctx context.Context, req RefundRequest) (int64, error) {
	if req.Amount < 0 {
		return 0, ErrInvalidAmount
	}
	balance, applied, err := s.store.Credit(ctx, req.AccountID, req.Amount, req.ChargeID)
	if err != nil {
		metrics.LedgerOperations.WithLabelValues("refund", outcomeOf(err)).Inc()
		s.logger.Error().Err(err).Str("account_id", req.AccountID).Str("charge_id", req.ChargeID).Int64("amount", req.Amount).Msg("Failed to refund credits")
		return 0, err
	}
	if !applied {
		if req.Amount > 0 {
			s.logger.Info().Str("account_id", req.AccountID).Str("charge_id", req.ChargeID).Msg("Refund already applied")
			metrics.LedgerOperations.WithLabelValues("refund", "replay").Inc()
		}
		return balance, nil
	}
	metrics.LedgerOperations.WithLabelValues("refund", "ok").Inc()
	metrics.CreditsMoved.WithLabelValues("refund").Add(float64(req.Amount))

	meta := map[string]any{}
	if req.ChargeID != "" {
		meta["charge_id"] = req.ChargeID
	}
	s.audit(ctx, &model.Transaction{
		AccountID:   req.AccountID,
		Amount:      req.Amount,
		Kind:        model.KindRefund,
		Description: req.Reason,
		Metadata:    meta,
	})
	return balance, nil
}

func (s *creditService) CompensateFailedGeneration(ctx context.Context, charge *model.Charge, reason string) {
	if charge == nil || charge.WasFree || charge.Cost == 0 {
		return
	}
	// The caller's request may already be canceled; the refund must still go through.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), refundTimeout)
	defer cancel()

	_, err := s.Refund(ctx, RefundRequest{
		AccountID: charge.AccountID,
		Amount:    charge.Cost,
		Reason:    reason,
		ChargeID:  charge.ID,
	})
	if err == nil {
		return
	}

	metrics.RefundFailures.Inc()
	s.logger.Error().Err(err).
		Str("account_id", charge.AccountID).
		Str("charge_id", charge.ID).
		Int64("amount", charge.Cost).
		Msg("Compensating refund failed; flagging for reconciliation")
	if s.flagger == nil {
		return
	}
	flagErr := s.flagger.Flag(ctx, model.UnrefundedCharge{
		ChargeID:  charge.ID,
		AccountID: charge.AccountID,
		Amount:    charge.Cost,
		Reason:    reason,
		Error:     err.Error(),
	})
	if flagErr != nil {
		s.logger.Error().Err(flagErr).Str("charge_id", charge.ID).Msg("Failed to flag unrefunded charge")
	}
}

func (s *creditService) WithGenerationCharge(ctx context.Context, accountID string, restricted bool, opts model.GenerationOptions, generate func(ctx context.Context, charge *model.Charge) error) (*model.Charge, error) {
	charge, err := s.CheckAndDebitForGeneration(ctx, accountID, restricted, opts)
	if err != nil {
		return nil, err
	}
	if err := generate(ctx, charge); err != nil {
		s.CompensateFailedGeneration(ctx, charge, "generation failed: "+err.Error())
		return charge, err
	}
	return charge, nil
}

func (s *creditService) ListTransactions(ctx context.Context, filter model.TransactionFilter) ([]model.Transaction, error) {
	if filter.Kind != "" && !filter.Kind.Valid() {
		return nil, ErrInvalidTransactionKind
	}
	txns, err := s.store.ListTransactions(ctx, filter)
	if err != nil {
		s.logger.Error().Err(err).Str("account_id", filter.AccountID).Msg("Failed to list transactions")
		return nil, err
	}
	return txns, nil
}

// audit writes a transaction row. Failures are logged and counted, never returned.
func (s *creditService) audit(ctx context.Context, txn *model.Transaction) {
	if err := s.store.InsertTransaction(ctx, txn); err != nil {
		metrics.AuditWriteFailures.WithLabelValues("credit_transactions").Inc()
		s.logger.Warn().Err(err).Str("account_id", txn.AccountID).Str("kind", string(txn.Kind)).Int64("amount", txn.Amount).Msg("Failed to record transaction")
	}
}

func outcomeOf(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, repository.ErrInsufficientCredits):
		return "insufficient"
	case errors.Is(err, repository.ErrAccountNotFound):
		return "not_found"
	case errors.Is(err, repository.ErrTimeout):
		return "timeout"
	case errors.Is(err, repository.ErrStoreUnavailable):
		return "unavailable"
	default:
		return "error"
	}
}
