package repository

import (
	"context"
	"time"

	"creditsvc/internal/model"

	"github.com/google/uuid"
)

// LedgerStore owns every write to an account's credits and plan.
// Implementations must make each mutation atomic per account.
type LedgerStore interface {
	GetAccount(ctx context.Context, accountID string) (*model.Account, error)
	// EnsureAccount creates an empty, unplanned account if none exists and returns it.
	EnsureAccount(ctx context.Context, accountID string) (*model.Account, error)

	// Debit subtracts amount only if the balance covers it and returns the new balance.
	// It fails with *InsufficientCreditsError or ErrAccountNotFound without writing anything.
	Debit(ctx context.Context, accountID string, amount int64) (int64, error)
	// Credit adds amount to the balance. A non-empty refundKey is applied at most once;
	// a repeated key leaves the balance unchanged and reports applied=false.
	Credit(ctx context.Context, accountID string, amount int64, refundKey string) (balance int64, applied bool, err error)

	// ApplyCheckoutGrant records the checkout session and, only if it was not seen before,
	// adds the allocation and writes plan and subscription metadata in the same transaction.
	ApplyCheckoutGrant(ctx context.Context, grant model.CheckoutGrant) (*model.GrantOutcome, error)
	// ApplySubscriptionUpdate changes plan and period metadata without touching credits.
	ApplySubscriptionUpdate(ctx context.Context, update model.SubscriptionUpdate) (*model.Account, error)
	// ClearSubscription drops plan and subscription metadata from the account holding
	// subscriptionID. Credits are kept.
	ClearSubscription(ctx context.Context, subscriptionID string) (*model.Account, error)

	InsertTransaction(ctx context.Context, txn *model.Transaction) error
	InsertSubscriptionHistory(ctx context.Context, entry *model.SubscriptionHistoryEntry) error
	ListTransactions(ctx context.Context, filter model.TransactionFilter) ([]model.Transaction, error)

	// CountGeneratedOutputs counts durable outputs across every project the account owns.
	CountGeneratedOutputs(ctx context.Context, accountID string) (int, error)
	// LookupPricePlan maps a billing price id to a plan, or fails with ErrPriceNotMapped.
	LookupPricePlan(ctx context.Context, priceID string) (model.Plan, error)

	Ping(ctx context.Context) error
}

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

func listLimit(n int) int {
	switch {
	case n <= 0:
		return defaultListLimit
	case n > maxListLimit:
		return maxListLimit
	default:
		return n
	}
}

func prepareTransaction(txn *model.Transaction) {
	if txn.ID == "" {
		txn.ID = uuid.NewString()
	}
	if txn.CreatedAt.IsZero() {
		txn.CreatedAt = time.Now().UTC()
	}
}

func prepareHistory(entry *model.SubscriptionHistoryEntry) {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
}
