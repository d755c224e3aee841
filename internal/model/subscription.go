package model

import "time"

// CheckoutGrant is the fully resolved input of a checkout-completion grant.
// SessionID is the idempotency key; (SubscriptionID, PeriodStart) is unique as well.
type CheckoutGrant struct {
	SessionID      string
	AccountID      string
	Plan           Plan
	Allocation     int64
	SubscriptionID string
	CustomerID     string
	PeriodStart    time.Time
	PeriodEnd      time.Time
}

// GrantOutcome reports what ApplyCheckoutGrant did.
// Applied is false when the session had already been processed.
type GrantOutcome struct {
	Applied bool
	Account *Account
}

// SubscriptionUpdate carries metadata-only changes for an existing subscription.
type SubscriptionUpdate struct {
	SubscriptionID    string
	AccountID         string // fallback when no account holds SubscriptionID yet
	Plan              Plan
	MonthlyAllocation int64
	PeriodStart       *time.Time
	PeriodEnd         *time.Time
}

// History event names.
const (
	HistoryCheckoutCompleted = "checkout_completed"
	HistoryUpdated           = "updated"
	HistoryCanceled          = "canceled"
)

// SubscriptionHistoryEntry is an audit record of a subscription lifecycle event.
type SubscriptionHistoryEntry struct {
	ID             string         `json:"id"`
	AccountID      string         `json:"account_id"`
	SubscriptionID string         `json:"subscription_id"`
	Event          string         `json:"event"`
	Plan           Plan           `json:"plan"`
	Details        map[string]any `json:"details,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
}
