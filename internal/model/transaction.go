package model

import "time"

// TransactionKind classifies a ledger entry.
type TransactionKind string

const (
	KindGeneration        TransactionKind = "generation"
	KindRefund            TransactionKind = "refund"
	KindSubscriptionGrant TransactionKind = "subscription_grant"
	KindFreeTier          TransactionKind = "free_tier"
)

// Valid reports whether k is a known transaction kind.
func (k TransactionKind) Valid() bool {
	switch k {
	case KindGeneration, KindRefund, KindSubscriptionGrant, KindFreeTier:
		return true
	}
	return false
}

// Transaction is an append-only audit entry. Amount is negative for debits.
type Transaction struct {
	ID          string          `json:"id"`
	AccountID   string          `json:"account_id"`
	Amount      int64           `json:"amount"`
	Kind        TransactionKind `json:"kind"`
	Description string          `json:"description"`
	Metadata    map[string]any  `json:"metadata,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}

// TransactionFilter narrows a transaction history query.
type TransactionFilter struct {
	AccountID string
	Kind      TransactionKind // empty matches every kind
	Since     *time.Time
	Until     *time.Time
	Limit     int
	Offset    int
}
