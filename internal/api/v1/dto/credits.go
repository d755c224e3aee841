package dto

import "time"

// BalanceResponseDTO is returned by GET /credits/balance
type BalanceResponseDTO struct {
	AccountID           string     `json:"account_id"`
	Credits             int64      `json:"credits"`
	Plan                string     `json:"plan"`
	MonthlyAllocation   int64      `json:"monthly_allocation"`
	SubscriptionID      string     `json:"subscription_id,omitempty"`
	SubscriptionRenewal *time.Time `json:"subscription_renewal,omitempty"`
}

// GenerationRequestDTO prices or charges a generation request
type GenerationRequestDTO struct {
	Count      int      `json:"count" validate:"gte=0,lte=16"`
	AddOns     []string `json:"add_ons" validate:"omitempty,max=4,dive,oneof=hd priority"`
	Restricted bool     `json:"restricted"`
}

// QuoteResponseDTO is returned by POST /credits/quote
type QuoteResponseDTO struct {
	Cost    int64  `json:"cost"`
	Free    bool   `json:"free"`
	Balance int64  `json:"balance"`
	Plan    string `json:"plan"`
}

// ChargeResponseDTO is returned by POST /credits/charges
type ChargeResponseDTO struct {
	ChargeID         string `json:"charge_id"`
	Cost             int64  `json:"cost"`
	RemainingCredits int64  `json:"remaining_credits"`
	WasFree          bool   `json:"was_free"`
}

// TransactionQueryDTO holds the query parameters of GET /credits/transactions
type TransactionQueryDTO struct {
	Kind   string     `validate:"omitempty,oneof=generation refund subscription_grant free_tier"`
	Since  *time.Time `validate:"-"`
	Until  *time.Time `validate:"-"`
	Limit  int        `validate:"gte=0,lte=500"`
	Offset int        `validate:"gte=0"`
}

type TransactionDTO struct {
	ID          string         `json:"id"`
	Amount      int64          `json:"amount"`
	Kind        string         `json:"kind"`
	Description string         `json:"description"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
}

type TransactionListResponseDTO struct {
	Transactions []TransactionDTO `json:"transactions"`
	Limit        int              `json:"limit"`
	Offset       int              `json:"offset"`
}
