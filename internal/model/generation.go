package model

// AddOn is an optional generation feature that carries a surcharge.
type AddOn string

const (
	AddOnHD       AddOn = "hd"
	AddOnPriority AddOn = "priority"
)

// GenerationOptions describes a generation request for pricing purposes.
type GenerationOptions struct {
	Count  int     `json:"count"`
	AddOns []AddOn `json:"add_ons,omitempty"`
}

// Charge records a successful debit so that a later refund uses the exact amount taken.
type Charge struct {
	ID               string `json:"charge_id"`
	AccountID        string `json:"account_id"`
	Cost             int64  `json:"cost"`
	RemainingCredits int64  `json:"remaining_credits"`
	WasFree          bool   `json:"was_free"`
}

// UnrefundedCharge is flagged for out-of-band reconciliation when a compensating refund fails.
type UnrefundedCharge struct {
	ChargeID  string `json:"charge_id"`
	AccountID string `json:"account_id"`
	Amount    int64  `json:"amount"`
	Reason    string `json:"reason"`
	Error     string `json:"error,omitempty"`
}
