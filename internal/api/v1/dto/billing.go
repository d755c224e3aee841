package dto

// CheckoutCompleteRequestDTO is sent by the client after returning from checkout
type CheckoutCompleteRequestDTO struct {
	SessionID string `json:"session_id" validate:"required,startswith=cs_,max=255"`
}

// CheckoutCompleteResponseDTO reports the reconciliation result
type CheckoutCompleteResponseDTO struct {
	SessionID        string `json:"session_id"`
	Plan             string `json:"plan"`
	CreditsGranted   int64  `json:"credits_granted"`
	Balance          int64  `json:"balance"`
	IdempotentReplay bool   `json:"idempotent_replay"`
}
