package service

import (
	"errors"
	"fmt"

	"creditsvc/internal/repository"
)

var (
	// ErrSubscriptionRequired means the request needs a paid plan.
	ErrSubscriptionRequired = errors.New("subscription required")
	// ErrFreeTierExhausted is the unplanned-account flavor of ErrSubscriptionRequired.
	ErrFreeTierExhausted = fmt.Errorf("free generations exhausted: %w", ErrSubscriptionRequired)
	// ErrPlanNotEligible means the plan has no price for restricted content.
	ErrPlanNotEligible = errors.New("plan not eligible for restricted content")
	ErrUnknownAddOn    = errors.New("unknown add-on")
	ErrInvalidCount    = errors.New("invalid generation count")

	ErrSessionNotComplete     = errors.New("checkout session not complete")
	ErrSessionAccountMismatch = errors.New("checkout session belongs to a different account")
	ErrBillingProvider        = errors.New("billing provider request failed")

	ErrRefundFailed           = errors.New("refund failed")
	ErrInvalidAmount          = repository.ErrInvalidAmount
	ErrInvalidTransactionKind = errors.New("invalid transaction kind")
)
