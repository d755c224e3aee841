package service

import (
	"context"
	"time"
)

// Billing provider status values the reconciliation logic depends on.
const (
	SessionStatusComplete = "complete"

	PaymentStatusPaid              = "paid"
	PaymentStatusNoPaymentRequired = "no_payment_required"

	SubscriptionStatusActive   = "active"
	SubscriptionStatusTrialing = "trialing"
	SubscriptionStatusCanceled = "canceled"
)

// CheckoutSession is the provider-neutral view of a completed checkout.
type CheckoutSession struct {
	ID                string
	Status            string
	PaymentStatus     string
	ClientReferenceID string
	CustomerID        string
	Metadata          map[string]string
	PriceID           string
	Subscription      *Subscription
}

// Subscription is the provider-neutral view of a billing subscription.
type Subscription struct {
	ID                 string
	CustomerID         string
	Status             string
	PriceID            string
	Metadata           map[string]string
	CurrentPeriodStart time.Time
	CurrentPeriodEnd   time.Time
	TrialEnd           *time.Time
	CancelAtPeriodEnd  bool
}

// Active reports whether the subscription entitles the account to its plan.
// Trialing counts as active.
func (s *Subscription) Active() bool {
	return s != nil && (s.Status == SubscriptionStatusActive || s.Status == SubscriptionStatusTrialing)
}

// BillingProvider retrieves authoritative checkout and subscription records.
type BillingProvider interface {
	GetCheckoutSession(ctx context.Context, sessionID string) (*CheckoutSession, error)
	GetSubscription(ctx context.Context, subscriptionID string) (*Subscription, error)
}
