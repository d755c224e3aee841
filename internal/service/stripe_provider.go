package service

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"github.com/stripe/stripe-go/v82"
	checkoutsession "github.com/stripe/stripe-go/v82/checkout/session"
	subscriptionpkg "github.com/stripe/stripe-go/v82/subscription"
)

// StripeBillingProvider reads checkout sessions and subscriptions from Stripe.
type StripeBillingProvider struct {
	logger zerolog.Logger
}

// NewStripeBillingProvider initializes the Stripe key and returns a provider with a scoped logger.
func NewStripeBillingProvider(secretKey string, logger zerolog.Logger) *StripeBillingProvider {
	stripe.Key = secretKey
	return &StripeBillingProvider{logger: logger.With().Str("service", "StripeBillingProvider").Logger()}
}

func (p *StripeBillingProvider) GetCheckoutSession(ctx context.Context, sessionID string) (*CheckoutSession, error) {
	params := &stripe.CheckoutSessionParams{}
	params.Context = ctx
	params.AddExpand("subscription")
	params.AddExpand("line_items")
	cs, err := checkoutsession.Get(sessionID, params)
	if err != nil {
		if isStripeNotFound(err) {
			return nil, fmt.Errorf("%w: session %s not found", ErrSessionNotComplete, sessionID)
		}
		p.logger.Error().Err(err).Str("session_id", sessionID).Msg("Failed to retrieve checkout session")
		return nil, fmt.Errorf("%w: retrieve checkout session %s: %w", ErrBillingProvider, sessionID, err)
	}
	return CheckoutSessionFromStripe(cs), nil
}

func (p *StripeBillingProvider) GetSubscription(ctx context.Context, subscriptionID string) (*Subscription, error) {
	params := &stripe.SubscriptionParams{}
	params.Context = ctx
	sub, err := subscriptionpkg.Get(subscriptionID, params)
	if err != nil {
		p.logger.Error().Err(err).Str("subscription_id", subscriptionID).Msg("Failed to retrieve subscription")
		return nil, fmt.Errorf("%w: retrieve subscription %s: %w", ErrBillingProvider, subscriptionID, err)
	}
	return SubscriptionFromStripe(sub), nil
}

func isStripeNotFound(err error) bool {
	var se *stripe.Error
	return errors.As(err, &se) && se.HTTPStatusCode == http.StatusNotFound
}

// CheckoutSessionFromStripe converts a Stripe checkout session, expanded or not.
func CheckoutSessionFromStripe(cs *stripe.CheckoutSession) *CheckoutSession {
	if cs == nil {
		return nil
	}
	out := &CheckoutSession{
		ID:                cs.ID,
		Status:            string(cs.Status),
		PaymentStatus:     string(cs.PaymentStatus),
		ClientReferenceID: cs.ClientReferenceID,
		Metadata:          cs.Metadata,
	}
	if cs.Customer != nil {
		out.CustomerID = cs.Customer.ID
	}
	if cs.LineItems != nil {
		for _, li := range cs.LineItems.Data {
			if li != nil && li.Price != nil && li.Price.ID != "" {
				out.PriceID = li.Price.ID
				break
			}
		}
	}
	if cs.Subscription != nil && cs.Subscription.ID != "" {
		out.Subscription = SubscriptionFromStripe(cs.Subscription)
		if out.PriceID == "" {
			out.PriceID = out.Subscription.PriceID
		}
	}
	return out
}

// SubscriptionFromStripe converts a Stripe subscription. Billing periods are read from
// the first subscription item.
func SubscriptionFromStripe(sub *stripe.Subscription) *Subscription {
	if sub == nil {
		return nil
	}
	out := &Subscription{
		ID:                sub.ID,
		Status:            string(sub.Status),
		Metadata:          sub.Metadata,
		CancelAtPeriodEnd: sub.CancelAtPeriodEnd,
	}
	if sub.Customer != nil {
		out.CustomerID = sub.Customer.ID
	}
	if sub.TrialEnd > 0 {
		t := time.Unix(sub.TrialEnd, 0).UTC()
		out.TrialEnd = &t
	}
	if sub.Items != nil && len(sub.Items.Data) > 0 {
		item := sub.Items.Data[0]
		if item.Price != nil {
			out.PriceID = item.Price.ID
		}
		if item.CurrentPeriodStart > 0 {
			out.CurrentPeriodStart = time.Unix(item.CurrentPeriodStart, 0).UTC()
		}
		if item.CurrentPeriodEnd > 0 {
			out.CurrentPeriodEnd = time.Unix(item.CurrentPeriodEnd, 0).UTC()
		}
	}
	return out
}
