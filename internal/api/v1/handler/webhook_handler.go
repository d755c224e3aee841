package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"creditsvc/internal/metrics"
	"creditsvc/internal/repository"
	"creditsvc/internal/service"

	"github.com/rs/zerolog"
	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"
)

const webhookBodyLimit = 1024 * 1024 // 1 MiB

// WebhookHandler verifies Stripe webhook deliveries and feeds them to reconciliation.
type WebhookHandler struct {
	secret     string
	reconciler service.ReconciliationService
	logger     zerolog.Logger
}

type webhookErrorResponse struct {
	Error string `json:"error"`
}

type webhookReceivedResponse struct {
	Received bool `json:"received"`
}

// NewWebhookHandler creates a Stripe webhook HTTP handler.
func NewWebhookHandler(secret string, reconciler service.ReconciliationService, logger zerolog.Logger) *WebhookHandler {
	return &WebhookHandler{
		secret:     secret,
		reconciler: reconciler,
		logger:     logger.With().Str("handler", "WebhookHandler").Logger(),
	}
}

// RegisterRoutes mounts the webhook endpoint. Deliveries are authenticated by signature.
func (h *WebhookHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.Handle("POST /webhooks/stripe", h)
}

// ServeHTTP verifies the Stripe signature and dispatches the event.
// A 5xx response makes Stripe redeliver, so only retryable failures return one.
func (h *WebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	eventType := "unknown"
	status := http.StatusOK
	defer func() {
		metrics.WebhookRequestsTotal.WithLabelValues(eventType, strconv.Itoa(status)).Inc()
		metrics.WebhookDuration.WithLabelValues(eventType).Observe(time.Since(start).Seconds())
	}()

	if strings.TrimSpace(h.secret) == "" {
		status = http.StatusServiceUnavailable
		writeJSON(w, status, webhookErrorResponse{Error: "webhook secret not configured"})
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, webhookBodyLimit)
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		status = http.StatusBadRequest
		writeJSON(w, status, webhookErrorResponse{Error: "failed to read request body"})
		return
	}

	sigHeader := r.Header.Get("Stripe-Signature")
	if strings.TrimSpace(sigHeader) == "" {
		status = http.StatusBadRequest
		writeJSON(w, status, webhookErrorResponse{Error: "missing Stripe signature"})
		return
	}

	event, err := webhook.ConstructEventWithOptions(payload, sigHeader, h.secret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		h.logger.Warn().Err(err).Msg("Signature verification failed for Stripe webhook")
		status = http.StatusBadRequest
		writeJSON(w, status, webhookErrorResponse{Error: "invalid Stripe signature"})
		return
	}
	eventType = string(event.Type)
	log := h.logger.With().Str("event_id", event.ID).Str("event_type", eventType).Logger()
	log.Info().Msg("Stripe webhook received")

	if err := h.handleEvent(r, log, &event); err != nil {
		var decodeErr *eventDecodeError
		if errors.As(err, &decodeErr) {
			log.Error().Err(err).Msg("Invalid Stripe webhook payload")
			status = http.StatusBadRequest
			writeJSON(w, status, webhookErrorResponse{Error: "invalid event payload"})
			return
		}
		log.Error().Err(err).Msg("Stripe webhook processing failed")
		status = http.StatusInternalServerError
		writeJSON(w, status, webhookErrorResponse{Error: "processing failed"})
		return
	}

	writeJSON(w, status, webhookReceivedResponse{Received: true})
}

type eventDecodeError struct {
	kind string
	err  error
}

func (e *eventDecodeError) Error() string { return fmt.Sprintf("decode %s: %v", e.kind, e.err) }
func (e *eventDecodeError) Unwrap() error { return e.err }

func (h *WebhookHandler) handleEvent(r *http.Request, log zerolog.Logger, event *stripe.Event) error {
	ctx := r.Context()
	switch event.Type {
	case "checkout.session.completed", "checkout.session.async_payment_succeeded":
		var cs stripe.CheckoutSession
		if err := json.Unmarshal(event.Data.Raw, &cs); err != nil || cs.ID == "" {
			return &eventDecodeError{kind: "checkout.session", err: err}
		}
		res, err := h.reconciler.ReconcileCheckoutCompletion(ctx, cs.ID, service.ReconcileOptions{Trigger: service.TriggerWebhook})
		switch {
		case errors.Is(err, service.ErrSessionNotComplete):
			// Async payments complete later with their own event.
			log.Info().Err(err).Str("session_id", cs.ID).Msg("Checkout session not reconcilable; acknowledged")
			return nil
		case errors.Is(err, service.ErrSessionAccountMismatch), errors.Is(err, repository.ErrAccountNotFound):
			log.Error().Err(err).Str("session_id", cs.ID).Msg("Checkout session cannot be credited; needs manual reconciliation")
			return nil
		case err != nil:
			return err
		}
		log.Info().Str("session_id", cs.ID).Str("account_id", res.AccountID).Bool("idempotent_replay", res.IdempotentReplay).Int64("credits_granted", res.CreditsGranted).Msg("Checkout reconciled from webhook")
		return nil

	case "customer.subscription.updated":
		sub, err := decodeSubscription(event)
		if err != nil {
			return err
		}
		_, err = h.reconciler.ApplySubscriptionUpdate(ctx, sub)
		return ackMissingAccount(log, sub.ID, err)

	case "customer.subscription.deleted":
		sub, err := decodeSubscription(event)
		if err != nil {
			return err
		}
		_, err = h.reconciler.ApplySubscriptionCancellation(ctx, sub)
		return ackMissingAccount(log, sub.ID, err)

	default:
		log.Debug().Msg("Stripe webhook ignored (unhandled type)")
		return nil
	}
}

func decodeSubscription(event *stripe.Event) (*service.Subscription, error) {
	var ss stripe.Subscription
	if err := json.Unmarshal(event.Data.Raw, &ss); err != nil || ss.ID == "" {
		return nil, &eventDecodeError{kind: "subscription", err: err}
	}
	return service.SubscriptionFromStripe(&ss), nil
}

// ackMissingAccount acknowledges events for subscriptions no account holds; redelivery cannot fix them.
func ackMissingAccount(log zerolog.Logger, subscriptionID string, err error) error {
	if errors.Is(err, repository.ErrAccountNotFound) {
		log.Warn().Str("subscription_id", subscriptionID).Msg("Subscription event for unknown account; acknowledged")
		return nil
	}
	return err
}
