package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"creditsvc/internal/api/v1/dto"
	"creditsvc/internal/repository"
	"creditsvc/internal/service"

	"github.com/rs/zerolog"
)

func writeJSON[T any](w http.ResponseWriter, status int, v T) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErrorCode(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, dto.ErrorResponseDTO{Error: msg, Code: code})
}

// writeServiceError maps ledger and billing errors onto HTTP responses.
// Paywall conditions are 402 with a distinct code; infrastructure failures are 503 with Retry-After.
func writeServiceError(w http.ResponseWriter, logger zerolog.Logger, err error) {
	var insufficient *repository.InsufficientCreditsError
	switch {
	case errors.As(err, &insufficient):
		have, need := insufficient.Have, insufficient.Need
		writeJSON(w, http.StatusPaymentRequired, dto.ErrorResponseDTO{
			Error: "insufficient credits",
			Code:  "insufficient_credits",
			Have:  &have,
			Need:  &need,
		})
	case errors.Is(err, service.ErrFreeTierExhausted):
		writeErrorCode(w, http.StatusPaymentRequired, "free_tier_exhausted", "free generations used up; subscribe to continue")
	case errors.Is(err, service.ErrSubscriptionRequired):
		writeErrorCode(w, http.StatusPaymentRequired, "subscription_required", "a subscription is required")
	case errors.Is(err, service.ErrPlanNotEligible):
		writeErrorCode(w, http.StatusPaymentRequired, "plan_not_eligible", "current plan does not include this content")
	case errors.Is(err, service.ErrUnknownAddOn),
		errors.Is(err, service.ErrInvalidCount),
		errors.Is(err, service.ErrInvalidAmount),
		errors.Is(err, service.ErrInvalidTransactionKind):
		writeErrorCode(w, http.StatusBadRequest, "invalid_request", err.Error())
	case errors.Is(err, service.ErrSessionNotComplete):
		writeErrorCode(w, http.StatusConflict, "session_not_complete", "checkout session is not complete")
	case errors.Is(err, service.ErrSessionAccountMismatch):
		writeErrorCode(w, http.StatusForbidden, "session_account_mismatch", "checkout session belongs to another account")
	case errors.Is(err, repository.ErrAccountNotFound):
		writeErrorCode(w, http.StatusNotFound, "account_not_found", "account not found")
	case errors.Is(err, repository.ErrTimeout), errors.Is(err, repository.ErrStoreUnavailable):
		logger.Error().Err(err).Msg("Ledger store unavailable")
		w.Header().Set("Retry-After", "1")
		writeErrorCode(w, http.StatusServiceUnavailable, "retry", "temporarily unavailable; retry shortly")
	case errors.Is(err, service.ErrBillingProvider):
		logger.Error().Err(err).Msg("Billing provider unavailable")
		w.Header().Set("Retry-After", "5")
		writeErrorCode(w, http.StatusBadGateway, "billing_unavailable", "billing provider unavailable; retry shortly")
	default:
		logger.Error().Err(err).Msg("Unhandled service error")
		writeErrorCode(w, http.StatusInternalServerError, "internal", "internal server error")
	}
}
