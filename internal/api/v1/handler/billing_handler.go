package handler

import (
	"encoding/json"
	"net/http"

	"creditsvc/internal/api/v1/dto"
	"creditsvc/internal/middleware"
	"creditsvc/internal/service"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
)

// BillingHandler exposes the client-side fallback for checkout reconciliation.
type BillingHandler struct {
	reconciler service.ReconciliationService
	limiter    *middleware.AccountRateLimiter
	validate   *validator.Validate
	logger     zerolog.Logger
}

// NewBillingHandler creates a new BillingHandler. limiter may be nil.
func NewBillingHandler(reconciler service.ReconciliationService, limiter *middleware.AccountRateLimiter, v *validator.Validate, logger zerolog.Logger) *BillingHandler {
	return &BillingHandler{
		reconciler: reconciler,
		limiter:    limiter,
		validate:   v,
		logger:     logger.With().Str("handler", "BillingHandler").Logger(),
	}
}

// RegisterRoutes mounts the billing endpoints.
func (h *BillingHandler) RegisterRoutes(mux *http.ServeMux, authMiddleware func(http.Handler) http.Handler) {
	var complete http.Handler = http.HandlerFunc(h.CompleteCheckout)
	if h.limiter != nil {
		complete = h.limiter.Middleware(complete)
	}
	mux.Handle("POST /billing/checkout/complete", authMiddleware(complete))
}

// CompleteCheckout godoc
// @Summary Reconcile a completed checkout session
// @Description Fallback for delayed or lost webhooks. Safe to call repeatedly; a session is credited once.
// @Tags billing
// @Accept json
// @Produce json
// @Param request body dto.CheckoutCompleteRequestDTO true "Checkout session"
// @Success 200 {object} dto.CheckoutCompleteResponseDTO
// @Failure 400 {object} dto.ErrorResponseDTO
// @Failure 403 {object} dto.ErrorResponseDTO "session belongs to another account"
// @Failure 409 {object} dto.ErrorResponseDTO "session not complete"
// @Failure 429 {string} string "too many requests"
// @Router /billing/checkout/complete [post]
func (h *BillingHandler) CompleteCheckout(w http.ResponseWriter, r *http.Request) {
	accountID, ok := middleware.AccountID(r.Context())
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	var req dto.CheckoutCompleteRequestDTO
	r.Body = http.MaxBytesReader(w, r.Body, 16<<10)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorCode(w, http.StatusBadRequest, "invalid_request", "Invalid JSON payload: "+err.Error())
		return
	}
	if err := h.validate.Struct(&req); err != nil {
		writeErrorCode(w, http.StatusBadRequest, "invalid_request", "Validation failed: "+err.Error())
		return
	}

	res, err := h.reconciler.ReconcileCheckoutCompletion(r.Context(), req.SessionID, service.ReconcileOptions{
		Trigger:           service.TriggerClient,
		ExpectedAccountID: accountID,
	})
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, dto.CheckoutCompleteResponseDTO{
		SessionID:        res.SessionID,
		Plan:             string(res.Plan),
		CreditsGranted:   res.CreditsGranted,
		Balance:          res.Balance,
		IdempotentReplay: res.IdempotentReplay,
	})
}
