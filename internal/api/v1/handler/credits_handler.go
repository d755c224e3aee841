package handler

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"creditsvc/internal/api/v1/dto"
	"creditsvc/internal/middleware"
	"creditsvc/internal/model"
	"creditsvc/internal/service"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
)

// CreditsHandler serves balance, pricing and ledger history endpoints.
type CreditsHandler struct {
	creditSvc service.CreditService
	validate  *validator.Validate
	logger    zerolog.Logger
}

// NewCreditsHandler creates a new CreditsHandler.
func NewCreditsHandler(creditSvc service.CreditService, v *validator.Validate, logger zerolog.Logger) *CreditsHandler {
	return &CreditsHandler{creditSvc: creditSvc, validate: v, logger: logger.With().Str("handler", "CreditsHandler").Logger()}
}

// RegisterRoutes mounts v1 credit routes
func (h *CreditsHandler) RegisterRoutes(mux *http.ServeMux, authMw func(http.Handler) http.Handler) {
	mux.Handle("GET /credits/balance", authMw(http.HandlerFunc(h.getBalance)))
	mux.Handle("GET /credits/transactions", authMw(http.HandlerFunc(h.listTransactions)))
	mux.Handle("POST /credits/quote", authMw(http.HandlerFunc(h.quote)))
	mux.Handle("POST /credits/charges", authMw(http.HandlerFunc(h.charge)))
}

// getBalance godoc
// @Summary Get the credit balance of the authenticated account
// @Tags credits
// @Produce json
// @Success 200 {object} dto.BalanceResponseDTO
// @Failure 401 {string} string "unauthorized"
// @Failure 503 {object} dto.ErrorResponseDTO "retry"
// @Router /credits/balance [get]
func (h *CreditsHandler) getBalance(w http.ResponseWriter, r *http.Request) {
	accountID, ok := middleware.AccountID(r.Context())
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	a, err := h.creditSvc.GetBalance(r.Context(), accountID)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, dto.BalanceResponseDTO{
		AccountID:           a.ID,
		Credits:             a.Credits,
		Plan:                string(a.Plan),
		MonthlyAllocation:   a.MonthlyAllocation,
		SubscriptionID:      a.SubscriptionID(),
		SubscriptionRenewal: a.SubscriptionRenewal,
	})
}

// quote godoc
// @Summary Price a generation request without charging
// @Tags credits
// @Accept json
// @Produce json
// @Param request body dto.GenerationRequestDTO true "Generation request"
// @Success 200 {object} dto.QuoteResponseDTO
// @Failure 400 {object} dto.ErrorResponseDTO
// @Failure 402 {object} dto.ErrorResponseDTO "paywall"
// @Router /credits/quote [post]
func (h *CreditsHandler) quote(w http.ResponseWriter, r *http.Request) {
	accountID, ok := middleware.AccountID(r.Context())
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	req, ok := h.decodeGeneration(w, r)
	if !ok {
		return
	}
	q, err := h.creditSvc.Quote(r.Context(), accountID, req.Restricted, generationOptions(req))
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, dto.QuoteResponseDTO{Cost: q.Cost, Free: q.Free, Balance: q.Balance, Plan: string(q.Plan)})
}

// charge godoc
// @Summary Debit credits for a generation request
// @Description Prices the request and atomically takes the credits. A 503 means the outcome is unknown; re-read the balance instead of retrying.
// @Tags credits
// @Accept json
// @Produce json
// @Param request body dto.GenerationRequestDTO true "Generation request"
// @Success 201 {object} dto.ChargeResponseDTO
// @Failure 402 {object} dto.ErrorResponseDTO "insufficient credits or paywall"
// @Failure 503 {object} dto.ErrorResponseDTO "retry"
// @Router /credits/charges [post]
func (h *CreditsHandler) charge(w http.ResponseWriter, r *http.Request) {
	accountID, ok := middleware.AccountID(r.Context())
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	req, ok := h.decodeGeneration(w, r)
	if !ok {
		return
	}
	c, err := h.creditSvc.CheckAndDebitForGeneration(r.Context(), accountID, req.Restricted, generationOptions(req))
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, dto.ChargeResponseDTO{
		ChargeID:         c.ID,
		Cost:             c.Cost,
		RemainingCredits: c.RemainingCredits,
		WasFree:          c.WasFree,
	})
}

// listTransactions godoc
// @Summary List ledger transactions of the authenticated account, newest first
// @Tags credits
// @Produce json
// @Param kind query string false "generation|refund|subscription_grant|free_tier"
// @Param since query string false "RFC3339 lower bound"
// @Param until query string false "RFC3339 upper bound"
// @Param limit query int false "page size (max 500)"
// @Param offset query int false "page offset"
// @Success 200 {object} dto.TransactionListResponseDTO
// @Failure 400 {object} dto.ErrorResponseDTO
// @Router /credits/transactions [get]
func (h *CreditsHandler) listTransactions(w http.ResponseWriter, r *http.Request) {
	accountID, ok := middleware.AccountID(r.Context())
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	q, err := parseTransactionQuery(r)
	if err != nil {
		writeErrorCode(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if err := h.validate.Struct(&q); err != nil {
		writeErrorCode(w, http.StatusBadRequest, "invalid_request", "Validation failed: "+err.Error())
		return
	}
	txns, err := h.creditSvc.ListTransactions(r.Context(), model.TransactionFilter{
		AccountID: accountID,
		Kind:      model.TransactionKind(q.Kind),
		Since:     q.Since,
		Until:     q.Until,
		Limit:     q.Limit,
		Offset:    q.Offset,
	})
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	out := dto.TransactionListResponseDTO{Transactions: make([]dto.TransactionDTO, 0, len(txns)), Limit: q.Limit, Offset: q.Offset}
	for _, t := range txns {
		out.Transactions = append(out.Transactions, dto.TransactionDTO{
			ID:          t.ID,
			Amount:      t.Amount,
			Kind:        string(t.Kind),
			Description: t.Description,
			Metadata:    t.Metadata,
			CreatedAt:   t.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *CreditsHandler) decodeGeneration(w http.ResponseWriter, r *http.Request) (dto.GenerationRequestDTO, bool) {
	var req dto.GenerationRequestDTO
	r.Body = http.MaxBytesReader(w, r.Body, 64<<10)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorCode(w, http.StatusBadRequest, "invalid_request", "Invalid JSON payload: "+err.Error())
		return req, false
	}
	if err := h.validate.Struct(&req); err != nil {
		writeErrorCode(w, http.StatusBadRequest, "invalid_request", "Validation failed: "+err.Error())
		return req, false
	}
	return req, true
}

func generationOptions(req dto.GenerationRequestDTO) model.GenerationOptions {
	opts := model.GenerationOptions{Count: req.Count}
	for _, a := range req.AddOns {
		opts.AddOns = append(opts.AddOns, model.AddOn(a))
	}
	return opts
}

func parseTransactionQuery(r *http.Request) (dto.TransactionQueryDTO, error) {
	v := r.URL.Query()
	q := dto.TransactionQueryDTO{Kind: v.Get("kind")}
	for name, dst := range map[string]**time.Time{"since": &q.Since, "until": &q.Until} {
		if s := v.Get(name); s != "" {
			t, err := time.Parse(time.RFC3339, s)
			if err != nil {
				return q, &queryError{param: name, err: err}
			}
			*dst = &t
		}
	}
	for name, dst := range map[string]*int{"limit": &q.Limit, "offset": &q.Offset} {
		if s := v.Get(name); s != "" {
			n, err := strconv.Atoi(s)
			if err != nil {
				return q, &queryError{param: name, err: err}
			}
			*dst = n
		}
	}
	return q, nil
}

type queryError struct {
	param string
	err   error
}

func (e *queryError) Error() string { return "invalid query parameter " + e.param + ": " + e.err.Error() }
func (e *queryError) Unwrap() error { return e.err }
