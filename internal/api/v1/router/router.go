package router

import (
	"context"
	"net/http"
	"strings"
	"time"

	"creditsvc/internal/api/v1/handler"
	"creditsvc/internal/config"
	"creditsvc/internal/middleware"
	"creditsvc/internal/service"

	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"github.com/rs/zerolog"
)

// Services are the application services the HTTP layer exposes.
type Services struct {
	Credits    service.CreditService
	Reconciler service.ReconciliationService
	// Ping reports store health for /healthz.
	Ping func(ctx context.Context) error
}

func New(cfg *config.Config, svc Services, logger zerolog.Logger) http.Handler {
	logger.Info().Str("environment", cfg.Environment).Msg("Router initialized")

	validate := validator.New(validator.WithRequiredStructEnabled())

	creditsHandler := handler.NewCreditsHandler(svc.Credits, validate, logger)
	billingHandler := handler.NewBillingHandler(svc.Reconciler, middleware.NewAccountRateLimiter(cfg.ReconcileRatePerMin), validate, logger)
	webhookHandler := handler.NewWebhookHandler(cfg.StripeWebhookSecret, svc.Reconciler, logger)

	authMiddleware := middleware.AuthMiddleware(cfg.JWTSecret, logger)

	// Subrouter for API v1, mounted under /v1
	apiV1Mux := http.NewServeMux()
	creditsHandler.RegisterRoutes(apiV1Mux, authMiddleware)
	billingHandler.RegisterRoutes(apiV1Mux, authMiddleware)
	webhookHandler.RegisterRoutes(apiV1Mux)

	mux := http.NewServeMux()
	mux.Handle("/v1/", http.StripPrefix("/v1", apiV1Mux))
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /healthz", healthz(svc.Ping))

	// Redirect /api/* to /v1/* for backward compatibility
	mux.HandleFunc("/api/", func(w http.ResponseWriter, r *http.Request) {
		rest := strings.TrimPrefix(r.URL.Path, "/api/")
		http.Redirect(w, r, "/v1/"+rest, http.StatusPermanentRedirect)
	})

	origins := []string{"*"}
	if !cfg.IsDevelopment() && cfg.CORSAllowedOrigins != "" {
		origins = strings.Split(cfg.CORSAllowedOrigins, ",")
	}
	c := cors.New(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Retry-After"},
		AllowCredentials: !cfg.IsDevelopment(),
	})

	return middleware.LoggerMiddleware(logger)(c.Handler(mux))
}

func healthz(ping func(ctx context.Context) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if ping != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := ping(ctx); err != nil {
				http.Error(w, "ledger store unavailable", http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}
}
