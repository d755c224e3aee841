package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"creditsvc/internal/api/v1/router"
	"creditsvc/internal/app"
	"creditsvc/internal/config"
	"creditsvc/internal/logger"
	"creditsvc/internal/repository"
	"creditsvc/internal/service"

	"github.com/joho/godotenv"
)

// @title Credit Ledger API
// @version 1.0
// @description Credit balances, generation charges and subscription reconciliation
// @host localhost:8080
// @BasePath /v1
// @Schemes http https

func main() {
	logger := logger.New()

	// 1. Load configuration
	if err := godotenv.Load(); err != nil {
		logger.Warn().Msg("Warning: no .env file found")
	}

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Msgf("Error loading config: %v", err)
	}

	ctx := context.Background()
	if err := app.ResolveSecrets(ctx, cfg, logger); err != nil {
		logger.Fatal().Msgf("Error resolving secrets: %v", err)
	}
	if err := cfg.ValidateServer(); err != nil {
		logger.Fatal().Msgf("Error loading config: %v", err)
	}

	// 2. Database
	if cfg.AutoMigrate {
		if err := repository.Migrate(ctx, cfg.DBConnectionString); err != nil {
			logger.Fatal().Msgf("Failed to apply migrations: %v", err)
		}
		logger.Info().Msg("Migrations applied")
	}
	pool, err := app.OpenPool(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Msgf("Failed to connect to database: %v", err)
	}
	defer pool.Close()

	// 3. Services
	flagger, closeFlagger, err := app.RefundFlagger(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Msgf("Failed to create refund flag sink: %v", err)
	}
	defer closeFlagger()

	store := repository.NewLedgerRepo(pool)
	provider := service.NewStripeBillingProvider(cfg.StripeSecretKey, logger)
	svcs := app.NewServices(cfg, store, provider, flagger, logger)

	r := router.New(cfg, router.Services{
		Credits:    svcs.Credits,
		Reconciler: svcs.Reconciler,
		Ping:       store.Ping,
	}, logger)

	// 4. Create HTTP server
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// 5. Start server in a goroutine
	go func() {
		logger.Info().Msgf("Server starting on port %s", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Msgf("Listen: %s", err)
		}
	}()

	// 6. Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info().Msg("Shutdown signal received, exiting...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Msgf("Server forced to shutdown: %v", err)
	}
	logger.Info().Msg("Server shut down gracefully")
}
