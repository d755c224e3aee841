package main

import (
	"context"
	"fmt"
	"os"

	"creditsvc/internal/app"
	"creditsvc/internal/config"
	"creditsvc/internal/logger"
	"creditsvc/internal/repository"
	"creditsvc/internal/service"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

// Version information (set at build time with -ldflags)
var Version = "dev"

// backend is what the operator commands run against.
type backend struct {
	credits    service.CreditService
	reconciler service.ReconciliationService
	close      func()
}

// openBackend connects to the ledger database. withProvider also builds the
// Stripe-backed reconciler. Tests replace it.
var openBackend = func(ctx context.Context, withProvider bool) (*backend, error) {
	cfg, log, err := loadConfig(ctx)
	if err != nil {
		return nil, err
	}
	pool, err := app.OpenPool(ctx, cfg, log)
	if err != nil {
		return nil, err
	}

	var provider service.BillingProvider
	if withProvider {
		if cfg.StripeSecretKey == "" {
			pool.Close()
			return nil, fmt.Errorf("STRIPE_SECRET_KEY is required")
		}
		provider = service.NewStripeBillingProvider(cfg.StripeSecretKey, log)
	}
	svcs := app.NewServices(cfg, repository.NewLedgerRepo(pool), provider, service.NewLogRefundFlagger(log), log)
	return &backend{credits: svcs.Credits, reconciler: svcs.Reconciler, close: pool.Close}, nil
}

// Migration entry points, replaced in tests.
var (
	runMigrations    = repository.Migrate
	migrationVersion = repository.MigrationVersion
)

func loadConfig(ctx context.Context) (*config.Config, zerolog.Logger, error) {
	log := logger.New()
	_ = godotenv.Load()
	cfg, err := config.Load()
	if err != nil {
		return nil, log, fmt.Errorf("load config: %w", err)
	}
	if err := app.ResolveSecrets(ctx, cfg, log); err != nil {
		return nil, log, err
	}
	return cfg, log, nil
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "creditctl",
		Short:         "Operator tool for the credit ledger",
		Long:          `creditctl inspects balances, replays checkout reconciliation and issues manual refunds against the credit ledger database.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(
		newBalanceCmd(),
		newTransactionsCmd(),
		newReconcileCmd(),
		newRefundCmd(),
		newMigrateCmd(),
	)
	return root
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
