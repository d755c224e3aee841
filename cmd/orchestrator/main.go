package main

import (
	"context"
	"flag"
	"os/signal"
	"syscall"

	"creditsvc/internal/app"
	"creditsvc/internal/config"
	"creditsvc/internal/logger"
	"creditsvc/internal/orchestrator/refund"
	"creditsvc/internal/pgmq"
	"creditsvc/internal/repository"

	"github.com/joho/godotenv"
)

func main() {
	// Parse mode flag
	mode := flag.String("mode", "", "Orchestrator mode: refund")
	createQueues := flag.Bool("create-queues", false, "Create the pgmq queues before starting")
	flag.Parse()

	// Initialize logger
	logger := logger.New()

	// Load environment variables
	if err := godotenv.Load(); err != nil {
		logger.Warn().Msg("Warning: no .env file found")
	}

	// Load config
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Msgf("Error loading config: %v", err)
	}

	// Set up context with graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := app.ResolveSecrets(ctx, cfg, logger); err != nil {
		logger.Fatal().Msgf("Error resolving secrets: %v", err)
	}

	// Queue connection (database/sql + lib/pq) and ledger pool (pgx)
	db, err := app.OpenQueueDB(ctx, cfg)
	if err != nil {
		logger.Fatal().Msgf("Failed to open DB connection: %v", err)
	}
	defer db.Close()
	pgmqClient := pgmq.New(db)
	logger.Info().Msg("PGMQ client initialized")

	pool, err := app.OpenPool(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Msgf("Failed to connect to database: %v", err)
	}
	defer pool.Close()

	// Dispatch to the selected orchestrator
	var runErr error
	switch *mode {
	case "refund":
		if *createQueues {
			for _, q := range []string{cfg.RefundQueueName, cfg.RefundDeadLetterQueueName} {
				if err := pgmqClient.CreateQueue(ctx, q); err != nil {
					logger.Fatal().Msgf("Failed to create queue %s: %v", q, err)
				}
			}
		}
		// Refunds never flag themselves; failures go to the dead-letter queue instead.
		svcs := app.NewServices(cfg, repository.NewLedgerRepo(pool), nil, nil, logger)
		runErr = refund.New(pgmqClient, svcs.Credits, refund.OptionsFromConfig(cfg), logger).Run(ctx)
	default:
		logger.Fatal().Msgf("Invalid mode: %s", *mode)
	}

	if runErr != nil {
		logger.Fatal().Msgf("%s orchestrator failed: %v", *mode, runErr)
	}

	logger.Info().Msgf("%s orchestrator stopped gracefully", *mode)
}
