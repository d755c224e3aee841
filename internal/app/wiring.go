// Package app wires configuration, stores and services for the binaries under cmd/.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"creditsvc/internal/config"
	"creditsvc/internal/pgmq"
	"creditsvc/internal/pubsub"
	"creditsvc/internal/repository"
	"creditsvc/internal/service"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/lib/pq" // registers the "postgres" driver used by pgmq
	"github.com/rs/zerolog"
)

// ResolveSecrets replaces sm:// references in cfg with Secret Manager payloads.
func ResolveSecrets(ctx context.Context, cfg *config.Config, logger zerolog.Logger) error {
	if !service.HasSecretRefs(cfg) {
		return nil
	}
	projectID := cfg.SecretManagerProjectID
	if projectID == "" {
		projectID = cfg.GCPProjectID
	}
	resolver, err := service.NewSecretResolver(ctx, projectID, logger)
	if err != nil {
		return err
	}
	defer resolver.Close()
	return resolver.ResolveConfig(ctx, cfg)
}

// PoolConfig builds the pgx pool settings. Outside development the simple query
// protocol is used so transaction poolers such as pgbouncer work.
func PoolConfig(cfg *config.Config) (*pgxpool.Config, error) {
	pc, err := pgxpool.ParseConfig(cfg.DBConnectionString)
	if err != nil {
		return nil, fmt.Errorf("parse DB_CONNECTION_STRING: %w", err)
	}
	if cfg.DBMaxConns > 0 {
		pc.MaxConns = cfg.DBMaxConns
	}
	pc.MaxConnIdleTime = 5 * time.Minute
	if !cfg.IsDevelopment() {
		pc.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol
	}
	return pc, nil
}

// OpenPool connects the ledger's pgx pool and verifies it with a ping.
func OpenPool(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*pgxpool.Pool, error) {
	pc, err := PoolConfig(cfg)
	if err != nil {
		return nil, err
	}
	pool, err := pgxpool.NewWithConfig(ctx, pc)
	if err != nil {
		return nil, fmt.Errorf("open pgx pool: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	logger.Info().Int32("max_conns", pc.MaxConns).Msg("Database connection established")
	return pool, nil
}

// OpenQueueDB opens the database/sql handle the pgmq client runs on.
func OpenQueueDB(ctx context.Context, cfg *config.Config) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.DBConnectionString)
	if err != nil {
		return nil, fmt.Errorf("open queue DB connection: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping queue DB: %w", err)
	}
	return db, nil
}

// RefundFlagger builds the sink selected by REFUND_FLAG_SINK. The returned
// closer releases whatever connection the sink holds.
func RefundFlagger(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (service.RefundFlagger, func() error, error) {
	noop := func() error { return nil }
	switch cfg.RefundFlagSink {
	case "pgmq":
		db, err := OpenQueueDB(ctx, cfg)
		if err != nil {
			return nil, noop, err
		}
		return service.NewQueueRefundFlagger(pgmq.New(db), cfg.RefundQueueName), db.Close, nil
	case "pubsub":
		pub, err := pubsub.NewPublisher(ctx, cfg)
		if err != nil {
			return nil, noop, err
		}
		return service.NewPubSubRefundFlagger(pub, cfg.PubSubRefundTopic), pub.Close, nil
	case "log":
		return service.NewLogRefundFlagger(logger), noop, nil
	default:
		return nil, noop, fmt.Errorf("invalid REFUND_FLAG_SINK %q", cfg.RefundFlagSink)
	}
}

// Services bundles the ledger services built over one store.
type Services struct {
	Store      repository.LedgerStore
	Credits    service.CreditService
	Reconciler service.ReconciliationService
}

// NewServices builds the credit and reconciliation services over store.
// provider may be nil for binaries that never reconcile.
func NewServices(cfg *config.Config, store repository.LedgerStore, provider service.BillingProvider, flagger service.RefundFlagger, logger zerolog.Logger) *Services {
	credits := service.NewCreditService(store, service.PricingFromConfig(cfg), service.FreeTierPolicy{Limit: cfg.FreeGenerations}, flagger, logger)
	s := &Services{Store: store, Credits: credits}
	if provider != nil {
		plans := service.NewPlanResolver(store, cfg.PriceIDs(), time.Duration(cfg.PriceCacheTTLSec)*time.Second, logger)
		s.Reconciler = service.NewReconciliationService(store, provider, plans, service.AllocationsFromConfig(cfg), logger)
	}
	return s
}
