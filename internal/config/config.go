package config

import (
	"fmt"
	"sort"
	"strings"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	Port        string `envconfig:"PORT" default:"8080"`
	Environment string `envconfig:"ENV" default:"development"`

	DBConnectionString string `envconfig:"DB_CONNECTION_STRING" required:"true"`
	DBMaxConns         int32  `envconfig:"DB_MAX_CONNS" default:"25"`
	AutoMigrate        bool   `envconfig:"AUTO_MIGRATE" default:"false"`

	JWTSecret string `envconfig:"JWT_SECRET"`

	// Comma-separated; ignored in development where every origin is allowed
	CORSAllowedOrigins string `envconfig:"CORS_ALLOWED_ORIGINS"`

	// Stripe settings. Secret values may be given as sm://<secret-name> references.
	StripeSecretKey     string `envconfig:"STRIPE_SECRET_KEY"`
	StripeWebhookSecret string `envconfig:"STRIPE_WEBHOOK_SECRET"`
	StripePriceBasic    string `envconfig:"STRIPE_PRICE_BASIC"`
	StripePricePro      string `envconfig:"STRIPE_PRICE_PRO"`
	StripePricePremium  string `envconfig:"STRIPE_PRICE_PREMIUM"`

	// Monthly credit allocation granted on checkout completion, per plan
	AllocationBasic   int64 `envconfig:"ALLOCATION_BASIC" default:"200"`
	AllocationPro     int64 `envconfig:"ALLOCATION_PRO" default:"600"`
	AllocationPremium int64 `envconfig:"ALLOCATION_PREMIUM" default:"1500"`

	// Generation pricing, in credits
	CostBase          int64 `envconfig:"COST_BASE" default:"10"`
	CostPerItem       int64 `envconfig:"COST_PER_ITEM" default:"10"`
	BatchSize         int   `envconfig:"BATCH_SIZE" default:"4"`
	CostBatch         int64 `envconfig:"COST_BATCH" default:"30"`
	CostRestrictedPro int64 `envconfig:"COST_RESTRICTED_PRO" default:"15"`
	CostRestrictedPrm int64 `envconfig:"COST_RESTRICTED_PREMIUM" default:"12"`
	SurchargeHD       int64 `envconfig:"SURCHARGE_HD" default:"5"`
	SurchargePriority int64 `envconfig:"SURCHARGE_PRIORITY" default:"3"`
	FreeGenerations   int   `envconfig:"FREE_GENERATIONS" default:"3"`

	PriceCacheTTLSec int `envconfig:"PRICE_CACHE_TTL_SEC" default:"300"`

	// Client fallback reconcile rate limit, per account
	ReconcileRatePerMin int `envconfig:"RECONCILE_RATE_PER_MIN" default:"20"`

	// Where un-refunded charges are flagged: pgmq | pubsub | log
	RefundFlagSink string `envconfig:"REFUND_FLAG_SINK" default:"pgmq"`

	GCPProjectID           string `envconfig:"GCP_PROJECT_ID"`
	PubSubRefundTopic      string `envconfig:"PUBSUB_REFUND_TOPIC" default:"credit-refund-reconciliation"`
	PubSubEmulatorHost     string `envconfig:"PUBSUB_EMULATOR_HOST"`
	SecretManagerProjectID string `envconfig:"SECRET_MANAGER_PROJECT_ID"`

	// Refund reconciliation orchestrator settings
	RefundQueueName           string `envconfig:"REFUND_QUEUE_NAME" default:"refund_reconciliation_queue"`
	RefundPollTimeoutSec      int    `envconfig:"REFUND_POLL_TIMEOUT_SEC" default:"30"`
	RefundPollMaxMsg          int    `envconfig:"REFUND_POLL_MAX_MSG" default:"1"`
	RefundMaxRetries          int    `envconfig:"REFUND_MAX_RETRIES" default:"5"`
	RefundBackoffInitialSec   int    `envconfig:"REFUND_BACKOFF_INITIAL_SEC" default:"1"`
	RefundBackoffMaxSec       int    `envconfig:"REFUND_BACKOFF_MAX_SEC" default:"60"`
	RefundRequestTimeoutSec   int    `envconfig:"REFUND_REQUEST_TIMEOUT_SEC" default:"10"`
	RefundDeadLetterQueueName string `envconfig:"REFUND_DEAD_LETTER_QUEUE_NAME" default:"refund_reconciliation_queue_dlq"`
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if strings.TrimSpace(c.DBConnectionString) == "" {
		return fmt.Errorf("DB_CONNECTION_STRING must not be empty")
	}
	switch c.RefundFlagSink {
	case "pgmq", "log":
	case "pubsub":
		if c.GCPProjectID == "" {
			return fmt.Errorf("REFUND_FLAG_SINK=pubsub requires GCP_PROJECT_ID")
		}
	default:
		return fmt.Errorf("invalid REFUND_FLAG_SINK %q", c.RefundFlagSink)
	}
	if c.BatchSize < 2 {
		return fmt.Errorf("BATCH_SIZE must be at least 2, got %d", c.BatchSize)
	}
	if c.FreeGenerations < 0 {
		return fmt.Errorf("FREE_GENERATIONS must not be negative")
	}
	return nil
}

// ValidateServer checks the settings only the HTTP server needs.
func (c *Config) ValidateServer() error {
	var missing []string
	for name, v := range map[string]string{
		"JWT_SECRET":            c.JWTSecret,
		"STRIPE_SECRET_KEY":     c.StripeSecretKey,
		"STRIPE_WEBHOOK_SECRET": c.StripeWebhookSecret,
	} {
		if v == "" {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return fmt.Errorf("required key(s) missing for server: %s", strings.Join(missing, ", "))
	}
	return nil
}

// IsDevelopment reports whether the service runs with local development settings.
func (c *Config) IsDevelopment() bool {
	return strings.EqualFold(c.Environment, "development")
}

// PriceIDs maps configured Stripe price IDs to plan names. Empty IDs are skipped.
func (c *Config) PriceIDs() map[string]string {
	out := make(map[string]string, 3)
	if c.StripePriceBasic != "" {
		out[c.StripePriceBasic] = "basic"
	}
	if c.StripePricePro != "" {
		out[c.StripePricePro] = "pro"
	}
	if c.StripePricePremium != "" {
		out[c.StripePricePremium] = "premium"
	}
	return out
}
