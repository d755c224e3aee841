package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// LedgerOperations counts debit, refund and grant attempts by outcome.
	LedgerOperations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "creditsvc",
		Subsystem: "ledger",
		Name:      "operations_total",
		Help:      "Ledger mutations by operation and outcome.",
	}, []string{"op", "outcome"})

	// CreditsMoved sums credits debited, refunded and granted.
	CreditsMoved = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "creditsvc",
		Subsystem: "ledger",
		Name:      "credits_total",
		Help:      "Credits moved by direction.",
	}, []string{"direction"})

	// FreeGenerations counts zero-cost generations granted to unplanned accounts.
	FreeGenerations = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "creditsvc",
		Subsystem: "ledger",
		Name:      "free_generations_total",
		Help:      "Free-tier generations granted.",
	})

	// RefundFailures counts compensating refunds that could not be applied.
	RefundFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "creditsvc",
		Subsystem: "ledger",
		Name:      "refund_failures_total",
		Help:      "Compensating refunds that failed and were flagged for reconciliation.",
	})

	// AuditWriteFailures counts swallowed transaction and history insert failures.
	AuditWriteFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "creditsvc",
		Subsystem: "ledger",
		Name:      "audit_write_failures_total",
		Help:      "Audit rows that failed to persist, by table.",
	}, []string{"table"})

	// Reconciliations counts checkout reconciliations by trigger and outcome.
	Reconciliations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "creditsvc",
		Subsystem: "billing",
		Name:      "reconciliations_total",
		Help:      "Checkout reconciliations by trigger (webhook, client, operator) and outcome.",
	}, []string{"trigger", "outcome"})

	// WebhookRequestsTotal counts Stripe webhook requests by event type and status.
	WebhookRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "creditsvc",
		Subsystem: "billing",
		Name:      "webhook_requests_total",
		Help:      "Total Stripe webhook requests by event type and HTTP status.",
	}, []string{"event_type", "status"})

	// WebhookDuration tracks Stripe webhook processing latency.
	WebhookDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "creditsvc",
		Subsystem: "billing",
		Name:      "webhook_duration_seconds",
		Help:      "Stripe webhook processing duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"event_type"})

	// RefundJobs counts refund reconciliation queue jobs by outcome.
	RefundJobs = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "creditsvc",
		Subsystem: "orchestrator",
		Name:      "refund_jobs_total",
		Help:      "Refund reconciliation jobs by outcome (applied, replayed, dead_lettered, malformed).",
	}, []string{"outcome"})
)
