package refund

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"creditsvc/internal/config"
	"creditsvc/internal/metrics"
	"creditsvc/internal/model"
	"creditsvc/internal/pgmq"
	"creditsvc/internal/repository"
	"creditsvc/internal/service"

	"github.com/rs/zerolog"
)

// Queue is the part of the pgmq client the orchestrator uses.
type Queue interface {
	ReadWithPoll(ctx context.Context, queue string, visibilitySec, pollSec, maxMessages int) ([]*pgmq.Message, error)
	Delete(ctx context.Context, queue string, msgIDs []int64) error
	Send(ctx context.Context, queue string, payload []byte) (int64, error)
}

// Refunder applies a refund keyed by charge id.
type Refunder interface {
	Refund(ctx context.Context, req service.RefundRequest) (int64, error)
}

// Options configures the refund orchestrator.
type Options struct {
	Queue           string
	DeadLetterQueue string
	PollTimeout     time.Duration
	PollMaxMessages int
	MaxRetries      int
	BackoffInitial  time.Duration
	BackoffMax      time.Duration
	RequestTimeout  time.Duration
}

// OptionsFromConfig maps the REFUND_* settings onto Options.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Queue:           cfg.RefundQueueName,
		DeadLetterQueue: cfg.RefundDeadLetterQueueName,
		PollTimeout:     time.Duration(cfg.RefundPollTimeoutSec) * time.Second,
		PollMaxMessages: cfg.RefundPollMaxMsg,
		MaxRetries:      cfg.RefundMaxRetries,
		BackoffInitial:  time.Duration(cfg.RefundBackoffInitialSec) * time.Second,
		BackoffMax:      time.Duration(cfg.RefundBackoffMaxSec) * time.Second,
		RequestTimeout:  time.Duration(cfg.RefundRequestTimeoutSec) * time.Second,
	}
}

// deadLetter is the payload written to the dead-letter queue.
type deadLetter struct {
	model.UnrefundedCharge
	SourceMsgID int64  `json:"source_msg_id"`
	Attempts    int    `json:"attempts"`
	FinalError  string `json:"final_error"`
}

// Orchestrator drains flagged charges from the refund queue and re-applies their refunds.
// Refunds are keyed by charge id, so a message processed twice credits the account once.
type Orchestrator struct {
	queue    Queue
	refunder Refunder
	opts     Options
	logger   zerolog.Logger
	sleep    func(ctx context.Context, d time.Duration) error
}

// New creates a refund orchestrator.
func New(queue Queue, refunder Refunder, opts Options, logger zerolog.Logger) *Orchestrator {
	if opts.MaxRetries < 1 {
		opts.MaxRetries = 1
	}
	if opts.PollMaxMessages < 1 {
		opts.PollMaxMessages = 1
	}
	return &Orchestrator{
		queue:    queue,
		refunder: refunder,
		opts:     opts,
		logger:   logger.With().Str("orchestrator", "refund").Str("queue", opts.Queue).Logger(),
		sleep:    sleepCtx,
	}
}

// Run starts the refund orchestrator and blocks until ctx is done.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.logger.Info().Msg("Starting refund orchestrator")
	pollSec := int(o.opts.PollTimeout / time.Second)
	// Messages stay hidden while their retries run.
	visibilitySec := int(o.worstCase()/time.Second) + 30
	for {
		select {
		case <-ctx.Done():
			o.logger.Info().Msg("Shutting down refund orchestrator")
			return nil
		default:
		}

		msgs, err := o.queue.ReadWithPoll(ctx, o.opts.Queue, visibilitySec, pollSec, o.opts.PollMaxMessages)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			o.logger.Error().Err(err).Msg("Error reading refund queue")
			_ = o.sleep(ctx, time.Second)
			continue
		}
		for _, msg := range msgs {
			o.Process(ctx, msg)
		}
	}
}

// Process handles one queue message and acknowledges it unless ctx ended mid-retry.
func (o *Orchestrator) Process(ctx context.Context, msg *pgmq.Message) {
	log := o.logger.With().Int64("msg_id", msg.ID).Int("read_ct", msg.ReadCount).Logger()

	var charge model.UnrefundedCharge
	if err := json.Unmarshal(msg.Data, &charge); err != nil || charge.ChargeID == "" || charge.AccountID == "" {
		log.Error().Err(err).Msg("Malformed refund payload; deleting message")
		metrics.RefundJobs.WithLabelValues("malformed").Inc()
		o.ack(ctx, log, msg.ID)
		return
	}
	log = log.With().Str("charge_id", charge.ChargeID).Str("account_id", charge.AccountID).Logger()

	// A message read more often than the retry budget has outlived a crashed worker.
	if msg.ReadCount > o.opts.MaxRetries {
		o.deadLetter(ctx, log, msg, charge, 0, errors.New("read count exceeded retry budget"))
		return
	}

	attempts, err := o.refundWithRetry(ctx, log, charge)
	switch {
	case err == nil:
		log.Info().Int("attempts", attempts).Int64("amount", charge.Amount).Msg("Refund reconciled")
		metrics.RefundJobs.WithLabelValues("applied").Inc()
		o.ack(ctx, log, msg.ID)
	case ctx.Err() != nil:
		// Leave the message; it becomes visible again after the visibility timeout.
		log.Warn().Err(err).Msg("Shutdown during refund retry; message left on queue")
	default:
		o.deadLetter(ctx, log, msg, charge, attempts, err)
	}
}

func (o *Orchestrator) refundWithRetry(ctx context.Context, log zerolog.Logger, charge model.UnrefundedCharge) (int, error) {
	backoff := o.opts.BackoffInitial
	var lastErr error
	for attempt := 1; attempt <= o.opts.MaxRetries; attempt++ {
		reqCtx, cancel := context.WithTimeout(ctx, o.opts.RequestTimeout)
		_, err := o.refunder.Refund(reqCtx, service.RefundRequest{
			AccountID: charge.AccountID,
			Amount:    charge.Amount,
			Reason:    "reconciled: " + charge.Reason,
			ChargeID:  charge.ChargeID,
		})
		cancel()
		if err == nil {
			return attempt, nil
		}
		lastErr = err
		if !retryable(err) {
			return attempt, fmt.Errorf("%w: charge %s: %w", service.ErrRefundFailed, charge.ChargeID, err)
		}
		if attempt == o.opts.MaxRetries {
			break
		}
		log.Error().Err(err).Int("attempt", attempt).Dur("backoff", backoff).Msg("Refund failed, retrying")
		if err := o.sleep(ctx, backoff); err != nil {
			return attempt, err
		}
		backoff *= 2
		if backoff > o.opts.BackoffMax {
			backoff = o.opts.BackoffMax
		}
	}
	return o.opts.MaxRetries, fmt.Errorf("%w: charge %s after %d attempts: %w", service.ErrRefundFailed, charge.ChargeID, o.opts.MaxRetries, lastErr)
}

func (o *Orchestrator) deadLetter(ctx context.Context, log zerolog.Logger, msg *pgmq.Message, charge model.UnrefundedCharge, attempts int, cause error) {
	payload, err := json.Marshal(deadLetter{
		UnrefundedCharge: charge,
		SourceMsgID:      msg.ID,
		Attempts:         attempts,
		FinalError:       cause.Error(),
	})
	if err != nil {
		log.Error().Err(err).Msg("Failed to marshal payload for dead-letter queue")
		return
	}
	if _, err := o.queue.Send(ctx, o.opts.DeadLetterQueue, payload); err != nil {
		// Keep the original message so the charge is not lost.
		log.Error().Err(err).Str("dlq", o.opts.DeadLetterQueue).Msg("Failed to send message to dead-letter queue")
		return
	}
	metrics.RefundJobs.WithLabelValues("dead_lettered").Inc()
	log.Warn().Int("attempts", attempts).Err(cause).Msg("Refund not reconcilable; moved job to DLQ")
	o.ack(ctx, log, msg.ID)
}

func (o *Orchestrator) ack(ctx context.Context, log zerolog.Logger, msgID int64) {
	if err := o.queue.Delete(ctx, o.opts.Queue, []int64{msgID}); err != nil {
		log.Error().Err(err).Msg("Error deleting refund message")
	}
}

func (o *Orchestrator) worstCase() time.Duration {
	total := time.Duration(o.opts.MaxRetries) * o.opts.RequestTimeout
	b := o.opts.BackoffInitial
	for i := 1; i < o.opts.MaxRetries; i++ {
		total += b
		b = min(b*2, o.opts.BackoffMax)
	}
	return total
}

func retryable(err error) bool {
	return errors.Is(err, repository.ErrStoreUnavailable) || errors.Is(err, repository.ErrTimeout)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
