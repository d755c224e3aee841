package service

import (
	"context"
	"encoding/json"
	"fmt"

	"creditsvc/internal/model"
	"creditsvc/internal/pubsub"

	"github.com/rs/zerolog"
)

// RefundFlagger records a charge whose compensating refund could not be applied,
// so it can be reconciled out of band.
type RefundFlagger interface {
	Flag(ctx context.Context, charge model.UnrefundedCharge) error
}

// QueueSender is satisfied by *pgmq.Client.
type QueueSender interface {
	Send(ctx context.Context, queue string, payload []byte) (int64, error)
}

type queueRefundFlagger struct {
	sender QueueSender
	queue  string
}

// NewQueueRefundFlagger flags charges onto a pgmq queue consumed by the refund orchestrator.
func NewQueueRefundFlagger(sender QueueSender, queue string) RefundFlagger {
	return &queueRefundFlagger{sender: sender, queue: queue}
}

func (f *queueRefundFlagger) Flag(ctx context.Context, charge model.UnrefundedCharge) error {
	payload, err := json.Marshal(charge)
	if err != nil {
		return fmt.Errorf("marshal unrefunded charge %s: %w", charge.ChargeID, err)
	}
	if _, err := f.sender.Send(ctx, f.queue, payload); err != nil {
		return fmt.Errorf("enqueue unrefunded charge %s: %w", charge.ChargeID, err)
	}
	return nil
}

type pubsubRefundFlagger struct {
	publisher pubsub.Publisher
	topic     string
}

// NewPubSubRefundFlagger publishes flagged charges to a Pub/Sub topic.
func NewPubSubRefundFlagger(publisher pubsub.Publisher, topic string) RefundFlagger {
	return &pubsubRefundFlagger{publisher: publisher, topic: topic}
}

func (f *pubsubRefundFlagger) Flag(ctx context.Context, charge model.UnrefundedCharge) error {
	payload, err := json.Marshal(charge)
	if err != nil {
		return fmt.Errorf("marshal unrefunded charge %s: %w", charge.ChargeID, err)
	}
	if _, err := f.publisher.Publish(ctx, f.topic, payload); err != nil {
		return fmt.Errorf("publish unrefunded charge %s: %w", charge.ChargeID, err)
	}
	return nil
}

type logRefundFlagger struct {
	logger zerolog.Logger
}

// NewLogRefundFlagger only writes flagged charges to the log.
func NewLogRefundFlagger(logger zerolog.Logger) RefundFlagger {
	return &logRefundFlagger{logger: logger.With().Str("component", "RefundFlagger").Logger()}
}

func (f *logRefundFlagger) Flag(_ context.Context, charge model.UnrefundedCharge) error {
	f.logger.Warn().
		Str("charge_id", charge.ChargeID).
		Str("account_id", charge.AccountID).
		Int64("amount", charge.Amount).
		Str("reason", charge.Reason).
		Str("error", charge.Error).
		Msg("Unrefunded charge needs manual reconciliation")
	return nil
}
