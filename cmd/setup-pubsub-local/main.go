package main

import (
	"context"
	"errors"
	"flag"
	"time"

	"creditsvc/internal/config"
	"creditsvc/internal/logger"

	"cloud.google.com/go/pubsub"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
)

const retention = 7 * 24 * time.Hour

func main() {
	reset := flag.Bool("reset", false, "Delete every topic and subscription on the emulator first")
	flag.Parse()

	logger := logger.New()
	if err := godotenv.Load(); err != nil {
		logger.Warn().Msg("Warning: no .env file found")
	}

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Msgf("Failed to load config: %v", err)
	}
	if cfg.GCPProjectID == "" {
		logger.Fatal().Msg("GCP_PROJECT_ID is not set")
	}
	if cfg.PubSubEmulatorHost == "" {
		logger.Fatal().Msg("PUBSUB_EMULATOR_HOST must be set; this tool only targets the emulator")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	client, err := pubsub.NewClient(ctx, cfg.GCPProjectID,
		option.WithEndpoint(cfg.PubSubEmulatorHost),
		option.WithoutAuthentication(),
	)
	if err != nil {
		logger.Fatal().Msgf("Failed to create Pub/Sub client: %v", err)
	}
	defer client.Close()

	if *reset {
		if err := resetEmulator(ctx, client, logger); err != nil {
			logger.Fatal().Msgf("Failed to reset emulator: %v", err)
		}
	}
	if err := ensureRefundTopic(ctx, client, cfg.PubSubRefundTopic, logger); err != nil {
		logger.Fatal().Msgf("Failed to set up topic %s: %v", cfg.PubSubRefundTopic, err)
	}
	logger.Info().Str("topic", cfg.PubSubRefundTopic).Msg("Pub/Sub setup for local environment complete")
}

// resetEmulator deletes all subscriptions, then all topics.
func resetEmulator(ctx context.Context, client *pubsub.Client, logger zerolog.Logger) error {
	subs := client.Subscriptions(ctx)
	for {
		sub, err := subs.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return err
		}
		if err := sub.Delete(ctx); err != nil {
			logger.Warn().Err(err).Str("subscription", sub.ID()).Msg("Failed to delete subscription")
		}
	}

	topics := client.Topics(ctx)
	for {
		topic, err := topics.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return err
		}
		if err := topic.Delete(ctx); err != nil {
			logger.Warn().Err(err).Str("topic", topic.ID()).Msg("Failed to delete topic")
		}
	}
	return nil
}

// ensureRefundTopic creates the refund-flag topic, its dead-letter topic and a
// pull subscription on each.
func ensureRefundTopic(ctx context.Context, client *pubsub.Client, topicID string, logger zerolog.Logger) error {
	dlq, err := ensureTopic(ctx, client, topicID+"-dlq", logger)
	if err != nil {
		return err
	}
	refunds, err := ensureTopic(ctx, client, topicID, logger)
	if err != nil {
		return err
	}

	if err := ensureSubscription(ctx, client, topicID+"-sub", pubsub.SubscriptionConfig{
		Topic:       refunds,
		AckDeadline: 60 * time.Second,
		RetryPolicy: &pubsub.RetryPolicy{MinimumBackoff: 10 * time.Second, MaximumBackoff: 600 * time.Second},
		DeadLetterPolicy: &pubsub.DeadLetterPolicy{
			DeadLetterTopic:     dlq.String(),
			MaxDeliveryAttempts: 5,
		},
	}, logger); err != nil {
		return err
	}
	return ensureSubscription(ctx, client, topicID+"-dlq-sub", pubsub.SubscriptionConfig{
		Topic:       dlq,
		AckDeadline: 60 * time.Second,
	}, logger)
}

func ensureTopic(ctx context.Context, client *pubsub.Client, id string, logger zerolog.Logger) (*pubsub.Topic, error) {
	topic := client.Topic(id)
	exists, err := topic.Exists(ctx)
	if err != nil {
		return nil, err
	}
	if exists {
		logger.Info().Str("topic", id).Msg("Topic already exists")
		return topic, nil
	}
	logger.Info().Str("topic", id).Dur("retention", retention).Msg("Creating topic")
	return client.CreateTopicWithConfig(ctx, id, &pubsub.TopicConfig{RetentionDuration: retention})
}

func ensureSubscription(ctx context.Context, client *pubsub.Client, id string, cfg pubsub.SubscriptionConfig, logger zerolog.Logger) error {
	exists, err := client.Subscription(id).Exists(ctx)
	if err != nil {
		return err
	}
	if exists {
		logger.Info().Str("subscription", id).Msg("Subscription already exists")
		return nil
	}
	logger.Info().Str("subscription", id).Msg("Creating pull subscription")
	_, err = client.CreateSubscription(ctx, id, cfg)
	return err
}
