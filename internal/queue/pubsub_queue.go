package queue

import (
	"context"
	"encoding/json"
	"fmt"

	"cloud.google.com/go/pubsub"
	"go.uber.org/zap"

	"newsbrief/internal/telemetry"
)

// PubSub sends and receives batches over Google Cloud Pub/Sub. It
// authenticates using Application Default Credentials.
type PubSub struct {
	client *pubsub.Client
	topic  *pubsub.Topic
	sub    *pubsub.Subscription
	logger *zap.Logger
}

// PubSubConfig names the topic and subscription to use.
type PubSubConfig struct {
	ProjectID      string
	TopicID        string
	SubscriptionID string
}

// NewPubSub creates a client and verifies the topic exists.
func NewPubSub(ctx context.Context, cfg PubSubConfig, logger *zap.Logger) (*PubSub, error) {
	client, err := pubsub.NewClient(ctx, cfg.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("create pubsub client: %w", err)
	}

	topic := client.Topic(cfg.TopicID)
	exists, err := topic.Exists(ctx)
	if err != nil {
		if closeErr := client.Close(); closeErr != nil {
			logger.Warn("close pubsub client after topic check failure", zap.Error(closeErr))
		}
		return nil, fmt.Errorf("check pubsub topic %q: %w", cfg.TopicID, err)
	}
	if !exists {
		if closeErr := client.Close(); closeErr != nil {
			logger.Warn("close pubsub client after missing topic", zap.Error(closeErr))
		}
		return nil, fmt.Errorf("pubsub topic %q does not exist in project %q", cfg.TopicID, cfg.ProjectID)
	}

	q := &PubSub{client: client, topic: topic, logger: logger}
	if cfg.SubscriptionID != "" {
		q.sub = client.Subscription(cfg.SubscriptionID)
	}
	return q, nil
}

// Send publishes one batch. The publish itself is asynchronous; the client
// batches and retries in the background.
func (q *PubSub) Send(ctx context.Context, itemIDs []int64) error {
	if len(itemIDs) == 0 {
		return nil
	}
	data, err := json.Marshal(Batch{IngestedItemIDs: itemIDs})
	if err != nil {
		return fmt.Errorf("encode batch: %w", err)
	}
	q.topic.Publish(ctx, &pubsub.Message{Data: data})
	q.logger.Debug("published batch", zap.Int("items", len(itemIDs)))
	return nil
}

// Consume receives batches until ctx ends. A handler error nacks the message
// so the whole batch is redelivered.
func (q *PubSub) Consume(ctx context.Context, handle Handler) error {
	if q.sub == nil {
		return fmt.Errorf("no subscription configured")
	}
	err := q.sub.Receive(ctx, func(ctx context.Context, msg *pubsub.Message) {
		var batch Batch
		if err := json.Unmarshal(msg.Data, &batch); err != nil {
			// A malformed payload will never decode; drop it.
			q.logger.Error("drop undecodable batch", zap.Error(err))
			telemetry.ObserveQueueBatch("malformed")
			msg.Ack()
			return
		}
		if err := handle(ctx, batch); err != nil {
			q.logger.Warn("batch handler failed, requeueing",
				zap.Int("items", len(batch.IngestedItemIDs)),
				zap.Error(err),
			)
			telemetry.ObserveQueueBatch("requeued")
			msg.Nack()
			return
		}
		telemetry.ObserveQueueBatch("handled")
		msg.Ack()
	})
	if err != nil {
		return fmt.Errorf("receive batches: %w", err)
	}
	return nil
}

// Close stops the publisher and closes the client connection.
func (q *PubSub) Close() error {
	q.topic.Stop()
	if err := q.client.Close(); err != nil {
		return fmt.Errorf("close pubsub client: %w", err)
	}
	return nil
}
