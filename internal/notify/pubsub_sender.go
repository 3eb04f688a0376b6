package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"cloud.google.com/go/pubsub/v2"
)

// PubSubConfig holds configuration for the Pub/Sub sender.
type PubSubConfig struct {
	ProjectID string
	TopicID   string
}

// PubSubSender publishes alerts to a topic for an external mailer.
type PubSubSender struct {
	client    *pubsub.Client
	publisher *pubsub.Publisher
}

// NewPubSubSender creates a Pub/Sub sender.
func NewPubSubSender(ctx context.Context, cfg PubSubConfig) (*PubSubSender, error) {
	client, err := pubsub.NewClient(ctx, cfg.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("failed to create pubsub client: %w", err)
	}
	return &PubSubSender{
		client:    client,
		publisher: client.Publisher(cfg.TopicID),
	}, nil
}

// Name implements Sender.
func (s *PubSubSender) Name() string { return "pubsub" }

// Send implements Sender and waits for the server to acknowledge the publish.
func (s *PubSubSender) Send(ctx context.Context, msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	result := s.publisher.Publish(ctx, &pubsub.Message{
		Data: data,
		Attributes: map[string]string{
			"event":    "agent_offline",
			"token_id": msg.TokenID,
		},
	})
	if _, err := result.Get(ctx); err != nil {
		return fmt.Errorf("publish alert: %w", err)
	}
	return nil
}

// Close flushes pending publishes and closes the client.
func (s *PubSubSender) Close() error {
	s.publisher.Stop()
	return s.client.Close()
}
