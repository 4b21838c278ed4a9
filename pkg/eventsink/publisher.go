// Package eventsink publishes presence transitions to an external feed.
package eventsink

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/rs/zerolog"
	"google.golang.org/api/option"
)

// Publisher sends a payload to the feed. Publish must not block on delivery.
type Publisher interface {
	Publish(ctx context.Context, payload []byte, attributes map[string]string) error
	// Stop flushes any pending messages and accepts a context for timeout control.
	Stop(ctx context.Context) error
}

// PubSubConfig configures a PubSubPublisher.
type PubSubConfig struct {
	ProjectID       string
	TopicID         string
	CredentialsFile string
}

// PubSubPublisher publishes each transition as one Pub/Sub message.
type PubSubPublisher struct {
	client *pubsub.Client
	topic  *pubsub.Topic
	logger zerolog.Logger
}

// NewPubSubPublisher creates a publisher on an existing client. It checks
// that the topic exists before returning. The client is not closed by Stop.
func NewPubSubPublisher(ctx context.Context, client *pubsub.Client, topicID string, logger zerolog.Logger) (*PubSubPublisher, error) {
	if client == nil {
		return nil, fmt.Errorf("pubsub client cannot be nil")
	}
	topic := client.Topic(topicID)

	exists, err := topic.Exists(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to check for topic %s: %w", topicID, err)
	}
	if !exists {
		return nil, fmt.Errorf("pubsub topic %s does not exist", topicID)
	}

	return &PubSubPublisher{
		topic:  topic,
		logger: logger.With().Str("component", "PubSubPublisher").Str("topic_id", topicID).Logger(),
	}, nil
}

// OpenPubSubPublisher creates its own client from cfg. Stop closes it.
func OpenPubSubPublisher(ctx context.Context, cfg PubSubConfig, logger zerolog.Logger) (*PubSubPublisher, error) {
	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	client, err := pubsub.NewClient(ctx, cfg.ProjectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create pubsub client: %w", err)
	}
	p, err := NewPubSubPublisher(ctx, client, cfg.TopicID, logger)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	p.client = client
	return p, nil
}

// Publish queues the message and returns. The publish result is logged
// asynchronously.
func (p *PubSubPublisher) Publish(ctx context.Context, payload []byte, attributes map[string]string) error {
	result := p.topic.Publish(ctx, &pubsub.Message{
		Data:       payload,
		Attributes: attributes,
	})

	go func() {
		// The caller's context may be short lived; the result gets its own.
		getCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		msgID, err := result.Get(getCtx)
		if err != nil {
			p.logger.Error().Err(err).Msg("Failed to publish presence transition.")
			return
		}
		p.logger.Debug().Str("published_msg_id", msgID).Msg("Presence transition published.")
	}()

	return nil
}

// Stop flushes pending messages, respecting the context's timeout.
func (p *PubSubPublisher) Stop(ctx context.Context) error {
	stopDone := make(chan struct{})
	go func() {
		p.topic.Stop()
		close(stopDone)
	}()

	select {
	case <-stopDone:
	case <-ctx.Done():
		return ctx.Err()
	}
	if p.client != nil {
		return p.client.Close()
	}
	return nil
}

// NopPublisher drops every message.
type NopPublisher struct{}

// Publish implements Publisher.
func (NopPublisher) Publish(context.Context, []byte, map[string]string) error { return nil }

// Stop implements Publisher.
func (NopPublisher) Stop(context.Context) error { return nil }
