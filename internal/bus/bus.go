// Package bus carries case submissions and pipeline events between the
// API, the CLI and the workers.
package bus

import (
	"context"
	"fmt"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// New creates an event bus from configuration: "channel" for a single
// process, "nats" when workers run elsewhere.
func New(cfg domain.EventBusConfig) (domain.EventBus, error) {
	switch cfg.Type {
	case "channel", "":
		return NewChannelBus(cfg.ChannelBufferSize), nil

	case "nats":
		return NewNATSBus(cfg)

	default:
		return nil, fmt.Errorf("unsupported event bus type: %s", cfg.Type)
	}
}

// Reply answers a message sent with Request. Messages without a reply
// topic are ignored.
func Reply(ctx context.Context, b domain.EventBus, msg *domain.Message, payload []byte) error {
	replyTo := msg.Metadata[domain.MetadataReplyTo]
	if replyTo == "" {
		return nil
	}
	return b.Publish(ctx, replyTo, payload)
}

func newMessage(topic string, payload []byte, now int64) *domain.Message {
	return &domain.Message{
		ID:        newID(),
		Topic:     topic,
		Payload:   payload,
		Metadata:  make(map[string]string),
		Timestamp: now,
	}
}
