package domain

import "context"

// Topics on which cases and their pipeline events travel.
const (
	TopicCaseSubmitted = "kestrel.case.submitted"
	TopicCaseProgress  = "kestrel.case.progress"
	TopicCaseDecided   = "kestrel.case.decided"
	TopicCaseFailed    = "kestrel.case.failed"
)

// MetadataReplyTo is the metadata key holding the topic a requester
// listens on for its answer.
const MetadataReplyTo = "reply_to"

// EventBus moves case submissions to workers and their outcomes back.
// Implementations are an in-process channel fan-out and NATS.
type EventBus interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	// Subscribe delivers every message on topic to handler until the
	// subscription is cancelled or the bus is closed.
	Subscribe(ctx context.Context, topic string, handler MessageHandler) (Subscription, error)
	// Request publishes payload and blocks for a single reply.
	Request(ctx context.Context, topic string, payload []byte) ([]byte, error)
	Ping(ctx context.Context) error
	Close() error
}

// MessageHandler handles one delivered message. A returned error is
// logged by the bus; the message is not redelivered.
type MessageHandler func(ctx context.Context, msg *Message) error

// Message is a delivered payload with its routing data.
type Message struct {
	ID        string            `json:"id"`
	Topic     string            `json:"topic"`
	Payload   []byte            `json:"payload"`
	Metadata  map[string]string `json:"metadata"`
	Timestamp int64             `json:"timestamp"` // unix nanoseconds at publish
}

type Subscription interface {
	Unsubscribe() error
	Topic() string
}

// EventBusConfig selects and tunes the bus.
type EventBusConfig struct {
	Type string `json:"type" yaml:"type"` // channel or nats

	ChannelBufferSize int `json:"channelBufferSize" yaml:"channel_buffer_size"`

	NATSUrl           string `json:"natsUrl" yaml:"nats_url"`
	NATSToken         string `json:"-" yaml:"nats_token"`
	NATSMaxReconnects int    `json:"natsMaxReconnects" yaml:"nats_max_reconnects"`
	NATSReconnectWait int    `json:"natsReconnectWait" yaml:"nats_reconnect_wait"` // seconds

	// NATSQueueGroup makes workers sharing the group split submissions
	// between them rather than each running every case.
	NATSQueueGroup string `json:"natsQueueGroup" yaml:"nats_queue_group"`
}
