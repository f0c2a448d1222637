package bus

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Header names used on the wire. Payloads travel as raw bytes; message
// identity and metadata ride in NATS headers so other consumers can read
// case submissions without unwrapping an envelope.
const (
	headerMessageID  = "Kestrel-Message-Id"
	headerTimestamp  = "Kestrel-Timestamp"
	headerMetaPrefix = "Kestrel-Meta-"

	drainTimeout = 10 * time.Second
)

// NATSBus carries cases between processes. With a queue group set, the
// workers of a deployment share each submission instead of all running it.
type NATSBus struct {
	conn       *nats.Conn
	queueGroup string

	mu   sync.Mutex
	subs map[*natsSubscription]struct{}
}

type natsSubscription struct {
	owner *NATSBus
	topic string
	sub   *nats.Subscription
}

// NewNATSBus dials cfg.NATSUrl. The initial dial is attempted
// NATSMaxReconnects times; after that the client reconnects on its own.
func NewNATSBus(cfg domain.EventBusConfig) (*NATSBus, error) {
	url := cfg.NATSUrl
	if url == "" {
		url = nats.DefaultURL
	}
	attempts := cfg.NATSMaxReconnects
	if attempts <= 0 {
		attempts = 10
	}
	wait := time.Duration(cfg.NATSReconnectWait) * time.Second
	if wait <= 0 {
		wait = 5 * time.Second
	}

	opts := []nats.Option{
		nats.Name("kestrel"),
		nats.MaxReconnects(attempts),
		nats.ReconnectWait(wait),
		nats.ReconnectBufSize(8 << 20),
		nats.DrainTimeout(drainTimeout),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			slog.Warn("event bus disconnected", "error", err, "will_reconnect", !nc.IsClosed())
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			slog.Info("event bus reconnected", "url", nc.ConnectedUrl())
		}),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			attrs := []any{"error", err}
			if sub != nil {
				attrs = append(attrs, "subject", sub.Subject)
			}
			slog.Error("event bus async error", attrs...)
		}),
	}
	if cfg.NATSToken != "" {
		opts = append(opts, nats.Token(cfg.NATSToken))
	}

	var (
		conn *nats.Conn
		err  error
	)
	for attempt := 1; attempt <= attempts; attempt++ {
		if conn, err = nats.Connect(url, opts...); err == nil {
			break
		}
		slog.Warn("event bus dial failed", "url", url, "attempt", attempt, "of", attempts, "error", err)
		if attempt < attempts {
			time.Sleep(wait)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("nats %s unreachable after %d attempts: %w", url, attempts, err)
	}
	slog.Info("event bus connected", "type", "nats", "url", conn.ConnectedUrl(), "queue_group", cfg.NATSQueueGroup)

	return &NATSBus{
		conn:       conn,
		queueGroup: cfg.NATSQueueGroup,
		subs:       make(map[*natsSubscription]struct{}),
	}, nil
}

func (b *NATSBus) Publish(ctx context.Context, topic string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return b.conn.PublishMsg(toNATSMsg(newMessage(topic, payload, time.Now().UnixNano())))
}

func (b *NATSBus) Subscribe(ctx context.Context, topic string, handler domain.MessageHandler) (domain.Subscription, error) {
	deliver := func(m *nats.Msg) {
		msg := fromNATSMsg(m)
		if err := handler(ctx, msg); err != nil {
			slog.Error("event handler failed", "subject", m.Subject, "message_id", msg.ID, "error", err)
		}
	}

	var (
		ns  *nats.Subscription
		err error
	)
	if b.queueGroup != "" {
		ns, err = b.conn.QueueSubscribe(topic, b.queueGroup, deliver)
	} else {
		ns, err = b.conn.Subscribe(topic, deliver)
	}
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", topic, err)
	}

	s := &natsSubscription{owner: b, topic: topic, sub: ns}
	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()
	return s, nil
}

// Request publishes on topic with a private inbox and returns the first
// reply payload. Without a deadline on ctx the bus default applies.
func (b *NATSBus) Request(ctx context.Context, topic string, payload []byte) ([]byte, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, requestTimeout)
		defer cancel()
	}

	reply, err := b.conn.RequestMsgWithContext(ctx, toNATSMsg(newMessage(topic, payload, time.Now().UnixNano())))
	if err != nil {
		return nil, fmt.Errorf("request %s: %w", topic, err)
	}
	return reply.Data, nil
}

func (b *NATSBus) Ping(ctx context.Context) error {
	if status := b.conn.Status(); status != nats.CONNECTED {
		return fmt.Errorf("nats %s", status)
	}
	return b.conn.FlushWithContext(ctx)
}

// Close drains subscriptions so cases already delivered to this process
// are handed to their handlers before the connection closes.
func (b *NATSBus) Close() error {
	b.mu.Lock()
	b.subs = make(map[*natsSubscription]struct{})
	b.mu.Unlock()

	if b.conn.IsClosed() {
		return nil
	}
	if err := b.conn.Drain(); err != nil {
		b.conn.Close()
		return fmt.Errorf("drain nats connection: %w", err)
	}
	return nil
}

// Stats returns connection counters.
func (b *NATSBus) Stats() nats.Statistics {
	return b.conn.Stats()
}

func (s *natsSubscription) Unsubscribe() error {
	s.owner.mu.Lock()
	delete(s.owner.subs, s)
	s.owner.mu.Unlock()
	return s.sub.Unsubscribe()
}

func (s *natsSubscription) Topic() string { return s.topic }

// toNATSMsg maps a bus message onto a NATS message. The reply topic is
// not a header: NATS carries it natively.
func toNATSMsg(msg *domain.Message) *nats.Msg {
	m := nats.NewMsg(msg.Topic)
	m.Data = msg.Payload
	m.Header.Set(headerMessageID, msg.ID)
	m.Header.Set(headerTimestamp, strconv.FormatInt(msg.Timestamp, 10))
	for k, v := range msg.Metadata {
		if k == domain.MetadataReplyTo {
			m.Reply = v
			continue
		}
		m.Header.Set(headerMetaPrefix+k, v)
	}
	return m
}

func fromNATSMsg(m *nats.Msg) *domain.Message {
	msg := &domain.Message{
		Topic:    m.Subject,
		Payload:  m.Data,
		Metadata: make(map[string]string),
	}
	for k, vals := range m.Header {
		if len(vals) == 0 {
			continue
		}
		switch {
		case k == headerMessageID:
			msg.ID = vals[0]
		case k == headerTimestamp:
			msg.Timestamp, _ = strconv.ParseInt(vals[0], 10, 64)
		case strings.HasPrefix(k, headerMetaPrefix):
			msg.Metadata[strings.TrimPrefix(k, headerMetaPrefix)] = vals[0]
		}
	}
	if m.Reply != "" {
		msg.Metadata[domain.MetadataReplyTo] = m.Reply
	}
	return msg
}
