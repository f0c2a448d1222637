package bus

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

func waitFor(t *testing.T, wg *sync.WaitGroup, timeout time.Duration) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		t.Fatal("timeout waiting for messages")
	}
}

func TestChannelBus(t *testing.T) {
	bus := NewChannelBus(100)
	defer bus.Close()

	ctx := context.Background()

	t.Run("PublishAndSubscribe", func(t *testing.T) {
		var receivedMsg *domain.Message
		var wg sync.WaitGroup
		wg.Add(1)

		_, err := bus.Subscribe(ctx, domain.TopicCaseSubmitted, func(ctx context.Context, msg *domain.Message) error {
			receivedMsg = msg
			wg.Done()
			return nil
		})
		if err != nil {
			t.Fatalf("subscribe failed: %v", err)
		}

		if err := bus.Publish(ctx, domain.TopicCaseSubmitted, []byte("hello")); err != nil {
			t.Fatalf("publish failed: %v", err)
		}

		waitFor(t, &wg, time.Second)

		if string(receivedMsg.Payload) != "hello" {
			t.Errorf("expected payload 'hello', got '%s'", string(receivedMsg.Payload))
		}
		if receivedMsg.Topic != domain.TopicCaseSubmitted {
			t.Errorf("expected topic %s, got %s", domain.TopicCaseSubmitted, receivedMsg.Topic)
		}
		if receivedMsg.ID == "" {
			t.Error("expected message ID to be set")
		}
	})

	t.Run("TopicIsolation", func(t *testing.T) {
		var decided, failed atomic.Int32
		var wg sync.WaitGroup
		wg.Add(1)

		bus.Subscribe(ctx, "isolation.decided", func(ctx context.Context, msg *domain.Message) error {
			decided.Add(1)
			wg.Done()
			return nil
		})
		bus.Subscribe(ctx, "isolation.failed", func(ctx context.Context, msg *domain.Message) error {
			failed.Add(1)
			return nil
		})

		bus.Publish(ctx, "isolation.decided", []byte("msg1"))
		waitFor(t, &wg, time.Second)
		time.Sleep(20 * time.Millisecond)

		if decided.Load() != 1 {
			t.Errorf("expected 1 decided message, got %d", decided.Load())
		}
		if failed.Load() != 0 {
			t.Errorf("expected 0 failed messages, got %d", failed.Load())
		}
	})

	t.Run("Unsubscribe", func(t *testing.T) {
		var count atomic.Int32
		var wg sync.WaitGroup
		wg.Add(1)

		sub, _ := bus.Subscribe(ctx, "unsub.topic", func(ctx context.Context, msg *domain.Message) error {
			count.Add(1)
			wg.Done()
			return nil
		})

		bus.Publish(ctx, "unsub.topic", []byte("msg1"))
		waitFor(t, &wg, time.Second)

		if err := sub.Unsubscribe(); err != nil {
			t.Fatalf("unsubscribe failed: %v", err)
		}

		if err := bus.Publish(ctx, "unsub.topic", []byte("msg2")); err != nil {
			t.Fatalf("publish after unsubscribe failed: %v", err)
		}
		time.Sleep(50 * time.Millisecond)

		if count.Load() != 1 {
			t.Errorf("expected 1 message after unsubscribe, got %d", count.Load())
		}
	})

	t.Run("MultipleSubscribers", func(t *testing.T) {
		var count1, count2 atomic.Int32
		var wg sync.WaitGroup
		wg.Add(2)

		bus.Subscribe(ctx, "multi.topic", func(ctx context.Context, msg *domain.Message) error {
			count1.Add(1)
			wg.Done()
			return nil
		})
		bus.Subscribe(ctx, "multi.topic", func(ctx context.Context, msg *domain.Message) error {
			count2.Add(1)
			wg.Done()
			return nil
		})

		bus.Publish(ctx, "multi.topic", []byte("broadcast"))
		waitFor(t, &wg, time.Second)

		if count1.Load() != 1 || count2.Load() != 1 {
			t.Errorf("expected both subscribers to receive, got %d and %d", count1.Load(), count2.Load())
		}
	})

	t.Run("RequestReply", func(t *testing.T) {
		bus.Subscribe(ctx, "echo.topic", func(ctx context.Context, msg *domain.Message) error {
			return Reply(ctx, bus, msg, append([]byte("echo:"), msg.Payload...))
		})

		reqCtx, cancel := context.WithTimeout(ctx, time.Second)
		defer cancel()

		reply, err := bus.Request(reqCtx, "echo.topic", []byte("ping"))
		if err != nil {
			t.Fatalf("request failed: %v", err)
		}
		if string(reply) != "echo:ping" {
			t.Errorf("expected 'echo:ping', got '%s'", string(reply))
		}
	})

	t.Run("RequestWithoutResponder", func(t *testing.T) {
		reqCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
		defer cancel()

		if _, err := bus.Request(reqCtx, "nobody.topic", []byte("ping")); err == nil {
			t.Error("expected error when nobody replies")
		}
	})

	t.Run("ReplyWithoutReplyTopic", func(t *testing.T) {
		msg := &domain.Message{Metadata: map[string]string{}}
		if err := Reply(ctx, bus, msg, []byte("x")); err != nil {
			t.Errorf("expected nil error, got %v", err)
		}
	})

	t.Run("Ping", func(t *testing.T) {
		if err := bus.Ping(ctx); err != nil {
			t.Errorf("ping failed: %v", err)
		}
	})

	t.Run("SubscriptionTopic", func(t *testing.T) {
		sub, _ := bus.Subscribe(ctx, "my.topic", func(ctx context.Context, msg *domain.Message) error {
			return nil
		})

		if sub.Topic() != "my.topic" {
			t.Errorf("expected topic 'my.topic', got '%s'", sub.Topic())
		}
	})
}

func TestChannelBusClose(t *testing.T) {
	bus := NewChannelBus(100)
	ctx := context.Background()

	bus.Subscribe(ctx, "close.topic", func(ctx context.Context, msg *domain.Message) error {
		return nil
	})

	if err := bus.Close(); err != nil {
		t.Errorf("close failed: %v", err)
	}
	if err := bus.Close(); err != nil {
		t.Errorf("second close failed: %v", err)
	}

	if err := bus.Publish(ctx, "close.topic", []byte("data")); err == nil {
		t.Error("expected error after close")
	}
	if _, err := bus.Subscribe(ctx, "close.topic", func(ctx context.Context, msg *domain.Message) error { return nil }); err == nil {
		t.Error("expected subscribe error after close")
	}
	if err := bus.Ping(ctx); err == nil {
		t.Error("expected ping error after close")
	}
}

func TestNewBus(t *testing.T) {
	t.Run("ChannelType", func(t *testing.T) {
		bus, err := New(domain.EventBusConfig{Type: "channel", ChannelBufferSize: 50})
		if err != nil {
			t.Fatalf("New failed: %v", err)
		}
		defer bus.Close()

		if _, ok := bus.(*ChannelBus); !ok {
			t.Error("expected ChannelBus for channel type")
		}
	})

	t.Run("UnsupportedType", func(t *testing.T) {
		if _, err := New(domain.EventBusConfig{Type: "kafka"}); err == nil {
			t.Error("expected error for unsupported type")
		}
	})
}

func TestChannelBusBackpressure(t *testing.T) {
	// A one-slot buffer forces Publish to wait on a slow handler.
	bus := NewChannelBus(1)
	defer bus.Close()

	ctx := context.Background()

	var received atomic.Int32
	const messageCount = 100

	var wg sync.WaitGroup
	wg.Add(messageCount)

	bus.Subscribe(ctx, "load.topic", func(ctx context.Context, msg *domain.Message) error {
		time.Sleep(time.Millisecond)
		received.Add(1)
		wg.Done()
		return nil
	})

	for i := 0; i < messageCount; i++ {
		if err := bus.Publish(ctx, "load.topic", []byte("msg")); err != nil {
			t.Fatalf("publish %d failed: %v", i, err)
		}
	}

	waitFor(t, &wg, 5*time.Second)

	if received.Load() != messageCount {
		t.Errorf("expected %d messages, got %d", messageCount, received.Load())
	}
}

func TestChannelBusPublishHonoursContext(t *testing.T) {
	bus := NewChannelBus(1)
	defer bus.Close()

	block := make(chan struct{})
	defer close(block)

	bus.Subscribe(context.Background(), "stuck.topic", func(ctx context.Context, msg *domain.Message) error {
		<-block
		return nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	var err error
	for i := 0; i < 5 && err == nil; i++ {
		err = bus.Publish(ctx, "stuck.topic", []byte("msg"))
	}
	if err == nil {
		t.Fatal("expected publish to fail once the buffer stays full")
	}
}

func TestChannelBusRequestDeadline(t *testing.T) {
	saved := requestTimeout
	requestTimeout = 50 * time.Millisecond
	defer func() { requestTimeout = saved }()

	bus := NewChannelBus(10)
	defer bus.Close()
	ctx := context.Background()

	bus.Subscribe(ctx, "slow.topic", func(ctx context.Context, msg *domain.Message) error {
		time.Sleep(150 * time.Millisecond)
		return Reply(ctx, bus, msg, []byte("done"))
	})

	t.Run("CallerDeadlineOutlastsDefault", func(t *testing.T) {
		reqCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()

		reply, err := bus.Request(reqCtx, "slow.topic", []byte("x"))
		if err != nil {
			t.Fatalf("expected reply within caller deadline, got %v", err)
		}
		if string(reply) != "done" {
			t.Errorf("expected 'done', got '%s'", reply)
		}
	})

	t.Run("DefaultAppliesWithoutDeadline", func(t *testing.T) {
		_, err := bus.Request(ctx, "slow.topic", []byte("x"))
		if !errors.Is(err, context.DeadlineExceeded) {
			t.Errorf("expected deadline exceeded, got %v", err)
		}
	})
}
