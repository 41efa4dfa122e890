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

func TestChannelBus_PublishAndSubscribe(t *testing.T) {
	b := NewChannelBus(100)
	defer b.Close()

	ctx := context.Background()
	received := make(chan *domain.Message, 1)

	_, err := b.Subscribe(ctx, domain.TopicCaseTransition, func(ctx context.Context, msg *domain.Message) ([]byte, error) {
		received <- msg
		return nil, nil
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	payload := []byte(`{"caseId":"case-1","to":"ENRICHING"}`)
	if err := b.Publish(ctx, domain.TopicCaseTransition, payload); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	select {
	case msg := <-received:
		if string(msg.Payload) != string(payload) {
			t.Errorf("Payload = %s, want %s", msg.Payload, payload)
		}
		if msg.Topic != domain.TopicCaseTransition {
			t.Errorf("Topic = %s, want %s", msg.Topic, domain.TopicCaseTransition)
		}
		if msg.ID == "" {
			t.Error("message ID should be set")
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for message")
	}
}

func TestChannelBus_TopicIsolation(t *testing.T) {
	b := NewChannelBus(100)
	defer b.Close()

	ctx := context.Background()
	var reportCount atomic.Int32

	_, _ = b.Subscribe(ctx, domain.TopicReportReady, func(ctx context.Context, msg *domain.Message) ([]byte, error) {
		reportCount.Add(1)
		return nil, nil
	})

	_ = b.Publish(ctx, domain.TopicCaseTransition, []byte("transition"))
	time.Sleep(50 * time.Millisecond)

	if got := reportCount.Load(); got != 0 {
		t.Errorf("report subscriber received %d messages from another topic", got)
	}
}

func TestChannelBus_Unsubscribe(t *testing.T) {
	b := NewChannelBus(100)
	defer b.Close()

	ctx := context.Background()
	var count atomic.Int32

	sub, err := b.Subscribe(ctx, "test.topic", func(ctx context.Context, msg *domain.Message) ([]byte, error) {
		count.Add(1)
		return nil, nil
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	_ = b.Publish(ctx, "test.topic", []byte("before"))
	time.Sleep(50 * time.Millisecond)

	if err := sub.Unsubscribe(); err != nil {
		t.Fatalf("Unsubscribe failed: %v", err)
	}
	if sub.Topic() != "test.topic" {
		t.Errorf("Topic() = %s", sub.Topic())
	}

	_ = b.Publish(ctx, "test.topic", []byte("after"))
	time.Sleep(50 * time.Millisecond)

	if got := count.Load(); got != 1 {
		t.Errorf("count = %d, want 1", got)
	}
}

func TestChannelBus_MultipleSubscribers(t *testing.T) {
	b := NewChannelBus(100)
	defer b.Close()

	ctx := context.Background()
	var wg sync.WaitGroup
	var count atomic.Int32

	for i := 0; i < 3; i++ {
		wg.Add(1)
		_, _ = b.Subscribe(ctx, domain.TopicApprovalRequired, func(ctx context.Context, msg *domain.Message) ([]byte, error) {
			count.Add(1)
			wg.Done()
			return nil, nil
		})
	}

	_ = b.Publish(ctx, domain.TopicApprovalRequired, []byte("approval"))

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for subscribers")
	}
	if got := count.Load(); got != 3 {
		t.Errorf("count = %d, want 3", got)
	}
}

func TestChannelBus_Request(t *testing.T) {
	b := NewChannelBus(100)
	defer b.Close()

	ctx := context.Background()
	topic := domain.TopicOraclePrefix + "enrich"

	_, err := b.Subscribe(ctx, topic, func(ctx context.Context, msg *domain.Message) ([]byte, error) {
		return append([]byte("echo:"), msg.Payload...), nil
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()

	reply, err := b.Request(reqCtx, topic, []byte("case-1"))
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	if string(reply) != "echo:case-1" {
		t.Errorf("reply = %s, want echo:case-1", reply)
	}
}

func TestChannelBus_RequestNoResponders(t *testing.T) {
	b := NewChannelBus(100)
	defer b.Close()

	_, err := b.Request(context.Background(), "nobody.listens", []byte("x"))
	if !errors.Is(err, ErrNoResponders) {
		t.Fatalf("err = %v, want ErrNoResponders", err)
	}
}

func TestChannelBus_RequestTimeout(t *testing.T) {
	b := NewChannelBus(100)
	defer b.Close()

	ctx := context.Background()
	_, _ = b.Subscribe(ctx, "silent", func(ctx context.Context, msg *domain.Message) ([]byte, error) {
		return nil, nil
	})

	reqCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()

	_, err := b.Request(reqCtx, "silent", []byte("x"))
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}
}

func TestChannelBus_HandlerErrorSendsNoReply(t *testing.T) {
	b := NewChannelBus(100)
	defer b.Close()

	ctx := context.Background()
	_, _ = b.Subscribe(ctx, "failing", func(ctx context.Context, msg *domain.Message) ([]byte, error) {
		return []byte("ignored"), errors.New("boom")
	})

	reqCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()

	if _, err := b.Request(reqCtx, "failing", nil); err == nil {
		t.Fatal("expected error when handler fails")
	}
}

func TestChannelBus_Close(t *testing.T) {
	b := NewChannelBus(100)
	ctx := context.Background()

	_, _ = b.Subscribe(ctx, "test.topic", func(ctx context.Context, msg *domain.Message) ([]byte, error) {
		return nil, nil
	})

	if err := b.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := b.Close(); err != nil {
		t.Fatalf("second Close failed: %v", err)
	}

	if err := b.Publish(ctx, "test.topic", []byte("x")); !errors.Is(err, ErrClosed) {
		t.Errorf("Publish after close: err = %v, want ErrClosed", err)
	}
	if _, err := b.Subscribe(ctx, "test.topic", nil); !errors.Is(err, ErrClosed) {
		t.Errorf("Subscribe after close: err = %v, want ErrClosed", err)
	}
	if err := b.Ping(ctx); !errors.Is(err, ErrClosed) {
		t.Errorf("Ping after close: err = %v, want ErrClosed", err)
	}
}

func TestNew(t *testing.T) {
	t.Run("channel", func(t *testing.T) {
		b, err := New(domain.EventBusConfig{Type: "channel", ChannelBufferSize: 10})
		if err != nil {
			t.Fatalf("New failed: %v", err)
		}
		defer b.Close()
		if _, ok := b.(*ChannelBus); !ok {
			t.Errorf("got %T, want *ChannelBus", b)
		}
	})

	t.Run("unsupported", func(t *testing.T) {
		if _, err := New(domain.EventBusConfig{Type: "kafka"}); err == nil {
			t.Error("expected error for unsupported bus type")
		}
	})
}

func TestChannelBus_HighLoad(t *testing.T) {
	b := NewChannelBus(10000)
	defer b.Close()

	ctx := context.Background()
	const n = 1000
	var count atomic.Int32
	done := make(chan struct{})

	_, _ = b.Subscribe(ctx, "load", func(ctx context.Context, msg *domain.Message) ([]byte, error) {
		if count.Add(1) == n {
			close(done)
		}
		return nil, nil
	})

	for i := 0; i < n; i++ {
		if err := b.Publish(ctx, "load", []byte("x")); err != nil {
			t.Fatalf("Publish failed: %v", err)
		}
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("received %d of %d messages", count.Load(), n)
	}
}
