package pubsub

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/lattice-run/conductor/internal/protocol"
)

func newTestMessage() *protocol.Message {
	return &protocol.Message{
		Envelope: protocol.Envelope{Type: protocol.TypeHeartbeat, Version: protocol.Version},
		Fields:   map[string]any{},
	}
}

func TestWildcardPublishMatches(t *testing.T) {
	r := New(Config{WildcardEnabled: true}, nil)
	var calls int32
	r.RegisterHandler("a1", func(ctx context.Context, topic string, msg *protocol.Message) error {
		atomic.AddInt32(&calls, 1)
		return nil
	})
	if _, err := r.Subscribe("a1", "topic.*"); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	if err := r.Publish(context.Background(), "topic.test", newTestMessage()); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("calls = %d, want 1", got)
	}

	if err := r.Publish(context.Background(), "other.test", newTestMessage()); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("calls after non-matching publish = %d, want 1", got)
	}
}

func TestMultiWildcardSegments(t *testing.T) {
	r := New(Config{WildcardEnabled: true}, nil)
	r.RegisterHandler("a1", func(ctx context.Context, topic string, msg *protocol.Message) error { return nil })
	if _, err := r.Subscribe("a1", "*.test.*"); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := r.Publish(context.Background(), "topic.test.123", newTestMessage()); err != nil {
		t.Fatalf("expected match: %v", err)
	}
}

func TestPublishNoHandlerFails(t *testing.T) {
	r := New(Config{}, nil)
	sub, err := r.Subscribe("a1", "topic")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	err = r.Publish(context.Background(), "topic", newTestMessage())
	if err == nil {
		t.Fatal("expected error for missing handler")
	}
	if sub.FailedDeliveries() != 1 {
		t.Fatalf("failedDeliveries = %d", sub.FailedDeliveries())
	}
}

func TestSubscriptionLimitsEnforced(t *testing.T) {
	r := New(Config{MaxSubscriptionsPerAgent: 2, MaxTopicsPerAgent: 2}, nil)
	if _, err := r.Subscribe("a1", "t1"); err != nil {
		t.Fatalf("subscribe 1: %v", err)
	}
	if _, err := r.Subscribe("a1", "t2"); err != nil {
		t.Fatalf("subscribe 2: %v", err)
	}
	if _, err := r.Subscribe("a1", "t3"); err == nil {
		t.Fatal("expected subscription limit exceeded")
	}
}

func TestUnsubscribeIsIdempotent(t *testing.T) {
	r := New(Config{}, nil)
	if _, err := r.Subscribe("a1", "topic"); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	r.Unsubscribe("a1", "topic")
	r.Unsubscribe("a1", "topic") // no panic, no error
	if len(r.SubscriptionsForAgent("a1")) != 0 {
		t.Fatal("expected no subscriptions left")
	}
}

func TestPublishUpdatesDeliveryAccounting(t *testing.T) {
	r := New(Config{}, nil)
	r.RegisterHandler("a1", func(ctx context.Context, topic string, msg *protocol.Message) error { return nil })
	sub, _ := r.Subscribe("a1", "topic")
	before := time.Now()
	if err := r.Publish(context.Background(), "topic", newTestMessage()); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if sub.DeliveryCount() != 1 {
		t.Fatalf("deliveryCount = %d", sub.DeliveryCount())
	}
	if sub.LastDelivery().Before(before) {
		t.Fatal("lastDelivery not updated")
	}
}

func TestDeregisterAgentRemovesBothIndices(t *testing.T) {
	r := New(Config{}, nil)
	r.RegisterHandler("a1", func(ctx context.Context, topic string, msg *protocol.Message) error { return nil })
	r.Subscribe("a1", "topic")
	r.DeregisterAgent("a1")
	if len(r.SubscriptionsForAgent("a1")) != 0 {
		t.Fatal("expected subscriptions removed")
	}
	if err := r.Publish(context.Background(), "topic", newTestMessage()); err != nil {
		t.Fatalf("publish after deregister should have no subscribers: %v", err)
	}
}
