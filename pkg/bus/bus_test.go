package bus

import (
	"context"
	"testing"
	"time"
)

func TestPublishConsumeInbound(t *testing.T) {
	t.Parallel()

	mb := NewMessageBus()
	defer mb.Close()

	msg := Message{ID: "m1", Channel: "telegram", ChatID: "42", Text: "hello"}
	if !mb.PublishInbound(context.Background(), msg) {
		t.Fatal("PublishInbound returned false")
	}

	got, ok := mb.ConsumeInbound(context.Background())
	if !ok {
		t.Fatal("ConsumeInbound returned false")
	}
	if got.ID != "m1" || got.Text != "hello" {
		t.Fatalf("consumed %+v, want published message", got)
	}
}

func TestPublishAfterCloseFails(t *testing.T) {
	t.Parallel()

	mb := NewMessageBus()
	mb.Close()

	if mb.PublishInbound(context.Background(), Message{ID: "m1"}) {
		t.Fatal("PublishInbound should fail after Close")
	}
	if mb.PublishOutbound(context.Background(), Outgoing{ChatID: "1"}) {
		t.Fatal("PublishOutbound should fail after Close")
	}
}

func TestConsumeInboundRespectsContext(t *testing.T) {
	t.Parallel()

	mb := NewMessageBus()
	defer mb.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if _, ok := mb.ConsumeInbound(ctx); ok {
		t.Fatal("ConsumeInbound should fail when context expires")
	}
}

func TestEventFanOut(t *testing.T) {
	t.Parallel()

	mb := NewMessageBus()
	defer mb.Close()

	events, unsubscribe := mb.SubscribeEvents(context.Background(), 4)
	defer unsubscribe()

	mb.PublishEvent(context.Background(), Event{Type: EventChannelStatus, Channel: "twitch", Payload: map[string]string{"status": "connected"}})

	select {
	case event := <-events:
		if event.Type != EventChannelStatus {
			t.Fatalf("event type = %q, want %q", event.Type, EventChannelStatus)
		}
		if event.At.IsZero() {
			t.Fatal("expected event timestamp to be stamped")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestSlowEventSubscriberDoesNotBlockPublisher(t *testing.T) {
	t.Parallel()

	mb := NewMessageBus()
	defer mb.Close()

	_, unsubscribe := mb.SubscribeEvents(context.Background(), 1)
	defer unsubscribe()

	// Saturate the subscriber buffer; further publishes must not block.
	for i := 0; i < 10; i++ {
		if !mb.PublishEvent(context.Background(), Event{Type: EventMessageReceived}) {
			t.Fatal("PublishEvent returned false on open bus")
		}
	}
}
