package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/velmie/pgwatch"
)

func TestBrokerDeliversToListeners(t *testing.T) {
	ctx := context.Background()
	broker := NewBroker()
	conn, err := broker.Connect(ctx)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := conn.Listen(ctx, "orders"); err != nil {
		t.Fatalf("listen: %v", err)
	}

	if got := broker.Publish("users", []byte("x")); got != 0 {
		t.Fatalf("expected no delivery on unlistened channel, got %d", got)
	}
	if got := broker.Publish("orders", []byte("hello")); got != 1 {
		t.Fatalf("expected 1 delivery, got %d", got)
	}

	event, err := conn.Receive(ctx, time.Second)
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if event.Channel != "orders" || string(event.Payload) != "hello" {
		t.Fatalf("unexpected event: %+v", event)
	}

	if _, err := conn.Receive(ctx, 5*time.Millisecond); !errors.Is(err, pgwatch.ErrIdle) {
		t.Fatalf("expected ErrIdle, got %v", err)
	}
}

func TestBrokerDropsWhenFull(t *testing.T) {
	ctx := context.Background()
	broker := NewBroker(WithBuffer(1))
	conn, _ := broker.Connect(ctx)
	_ = conn.Listen(ctx, "orders")

	broker.Publish("orders", []byte("1"))
	broker.Publish("orders", []byte("2"))

	if broker.Dropped() != 1 {
		t.Fatalf("expected 1 dropped message, got %d", broker.Dropped())
	}
}

func TestBrokerNotifyEncodesHint(t *testing.T) {
	ctx := context.Background()
	broker := NewBroker()
	conn, _ := broker.Connect(ctx)
	_ = conn.Listen(ctx, "orders")

	n := pgwatch.Notification{Channel: "orders", Sequence: 4, Payload: pgwatch.Payload{"k": "v"}, CreatedAt: time.Now().UTC()}
	if err := broker.Notify(ctx, n); err != nil {
		t.Fatalf("notify: %v", err)
	}
	event, err := conn.Receive(ctx, time.Second)
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	hint := pgwatch.DecodeHint(event.Channel, event.Payload)
	if hint.Sequence != 4 || hint.Payload["k"] != "v" {
		t.Fatalf("unexpected hint: %+v", hint)
	}
}

func TestBrokerDisconnectAndDown(t *testing.T) {
	ctx := context.Background()
	broker := NewBroker()
	conn, _ := broker.Connect(ctx)

	broker.Disconnect()
	if _, err := conn.Receive(ctx, time.Second); !errors.Is(err, pgwatch.ErrTransportClosed) {
		t.Fatalf("expected ErrTransportClosed, got %v", err)
	}
	if broker.Connections() != 0 {
		t.Fatalf("expected no connections, got %d", broker.Connections())
	}

	broker.SetDown(true)
	if _, err := broker.Connect(ctx); !errors.Is(err, ErrBrokerDown) {
		t.Fatalf("expected ErrBrokerDown, got %v", err)
	}
}
