package transport

import (
	"errors"
	"testing"
	"time"
)

func declareAndConsume(t *testing.T, ch Channel, exchange, queue, key string, opts DeclareOptions) {
	t.Helper()
	if err := ch.Declare(exchange, queue, key, opts); err != nil {
		t.Fatalf("Declare failed: %v", err)
	}
	if err := ch.Consume(queue); err != nil {
		t.Fatalf("Consume failed: %v", err)
	}
}

func TestMemoryPublishDrain(t *testing.T) {
	broker := NewMemoryBroker()
	defer broker.Close()

	ch, err := broker.Channel()
	if err != nil {
		t.Fatalf("Channel failed: %v", err)
	}
	defer ch.Close()
	declareAndConsume(t, ch, "ex", "q", "svc", DeclareOptions{})

	msg := Message{Body: []byte("hello"), Headers: map[string]string{"sender": "me"}}
	if err := ch.Publish("ex", "svc", msg); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	d, err := ch.DrainOnce(time.Second)
	if err != nil {
		t.Fatalf("DrainOnce failed: %v", err)
	}
	if string(d.Body) != "hello" {
		t.Errorf("expected body %q, got %q", "hello", d.Body)
	}
	if d.Headers["sender"] != "me" {
		t.Errorf("expected sender header, got %v", d.Headers)
	}
	if d.Queue != "q" {
		t.Errorf("expected queue %q, got %q", "q", d.Queue)
	}
}

func TestMemoryDrainTimeout(t *testing.T) {
	broker := NewMemoryBroker()
	defer broker.Close()

	ch, _ := broker.Channel()
	defer ch.Close()
	declareAndConsume(t, ch, "ex", "q", "svc", DeclareOptions{})

	start := time.Now()
	_, err := ch.DrainOnce(20 * time.Millisecond)
	if !errors.Is(err, ErrDrainTimeout) {
		t.Fatalf("expected ErrDrainTimeout, got %v", err)
	}
	if time.Since(start) < 20*time.Millisecond {
		t.Error("DrainOnce returned before its timeout")
	}
}

func TestMemoryRoutingKeyIsolation(t *testing.T) {
	broker := NewMemoryBroker()
	defer broker.Close()

	ch, _ := broker.Channel()
	defer ch.Close()
	declareAndConsume(t, ch, "ex", "q", "svc", DeclareOptions{})

	// Same exchange, different key: no delivery.
	if err := ch.Publish("ex", "other", Message{Body: []byte("x")}); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	if _, err := ch.DrainOnce(20 * time.Millisecond); !errors.Is(err, ErrDrainTimeout) {
		t.Fatalf("expected ErrDrainTimeout, got %v", err)
	}
}

func TestMemoryPublishUnknownExchange(t *testing.T) {
	broker := NewMemoryBroker()
	defer broker.Close()

	ch, _ := broker.Channel()
	defer ch.Close()

	err := ch.Publish("nope", "key", Message{Body: []byte("x")})
	if !errors.Is(err, ErrNoExchange) {
		t.Fatalf("expected ErrNoExchange, got %v", err)
	}
}

func TestMemoryExclusiveReclaimedOnClose(t *testing.T) {
	broker := NewMemoryBroker()
	defer broker.Close()

	pub, _ := broker.Channel()
	defer pub.Close()

	reply, _ := broker.Channel()
	opts := DeclareOptions{Exclusive: true, AutoDelete: true}
	declareAndConsume(t, reply, "tok", "tok", "tok", opts)

	if err := pub.Publish("tok", "tok", Message{Body: []byte("r")}); err != nil {
		t.Fatalf("Publish before close failed: %v", err)
	}
	if _, err := reply.DrainOnce(time.Second); err != nil {
		t.Fatalf("DrainOnce failed: %v", err)
	}

	reply.Close()

	// The exclusive pair is gone with its channel; a late reply has nowhere
	// to go.
	err := pub.Publish("tok", "tok", Message{Body: []byte("late")})
	if !errors.Is(err, ErrNoExchange) {
		t.Fatalf("expected ErrNoExchange after reclaim, got %v", err)
	}
}

func TestMemoryAckExactlyOnce(t *testing.T) {
	broker := NewMemoryBroker()
	defer broker.Close()

	ch, _ := broker.Channel()
	defer ch.Close()
	declareAndConsume(t, ch, "ex", "q", "svc", DeclareOptions{})

	if err := ch.Publish("ex", "svc", Message{Body: []byte("x")}); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	d, err := ch.DrainOnce(time.Second)
	if err != nil {
		t.Fatalf("DrainOnce failed: %v", err)
	}

	if err := ch.Ack(d.Tag); err != nil {
		t.Fatalf("first Ack failed: %v", err)
	}
	if err := ch.Ack(d.Tag); err == nil {
		t.Error("second Ack of the same tag should fail")
	}
	if err := ch.Ack("bogus"); err == nil {
		t.Error("Ack of an unknown tag should fail")
	}
}

func TestMemoryClosedBroker(t *testing.T) {
	broker := NewMemoryBroker()
	ch, err := broker.Channel()
	if err != nil {
		t.Fatalf("Channel failed: %v", err)
	}
	broker.Close()

	if err := ch.HeartbeatCheck(); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed from HeartbeatCheck, got %v", err)
	}
	if _, err := broker.Channel(); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed from Channel, got %v", err)
	}
}

func TestMemoryFanout(t *testing.T) {
	broker := NewMemoryBroker()
	defer broker.Close()

	a, _ := broker.Channel()
	defer a.Close()
	b, _ := broker.Channel()
	defer b.Close()
	declareAndConsume(t, a, "ex", "qa", "key", DeclareOptions{})
	declareAndConsume(t, b, "ex", "qb", "key", DeclareOptions{})

	if err := a.Publish("ex", "key", Message{Body: []byte("x")}); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	for _, ch := range []Channel{a, b} {
		if _, err := ch.DrainOnce(time.Second); err != nil {
			t.Fatalf("DrainOnce failed: %v", err)
		}
	}
}
