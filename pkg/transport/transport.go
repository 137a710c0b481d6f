// Package transport abstracts the publish/subscribe broker underneath the
// messaging layer. A Broker hands out Channels; a Channel can declare direct
// exchanges and bound queues, publish, drain one delivery at a time with a
// timeout, and acknowledge deliveries. Three implementations are provided:
// an in-process broker for tests and demos, RabbitMQ, and NATS.
package transport

import (
	"errors"
	"time"
)

var (
	// ErrDrainTimeout is returned by DrainOnce when no delivery arrives
	// within the timeout.
	ErrDrainTimeout = errors.New("drain timeout")

	// ErrClosed is returned when operating on a closed broker or channel.
	ErrClosed = errors.New("broker or channel closed")

	// ErrNoExchange is returned when publishing to an exchange that does not
	// exist, typically a reply exchange already reclaimed by auto-delete.
	ErrNoExchange = errors.New("no such exchange")

	// ErrNoQueue is returned when consuming from an undeclared queue.
	ErrNoQueue = errors.New("no such queue")
)

// Message is an outbound message body plus its headers.
type Message struct {
	Body    []byte
	Headers map[string]string
}

// Delivery is one inbound message. Tag identifies it for acknowledgment on
// the channel it was drained from.
type Delivery struct {
	Message
	Tag   string
	Queue string
}

// DeclareOptions control exchange and queue declaration.
type DeclareOptions struct {
	Durable    bool
	AutoDelete bool
	// Exclusive queues belong to the declaring channel and are deleted when
	// it closes. Used for per-call reply queues.
	Exclusive bool
}

// Broker is a connection to a message broker.
type Broker interface {
	// Channel checks out an independent unit of work. Channels are not safe
	// for concurrent use; callers serialize access per channel.
	Channel() (Channel, error)

	// Close tears down the connection and all its channels.
	Close() error
}

// Channel is a single-threaded view onto the broker.
type Channel interface {
	// Declare creates the direct exchange, and, when queue is non-empty, the
	// queue bound to it under routingKey. Declaring existing entities with
	// the same options is a no-op.
	Declare(exchange, queue, routingKey string, opts DeclareOptions) error

	// Publish routes msg through the exchange by routing key.
	Publish(exchange, routingKey string, msg Message) error

	// Consume registers this channel as the consumer of queue. Subsequent
	// DrainOnce calls yield its deliveries.
	Consume(queue string) error

	// DrainOnce blocks up to timeout for one delivery from the consumed
	// queue, returning ErrDrainTimeout on expiry.
	DrainOnce(timeout time.Duration) (*Delivery, error)

	// Ack acknowledges a delivery previously returned by DrainOnce.
	Ack(tag string) error

	// HeartbeatCheck verifies the broker connection is still alive.
	HeartbeatCheck() error

	// Close releases the channel and any exclusive queues it declared.
	Close() error
}
