package transport

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// NATSBroker maps the exchange/queue model onto NATS subjects: a routing key
// on an exchange becomes the subject "<exchange>.<routingKey>", and a bound
// queue becomes a synchronous subscription on that subject. Core NATS
// delivers at-most-once, so Ack is a no-op and auto-delete falls out of
// unsubscribing.
type NATSBroker struct {
	conn     *nats.Conn
	ownsConn bool
}

// DialNATS connects to a NATS server, e.g. "nats://localhost:4222".
func DialNATS(url string, opts ...nats.Option) (*NATSBroker, error) {
	conn, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	return &NATSBroker{conn: conn, ownsConn: true}, nil
}

// NewNATSBrokerFromConn wraps an existing connection. Useful for testing
// against an embedded server; the caller keeps ownership.
func NewNATSBrokerFromConn(conn *nats.Conn) *NATSBroker {
	return &NATSBroker{conn: conn}
}

func (b *NATSBroker) Channel() (Channel, error) {
	if b.conn.IsClosed() {
		return nil, ErrClosed
	}
	return &natsChannel{
		conn: b.conn,
		subs: make(map[string]*nats.Subscription),
	}, nil
}

func (b *NATSBroker) Close() error {
	if !b.ownsConn {
		return nil
	}
	b.conn.Close()
	return nil
}

type natsChannel struct {
	conn      *nats.Conn
	mu        sync.Mutex
	subs      map[string]*nats.Subscription
	consuming *nats.Subscription
}

func subject(exchange, routingKey string) string {
	return exchange + "." + routingKey
}

func (c *natsChannel) Declare(exchange, queue, routingKey string, opts DeclareOptions) error {
	if queue == "" {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.subs[queue]; ok {
		return nil
	}
	sub, err := c.conn.SubscribeSync(subject(exchange, routingKey))
	if err != nil {
		return fmt.Errorf("declare queue %q: %w", queue, err)
	}
	c.subs[queue] = sub
	return nil
}

func (c *natsChannel) Publish(exchange, routingKey string, msg Message) error {
	m := nats.NewMsg(subject(exchange, routingKey))
	m.Data = msg.Body
	for k, v := range msg.Headers {
		m.Header.Set(k, v)
	}
	return c.conn.PublishMsg(m)
}

func (c *natsChannel) Consume(queue string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	sub, ok := c.subs[queue]
	if !ok {
		return fmt.Errorf("%w: %q", ErrNoQueue, queue)
	}
	c.consuming = sub
	return nil
}

func (c *natsChannel) DrainOnce(timeout time.Duration) (*Delivery, error) {
	c.mu.Lock()
	sub := c.consuming
	c.mu.Unlock()
	if sub == nil {
		return nil, ErrNoQueue
	}

	m, err := sub.NextMsg(timeout)
	if err != nil {
		if errors.Is(err, nats.ErrTimeout) {
			return nil, ErrDrainTimeout
		}
		if errors.Is(err, nats.ErrConnectionClosed) || errors.Is(err, nats.ErrBadSubscription) {
			return nil, ErrClosed
		}
		return nil, err
	}

	headers := make(map[string]string, len(m.Header))
	for k := range m.Header {
		headers[k] = m.Header.Get(k)
	}
	return &Delivery{
		Message: Message{Body: m.Data, Headers: headers},
		Tag:     "", // at-most-once delivery, nothing to ack
		Queue:   sub.Subject,
	}, nil
}

func (c *natsChannel) Ack(tag string) error {
	return nil
}

func (c *natsChannel) HeartbeatCheck() error {
	if c.conn.IsClosed() {
		return fmt.Errorf("nats heartbeat: %w", ErrClosed)
	}
	return c.conn.FlushTimeout(2 * time.Second)
}

func (c *natsChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for name, sub := range c.subs {
		_ = sub.Unsubscribe()
		delete(c.subs, name)
	}
	c.consuming = nil
	return nil
}
