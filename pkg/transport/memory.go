package transport

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
)

const memoryQueueDepth = 256

// MemoryBroker is an in-process Broker for tests and single-binary demos.
// It implements direct-exchange routing only; messages are not persisted.
type MemoryBroker struct {
	mu sync.RWMutex
	// exchange -> routing key -> bound queue names
	exchanges map[string]map[string][]string
	queues    map[string]*memoryQueue
	closed    atomic.Bool
}

type memoryQueue struct {
	name       string
	deliveries chan Delivery
}

// NewMemoryBroker creates an empty in-process broker.
func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{
		exchanges: make(map[string]map[string][]string),
		queues:    make(map[string]*memoryQueue),
	}
}

func (b *MemoryBroker) Channel() (Channel, error) {
	if b.closed.Load() {
		return nil, ErrClosed
	}
	return &memoryChannel{
		broker:  b,
		unacked: make(map[string]struct{}),
	}, nil
}

func (b *MemoryBroker) Close() error {
	if b.closed.Swap(true) {
		return ErrClosed
	}
	return nil
}

type ownedPair struct {
	exchange string
	queue    string
}

type memoryChannel struct {
	broker    *MemoryBroker
	mu        sync.Mutex
	consuming *memoryQueue
	owned     []ownedPair
	unacked   map[string]struct{}
	closed    atomic.Bool
}

func (c *memoryChannel) Declare(exchange, queue, routingKey string, opts DeclareOptions) error {
	if c.closed.Load() || c.broker.closed.Load() {
		return ErrClosed
	}

	b := c.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	bindings, ok := b.exchanges[exchange]
	if !ok {
		bindings = make(map[string][]string)
		b.exchanges[exchange] = bindings
	}
	if queue == "" {
		return nil
	}

	if _, ok := b.queues[queue]; !ok {
		b.queues[queue] = &memoryQueue{
			name:       queue,
			deliveries: make(chan Delivery, memoryQueueDepth),
		}
	}
	bound := false
	for _, name := range bindings[routingKey] {
		if name == queue {
			bound = true
			break
		}
	}
	if !bound {
		bindings[routingKey] = append(bindings[routingKey], queue)
	}

	if opts.Exclusive {
		c.mu.Lock()
		c.owned = append(c.owned, ownedPair{exchange: exchange, queue: queue})
		c.mu.Unlock()
	}
	return nil
}

func (c *memoryChannel) Publish(exchange, routingKey string, msg Message) error {
	if c.closed.Load() || c.broker.closed.Load() {
		return ErrClosed
	}

	b := c.broker
	b.mu.RLock()
	defer b.mu.RUnlock()

	bindings, ok := b.exchanges[exchange]
	if !ok {
		return fmt.Errorf("%w: %q", ErrNoExchange, exchange)
	}

	headers := make(map[string]string, len(msg.Headers))
	for k, v := range msg.Headers {
		headers[k] = v
	}

	for _, name := range bindings[routingKey] {
		q, ok := b.queues[name]
		if !ok {
			continue
		}
		d := Delivery{
			Message: Message{Body: msg.Body, Headers: headers},
			Tag:     ulid.Make().String(),
			Queue:   name,
		}
		// Non-blocking send: a full queue drops the message rather than
		// deadlocking a publisher against its own consumer.
		select {
		case q.deliveries <- d:
		default:
		}
	}
	return nil
}

func (c *memoryChannel) Consume(queue string) error {
	if c.closed.Load() || c.broker.closed.Load() {
		return ErrClosed
	}
	c.broker.mu.RLock()
	q, ok := c.broker.queues[queue]
	c.broker.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %q", ErrNoQueue, queue)
	}
	c.mu.Lock()
	c.consuming = q
	c.mu.Unlock()
	return nil
}

func (c *memoryChannel) DrainOnce(timeout time.Duration) (*Delivery, error) {
	if c.closed.Load() || c.broker.closed.Load() {
		return nil, ErrClosed
	}
	c.mu.Lock()
	q := c.consuming
	c.mu.Unlock()
	if q == nil {
		return nil, ErrNoQueue
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case d := <-q.deliveries:
		c.mu.Lock()
		c.unacked[d.Tag] = struct{}{}
		c.mu.Unlock()
		return &d, nil
	case <-timer.C:
		return nil, ErrDrainTimeout
	}
}

func (c *memoryChannel) Ack(tag string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.unacked[tag]; !ok {
		return fmt.Errorf("unknown delivery tag %q", tag)
	}
	delete(c.unacked, tag)
	return nil
}

func (c *memoryChannel) HeartbeatCheck() error {
	if c.closed.Load() || c.broker.closed.Load() {
		return ErrClosed
	}
	return nil
}

// Close releases the channel. Exclusive queues declared on it are deleted
// along with their private exchanges, which is how per-call reply queues get
// reclaimed once the caller is gone.
func (c *memoryChannel) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	b := c.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, p := range c.owned {
		delete(b.exchanges, p.exchange)
		delete(b.queues, p.queue)
	}
	c.owned = nil
	c.consuming = nil
	return nil
}
