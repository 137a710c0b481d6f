// Package courier provides request/reply and fire-and-forget messaging
// between named services over a shared broker. A service registers named
// operations with Handle and serves them with Consume; callers invoke them by
// logical service name with Call or Fire, without knowing where the service
// runs. Each Call gets its own ephemeral reply exchange and queue, named by a
// per-call correlation token, which the broker reclaims once the call is
// done.
package courier

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/odvcencio/courier/pkg/faults"
	"github.com/odvcencio/courier/pkg/transport"
	"github.com/odvcencio/courier/pkg/wire"
)

const (
	// DefaultExchange is the shared request exchange name.
	DefaultExchange = "courier"

	// DefaultInnerTimeout is the drain slice used by the consumer loop.
	// Cancellation latency and timeout accuracy are bounded by one slice.
	DefaultInnerTimeout = time.Second

	defaultPublisherPool = 4
)

// HandlerFunc is an operation implementation. The returned value is
// serialized into the reply's result; a returned error is marshalled into
// its error payload. Errors wrapping wire.ErrArgument are reported to the
// caller as BadRequest.
type HandlerFunc func(args wire.Args) (any, error)

// Conn is a service's connection to the messaging layer. One Conn carries a
// service identity (name plus optional sysname scope), publishes requests,
// and hosts at most one consumer engine for its own queue. Fire and Call may
// be used from multiple goroutines.
type Conn struct {
	name     string
	sysname  string
	exchange string

	durable      bool
	autoDelete   bool
	innerTimeout time.Duration
	heartbeat    time.Duration
	poolSize     int

	broker     transport.Broker
	log        *slog.Logger
	links      *faults.LinkTable
	publishers chan transport.Channel

	consumer *consumer
}

// Option configures a Conn.
type Option func(*Conn)

// WithSysname scopes all exchange, queue, and sender names under a prefix so
// independent deployments can share one broker.
func WithSysname(sysname string) Option {
	return func(c *Conn) { c.sysname = sysname }
}

// WithExchange overrides the shared request exchange name.
func WithExchange(name string) Option {
	return func(c *Conn) { c.exchange = name }
}

// WithDurable declares the service queue and exchange as durable.
func WithDurable(durable bool) Option {
	return func(c *Conn) { c.durable = durable }
}

// WithAutoDelete controls whether the service queue and exchange are deleted
// once unused. Defaults to true.
func WithAutoDelete(autoDelete bool) Option {
	return func(c *Conn) { c.autoDelete = autoDelete }
}

// WithInnerTimeout sets the consumer's drain slice. Must be at most half the
// heartbeat interval when heartbeating is enabled.
func WithInnerTimeout(d time.Duration) Option {
	return func(c *Conn) { c.innerTimeout = d }
}

// WithHeartbeat enables periodic broker liveness checks from the consumer
// loop. Zero disables heartbeating.
func WithHeartbeat(interval time.Duration) Option {
	return func(c *Conn) { c.heartbeat = interval }
}

// WithLogger sets the structured logger. Defaults to slog.Default.
func WithLogger(log *slog.Logger) Option {
	return func(c *Conn) { c.log = log }
}

// WithPublisherPoolSize caps the number of idle publisher channels kept for
// reuse.
func WithPublisherPoolSize(n int) Option {
	return func(c *Conn) { c.poolSize = n }
}

// Dial creates a connection for the named service on the given broker.
func Dial(broker transport.Broker, name string, opts ...Option) (*Conn, error) {
	if broker == nil {
		return nil, errors.New("broker must be set")
	}
	if name == "" {
		return nil, errors.New("service name must be set")
	}

	c := &Conn{
		name:         name,
		exchange:     DefaultExchange,
		autoDelete:   true,
		innerTimeout: DefaultInnerTimeout,
		poolSize:     defaultPublisherPool,
		broker:       broker,
		links:        faults.NewLinkTable(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.log == nil {
		c.log = slog.Default()
	}
	c.log = c.log.With(slog.String("service", c.addSysname(c.name)))
	c.publishers = make(chan transport.Channel, c.poolSize)

	if c.innerTimeout <= 0 {
		return nil, errors.New("inner timeout must be positive")
	}
	if c.heartbeat > 0 && c.innerTimeout > c.heartbeat/2 {
		return nil, fmt.Errorf("%w: inner timeout %s, heartbeat interval %s",
			faults.ErrHeartbeatConfig, c.innerTimeout, c.heartbeat)
	}
	return c, nil
}

// Name returns the unscoped service name.
func (c *Conn) Name() string { return c.name }

// Sysname returns the namespace prefix, if any.
func (c *Conn) Sysname() string { return c.sysname }

// addSysname prefixes s with the sysname scope. Namespacing is plain string
// concatenation, not a separate broker construct.
func (c *Conn) addSysname(s string) string {
	if c.sysname == "" {
		return s
	}
	return c.sysname + "." + s
}

func (c *Conn) exchangeName() string {
	return c.addSysname(c.exchange)
}

// Fire sends a request without waiting for a reply. Publish failures
// propagate to the caller; there is no error channel beyond that.
func (c *Conn) Fire(service, op string, args wire.Args) error {
	body, err := wire.EncodeRequest(op, args)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	msg := transport.Message{
		Body:    body,
		Headers: map[string]string{wire.HeaderSender: c.addSysname(c.name)},
	}
	return c.publish(c.exchangeName(), c.addSysname(service), msg)
}

// Call sends a request and blocks for its reply, up to timeout. The reply
// travels over an exclusive, auto-deleting exchange and queue named by a
// fresh correlation token; exactly one reply is drained. A remote failure
// comes back as a *faults.Error of the matching kind.
func (c *Conn) Call(ctx context.Context, service, op string, timeout time.Duration, args wire.Args) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if deadline, ok := ctx.Deadline(); ok {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, context.DeadlineExceeded
		}
		if remaining < timeout {
			timeout = remaining
		}
	}

	token := newToken()
	ch, err := c.broker.Channel()
	if err != nil {
		return nil, fmt.Errorf("reply channel: %w", err)
	}
	defer ch.Close()

	err = ch.Declare(token, token, token, transport.DeclareOptions{
		Exclusive:  true,
		AutoDelete: true,
	})
	if err != nil {
		return nil, fmt.Errorf("declare reply queue: %w", err)
	}
	if err := ch.Consume(token); err != nil {
		return nil, fmt.Errorf("consume reply queue: %w", err)
	}
	c.log.Debug("declared call reply queue", slog.String("token", token))

	body, err := wire.EncodeRequest(op, args)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	msg := transport.Message{
		Body: body,
		Headers: map[string]string{
			wire.HeaderSender:  c.addSysname(c.name),
			wire.HeaderReplyTo: token,
		},
	}
	if err := c.publish(c.exchangeName(), c.addSysname(service), msg); err != nil {
		metricCalls.WithLabelValues(outcomePublishError).Inc()
		return nil, err
	}

	d, err := ch.DrainOnce(timeout)
	if err != nil {
		if errors.Is(err, transport.ErrDrainTimeout) {
			metricCalls.WithLabelValues(outcomeTimeout).Inc()
			return nil, fmt.Errorf("%w: no reply from %s:%s within %s",
				faults.ErrTimeout, service, op, timeout)
		}
		return nil, err
	}
	if err := ch.Ack(d.Tag); err != nil {
		c.log.Warn("failed to ack reply", slog.String("token", token), slog.Any("error", err))
	}

	rep, err := wire.DecodeReply(d.Body)
	if err != nil {
		return nil, fmt.Errorf("decode reply: %w", err)
	}
	if rep.Error != nil {
		metricCalls.WithLabelValues(outcomeRemoteError).Inc()
		return nil, faults.Unmarshal(*rep.Error)
	}
	metricCalls.WithLabelValues(outcomeOK).Inc()
	return rep.Result, nil
}

// Reply publishes a reply envelope to the exchange named by the correlation
// token. Delivery is best-effort: the caller may already have timed out and
// had its queue reclaimed, so publish failures are logged and swallowed.
func (c *Conn) Reply(token string, rep wire.Reply) {
	body, err := wire.EncodeReply(rep)
	if err != nil {
		c.log.Error("failed to encode reply", slog.String("token", token), slog.Any("error", err))
		metricReplyFailures.Inc()
		return
	}
	if err := c.publish(token, token, transport.Message{Body: body}); err != nil {
		c.log.Warn("failed to reply", slog.String("token", token), slog.Any("error", err))
		metricReplyFailures.Inc()
		return
	}
	metricReplies.Inc()
}

// Handle registers a handler for the named operation, creating the consumer
// engine on first use. Registering a name again overwrites the previous
// entry.
func (c *Conn) Handle(op string, h HandlerFunc, opts ...HandleOption) error {
	if op == "" {
		return errors.New("operation name must be set")
	}
	if h == nil {
		return errors.New("operation handler must be set")
	}
	if c.consumer == nil {
		consumer, err := newConsumer(c)
		if err != nil {
			return err
		}
		c.consumer = consumer
	}
	c.consumer.addOp(op, h, opts...)
	return nil
}

// LinkException maps the dynamic type of sample to a canonical kind, so a
// handler raising that type is seen by remote callers as the canonical kind
// instead of a generic error.
func (c *Conn) LinkException(sample error, kind faults.Kind) error {
	return c.links.Add(sample, kind)
}

// Consume processes inbound requests on the calling goroutine. count bounds
// the number of messages handled (0 means until cancelled); timeout bounds
// the wait for each message (0 means wait indefinitely). Only one Consume
// may run per Conn at a time; a concurrent call fails immediately with
// faults.ErrConcurrentConsume.
func (c *Conn) Consume(count int, timeout time.Duration) error {
	if c.consumer == nil {
		return errors.New("no operations registered")
	}
	return c.consumer.consume(count, timeout)
}

// Cancel stops an active Consume loop in another goroutine. With block set it
// returns only once the loop has actually exited; the extra latency is
// bounded by one inner drain slice.
func (c *Conn) Cancel(block bool) {
	if c.consumer != nil {
		c.consumer.cancel(block)
	}
}

// Disconnect cancels the consumer's broker registration and releases this
// connection's channels. The broker itself stays open; it belongs to the
// caller.
func (c *Conn) Disconnect() error {
	var err error
	if c.consumer != nil {
		err = c.consumer.disconnect()
		c.consumer = nil
	}
	for {
		select {
		case ch := <-c.publishers:
			ch.Close()
		default:
			return err
		}
	}
}

// publish sends one message on a pooled publisher channel. The channel is
// held only for the duration of the publish, never across a blocking wait,
// and is discarded instead of reused if the publish failed.
func (c *Conn) publish(exchange, routingKey string, msg transport.Message) error {
	ch, err := c.checkoutPublisher()
	if err != nil {
		return err
	}
	if err := ch.Publish(exchange, routingKey, msg); err != nil {
		ch.Close()
		return fmt.Errorf("publish to %s/%s: %w", exchange, routingKey, err)
	}
	select {
	case c.publishers <- ch:
	default:
		ch.Close()
	}
	return nil
}

func (c *Conn) checkoutPublisher() (transport.Channel, error) {
	select {
	case ch := <-c.publishers:
		return ch, nil
	default:
	}
	ch, err := c.broker.Channel()
	if err != nil {
		return nil, fmt.Errorf("publisher channel: %w", err)
	}
	err = ch.Declare(c.exchangeName(), "", "", transport.DeclareOptions{
		Durable:    c.durable,
		AutoDelete: c.autoDelete,
	})
	if err != nil {
		ch.Close()
		return nil, fmt.Errorf("declare exchange: %w", err)
	}
	return ch, nil
}

// newToken mints a correlation token naming one call's ephemeral reply
// exchange and queue.
func newToken() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}
