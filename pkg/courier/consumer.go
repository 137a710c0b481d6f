package courier

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/odvcencio/courier/pkg/faults"
	"github.com/odvcencio/courier/pkg/transport"
	"github.com/odvcencio/courier/pkg/wire"
)

// operation is one registry entry. params, when set, is the explicit
// argument schema validated before invocation; senderParam names the
// argument the caller's identity is injected under.
type operation struct {
	name        string
	handler     HandlerFunc
	params      []string
	senderParam string
}

// HandleOption configures one registered operation.
type HandleOption func(*operation)

// WithParams declares the operation's argument schema. Requests missing one
// of these arguments, or carrying arguments outside them, fail with
// BadRequest before the handler runs.
func WithParams(names ...string) HandleOption {
	return func(op *operation) { op.params = names }
}

// WithSenderParam injects the caller's namespaced identity into the
// operation's arguments under the given key.
func WithSenderParam(key string) HandleOption {
	return func(op *operation) { op.senderParam = key }
}

// consumer drains the service queue and dispatches requests to registered
// handlers. Dispatch runs synchronously on the goroutine driving consume, so
// a slow handler stalls heartbeats and cancellation checks until it returns.
type consumer struct {
	conn  *Conn
	ch    transport.Channel
	queue string

	opsMu sync.RWMutex
	ops   map[string]operation

	// runLock is held for the whole of one consume loop. It is acquired
	// non-blocking, so a second concurrent consume fails immediately, and
	// cancel(block) can wait on it to observe the loop's exit.
	runLock   sync.Mutex
	cancelled atomic.Bool

	lastHeartbeat time.Time
}

// newConsumer declares the service queue bound to the shared exchange under
// the namespaced service name and registers as its consumer.
func newConsumer(c *Conn) (*consumer, error) {
	ch, err := c.broker.Channel()
	if err != nil {
		return nil, fmt.Errorf("consumer channel: %w", err)
	}
	queue := c.addSysname(c.name)
	err = ch.Declare(c.exchangeName(), queue, queue, transport.DeclareOptions{
		Durable:    c.durable,
		AutoDelete: c.autoDelete,
	})
	if err != nil {
		ch.Close()
		return nil, fmt.Errorf("declare service queue: %w", err)
	}
	if err := ch.Consume(queue); err != nil {
		ch.Close()
		return nil, fmt.Errorf("consume service queue: %w", err)
	}
	c.log.Debug("declared service queue", slog.String("queue", queue))
	return &consumer{
		conn:  c,
		ch:    ch,
		queue: queue,
		ops:   make(map[string]operation),
	}, nil
}

// addOp registers an operation. Last write wins on duplicate names.
func (s *consumer) addOp(name string, h HandlerFunc, opts ...HandleOption) {
	op := operation{name: name, handler: h}
	for _, opt := range opts {
		opt(&op)
	}
	s.opsMu.Lock()
	s.ops[name] = op
	s.opsMu.Unlock()
}

func (s *consumer) consume(count int, timeout time.Duration) error {
	if !s.runLock.TryLock() {
		return faults.ErrConcurrentConsume
	}
	defer func() {
		s.cancelled.Store(false)
		s.runLock.Unlock()
	}()

	for i := 0; count == 0 || i < count; i++ {
		if s.cancelled.Load() {
			return nil
		}
		if err := s.consumeOne(timeout); err != nil {
			return err
		}
	}
	return nil
}

// consumeOne waits for a single message and dispatches it. The transport's
// blocking drain has no interrupt, so cancellation is observed by polling in
// bounded slices; elapsed time accumulates across slices, and the final
// slice shrinks so the caller's timeout is not overshot.
func (s *consumer) consumeOne(timeout time.Duration) error {
	slice := s.conn.innerTimeout
	var elapsed time.Duration

	for !s.cancelled.Load() {
		if err := s.heartbeat(); err != nil {
			return err
		}

		d, err := s.ch.DrainOnce(slice)
		if err == nil {
			s.dispatch(d)
			return nil
		}
		if !errors.Is(err, transport.ErrDrainTimeout) {
			return err
		}

		if timeout > 0 {
			elapsed += slice
			if elapsed >= timeout {
				return fmt.Errorf("%w: no message within %s", faults.ErrTimeout, timeout)
			}
			if remaining := timeout - elapsed; remaining < slice {
				slice = remaining
			}
		}
	}
	return nil
}

// heartbeat runs the transport liveness check at most every half interval.
// An inner slice larger than half the interval could miss every heartbeat
// window, so that configuration is fatal.
func (s *consumer) heartbeat() error {
	interval := s.conn.heartbeat
	if interval == 0 {
		return nil
	}
	tick := interval / 2
	if s.conn.innerTimeout > tick {
		return fmt.Errorf("%w: inner timeout %s, heartbeat interval %s",
			faults.ErrHeartbeatConfig, s.conn.innerTimeout, interval)
	}
	if time.Since(s.lastHeartbeat) > tick {
		s.lastHeartbeat = time.Now()
		return s.ch.HeartbeatCheck()
	}
	return nil
}

// cancel flags the active loop to stop. With block set it waits for the run
// lock, i.e. for the loop to actually exit.
func (s *consumer) cancel(block bool) {
	s.cancelled.Store(true)
	if block {
		// acquiring the lock is the wait; nothing to do while holding it
		s.runLock.Lock()
		s.runLock.Unlock()
	}
}

func (s *consumer) disconnect() error {
	return s.ch.Close()
}

// dispatch processes one inbound request. The message is acknowledged on
// every path, including malformed bodies and unknown operations: a bad
// message must never block the queue. A reply is attempted iff the request
// carried a reply-to token.
func (s *consumer) dispatch(d *transport.Delivery) {
	defer func() {
		if err := s.ch.Ack(d.Tag); err != nil {
			s.conn.log.Warn("failed to ack message", slog.String("queue", s.queue), slog.Any("error", err))
		}
	}()

	sender := d.Headers[wire.HeaderSender]
	replyTo := d.Headers[wire.HeaderReplyTo]

	result, err := s.invoke(d.Body, sender)

	switch {
	case err == nil:
		metricDispatches.WithLabelValues(outcomeOK).Inc()
	case errors.Is(err, errBadRequest):
		metricDispatches.WithLabelValues(outcomeBadRequest).Inc()
	case errors.Is(err, errUnknownOp):
		metricDispatches.WithLabelValues(outcomeUnknownOp).Inc()
	default:
		metricDispatches.WithLabelValues(outcomeHandlerError).Inc()
	}

	if replyTo == "" {
		if err != nil {
			s.conn.log.Error("handler failed with no reply channel",
				slog.String("queue", s.queue), slog.Any("error", err))
		}
		return
	}

	rep := wire.Reply{Result: result}
	if err != nil {
		payload := faults.Marshal(err, s.conn.links)
		rep = wire.Reply{Error: &payload}
	}
	s.conn.Reply(replyTo, rep)
}

// Sentinels for dispatch outcome accounting; both are canonical kinds when
// marshalled.
var (
	errBadRequest = faults.New(faults.BadRequest, "")
	errUnknownOp  = faults.New(faults.UnknownOperation, "")
)

// invoke parses the body, resolves the operation, validates its argument
// schema, and runs the handler. Panics in handlers are contained here; the
// consume loop must survive any single message.
func (s *consumer) invoke(body []byte, sender string) (result any, err error) {
	req, derr := wire.DecodeRequest(body)
	if derr != nil {
		s.conn.log.Warn("failed to interpret message body", slog.String("queue", s.queue), slog.Any("error", derr))
		return nil, faults.Newf(faults.BadRequest, "invalid request: %v", derr)
	}

	s.opsMu.RLock()
	op, ok := s.ops[req.Op]
	s.opsMu.RUnlock()
	if !ok {
		return nil, faults.Newf(faults.UnknownOperation, "unknown operation: %s", req.Op)
	}

	args := req.Args
	if op.senderParam != "" {
		args[op.senderParam] = sender
	}
	if err := validateParams(op, args); err != nil {
		return nil, err
	}

	defer func() {
		if r := recover(); r != nil {
			s.conn.log.Error("handler panicked",
				slog.String("queue", s.queue), slog.String("op", req.Op), slog.Any("panic", r))
			result = nil
			err = faults.Newf(faults.Generic, "handler panic in %s: %v", req.Op, r)
		}
	}()

	result, err = op.handler(args)
	if err != nil {
		if errors.Is(err, wire.ErrArgument) {
			return nil, faults.Newf(faults.BadRequest, "%v", err)
		}
		s.conn.log.Error("error in handler",
			slog.String("queue", s.queue), slog.String("op", req.Op), slog.Any("error", err))
		return nil, err
	}
	return result, nil
}

// validateParams enforces the operation's declared argument schema. Any
// shape mismatch maps uniformly to BadRequest.
func validateParams(op operation, args wire.Args) error {
	if len(op.params) == 0 {
		return nil
	}
	allowed := make(map[string]struct{}, len(op.params)+1)
	for _, name := range op.params {
		if _, ok := args[name]; !ok {
			return faults.Newf(faults.BadRequest, "%s: missing argument %q", op.name, name)
		}
		allowed[name] = struct{}{}
	}
	if op.senderParam != "" {
		allowed[op.senderParam] = struct{}{}
	}
	for name := range args {
		if _, ok := allowed[name]; !ok {
			return faults.Newf(faults.BadRequest, "%s: unexpected argument %q", op.name, name)
		}
	}
	return nil
}
