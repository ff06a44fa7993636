package runtime

import (
	"context"
	"fmt"
	"sync"

	"github.com/ThreeDotsLabs/watermill/message"

	errspkg "github.com/drblury/streambridge/internal/runtime/errors"
	loggingpkg "github.com/drblury/streambridge/internal/runtime/logging"
	"github.com/drblury/streambridge/transport"
)

// Default subscriber tuning.
const (
	DefaultQueueCapacity = 10
	DefaultPrefetch      = 1
)

// Mode selects how a Subscriber hands out messages.
type Mode int

const (
	// ModeBlocking runs the consume loop on the caller of Start and passes
	// every delivery to a Handler.
	ModeBlocking Mode = iota
	// ModeBackground runs the loop in its own goroutine and buffers messages
	// in a bounded queue read with GetOne.
	ModeBackground
)

func (m Mode) String() string {
	switch m {
	case ModeBlocking:
		return "blocking"
	case ModeBackground:
		return "background"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// State is the lifecycle position of a Subscriber.
type State int

const (
	StateCreated State = iota
	StateSubscribed
	StateConsuming
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateSubscribed:
		return "subscribed"
	case StateConsuming:
		return "consuming"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Delivery is a message passed to a blocking Handler. The handler settles it
// with exactly one Ack or Nack; later calls are ignored.
type Delivery struct {
	Message

	raw     *message.Message
	settled bool
	acked   bool
}

// Ack confirms the delivery; the next message follows.
func (d *Delivery) Ack() {
	if d.settled {
		return
	}
	d.settled = true
	d.acked = true
	d.raw.Ack()
}

// Nack rejects the delivery so the transport hands it out again.
func (d *Delivery) Nack() {
	if d.settled {
		return
	}
	d.settled = true
	d.raw.Nack()
}

// Settled reports whether Ack or Nack was called.
func (d *Delivery) Settled() bool { return d.settled }

// Handler processes one delivery in blocking mode.
type Handler func(ctx context.Context, d *Delivery) error

// StartOptions selects the mode and starting position of a subscription.
type StartOptions struct {
	Mode    Mode
	Offset  transport.Offset
	Handler Handler
}

// Subscriber consumes one stream through its ConnectionManager.
type Subscriber struct {
	conn     *ConnectionManager
	capacity int
	prefetch int
	dedup    *Deduplicator[string, string]
	keyFunc  KeyFunc
	logger   loggingpkg.ServiceLogger
	metrics  *Metrics

	mu       sync.Mutex
	state    State
	starting bool
	mode     Mode
	queue    chan Message
	cancel   context.CancelFunc
	done     chan struct{}
	err      error
}

// SubscriberOption customises a Subscriber.
type SubscriberOption func(*Subscriber)

// WithQueueCapacity sets the bounded queue size used in background mode.
func WithQueueCapacity(n int) SubscriberOption {
	return func(s *Subscriber) { s.capacity = n }
}

// WithPrefetch bounds the unacknowledged messages the broker may push.
func WithPrefetch(n int) SubscriberOption {
	return func(s *Subscriber) { s.prefetch = n }
}

// WithDeduplication acknowledges and skips deliveries that d reports as
// duplicates under keyFunc.
func WithDeduplication(d *Deduplicator[string, string], keyFunc KeyFunc) SubscriberOption {
	return func(s *Subscriber) {
		s.dedup = d
		s.keyFunc = keyFunc
	}
}

// WithSubscriberLogger sets the logger for subscription lifecycle events.
func WithSubscriberLogger(log loggingpkg.ServiceLogger) SubscriberOption {
	return func(s *Subscriber) { s.logger = loggingpkg.OrNop(log) }
}

// WithSubscriberMetrics records deliveries, duplicates and queue depth on m.
func WithSubscriberMetrics(m *Metrics) SubscriberOption {
	return func(s *Subscriber) { s.metrics = m }
}

// NewSubscriber creates a Subscriber in StateCreated.
func NewSubscriber(conn *ConnectionManager, opts ...SubscriberOption) (*Subscriber, error) {
	if conn == nil {
		return nil, errspkg.ErrConnectionRequired
	}
	s := &Subscriber{
		conn:     conn,
		capacity: DefaultQueueCapacity,
		prefetch: DefaultPrefetch,
		logger:   loggingpkg.NewNopServiceLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.capacity <= 0 {
		return nil, errspkg.ErrInvalidQueueCapacity
	}
	s.logger = s.logger.With(loggingpkg.LogFields{"stream": conn.Stream()})
	return s, nil
}

// Stream returns the consumed stream.
func (s *Subscriber) Stream() string { return s.conn.Stream() }

// Start connects, subscribes at opts.Offset and consumes. In ModeBlocking it
// returns when the loop ends: nil after Stop or cancellation of ctx, the
// cause otherwise. In ModeBackground it returns once the subscription is
// open; ctx bounds only the dial and Stop is the one way to end the loop.
//
// The subscriber lock is not held while dialing, so State, Len, Flush and
// Stop stay responsive. A Stop issued during the dial makes Start release
// the session and return nil.
func (s *Subscriber) Start(ctx context.Context, opts StartOptions) error {
	s.mu.Lock()
	if s.state != StateCreated || s.starting {
		s.mu.Unlock()
		return errspkg.ErrAlreadyStarted
	}
	if opts.Mode == ModeBlocking && opts.Handler == nil {
		s.mu.Unlock()
		return errspkg.ErrHandlerRequired
	}
	if err := opts.Offset.Validate(); err != nil {
		s.mu.Unlock()
		return err
	}
	s.starting = true
	s.mode = opts.Mode
	done := make(chan struct{})
	s.done = done
	if opts.Mode == ModeBackground {
		s.queue = make(chan Message, s.capacity)
	}
	s.mu.Unlock()

	parent := ctx
	if opts.Mode == ModeBackground {
		parent = context.WithoutCancel(ctx)
	}
	runCtx, cancel := context.WithCancel(parent)

	consumer, err := s.subscribe(ctx, runCtx, opts.Offset)
	if err != nil {
		cancel()
		s.abortStart(done)
		return err
	}

	s.mu.Lock()
	s.starting = false
	if s.state == StateStopped {
		s.mu.Unlock()
		cancel()
		_ = s.conn.Close()
		close(done)
		return nil
	}
	s.state = StateSubscribed
	s.cancel = cancel
	s.logger.Info("Subscribed to stream", loggingpkg.LogFields{
		"mode":   opts.Mode.String(),
		"offset": opts.Offset.String(),
	})
	s.state = StateConsuming
	s.mu.Unlock()

	if opts.Mode == ModeBackground {
		go func() {
			s.finish(s.consume(runCtx, consumer, s.enqueue))
		}()
		return nil
	}

	handler := opts.Handler
	err = s.consume(runCtx, consumer, func(ctx context.Context, raw *message.Message, msg Message) error {
		return s.handle(ctx, handler, raw, msg)
	})
	s.finish(err)
	return err
}

// subscribe dials with ctx and opens the consumer on runCtx.
func (s *Subscriber) subscribe(ctx, runCtx context.Context, offset transport.Offset) (transport.Consumer, error) {
	session, err := s.conn.Connect(ctx)
	if err != nil {
		return nil, err
	}
	consumer, err := session.Consume(runCtx, s.conn.Stream(), transport.ConsumeOptions{
		Offset:   offset,
		Prefetch: s.prefetch,
	})
	if err != nil {
		_ = s.conn.Close()
		return nil, fmt.Errorf("subscribe: %w", err)
	}
	return consumer, nil
}

// abortStart undoes a failed Start. The subscriber may be started again
// unless Stop ran in the meantime.
func (s *Subscriber) abortStart(done chan struct{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.starting = false
	if s.state == StateStopped {
		close(done)
		return
	}
	s.done = nil
	s.queue = nil
}

type deliverFunc func(ctx context.Context, raw *message.Message, msg Message) error

func (s *Subscriber) consume(ctx context.Context, consumer transport.Consumer, deliver deliverFunc) error {
	stream := s.conn.Stream()
	for {
		select {
		case <-ctx.Done():
			return nil
		case raw, ok := <-consumer.Messages():
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				if err := consumer.Err(); err != nil {
					return err
				}
				return errspkg.ErrSubscriptionClosed
			}
			if ctx.Err() != nil {
				// Left unsettled; the transport hands it out again later.
				return nil
			}

			msg := newMessage(stream, raw)
			if s.isDuplicate(msg) {
				raw.Ack()
				s.metrics.RecordDuplicate(stream)
				s.logger.Trace("Skipping duplicate message", loggingpkg.LogFields{
					"message_uuid": msg.UUID,
					"offset":       msg.Offset,
				})
				continue
			}

			if err := deliver(ctx, raw, msg); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
		}
	}
}

// enqueue hands msg to the bounded queue and acknowledges it once queued.
func (s *Subscriber) enqueue(ctx context.Context, raw *message.Message, msg Message) error {
	select {
	case s.queue <- msg:
	case <-ctx.Done():
		return ctx.Err()
	}
	raw.Ack()
	s.metrics.RecordDelivered(msg.Stream)
	s.metrics.SetQueueDepth(msg.Stream, len(s.queue))
	return nil
}

func (s *Subscriber) handle(ctx context.Context, handler Handler, raw *message.Message, msg Message) error {
	d := &Delivery{Message: msg, raw: raw}
	if err := handler(ctx, d); err != nil {
		if !d.settled {
			d.Nack()
		}
		return err
	}
	if !d.settled {
		return errspkg.ErrDeliveryNotSettled
	}
	if d.acked {
		s.metrics.RecordDelivered(msg.Stream)
	}
	return nil
}

func (s *Subscriber) isDuplicate(msg Message) bool {
	if s.dedup == nil || s.keyFunc == nil {
		return false
	}
	key, ordering, ok := s.keyFunc(msg)
	if !ok {
		return false
	}
	return s.dedup.IsDuplicate(key, ordering)
}

// finish records the loop result and releases the session.
func (s *Subscriber) finish(err error) {
	s.mu.Lock()
	if err != nil {
		s.err = err
		s.logger.Error("Consume loop ended", err, nil)
	}
	s.state = StateStopped
	cancel := s.cancel
	done := s.done
	s.mu.Unlock()

	cancel()
	_ = s.conn.Close()
	close(done)
}

// GetOne returns the oldest queued message, waiting until one arrives. Once
// the loop has ended, queued messages are still returned; after that an
// error matching ErrSubscriptionClosed is returned.
func (s *Subscriber) GetOne(ctx context.Context) (Message, error) {
	s.mu.Lock()
	state, mode, queue, done := s.state, s.mode, s.queue, s.done
	s.mu.Unlock()

	if state == StateCreated {
		return Message{}, errspkg.ErrNotStarted
	}
	if mode != ModeBackground {
		return Message{}, errspkg.ErrNotBackground
	}

	select {
	case msg := <-queue:
		s.metrics.SetQueueDepth(msg.Stream, len(queue))
		return msg, nil
	case <-done:
		select {
		case msg := <-queue:
			s.metrics.SetQueueDepth(msg.Stream, len(queue))
			return msg, nil
		default:
			return Message{}, s.closedError()
		}
	case <-ctx.Done():
		return Message{}, ctx.Err()
	}
}

func (s *Subscriber) closedError() error {
	if err := s.Err(); err != nil {
		return fmt.Errorf("%w: %w", errspkg.ErrSubscriptionClosed, err)
	}
	return errspkg.ErrSubscriptionClosed
}

// Flush discards every queued message without waiting and returns how many
// were dropped.
func (s *Subscriber) Flush() int {
	s.mu.Lock()
	queue := s.queue
	s.mu.Unlock()
	if queue == nil {
		return 0
	}

	n := 0
	for {
		select {
		case <-queue:
			n++
		default:
			stream := s.conn.Stream()
			s.metrics.RecordFlushed(stream, n)
			s.metrics.SetQueueDepth(stream, len(queue))
			if n > 0 {
				s.logger.Debug("Flushed queued messages", loggingpkg.LogFields{"count": n})
			}
			return n
		}
	}
}

// Stop cancels the loop, closes the session and, in background mode, waits
// for the consuming goroutine to exit. It returns ErrNotStarted before Start;
// later calls are no-ops. Called while Start is still dialing, it leaves the
// cleanup to Start.
func (s *Subscriber) Stop() error {
	s.mu.Lock()
	switch {
	case s.state == StateCreated && s.starting:
		s.state = StateStopped
		s.mu.Unlock()
		s.logger.Info("Subscriber stopped while connecting", nil)
		return nil
	case s.state == StateCreated:
		s.mu.Unlock()
		return errspkg.ErrNotStarted
	case s.state == StateStopped:
		s.mu.Unlock()
		return nil
	}
	s.state = StateStopped
	cancel, done, mode := s.cancel, s.done, s.mode
	s.mu.Unlock()

	cancel()
	err := s.conn.Close()
	if mode == ModeBackground {
		<-done
	}
	s.logger.Info("Subscriber stopped", nil)
	return err
}

// State returns the lifecycle state.
func (s *Subscriber) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err returns the error that ended the loop, or nil.
func (s *Subscriber) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Len returns the number of queued messages.
func (s *Subscriber) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}
