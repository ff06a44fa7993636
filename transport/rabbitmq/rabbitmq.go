// Package rabbitmq provides a RabbitMQ stream-queue transport for streambridge.
//
// Streams are declared as durable queues with x-queue-type=stream, which keep
// every message and let each consumer pick its own starting point through
// the x-stream-offset argument. Publishing runs in confirm mode.
package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	wmamqp "github.com/ThreeDotsLabs/watermill-amqp/v3/pkg/amqp"
	"github.com/ThreeDotsLabs/watermill/message"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/drblury/streambridge/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "rabbitmq"

const (
	headerStreamOffset = "x-stream-offset"
	argQueueType       = "x-queue-type"
	queueTypeStream    = "stream"
)

var (
	// ErrURLRequired is returned by Build when no AMQP URL is configured.
	ErrURLRequired = errors.New("streambridge: rabbitmq url is required")
	// ErrNotConfirmed is returned when the broker nacks a publish.
	ErrNotConfirmed = errors.New("streambridge: rabbitmq did not confirm publish")
)

// ConnectionFactory allows overriding the connection creation for testing.
var ConnectionFactory = func(url string) (*amqp.Connection, error) {
	props := amqp.NewConnectionProperties()
	props.SetClientConnectionName("streambridge")
	return amqp.DialConfig(url, amqp.Config{
		Heartbeat:  10 * time.Second,
		Locale:     "en_US",
		Properties: props,
	})
}

func init() {
	Register()
}

// Register registers the RabbitMQ transport with the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.RabbitMQCapabilities)
}

// Build dials RabbitMQ and opens a session.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Session, error) {
	url := cfg.GetRabbitMQURL()
	if url == "" {
		return nil, ErrURLRequired
	}

	conn, err := ConnectionFactory(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}
	return NewSession(conn, logger)
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.RabbitMQCapabilities
}

// Session is a transport.Session over one AMQP connection. Publishes share a
// confirm-mode channel; every Consume opens its own channel.
type Session struct {
	conn      *amqp.Connection
	logger    watermill.LoggerAdapter
	marshaler wmamqp.DefaultMarshaler

	pubMu sync.Mutex
	pubCh *amqp.Channel

	closeOnce sync.Once
	closed    chan struct{}
	causeMu   sync.Mutex
	cause     error
}

// NewSession wraps an open connection. The connection is closed on error.
func NewSession(conn *amqp.Connection, logger watermill.LoggerAdapter) (*Session, error) {
	if logger == nil {
		logger = watermill.NopLogger{}
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to open publish channel: %w", err)
	}
	if err := ch.Confirm(false); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to enable publisher confirms: %w", err)
	}

	s := &Session{
		conn:   conn,
		logger: logger,
		pubCh:  ch,
		closed: make(chan struct{}),
	}
	go s.watch(conn.NotifyClose(make(chan *amqp.Error, 1)))
	return s, nil
}

func (s *Session) watch(notify <-chan *amqp.Error) {
	select {
	case amqpErr, ok := <-notify:
		if ok && amqpErr != nil {
			s.logger.Error("RabbitMQ connection lost", amqpErr, watermill.LogFields{
				"code":   amqpErr.Code,
				"reason": amqpErr.Reason,
			})
			s.causeMu.Lock()
			s.cause = fmt.Errorf("%w: %v", transport.ErrSessionClosed, amqpErr)
			s.causeMu.Unlock()
		}
		_ = s.Close()
	case <-s.closed:
	}
}

func (s *Session) closeErr() error {
	s.causeMu.Lock()
	defer s.causeMu.Unlock()
	if s.cause != nil {
		return s.cause
	}
	return transport.ErrSessionClosed
}

func (s *Session) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

// DeclareStream declares stream as a durable stream queue. The declaration
// runs on a throwaway channel so a precondition failure cannot break the
// publish channel.
func (s *Session) DeclareStream(ctx context.Context, stream string) error {
	if stream == "" {
		return transport.ErrStreamRequired
	}
	if s.isClosed() {
		return s.closeErr()
	}

	ch, err := s.conn.Channel()
	if err != nil {
		return fmt.Errorf("failed to open channel: %w", err)
	}
	defer ch.Close()

	_, err = ch.QueueDeclare(stream, true, false, false, false, amqp.Table{
		argQueueType: queueTypeStream,
	})
	if err != nil {
		return fmt.Errorf("failed to declare stream %q: %w", stream, err)
	}
	return nil
}

// Publish sends msg to the stream through the default exchange and waits
// for the broker confirmation.
func (s *Session) Publish(ctx context.Context, stream string, msg *message.Message) error {
	if stream == "" {
		return transport.ErrStreamRequired
	}
	if s.isClosed() {
		return s.closeErr()
	}

	publishing, err := s.marshaler.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	s.pubMu.Lock()
	defer s.pubMu.Unlock()

	confirm, err := s.pubCh.PublishWithDeferredConfirmWithContext(ctx, "", stream, false, false, publishing)
	if err != nil {
		return fmt.Errorf("failed to publish to %q: %w", stream, err)
	}
	if confirm == nil {
		return nil
	}
	ok, err := confirm.WaitContext(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotConfirmed
	}
	return nil
}

// Consume opens a dedicated channel, applies the prefetch limit and starts
// a stream consumer at the requested offset.
func (s *Session) Consume(ctx context.Context, stream string, opts transport.ConsumeOptions) (transport.Consumer, error) {
	if stream == "" {
		return nil, transport.ErrStreamRequired
	}
	if err := opts.Offset.Validate(); err != nil {
		return nil, err
	}
	if s.isClosed() {
		return nil, s.closeErr()
	}

	ch, err := s.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to open consume channel: %w", err)
	}
	if err := ch.Qos(opts.PrefetchOrDefault(), 0, false); err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("failed to set prefetch: %w", err)
	}

	deliveries, err := ch.ConsumeWithContext(ctx, stream, "", false, false, false, false, amqp.Table{
		headerStreamOffset: OffsetArgument(opts.Offset),
	})
	if err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("failed to consume %q: %w", stream, err)
	}

	feed := transport.NewFeed()
	go s.consume(ctx, ch, deliveries, ch.NotifyClose(make(chan *amqp.Error, 1)), feed)
	return feed, nil
}

func (s *Session) consume(ctx context.Context, ch *amqp.Channel, deliveries <-chan amqp.Delivery, chClosed <-chan *amqp.Error, feed *transport.Feed) {
	defer ch.Close()

	for {
		select {
		case d, ok := <-deliveries:
			if !ok {
				feed.Finish(s.consumeEndCause(ctx, chClosed))
				return
			}
			if err := s.deliver(ctx, feed, d); err != nil {
				feed.Finish(err)
				return
			}
		case <-ctx.Done():
			feed.Finish(ctx.Err())
			return
		case <-s.closed:
			feed.Finish(s.closeErr())
			return
		}
	}
}

func (s *Session) consumeEndCause(ctx context.Context, chClosed <-chan *amqp.Error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	select {
	case amqpErr, ok := <-chClosed:
		if ok && amqpErr != nil {
			return fmt.Errorf("rabbitmq channel closed: %w", amqpErr)
		}
	default:
	}
	return s.closeErr()
}

// deliver hands one delivery to the feed. Stream queues do not requeue on
// nack, so a nacked message is handed out again from memory until it is
// acked.
func (s *Session) deliver(ctx context.Context, feed *transport.Feed, d amqp.Delivery) error {
	offset, headers := splitHeaders(d.Headers)
	d.Headers = headers

	msg, err := s.marshaler.Unmarshal(d)
	if err != nil {
		s.logger.Error("Failed to unmarshal delivery, skipping", err, watermill.LogFields{
			"delivery_tag": d.DeliveryTag,
			"offset":       offset,
		})
		return d.Ack(false)
	}
	if offset >= 0 {
		msg.Metadata.Set(transport.MetadataOffset, strconv.FormatInt(offset, 10))
	}

	for {
		acked, err := feed.Deliver(ctx, s.closed, msg)
		if err != nil {
			return err
		}
		if acked {
			return d.Ack(false)
		}
		s.logger.Debug("Message nacked, redelivering", watermill.LogFields{
			"uuid":   msg.UUID,
			"offset": offset,
		})
		msg = msg.Copy()
	}
}

// Close closes the connection and with it every channel.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.closed)
		if s.conn != nil && !s.conn.IsClosed() {
			err = s.conn.Close()
		}
	})
	return err
}

// OffsetArgument converts an offset to the x-stream-offset consumer argument.
func OffsetArgument(o transport.Offset) any {
	if pos, ok := o.Position(); ok {
		return pos
	}
	if o.IsFirst() {
		return "first"
	}
	return "next"
}

// splitHeaders extracts the stream offset and stringifies the remaining
// headers, because message metadata only holds strings.
func splitHeaders(in amqp.Table) (int64, amqp.Table) {
	offset := int64(-1)
	out := make(amqp.Table, len(in))
	for k, v := range in {
		if k == headerStreamOffset {
			switch n := v.(type) {
			case int64:
				offset = n
			case int32:
				offset = int64(n)
			case int:
				offset = int64(n)
			}
			continue
		}
		switch val := v.(type) {
		case string:
			out[k] = val
		case []byte:
			out[k] = string(val)
		default:
			out[k] = fmt.Sprint(val)
		}
	}
	return offset, out
}
