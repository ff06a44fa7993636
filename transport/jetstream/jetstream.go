// Package jetstream provides a NATS JetStream transport for streambridge.
package jetstream

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	wmnats "github.com/ThreeDotsLabs/watermill-nats/v2/pkg/nats"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/drblury/streambridge/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "nats-jetstream"

const (
	// DefaultMaxAge bounds how long a stream keeps messages.
	DefaultMaxAge = 7 * 24 * time.Hour

	// DefaultInactiveThreshold removes ephemeral consumers left behind by
	// dead sessions.
	DefaultInactiveThreshold = time.Minute
)

// ErrURLRequired is returned by Build when no NATS URL is configured.
var ErrURLRequired = errors.New("streambridge: nats url is required")

// ConnectionFactory allows overriding the connection creation for testing.
var ConnectionFactory = func(url string) (*nats.Conn, error) {
	return nats.Connect(url,
		nats.Name("streambridge"),
		nats.MaxReconnects(0),
	)
}

// JetStreamFactory allows overriding the JetStream context creation for testing.
var JetStreamFactory = func(nc *nats.Conn) (jetstream.JetStream, error) {
	return jetstream.New(nc)
}

func init() {
	Register()
}

// Register registers the JetStream transport with the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.NATSJetStreamCapabilities)
}

// Build connects to NATS and opens a session.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Session, error) {
	url := cfg.GetNATSURL()
	if url == "" {
		return nil, ErrURLRequired
	}

	nc, err := ConnectionFactory(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := JetStreamFactory(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	return NewSession(js, nc.Close, logger), nil
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.NATSJetStreamCapabilities
}

// Session is a transport.Session over a JetStream context. Each stream maps
// to a JetStream stream with a single subject of the same name.
type Session struct {
	js        jetstream.JetStream
	release   func()
	logger    watermill.LoggerAdapter
	marshaler wmnats.MarshalerUnmarshaler

	closeOnce sync.Once
	closed    chan struct{}
}

// NewSession wraps a JetStream context. release is called once on Close and
// may be nil.
func NewSession(js jetstream.JetStream, release func(), logger watermill.LoggerAdapter) *Session {
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	return &Session{
		js:        js,
		release:   release,
		logger:    logger,
		marshaler: &wmnats.NATSMarshaler{},
		closed:    make(chan struct{}),
	}
}

func (s *Session) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

// StreamName converts a stream name into a valid JetStream stream name.
func StreamName(stream string) string {
	return strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_").Replace(stream)
}

// DeclareStream creates or updates a file-backed stream with limits retention.
func (s *Session) DeclareStream(ctx context.Context, stream string) error {
	if stream == "" {
		return transport.ErrStreamRequired
	}
	if s.isClosed() {
		return transport.ErrSessionClosed
	}

	name := StreamName(stream)
	_, err := s.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      name,
		Subjects:  []string{name},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    DefaultMaxAge,
	})
	if err != nil {
		return fmt.Errorf("failed to declare stream %q: %w", name, err)
	}
	return nil
}

// Publish writes msg and waits for the JetStream publish ack.
func (s *Session) Publish(ctx context.Context, stream string, msg *message.Message) error {
	if stream == "" {
		return transport.ErrStreamRequired
	}
	if s.isClosed() {
		return transport.ErrSessionClosed
	}

	natsMsg, err := s.marshaler.Marshal(StreamName(stream), msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	if _, err := s.js.PublishMsg(ctx, natsMsg); err != nil {
		return fmt.Errorf("failed to publish to JetStream: %w", err)
	}
	return nil
}

// ConsumerConfig builds the ephemeral consumer configuration for opts.
func ConsumerConfig(stream string, opts transport.ConsumeOptions) jetstream.ConsumerConfig {
	cfg := jetstream.ConsumerConfig{
		FilterSubject:     StreamName(stream),
		AckPolicy:         jetstream.AckExplicitPolicy,
		MaxAckPending:     opts.PrefetchOrDefault(),
		InactiveThreshold: DefaultInactiveThreshold,
		DeliverPolicy:     jetstream.DeliverNewPolicy,
	}

	switch pos, ok := opts.Offset.Position(); {
	case ok && pos > 0:
		cfg.DeliverPolicy = jetstream.DeliverByStartSequencePolicy
		cfg.OptStartSeq = uint64(pos)
	case ok, opts.Offset.IsFirst():
		cfg.DeliverPolicy = jetstream.DeliverAllPolicy
	}
	return cfg
}

// Consume creates an ephemeral pull consumer and pulls one batch of up to
// prefetch messages at a time.
func (s *Session) Consume(ctx context.Context, stream string, opts transport.ConsumeOptions) (transport.Consumer, error) {
	if stream == "" {
		return nil, transport.ErrStreamRequired
	}
	if err := opts.Offset.Validate(); err != nil {
		return nil, err
	}
	if s.isClosed() {
		return nil, transport.ErrSessionClosed
	}

	cons, err := s.js.CreateConsumer(ctx, StreamName(stream), ConsumerConfig(stream, opts))
	if err != nil {
		return nil, fmt.Errorf("failed to create consumer: %w", err)
	}

	iter, err := cons.Messages(jetstream.PullMaxMessages(opts.PrefetchOrDefault()))
	if err != nil {
		return nil, fmt.Errorf("failed to start message iterator: %w", err)
	}

	feed := transport.NewFeed()
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
		case <-s.closed:
		case <-done:
		}
		iter.Stop()
	}()
	go s.consume(ctx, iter, feed, done)
	return feed, nil
}

func (s *Session) consume(ctx context.Context, iter jetstream.MessagesContext, feed *transport.Feed, done chan struct{}) {
	defer close(done)

	for {
		jsMsg, err := iter.Next()
		if err != nil {
			switch {
			case ctx.Err() != nil:
				feed.Finish(ctx.Err())
			case s.isClosed():
				feed.Finish(transport.ErrSessionClosed)
			default:
				feed.Finish(fmt.Errorf("jetstream consume: %w", err))
			}
			return
		}

		if err := s.deliver(ctx, feed, jsMsg); err != nil {
			feed.Finish(err)
			return
		}
	}
}

func (s *Session) deliver(ctx context.Context, feed *transport.Feed, jsMsg jetstream.Msg) error {
	msg, err := s.marshaler.Unmarshal(&nats.Msg{
		Subject: jsMsg.Subject(),
		Data:    jsMsg.Data(),
		Header:  jsMsg.Headers(),
	})
	if err != nil {
		s.logger.Error("Failed to unmarshal message, terminating delivery", err, watermill.LogFields{
			"subject": jsMsg.Subject(),
		})
		return jsMsg.Term()
	}

	if meta, err := jsMsg.Metadata(); err == nil {
		msg.Metadata.Set(transport.MetadataOffset, strconv.FormatUint(meta.Sequence.Stream, 10))
	}

	acked, err := feed.Deliver(ctx, s.closed, msg)
	if err != nil {
		return err
	}
	if acked {
		return jsMsg.Ack()
	}
	return jsMsg.Nak()
}

// Close stops all consumers and releases the connection.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		close(s.closed)
		if s.release != nil {
			s.release()
		}
	})
	return nil
}
