// Package channel provides an in-memory stream transport for streambridge.
// This transport is useful for testing and local development: every session
// built from the same Broker sees the same streams, with full replay.
package channel

import (
	"context"
	"strconv"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/streambridge/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "channel"

// DefaultBroker backs sessions created through the registry.
var DefaultBroker = NewBroker()

// BrokerFactory allows overriding the broker used by Build for testing.
var BrokerFactory = func() *Broker {
	return DefaultBroker
}

func init() {
	Register()
}

// Register registers the channel transport with the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.ChannelCapabilities)
}

// Build creates a new session on the broker returned by BrokerFactory.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Session, error) {
	return BrokerFactory().Session(logger), nil
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.ChannelCapabilities
}

// Broker holds the append-only logs of all streams.
type Broker struct {
	mu      sync.Mutex
	streams map[string]*streamLog
}

type streamLog struct {
	msgs []*message.Message
	// changed is closed and replaced on every append.
	changed chan struct{}
}

// NewBroker returns an empty broker.
func NewBroker() *Broker {
	return &Broker{streams: make(map[string]*streamLog)}
}

// Session opens a new session on the broker.
func (b *Broker) Session(logger watermill.LoggerAdapter) *Session {
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	return &Session{
		broker: b,
		logger: logger,
		closed: make(chan struct{}),
	}
}

// Len returns the number of messages stored in stream.
func (b *Broker) Len(stream string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if l, ok := b.streams[stream]; ok {
		return len(l.msgs)
	}
	return 0
}

// Messages returns a snapshot of the stream content.
func (b *Broker) Messages(stream string) []*message.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	l, ok := b.streams[stream]
	if !ok {
		return nil
	}
	out := make([]*message.Message, len(l.msgs))
	copy(out, l.msgs)
	return out
}

// must be called with b.mu held
func (b *Broker) logFor(stream string) *streamLog {
	l, ok := b.streams[stream]
	if !ok {
		l = &streamLog{changed: make(chan struct{})}
		b.streams[stream] = l
	}
	return l
}

func (b *Broker) declare(stream string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.logFor(stream)
}

func (b *Broker) append(stream string, msg *message.Message) int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	l := b.logFor(stream)
	l.msgs = append(l.msgs, msg.Copy())
	close(l.changed)
	l.changed = make(chan struct{})
	return int64(len(l.msgs) - 1)
}

// at returns the message stored at pos, or nil and a channel that is closed
// once the stream grows.
func (b *Broker) at(stream string, pos int64) (*message.Message, <-chan struct{}) {
	b.mu.Lock()
	defer b.mu.Unlock()
	l := b.logFor(stream)
	if pos < int64(len(l.msgs)) {
		return l.msgs[pos], nil
	}
	return nil, l.changed
}

func (b *Broker) start(stream string, offset transport.Offset) int64 {
	if pos, ok := offset.Position(); ok {
		return pos
	}
	if offset.IsFirst() {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return int64(len(b.logFor(stream).msgs))
}

// Session is a transport.Session bound to a Broker.
type Session struct {
	broker    *Broker
	logger    watermill.LoggerAdapter
	closeOnce sync.Once
	closed    chan struct{}
}

func (s *Session) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

// DeclareStream implements transport.Session.
func (s *Session) DeclareStream(ctx context.Context, stream string) error {
	if stream == "" {
		return transport.ErrStreamRequired
	}
	if s.isClosed() {
		return transport.ErrSessionClosed
	}
	s.broker.declare(stream)
	return nil
}

// Publish implements transport.Session.
func (s *Session) Publish(ctx context.Context, stream string, msg *message.Message) error {
	if stream == "" {
		return transport.ErrStreamRequired
	}
	if s.isClosed() {
		return transport.ErrSessionClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	pos := s.broker.append(stream, msg)
	s.logger.Trace("Message appended", watermill.LogFields{
		"stream":    stream,
		"offset":    pos,
		"uuid":      msg.UUID,
		"transport": TransportName,
	})
	return nil
}

// Consume implements transport.Session.
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

	feed := transport.NewFeed()
	pos := s.broker.start(stream, opts.Offset)
	go s.consume(ctx, stream, pos, feed)
	return feed, nil
}

func (s *Session) consume(ctx context.Context, stream string, pos int64, feed *transport.Feed) {
	for {
		stored, wait := s.broker.at(stream, pos)
		if stored == nil {
			select {
			case <-wait:
				continue
			case <-ctx.Done():
				feed.Finish(ctx.Err())
				return
			case <-s.closed:
				feed.Finish(transport.ErrSessionClosed)
				return
			}
		}

		msg := stored.Copy()
		msg.Metadata.Set(transport.MetadataOffset, strconv.FormatInt(pos, 10))

		acked, err := feed.Deliver(ctx, s.closed, msg)
		if err != nil {
			feed.Finish(err)
			return
		}
		if acked {
			pos++
		}
	}
}

// Close implements transport.Session.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		close(s.closed)
	})
	return nil
}
