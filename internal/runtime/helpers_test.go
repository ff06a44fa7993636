package runtime

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/stretchr/testify/require"

	"github.com/drblury/streambridge/transport"
	"github.com/drblury/streambridge/transport/channel"
)

var errBrokerDown = errors.New("broker down")

// brokerDialer opens sessions on an in-memory broker.
func brokerDialer(b *channel.Broker) transport.Dialer {
	return func(ctx context.Context) (transport.Session, error) {
		return b.Session(nil), nil
	}
}

func newBrokerConn(t *testing.T, b *channel.Broker, stream string, opts ...ConnectionOption) *ConnectionManager {
	t.Helper()
	conn, err := NewConnectionManager(stream, brokerDialer(b), opts...)
	require.NoError(t, err)
	return conn
}

// publishRaw appends payloads to stream directly on the broker.
func publishRaw(t *testing.T, b *channel.Broker, stream string, payloads ...string) {
	t.Helper()
	session := b.Session(nil)
	defer session.Close()
	for i, p := range payloads {
		msg := message.NewMessage(string(rune('a'+i))+"-"+p, []byte(p))
		require.NoError(t, session.Publish(context.Background(), stream, msg))
	}
}

// fakeSession is a transport.Session with injectable failures.
type fakeSession struct {
	mu         sync.Mutex
	declareErr error
	publishErr error
	published  []*message.Message
	closed     bool
}

func (s *fakeSession) DeclareStream(ctx context.Context, stream string) error {
	return s.declareErr
}

func (s *fakeSession) Publish(ctx context.Context, stream string, msg *message.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.publishErr != nil {
		return s.publishErr
	}
	s.published = append(s.published, msg)
	return nil
}

func (s *fakeSession) Consume(ctx context.Context, stream string, opts transport.ConsumeOptions) (transport.Consumer, error) {
	return nil, errors.New("consume not supported by fake session")
}

func (s *fakeSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *fakeSession) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// fakeDialer hands out sessions built by next and remembers them.
type fakeDialer struct {
	mu       sync.Mutex
	next     func(n int) (*fakeSession, error)
	sessions []*fakeSession
	dials    int
}

func (d *fakeDialer) Dial(ctx context.Context) (transport.Session, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	s, err := d.next(d.dials)
	if err != nil {
		return nil, err
	}
	d.sessions = append(d.sessions, s)
	return s, nil
}

func (d *fakeDialer) Sessions() []*fakeSession {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*fakeSession(nil), d.sessions...)
}

func alwaysFailing(err error) *fakeDialer {
	return &fakeDialer{next: func(int) (*fakeSession, error) {
		return &fakeSession{publishErr: err}, nil
	}}
}

// noSleep records requested pauses without waiting.
type noSleep struct {
	mu    sync.Mutex
	waits []time.Duration
}

func (n *noSleep) sleep(ctx context.Context, d time.Duration) error {
	n.mu.Lock()
	n.waits = append(n.waits, d)
	n.mu.Unlock()
	return ctx.Err()
}

func (n *noSleep) Waits() []time.Duration {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]time.Duration(nil), n.waits...)
}

func startBackground(t *testing.T, s *Subscriber, offset transport.Offset) {
	t.Helper()
	require.NoError(t, s.Start(context.Background(), StartOptions{Mode: ModeBackground, Offset: offset}))
	t.Cleanup(func() { _ = s.Stop() })
}

func getOne(t *testing.T, s *Subscriber) Message {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	msg, err := s.GetOne(ctx)
	require.NoError(t, err)
	return msg
}
