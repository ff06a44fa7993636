package jetstream

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	wmnats "github.com/ThreeDotsLabs/watermill-nats/v2/pkg/nats"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/drblury/streambridge/transport"
)

// --- Mocks ---

type mockConfig struct {
	url string
}

func (m *mockConfig) GetTransport() string      { return TransportName }
func (m *mockConfig) GetRabbitMQURL() string    { return "" }
func (m *mockConfig) GetNATSURL() string        { return m.url }
func (m *mockConfig) GetKafkaBrokers() []string { return nil }
func (m *mockConfig) GetKafkaClientID() string  { return "" }
func (m *mockConfig) GetSQLiteFile() string     { return "" }
func (m *mockConfig) GetPostgresURL() string    { return "" }
func (m *mockConfig) GetIOFile() string         { return "" }
func (m *mockConfig) GetPebbleDir() string      { return "" }

type MockJetStream struct {
	mock.Mock
	jetstream.JetStream
}

func (m *MockJetStream) CreateOrUpdateStream(ctx context.Context, cfg jetstream.StreamConfig) (jetstream.Stream, error) {
	args := m.Called(ctx, cfg)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(jetstream.Stream), args.Error(1)
}

func (m *MockJetStream) CreateConsumer(ctx context.Context, stream string, cfg jetstream.ConsumerConfig) (jetstream.Consumer, error) {
	args := m.Called(ctx, stream, cfg)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(jetstream.Consumer), args.Error(1)
}

func (m *MockJetStream) PublishMsg(ctx context.Context, msg *nats.Msg, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error) {
	args := m.Called(ctx, msg)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*jetstream.PubAck), args.Error(1)
}

type MockStream struct {
	mock.Mock
	jetstream.Stream
}

type MockConsumer struct {
	mock.Mock
	jetstream.Consumer
}

func (m *MockConsumer) Messages(opts ...jetstream.PullMessagesOpt) (jetstream.MessagesContext, error) {
	args := m.Called(opts)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(jetstream.MessagesContext), args.Error(1)
}

// fakeIterator hands out queued messages and reports ErrMsgIteratorClosed
// once stopped.
type fakeIterator struct {
	jetstream.MessagesContext
	msgs    chan jetstream.Msg
	stopped chan struct{}
}

func newFakeIterator(msgs ...jetstream.Msg) *fakeIterator {
	it := &fakeIterator{
		msgs:    make(chan jetstream.Msg, len(msgs)),
		stopped: make(chan struct{}),
	}
	for _, m := range msgs {
		it.msgs <- m
	}
	return it
}

func (f *fakeIterator) Next(opts ...jetstream.NextOpt) (jetstream.Msg, error) {
	select {
	case <-f.stopped:
		return nil, jetstream.ErrMsgIteratorClosed
	default:
	}
	select {
	case m := <-f.msgs:
		return m, nil
	case <-f.stopped:
		return nil, jetstream.ErrMsgIteratorClosed
	}
}

func (f *fakeIterator) Stop() {
	select {
	case <-f.stopped:
	default:
		close(f.stopped)
	}
}

type fakeMsg struct {
	jetstream.Msg
	raw    *nats.Msg
	seq    uint64
	result chan string
}

func newFakeMsg(t *testing.T, seq uint64, payload string) *fakeMsg {
	t.Helper()
	wm := message.NewMessage(watermill.NewUUID(), []byte(payload))
	wm.Metadata.Set("correlation_id", "c1")
	raw, err := (&wmnats.NATSMarshaler{}).Marshal("orders", wm)
	require.NoError(t, err)
	return &fakeMsg{raw: raw, seq: seq, result: make(chan string, 4)}
}

func (f *fakeMsg) Subject() string      { return f.raw.Subject }
func (f *fakeMsg) Data() []byte         { return f.raw.Data }
func (f *fakeMsg) Headers() nats.Header { return f.raw.Header }
func (f *fakeMsg) Ack() error           { f.result <- "ack"; return nil }
func (f *fakeMsg) Nak() error           { f.result <- "nak"; return nil }
func (f *fakeMsg) Term() error          { f.result <- "term"; return nil }
func (f *fakeMsg) Metadata() (*jetstream.MsgMetadata, error) {
	return &jetstream.MsgMetadata{Sequence: jetstream.SequencePair{Stream: f.seq}}, nil
}

// --- Tests ---

func TestRegister(t *testing.T) {
	orig := transport.DefaultRegistry
	defer func() { transport.DefaultRegistry = orig }()

	transport.DefaultRegistry = transport.NewRegistry()
	Register()

	caps := transport.GetCapabilities(TransportName)
	assert.Equal(t, "nats-jetstream", caps.Name)
	assert.True(t, caps.SupportsNumericOffset)
	assert.True(t, caps.SupportsNack)
}

func TestCapabilities(t *testing.T) {
	assert.Equal(t, transport.NATSJetStreamCapabilities, Capabilities())
}

func TestBuild(t *testing.T) {
	t.Run("requires url", func(t *testing.T) {
		_, err := Build(context.Background(), &mockConfig{}, watermill.NopLogger{})
		assert.ErrorIs(t, err, ErrURLRequired)
	})

	t.Run("propagates connection error", func(t *testing.T) {
		orig := ConnectionFactory
		defer func() { ConnectionFactory = orig }()

		boom := errors.New("no servers available")
		ConnectionFactory = func(url string) (*nats.Conn, error) {
			assert.Equal(t, "nats://localhost:4222", url)
			return nil, boom
		}

		_, err := Build(context.Background(), &mockConfig{url: "nats://localhost:4222"}, nil)
		assert.ErrorIs(t, err, boom)
	})
}

func TestStreamName(t *testing.T) {
	assert.Equal(t, "flights_positions", StreamName("flights.positions"))
	assert.Equal(t, "a_b_c", StreamName("a*b>c"))
	assert.Equal(t, "chat", StreamName("chat"))
}

func TestConsumerConfig(t *testing.T) {
	tests := []struct {
		name     string
		opts     transport.ConsumeOptions
		policy   jetstream.DeliverPolicy
		startSeq uint64
		pending  int
	}{
		{name: "last", opts: transport.ConsumeOptions{}, policy: jetstream.DeliverNewPolicy, pending: 1},
		{name: "first", opts: transport.ConsumeOptions{Offset: transport.First, Prefetch: 5}, policy: jetstream.DeliverAllPolicy, pending: 5},
		{name: "at", opts: transport.ConsumeOptions{Offset: transport.At(12)}, policy: jetstream.DeliverByStartSequencePolicy, startSeq: 12, pending: 1},
		{name: "at zero", opts: transport.ConsumeOptions{Offset: transport.At(0)}, policy: jetstream.DeliverAllPolicy, pending: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := ConsumerConfig("flights.positions", tt.opts)
			assert.Equal(t, tt.policy, cfg.DeliverPolicy)
			assert.Equal(t, tt.startSeq, cfg.OptStartSeq)
			assert.Equal(t, tt.pending, cfg.MaxAckPending)
			assert.Equal(t, jetstream.AckExplicitPolicy, cfg.AckPolicy)
			assert.Equal(t, "flights_positions", cfg.FilterSubject)
		})
	}
}

func TestSession_DeclareStream(t *testing.T) {
	js := new(MockJetStream)
	js.On("CreateOrUpdateStream", mock.Anything, mock.MatchedBy(func(cfg jetstream.StreamConfig) bool {
		return cfg.Name == "flights_positions" &&
			cfg.Storage == jetstream.FileStorage &&
			len(cfg.Subjects) == 1 && cfg.Subjects[0] == "flights_positions"
	})).Return(new(MockStream), nil)

	s := NewSession(js, nil, nil)
	require.NoError(t, s.DeclareStream(context.Background(), "flights.positions"))
	js.AssertExpectations(t)
}

func TestSession_DeclareStreamError(t *testing.T) {
	js := new(MockJetStream)
	boom := errors.New("insufficient resources")
	js.On("CreateOrUpdateStream", mock.Anything, mock.Anything).Return(nil, boom)

	s := NewSession(js, nil, nil)
	assert.ErrorIs(t, s.DeclareStream(context.Background(), "s"), boom)
}

func TestSession_Publish(t *testing.T) {
	js := new(MockJetStream)
	js.On("PublishMsg", mock.Anything, mock.MatchedBy(func(m *nats.Msg) bool {
		return m.Subject == "chat" && string(m.Data) == `{"a":1}`
	})).Return(&jetstream.PubAck{Stream: "chat", Sequence: 1}, nil)

	s := NewSession(js, nil, nil)
	require.NoError(t, s.Publish(context.Background(), "chat", message.NewMessage("id", []byte(`{"a":1}`))))
	js.AssertExpectations(t)
}

func TestSession_PublishError(t *testing.T) {
	js := new(MockJetStream)
	boom := errors.New("timeout")
	js.On("PublishMsg", mock.Anything, mock.Anything).Return(nil, boom)

	s := NewSession(js, nil, nil)
	assert.ErrorIs(t, s.Publish(context.Background(), "chat", message.NewMessage("id", nil)), boom)
}

func TestSession_Consume(t *testing.T) {
	msgA := newFakeMsg(t, 7, "a")
	msgB := newFakeMsg(t, 8, "b")
	iter := newFakeIterator(msgA, msgB)

	consumer := new(MockConsumer)
	consumer.On("Messages", mock.Anything).Return(iter, nil)
	js := new(MockJetStream)
	js.On("CreateConsumer", mock.Anything, "orders", mock.Anything).Return(consumer, nil)

	released := false
	s := NewSession(js, func() { released = true }, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c, err := s.Consume(ctx, "orders", transport.ConsumeOptions{Offset: transport.First})
	require.NoError(t, err)

	first := <-c.Messages()
	assert.Equal(t, "a", string(first.Payload))
	assert.Equal(t, "7", first.Metadata.Get(transport.MetadataOffset))
	assert.Equal(t, "c1", first.Metadata.Get("correlation_id"))
	first.Ack()
	assert.Equal(t, "ack", <-msgA.result)

	second := <-c.Messages()
	assert.Equal(t, "b", string(second.Payload))
	second.Nack()
	assert.Equal(t, "nak", <-msgB.result)

	require.NoError(t, s.Close())
	assert.True(t, released)

	select {
	case _, open := <-c.Messages():
		assert.False(t, open)
	case <-time.After(2 * time.Second):
		t.Fatal("consumer did not stop after close")
	}
	assert.ErrorIs(t, c.Err(), transport.ErrSessionClosed)
}

func TestSession_ClosedRejectsCalls(t *testing.T) {
	s := NewSession(new(MockJetStream), nil, nil)
	require.NoError(t, s.Close())

	ctx := context.Background()
	assert.ErrorIs(t, s.DeclareStream(ctx, "s"), transport.ErrSessionClosed)
	assert.ErrorIs(t, s.Publish(ctx, "s", message.NewMessage("1", nil)), transport.ErrSessionClosed)
	_, err := s.Consume(ctx, "s", transport.ConsumeOptions{})
	assert.ErrorIs(t, err, transport.ErrSessionClosed)
}

func TestSession_Integration(t *testing.T) {
	url := os.Getenv("STREAMBRIDGE_NATS_URL")
	if url == "" {
		t.Skip("STREAMBRIDGE_NATS_URL not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	sess, err := Build(ctx, &mockConfig{url: url}, watermill.NopLogger{})
	require.NoError(t, err)
	defer sess.Close()

	stream := "streambridge_test_" + watermill.NewShortUUID()
	require.NoError(t, sess.DeclareStream(ctx, stream))
	require.NoError(t, sess.Publish(ctx, stream, message.NewMessage(watermill.NewUUID(), []byte(`{"n":1}`))))

	c, err := sess.Consume(ctx, stream, transport.ConsumeOptions{Offset: transport.First})
	require.NoError(t, err)

	select {
	case got := <-c.Messages():
		require.NotNil(t, got)
		assert.Equal(t, `{"n":1}`, string(got.Payload))
		assert.Equal(t, "1", got.Metadata.Get(transport.MetadataOffset))
		got.Ack()
	case <-ctx.Done():
		t.Fatal("no message received")
	}
}
