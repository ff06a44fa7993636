package io

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/streambridge/transport"
)

type mockConfig struct {
	ioFile string
}

func (m *mockConfig) GetTransport() string      { return TransportName }
func (m *mockConfig) GetRabbitMQURL() string    { return "" }
func (m *mockConfig) GetNATSURL() string        { return "" }
func (m *mockConfig) GetKafkaBrokers() []string { return nil }
func (m *mockConfig) GetKafkaClientID() string  { return "" }
func (m *mockConfig) GetSQLiteFile() string     { return "" }
func (m *mockConfig) GetPostgresURL() string    { return "" }
func (m *mockConfig) GetIOFile() string         { return m.ioFile }
func (m *mockConfig) GetPebbleDir() string      { return "" }

func TestRegister(t *testing.T) {
	orig := transport.DefaultRegistry
	defer func() { transport.DefaultRegistry = orig }()

	transport.DefaultRegistry = transport.NewRegistry()
	Register()

	caps := transport.GetCapabilities(TransportName)
	assert.Equal(t, "io", caps.Name)
	assert.True(t, caps.SupportsOrdering)
	assert.False(t, caps.SupportsPublishConfirm)
}

func TestCapabilities(t *testing.T) {
	assert.Equal(t, transport.IOCapabilities, Capabilities())
}

func TestBuild(t *testing.T) {
	testFile := filepath.Join(t.TempDir(), "test_messages.jsonl")

	sess, err := Build(context.Background(), &mockConfig{ioFile: testFile}, watermill.NopLogger{})
	require.NoError(t, err)
	defer sess.Close()

	_, err = os.Stat(testFile)
	assert.NoError(t, err)
}

func openSession(t *testing.T, path string) *Session {
	t.Helper()
	s, err := Open(path, 5*time.Millisecond, watermill.NopLogger{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func receive(t *testing.T, c transport.Consumer) *message.Message {
	t.Helper()
	select {
	case msg, ok := <-c.Messages():
		require.True(t, ok, "consumer closed: %v", c.Err())
		return msg
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for message")
		return nil
	}
}

func TestSession_PublishWritesJSONLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "log.jsonl")
	s := openSession(t, path)

	msg := message.NewMessage("id-1", []byte(`{"a":1}`))
	msg.Metadata.Set("k", "v")
	require.NoError(t, s.Publish(context.Background(), "flights", msg))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"stream":"flights"`)
	assert.Contains(t, string(data), `"uuid":"id-1"`)
	assert.Equal(t, byte('\n'), data[len(data)-1])
}

func TestSession_ReplayFiltersStreams(t *testing.T) {
	path := filepath.Join(t.TempDir(), "log.jsonl")
	pub := openSession(t, path)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, pub.Publish(ctx, "a", message.NewMessage("1", []byte("a0"))))
	require.NoError(t, pub.Publish(ctx, "b", message.NewMessage("2", []byte("b0"))))
	require.NoError(t, pub.Publish(ctx, "a", message.NewMessage("3", []byte("a1"))))

	sub := openSession(t, path)
	c, err := sub.Consume(ctx, "a", transport.ConsumeOptions{Offset: transport.First})
	require.NoError(t, err)

	msg := receive(t, c)
	assert.Equal(t, "a0", string(msg.Payload))
	assert.Equal(t, "0", msg.Metadata.Get(transport.MetadataOffset))
	msg.Ack()

	msg = receive(t, c)
	assert.Equal(t, "a1", string(msg.Payload))
	assert.Equal(t, "1", msg.Metadata.Get(transport.MetadataOffset))
	msg.Ack()

	require.NoError(t, pub.Publish(ctx, "a", message.NewMessage("4", []byte("a2"))))
	msg = receive(t, c)
	assert.Equal(t, "a2", string(msg.Payload))
	msg.Ack()
}

func TestSession_LastAndAt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "log.jsonl")
	s := openSession(t, path)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, s.Publish(ctx, "a", message.NewMessage("1", []byte("x"))))
	require.NoError(t, s.Publish(ctx, "a", message.NewMessage("2", []byte("y"))))

	tail, err := s.Consume(ctx, "a", transport.ConsumeOptions{Offset: transport.Last})
	require.NoError(t, err)
	at, err := s.Consume(ctx, "a", transport.ConsumeOptions{Offset: transport.At(1)})
	require.NoError(t, err)

	require.NoError(t, s.Publish(ctx, "a", message.NewMessage("3", []byte("z"))))

	msg := receive(t, tail)
	assert.Equal(t, "z", string(msg.Payload))
	msg.Ack()

	msg = receive(t, at)
	assert.Equal(t, "y", string(msg.Payload))
	msg.Nack()
	msg = receive(t, at)
	assert.Equal(t, "y", string(msg.Payload))
	msg.Ack()
}

func TestSession_Close(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "log.jsonl"), 0, nil)
	require.NoError(t, err)

	c, err := s.Consume(context.Background(), "a", transport.ConsumeOptions{})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	_, ok := <-c.Messages()
	assert.False(t, ok)
	assert.ErrorIs(t, c.Err(), transport.ErrSessionClosed)
	assert.ErrorIs(t, s.Publish(context.Background(), "a", message.NewMessage("1", nil)), transport.ErrSessionClosed)
}
