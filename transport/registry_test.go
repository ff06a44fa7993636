package transport

import (
	"context"
	"errors"
	"testing"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockConfig struct {
	transport string
}

func (m *mockConfig) GetTransport() string      { return m.transport }
func (m *mockConfig) GetRabbitMQURL() string    { return "" }
func (m *mockConfig) GetNATSURL() string        { return "" }
func (m *mockConfig) GetKafkaBrokers() []string { return nil }
func (m *mockConfig) GetKafkaClientID() string  { return "" }
func (m *mockConfig) GetSQLiteFile() string     { return "" }
func (m *mockConfig) GetPostgresURL() string    { return "" }
func (m *mockConfig) GetIOFile() string         { return "" }
func (m *mockConfig) GetPebbleDir() string      { return "" }

type mockSession struct {
	closed bool
}

func (m *mockSession) DeclareStream(context.Context, string) error { return nil }

func (m *mockSession) Publish(context.Context, string, *message.Message) error { return nil }

func (m *mockSession) Consume(context.Context, string, ConsumeOptions) (Consumer, error) {
	f := NewFeed()
	f.Finish(nil)
	return f, nil
}

func (m *mockSession) Close() error {
	m.closed = true
	return nil
}

func mockBuilder(context.Context, Config, watermill.LoggerAdapter) (Session, error) {
	return &mockSession{}, nil
}

func TestNewRegistry(t *testing.T) {
	reg := NewRegistry()
	assert.NotNil(t, reg)
	assert.NotNil(t, reg.builders)
	assert.NotNil(t, reg.capabilities)
	assert.Empty(t, reg.Names())
}

func TestRegistry_Register(t *testing.T) {
	reg := NewRegistry()

	reg.Register("test-transport", mockBuilder)
	assert.True(t, reg.Has("test-transport"))
	assert.Contains(t, reg.Names(), "test-transport")
	assert.Equal(t, Capabilities{Name: "test-transport"}, reg.GetCapabilities("test-transport"))
}

func TestRegistry_RegisterWithCapabilities(t *testing.T) {
	reg := NewRegistry()

	reg.RegisterWithCapabilities("pebble", mockBuilder, PebbleCapabilities)
	assert.True(t, reg.Has("pebble"))
	assert.Equal(t, PebbleCapabilities, reg.GetCapabilities("pebble"))
}

func TestRegistry_Build(t *testing.T) {
	reg := NewRegistry()
	reg.Register("mock", mockBuilder)

	sess, err := reg.Build(context.Background(), &mockConfig{transport: "mock"}, watermill.NopLogger{})
	require.NoError(t, err)
	require.NotNil(t, sess)
	require.NoError(t, sess.Close())
}

func TestRegistry_BuildUnknownTransport(t *testing.T) {
	reg := NewRegistry()
	reg.Register("a", mockBuilder)

	_, err := reg.Build(context.Background(), &mockConfig{transport: "b"}, watermill.NopLogger{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown transport: "b"`)
	assert.Contains(t, err.Error(), "[a]")
}

func TestRegistry_BuildNilConfig(t *testing.T) {
	_, err := NewRegistry().Build(context.Background(), nil, watermill.NopLogger{})
	require.Error(t, err)
}

func TestRegistry_BuildPropagatesBuilderError(t *testing.T) {
	reg := NewRegistry()
	boom := errors.New("dial failed")
	reg.Register("broken", func(context.Context, Config, watermill.LoggerAdapter) (Session, error) {
		return nil, boom
	})

	_, err := reg.Build(context.Background(), &mockConfig{transport: "broken"}, nil)
	assert.ErrorIs(t, err, boom)
}

func TestRegistry_NamesSorted(t *testing.T) {
	reg := NewRegistry()
	reg.Register("zeta", mockBuilder)
	reg.Register("alpha", mockBuilder)
	reg.Register("mid", mockBuilder)

	assert.Equal(t, []string{"alpha", "mid", "zeta"}, reg.Names())
}

func TestNewDialer(t *testing.T) {
	reg := NewRegistry()
	calls := 0
	reg.Register("mock", func(context.Context, Config, watermill.LoggerAdapter) (Session, error) {
		calls++
		return &mockSession{}, nil
	})

	dial := NewDialer(reg, &mockConfig{transport: "mock"}, nil)
	for i := 0; i < 3; i++ {
		sess, err := dial(context.Background())
		require.NoError(t, err)
		require.NotNil(t, sess)
	}
	assert.Equal(t, 3, calls)
}
