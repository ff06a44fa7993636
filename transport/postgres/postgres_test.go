package postgres

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/streambridge/transport"
)

type mockConfig struct {
	url string
}

func (m *mockConfig) GetTransport() string      { return TransportName }
func (m *mockConfig) GetRabbitMQURL() string    { return "" }
func (m *mockConfig) GetNATSURL() string        { return "" }
func (m *mockConfig) GetKafkaBrokers() []string { return nil }
func (m *mockConfig) GetKafkaClientID() string  { return "" }
func (m *mockConfig) GetSQLiteFile() string     { return "" }
func (m *mockConfig) GetPostgresURL() string    { return m.url }
func (m *mockConfig) GetIOFile() string         { return "" }
func (m *mockConfig) GetPebbleDir() string      { return "" }

func TestRegister(t *testing.T) {
	orig := transport.DefaultRegistry
	defer func() { transport.DefaultRegistry = orig }()

	transport.DefaultRegistry = transport.NewRegistry()
	Register()

	assert.True(t, transport.DefaultRegistry.Has("postgres"))
	assert.True(t, transport.DefaultRegistry.Has("postgresql"))
	assert.Equal(t, "postgres", transport.GetCapabilities(TransportName).Name)
}

func TestCapabilities(t *testing.T) {
	assert.Equal(t, transport.PostgresCapabilities, Capabilities())
}

func TestConfig_withDefaults(t *testing.T) {
	result := Config{}.withDefaults()
	assert.Equal(t, 100*time.Millisecond, result.PollInterval)
	assert.Equal(t, 10, result.MaxOpenConns)
	assert.Equal(t, 5, result.MaxIdleConns)

	result = Config{PollInterval: time.Second, MaxOpenConns: 2, MaxIdleConns: 1}.withDefaults()
	assert.Equal(t, time.Second, result.PollInterval)
	assert.Equal(t, 2, result.MaxOpenConns)
	assert.Equal(t, 1, result.MaxIdleConns)
}

func TestDialect(t *testing.T) {
	assert.Equal(t, "SELECT $1, $2", Dialect.Rebind("SELECT ?, ?"))
	assert.Len(t, Dialect.Schema, 3)
}

func TestBuild_RequiresConnectionString(t *testing.T) {
	_, err := Build(context.Background(), &mockConfig{}, watermill.NopLogger{})
	assert.ErrorIs(t, err, ErrConnectionStringRequired)
}

func TestSession_Integration(t *testing.T) {
	url := os.Getenv("STREAMBRIDGE_POSTGRES_URL")
	if url == "" {
		t.Skip("STREAMBRIDGE_POSTGRES_URL not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	sess, err := Build(ctx, &mockConfig{url: url}, watermill.NopLogger{})
	require.NoError(t, err)
	defer sess.Close()

	stream := "streambridge-test-" + watermill.NewShortUUID()
	require.NoError(t, sess.DeclareStream(ctx, stream))
	require.NoError(t, sess.DeclareStream(ctx, stream))

	msg := message.NewMessage(watermill.NewUUID(), []byte(`{"n":1}`))
	msg.Metadata.Set("correlation_id", "c1")
	require.NoError(t, sess.Publish(ctx, stream, msg))

	c, err := sess.Consume(ctx, stream, transport.ConsumeOptions{Offset: transport.First})
	require.NoError(t, err)

	select {
	case got := <-c.Messages():
		require.NotNil(t, got)
		assert.Equal(t, msg.UUID, got.UUID)
		assert.Equal(t, "c1", got.Metadata.Get("correlation_id"))
		assert.NotEmpty(t, got.Metadata.Get(transport.MetadataOffset))
		got.Ack()
	case <-ctx.Done():
		t.Fatal("no message received")
	}
}
