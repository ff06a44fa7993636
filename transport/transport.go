// Package transport defines the broker contract used by the stream bridge.
// Each transport implementation (rabbitmq, jetstream, kafka, etc.) lives in its
// own sub-package and registers itself with the transport registry.
package transport

import (
	"context"
	"errors"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
)

// MetadataOffset is set by consuming transports on every delivered message.
// It carries the transport-native position of the message inside its stream.
const MetadataOffset = "streambridge_offset"

var (
	// ErrSessionClosed is reported when a session is used after Close.
	ErrSessionClosed = errors.New("streambridge: session is closed")
	// ErrOffsetUnsupported is returned when a transport cannot start at the
	// requested offset.
	ErrOffsetUnsupported = errors.New("streambridge: offset is not supported by transport")
	// ErrStreamRequired is returned when a stream name is empty.
	ErrStreamRequired = errors.New("streambridge: stream name is required")
)

// Session is one live connection to a broker. A session is never reused after
// Close; callers obtain a fresh one from a Dialer.
type Session interface {
	// DeclareStream ensures the stream exists as a durable, replayable stream,
	// creating it when absent.
	DeclareStream(ctx context.Context, stream string) error

	// Publish writes msg to the stream and returns once the broker accepted it.
	Publish(ctx context.Context, stream string, msg *message.Message) error

	// Consume starts reading stream at opts.Offset. Messages are handed out
	// one at a time; the next one is only sent after the previous was acked
	// or nacked.
	Consume(ctx context.Context, stream string, opts ConsumeOptions) (Consumer, error)

	// Close releases the connection. Running consumers observe the close and
	// terminate.
	Close() error
}

// Consumer is the reading side of one Consume call.
type Consumer interface {
	// Messages is closed when the consumption ends.
	Messages() <-chan *message.Message

	// Err reports why Messages was closed. It returns nil while the consumer
	// is running and when it was stopped through its context.
	Err() error
}

// ConsumeOptions configures one subscription.
type ConsumeOptions struct {
	Offset Offset
	// Prefetch bounds how many unacknowledged messages the broker may push to
	// this client. Zero means 1.
	Prefetch int
}

// PrefetchOrDefault returns the configured prefetch, at least 1.
func (o ConsumeOptions) PrefetchOrDefault() int {
	if o.Prefetch <= 0 {
		return 1
	}
	return o.Prefetch
}

// Dialer opens a fresh Session.
type Dialer func(ctx context.Context) (Session, error)

// Builder is the function signature for creating a session from config.
// Each transport package provides a Builder that can be registered.
type Builder func(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (Session, error)

// Config provides the configuration values needed by transports.
// This interface allows transports to access only the config they need
// without depending on the full config package.
type Config interface {
	// GetTransport returns the transport name.
	GetTransport() string

	// RabbitMQ
	GetRabbitMQURL() string

	// NATS JetStream
	GetNATSURL() string

	// Kafka
	GetKafkaBrokers() []string
	GetKafkaClientID() string

	// SQLite
	GetSQLiteFile() string

	// PostgreSQL
	GetPostgresURL() string

	// IO
	GetIOFile() string

	// Pebble
	GetPebbleDir() string
}

// NewDialer binds a registry, config and logger into a Dialer.
func NewDialer(r *Registry, cfg Config, logger watermill.LoggerAdapter) Dialer {
	if r == nil {
		r = DefaultRegistry
	}
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	return func(ctx context.Context) (Session, error) {
		return r.Build(ctx, cfg, logger)
	}
}
