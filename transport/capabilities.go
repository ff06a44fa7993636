package transport

// Capabilities describes the stream features supported by a transport backend.
// Use this to introspect what operations are available at runtime.
type Capabilities struct {
	// Durable indicates published messages survive a broker restart.
	Durable bool

	// SupportsReplay indicates a subscription can start at First and read
	// the whole stream history.
	SupportsReplay bool

	// SupportsNumericOffset indicates a subscription can start at an explicit
	// position built with At.
	SupportsNumericOffset bool

	// SupportsOrdering indicates messages of one stream are delivered in
	// append order.
	SupportsOrdering bool

	// SupportsAck indicates the transport supports explicit message acknowledgment.
	SupportsAck bool

	// SupportsNack indicates a nacked message is redelivered on the same subscription.
	SupportsNack bool

	// SupportsPublishConfirm indicates Publish waits for a broker-side confirmation.
	SupportsPublishConfirm bool

	// MaxMessageSize is the maximum message size in bytes (0 = unlimited/unknown).
	MaxMessageSize int64

	// Name is the human-readable name of the transport.
	Name string
}

// SupportsOffset reports whether a subscription may start at o.
func (c Capabilities) SupportsOffset(o Offset) bool {
	switch {
	case o.IsFirst():
		return c.SupportsReplay
	case o.IsLast():
		return true
	default:
		return c.SupportsNumericOffset
	}
}

// SupportsReliableDelivery returns true if the transport supports at-least-once
// delivery semantics (durable storage and explicit ack).
func (c Capabilities) SupportsReliableDelivery() bool {
	return c.Durable && c.SupportsAck
}

// Predefined capability sets for the bundled transports.
var (
	// ChannelCapabilities for the in-memory stream log.
	ChannelCapabilities = Capabilities{
		Name:                  "channel",
		Durable:               false,
		SupportsReplay:        true,
		SupportsNumericOffset: true,
		SupportsOrdering:      true,
		SupportsAck:           true,
		SupportsNack:          true,
	}

	// RabbitMQCapabilities for RabbitMQ stream queues.
	RabbitMQCapabilities = Capabilities{
		Name:                   "rabbitmq",
		Durable:                true,
		SupportsReplay:         true,
		SupportsNumericOffset:  true,
		SupportsOrdering:       true,
		SupportsAck:            true,
		SupportsNack:           true,
		SupportsPublishConfirm: true,
	}

	// NATSJetStreamCapabilities for NATS JetStream streams.
	NATSJetStreamCapabilities = Capabilities{
		Name:                   "nats-jetstream",
		Durable:                true,
		SupportsReplay:         true,
		SupportsNumericOffset:  true,
		SupportsOrdering:       true,
		SupportsAck:            true,
		SupportsNack:           true,
		SupportsPublishConfirm: true,
		MaxMessageSize:         1048576, // Default 1MB
	}

	// KafkaCapabilities for single-partition Kafka topics.
	KafkaCapabilities = Capabilities{
		Name:                   "kafka",
		Durable:                true,
		SupportsReplay:         true,
		SupportsNumericOffset:  false,
		SupportsOrdering:       true,
		SupportsAck:            true,
		SupportsNack:           true,
		SupportsPublishConfirm: true,
		MaxMessageSize:         1048576, // Default 1MB
	}

	// SQLiteCapabilities for the SQLite stream table.
	SQLiteCapabilities = Capabilities{
		Name:                   "sqlite",
		Durable:                true,
		SupportsReplay:         true,
		SupportsNumericOffset:  true,
		SupportsOrdering:       true,
		SupportsAck:            true,
		SupportsNack:           true,
		SupportsPublishConfirm: true,
	}

	// PostgresCapabilities for the PostgreSQL stream table.
	PostgresCapabilities = Capabilities{
		Name:                   "postgres",
		Durable:                true,
		SupportsReplay:         true,
		SupportsNumericOffset:  true,
		SupportsOrdering:       true,
		SupportsAck:            true,
		SupportsNack:           true,
		SupportsPublishConfirm: true,
	}

	// PebbleCapabilities for the embedded Pebble stream log.
	PebbleCapabilities = Capabilities{
		Name:                   "pebble",
		Durable:                true,
		SupportsReplay:         true,
		SupportsNumericOffset:  true,
		SupportsOrdering:       true,
		SupportsAck:            true,
		SupportsNack:           true,
		SupportsPublishConfirm: true,
	}

	// IOCapabilities for the JSON-lines file log.
	IOCapabilities = Capabilities{
		Name:                   "io",
		Durable:                true,
		SupportsReplay:         true,
		SupportsNumericOffset:  true,
		SupportsOrdering:       true,
		SupportsAck:            true,
		SupportsNack:           true,
		SupportsPublishConfirm: false,
	}
)

// GetCapabilities returns the capabilities for a transport by name.
// Uses the registry to look up capabilities registered by each transport package.
// Returns a zero Capabilities struct if the transport is unknown.
func GetCapabilities(transportName string) Capabilities {
	return DefaultRegistry.GetCapabilities(transportName)
}
