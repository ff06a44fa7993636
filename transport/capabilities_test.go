package transport

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCapabilities_SupportsOffset(t *testing.T) {
	tests := []struct {
		name   string
		caps   Capabilities
		offset Offset
		want   bool
	}{
		{name: "last always", caps: Capabilities{}, offset: Last, want: true},
		{name: "first needs replay", caps: Capabilities{}, offset: First, want: false},
		{name: "first with replay", caps: Capabilities{SupportsReplay: true}, offset: First, want: true},
		{name: "numeric unsupported", caps: KafkaCapabilities, offset: At(4), want: false},
		{name: "numeric supported", caps: RabbitMQCapabilities, offset: At(4), want: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.caps.SupportsOffset(tt.offset))
		})
	}
}

func TestCapabilities_SupportsReliableDelivery(t *testing.T) {
	assert.True(t, RabbitMQCapabilities.SupportsReliableDelivery())
	assert.True(t, PebbleCapabilities.SupportsReliableDelivery())
	assert.False(t, ChannelCapabilities.SupportsReliableDelivery())
	assert.False(t, Capabilities{Durable: true}.SupportsReliableDelivery())
}

func TestPredefinedCapabilities(t *testing.T) {
	all := []Capabilities{
		ChannelCapabilities,
		RabbitMQCapabilities,
		NATSJetStreamCapabilities,
		KafkaCapabilities,
		SQLiteCapabilities,
		PostgresCapabilities,
		PebbleCapabilities,
		IOCapabilities,
	}
	for _, caps := range all {
		t.Run(caps.Name, func(t *testing.T) {
			assert.NotEmpty(t, caps.Name)
			assert.True(t, caps.SupportsReplay, "every bundled transport replays")
			assert.True(t, caps.SupportsOrdering)
			assert.True(t, caps.SupportsAck)
		})
	}
}

func TestGetCapabilities_Unknown(t *testing.T) {
	caps := GetCapabilities("does-not-exist")
	assert.Equal(t, "does-not-exist", caps.Name)
	assert.False(t, caps.Durable)
}
