package metadata

import "github.com/drblury/streambridge/transport"

// Reserved metadata keys. Applications should not reuse them for their own
// values.
const (
	// KeyCorrelationID ties a response to the request that caused it.
	KeyCorrelationID = "correlation_id"

	// KeyOffset carries the transport-native position of a delivered message.
	KeyOffset = transport.MetadataOffset

	// KeyPublishedAt records when the publisher created the message (RFC 3339).
	KeyPublishedAt = "streambridge_published_at"
)

// CorrelationID returns the correlation id, or "" when absent.
func (m Metadata) CorrelationID() string {
	return m[KeyCorrelationID]
}
