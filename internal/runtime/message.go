package runtime

import (
	"strconv"

	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/streambridge/internal/runtime/jsoncodec"
	metadatapkg "github.com/drblury/streambridge/internal/runtime/metadata"
)

// Message is a delivered stream message as seen by the application.
type Message struct {
	UUID   string
	Stream string
	// Offset is the transport-native position, or -1 when the transport did
	// not report one.
	Offset   int64
	Metadata metadatapkg.Metadata
	Payload  []byte
}

func newMessage(stream string, raw *message.Message) Message {
	offset := int64(-1)
	if v := raw.Metadata.Get(metadatapkg.KeyOffset); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			offset = n
		}
	}
	return Message{
		UUID:     raw.UUID,
		Stream:   stream,
		Offset:   offset,
		Metadata: metadatapkg.FromWatermill(raw.Metadata),
		Payload:  raw.Payload,
	}
}

// Decode unmarshals the JSON payload into v.
func (m Message) Decode(v any) error {
	return jsoncodec.Unmarshal(m.Payload, v)
}

// Field returns the raw JSON text at path, e.g. Field("pos", "lat").
func (m Message) Field(path ...any) (string, bool) {
	return jsoncodec.Field(m.Payload, path...)
}

// CorrelationID returns the correlation_id metadata value.
func (m Message) CorrelationID() string {
	return m.Metadata.CorrelationID()
}
