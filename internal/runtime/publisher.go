package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	errspkg "github.com/drblury/streambridge/internal/runtime/errors"
	idspkg "github.com/drblury/streambridge/internal/runtime/ids"
	"github.com/drblury/streambridge/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/streambridge/internal/runtime/logging"
	metadatapkg "github.com/drblury/streambridge/internal/runtime/metadata"
)

const tracerName = "github.com/drblury/streambridge"

// PublishTimeoutError is returned when every attempt of a publish failed.
// It matches errors.Is(err, ErrPublishTimeout) and unwraps the last failure.
type PublishTimeoutError struct {
	Stream   string
	Attempts int
	Err      error
}

func (e *PublishTimeoutError) Error() string {
	return fmt.Sprintf("streambridge: publish to %q failed after %d attempts: %v", e.Stream, e.Attempts, e.Err)
}

func (e *PublishTimeoutError) Unwrap() []error {
	return []error{errspkg.ErrPublishTimeout, e.Err}
}

// Publisher writes JSON payloads to the stream of its ConnectionManager,
// reconnecting and retrying on failure. Calls are serialized.
type Publisher struct {
	conn    *ConnectionManager
	policy  RetryPolicy
	logger  loggingpkg.ServiceLogger
	metrics *Metrics
	tracer  trace.Tracer
	sleep   func(ctx context.Context, d time.Duration) error

	mu sync.Mutex
}

// PublisherOption customises a Publisher.
type PublisherOption func(*Publisher)

// WithRetryPolicy sets the attempt budget and delays between attempts.
func WithRetryPolicy(policy RetryPolicy) PublisherOption {
	return func(p *Publisher) { p.policy = policy.withDefaults() }
}

// WithPublisherLogger sets the logger for publish attempts and failures.
func WithPublisherLogger(log loggingpkg.ServiceLogger) PublisherOption {
	return func(p *Publisher) { p.logger = loggingpkg.OrNop(log) }
}

// WithPublisherMetrics records publish outcomes on m.
func WithPublisherMetrics(m *Metrics) PublisherOption {
	return func(p *Publisher) { p.metrics = m }
}

// WithTracerProvider replaces the global OpenTelemetry tracer provider.
func WithTracerProvider(tp trace.TracerProvider) PublisherOption {
	return func(p *Publisher) {
		if tp != nil {
			p.tracer = tp.Tracer(tracerName)
		}
	}
}

// NewPublisher creates a Publisher on conn. It does not connect.
func NewPublisher(conn *ConnectionManager, opts ...PublisherOption) (*Publisher, error) {
	if conn == nil {
		return nil, errspkg.ErrConnectionRequired
	}
	p := &Publisher{
		conn:   conn,
		policy: DefaultRetryPolicy(),
		logger: loggingpkg.NewNopServiceLogger(),
		tracer: otel.Tracer(tracerName),
		sleep:  sleepContext,
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.With(loggingpkg.LogFields{"stream": conn.Stream()})
	return p, nil
}

// Stream returns the target stream.
func (p *Publisher) Stream() string { return p.conn.Stream() }

// Close closes the underlying session.
func (p *Publisher) Close() error { return p.conn.Close() }

type publishOptions struct {
	attempts      int
	metadata      metadatapkg.Metadata
	correlationID string
	messageID     string
}

// PublishOption customises a single Publish call.
type PublishOption func(*publishOptions)

// WithMaxAttempts overrides the attempt budget of the call.
func WithMaxAttempts(n int) PublishOption {
	return func(o *publishOptions) { o.attempts = n }
}

// WithMetadata adds metadata entries to the message.
func WithMetadata(md metadatapkg.Metadata) PublishOption {
	return func(o *publishOptions) { o.metadata = o.metadata.WithAll(md) }
}

// WithCorrelationID sets the correlation_id metadata entry.
func WithCorrelationID(id string) PublishOption {
	return func(o *publishOptions) { o.correlationID = id }
}

// WithMessageID sets the message UUID instead of a fresh ULID.
func WithMessageID(id string) PublishOption {
	return func(o *publishOptions) { o.messageID = id }
}

// Publish encodes payload as JSON and writes it to the stream. []byte and
// json.RawMessage payloads are sent unchanged. Each failed attempt is
// followed by a pause and a reconnect; when the budget is spent a
// *PublishTimeoutError is returned.
func (p *Publisher) Publish(ctx context.Context, payload any, opts ...PublishOption) error {
	cfg := publishOptions{attempts: p.policy.MaxAttempts}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.attempts <= 0 {
		return errspkg.ErrInvalidAttempts
	}

	body, err := encodePayload(payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}

	stream := p.conn.Stream()
	ctx, span := p.tracer.Start(ctx, "streambridge.publish",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("messaging.destination.name", stream),
			attribute.Int("messaging.message.body.size", len(body)),
		),
	)
	defer span.End()

	msg := newOutgoingMessage(ctx, body, cfg)
	span.SetAttributes(attribute.String("messaging.message.id", msg.UUID))

	p.mu.Lock()
	defer p.mu.Unlock()

	started := time.Now()
	bo := p.policy.newBackOff()

	session := p.conn.Session()
	var lastErr error
	if session == nil {
		session, lastErr = p.conn.Connect(ctx)
	}

	for attempt := 1; attempt <= cfg.attempts; attempt++ {
		if session != nil {
			lastErr = session.Publish(ctx, stream, msg)
			if lastErr == nil {
				p.metrics.RecordPublished(stream, time.Since(started))
				span.SetAttributes(attribute.Int("streambridge.publish.attempts", attempt))
				p.logger.Trace("Message published", loggingpkg.LogFields{
					"message_uuid": msg.UUID,
					"attempt":      attempt,
				})
				return nil
			}
		}
		if err := ctx.Err(); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "publish cancelled")
			return err
		}

		p.metrics.RecordPublishFailure(stream)
		p.logger.Error("Publish attempt failed", lastErr, loggingpkg.LogFields{
			"message_uuid": msg.UUID,
			"attempt":      attempt,
			"max_attempts": cfg.attempts,
		})

		// The last failure also backs off and reconnects, so N failed attempts
		// always leave N reconnects and a fresh session for the next call.
		if err := p.sleep(ctx, bo.NextBackOff()); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "publish cancelled")
			return err
		}

		var connErr error
		session, connErr = p.conn.Connect(ctx)
		if connErr != nil {
			lastErr = connErr
		}
	}

	p.metrics.RecordPublishTimeout(stream)
	timeout := &PublishTimeoutError{Stream: stream, Attempts: cfg.attempts, Err: lastErr}
	span.RecordError(timeout)
	span.SetStatus(codes.Error, "publish attempts exhausted")
	return timeout
}

func newOutgoingMessage(ctx context.Context, body []byte, cfg publishOptions) *message.Message {
	id := cfg.messageID
	if id == "" {
		id = idspkg.CreateULID()
	}
	msg := message.NewMessage(id, body)
	msg.Metadata = metadatapkg.ToWatermill(cfg.metadata)
	if cfg.correlationID != "" {
		msg.Metadata.Set(metadatapkg.KeyCorrelationID, cfg.correlationID)
	}
	msg.Metadata.Set(metadatapkg.KeyPublishedAt, time.Now().UTC().Format(time.RFC3339Nano))
	otel.GetTextMapPropagator().Inject(ctx, propagation.MapCarrier(msg.Metadata))
	return msg
}

func encodePayload(payload any) ([]byte, error) {
	switch v := payload.(type) {
	case []byte:
		return v, nil
	case json.RawMessage:
		return v, nil
	default:
		return jsoncodec.Marshal(payload)
	}
}
