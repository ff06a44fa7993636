package runtime

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	errspkg "github.com/drblury/streambridge/internal/runtime/errors"
	idspkg "github.com/drblury/streambridge/internal/runtime/ids"
	loggingpkg "github.com/drblury/streambridge/internal/runtime/logging"
	"github.com/drblury/streambridge/transport"
)

// Event types carried in the event_type field of requests.
const (
	EventTypePrompt   = "prompt"
	EventTypeFeedback = "feedback"
)

// Feedback ratings.
const (
	RatingPositive = "positive"
	RatingNegative = "negative"
)

// ChatMessage is one turn of a conversation.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatRequest is published on the request stream.
type ChatRequest struct {
	ConversationID string        `json:"conversation_id"`
	EventType      string        `json:"event_type,omitempty"`
	Messages       []ChatMessage `json:"messages"`
}

// ChatResponse is read from the response stream.
type ChatResponse struct {
	ConversationID string        `json:"conversation_id"`
	Messages       []ChatMessage `json:"messages"`
}

// FeedbackEvent rates the last response of a conversation.
type FeedbackEvent struct {
	ConversationID string `json:"conversation_id"`
	EventType      string `json:"event_type,omitempty"`
	Rating         string `json:"rating"`
}

// Correlator turns a request stream and a response stream into a
// synchronous call. Only one request is outstanding at a time.
type Correlator struct {
	requests      *Publisher
	responses     *Subscriber
	logger        loggingpkg.ServiceLogger
	tracer        trace.Tracer
	newID         func() string
	firstResponse bool

	// mu serializes requests and feedback.
	mu sync.Mutex

	idMu           sync.RWMutex
	conversationID string
}

// CorrelatorOption customises a Correlator.
type CorrelatorOption func(*Correlator)

// WithFirstResponse accepts whatever response arrives first instead of
// matching it to the request.
func WithFirstResponse() CorrelatorOption {
	return func(c *Correlator) { c.firstResponse = true }
}

// WithCorrelatorLogger sets the logger for requests and dropped responses.
func WithCorrelatorLogger(log loggingpkg.ServiceLogger) CorrelatorOption {
	return func(c *Correlator) { c.logger = loggingpkg.OrNop(log) }
}

// WithConversationID starts with id instead of a random one.
func WithConversationID(id string) CorrelatorOption {
	return func(c *Correlator) { c.conversationID = id }
}

// WithIDGenerator replaces the conversation id source used by Reset.
func WithIDGenerator(fn func() string) CorrelatorOption {
	return func(c *Correlator) {
		if fn != nil {
			c.newID = fn
		}
	}
}

// NewCorrelator pairs a request publisher with a response subscriber. The
// subscriber must be started in ModeBackground, normally at transport.Last.
func NewCorrelator(requests *Publisher, responses *Subscriber, opts ...CorrelatorOption) (*Correlator, error) {
	if requests == nil {
		return nil, errspkg.ErrPublisherRequired
	}
	if responses == nil {
		return nil, errspkg.ErrSubscriberRequired
	}
	c := &Correlator{
		requests:  requests,
		responses: responses,
		logger:    loggingpkg.NewNopServiceLogger(),
		tracer:    otel.Tracer(tracerName),
		newID:     idspkg.NewConversationID,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.conversationID == "" {
		c.conversationID = c.newID()
	}
	return c, nil
}

// ConversationID returns the id sent with the next request.
func (c *Correlator) ConversationID() string {
	c.idMu.RLock()
	defer c.idMu.RUnlock()
	return c.conversationID
}

// Close stops the response subscriber and closes the request publisher.
func (c *Correlator) Close() error {
	var errs []error
	if err := c.responses.Stop(); err != nil && !errors.Is(err, errspkg.ErrNotStarted) {
		errs = append(errs, err)
	}
	if err := c.requests.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Reset starts a new conversation and returns its id.
func (c *Correlator) Reset() string {
	id := c.newID()
	c.setConversationID(id)
	return id
}

func (c *Correlator) setConversationID(id string) {
	c.idMu.Lock()
	defer c.idMu.Unlock()
	c.conversationID = id
}

// Request publishes messages under the current conversation id and waits
// for the matching response. Responses already queued are discarded first.
// A response matches when its conversation_id equals the request's or its
// correlation_id metadata equals the one sent; anything else is dropped.
// The response's conversation_id becomes the current one.
func (c *Correlator) Request(ctx context.Context, messages []ChatMessage) (ChatResponse, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	conversationID := c.ConversationID()
	ctx, span := c.tracer.Start(ctx, "streambridge.request",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("streambridge.conversation_id", conversationID),
			attribute.String("streambridge.request_stream", c.requests.Stream()),
			attribute.String("streambridge.response_stream", c.responses.Stream()),
		),
	)
	defer span.End()

	if n := c.responses.Flush(); n > 0 {
		c.logger.Debug("Discarded stale responses", loggingpkg.LogFields{"count": n})
	}

	correlationID := idspkg.CreateULID()
	req := ChatRequest{
		ConversationID: conversationID,
		EventType:      EventTypePrompt,
		Messages:       messages,
	}
	if err := c.requests.Publish(ctx, req, WithCorrelationID(correlationID)); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "publish request")
		return ChatResponse{}, err
	}

	for {
		msg, err := c.responses.GetOne(ctx)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "await response")
			return ChatResponse{}, err
		}

		var resp ChatResponse
		if err := msg.Decode(&resp); err != nil {
			if c.firstResponse {
				span.RecordError(err)
				return ChatResponse{}, fmt.Errorf("decode response: %w", err)
			}
			c.logger.Error("Dropping undecodable response", err, loggingpkg.LogFields{"message_uuid": msg.UUID})
			continue
		}

		if !c.firstResponse && !answers(msg, resp, conversationID, correlationID) {
			c.logger.Info("Dropping stale response", loggingpkg.LogFields{
				"message_uuid":    msg.UUID,
				"conversation_id": resp.ConversationID,
			})
			continue
		}

		if resp.ConversationID != "" {
			c.setConversationID(resp.ConversationID)
		}
		span.SetAttributes(attribute.String("streambridge.response_conversation_id", resp.ConversationID))
		return resp, nil
	}
}

// answers reports whether resp belongs to the request sent with
// correlationID. A response carrying correlation_id must echo it; one without
// falls back to the conversation id.
func answers(msg Message, resp ChatResponse, conversationID, correlationID string) bool {
	if id := msg.CorrelationID(); id != "" {
		return id == correlationID
	}
	return resp.ConversationID == conversationID
}

// Ask appends a user turn with content to history, sends it and returns the
// content of the last message of the response.
func (c *Correlator) Ask(ctx context.Context, history []ChatMessage, content string) (string, error) {
	messages := append(slices.Clone(history), ChatMessage{Role: "user", Content: content})
	resp, err := c.Request(ctx, messages)
	if err != nil {
		return "", err
	}
	if len(resp.Messages) == 0 {
		return "", errspkg.ErrEmptyResponse
	}
	return resp.Messages[len(resp.Messages)-1].Content, nil
}

// Feedback rates the current conversation on the request stream.
func (c *Correlator) Feedback(ctx context.Context, positive bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	rating := RatingNegative
	if positive {
		rating = RatingPositive
	}
	return c.requests.Publish(ctx, FeedbackEvent{
		ConversationID: c.ConversationID(),
		EventType:      EventTypeFeedback,
		Rating:         rating,
	})
}

// ResponderFunc produces the response to one request.
type ResponderFunc func(ctx context.Context, req ChatRequest) (ChatResponse, error)

// FeedbackFunc receives feedback events read by a Responder.
type FeedbackFunc func(ctx context.Context, fb FeedbackEvent) error

// Responder serves the request stream of a Correlator. Each response echoes
// the correlation_id of its request.
type Responder struct {
	requests   *Subscriber
	responses  *Publisher
	respond    ResponderFunc
	onFeedback FeedbackFunc
	logger     loggingpkg.ServiceLogger
}

// ResponderOption customises a Responder.
type ResponderOption func(*Responder)

// WithFeedbackHandler calls fn for every feedback event on the request stream.
func WithFeedbackHandler(fn FeedbackFunc) ResponderOption {
	return func(r *Responder) { r.onFeedback = fn }
}

// WithResponderLogger sets the logger for served and skipped requests.
func WithResponderLogger(log loggingpkg.ServiceLogger) ResponderOption {
	return func(r *Responder) { r.logger = loggingpkg.OrNop(log) }
}

// NewResponder wires respond between the two streams.
func NewResponder(requests *Subscriber, responses *Publisher, respond ResponderFunc, opts ...ResponderOption) (*Responder, error) {
	if requests == nil {
		return nil, errspkg.ErrSubscriberRequired
	}
	if responses == nil {
		return nil, errspkg.ErrPublisherRequired
	}
	if respond == nil {
		return nil, errspkg.ErrHandlerRequired
	}
	r := &Responder{
		requests:  requests,
		responses: responses,
		respond:   respond,
		logger:    loggingpkg.NewNopServiceLogger(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Run consumes requests from offset until Stop, ctx cancellation or a
// failed publish.
func (r *Responder) Run(ctx context.Context, offset transport.Offset) error {
	return r.requests.Start(ctx, StartOptions{
		Mode:    ModeBlocking,
		Offset:  offset,
		Handler: r.handle,
	})
}

// Stop ends Run.
func (r *Responder) Stop() error {
	return r.requests.Stop()
}

type interaction struct {
	ConversationID string        `json:"conversation_id"`
	EventType      string        `json:"event_type"`
	Rating         string        `json:"rating"`
	Messages       []ChatMessage `json:"messages"`
}

func (r *Responder) handle(ctx context.Context, d *Delivery) error {
	var in interaction
	if err := d.Decode(&in); err != nil {
		r.logger.Error("Skipping undecodable request", err, loggingpkg.LogFields{"message_uuid": d.UUID})
		d.Ack()
		return nil
	}

	if in.EventType == EventTypeFeedback || in.Rating != "" {
		if r.onFeedback != nil {
			fb := FeedbackEvent{ConversationID: in.ConversationID, EventType: in.EventType, Rating: in.Rating}
			if err := r.onFeedback(ctx, fb); err != nil {
				r.logger.Error("Feedback handler failed", err, loggingpkg.LogFields{"conversation_id": in.ConversationID})
			}
		}
		d.Ack()
		return nil
	}

	resp, err := r.respond(ctx, ChatRequest{
		ConversationID: in.ConversationID,
		EventType:      in.EventType,
		Messages:       in.Messages,
	})
	if err != nil {
		r.logger.Error("Responder failed", err, loggingpkg.LogFields{"conversation_id": in.ConversationID})
		d.Ack()
		return nil
	}
	if resp.ConversationID == "" {
		resp.ConversationID = in.ConversationID
	}

	var opts []PublishOption
	if id := d.CorrelationID(); id != "" {
		opts = append(opts, WithCorrelationID(id))
	}
	if err := r.responses.Publish(ctx, resp, opts...); err != nil {
		d.Nack()
		return err
	}
	d.Ack()
	return nil
}

// EchoResponse answers with the request history plus an assistant turn
// repeating the last message.
func EchoResponse(_ context.Context, req ChatRequest) (ChatResponse, error) {
	last := ""
	if len(req.Messages) > 0 {
		last = req.Messages[len(req.Messages)-1].Content
	}
	messages := append(slices.Clone(req.Messages), ChatMessage{Role: "assistant", Content: "echo: " + last})
	return ChatResponse{ConversationID: req.ConversationID, Messages: messages}, nil
}
