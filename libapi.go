package streambridge

import (
	runtimepkg "github.com/drblury/streambridge/internal/runtime"
	configpkg "github.com/drblury/streambridge/internal/runtime/config"
	errspkg "github.com/drblury/streambridge/internal/runtime/errors"
	idspkg "github.com/drblury/streambridge/internal/runtime/ids"
	jsoncodec "github.com/drblury/streambridge/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/streambridge/internal/runtime/logging"
	metadatapkg "github.com/drblury/streambridge/internal/runtime/metadata"
	"github.com/drblury/streambridge/transport"
)

type (
	Config              = configpkg.Config
	Service             = runtimepkg.Service
	ServiceDependencies = runtimepkg.ServiceDependencies

	ConnectionManager = runtimepkg.ConnectionManager
	ConnectionOption  = runtimepkg.ConnectionOption

	Publisher           = runtimepkg.Publisher
	PublisherOption     = runtimepkg.PublisherOption
	PublishOption       = runtimepkg.PublishOption
	PublishTimeoutError = runtimepkg.PublishTimeoutError
	RetryPolicy         = runtimepkg.RetryPolicy

	Subscriber       = runtimepkg.Subscriber
	SubscriberOption = runtimepkg.SubscriberOption
	StartOptions     = runtimepkg.StartOptions
	Mode             = runtimepkg.Mode
	State            = runtimepkg.State
	Handler          = runtimepkg.Handler
	Delivery         = runtimepkg.Delivery
	Message          = runtimepkg.Message

	Deduplicator[K, V comparable] = runtimepkg.Deduplicator[K, V]
	DedupOption                   = runtimepkg.DedupOption
	KeyFunc                       = runtimepkg.KeyFunc

	Correlator       = runtimepkg.Correlator
	CorrelatorOption = runtimepkg.CorrelatorOption
	Responder        = runtimepkg.Responder
	ResponderOption  = runtimepkg.ResponderOption
	ResponderFunc    = runtimepkg.ResponderFunc
	FeedbackFunc     = runtimepkg.FeedbackFunc
	ChatMessage      = runtimepkg.ChatMessage
	ChatRequest      = runtimepkg.ChatRequest
	ChatResponse     = runtimepkg.ChatResponse
	FeedbackEvent    = runtimepkg.FeedbackEvent

	Metrics         = runtimepkg.Metrics
	StreamMetrics   = runtimepkg.StreamMetrics
	MetricsSnapshot = runtimepkg.MetricsSnapshot

	Metadata = metadatapkg.Metadata

	LogFields                 = loggingpkg.LogFields
	ServiceLogger             = loggingpkg.ServiceLogger
	EntryLoggerAdapter[T any] = loggingpkg.EntryLoggerAdapter[T]

	ConfigValidationError = errspkg.ConfigValidationError

	// Transport contract
	Session           = transport.Session
	Consumer          = transport.Consumer
	ConsumeOptions    = transport.ConsumeOptions
	Dialer            = transport.Dialer
	Offset            = transport.Offset
	Capabilities      = transport.Capabilities
	TransportBuilder  = transport.Builder
	TransportConfig   = transport.Config
	TransportRegistry = transport.Registry
)

// Subscriber modes and lifecycle states.
const (
	ModeBlocking   = runtimepkg.ModeBlocking
	ModeBackground = runtimepkg.ModeBackground

	StateCreated    = runtimepkg.StateCreated
	StateSubscribed = runtimepkg.StateSubscribed
	StateConsuming  = runtimepkg.StateConsuming
	StateStopped    = runtimepkg.StateStopped
)

// Chat event types and ratings.
const (
	EventTypePrompt   = runtimepkg.EventTypePrompt
	EventTypeFeedback = runtimepkg.EventTypeFeedback
	RatingPositive    = runtimepkg.RatingPositive
	RatingNegative    = runtimepkg.RatingNegative
)

// Metadata keys set by publishers and transports.
const (
	MetadataKeyCorrelationID = metadatapkg.KeyCorrelationID
	MetadataKeyOffset        = metadatapkg.KeyOffset
	MetadataKeyPublishedAt   = metadatapkg.KeyPublishedAt
)

var (
	// First replays the whole stream; Last (the zero Offset) follows new
	// messages only.
	First = transport.First
	Last  = transport.Last

	At          = transport.At
	ParseOffset = transport.ParseOffset

	NewService     = runtimepkg.NewService
	LoadConfig     = configpkg.Load
	ConfigFromEnv  = configpkg.FromEnv
	ValidateConfig = configpkg.ValidateConfig

	NewConnectionManager  = runtimepkg.NewConnectionManager
	WithConnectionLogger  = runtimepkg.WithConnectionLogger
	WithConnectionMetrics = runtimepkg.WithConnectionMetrics

	NewPublisher         = runtimepkg.NewPublisher
	DefaultRetryPolicy   = runtimepkg.DefaultRetryPolicy
	WithRetryPolicy      = runtimepkg.WithRetryPolicy
	WithPublisherLogger  = runtimepkg.WithPublisherLogger
	WithPublisherMetrics = runtimepkg.WithPublisherMetrics
	WithTracerProvider   = runtimepkg.WithTracerProvider
	WithMaxAttempts      = runtimepkg.WithMaxAttempts
	WithMetadata         = runtimepkg.WithMetadata
	WithCorrelationID    = runtimepkg.WithCorrelationID
	WithMessageID        = runtimepkg.WithMessageID

	NewSubscriber         = runtimepkg.NewSubscriber
	WithQueueCapacity     = runtimepkg.WithQueueCapacity
	WithPrefetch          = runtimepkg.WithPrefetch
	WithDeduplication     = runtimepkg.WithDeduplication
	WithSubscriberLogger  = runtimepkg.WithSubscriberLogger
	WithSubscriberMetrics = runtimepkg.WithSubscriberMetrics

	WithMaxKeys = runtimepkg.WithMaxKeys
	FieldKey    = runtimepkg.FieldKey

	NewCorrelator        = runtimepkg.NewCorrelator
	WithFirstResponse    = runtimepkg.WithFirstResponse
	WithCorrelatorLogger = runtimepkg.WithCorrelatorLogger
	WithConversationID   = runtimepkg.WithConversationID
	WithIDGenerator      = runtimepkg.WithIDGenerator
	NewResponder         = runtimepkg.NewResponder
	WithFeedbackHandler  = runtimepkg.WithFeedbackHandler
	WithResponderLogger  = runtimepkg.WithResponderLogger
	EchoResponse         = runtimepkg.EchoResponse

	NewMetrics = runtimepkg.NewMetrics

	DefaultTransportRegistry = transport.DefaultRegistry
	RegisterTransport        = transport.Register
	GetCapabilities          = transport.GetCapabilities

	Marshal       = jsoncodec.Marshal
	MarshalIndent = jsoncodec.MarshalIndent
	Unmarshal     = jsoncodec.Unmarshal
	Encode        = jsoncodec.Encode
	Decode        = jsoncodec.Decode

	ErrStreamRequired       = errspkg.ErrStreamRequired
	ErrDialerRequired       = errspkg.ErrDialerRequired
	ErrConnectionRequired   = errspkg.ErrConnectionRequired
	ErrPublisherRequired    = errspkg.ErrPublisherRequired
	ErrSubscriberRequired   = errspkg.ErrSubscriberRequired
	ErrHandlerRequired      = errspkg.ErrHandlerRequired
	ErrInvalidAttempts      = errspkg.ErrInvalidAttempts
	ErrPublishTimeout       = errspkg.ErrPublishTimeout
	ErrAlreadyStarted       = errspkg.ErrAlreadyStarted
	ErrNotStarted           = errspkg.ErrNotStarted
	ErrNotBackground        = errspkg.ErrNotBackground
	ErrSubscriptionClosed   = errspkg.ErrSubscriptionClosed
	ErrDeliveryNotSettled   = errspkg.ErrDeliveryNotSettled
	ErrInvalidQueueCapacity = errspkg.ErrInvalidQueueCapacity
	ErrConfigRequired       = errspkg.ErrConfigRequired
	ErrEmptyResponse        = errspkg.ErrEmptyResponse

	ErrSessionClosed     = transport.ErrSessionClosed
	ErrOffsetUnsupported = transport.ErrOffsetUnsupported
	ErrInvalidOffset     = transport.ErrInvalidOffset

	NewSlogServiceLogger      = loggingpkg.NewSlogServiceLogger
	NewTextServiceLogger      = loggingpkg.NewTextServiceLogger
	NewNopServiceLogger       = loggingpkg.NewNopServiceLogger
	NewWatermillServiceLogger = loggingpkg.NewWatermillServiceLogger
	ParseLogLevel             = loggingpkg.ParseLevel

	NewMetadata = metadatapkg.New

	CreateULID        = idspkg.CreateULID
	NewConversationID = idspkg.NewConversationID
)

func NewDeduplicator[K, V comparable](opts ...DedupOption) *Deduplicator[K, V] {
	return runtimepkg.NewDeduplicator[K, V](opts...)
}

func NewEntryServiceLogger[T EntryLoggerAdapter[T]](entry T) ServiceLogger {
	return loggingpkg.NewEntryServiceLogger(entry)
}

// NewDialer returns a Dialer opening sessions for cfg from the default
// transport registry. Import the transport packages you need first, for
// example _ "github.com/drblury/streambridge/transport/transports".
func NewDialer(cfg *Config, log ServiceLogger) Dialer {
	return transport.NewDialer(transport.DefaultRegistry, cfg, loggingpkg.NewWatermillAdapter(loggingpkg.OrNop(log)))
}
