// Package kafka provides a Kafka transport for streambridge.
//
// Each stream is a single-partition topic so the log keeps one total order.
// Consumers run without a consumer group and pick their starting point from
// the oldest or newest offset.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/IBM/sarama"
	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-kafka/v3/pkg/kafka"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/streambridge/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "kafka"

// DefaultClientID is used when no client id is configured.
const DefaultClientID = "streambridge"

// ErrBrokersRequired is returned by Build when no brokers are configured.
var ErrBrokersRequired = errors.New("streambridge: kafka brokers are required")

// PublisherFactory allows overriding the publisher creation for testing.
var PublisherFactory = func(cfg kafka.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
	return kafka.NewPublisher(cfg, logger)
}

// SubscriberFactory allows overriding the subscriber creation for testing.
var SubscriberFactory = func(cfg kafka.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	return kafka.NewSubscriber(cfg, logger)
}

// AdminFactory allows overriding the cluster admin creation for testing.
var AdminFactory = func(brokers []string, cfg *sarama.Config) (sarama.ClusterAdmin, error) {
	return sarama.NewClusterAdmin(brokers, cfg)
}

func init() {
	Register()
}

// Register registers the Kafka transport with the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.KafkaCapabilities)
}

// Build creates a synchronous publisher and returns a session around it.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Session, error) {
	brokers := cfg.GetKafkaBrokers()
	if len(brokers) == 0 {
		return nil, ErrBrokersRequired
	}
	if logger == nil {
		logger = watermill.NopLogger{}
	}

	clientID := cfg.GetKafkaClientID()
	if clientID == "" {
		clientID = DefaultClientID
	}

	pubConfig := kafka.DefaultSaramaSyncPublisherConfig()
	pubConfig.ClientID = clientID
	pubConfig.Producer.RequiredAcks = sarama.WaitForAll

	publisher, err := PublisherFactory(
		kafka.PublisherConfig{
			Brokers:               brokers,
			Marshaler:             kafka.DefaultMarshaler{},
			OverwriteSaramaConfig: pubConfig,
		},
		logger,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka publisher: %w", err)
	}

	return &Session{
		brokers:   brokers,
		clientID:  clientID,
		logger:    logger,
		publisher: publisher,
		closed:    make(chan struct{}),
	}, nil
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.KafkaCapabilities
}

// Session is a transport.Session over a Kafka cluster.
type Session struct {
	brokers   []string
	clientID  string
	logger    watermill.LoggerAdapter
	publisher message.Publisher

	mu          sync.Mutex
	subscribers []message.Subscriber

	closeOnce sync.Once
	closed    chan struct{}
}

func (s *Session) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

func (s *Session) saramaConfig() *sarama.Config {
	c := sarama.NewConfig()
	c.ClientID = s.clientID
	return c
}

// DeclareStream creates the topic with one partition. An existing topic is
// left untouched.
func (s *Session) DeclareStream(ctx context.Context, stream string) error {
	if stream == "" {
		return transport.ErrStreamRequired
	}
	if s.isClosed() {
		return transport.ErrSessionClosed
	}

	admin, err := AdminFactory(s.brokers, s.saramaConfig())
	if err != nil {
		return fmt.Errorf("failed to create cluster admin: %w", err)
	}
	defer admin.Close()

	err = admin.CreateTopic(stream, &sarama.TopicDetail{
		NumPartitions:     1,
		ReplicationFactor: 1,
	}, false)
	if err != nil && !topicExists(err) {
		return fmt.Errorf("failed to create topic %q: %w", stream, err)
	}
	return nil
}

func topicExists(err error) bool {
	if errors.Is(err, sarama.ErrTopicAlreadyExists) {
		return true
	}
	var topicErr *sarama.TopicError
	return errors.As(err, &topicErr) && topicErr.Err == sarama.ErrTopicAlreadyExists
}

// Publish sends msg through the synchronous producer.
func (s *Session) Publish(ctx context.Context, stream string, msg *message.Message) error {
	if stream == "" {
		return transport.ErrStreamRequired
	}
	if s.isClosed() {
		return transport.ErrSessionClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.publisher.Publish(stream, msg)
}

// SubscriberConfig builds the watermill subscriber configuration for opts.
func (s *Session) SubscriberConfig(opts transport.ConsumeOptions) (kafka.SubscriberConfig, error) {
	saramaCfg := kafka.DefaultSaramaSubscriberConfig()
	saramaCfg.ClientID = s.clientID
	saramaCfg.ChannelBufferSize = opts.PrefetchOrDefault()

	switch {
	case opts.Offset.IsFirst():
		saramaCfg.Consumer.Offsets.Initial = sarama.OffsetOldest
	case opts.Offset.IsLast():
		saramaCfg.Consumer.Offsets.Initial = sarama.OffsetNewest
	default:
		return kafka.SubscriberConfig{}, fmt.Errorf("%w: kafka cannot start at %s", transport.ErrOffsetUnsupported, opts.Offset)
	}

	return kafka.SubscriberConfig{
		Brokers:               s.brokers,
		Unmarshaler:           kafka.DefaultMarshaler{},
		OverwriteSaramaConfig: saramaCfg,
	}, nil
}

// Consume starts a group-less subscriber on the topic.
func (s *Session) Consume(ctx context.Context, stream string, opts transport.ConsumeOptions) (transport.Consumer, error) {
	if stream == "" {
		return nil, transport.ErrStreamRequired
	}
	if err := opts.Offset.Validate(); err != nil {
		return nil, err
	}
	if s.isClosed() {
		return nil, transport.ErrSessionClosed
	}

	subConfig, err := s.SubscriberConfig(opts)
	if err != nil {
		return nil, err
	}

	sub, err := SubscriberFactory(subConfig, s.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka subscriber: %w", err)
	}

	messages, err := sub.Subscribe(ctx, stream)
	if err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("failed to subscribe to %q: %w", stream, err)
	}

	s.mu.Lock()
	s.subscribers = append(s.subscribers, sub)
	s.mu.Unlock()

	feed := transport.NewFeed()
	go s.consume(ctx, messages, feed)
	return feed, nil
}

// consume passes messages through unchanged; the watermill subscriber waits
// for their ack and resends nacked ones.
func (s *Session) consume(ctx context.Context, messages <-chan *message.Message, feed *transport.Feed) {
	for msg := range messages {
		if offset, ok := kafka.MessagePartitionOffsetFromCtx(msg.Context()); ok {
			msg.Metadata.Set(transport.MetadataOffset, strconv.FormatInt(offset, 10))
		}
		if _, err := feed.Deliver(ctx, s.closed, msg); err != nil {
			feed.Finish(err)
			return
		}
	}

	switch {
	case ctx.Err() != nil:
		feed.Finish(ctx.Err())
	case s.isClosed():
		feed.Finish(transport.ErrSessionClosed)
	default:
		feed.Finish(errors.New("kafka subscription ended"))
	}
}

// Close closes the publisher and every subscriber.
func (s *Session) Close() error {
	var errs []error
	s.closeOnce.Do(func() {
		close(s.closed)

		s.mu.Lock()
		subs := s.subscribers
		s.subscribers = nil
		s.mu.Unlock()

		for _, sub := range subs {
			if err := sub.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		if err := s.publisher.Close(); err != nil {
			errs = append(errs, err)
		}
	})
	return errors.Join(errs...)
}
