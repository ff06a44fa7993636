package runtime

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"

	configpkg "github.com/drblury/streambridge/internal/runtime/config"
	errspkg "github.com/drblury/streambridge/internal/runtime/errors"
	loggingpkg "github.com/drblury/streambridge/internal/runtime/logging"
	"github.com/drblury/streambridge/transport"
)

var listenAndServe = func(srv *http.Server) error {
	return srv.ListenAndServe()
}

// ServiceDependencies holds the optional collaborators that the Service can use.
// Leave fields nil to get the defaults.
type ServiceDependencies struct {
	// Registry resolves Config.Transport. Defaults to transport.DefaultRegistry.
	Registry *transport.Registry
	// Dialer bypasses the registry entirely.
	Dialer transport.Dialer
	// Registerer receives the Prometheus collectors when metrics are enabled.
	Registerer     prometheus.Registerer
	TracerProvider trace.TracerProvider
}

// Service builds stream clients that share one configuration, logger,
// transport and metrics set.
type Service struct {
	Conf    configpkg.Config
	Logger  loggingpkg.ServiceLogger
	Metrics *Metrics

	dial           transport.Dialer
	registerer     prometheus.Registerer
	tracerProvider trace.TracerProvider

	httpServers   map[int]*http.ServeMux
	httpServersMu sync.Mutex
}

// NewService validates conf, applies defaults and prepares the transport
// dialer. No broker connection is opened until a client connects.
func NewService(conf *configpkg.Config, log loggingpkg.ServiceLogger, deps ServiceDependencies) (*Service, error) {
	if conf == nil {
		return nil, errspkg.ErrConfigRequired
	}
	cfg := conf.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, errspkg.NewConfigValidationError(err)
	}

	log = loggingpkg.OrNop(log)
	log.Info("Creating stream service", loggingpkg.LogFields{
		"transport": cfg.Transport,
		"config":    cfg.String(),
	})

	s := &Service{
		Conf:           cfg,
		Logger:         log,
		registerer:     deps.Registerer,
		tracerProvider: deps.TracerProvider,
	}

	if cfg.MetricsEnabled {
		s.Metrics = NewMetrics(deps.Registerer)
		if err := s.Metrics.Register(); err != nil {
			return nil, fmt.Errorf("register metrics: %w", err)
		}
		s.RegisterHTTPHandler(cfg.MetricsPort, "/metrics", s.metricsHandler())
	}

	s.dial = deps.Dialer
	if s.dial == nil {
		registry := deps.Registry
		if registry == nil {
			registry = transport.DefaultRegistry
		}
		if !registry.Has(cfg.Transport) {
			return nil, fmt.Errorf("unknown transport %q (registered: %v)", cfg.Transport, registry.Names())
		}
		s.dial = transport.NewDialer(registry, &s.Conf, loggingpkg.NewWatermillAdapter(log))
	}

	return s, nil
}

func (s *Service) metricsHandler() http.Handler {
	if g, ok := s.registerer.(prometheus.Gatherer); ok {
		return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
	}
	return promhttp.Handler()
}

// RetryPolicy returns the publisher retry policy derived from the config.
func (s *Service) RetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:     s.Conf.PublishMaxAttempts,
		InitialInterval: s.Conf.RetryInitialInterval,
		MaxInterval:     s.Conf.RetryMaxInterval,
	}
}

// Connection returns a new ConnectionManager for stream.
func (s *Service) Connection(stream string) (*ConnectionManager, error) {
	return NewConnectionManager(stream, s.dial,
		WithConnectionLogger(s.Logger),
		WithConnectionMetrics(s.Metrics),
	)
}

// NewPublisher returns a Publisher for stream. opts are applied after the
// configured defaults.
func (s *Service) NewPublisher(stream string, opts ...PublisherOption) (*Publisher, error) {
	conn, err := s.Connection(stream)
	if err != nil {
		return nil, err
	}
	base := []PublisherOption{
		WithRetryPolicy(s.RetryPolicy()),
		WithPublisherLogger(s.Logger),
		WithPublisherMetrics(s.Metrics),
		WithTracerProvider(s.tracerProvider),
	}
	return NewPublisher(conn, append(base, opts...)...)
}

// NewSubscriber returns a Subscriber for stream. opts are applied after the
// configured defaults.
func (s *Service) NewSubscriber(stream string, opts ...SubscriberOption) (*Subscriber, error) {
	conn, err := s.Connection(stream)
	if err != nil {
		return nil, err
	}
	base := []SubscriberOption{
		WithQueueCapacity(s.Conf.QueueCapacity),
		WithPrefetch(s.Conf.Prefetch),
		WithSubscriberLogger(s.Logger),
		WithSubscriberMetrics(s.Metrics),
	}
	return NewSubscriber(conn, append(base, opts...)...)
}

// NewCorrelator starts a background subscriber on responses at
// transport.Last and pairs it with a publisher on requests. ctx bounds the
// dial only; the response loop runs until the returned Correlator is closed.
func (s *Service) NewCorrelator(ctx context.Context, requests, responses string, opts ...CorrelatorOption) (*Correlator, error) {
	pub, err := s.NewPublisher(requests)
	if err != nil {
		return nil, err
	}
	sub, err := s.NewSubscriber(responses)
	if err != nil {
		return nil, err
	}
	if err := sub.Start(ctx, StartOptions{Mode: ModeBackground, Offset: transport.Last}); err != nil {
		return nil, err
	}

	base := []CorrelatorOption{WithCorrelatorLogger(s.Logger)}
	c, err := NewCorrelator(pub, sub, append(base, opts...)...)
	if err != nil {
		_ = sub.Stop()
		return nil, err
	}
	return c, nil
}

// NewResponder serves requests with respond and publishes to responses.
func (s *Service) NewResponder(requests, responses string, respond ResponderFunc, opts ...ResponderOption) (*Responder, error) {
	sub, err := s.NewSubscriber(requests)
	if err != nil {
		return nil, err
	}
	pub, err := s.NewPublisher(responses)
	if err != nil {
		return nil, err
	}
	base := []ResponderOption{WithResponderLogger(s.Logger)}
	return NewResponder(sub, pub, respond, append(base, opts...)...)
}

// RegisterHTTPHandler mounts handler on the server for port. Servers start
// with ServeHTTP.
func (s *Service) RegisterHTTPHandler(port int, pattern string, handler http.Handler) {
	s.httpServersMu.Lock()
	defer s.httpServersMu.Unlock()

	if s.httpServers == nil {
		s.httpServers = make(map[int]*http.ServeMux)
	}

	mux, ok := s.httpServers[port]
	if !ok {
		mux = http.NewServeMux()
		s.httpServers[port] = mux
	}

	mux.Handle(pattern, handler)
}

// ServeHTTP runs the registered HTTP servers until ctx is done. It returns
// immediately when nothing is registered.
func (s *Service) ServeHTTP(ctx context.Context) error {
	s.httpServersMu.Lock()
	servers := make([]*http.Server, 0, len(s.httpServers))
	for port, mux := range s.httpServers {
		servers = append(servers, &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		})
	}
	s.httpServersMu.Unlock()

	if len(servers) == 0 {
		return nil
	}

	errCh := make(chan error, len(servers))
	for _, srv := range servers {
		s.Logger.Info("Starting HTTP server", loggingpkg.LogFields{"address": srv.Addr})
		go func(srv *http.Server) {
			if err := listenAndServe(srv); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.Logger.Error("HTTP server failed", err, loggingpkg.LogFields{"address": srv.Addr})
				errCh <- err
			}
		}(srv)
	}

	var err error
	select {
	case <-ctx.Done():
	case err = <-errCh:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, srv := range servers {
		_ = srv.Shutdown(shutdownCtx)
	}
	return err
}
