package runtime

import (
	"context"
	"fmt"
	"sync"

	errspkg "github.com/drblury/streambridge/internal/runtime/errors"
	loggingpkg "github.com/drblury/streambridge/internal/runtime/logging"
	"github.com/drblury/streambridge/transport"
)

// ConnectionManager owns the broker session used for one stream. Connect
// replaces the session; the previous one is always closed first.
type ConnectionManager struct {
	stream  string
	dial    transport.Dialer
	logger  loggingpkg.ServiceLogger
	metrics *Metrics

	mu         sync.Mutex
	session    transport.Session
	connects   int
	reconnects int
}

// ConnectionOption customises a ConnectionManager.
type ConnectionOption func(*ConnectionManager)

// WithConnectionLogger sets the logger for dials and reconnects.
func WithConnectionLogger(log loggingpkg.ServiceLogger) ConnectionOption {
	return func(c *ConnectionManager) { c.logger = loggingpkg.OrNop(log) }
}

// WithConnectionMetrics counts reconnects on m.
func WithConnectionMetrics(m *Metrics) ConnectionOption {
	return func(c *ConnectionManager) { c.metrics = m }
}

// NewConnectionManager binds stream to dial. No connection is made until
// Connect.
func NewConnectionManager(stream string, dial transport.Dialer, opts ...ConnectionOption) (*ConnectionManager, error) {
	if stream == "" {
		return nil, errspkg.ErrStreamRequired
	}
	if dial == nil {
		return nil, errspkg.ErrDialerRequired
	}
	c := &ConnectionManager{
		stream: stream,
		dial:   dial,
		logger: loggingpkg.NewNopServiceLogger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With(loggingpkg.LogFields{"stream": stream})
	return c, nil
}

// Stream returns the stream this manager declares.
func (c *ConnectionManager) Stream() string { return c.stream }

// Connect closes the current session, dials a new one and declares the
// stream on it. Every call after the first counts as a reconnect, whether
// it succeeds or not. On failure no session is held.
func (c *ConnectionManager) Connect(ctx context.Context) (transport.Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.connects++
	if c.connects > 1 {
		c.reconnects++
		c.metrics.RecordReconnect(c.stream)
		c.logger.Info("Reconnecting to broker", loggingpkg.LogFields{"reconnects": c.reconnects})
	}

	c.closeLocked()

	session, err := c.dial(ctx)
	if err != nil {
		c.logger.Error("Dialing broker failed", err, nil)
		return nil, fmt.Errorf("dial broker: %w", err)
	}
	if err := session.DeclareStream(ctx, c.stream); err != nil {
		if closeErr := session.Close(); closeErr != nil {
			c.logger.Error("Closing session after failed declare", closeErr, nil)
		}
		c.logger.Error("Declaring stream failed", err, nil)
		return nil, fmt.Errorf("declare stream %q: %w", c.stream, err)
	}

	c.session = session
	c.logger.Debug("Connected to broker", nil)
	return session, nil
}

// Session returns the current session, or nil when not connected.
func (c *ConnectionManager) Session() transport.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

// Reconnects reports how many Connect calls followed the first one.
func (c *ConnectionManager) Reconnects() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reconnects
}

// Close closes the current session. Calling it without a session is a no-op.
func (c *ConnectionManager) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeLocked()
}

func (c *ConnectionManager) closeLocked() error {
	if c.session == nil {
		return nil
	}
	err := c.session.Close()
	c.session = nil
	if err != nil {
		c.logger.Error("Closing session failed", err, nil)
	}
	return err
}
