// Package postgres provides a PostgreSQL-based stream transport for streambridge.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/drblury/streambridge/transport"
	"github.com/drblury/streambridge/transport/internal/sqllog"
)

// TransportName is the name used to register this transport.
const TransportName = "postgres"

// ErrConnectionStringRequired is returned when no connection string is configured.
var ErrConnectionStringRequired = errors.New("streambridge: postgres connection string is required")

// Dialect is the PostgreSQL flavour of the stream log.
var Dialect = sqllog.Dialect{
	Name:                 TransportName,
	NumberedPlaceholders: true,
	Schema: []string{
		`CREATE TABLE IF NOT EXISTS streambridge_streams (
			name TEXT PRIMARY KEY,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS streambridge_messages (
			id BIGSERIAL PRIMARY KEY,
			stream TEXT NOT NULL,
			uuid TEXT NOT NULL,
			payload BYTEA NOT NULL,
			metadata TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_streambridge_messages_stream ON streambridge_messages(stream, id)`,
	},
}

// OpenDB allows overriding the database creation for testing.
var OpenDB = func(connectionString string) (*sql.DB, error) {
	return sql.Open("postgres", connectionString)
}

func init() {
	Register()
}

// Register registers the PostgreSQL transport with the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.PostgresCapabilities)
	transport.RegisterWithCapabilities("postgresql", Build, transport.PostgresCapabilities) // Alias
}

// Build connects to the configured database.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Session, error) {
	return New(ctx, Config{ConnectionString: cfg.GetPostgresURL()}, logger)
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.PostgresCapabilities
}

// Config holds PostgreSQL-specific configuration.
type Config struct {
	// ConnectionString is the PostgreSQL connection string.
	ConnectionString string
	// PollInterval is the interval for polling new messages.
	PollInterval time.Duration
	// MaxOpenConns sets the maximum number of open connections to the database.
	MaxOpenConns int
	// MaxIdleConns sets the maximum number of idle connections.
	MaxIdleConns int
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = sqllog.DefaultPollInterval
	}
	if c.MaxOpenConns <= 0 {
		c.MaxOpenConns = 10
	}
	if c.MaxIdleConns <= 0 {
		c.MaxIdleConns = 5
	}
	return c
}

// New connects, pings and prepares the schema.
func New(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (*sqllog.Log, error) {
	if cfg.ConnectionString == "" {
		return nil, ErrConnectionStringRequired
	}
	cfg = cfg.withDefaults()

	db, err := OpenDB(cfg.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to open PostgreSQL database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}

	log, err := sqllog.Open(ctx, db, Dialect, sqllog.Options{PollInterval: cfg.PollInterval}, logger)
	if err != nil {
		db.Close()
		return nil, err
	}
	return log, nil
}
