// Package sqlite provides a SQLite-based stream transport for streambridge.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	_ "github.com/mattn/go-sqlite3" // SQLite driver

	"github.com/drblury/streambridge/transport"
	"github.com/drblury/streambridge/transport/internal/sqllog"
)

// TransportName is the name used to register this transport.
const TransportName = "sqlite"

// DefaultFilePath is used when no database file is configured.
const DefaultFilePath = "streambridge.db"

// Dialect is the SQLite flavour of the stream log.
var Dialect = sqllog.Dialect{
	Name: TransportName,
	Schema: []string{
		`CREATE TABLE IF NOT EXISTS streambridge_streams (
			name TEXT PRIMARY KEY,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS streambridge_messages (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			stream TEXT NOT NULL,
			uuid TEXT NOT NULL,
			payload BLOB NOT NULL,
			metadata TEXT,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_streambridge_messages_stream ON streambridge_messages(stream, id)`,
	},
}

func init() {
	Register()
}

// Register registers the SQLite transport with the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.SQLiteCapabilities)
}

// Build opens the configured database file.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Session, error) {
	return New(ctx, Config{FilePath: cfg.GetSQLiteFile()}, logger)
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.SQLiteCapabilities
}

// Config holds SQLite-specific configuration.
type Config struct {
	// FilePath is the path to the SQLite database file. Sessions share
	// streams through the file, so an in-memory database only suits a
	// single session.
	FilePath string
	// PollInterval is the interval for polling new messages.
	PollInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.FilePath == "" {
		c.FilePath = DefaultFilePath
	}
	if c.PollInterval <= 0 {
		c.PollInterval = sqllog.DefaultPollInterval
	}
	return c
}

// New opens the database in WAL mode and prepares the schema.
func New(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (*sqllog.Log, error) {
	cfg = cfg.withDefaults()

	db, err := sql.Open("sqlite3", cfg.FilePath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite database: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	log, err := sqllog.Open(ctx, db, Dialect, sqllog.Options{PollInterval: cfg.PollInterval}, logger)
	if err != nil {
		db.Close()
		return nil, err
	}
	return log, nil
}
