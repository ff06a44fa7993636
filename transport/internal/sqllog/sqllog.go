// Package sqllog implements an append-only stream log on top of database/sql.
// The sqlite and postgres transports share it and differ only in their
// Dialect.
package sqllog

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/streambridge/internal/runtime/jsoncodec"
	"github.com/drblury/streambridge/transport"
)

// DefaultPollInterval is the default interval for polling new messages.
const DefaultPollInterval = 100 * time.Millisecond

// Dialect holds the database specific parts of the log.
type Dialect struct {
	// Name is used in log fields and error messages.
	Name string
	// Schema statements run once when the log is opened.
	Schema []string
	// NumberedPlaceholders rewrites ? placeholders to $1, $2, ...
	NumberedPlaceholders bool
}

// Rebind rewrites a query written with ? placeholders for the dialect.
func (d Dialect) Rebind(query string) string {
	if !d.NumberedPlaceholders {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Options tunes a Log.
type Options struct {
	PollInterval time.Duration
}

func (o Options) withDefaults() Options {
	if o.PollInterval <= 0 {
		o.PollInterval = DefaultPollInterval
	}
	return o
}

// Log is a transport.Session backed by a SQL database. The message id is
// the stream offset: ids grow monotonically, so a stream's offsets are
// ordered but not dense.
type Log struct {
	db      *sql.DB
	dialect Dialect
	opts    Options
	logger  watermill.LoggerAdapter

	wg        sync.WaitGroup
	closeOnce sync.Once
	closed    chan struct{}
}

// Open creates the schema and returns a Log that owns db.
func Open(ctx context.Context, db *sql.DB, dialect Dialect, opts Options, logger watermill.LoggerAdapter) (*Log, error) {
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	for _, stmt := range dialect.Schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return nil, fmt.Errorf("failed to initialize %s schema: %w", dialect.Name, err)
		}
	}
	return &Log{
		db:      db,
		dialect: dialect,
		opts:    opts.withDefaults(),
		logger:  logger,
		closed:  make(chan struct{}),
	}, nil
}

func (l *Log) isClosed() bool {
	select {
	case <-l.closed:
		return true
	default:
		return false
	}
}

// DeclareStream records the stream name. Declaring twice is a no-op.
func (l *Log) DeclareStream(ctx context.Context, stream string) error {
	if stream == "" {
		return transport.ErrStreamRequired
	}
	if l.isClosed() {
		return transport.ErrSessionClosed
	}
	_, err := l.db.ExecContext(ctx, l.dialect.Rebind(
		`INSERT INTO streambridge_streams (name) VALUES (?) ON CONFLICT DO NOTHING`,
	), stream)
	if err != nil {
		return fmt.Errorf("failed to declare stream %q: %w", stream, err)
	}
	return nil
}

// Publish appends msg to the stream.
func (l *Log) Publish(ctx context.Context, stream string, msg *message.Message) error {
	if stream == "" {
		return transport.ErrStreamRequired
	}
	if l.isClosed() {
		return transport.ErrSessionClosed
	}

	metadata, err := jsoncodec.Marshal(msg.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}

	var id int64
	err = l.db.QueryRowContext(ctx, l.dialect.Rebind(`
		INSERT INTO streambridge_messages (stream, uuid, payload, metadata)
		VALUES (?, ?, ?, ?)
		RETURNING id
	`), stream, msg.UUID, []byte(msg.Payload), string(metadata)).Scan(&id)
	if err != nil {
		return fmt.Errorf("failed to insert message: %w", err)
	}

	l.logger.Trace("Message appended", watermill.LogFields{
		"stream":    stream,
		"offset":    id,
		"uuid":      msg.UUID,
		"transport": l.dialect.Name,
	})
	return nil
}

// Consume polls the stream for rows past the start position.
func (l *Log) Consume(ctx context.Context, stream string, opts transport.ConsumeOptions) (transport.Consumer, error) {
	if stream == "" {
		return nil, transport.ErrStreamRequired
	}
	if err := opts.Offset.Validate(); err != nil {
		return nil, err
	}
	if l.isClosed() {
		return nil, transport.ErrSessionClosed
	}

	after, err := l.startAfter(ctx, stream, opts.Offset)
	if err != nil {
		return nil, err
	}

	feed := transport.NewFeed()
	l.wg.Add(1)
	go l.poll(ctx, stream, after, opts.PrefetchOrDefault(), feed)
	return feed, nil
}

// startAfter returns the id after which consumption starts.
func (l *Log) startAfter(ctx context.Context, stream string, offset transport.Offset) (int64, error) {
	if pos, ok := offset.Position(); ok {
		return pos - 1, nil
	}
	if offset.IsFirst() {
		return 0, nil
	}

	var last sql.NullInt64
	err := l.db.QueryRowContext(ctx, l.dialect.Rebind(
		`SELECT MAX(id) FROM streambridge_messages WHERE stream = ?`,
	), stream).Scan(&last)
	if err != nil {
		return 0, fmt.Errorf("failed to read stream tail: %w", err)
	}
	return last.Int64, nil
}

type row struct {
	id       int64
	uuid     string
	payload  []byte
	metadata string
}

func (l *Log) fetch(ctx context.Context, stream string, after int64, limit int) ([]row, error) {
	rows, err := l.db.QueryContext(ctx, l.dialect.Rebind(`
		SELECT id, uuid, payload, metadata
		FROM streambridge_messages
		WHERE stream = ? AND id > ?
		ORDER BY id ASC
		LIMIT ?
	`), stream, after, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []row
	for rows.Next() {
		var r row
		var metadata sql.NullString
		if err := rows.Scan(&r.id, &r.uuid, &r.payload, &metadata); err != nil {
			return nil, err
		}
		r.metadata = metadata.String
		out = append(out, r)
	}
	return out, rows.Err()
}

func (l *Log) poll(ctx context.Context, stream string, after int64, batch int, feed *transport.Feed) {
	defer l.wg.Done()

	ticker := time.NewTicker(l.opts.PollInterval)
	defer ticker.Stop()

	for {
		rows, err := l.fetch(ctx, stream, after, batch)
		if err != nil {
			if ctx.Err() != nil || l.isClosed() {
				feed.Finish(l.endCause(ctx))
				return
			}
			feed.Finish(fmt.Errorf("%s poll: %w", l.dialect.Name, err))
			return
		}

		for _, r := range rows {
			if err := l.deliver(ctx, feed, r); err != nil {
				feed.Finish(err)
				return
			}
			after = r.id
		}
		if len(rows) == batch {
			continue
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			feed.Finish(ctx.Err())
			return
		case <-l.closed:
			feed.Finish(transport.ErrSessionClosed)
			return
		}
	}
}

func (l *Log) endCause(ctx context.Context) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return transport.ErrSessionClosed
}

// deliver hands the row out until it is acked. A nacked row is handed out
// again.
func (l *Log) deliver(ctx context.Context, feed *transport.Feed, r row) error {
	md := make(message.Metadata)
	if r.metadata != "" {
		if err := jsoncodec.Unmarshal([]byte(r.metadata), &md); err != nil {
			l.logger.Error("Failed to unmarshal metadata", err, watermill.LogFields{
				"offset": r.id,
			})
		}
	}
	md.Set(transport.MetadataOffset, strconv.FormatInt(r.id, 10))

	for {
		msg := message.NewMessage(r.uuid, r.payload)
		for k, v := range md {
			msg.Metadata.Set(k, v)
		}

		acked, err := feed.Deliver(ctx, l.closed, msg)
		if err != nil {
			return err
		}
		if acked {
			return nil
		}
		l.logger.Debug("Message nacked, redelivering", watermill.LogFields{
			"uuid":   r.uuid,
			"offset": r.id,
		})
	}
}

// Close stops the pollers and closes the database.
func (l *Log) Close() error {
	var err error
	l.closeOnce.Do(func() {
		close(l.closed)
		l.wg.Wait()
		err = l.db.Close()
	})
	return err
}
