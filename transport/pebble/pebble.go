// Package pebble provides an embedded, durable stream transport for
// streambridge backed by a Pebble key-value store.
//
// Entries are keyed by stream and an 8-byte big-endian sequence so a
// forward scan returns a stream in append order. Pebble holds an exclusive
// lock on its directory, so all sessions of one process share a single
// handle per directory.
package pebble

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/cockroachdb/pebble"

	"github.com/drblury/streambridge/internal/runtime/jsoncodec"
	"github.com/drblury/streambridge/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "pebble"

// DefaultDir is used when no data directory is configured.
const DefaultDir = "streambridge-data"

// ErrInvalidStreamName is returned for stream names containing a NUL byte.
var ErrInvalidStreamName = errors.New("streambridge: stream name must not contain NUL")

const (
	prefixEntry  = 's'
	prefixStream = 'm'
	sep          = 0x00
)

func init() {
	Register()
}

// Register registers the Pebble transport with the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.PebbleCapabilities)
}

// Build opens (or joins) the store in the configured directory.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Session, error) {
	dir := cfg.GetPebbleDir()
	if dir == "" {
		dir = DefaultDir
	}
	return Open(dir, logger)
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.PebbleCapabilities
}

// entry is the stored value of one message.
type entry struct {
	UUID     string            `json:"uuid"`
	Metadata map[string]string `json:"metadata,omitempty"`
	Payload  []byte            `json:"payload"`
}

func streamPrefix(stream string) []byte {
	k := make([]byte, 0, len(stream)+3)
	k = append(k, prefixEntry, sep)
	k = append(k, stream...)
	return append(k, sep)
}

func entryKey(stream string, seq uint64) []byte {
	k := streamPrefix(stream)
	return binary.BigEndian.AppendUint64(k, seq)
}

func streamKey(stream string) []byte {
	k := make([]byte, 0, len(stream)+2)
	k = append(k, prefixStream, sep)
	return append(k, stream...)
}

// upperBound returns the smallest key greater than every key with prefix.
func upperBound(prefix []byte) []byte {
	end := append([]byte(nil), prefix...)
	end[len(end)-1]++
	return end
}

// store is one open Pebble database shared by every session on its dir.
type store struct {
	dir  string
	db   *pebble.DB
	refs int

	mu      sync.Mutex
	next    map[string]uint64
	changed map[string]chan struct{}
}

var (
	storesMu sync.Mutex
	stores   = map[string]*store{}
)

// OpenDB allows overriding the database creation for testing.
var OpenDB = func(dir string) (*pebble.DB, error) {
	return pebble.Open(dir, &pebble.Options{})
}

func acquire(dir string) (*store, error) {
	storesMu.Lock()
	defer storesMu.Unlock()

	if s, ok := stores[dir]; ok {
		s.refs++
		return s, nil
	}

	db, err := OpenDB(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to open pebble store %q: %w", dir, err)
	}
	s := &store{
		dir:     dir,
		db:      db,
		refs:    1,
		next:    make(map[string]uint64),
		changed: make(map[string]chan struct{}),
	}
	stores[dir] = s
	return s, nil
}

func (s *store) release() error {
	storesMu.Lock()
	defer storesMu.Unlock()

	s.refs--
	if s.refs > 0 {
		return nil
	}
	delete(stores, s.dir)
	return s.db.Close()
}

// must be called with s.mu held
func (s *store) changedLocked(stream string) chan struct{} {
	ch, ok := s.changed[stream]
	if !ok {
		ch = make(chan struct{})
		s.changed[stream] = ch
	}
	return ch
}

func (s *store) watch(stream string) <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.changedLocked(stream)
}

// must be called with s.mu held
func (s *store) nextSeqLocked(stream string) (uint64, error) {
	if seq, ok := s.next[stream]; ok {
		return seq, nil
	}

	prefix := streamPrefix(stream)
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: upperBound(prefix)})
	if err != nil {
		return 0, err
	}
	defer iter.Close()

	var seq uint64
	if iter.Last() {
		key := iter.Key()
		seq = binary.BigEndian.Uint64(key[len(key)-8:]) + 1
	}
	s.next[stream] = seq
	return seq, nil
}

func (s *store) append(stream string, value []byte) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	seq, err := s.nextSeqLocked(stream)
	if err != nil {
		return 0, err
	}

	b := s.db.NewBatch()
	defer b.Close()
	if err := b.Set(entryKey(stream, seq), value, nil); err != nil {
		return 0, err
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return 0, err
	}

	s.next[stream] = seq + 1
	close(s.changedLocked(stream))
	s.changed[stream] = make(chan struct{})
	return seq, nil
}

func (s *store) tail(stream string) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextSeqLocked(stream)
}

type stored struct {
	seq   uint64
	value []byte
}

// read returns up to limit entries with seq >= from.
func (s *store) read(stream string, from uint64, limit int) ([]stored, error) {
	prefix := streamPrefix(stream)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: entryKey(stream, from),
		UpperBound: upperBound(prefix),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var out []stored
	for valid := iter.First(); valid && len(out) < limit; valid = iter.Next() {
		key := iter.Key()
		out = append(out, stored{
			seq:   binary.BigEndian.Uint64(key[len(key)-8:]),
			value: append([]byte(nil), iter.Value()...),
		})
	}
	return out, iter.Error()
}

// Session is a transport.Session on a shared Pebble store.
type Session struct {
	store  *store
	logger watermill.LoggerAdapter

	wg        sync.WaitGroup
	closeOnce sync.Once
	closed    chan struct{}
}

// Open returns a session on the store in dir.
func Open(dir string, logger watermill.LoggerAdapter) (*Session, error) {
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	st, err := acquire(dir)
	if err != nil {
		return nil, err
	}
	return &Session{store: st, logger: logger, closed: make(chan struct{})}, nil
}

func (s *Session) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

func checkStream(stream string) error {
	if stream == "" {
		return transport.ErrStreamRequired
	}
	if strings.IndexByte(stream, sep) >= 0 {
		return ErrInvalidStreamName
	}
	return nil
}

// DeclareStream records the stream in the store.
func (s *Session) DeclareStream(ctx context.Context, stream string) error {
	if err := checkStream(stream); err != nil {
		return err
	}
	if s.isClosed() {
		return transport.ErrSessionClosed
	}
	if err := s.store.db.Set(streamKey(stream), nil, pebble.Sync); err != nil {
		return fmt.Errorf("failed to declare stream %q: %w", stream, err)
	}
	return nil
}

// Publish appends msg with a synced write.
func (s *Session) Publish(ctx context.Context, stream string, msg *message.Message) error {
	if err := checkStream(stream); err != nil {
		return err
	}
	if s.isClosed() {
		return transport.ErrSessionClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	value, err := jsoncodec.Marshal(entry{UUID: msg.UUID, Metadata: msg.Metadata, Payload: msg.Payload})
	if err != nil {
		return fmt.Errorf("failed to encode message: %w", err)
	}

	seq, err := s.store.append(stream, value)
	if err != nil {
		return fmt.Errorf("failed to append to %q: %w", stream, err)
	}

	s.logger.Trace("Message appended", watermill.LogFields{
		"stream":    stream,
		"offset":    seq,
		"uuid":      msg.UUID,
		"transport": TransportName,
	})
	return nil
}

// Consume reads the stream from the requested offset and follows new
// appends.
func (s *Session) Consume(ctx context.Context, stream string, opts transport.ConsumeOptions) (transport.Consumer, error) {
	if err := checkStream(stream); err != nil {
		return nil, err
	}
	if err := opts.Offset.Validate(); err != nil {
		return nil, err
	}
	if s.isClosed() {
		return nil, transport.ErrSessionClosed
	}

	var from uint64
	switch pos, ok := opts.Offset.Position(); {
	case ok:
		from = uint64(pos)
	case opts.Offset.IsLast():
		tail, err := s.store.tail(stream)
		if err != nil {
			return nil, fmt.Errorf("failed to read stream tail: %w", err)
		}
		from = tail
	}

	feed := transport.NewFeed()
	s.wg.Add(1)
	go s.consume(ctx, stream, from, opts.PrefetchOrDefault(), feed)
	return feed, nil
}

func (s *Session) consume(ctx context.Context, stream string, from uint64, batch int, feed *transport.Feed) {
	defer s.wg.Done()

	for {
		// Take the watch channel before reading so an append between the
		// read and the wait is not missed.
		changed := s.store.watch(stream)

		entries, err := s.store.read(stream, from, batch)
		if err != nil {
			feed.Finish(fmt.Errorf("pebble read: %w", err))
			return
		}

		for _, e := range entries {
			if err := s.deliver(ctx, feed, e); err != nil {
				feed.Finish(err)
				return
			}
			from = e.seq + 1
		}
		if len(entries) > 0 {
			continue
		}

		select {
		case <-changed:
		case <-ctx.Done():
			feed.Finish(ctx.Err())
			return
		case <-s.closed:
			feed.Finish(transport.ErrSessionClosed)
			return
		}
	}
}

func (s *Session) deliver(ctx context.Context, feed *transport.Feed, e stored) error {
	var decoded entry
	if err := jsoncodec.Unmarshal(e.value, &decoded); err != nil {
		s.logger.Error("Failed to decode entry, skipping", err, watermill.LogFields{
			"offset": e.seq,
		})
		return nil
	}

	for {
		msg := message.NewMessage(decoded.UUID, decoded.Payload)
		for k, v := range decoded.Metadata {
			msg.Metadata.Set(k, v)
		}
		msg.Metadata.Set(transport.MetadataOffset, strconv.FormatUint(e.seq, 10))

		acked, err := feed.Deliver(ctx, s.closed, msg)
		if err != nil {
			return err
		}
		if acked {
			return nil
		}
	}
}

// Close stops the consumers and releases the store.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.closed)
		s.wg.Wait()
		err = s.store.release()
	})
	return err
}
