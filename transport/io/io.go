// Package io provides a file-based stream transport for streambridge. All
// streams share one append-only JSON-lines file; a message's offset is its
// index among the lines of its stream.
package io

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/streambridge/internal/runtime/jsoncodec"
	"github.com/drblury/streambridge/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "io"

// DefaultFilePath is the default file path if none is specified.
const DefaultFilePath = "streambridge.jsonl"

// DefaultPollInterval is how often a consumer at the end of the file checks
// for new lines.
const DefaultPollInterval = 50 * time.Millisecond

func init() {
	Register()
}

// Register registers the I/O transport with the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.IOCapabilities)
}

// Build opens the configured file for appending.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Session, error) {
	filePath := cfg.GetIOFile()
	if filePath == "" {
		filePath = DefaultFilePath
	}
	return Open(filePath, DefaultPollInterval, logger)
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.IOCapabilities
}

// storedMessage is the JSON structure for persisted messages.
type storedMessage struct {
	Stream   string            `json:"stream"`
	UUID     string            `json:"uuid"`
	Metadata map[string]string `json:"metadata,omitempty"`
	Payload  []byte            `json:"payload"`
}

// Session appends to and tails one JSON-lines file.
type Session struct {
	filePath string
	poll     time.Duration
	logger   watermill.LoggerAdapter

	mu sync.Mutex
	w  *os.File

	wg        sync.WaitGroup
	closeOnce sync.Once
	closed    chan struct{}
}

// Open opens filePath for appending, creating it when missing.
func Open(filePath string, poll time.Duration, logger watermill.LoggerAdapter) (*Session, error) {
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	if poll <= 0 {
		poll = DefaultPollInterval
	}

	w, err := os.OpenFile(filePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to open %q: %w", filePath, err)
	}

	return &Session{
		filePath: filePath,
		poll:     poll,
		logger:   logger,
		w:        w,
		closed:   make(chan struct{}),
	}, nil
}

func (s *Session) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

// DeclareStream is a no-op: streams exist as soon as a line names them.
func (s *Session) DeclareStream(ctx context.Context, stream string) error {
	if stream == "" {
		return transport.ErrStreamRequired
	}
	if s.isClosed() {
		return transport.ErrSessionClosed
	}
	return nil
}

// Publish appends msg as one line and syncs the file.
func (s *Session) Publish(ctx context.Context, stream string, msg *message.Message) error {
	if stream == "" {
		return transport.ErrStreamRequired
	}
	if s.isClosed() {
		return transport.ErrSessionClosed
	}

	line, err := jsoncodec.Marshal(storedMessage{
		Stream:   stream,
		UUID:     msg.UUID,
		Metadata: msg.Metadata,
		Payload:  msg.Payload,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	line = append(line, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.w.Write(line); err != nil {
		return fmt.Errorf("failed to append message: %w", err)
	}
	return s.w.Sync()
}

// Consume tails the file from the requested offset.
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

	f, err := os.Open(s.filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open %q: %w", s.filePath, err)
	}

	var from int64
	switch pos, ok := opts.Offset.Position(); {
	case ok:
		from = pos
	case opts.Offset.IsLast():
		// Lines appended after this count are new.
		from, err = countLines(s.filePath, stream)
		if err != nil {
			f.Close()
			return nil, err
		}
	}

	feed := transport.NewFeed()
	s.wg.Add(1)
	go s.consume(ctx, f, stream, from, feed)
	return feed, nil
}

func countLines(filePath, stream string) (int64, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return 0, fmt.Errorf("failed to open %q: %w", filePath, err)
	}
	defer f.Close()

	var n int64
	reader := bufio.NewReader(f)
	for {
		line, err := reader.ReadBytes('\n')
		if err == io.EOF {
			return n, nil
		}
		if err != nil {
			return 0, err
		}
		var sm storedMessage
		if jsoncodec.Unmarshal(line, &sm) == nil && sm.Stream == stream {
			n++
		}
	}
}

func (s *Session) consume(ctx context.Context, f *os.File, stream string, from int64, feed *transport.Feed) {
	defer s.wg.Done()
	defer f.Close()

	ticker := time.NewTicker(s.poll)
	defer ticker.Stop()

	reader := bufio.NewReader(f)
	var pos, index int64

	for {
		line, err := reader.ReadBytes('\n')
		if err == io.EOF {
			// A partial line is re-read once the writer finished it.
			if _, err := f.Seek(pos, io.SeekStart); err != nil {
				feed.Finish(fmt.Errorf("failed to seek file: %w", err))
				return
			}
			reader.Reset(f)

			select {
			case <-ticker.C:
				continue
			case <-ctx.Done():
				feed.Finish(ctx.Err())
				return
			case <-s.closed:
				feed.Finish(transport.ErrSessionClosed)
				return
			}
		}
		if err != nil {
			feed.Finish(fmt.Errorf("failed to read file: %w", err))
			return
		}
		pos += int64(len(line))

		var sm storedMessage
		if err := jsoncodec.Unmarshal(line, &sm); err != nil {
			s.logger.Error("Failed to unmarshal message", err, watermill.LogFields{"position": pos})
			continue
		}
		if sm.Stream != stream {
			continue
		}

		offset := index
		index++
		if offset < from {
			continue
		}

		if err := s.deliver(ctx, feed, sm, offset); err != nil {
			feed.Finish(err)
			return
		}
	}
}

func (s *Session) deliver(ctx context.Context, feed *transport.Feed, sm storedMessage, offset int64) error {
	for {
		msg := message.NewMessage(sm.UUID, sm.Payload)
		for k, v := range sm.Metadata {
			msg.Metadata.Set(k, v)
		}
		msg.Metadata.Set(transport.MetadataOffset, strconv.FormatInt(offset, 10))

		acked, err := feed.Deliver(ctx, s.closed, msg)
		if err != nil {
			return err
		}
		if acked {
			return nil
		}
		s.logger.Debug("Message nacked", watermill.LogFields{"uuid": sm.UUID, "offset": offset})
	}
}

// Close stops the consumers and closes the file.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.closed)
		s.wg.Wait()
		s.mu.Lock()
		err = s.w.Close()
		s.mu.Unlock()
	})
	return err
}
