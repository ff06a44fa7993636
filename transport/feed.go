package transport

import (
	"context"
	"errors"
	"sync"

	"github.com/ThreeDotsLabs/watermill/message"
)

// Feed hands messages from a transport's read loop to a single reader and
// waits until each one is settled before the next is sent. It implements
// Consumer so transports only have to write the broker-specific loop.
type Feed struct {
	out  chan *message.Message
	once sync.Once

	mu  sync.Mutex
	err error
}

// NewFeed returns an open Feed.
func NewFeed() *Feed {
	return &Feed{out: make(chan *message.Message)}
}

// Messages implements Consumer.
func (f *Feed) Messages() <-chan *message.Message {
	return f.out
}

// Err implements Consumer.
func (f *Feed) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

// Deliver sends msg to the reader and blocks until it is acked (true) or
// nacked (false). It gives up when ctx is done or stop is closed, returning
// the reason; a nil stop channel is ignored.
func (f *Feed) Deliver(ctx context.Context, stop <-chan struct{}, msg *message.Message) (bool, error) {
	select {
	case f.out <- msg:
	case <-ctx.Done():
		return false, ctx.Err()
	case <-stop:
		return false, ErrSessionClosed
	}

	select {
	case <-msg.Acked():
		return true, nil
	case <-msg.Nacked():
		return false, nil
	case <-ctx.Done():
		return false, ctx.Err()
	case <-stop:
		return false, ErrSessionClosed
	}
}

// Finish closes Messages and records why. Context cancellation counts as a
// clean stop. Only the goroutine that calls Deliver may call Finish; later
// calls are ignored.
func (f *Feed) Finish(err error) {
	f.once.Do(func() {
		if errors.Is(err, context.Canceled) {
			err = nil
		}
		f.mu.Lock()
		f.err = err
		f.mu.Unlock()
		close(f.out)
	})
}
