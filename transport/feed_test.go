package transport

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFeed_DeliverAck(t *testing.T) {
	f := NewFeed()
	msg := message.NewMessage("1", []byte("a"))

	result := make(chan bool, 1)
	go func() {
		acked, err := f.Deliver(context.Background(), nil, msg)
		assert.NoError(t, err)
		result <- acked
	}()

	got := <-f.Messages()
	assert.Same(t, msg, got)
	got.Ack()

	select {
	case acked := <-result:
		assert.True(t, acked)
	case <-time.After(time.Second):
		t.Fatal("deliver did not return after ack")
	}
}

func TestFeed_DeliverNack(t *testing.T) {
	f := NewFeed()
	msg := message.NewMessage("1", nil)

	result := make(chan bool, 1)
	go func() {
		acked, _ := f.Deliver(context.Background(), nil, msg)
		result <- acked
	}()

	(<-f.Messages()).Nack()
	assert.False(t, <-result)
}

func TestFeed_DeliverStopped(t *testing.T) {
	f := NewFeed()
	stop := make(chan struct{})
	close(stop)

	_, err := f.Deliver(context.Background(), stop, message.NewMessage("1", nil))
	assert.ErrorIs(t, err, ErrSessionClosed)
}

func TestFeed_DeliverContextDone(t *testing.T) {
	f := NewFeed()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.Deliver(ctx, nil, message.NewMessage("1", nil))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestFeed_Finish(t *testing.T) {
	boom := errors.New("boom")
	f := NewFeed()
	f.Finish(boom)
	f.Finish(nil)

	_, open := <-f.Messages()
	assert.False(t, open)
	assert.ErrorIs(t, f.Err(), boom)
}

func TestFeed_FinishCanceledIsClean(t *testing.T) {
	f := NewFeed()
	f.Finish(context.Canceled)
	require.NoError(t, f.Err())
}
