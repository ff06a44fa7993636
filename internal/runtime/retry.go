package runtime

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Retry defaults used when a RetryPolicy field is zero.
const (
	DefaultMaxAttempts     = 3
	DefaultInitialInterval = 100 * time.Millisecond
)

// RetryPolicy bounds how often and how patiently a publish is retried. With
// MaxInterval at or below InitialInterval every wait is InitialInterval;
// otherwise the wait grows exponentially up to MaxInterval.
type RetryPolicy struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// DefaultRetryPolicy allows three attempts with a constant 100ms pause.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:     DefaultMaxAttempts,
		InitialInterval: DefaultInitialInterval,
	}
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.MaxAttempts == 0 {
		p.MaxAttempts = DefaultMaxAttempts
	}
	if p.InitialInterval <= 0 {
		p.InitialInterval = DefaultInitialInterval
	}
	return p
}

func (p RetryPolicy) newBackOff() backoff.BackOff {
	if p.MaxInterval <= p.InitialInterval {
		return backoff.NewConstantBackOff(p.InitialInterval)
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialInterval
	b.MaxInterval = p.MaxInterval
	b.Reset()
	return b
}

// sleepContext waits for d or until ctx is done.
func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
