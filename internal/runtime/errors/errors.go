package errors

import (
	sterrors "errors"
	"fmt"
)

var (
	ErrStreamRequired       = sterrors.New("streambridge: stream name is required")
	ErrDialerRequired       = sterrors.New("streambridge: dialer is required")
	ErrConnectionRequired   = sterrors.New("streambridge: connection manager is required")
	ErrPublisherRequired    = sterrors.New("streambridge: publisher is required")
	ErrSubscriberRequired   = sterrors.New("streambridge: subscriber is required")
	ErrHandlerRequired      = sterrors.New("streambridge: handler function is required")
	ErrInvalidAttempts      = sterrors.New("streambridge: publish attempts must be positive")
	ErrPublishTimeout       = sterrors.New("streambridge: publish attempts exhausted")
	ErrAlreadyStarted       = sterrors.New("streambridge: subscriber already started")
	ErrNotStarted           = sterrors.New("streambridge: subscriber not started")
	ErrNotBackground        = sterrors.New("streambridge: subscriber is not in background mode")
	ErrSubscriptionClosed   = sterrors.New("streambridge: subscription closed")
	ErrDeliveryNotSettled   = sterrors.New("streambridge: handler returned without ack or nack")
	ErrInvalidQueueCapacity = sterrors.New("streambridge: queue capacity must be positive")
	ErrConfigRequired       = sterrors.New("streambridge: configuration is required")
	ErrEmptyResponse        = sterrors.New("streambridge: response carries no messages")
)

// ConfigValidationError reports why a configuration was rejected.
type ConfigValidationError struct {
	Err error
}

func (e ConfigValidationError) Error() string {
	return fmt.Sprintf("streambridge: invalid configuration: %v", e.Err)
}

func (e ConfigValidationError) Unwrap() error { return e.Err }

// NewConfigValidationError wraps err, returning nil for a nil err.
func NewConfigValidationError(err error) error {
	if err == nil {
		return nil
	}
	return ConfigValidationError{Err: err}
}
