package domain

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Sentinel errors used throughout the application.
// Handlers translate these to HTTP status codes via a single mapError function;
// workers use IsTransient / IsPermanent to decide between ack and redelivery.
var (
	ErrNotFound  = errors.New("not found")
	ErrQueueFull = errors.New("queue is at capacity, try again later")

	// ErrInvalidInput rejects a creation request synchronously; nothing is persisted.
	ErrInvalidInput = errors.New("invalid input")

	// ErrStorage marks persistence failures. The pg and sqlite stores wrap every
	// driver error with it.
	ErrStorage = errors.New("storage error")

	// ErrTransient marks directory/sender failures that may succeed on retry
	// (timeouts, connectivity). The delivery stays pending.
	ErrTransient = errors.New("transient infrastructure failure")

	// ErrReceiverInfoNotFound is the parent of every "no usable contact" outcome.
	ErrReceiverInfoNotFound = errors.New("receiver info not found")

	ErrRecipientNotFound  = fmt.Errorf("%w: recipient does not exist", ErrReceiverInfoNotFound)
	ErrContactNotSet      = fmt.Errorf("%w: contact data not set", ErrReceiverInfoNotFound)
	ErrContactUnconfirmed = fmt.Errorf("%w: contact data not confirmed", ErrReceiverInfoNotFound)

	ErrInvalidChannel    = fmt.Errorf("%w: channel must be sms, email, or push", ErrInvalidInput)
	ErrInvalidPriority   = fmt.Errorf("%w: priority must be high, normal, or low", ErrInvalidInput)
	ErrInvalidRecipient  = fmt.Errorf("%w: recipient id must not be empty", ErrInvalidInput)
	ErrInvalidProperties = fmt.Errorf("%w: properties", ErrInvalidInput)
	ErrTooManyRecipients = fmt.Errorf("%w: too many recipients", ErrInvalidInput)
)

// ChannelError is a permanent, classified rejection reported by a channel sender
// (e.g. invalid destination). It ends the delivery in the failed state.
type ChannelError struct {
	Reason FailureReason
	Err    error
}

func NewChannelError(reason FailureReason, err error) *ChannelError {
	return &ChannelError{Reason: reason, Err: err}
}

func (e *ChannelError) Error() string {
	if e.Err == nil {
		return "channel error: " + string(e.Reason)
	}
	return fmt.Sprintf("channel error: %s: %v", e.Reason, e.Err)
}

func (e *ChannelError) Unwrap() error { return e.Err }

// Transient wraps err so that IsTransient reports true for it.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrTransient, err)
}

// IsTransient reports whether err means "try again later": explicit transient
// and storage failures, deadlines, and network timeouts.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrTransient) || errors.Is(err, ErrStorage) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// AsChannelError extracts a *ChannelError from err's chain.
func AsChannelError(err error) (*ChannelError, bool) {
	var chErr *ChannelError
	if errors.As(err, &chErr) {
		return chErr, true
	}
	return nil, false
}
