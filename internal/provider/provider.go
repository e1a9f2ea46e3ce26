// Package provider holds the channel senders that hand a resolved delivery
// to an external gateway.
package provider

import (
	"context"

	"github.com/notifyhub/fanout-dispatch/internal/domain"
)

// SendResult carries what the gateway reported for an accepted send.
type SendResult struct {
	// MessageID is the gateway's id for the message. May be empty.
	MessageID string
}

// Sender abstracts delivery to an external notification service.
//
// A nil error means the gateway accepted the message. A *domain.ChannelError
// is a permanent, classified rejection. Any other error is transient and the
// delivery is retried later.
//
// Mocking this interface in tests gives full control over provider behaviour
// without making real network calls.
type Sender interface {
	Send(ctx context.Context, contact domain.ContactData, content *domain.Content) (*SendResult, error)
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, contact domain.ContactData, content *domain.Content) (*SendResult, error)

func (f SenderFunc) Send(ctx context.Context, contact domain.ContactData, content *domain.Content) (*SendResult, error) {
	return f(ctx, contact, content)
}
