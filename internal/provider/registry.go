package provider

import (
	"context"
	"fmt"
	"sync"

	"github.com/notifyhub/fanout-dispatch/internal/domain"
)

// Registry routes a send to the Sender registered for the contact's channel.
// A channel without a sender fails permanently with ChannelUnsupported.
type Registry struct {
	mu      sync.RWMutex
	senders map[domain.Channel]Sender
}

func NewRegistry() *Registry {
	return &Registry{senders: make(map[domain.Channel]Sender)}
}

// Register sets the sender for channel, replacing any previous one.
func (r *Registry) Register(channel domain.Channel, s Sender) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.senders[channel] = s
}

// Channels lists the channels that have a sender.
func (r *Registry) Channels() []domain.Channel {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.Channel, 0, len(r.senders))
	for _, ch := range []domain.Channel{domain.ChannelSMS, domain.ChannelEmail, domain.ChannelPush} {
		if _, ok := r.senders[ch]; ok {
			out = append(out, ch)
		}
	}
	return out
}

func (r *Registry) Send(ctx context.Context, contact domain.ContactData, content *domain.Content) (*SendResult, error) {
	r.mu.RLock()
	s, ok := r.senders[contact.Channel]
	r.mu.RUnlock()
	if !ok {
		return nil, domain.NewChannelError(domain.ReasonChannelUnsupported,
			fmt.Errorf("no sender configured for channel %q", contact.Channel))
	}
	return s.Send(ctx, contact, content)
}

var _ Sender = (*Registry)(nil)
