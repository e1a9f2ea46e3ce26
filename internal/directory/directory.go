// Package directory resolves a recipient's contact data for a channel.
package directory

import (
	"context"
	"strings"

	"github.com/notifyhub/fanout-dispatch/internal/domain"
)

// Directory looks up where a recipient can be reached on a channel.
//
// Resolve returns domain.ErrRecipientNotFound, domain.ErrContactNotSet or
// domain.ErrContactUnconfirmed (all wrapping domain.ErrReceiverInfoNotFound)
// when the recipient has no usable contact, or a transient error when the
// lookup itself failed.
type Directory interface {
	Resolve(ctx context.Context, tenantID, recipientID string, channel domain.Channel) (domain.ContactData, error)
}

// Recipient is a directory entry with every channel's contact fields.
type Recipient struct {
	TenantID       string `json:"tenant_id"`
	ID             string `json:"id"`
	DisplayName    string `json:"display_name"`
	Phone          string `json:"phone"`
	PhoneConfirmed bool   `json:"phone_confirmed"`
	Email          string `json:"email"`
	EmailConfirmed bool   `json:"email_confirmed"`
	PushToken      string `json:"push_token"`
}

// ContactFor applies the per-channel usability rules: sms and email need a
// confirmed address, push needs a non-empty device token.
func (r Recipient) ContactFor(channel domain.Channel) (domain.ContactData, error) {
	var address string
	switch channel {
	case domain.ChannelSMS:
		address = strings.TrimSpace(r.Phone)
		if address == "" {
			return domain.ContactData{}, domain.ErrContactNotSet
		}
		if !r.PhoneConfirmed {
			return domain.ContactData{}, domain.ErrContactUnconfirmed
		}
	case domain.ChannelEmail:
		address = strings.TrimSpace(r.Email)
		if address == "" {
			return domain.ContactData{}, domain.ErrContactNotSet
		}
		if !r.EmailConfirmed {
			return domain.ContactData{}, domain.ErrContactUnconfirmed
		}
	case domain.ChannelPush:
		address = strings.TrimSpace(r.PushToken)
		if address == "" {
			return domain.ContactData{}, domain.ErrContactNotSet
		}
	default:
		return domain.ContactData{}, domain.ErrContactNotSet
	}
	return domain.ContactData{Channel: channel, Address: address, DisplayName: r.DisplayName}, nil
}
