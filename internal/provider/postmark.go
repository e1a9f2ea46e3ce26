package provider

import (
	"context"
	"fmt"

	"github.com/mrz1836/postmark"

	"github.com/notifyhub/fanout-dispatch/internal/domain"
)

// Postmark API error codes that mean the address itself is unusable.
// 300: invalid email request (bad To address), 406: inactive recipient.
const (
	postmarkInvalidEmail      = 300
	postmarkInactiveRecipient = 406
)

// Postmark API error codes caused by our own account or configuration, or by
// Postmark itself. They say nothing about the message, so the delivery stays
// pending until the problem is fixed.
// 10: bad or missing API token, 100: maintenance, 405: account not allowed to send.
const (
	postmarkBadToken    = 10
	postmarkMaintenance = 100
	postmarkNotAllowed  = 405
)

// PostmarkConfig holds the settings for PostmarkProvider.
type PostmarkConfig struct {
	ServerToken    string
	AccountToken   string
	FromAddr       string
	DefaultSubject string
	// MessageStream selects the Postmark stream, e.g. "outbound".
	MessageStream string
	// BaseURL overrides the API endpoint. Tests point it at httptest.
	BaseURL string
}

// PostmarkProvider delivers email through Postmark's transactional API.
type PostmarkProvider struct {
	client *postmark.Client
	config PostmarkConfig
}

func NewPostmarkProvider(cfg PostmarkConfig) (*PostmarkProvider, error) {
	if cfg.ServerToken == "" {
		return nil, fmt.Errorf("%w: postmark server token is required", domain.ErrInvalidInput)
	}
	if cfg.FromAddr == "" {
		return nil, fmt.Errorf("%w: postmark sender address is required", domain.ErrInvalidInput)
	}
	client := postmark.NewClient(cfg.ServerToken, cfg.AccountToken)
	if cfg.BaseURL != "" {
		client.BaseURL = cfg.BaseURL
	}
	return &PostmarkProvider{client: client, config: cfg}, nil
}

func (p *PostmarkProvider) Send(ctx context.Context, contact domain.ContactData, content *domain.Content) (*SendResult, error) {
	to := contact.Address
	if contact.DisplayName != "" {
		to = fmt.Sprintf("%q <%s>", contact.DisplayName, contact.Address)
	}
	tag, _ := content.Properties["tag"].(string)

	resp, err := p.client.SendEmail(ctx, postmark.Email{
		From:          p.config.FromAddr,
		To:            to,
		Subject:       subjectOf(content, p.config.DefaultSubject),
		Tag:           tag,
		TextBody:      content.Text,
		MessageStream: p.config.MessageStream,
	})
	// The API reports rejections in the body; check it before the transport
	// error since the client may surface both.
	if resp.ErrorCode > 0 {
		apiErr := fmt.Errorf("postmark error: %d - %s", resp.ErrorCode, resp.Message)
		switch resp.ErrorCode {
		case postmarkInvalidEmail, postmarkInactiveRecipient:
			return nil, domain.NewChannelError(domain.ReasonInvalidDestination, apiErr)
		case postmarkBadToken, postmarkMaintenance, postmarkNotAllowed:
			return nil, domain.Transient(apiErr)
		default:
			return nil, domain.NewChannelError(domain.ReasonContentRejected, apiErr)
		}
	}
	if err != nil {
		return nil, domain.Transient(fmt.Errorf("postmark send: %w", err))
	}
	return &SendResult{MessageID: resp.MessageID}, nil
}

var _ Sender = (*PostmarkProvider)(nil)
