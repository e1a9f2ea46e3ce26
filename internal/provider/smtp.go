package provider

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/wneessen/go-mail"

	"github.com/notifyhub/fanout-dispatch/internal/domain"
)

// SMTPConfig holds the settings for SMTPProvider.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	// Encryption is one of "none", "starttls" or "ssl_tls".
	Encryption     string
	FromAddr       string
	DefaultSubject string
	Timeout        time.Duration
}

// SMTPProvider delivers email via SMTP using the go-mail library.
// The subject comes from the "subject" property when present.
type SMTPProvider struct {
	config SMTPConfig
}

func NewSMTPProvider(config SMTPConfig) *SMTPProvider {
	return &SMTPProvider{config: config}
}

func (p *SMTPProvider) Send(ctx context.Context, contact domain.ContactData, content *domain.Content) (*SendResult, error) {
	m := mail.NewMsg()
	if err := m.From(p.config.FromAddr); err != nil {
		// Our own misconfiguration; retrying will not help but neither is the
		// recipient at fault.
		return nil, domain.NewChannelError(domain.ReasonSendingFailed, fmt.Errorf("invalid from address: %w", err))
	}
	if contact.DisplayName != "" {
		if err := m.AddToFormat(contact.DisplayName, contact.Address); err != nil {
			return nil, domain.NewChannelError(domain.ReasonInvalidDestination, fmt.Errorf("invalid recipient %q: %w", contact.Address, err))
		}
	} else if err := m.To(contact.Address); err != nil {
		return nil, domain.NewChannelError(domain.ReasonInvalidDestination, fmt.Errorf("invalid recipient %q: %w", contact.Address, err))
	}

	m.Subject(subjectOf(content, p.config.DefaultSubject))
	m.SetBodyString(mail.TypeTextPlain, content.Text)
	m.SetMessageID()

	opts := []mail.Option{
		mail.WithPort(p.config.Port),
		mail.WithTLSPolicy(tlsPolicyFromEncryption(p.config.Encryption)),
	}
	if p.config.Encryption == "ssl_tls" {
		opts = append(opts, mail.WithSSL())
	}
	if p.config.Username != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(p.config.Username),
			mail.WithPassword(p.config.Password),
		)
	}
	if p.config.Timeout > 0 {
		opts = append(opts, mail.WithTimeout(p.config.Timeout))
	}

	c, err := mail.NewClient(p.config.Host, opts...)
	if err != nil {
		return nil, domain.NewChannelError(domain.ReasonSendingFailed, fmt.Errorf("failed to create mail client: %w", err))
	}

	if err := c.DialAndSendWithContext(ctx, m); err != nil {
		return nil, classifySMTPError(err)
	}
	return &SendResult{MessageID: m.GetMessageID()}, nil
}

// classifySMTPError turns permanent (5xx) rejections into channel errors.
// A refused recipient is an invalid destination, a refused message body is
// rejected content. Everything else, including 4xx replies and connection
// failures, is transient.
func classifySMTPError(err error) error {
	var sendErr *mail.SendError
	if errors.As(err, &sendErr) && !sendErr.IsTemp() {
		switch sendErr.Reason {
		case mail.ErrSMTPRcptTo:
			return domain.NewChannelError(domain.ReasonInvalidDestination, err)
		case mail.ErrSMTPData, mail.ErrSMTPDataClose:
			return domain.NewChannelError(domain.ReasonContentRejected, err)
		}
	}
	return domain.Transient(fmt.Errorf("smtp send: %w", err))
}

// tlsPolicyFromEncryption converts the encryption string to a go-mail TLSPolicy.
func tlsPolicyFromEncryption(enc string) mail.TLSPolicy {
	switch enc {
	case "ssl_tls":
		return mail.TLSMandatory
	case "starttls":
		return mail.TLSOpportunistic
	default:
		return mail.NoTLS
	}
}

func subjectOf(content *domain.Content, fallback string) string {
	if s, ok := content.Properties["subject"].(string); ok && s != "" {
		return s
	}
	return fallback
}

var _ Sender = (*SMTPProvider)(nil)
