package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/notifyhub/fanout-dispatch/internal/domain"
)

// SendRequest is the JSON body posted to the webhook gateway.
type SendRequest struct {
	To         string            `json:"to"`
	Name       string            `json:"name,omitempty"`
	Channel    string            `json:"channel"`
	Content    string            `json:"content"`
	Properties domain.Properties `json:"properties,omitempty"`
}

// SendResponse maps the gateway's success response body.
type SendResponse struct {
	MessageID string `json:"messageId"`
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

// WebhookProvider delivers notifications by POSTing JSON to an HTTP gateway.
// Used for SMS and push. The base URL is injected from config so tests can
// point to a local mock.
type WebhookProvider struct {
	baseURL    string
	httpClient *http.Client
}

func NewWebhookProvider(baseURL string, timeout time.Duration) *WebhookProvider {
	return &WebhookProvider{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// Send posts the message and classifies the response:
//
//	2xx                       accepted
//	400, 404, 422             InvalidDestination
//	408, 429                  transient
//	other 4xx                 ContentRejected
//	5xx, transport errors     transient
func (p *WebhookProvider) Send(ctx context.Context, contact domain.ContactData, content *domain.Content) (*SendResult, error) {
	body, err := json.Marshal(SendRequest{
		To:         contact.Address,
		Name:       contact.DisplayName,
		Channel:    string(contact.Channel),
		Content:    content.Text,
		Properties: content.Properties,
	})
	if err != nil {
		return nil, domain.NewChannelError(domain.ReasonContentRejected, fmt.Errorf("marshal request: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, domain.Transient(fmt.Errorf("send request: %w", err))
	}
	defer resp.Body.Close()

	if err := classifyStatus(resp); err != nil {
		return nil, err
	}

	// The gateway accepted the message; a body we cannot read only costs us
	// the message id.
	var sendResp SendResponse
	_ = json.NewDecoder(resp.Body).Decode(&sendResp)
	return &SendResult{MessageID: sendResp.MessageID}, nil
}

func classifyStatus(resp *http.Response) error {
	code := resp.StatusCode
	if code >= 200 && code < 300 {
		return nil
	}
	detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	err := fmt.Errorf("gateway status %d: %s", code, bytes.TrimSpace(detail))

	switch {
	case code == http.StatusBadRequest, code == http.StatusNotFound, code == http.StatusUnprocessableEntity:
		return domain.NewChannelError(domain.ReasonInvalidDestination, err)
	case code == http.StatusRequestTimeout, code == http.StatusTooManyRequests:
		return domain.Transient(err)
	case code >= 400 && code < 500:
		return domain.NewChannelError(domain.ReasonContentRejected, err)
	default:
		return domain.Transient(err)
	}
}

// compile-time check that WebhookProvider implements Sender
var _ Sender = (*WebhookProvider)(nil)
