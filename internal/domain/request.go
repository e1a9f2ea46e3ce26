package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Properties is the structured, channel-agnostic part of a notification's
// content. Keys are unique; values must be JSON-serializable.
type Properties map[string]any

// UnmarshalJSON decodes a JSON object, rejecting duplicate keys at any depth
// instead of silently keeping the last one.
func (p *Properties) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	tok, err := dec.Token()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidProperties, err)
	}
	if tok == nil {
		*p = nil
		return nil
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return fmt.Errorf("%w: must be a JSON object", ErrInvalidProperties)
	}

	out, err := decodeObject(dec, "")
	if err != nil {
		return err
	}
	*p = Properties(out)
	return nil
}

// decodeObject reads the members of an object whose opening brace has already
// been consumed, up to and including the closing brace.
func decodeObject(dec *json.Decoder, path string) (map[string]any, error) {
	out := make(map[string]any)
	for dec.More() {
		kt, err := dec.Token()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidProperties, err)
		}
		key, _ := kt.(string)
		keyPath := key
		if path != "" {
			keyPath = path + "." + key
		}
		if _, dup := out[key]; dup {
			return nil, fmt.Errorf("%w: duplicate key %q", ErrInvalidProperties, keyPath)
		}
		v, err := decodeValue(dec, keyPath)
		if err != nil {
			return nil, err
		}
		out[key] = v
	}
	if _, err := dec.Token(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidProperties, err)
	}
	return out, nil
}

func decodeValue(dec *json.Decoder, path string) (any, error) {
	tok, err := dec.Token()
	if err != nil {
		return nil, fmt.Errorf("%w: key %q: %v", ErrInvalidProperties, path, err)
	}
	d, ok := tok.(json.Delim)
	if !ok {
		return tok, nil
	}
	switch d {
	case '{':
		return decodeObject(dec, path)
	case '[':
		arr := []any{}
		for i := 0; dec.More(); i++ {
			v, err := decodeValue(dec, fmt.Sprintf("%s[%d]", path, i))
			if err != nil {
				return nil, err
			}
			arr = append(arr, v)
		}
		if _, err := dec.Token(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidProperties, err)
		}
		return arr, nil
	default:
		return nil, fmt.Errorf("%w: key %q: unexpected %q", ErrInvalidProperties, path, d)
	}
}

// Validate checks that every key is non-empty and that the whole mapping can
// be serialized.
func (p Properties) Validate() error {
	for k := range p {
		if k == "" {
			return fmt.Errorf("%w: empty key", ErrInvalidProperties)
		}
	}
	if _, err := json.Marshal(map[string]any(p)); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidProperties, err)
	}
	return nil
}

// CreateNotificationRequest is the inbound fan-out request: one content for
// many recipients on a single, already-chosen channel.
type CreateNotificationRequest struct {
	TenantID     string     `json:"tenant_id"`
	Channel      Channel    `json:"channel"`
	RecipientIDs []string   `json:"recipient_ids"`
	Text         string     `json:"text"`
	Properties   Properties `json:"properties,omitempty"`
	Priority     Priority   `json:"priority,omitempty"`
}

// Validate normalises the priority and checks the request. An empty
// recipient list is valid: the content is stored and nothing is sent.
func (r *CreateNotificationRequest) Validate() error {
	if r.Priority == "" {
		r.Priority = PriorityNormal
	}
	if !r.Channel.IsValid() {
		return ErrInvalidChannel
	}
	if !r.Priority.IsValid() {
		return ErrInvalidPriority
	}
	for _, id := range r.RecipientIDs {
		if id == "" {
			return ErrInvalidRecipient
		}
	}
	return r.Properties.Validate()
}
