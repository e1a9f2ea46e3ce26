package domain

import (
	"time"
)

// Channel is the delivery channel for a notification.
type Channel string

const (
	ChannelSMS   Channel = "sms"
	ChannelEmail Channel = "email"
	ChannelPush  Channel = "push"
)

func (c Channel) IsValid() bool {
	switch c {
	case ChannelSMS, ChannelEmail, ChannelPush:
		return true
	}
	return false
}

// Priority controls queue ordering only. High is dequeued first.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
)

func (p Priority) IsValid() bool {
	switch p {
	case PriorityHigh, PriorityNormal, PriorityLow:
		return true
	}
	return false
}

// DeliveryState tracks the lifecycle of a single delivery.
//
//	pending -> (sending) -> succeeded | failed
//
// sending is never required to be persisted; when it is, it counts as pending.
type DeliveryState string

const (
	StatePending   DeliveryState = "pending"
	StateSending   DeliveryState = "sending"
	StateSucceeded DeliveryState = "succeeded"
	StateFailed    DeliveryState = "failed"
)

func (s DeliveryState) IsTerminal() bool {
	return s == StateSucceeded || s == StateFailed
}

func (s DeliveryState) IsValid() bool {
	switch s {
	case StatePending, StateSending, StateSucceeded, StateFailed:
		return true
	}
	return false
}

// FailureReason classifies a failed delivery.
type FailureReason string

const (
	ReasonReceiverInfoNotFound FailureReason = "ReceiverInfoNotFound"
	ReasonInvalidDestination   FailureReason = "InvalidDestination"
	ReasonContentRejected      FailureReason = "ContentRejected"
	ReasonSendingFailed        FailureReason = "SendingFailed"
	ReasonChannelUnsupported   FailureReason = "ChannelUnsupported"
)

func (r FailureReason) IsValid() bool {
	switch r {
	case ReasonReceiverInfoNotFound, ReasonInvalidDestination, ReasonContentRejected,
		ReasonSendingFailed, ReasonChannelUnsupported:
		return true
	}
	return false
}

// Content is the immutable payload shared by every delivery fanned out from
// one creation request. It is never mutated after creation.
type Content struct {
	ID         string     `json:"id"`
	TenantID   string     `json:"tenant_id"`
	Channel    Channel    `json:"channel"`
	Text       string     `json:"text"`
	Properties Properties `json:"properties"`
	CreatedAt  time.Time  `json:"created_at"`
}

// Delivery is the per-recipient record of one send attempt and its outcome.
// ContentID is a lookup-only reference.
type Delivery struct {
	ID                string         `json:"id"`
	TenantID          string         `json:"tenant_id"`
	ContentID         string         `json:"content_id"`
	RecipientID       string         `json:"recipient_id"`
	Channel           Channel        `json:"channel"`
	Priority          Priority       `json:"priority"`
	State             DeliveryState  `json:"state"`
	Success           bool           `json:"success"`
	CompletionTime    *time.Time     `json:"completion_time,omitempty"`
	FailureReason     *FailureReason `json:"failure_reason,omitempty"`
	ProviderMessageID *string        `json:"provider_message_id,omitempty"`
	CreatedAt         time.Time      `json:"created_at"`
	UpdatedAt         time.Time      `json:"updated_at"`
}

// Outcome is the terminal result written by CompleteDelivery. Build it with
// Succeeded or Failed so the field invariants always hold.
type Outcome struct {
	State             DeliveryState
	Success           bool
	CompletionTime    time.Time
	FailureReason     *FailureReason
	ProviderMessageID *string
}

// Succeeded returns a success outcome. An empty msgID is stored as NULL.
func Succeeded(at time.Time, msgID string) Outcome {
	o := Outcome{State: StateSucceeded, Success: true, CompletionTime: at.UTC()}
	if msgID != "" {
		o.ProviderMessageID = &msgID
	}
	return o
}

// Failed returns a failure outcome with the given reason.
func Failed(at time.Time, reason FailureReason) Outcome {
	return Outcome{State: StateFailed, CompletionTime: at.UTC(), FailureReason: &reason}
}

// Apply copies a terminal outcome onto d.
func (d *Delivery) Apply(o Outcome) {
	t := o.CompletionTime
	d.State = o.State
	d.Success = o.Success
	d.CompletionTime = &t
	d.FailureReason = o.FailureReason
	d.ProviderMessageID = o.ProviderMessageID
	d.UpdatedAt = t
}

// ContactData is the channel-specific address resolved for a recipient.
type ContactData struct {
	Channel     Channel `json:"channel"`
	Address     string  `json:"address"`
	DisplayName string  `json:"display_name,omitempty"`
}

// DeliveryFilter holds query parameters for paginated delivery listing.
type DeliveryFilter struct {
	TenantID  string
	ContentID *string
	State     *DeliveryState
	Channel   *Channel
	Page      int
	Limit     int
}
