package queue

import (
	"context"
	"time"

	"github.com/notifyhub/fanout-dispatch/internal/domain"
)

// Job is the minimal data placed on the queue.
// Workers fetch the full Delivery from the store using the ID,
// keeping the queue lightweight and the store authoritative.
type Job struct {
	TenantID   string          `json:"tenant_id"`
	DeliveryID string          `json:"delivery_id"`
	Channel    domain.Channel  `json:"channel"`
	Priority   domain.Priority `json:"priority"`
	// Redeliveries counts how many times the job was handed back via Retry.
	Redeliveries int `json:"redeliveries"`
}

// Depths is a snapshot of jobs waiting per priority tier.
type Depths struct {
	High   int `json:"high"`
	Normal int `json:"normal"`
	Low    int `json:"low"`
}

// Total returns the sum over all tiers.
func (d Depths) Total() int { return d.High + d.Normal + d.Low }

// Queue is an at-least-once, unordered job queue. Every dequeued Message must
// be settled with Ack or Retry; an unsettled message is eventually delivered
// again by queues that support it.
type Queue interface {
	Enqueue(ctx context.Context, job Job) error
	// Dequeue blocks until a message is available or ctx is done, in which
	// case it returns ctx.Err().
	Dequeue(ctx context.Context) (*Message, error)
	Depths(ctx context.Context) (Depths, error)
}

// Message is a dequeued Job plus the callbacks that settle it.
type Message struct {
	Job Job

	ack   func(ctx context.Context) error
	retry func(ctx context.Context, delay time.Duration) error
}

// Ack removes the message from the queue for good.
func (m *Message) Ack(ctx context.Context) error {
	if m.ack == nil {
		return nil
	}
	return m.ack(ctx)
}

// Retry hands the job back to the queue, to be redelivered after delay with
// Redeliveries incremented.
func (m *Message) Retry(ctx context.Context, delay time.Duration) error {
	if m.retry == nil {
		return nil
	}
	return m.retry(ctx, delay)
}
