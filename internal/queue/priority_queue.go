package queue

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/notifyhub/fanout-dispatch/internal/domain"
)

// Capacities sets the buffer size of each priority tier.
type Capacities struct {
	High   int
	Normal int
	Low    int
}

// DefaultCapacities reflect expected traffic ratios:
//
//	High:   1 000  must never accumulate; small buffer applies back-pressure quickly
//	Normal: 5 000  bulk of traffic
//	Low:    2 000  background / best-effort
var DefaultCapacities = Capacities{High: 1000, Normal: 5000, Low: 2000}

// PriorityQueue dispatches jobs to one of three buffered channels based on
// priority. It lives in process memory: jobs are lost on restart and are
// recovered by the sweeper from the store.
//
// Workers dequeue via the double-select pattern, which guarantees that
// high-priority jobs are always served before normal or low ones, while
// still allowing fair competition between normal and low when high is empty.
type PriorityQueue struct {
	high   chan Job
	normal chan Job
	low    chan Job

	mu      sync.Mutex
	closed  bool
	timers  map[*time.Timer]struct{}
	dropped atomic.Int64
}

// New returns a PriorityQueue sized with DefaultCapacities.
func New() *PriorityQueue {
	return NewWithCapacities(DefaultCapacities)
}

func NewWithCapacities(c Capacities) *PriorityQueue {
	return &PriorityQueue{
		high:   make(chan Job, c.High),
		normal: make(chan Job, c.Normal),
		low:    make(chan Job, c.Low),
		timers: make(map[*time.Timer]struct{}),
	}
}

// Enqueue places a job on the appropriate priority channel.
// It is non-blocking: if the target channel is full, ErrQueueFull is returned
// immediately rather than blocking the caller (the HTTP handler).
func (q *PriorityQueue) Enqueue(_ context.Context, job Job) error {
	var ch chan Job
	switch job.Priority {
	case domain.PriorityHigh:
		ch = q.high
	case domain.PriorityNormal:
		ch = q.normal
	case domain.PriorityLow:
		ch = q.low
	default:
		return fmt.Errorf("unknown priority %q", job.Priority)
	}

	select {
	case ch <- job:
		return nil
	default:
		return domain.ErrQueueFull
	}
}

// Dequeue blocks until a job is available or ctx is cancelled.
//
// Priority guarantee, the double-select pattern:
//  1. A non-blocking select checks the high channel first. If a job is
//     waiting there, it is returned immediately regardless of normal/low.
//  2. Only when high is empty does the goroutine enter a fair blocking select
//     across all three channels plus the done signal. This prevents high-priority
//     starvation while still letting the worker sleep instead of spinning.
func (q *PriorityQueue) Dequeue(ctx context.Context) (*Message, error) {
	// Step 1: drain high before entering a fair wait.
	select {
	case job := <-q.high:
		return q.message(job), nil
	default:
	}

	// Step 2: fair competition when high is empty.
	select {
	case job := <-q.high:
		return q.message(job), nil
	case job := <-q.normal:
		return q.message(job), nil
	case job := <-q.low:
		return q.message(job), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (q *PriorityQueue) message(job Job) *Message {
	return &Message{
		Job: job,
		ack: func(context.Context) error { return nil },
		retry: func(_ context.Context, delay time.Duration) error {
			next := job
			next.Redeliveries++
			q.redeliverAfter(next, delay)
			return nil
		},
	}
}

// redeliverAfter re-enqueues job once delay elapses. A job that finds its
// tier full at that moment is dropped and counted; the sweeper picks its
// delivery up again later.
func (q *PriorityQueue) redeliverAfter(job Job, delay time.Duration) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		q.dropped.Add(1)
		return
	}

	var t *time.Timer
	t = time.AfterFunc(delay, func() {
		q.mu.Lock()
		delete(q.timers, t)
		q.mu.Unlock()
		if err := q.Enqueue(context.Background(), job); err != nil {
			q.dropped.Add(1)
		}
	})
	q.timers[t] = struct{}{}
}

// Depths returns the current number of jobs waiting in each priority tier.
// Jobs scheduled for delayed redelivery are not counted.
func (q *PriorityQueue) Depths(context.Context) (Depths, error) {
	return Depths{High: len(q.high), Normal: len(q.normal), Low: len(q.low)}, nil
}

// Dropped reports how many redeliveries were lost to a full tier or Close.
func (q *PriorityQueue) Dropped() int64 {
	return q.dropped.Load()
}

// Close cancels pending delayed redeliveries. Jobs already buffered stay
// available to Dequeue.
func (q *PriorityQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	for t := range q.timers {
		if t.Stop() {
			q.dropped.Add(1)
		}
		delete(q.timers, t)
	}
}

var _ Queue = (*PriorityQueue)(nil)
