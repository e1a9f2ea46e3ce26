package worker

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/notifyhub/fanout-dispatch/internal/domain"
	"github.com/notifyhub/fanout-dispatch/internal/queue"
)

// settleTimeout bounds Ack/Retry calls, which run even after shutdown began.
const settleTimeout = 5 * time.Second

// dequeueErrorPause keeps a worker from spinning on a broken queue backend.
const dequeueErrorPause = time.Second

// Processor handles one delivery job. service.DeliveryProcessor implements it.
type Processor interface {
	ProcessDelivery(ctx context.Context, tenantID, deliveryID string) error
}

// Worker is a single goroutine that continuously pulls jobs from the queue,
// runs them through the processor, and settles each message: Ack when the
// delivery is done or can never be done, Retry with backoff otherwise.
type Worker struct {
	id              int
	q               queue.Queue
	proc            Processor
	jobTimeout      time.Duration
	backoff         []time.Duration
	maxRedeliveries int
	logger          *zap.Logger

	// Metric hooks, injected by the pool so the worker stays metrics-agnostic.
	onRedelivered func(channel domain.Channel)
	onDropped     func(channel domain.Channel)
}

// NewWorker constructs a worker. Hook fields left nil are no-ops.
func NewWorker(
	id int,
	q queue.Queue,
	proc Processor,
	jobTimeout time.Duration,
	backoff []time.Duration,
	maxRedeliveries int,
	logger *zap.Logger,
	hooks MetricHooks,
) *Worker {
	if hooks.OnRedelivered == nil {
		hooks.OnRedelivered = func(domain.Channel) {}
	}
	if hooks.OnDropped == nil {
		hooks.OnDropped = func(domain.Channel) {}
	}
	if len(backoff) == 0 {
		backoff = []time.Duration{time.Second}
	}
	return &Worker{
		id: id, q: q, proc: proc,
		jobTimeout: jobTimeout, backoff: backoff, maxRedeliveries: maxRedeliveries,
		logger:        logger,
		onRedelivered: hooks.OnRedelivered,
		onDropped:     hooks.OnDropped,
	}
}

// Run blocks until ctx is cancelled, processing one job per iteration.
func (w *Worker) Run(ctx context.Context) {
	w.logger.Info("worker started", zap.Int("id", w.id))
	for {
		msg, err := w.q.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				w.logger.Info("worker stopping", zap.Int("id", w.id))
				return
			}
			w.logger.Error("dequeue failed", zap.Error(err))
			select {
			case <-ctx.Done():
			case <-time.After(dequeueErrorPause):
			}
			continue
		}
		w.process(ctx, msg)
	}
}

func (w *Worker) process(ctx context.Context, msg *queue.Message) {
	job := msg.Job
	log := w.logger.With(
		zap.String("delivery_id", job.DeliveryID),
		zap.String("channel", string(job.Channel)),
		zap.Int("redeliveries", job.Redeliveries),
	)

	jobCtx := ctx
	if w.jobTimeout > 0 {
		var cancel context.CancelFunc
		jobCtx, cancel = context.WithTimeout(ctx, w.jobTimeout)
		defer cancel()
	}
	err := w.proc.ProcessDelivery(jobCtx, job.TenantID, job.DeliveryID)

	// Settle even when shutdown cancelled ctx, otherwise the message sits
	// unacknowledged until the visibility timeout.
	settleCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), settleTimeout)
	defer cancel()

	switch {
	case err == nil:
		w.ack(settleCtx, msg, log)

	case errors.Is(err, domain.ErrNotFound):
		log.Warn("discarding job for unknown delivery")
		w.ack(settleCtx, msg, log)

	case !domain.IsTransient(err):
		log.Error("discarding job after permanent error", zap.Error(err))
		w.ack(settleCtx, msg, log)

	case w.maxRedeliveries > 0 && job.Redeliveries >= w.maxRedeliveries:
		// The delivery stays pending; the sweeper will pick it up again.
		log.Error("redelivery limit reached, dropping job", zap.Error(err))
		w.onDropped(job.Channel)
		w.ack(settleCtx, msg, log)

	default:
		delay := w.backoffFor(job.Redeliveries)
		if rerr := msg.Retry(settleCtx, delay); rerr != nil {
			log.Error("failed to schedule redelivery", zap.Error(rerr))
			return
		}
		w.onRedelivered(job.Channel)
		log.Info("job scheduled for redelivery", zap.Duration("delay", delay), zap.Error(err))
	}
}

func (w *Worker) ack(ctx context.Context, msg *queue.Message, log *zap.Logger) {
	if err := msg.Ack(ctx); err != nil {
		log.Error("failed to ack job", zap.Error(err))
	}
}

// backoffFor returns the delay before redelivery number n+1:
//
//	n = 0 → backoff[0]  (default 5 s)
//	n = 1 → backoff[1]  (default 30 s)
//	n = 2 → backoff[2]  (default 120 s)
//	n ≥ len(backoff) → last backoff entry (clamped)
func (w *Worker) backoffFor(n int) time.Duration {
	if n >= len(w.backoff) {
		n = len(w.backoff) - 1
	}
	if n < 0 {
		n = 0
	}
	return w.backoff[n]
}
