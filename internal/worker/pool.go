package worker

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/notifyhub/fanout-dispatch/internal/config"
	"github.com/notifyhub/fanout-dispatch/internal/domain"
	"github.com/notifyhub/fanout-dispatch/internal/queue"
)

// MetricHooks carries the metric callback functions injected by main.
// Using a struct keeps the pool constructor signature clean.
type MetricHooks struct {
	OnRedelivered func(channel domain.Channel)
	OnDropped     func(channel domain.Channel)
}

// Pool manages the lifecycle of all workers.
// All workers share the same queue; the queue handles priority ordering
// internally.
type Pool struct {
	workers []*Worker
	wg      sync.WaitGroup
}

// NewPool creates cfg.WorkerCount identical workers. The channel distinction
// is handled by the processor's sender registry.
func NewPool(
	cfg *config.Config,
	q queue.Queue,
	proc Processor,
	logger *zap.Logger,
	hooks MetricHooks,
) *Pool {
	workers := make([]*Worker, cfg.WorkerCount)

	for i := range workers {
		workers[i] = NewWorker(
			i, q, proc,
			cfg.JobTimeout,
			cfg.RetryBackoff,
			cfg.MaxRedeliveries,
			logger.With(zap.Int("worker_id", i)),
			hooks,
		)
	}

	return &Pool{workers: workers}
}

// Start launches all workers as goroutines.
// The provided ctx is forwarded to every worker; cancelling it
// triggers a graceful shutdown of the entire pool.
func (p *Pool) Start(ctx context.Context) {
	for _, w := range p.workers {
		p.wg.Add(1)
		go func(w *Worker) {
			defer p.wg.Done()
			w.Run(ctx)
		}(w)
	}
}

// Wait blocks until every worker has returned after ctx is cancelled.
// Call this after cancelling the context to ensure in-flight jobs finish.
func (p *Pool) Wait() {
	p.wg.Wait()
}

// Size returns the number of workers.
func (p *Pool) Size() int { return len(p.workers) }
