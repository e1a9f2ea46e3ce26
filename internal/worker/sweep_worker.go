package worker

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/notifyhub/fanout-dispatch/internal/queue"
	"github.com/notifyhub/fanout-dispatch/internal/repository"
)

// SweepWorker polls the store for deliveries that stayed pending longer than
// staleAfter and enqueues them again.
//
// It recovers jobs lost between commit and enqueue, jobs dropped by a full
// in-process queue or a restart, and jobs dropped after MAX_REDELIVERIES.
// A delivery that still has a live job gets a duplicate, which the processor
// absorbs through its terminal short-circuit and compare-and-set.
type SweepWorker struct {
	repo       repository.DeliveryRepository
	q          queue.Queue
	interval   time.Duration
	staleAfter time.Duration
	batchSize  int
	limiter    *rate.Limiter
	logger     *zap.Logger
	onSwept    func(count int)
}

func NewSweepWorker(
	repo repository.DeliveryRepository,
	q queue.Queue,
	interval time.Duration,
	staleAfter time.Duration,
	batchSize int,
	ratePerSec int,
	logger *zap.Logger,
	onSwept func(count int),
) *SweepWorker {
	if onSwept == nil {
		onSwept = func(int) {}
	}
	// Burst equals rate so one sweep cannot flood the queue faster than the
	// configured steady-state pace.
	return &SweepWorker{
		repo: repo, q: q,
		interval: interval, staleAfter: staleAfter, batchSize: batchSize,
		limiter: rate.NewLimiter(rate.Limit(ratePerSec), ratePerSec),
		logger:  logger,
		onSwept: onSwept,
	}
}

// Run ticks every interval and re-enqueues stale pending deliveries.
// Stops cleanly when ctx is cancelled.
func (sw *SweepWorker) Run(ctx context.Context) {
	ticker := time.NewTicker(sw.interval)
	defer ticker.Stop()

	sw.logger.Info("sweep worker started",
		zap.Duration("interval", sw.interval),
		zap.Duration("stale_after", sw.staleAfter))

	for {
		select {
		case <-ctx.Done():
			sw.logger.Info("sweep worker stopping")
			return
		case <-ticker.C:
			sw.Sweep(ctx)
		}
	}
}

// Sweep runs one pass and returns how many deliveries were re-enqueued.
func (sw *SweepWorker) Sweep(ctx context.Context) int {
	cutoff := time.Now().UTC().Add(-sw.staleAfter)
	deliveries, err := sw.repo.FindStalePending(ctx, cutoff, sw.batchSize)
	if err != nil {
		sw.logger.Error("sweep poll error", zap.Error(err))
		return 0
	}

	enqueued := 0
	for _, d := range deliveries {
		// Block here until the limiter grants a token.
		if err := sw.limiter.Wait(ctx); err != nil {
			// ctx cancelled while waiting: shutting down.
			break
		}
		if err := sw.q.Enqueue(ctx, queue.Job{
			TenantID:   d.TenantID,
			DeliveryID: d.ID,
			Channel:    d.Channel,
			Priority:   d.Priority,
		}); err != nil {
			sw.logger.Warn("could not re-enqueue stale delivery",
				zap.String("delivery_id", d.ID), zap.Error(err))
			continue
		}
		enqueued++
	}

	if enqueued > 0 {
		sw.onSwept(enqueued)
		sw.logger.Info("re-enqueued stale deliveries", zap.Int("count", enqueued), zap.Int("found", len(deliveries)))
	}
	return enqueued
}
