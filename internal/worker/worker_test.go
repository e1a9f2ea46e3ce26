package worker_test

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/notifyhub/fanout-dispatch/internal/config"
	"github.com/notifyhub/fanout-dispatch/internal/domain"
	"github.com/notifyhub/fanout-dispatch/internal/queue"
	"github.com/notifyhub/fanout-dispatch/internal/worker"
)

// scriptedProcessor returns the queued errors in order, then nil.
type scriptedProcessor struct {
	mu     sync.Mutex
	errs   []error
	calls  []string
	called chan struct{}
}

func newScripted(errs ...error) *scriptedProcessor {
	return &scriptedProcessor{errs: errs, called: make(chan struct{}, 100)}
}

func (p *scriptedProcessor) ProcessDelivery(_ context.Context, _, deliveryID string) error {
	p.mu.Lock()
	p.calls = append(p.calls, deliveryID)
	var err error
	if len(p.errs) > 0 {
		err, p.errs = p.errs[0], p.errs[1:]
	}
	p.mu.Unlock()
	p.called <- struct{}{}
	return err
}

func (p *scriptedProcessor) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}

func (p *scriptedProcessor) waitCalls(t *testing.T, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-p.called:
		case <-time.After(2 * time.Second):
			t.Fatalf("processor called %d times, want %d", i, n)
		}
	}
}

type hookCounts struct {
	redelivered atomic.Int32
	dropped     atomic.Int32
}

func (h *hookCounts) hooks() worker.MetricHooks {
	return worker.MetricHooks{
		OnRedelivered: func(domain.Channel) { h.redelivered.Add(1) },
		OnDropped:     func(domain.Channel) { h.dropped.Add(1) },
	}
}

func testConfig(maxRedeliveries int) *config.Config {
	return &config.Config{
		WorkerCount:     1,
		JobTimeout:      time.Second,
		RetryBackoff:    []time.Duration{10 * time.Millisecond},
		MaxRedeliveries: maxRedeliveries,
	}
}

func runPool(t *testing.T, cfg *config.Config, q queue.Queue, proc worker.Processor, hooks worker.MetricHooks) func() {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	pool := worker.NewPool(cfg, q, proc, zap.NewNop(), hooks)
	assert.Equal(t, cfg.WorkerCount, pool.Size())
	pool.Start(ctx)
	return func() {
		cancel()
		pool.Wait()
	}
}

func enqueue(t *testing.T, q queue.Queue, id string) {
	t.Helper()
	require.NoError(t, q.Enqueue(context.Background(), queue.Job{
		TenantID: "tenant-1", DeliveryID: id, Channel: domain.ChannelSMS, Priority: domain.PriorityNormal,
	}))
}

func transientErr() error {
	return domain.Transient(fmt.Errorf("directory timeout"))
}

func TestWorker_SuccessIsAcked(t *testing.T) {
	q := queue.New()
	defer q.Close()
	proc := newScripted()
	var h hookCounts
	stop := runPool(t, testConfig(0), q, proc, h.hooks())

	enqueue(t, q, "d-1")
	proc.waitCalls(t, 1)
	time.Sleep(50 * time.Millisecond)
	stop()

	assert.Equal(t, 1, proc.callCount())
	assert.Equal(t, int32(0), h.redelivered.Load())
}

func TestWorker_TransientIsRedelivered(t *testing.T) {
	q := queue.New()
	defer q.Close()
	proc := newScripted(transientErr(), transientErr())
	var h hookCounts
	stop := runPool(t, testConfig(0), q, proc, h.hooks())

	enqueue(t, q, "d-1")
	proc.waitCalls(t, 3)
	stop()

	assert.Equal(t, int32(2), h.redelivered.Load())
	assert.Equal(t, int32(0), h.dropped.Load())
}

func TestWorker_StorageErrorIsRedelivered(t *testing.T) {
	q := queue.New()
	defer q.Close()
	proc := newScripted(fmt.Errorf("record outcome: %w", domain.ErrStorage))
	var h hookCounts
	stop := runPool(t, testConfig(0), q, proc, h.hooks())

	enqueue(t, q, "d-1")
	proc.waitCalls(t, 2)
	stop()

	assert.Equal(t, int32(1), h.redelivered.Load())
}

func TestWorker_NotFoundIsDiscarded(t *testing.T) {
	q := queue.New()
	defer q.Close()
	proc := newScripted(fmt.Errorf("delivery d-1: %w", domain.ErrNotFound))
	var h hookCounts
	stop := runPool(t, testConfig(0), q, proc, h.hooks())

	enqueue(t, q, "d-1")
	proc.waitCalls(t, 1)
	time.Sleep(50 * time.Millisecond)
	stop()

	assert.Equal(t, 1, proc.callCount())
	assert.Equal(t, int32(0), h.redelivered.Load())
}

func TestWorker_RedeliveryLimitDropsJob(t *testing.T) {
	q := queue.New()
	defer q.Close()
	proc := newScripted(transientErr(), transientErr(), transientErr(), transientErr())
	var h hookCounts
	stop := runPool(t, testConfig(2), q, proc, h.hooks())

	enqueue(t, q, "d-1")
	proc.waitCalls(t, 3)
	time.Sleep(50 * time.Millisecond)
	stop()

	assert.Equal(t, 3, proc.callCount(), "first attempt plus two redeliveries")
	assert.Equal(t, int32(2), h.redelivered.Load())
	assert.Equal(t, int32(1), h.dropped.Load())
}

func TestWorker_StopsOnCancel(t *testing.T) {
	q := queue.New()
	stop := runPool(t, testConfig(0), q, newScripted(), worker.MetricHooks{})

	done := make(chan struct{})
	go func() {
		stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("pool did not stop after cancel")
	}
}
