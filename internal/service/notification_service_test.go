package service_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/notifyhub/fanout-dispatch/internal/domain"
	"github.com/notifyhub/fanout-dispatch/internal/queue"
	"github.com/notifyhub/fanout-dispatch/internal/repository"
	"github.com/notifyhub/fanout-dispatch/internal/service"
)

func newService(opts service.FanOutOptions) (*service.NotificationService, *repository.MemoryDeliveryRepository, *queue.PriorityQueue) {
	repo := repository.NewMemoryDeliveryRepository()
	q := queue.New()
	svc := service.NewNotificationService(repo, q, opts, service.FanOutHooks{}, zap.NewNop())
	return svc, repo, q
}

func validReq() domain.CreateNotificationRequest {
	return domain.CreateNotificationRequest{
		TenantID:     "tenant-1",
		Channel:      domain.ChannelSMS,
		RecipientIDs: []string{"user-1", "user-2"},
		Text:         "test",
		Properties:   domain.Properties{"MyProperty": "123456"},
	}
}

// failingQueue rejects every job.
type failingQueue struct{ queue.Queue }

func (failingQueue) Enqueue(context.Context, queue.Job) error { return domain.ErrQueueFull }

func TestCreateNotification_FanOut(t *testing.T) {
	svc, repo, q := newService(service.FanOutOptions{})
	ctx := context.Background()

	res, err := svc.CreateNotification(ctx, validReq())
	require.NoError(t, err)
	require.Len(t, res.Deliveries, 2)
	assert.Equal(t, 2, res.Enqueued)

	content, err := svc.GetContent(ctx, "tenant-1", res.Content.ID)
	require.NoError(t, err)
	assert.Equal(t, "test", content.Text)
	assert.Equal(t, domain.Properties{"MyProperty": "123456"}, content.Properties)

	for _, d := range repo.Deliveries() {
		assert.Equal(t, res.Content.ID, d.ContentID)
		assert.Equal(t, domain.StatePending, d.State)
		assert.Equal(t, domain.PriorityNormal, d.Priority, "priority defaults to normal")
		assert.Nil(t, d.CompletionTime)
	}

	depths, err := q.Depths(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, depths.Normal)

	msg, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, "tenant-1", msg.Job.TenantID)
	assert.Equal(t, domain.ChannelSMS, msg.Job.Channel)
}

func TestCreateNotification_DuplicatesPreservedByDefault(t *testing.T) {
	svc, repo, _ := newService(service.FanOutOptions{})
	req := validReq()
	req.RecipientIDs = []string{"user-1", "user-1", "user-2"}

	res, err := svc.CreateNotification(context.Background(), req)
	require.NoError(t, err)
	assert.Len(t, res.Deliveries, 3)
	assert.Len(t, repo.Deliveries(), 3)
}

func TestCreateNotification_Deduplicate(t *testing.T) {
	svc, _, _ := newService(service.FanOutOptions{DeduplicateRecipients: true})
	req := validReq()
	req.RecipientIDs = []string{"user-1", "user-2", "user-1"}

	res, err := svc.CreateNotification(context.Background(), req)
	require.NoError(t, err)
	require.Len(t, res.Deliveries, 2)
	assert.Equal(t, "user-1", res.Deliveries[0].RecipientID)
	assert.Equal(t, "user-2", res.Deliveries[1].RecipientID)
}

func TestCreateNotification_EmptyRecipients(t *testing.T) {
	svc, repo, q := newService(service.FanOutOptions{})
	req := validReq()
	req.RecipientIDs = nil

	res, err := svc.CreateNotification(context.Background(), req)
	require.NoError(t, err)
	assert.Empty(t, res.Deliveries)
	assert.Equal(t, 1, repo.ContentCount())

	depths, _ := q.Depths(context.Background())
	assert.Equal(t, 0, depths.Total())
}

func TestCreateNotification_InvalidInputPersistsNothing(t *testing.T) {
	cases := map[string]func(r *domain.CreateNotificationRequest){
		"bad channel":     func(r *domain.CreateNotificationRequest) { r.Channel = "fax" },
		"bad priority":    func(r *domain.CreateNotificationRequest) { r.Priority = "urgent" },
		"blank recipient": func(r *domain.CreateNotificationRequest) { r.RecipientIDs = []string{"user-1", ""} },
		"empty prop key":  func(r *domain.CreateNotificationRequest) { r.Properties = domain.Properties{"": 1} },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			svc, repo, q := newService(service.FanOutOptions{})
			req := validReq()
			mutate(&req)

			_, err := svc.CreateNotification(context.Background(), req)
			assert.ErrorIs(t, err, domain.ErrInvalidInput)
			assert.Equal(t, 0, repo.ContentCount())
			assert.Empty(t, repo.Deliveries())
			depths, _ := q.Depths(context.Background())
			assert.Equal(t, 0, depths.Total())
		})
	}
}

func TestCreateNotification_TooManyRecipients(t *testing.T) {
	svc, repo, _ := newService(service.FanOutOptions{MaxRecipients: 1})

	_, err := svc.CreateNotification(context.Background(), validReq())
	assert.ErrorIs(t, err, domain.ErrTooManyRecipients)
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
	assert.Equal(t, 0, repo.ContentCount())
}

func TestCreateNotification_StorageErrorEnqueuesNothing(t *testing.T) {
	svc, repo, q := newService(service.FanOutOptions{})
	repo.CreateFanOutErr = fmt.Errorf("%w: connection reset", domain.ErrStorage)

	_, err := svc.CreateNotification(context.Background(), validReq())
	assert.ErrorIs(t, err, domain.ErrStorage)

	depths, _ := q.Depths(context.Background())
	assert.Equal(t, 0, depths.Total())
}

func TestCreateNotification_EnqueueFailureKeepsDeliveriesPending(t *testing.T) {
	repo := repository.NewMemoryDeliveryRepository()
	var failed int
	svc := service.NewNotificationService(repo, failingQueue{}, service.FanOutOptions{},
		service.FanOutHooks{OnEnqueueFailed: func(domain.Channel) { failed++ }}, zap.NewNop())

	res, err := svc.CreateNotification(context.Background(), validReq())
	require.NoError(t, err, "a committed fan-out is a success even if the queue is down")
	assert.Equal(t, 0, res.Enqueued)
	assert.Equal(t, 2, failed)
	for _, d := range repo.Deliveries() {
		assert.Equal(t, domain.StatePending, d.State)
	}
}

func TestCreateNotification_CancelledRequestStillEnqueues(t *testing.T) {
	repo := repository.NewMemoryDeliveryRepository()
	q := &ctxCheckingQueue{Queue: queue.New()}
	svc := service.NewNotificationService(repo, q, service.FanOutOptions{}, service.FanOutHooks{}, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	// Cancel as soon as the fan-out is committed.
	repo.AfterCreate = cancel

	res, err := svc.CreateNotification(ctx, validReq())
	require.NoError(t, err)
	assert.Equal(t, 2, res.Enqueued)
	assert.NoError(t, q.sawErr)
}

type ctxCheckingQueue struct {
	queue.Queue
	sawErr error
}

func (q *ctxCheckingQueue) Enqueue(ctx context.Context, job queue.Job) error {
	if err := ctx.Err(); err != nil {
		q.sawErr = err
		return err
	}
	return q.Queue.Enqueue(ctx, job)
}

func TestNotificationService_Reads(t *testing.T) {
	svc, _, _ := newService(service.FanOutOptions{})
	ctx := context.Background()

	res, err := svc.CreateNotification(ctx, validReq())
	require.NoError(t, err)

	d, err := svc.GetDelivery(ctx, "tenant-1", res.Deliveries[0].ID)
	require.NoError(t, err)
	assert.Equal(t, res.Deliveries[0].RecipientID, d.RecipientID)

	_, err = svc.GetDelivery(ctx, "tenant-2", res.Deliveries[0].ID)
	assert.True(t, errors.Is(err, domain.ErrNotFound))

	contentID := res.Content.ID
	list, total, err := svc.ListDeliveries(ctx, domain.DeliveryFilter{TenantID: "tenant-1", ContentID: &contentID})
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	assert.Len(t, list, 2)
}
