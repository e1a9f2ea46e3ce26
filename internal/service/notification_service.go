package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/notifyhub/fanout-dispatch/internal/domain"
	"github.com/notifyhub/fanout-dispatch/internal/queue"
	"github.com/notifyhub/fanout-dispatch/internal/repository"
)

// FanOutOptions tunes CreateNotification.
type FanOutOptions struct {
	// DeduplicateRecipients collapses repeated recipient ids into one
	// delivery. Off by default: every listed id gets its own delivery.
	DeduplicateRecipients bool
	// MaxRecipients rejects larger requests. Zero means no limit.
	MaxRecipients int
}

// FanOutHooks carries metric callbacks. Nil fields are no-ops.
type FanOutHooks struct {
	OnFanOut        func(channel domain.Channel, deliveries int)
	OnEnqueueFailed func(channel domain.Channel)
}

// FanOut is the result of a successful CreateNotification.
type FanOut struct {
	Content    *domain.Content
	Deliveries []*domain.Delivery
	// Enqueued counts deliveries whose job reached the queue. The rest stay
	// pending until the sweeper re-enqueues them.
	Enqueued int
}

// NotificationService coordinates the repository and queue.
// All fan-out rules (validation, persist-then-enqueue) live here.
// HTTP handlers and workers depend on this service, not on each other.
type NotificationService struct {
	repo   repository.DeliveryRepository
	q      queue.Queue
	opts   FanOutOptions
	hooks  FanOutHooks
	logger *zap.Logger
}

func NewNotificationService(
	repo repository.DeliveryRepository,
	q queue.Queue,
	opts FanOutOptions,
	hooks FanOutHooks,
	logger *zap.Logger,
) *NotificationService {
	if hooks.OnFanOut == nil {
		hooks.OnFanOut = func(domain.Channel, int) {}
	}
	if hooks.OnEnqueueFailed == nil {
		hooks.OnEnqueueFailed = func(domain.Channel) {}
	}
	return &NotificationService{repo: repo, q: q, opts: opts, hooks: hooks, logger: logger}
}

// CreateNotification validates the request, persists one Content plus one
// Pending Delivery per recipient as a single unit, and only then enqueues a
// job per delivery.
//
// An invalid request or a storage failure returns an error and leaves nothing
// persisted or enqueued. A failed enqueue after commit does not fail the
// request; the delivery stays pending for the sweeper.
func (s *NotificationService) CreateNotification(ctx context.Context, req domain.CreateNotificationRequest) (*FanOut, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	recipients := req.RecipientIDs
	if s.opts.DeduplicateRecipients {
		recipients = dedupe(recipients)
	}
	if s.opts.MaxRecipients > 0 && len(recipients) > s.opts.MaxRecipients {
		return nil, fmt.Errorf("%w: %d > %d", domain.ErrTooManyRecipients, len(recipients), s.opts.MaxRecipients)
	}

	content, deliveries := s.build(req, recipients)

	if err := s.repo.CreateFanOut(ctx, content, deliveries); err != nil {
		return nil, fmt.Errorf("persist fan-out: %w", err)
	}
	s.hooks.OnFanOut(content.Channel, len(deliveries))

	// The fan-out is committed; a client hanging up now must not cost us the jobs.
	enqueueCtx := context.WithoutCancel(ctx)
	enqueued := 0
	for _, d := range deliveries {
		if s.enqueue(enqueueCtx, d) {
			enqueued++
		}
	}

	s.logger.Info("notification fanned out",
		zap.String("content_id", content.ID),
		zap.String("tenant_id", content.TenantID),
		zap.String("channel", string(content.Channel)),
		zap.Int("deliveries", len(deliveries)),
		zap.Int("enqueued", enqueued),
	)
	return &FanOut{Content: content, Deliveries: deliveries, Enqueued: enqueued}, nil
}

func (s *NotificationService) GetContent(ctx context.Context, tenantID, id string) (*domain.Content, error) {
	return s.repo.GetContent(ctx, tenantID, id)
}

func (s *NotificationService) GetDelivery(ctx context.Context, tenantID, id string) (*domain.Delivery, error) {
	return s.repo.GetDelivery(ctx, tenantID, id)
}

func (s *NotificationService) ListDeliveries(ctx context.Context, filter domain.DeliveryFilter) ([]*domain.Delivery, int, error) {
	return s.repo.ListDeliveries(ctx, filter)
}

// ---- private helpers ----

func (s *NotificationService) build(req domain.CreateNotificationRequest, recipients []string) (*domain.Content, []*domain.Delivery) {
	now := time.Now().UTC()
	content := &domain.Content{
		ID:         uuid.New().String(),
		TenantID:   req.TenantID,
		Channel:    req.Channel,
		Text:       req.Text,
		Properties: req.Properties,
		CreatedAt:  now,
	}

	deliveries := make([]*domain.Delivery, len(recipients))
	for i, recipientID := range recipients {
		deliveries[i] = &domain.Delivery{
			ID:          uuid.New().String(),
			TenantID:    req.TenantID,
			ContentID:   content.ID,
			RecipientID: recipientID,
			Channel:     req.Channel,
			Priority:    req.Priority,
			State:       domain.StatePending,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
	}
	return content, deliveries
}

// enqueue places the delivery's job on the queue. On failure the delivery
// remains pending and the sweeper re-enqueues it once it is stale.
func (s *NotificationService) enqueue(ctx context.Context, d *domain.Delivery) bool {
	err := s.q.Enqueue(ctx, queue.Job{
		TenantID:   d.TenantID,
		DeliveryID: d.ID,
		Channel:    d.Channel,
		Priority:   d.Priority,
	})
	if err != nil {
		s.hooks.OnEnqueueFailed(d.Channel)
		s.logger.Warn("enqueue failed: delivery will remain pending",
			zap.String("delivery_id", d.ID), zap.Error(err))
		return false
	}
	return true
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
