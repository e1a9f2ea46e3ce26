package repository

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/notifyhub/fanout-dispatch/internal/domain"
)

// ContentCache stores immutable contents by tenant and id.
// Get returns domain.ErrNotFound on a miss.
type ContentCache interface {
	Get(ctx context.Context, tenantID, id string) (*domain.Content, error)
	Set(ctx context.Context, c *domain.Content, ttl time.Duration) error
}

// CachedDeliveryRepository decorates a DeliveryRepository with a read-through
// content cache. Contents never change after creation, so entries are never
// invalidated, only expired. Cache failures are logged and bypassed.
type CachedDeliveryRepository struct {
	DeliveryRepository
	cache  ContentCache
	ttl    time.Duration
	logger *zap.Logger
}

func NewCachedDeliveryRepository(next DeliveryRepository, cache ContentCache, ttl time.Duration, logger *zap.Logger) *CachedDeliveryRepository {
	return &CachedDeliveryRepository{DeliveryRepository: next, cache: cache, ttl: ttl, logger: logger}
}

// CreateFanOut persists through the backing store, then warms the cache so
// the first processor of each delivery skips the database read.
func (r *CachedDeliveryRepository) CreateFanOut(ctx context.Context, c *domain.Content, deliveries []*domain.Delivery) error {
	if err := r.DeliveryRepository.CreateFanOut(ctx, c, deliveries); err != nil {
		return err
	}
	if len(deliveries) > 0 {
		if err := r.cache.Set(ctx, c, r.ttl); err != nil {
			r.logger.Warn("content cache warm failed", zap.String("content_id", c.ID), zap.Error(err))
		}
	}
	return nil
}

func (r *CachedDeliveryRepository) GetContent(ctx context.Context, tenantID, id string) (*domain.Content, error) {
	c, err := r.cache.Get(ctx, tenantID, id)
	if err == nil {
		return c, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		r.logger.Warn("content cache read failed", zap.String("content_id", id), zap.Error(err))
	}

	c, err = r.DeliveryRepository.GetContent(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	if err := r.cache.Set(ctx, c, r.ttl); err != nil {
		r.logger.Warn("content cache fill failed", zap.String("content_id", id), zap.Error(err))
	}
	return c, nil
}

var _ DeliveryRepository = (*CachedDeliveryRepository)(nil)
