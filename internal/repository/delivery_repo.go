package repository

import (
	"context"
	"time"

	"github.com/notifyhub/fanout-dispatch/internal/domain"
)

// DeliveryRepository defines all persistence operations for contents and deliveries.
// The pgx implementation is in pg_delivery_repo.go, the SQLite one in
// sqlite_delivery_repo.go. Tests use the in-memory implementation
// (memory_delivery_repo.go).
//
// Every read is scoped by tenant: a row owned by another tenant is reported
// as domain.ErrNotFound.
type DeliveryRepository interface {
	// CreateFanOut writes the content and all deliveries as one atomic unit.
	CreateFanOut(ctx context.Context, content *domain.Content, deliveries []*domain.Delivery) error

	GetContent(ctx context.Context, tenantID, id string) (*domain.Content, error)
	GetDelivery(ctx context.Context, tenantID, id string) (*domain.Delivery, error)
	ListDeliveries(ctx context.Context, filter domain.DeliveryFilter) ([]*domain.Delivery, int, error)

	// CompleteDelivery records a terminal outcome only if the stored state is
	// still non-terminal. applied is false when another processor got there first.
	CompleteDelivery(ctx context.Context, tenantID, id string, outcome domain.Outcome) (applied bool, err error)

	// FindStalePending returns pending deliveries created before olderThan,
	// oldest first.
	FindStalePending(ctx context.Context, olderThan time.Time, limit int) ([]*domain.Delivery, error)
}
