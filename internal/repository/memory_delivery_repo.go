package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/notifyhub/fanout-dispatch/internal/domain"
)

// MemoryDeliveryRepository is a hand-written, in-memory implementation of
// DeliveryRepository used in unit tests and local runs. No mock-generation
// library needed.
type MemoryDeliveryRepository struct {
	mu         sync.RWMutex
	contents   map[string]*domain.Content
	deliveries map[string]*domain.Delivery

	// Optional error overrides, set in tests to simulate failure paths.
	CreateFanOutErr     error
	GetContentErr       error
	GetDeliveryErr      error
	CompleteDeliveryErr error

	// AfterCreate, when set, runs after a successful CreateFanOut.
	AfterCreate func()

	// Counters for assertions.
	GetContentCalls int
}

func NewMemoryDeliveryRepository() *MemoryDeliveryRepository {
	return &MemoryDeliveryRepository{
		contents:   make(map[string]*domain.Content),
		deliveries: make(map[string]*domain.Delivery),
	}
}

func (m *MemoryDeliveryRepository) CreateFanOut(_ context.Context, c *domain.Content, deliveries []*domain.Delivery) error {
	if m.CreateFanOutErr != nil {
		return m.CreateFanOutErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.contents[c.ID] = cloneContent(c)
	for _, d := range deliveries {
		clone := *d
		m.deliveries[d.ID] = &clone
	}
	if m.AfterCreate != nil {
		m.AfterCreate()
	}
	return nil
}

func (m *MemoryDeliveryRepository) GetContent(_ context.Context, tenantID, id string) (*domain.Content, error) {
	m.mu.Lock()
	m.GetContentCalls++
	m.mu.Unlock()
	if m.GetContentErr != nil {
		return nil, m.GetContentErr
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.contents[id]
	if !ok || c.TenantID != tenantID {
		return nil, domain.ErrNotFound
	}
	return cloneContent(c), nil
}

func (m *MemoryDeliveryRepository) GetDelivery(_ context.Context, tenantID, id string) (*domain.Delivery, error) {
	if m.GetDeliveryErr != nil {
		return nil, m.GetDeliveryErr
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.deliveries[id]
	if !ok || d.TenantID != tenantID {
		return nil, domain.ErrNotFound
	}
	clone := *d
	return &clone, nil
}

func (m *MemoryDeliveryRepository) ListDeliveries(_ context.Context, f domain.DeliveryFilter) ([]*domain.Delivery, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var matched []*domain.Delivery
	for _, d := range m.deliveries {
		if d.TenantID != f.TenantID {
			continue
		}
		if f.ContentID != nil && d.ContentID != *f.ContentID {
			continue
		}
		if f.State != nil && d.State != *f.State {
			continue
		}
		if f.Channel != nil && d.Channel != *f.Channel {
			continue
		}
		clone := *d
		matched = append(matched, &clone)
	}
	sort.Slice(matched, func(i, j int) bool {
		if matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].ID < matched[j].ID
		}
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	total := len(matched)
	if f.Limit > 0 {
		page := f.Page
		if page < 1 {
			page = 1
		}
		start := (page - 1) * f.Limit
		if start >= total {
			return nil, total, nil
		}
		end := start + f.Limit
		if end > total {
			end = total
		}
		matched = matched[start:end]
	}
	return matched, total, nil
}

func (m *MemoryDeliveryRepository) CompleteDelivery(_ context.Context, tenantID, id string, o domain.Outcome) (bool, error) {
	if m.CompleteDeliveryErr != nil {
		return false, m.CompleteDeliveryErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.deliveries[id]
	if !ok || d.TenantID != tenantID || d.State.IsTerminal() {
		return false, nil
	}
	d.Apply(o)
	return true, nil
}

func (m *MemoryDeliveryRepository) FindStalePending(_ context.Context, olderThan time.Time, limit int) ([]*domain.Delivery, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []*domain.Delivery
	for _, d := range m.deliveries {
		if d.State.IsTerminal() || !d.CreatedAt.Before(olderThan) {
			continue
		}
		clone := *d
		result = append(result, &clone)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// SetState forces a delivery into the given state. Test helper only.
func (m *MemoryDeliveryRepository) SetState(id string, state domain.DeliveryState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if d, ok := m.deliveries[id]; ok {
		d.State = state
	}
}

// Deliveries returns a snapshot of every stored delivery.
func (m *MemoryDeliveryRepository) Deliveries() []*domain.Delivery {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*domain.Delivery, 0, len(m.deliveries))
	for _, d := range m.deliveries {
		clone := *d
		out = append(out, &clone)
	}
	return out
}

// ContentCount returns the number of stored contents.
func (m *MemoryDeliveryRepository) ContentCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.contents)
}

func cloneContent(c *domain.Content) *domain.Content {
	clone := *c
	if c.Properties != nil {
		clone.Properties = make(domain.Properties, len(c.Properties))
		for k, v := range c.Properties {
			clone.Properties[k] = v
		}
	}
	return &clone
}

var _ DeliveryRepository = (*MemoryDeliveryRepository)(nil)
