package directory

import (
	"context"
	"sync"

	"github.com/notifyhub/fanout-dispatch/internal/domain"
)

// MemoryDirectory is an in-memory Directory for tests and local runs.
type MemoryDirectory struct {
	mu         sync.RWMutex
	recipients map[string]Recipient

	// ResolveErr, when set, is returned by every Resolve call.
	ResolveErr error
	// Hook, when set, runs at the start of Resolve. Tests use it to block or
	// count calls.
	Hook func(ctx context.Context, recipientID string)
}

func NewMemoryDirectory(recipients ...Recipient) *MemoryDirectory {
	d := &MemoryDirectory{recipients: make(map[string]Recipient)}
	for _, r := range recipients {
		d.Put(r)
	}
	return d
}

// Put adds or replaces a recipient.
func (d *MemoryDirectory) Put(r Recipient) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.recipients[key(r.TenantID, r.ID)] = r
}

func (d *MemoryDirectory) Resolve(ctx context.Context, tenantID, recipientID string, channel domain.Channel) (domain.ContactData, error) {
	if d.Hook != nil {
		d.Hook(ctx, recipientID)
	}
	if err := ctx.Err(); err != nil {
		return domain.ContactData{}, domain.Transient(err)
	}
	if d.ResolveErr != nil {
		return domain.ContactData{}, d.ResolveErr
	}
	d.mu.RLock()
	r, ok := d.recipients[key(tenantID, recipientID)]
	d.mu.RUnlock()
	if !ok {
		return domain.ContactData{}, domain.ErrRecipientNotFound
	}
	return r.ContactFor(channel)
}

func key(tenantID, id string) string { return tenantID + "\x00" + id }

var _ Directory = (*MemoryDirectory)(nil)
