package directory

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
)

// LoadSeedFile reads a JSON array of recipients.
func LoadSeedFile(path string) ([]Recipient, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read directory seed: %w", err)
	}
	var recipients []Recipient
	if err := json.Unmarshal(raw, &recipients); err != nil {
		return nil, fmt.Errorf("decode directory seed %s: %w", path, err)
	}
	for i, r := range recipients {
		if r.ID == "" {
			return nil, fmt.Errorf("directory seed %s: entry %d has no id", path, i)
		}
	}
	return recipients, nil
}

// Upserter is implemented by directories that accept seeded entries.
type Upserter interface {
	Upsert(ctx context.Context, r Recipient) error
}

// Upsert adds or replaces a recipient.
func (d *MemoryDirectory) Upsert(_ context.Context, r Recipient) error {
	d.Put(r)
	return nil
}

// Seed writes every recipient into dst, stopping at the first error.
func Seed(ctx context.Context, dst Upserter, recipients []Recipient) error {
	for _, r := range recipients {
		if err := dst.Upsert(ctx, r); err != nil {
			return fmt.Errorf("seed recipient %s: %w", r.ID, err)
		}
	}
	return nil
}
