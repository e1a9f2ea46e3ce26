package directory

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/notifyhub/fanout-dispatch/internal/domain"
)

// PgDirectory reads recipients from the PostgreSQL recipients table.
type PgDirectory struct {
	pool *pgxpool.Pool
}

func NewPgDirectory(pool *pgxpool.Pool) *PgDirectory {
	return &PgDirectory{pool: pool}
}

func (d *PgDirectory) Resolve(ctx context.Context, tenantID, recipientID string, channel domain.Channel) (domain.ContactData, error) {
	var (
		r                   Recipient
		phone, email, token *string
	)
	err := d.pool.QueryRow(ctx, `
		SELECT id, tenant_id, display_name, phone, phone_confirmed,
		       email, email_confirmed, push_token
		FROM recipients WHERE tenant_id = $1 AND id = $2`, tenantID, recipientID,
	).Scan(&r.ID, &r.TenantID, &r.DisplayName, &phone, &r.PhoneConfirmed,
		&email, &r.EmailConfirmed, &token)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.ContactData{}, domain.ErrRecipientNotFound
	}
	if err != nil {
		return domain.ContactData{}, domain.Transient(fmt.Errorf("resolve recipient: %w", err))
	}
	r.Phone = deref(phone)
	r.Email = deref(email)
	r.PushToken = deref(token)
	return r.ContactFor(channel)
}

// Upsert inserts or replaces a recipient. Used by seeding and tests.
func (d *PgDirectory) Upsert(ctx context.Context, r Recipient) error {
	_, err := d.pool.Exec(ctx, `
		INSERT INTO recipients
			(tenant_id, id, display_name, phone, phone_confirmed, email, email_confirmed, push_token)
		VALUES ($1,$2,$3,NULLIF($4,''),$5,NULLIF($6,''),$7,NULLIF($8,''))
		ON CONFLICT (tenant_id, id) DO UPDATE SET
			display_name    = EXCLUDED.display_name,
			phone           = EXCLUDED.phone,
			phone_confirmed = EXCLUDED.phone_confirmed,
			email           = EXCLUDED.email,
			email_confirmed = EXCLUDED.email_confirmed,
			push_token      = EXCLUDED.push_token,
			updated_at      = NOW()`,
		r.TenantID, r.ID, r.DisplayName, r.Phone, r.PhoneConfirmed, r.Email, r.EmailConfirmed, r.PushToken,
	)
	if err != nil {
		return fmt.Errorf("%w: upsert recipient: %w", domain.ErrStorage, err)
	}
	return nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

var _ Directory = (*PgDirectory)(nil)
