package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/notifyhub/fanout-dispatch/internal/domain"
)

const deliveryColumns = `id, tenant_id, content_id, recipient_id, channel, priority, state,
		       success, completion_time, failure_reason, provider_msg_id,
		       created_at, updated_at`

const insertDeliverySQL = `
	INSERT INTO deliveries
		(id, tenant_id, content_id, recipient_id, channel, priority, state,
		 success, created_at, updated_at)
	VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`

type pgDeliveryRepository struct {
	pool *pgxpool.Pool
}

// NewPgDeliveryRepository returns a DeliveryRepository backed by PostgreSQL.
func NewPgDeliveryRepository(pool *pgxpool.Pool) DeliveryRepository {
	return &pgDeliveryRepository{pool: pool}
}

func (r *pgDeliveryRepository) CreateFanOut(ctx context.Context, c *domain.Content, deliveries []*domain.Delivery) error {
	props, err := marshalProperties(c.Properties)
	if err != nil {
		return err
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return storageErr("begin transaction", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	_, err = tx.Exec(ctx, `
		INSERT INTO contents (id, tenant_id, channel, text, properties, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)`,
		c.ID, c.TenantID, string(c.Channel), c.Text, props, c.CreatedAt,
	)
	if err != nil {
		return storageErr("insert content", err)
	}

	// Deliveries go out as one pipelined batch inside the same transaction.
	batch := &pgx.Batch{}
	for _, d := range deliveries {
		batch.Queue(insertDeliverySQL,
			d.ID, d.TenantID, d.ContentID, d.RecipientID, string(d.Channel), string(d.Priority),
			string(d.State), d.Success, d.CreatedAt, d.UpdatedAt,
		)
	}
	if batch.Len() > 0 {
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return storageErr("insert deliveries", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return storageErr("commit fan-out", err)
	}
	return nil
}

func (r *pgDeliveryRepository) GetContent(ctx context.Context, tenantID, id string) (*domain.Content, error) {
	var (
		c       domain.Content
		channel string
		props   []byte
	)
	err := r.pool.QueryRow(ctx, `
		SELECT id, tenant_id, channel, text, properties, created_at
		FROM contents WHERE id = $1 AND tenant_id = $2`, id, tenantID,
	).Scan(&c.ID, &c.TenantID, &channel, &c.Text, &props, &c.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, storageErr("get content", err)
	}
	c.Channel = domain.Channel(channel)
	if err := unmarshalProperties(props, &c.Properties); err != nil {
		return nil, err
	}
	return &c, nil
}

func (r *pgDeliveryRepository) GetDelivery(ctx context.Context, tenantID, id string) (*domain.Delivery, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+deliveryColumns+`
		FROM deliveries WHERE id = $1 AND tenant_id = $2`, id, tenantID)

	d, err := scanDelivery(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, storageErr("get delivery", err)
	}
	return d, nil
}

func (r *pgDeliveryRepository) ListDeliveries(ctx context.Context, f domain.DeliveryFilter) ([]*domain.Delivery, int, error) {
	where, args := buildListWhere(f, dollarPlaceholder)

	// Count total matching rows for pagination metadata.
	var total int
	if err := r.pool.QueryRow(ctx, "SELECT COUNT(*) FROM deliveries"+where, args...).Scan(&total); err != nil {
		return nil, 0, storageErr("count deliveries", err)
	}

	page, limit := normalisePage(f)
	args = append(args, limit, (page-1)*limit)
	query := fmt.Sprintf(`
		SELECT `+deliveryColumns+`
		FROM deliveries%s
		ORDER BY created_at DESC, id
		LIMIT $%d OFFSET $%d`, where, len(args)-1, len(args))

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, storageErr("list deliveries", err)
	}
	defer rows.Close()

	deliveries, err := scanDeliveries(rows)
	if err != nil {
		return nil, 0, storageErr("scan deliveries", err)
	}
	return deliveries, total, nil
}

func (r *pgDeliveryRepository) CompleteDelivery(ctx context.Context, tenantID, id string, o domain.Outcome) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE deliveries
		SET state = $1, success = $2, completion_time = $3, failure_reason = $4,
		    provider_msg_id = $5, updated_at = $3
		WHERE id = $6 AND tenant_id = $7 AND state IN ('pending', 'sending')`,
		string(o.State), o.Success, o.CompletionTime, reasonArg(o.FailureReason),
		o.ProviderMessageID, id, tenantID,
	)
	if err != nil {
		return false, storageErr("complete delivery", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *pgDeliveryRepository) FindStalePending(ctx context.Context, olderThan time.Time, limit int) ([]*domain.Delivery, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+deliveryColumns+`
		FROM deliveries
		WHERE state IN ('pending', 'sending')
		  AND created_at < $1
		ORDER BY created_at ASC
		LIMIT $2`, olderThan, limit)
	if err != nil {
		return nil, storageErr("find stale pending", err)
	}
	defer rows.Close()

	deliveries, err := scanDeliveries(rows)
	if err != nil {
		return nil, storageErr("scan stale pending", err)
	}
	return deliveries, nil
}

// ---- helpers ----

// rowScanner is satisfied by pgx.Row, pgx.Rows and *sql.Row(s).
type rowScanner interface {
	Scan(dest ...any) error
}

// scanDelivery reads a single delivery row selected with deliveryColumns.
func scanDelivery(row rowScanner) (*domain.Delivery, error) {
	var (
		d                        domain.Delivery
		channel, priority, state string
		reason                   *string
	)
	err := row.Scan(
		&d.ID, &d.TenantID, &d.ContentID, &d.RecipientID, &channel, &priority, &state,
		&d.Success, &d.CompletionTime, &reason, &d.ProviderMessageID,
		&d.CreatedAt, &d.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	d.Channel = domain.Channel(channel)
	d.Priority = domain.Priority(priority)
	d.State = domain.DeliveryState(state)
	if reason != nil {
		fr := domain.FailureReason(*reason)
		d.FailureReason = &fr
	}
	return &d, nil
}

func scanDeliveries(rows pgx.Rows) ([]*domain.Delivery, error) {
	var result []*domain.Delivery
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, d)
	}
	return result, rows.Err()
}

func dollarPlaceholder(n int) string { return fmt.Sprintf("$%d", n) }

// buildListWhere builds a parameterised WHERE clause from a DeliveryFilter.
// placeholder renders the n-th bind parameter for the target dialect.
func buildListWhere(f domain.DeliveryFilter, placeholder func(int) string) (string, []any) {
	var conditions []string
	var args []any

	add := func(column string, val any) {
		args = append(args, val)
		conditions = append(conditions, column+" = "+placeholder(len(args)))
	}

	add("tenant_id", f.TenantID)
	if f.ContentID != nil {
		add("content_id", *f.ContentID)
	}
	if f.State != nil {
		add("state", string(*f.State))
	}
	if f.Channel != nil {
		add("channel", string(*f.Channel))
	}

	return " WHERE " + strings.Join(conditions, " AND "), args
}

func normalisePage(f domain.DeliveryFilter) (page, limit int) {
	page, limit = f.Page, f.Limit
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = 20
	}
	return page, limit
}

func reasonArg(r *domain.FailureReason) *string {
	if r == nil {
		return nil
	}
	s := string(*r)
	return &s
}

func marshalProperties(p domain.Properties) ([]byte, error) {
	if p == nil {
		p = domain.Properties{}
	}
	b, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidProperties, err)
	}
	return b, nil
}

func unmarshalProperties(b []byte, p *domain.Properties) error {
	if len(b) == 0 {
		return nil
	}
	if err := json.Unmarshal(b, p); err != nil {
		return storageErr("decode properties", err)
	}
	return nil
}

func storageErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", domain.ErrStorage, op, err)
}
