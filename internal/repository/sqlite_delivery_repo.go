package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver.

	"github.com/notifyhub/fanout-dispatch/internal/domain"
)

// sqliteMigration represents a single schema migration step.
type sqliteMigration struct {
	version int
	sql     string
}

// sqliteMigrations are applied exactly once each, tracked by schema_migrations.
// Timestamps are stored as unix nanoseconds so ordering and range filters stay
// exact regardless of driver time formatting.
var sqliteMigrations = []sqliteMigration{
	{
		version: 1,
		sql: `
CREATE TABLE contents (
    id         TEXT PRIMARY KEY,
    tenant_id  TEXT NOT NULL,
    channel    TEXT NOT NULL,
    text       TEXT NOT NULL DEFAULT '',
    properties TEXT NOT NULL DEFAULT '{}',
    created_at INTEGER NOT NULL
);

CREATE TABLE deliveries (
    id              TEXT PRIMARY KEY,
    tenant_id       TEXT NOT NULL,
    content_id      TEXT NOT NULL REFERENCES contents(id),
    recipient_id    TEXT NOT NULL,
    channel         TEXT NOT NULL,
    priority        TEXT NOT NULL DEFAULT 'normal',
    state           TEXT NOT NULL DEFAULT 'pending',
    success         INTEGER NOT NULL DEFAULT 0,
    completion_time INTEGER,
    failure_reason  TEXT,
    provider_msg_id TEXT,
    created_at      INTEGER NOT NULL,
    updated_at      INTEGER NOT NULL,
    CHECK ((state IN ('succeeded', 'failed')) = (completion_time IS NOT NULL)),
    CHECK ((state = 'failed') = (failure_reason IS NOT NULL)),
    CHECK (NOT (success = 1 AND failure_reason IS NOT NULL))
);
CREATE INDEX idx_deliveries_content ON deliveries(content_id);
CREATE INDEX idx_deliveries_state_created ON deliveries(state, created_at);
CREATE INDEX idx_deliveries_tenant_created ON deliveries(tenant_id, created_at);
`,
	},
}

// OpenSQLite opens (or creates) a SQLite database at path and applies pending
// schema migrations. Use ":memory:" for an ephemeral database.
func OpenSQLite(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %q: %w", path, err)
	}
	// One connection: SQLite has a single writer, and ":memory:" databases are
	// per-connection.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA foreign_keys = ON`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}
	if err := migrateSQLite(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

func migrateSQLite(db *sql.DB) error {
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (version INTEGER PRIMARY KEY)`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}
	for _, m := range sqliteMigrations {
		var n int
		if err := db.QueryRow(`SELECT COUNT(*) FROM schema_migrations WHERE version = ?`, m.version).Scan(&n); err != nil {
			return fmt.Errorf("check migration %d: %w", m.version, err)
		}
		if n > 0 {
			continue
		}
		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", m.version, err)
		}
		if _, err := tx.Exec(m.sql); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("apply migration %d: %w", m.version, err)
		}
		if _, err := tx.Exec(`INSERT INTO schema_migrations (version) VALUES (?)`, m.version); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("record migration %d: %w", m.version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.version, err)
		}
	}
	return nil
}

// SQLiteDeliveryRepository implements DeliveryRepository backed by SQLite.
type SQLiteDeliveryRepository struct {
	db *sql.DB
}

func NewSQLiteDeliveryRepository(db *sql.DB) *SQLiteDeliveryRepository {
	return &SQLiteDeliveryRepository{db: db}
}

func (r *SQLiteDeliveryRepository) CreateFanOut(ctx context.Context, c *domain.Content, deliveries []*domain.Delivery) error {
	props, err := marshalProperties(c.Properties)
	if err != nil {
		return err
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return storageErr("begin transaction", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO contents (id, tenant_id, channel, text, properties, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		c.ID, c.TenantID, string(c.Channel), c.Text, string(props), c.CreatedAt.UnixNano(),
	); err != nil {
		return storageErr("insert content", err)
	}

	if len(deliveries) > 0 {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO deliveries
				(id, tenant_id, content_id, recipient_id, channel, priority, state,
				 success, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return storageErr("prepare delivery insert", err)
		}
		defer stmt.Close()

		for _, d := range deliveries {
			if _, err := stmt.ExecContext(ctx,
				d.ID, d.TenantID, d.ContentID, d.RecipientID, string(d.Channel), string(d.Priority),
				string(d.State), d.Success, d.CreatedAt.UnixNano(), d.UpdatedAt.UnixNano(),
			); err != nil {
				return storageErr("insert delivery", err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return storageErr("commit fan-out", err)
	}
	return nil
}

func (r *SQLiteDeliveryRepository) GetContent(ctx context.Context, tenantID, id string) (*domain.Content, error) {
	var (
		c         domain.Content
		channel   string
		props     string
		createdAt int64
	)
	err := r.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, channel, text, properties, created_at
		FROM contents WHERE id = ? AND tenant_id = ?`, id, tenantID,
	).Scan(&c.ID, &c.TenantID, &channel, &c.Text, &props, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, storageErr("get content", err)
	}
	c.Channel = domain.Channel(channel)
	c.CreatedAt = fromUnixNano(createdAt)
	if err := unmarshalProperties([]byte(props), &c.Properties); err != nil {
		return nil, err
	}
	return &c, nil
}

func (r *SQLiteDeliveryRepository) GetDelivery(ctx context.Context, tenantID, id string) (*domain.Delivery, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+deliveryColumns+`
		FROM deliveries WHERE id = ? AND tenant_id = ?`, id, tenantID)

	d, err := scanSQLiteDelivery(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, storageErr("get delivery", err)
	}
	return d, nil
}

func (r *SQLiteDeliveryRepository) ListDeliveries(ctx context.Context, f domain.DeliveryFilter) ([]*domain.Delivery, int, error) {
	where, args := buildListWhere(f, func(int) string { return "?" })

	var total int
	if err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM deliveries"+where, args...).Scan(&total); err != nil {
		return nil, 0, storageErr("count deliveries", err)
	}

	page, limit := normalisePage(f)
	args = append(args, limit, (page-1)*limit)
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+deliveryColumns+`
		FROM deliveries`+where+`
		ORDER BY created_at DESC, id
		LIMIT ? OFFSET ?`, args...)
	if err != nil {
		return nil, 0, storageErr("list deliveries", err)
	}
	defer rows.Close()

	deliveries, err := scanSQLiteDeliveries(rows)
	if err != nil {
		return nil, 0, storageErr("scan deliveries", err)
	}
	return deliveries, total, nil
}

func (r *SQLiteDeliveryRepository) CompleteDelivery(ctx context.Context, tenantID, id string, o domain.Outcome) (bool, error) {
	at := o.CompletionTime.UnixNano()
	res, err := r.db.ExecContext(ctx, `
		UPDATE deliveries
		SET state = ?, success = ?, completion_time = ?, failure_reason = ?,
		    provider_msg_id = ?, updated_at = ?
		WHERE id = ? AND tenant_id = ? AND state IN ('pending', 'sending')`,
		string(o.State), o.Success, at, reasonArg(o.FailureReason),
		o.ProviderMessageID, at, id, tenantID,
	)
	if err != nil {
		return false, storageErr("complete delivery", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, storageErr("complete delivery rows affected", err)
	}
	return n == 1, nil
}

func (r *SQLiteDeliveryRepository) FindStalePending(ctx context.Context, olderThan time.Time, limit int) ([]*domain.Delivery, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+deliveryColumns+`
		FROM deliveries
		WHERE state IN ('pending', 'sending')
		  AND created_at < ?
		ORDER BY created_at ASC
		LIMIT ?`, olderThan.UnixNano(), limit)
	if err != nil {
		return nil, storageErr("find stale pending", err)
	}
	defer rows.Close()

	deliveries, err := scanSQLiteDeliveries(rows)
	if err != nil {
		return nil, storageErr("scan stale pending", err)
	}
	return deliveries, nil
}

func scanSQLiteDelivery(row rowScanner) (*domain.Delivery, error) {
	var (
		d                        domain.Delivery
		channel, priority, state string
		completion               sql.NullInt64
		reason, msgID            sql.NullString
		createdAt, updatedAt     int64
	)
	err := row.Scan(
		&d.ID, &d.TenantID, &d.ContentID, &d.RecipientID, &channel, &priority, &state,
		&d.Success, &completion, &reason, &msgID,
		&createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}
	d.Channel = domain.Channel(channel)
	d.Priority = domain.Priority(priority)
	d.State = domain.DeliveryState(state)
	d.CreatedAt = fromUnixNano(createdAt)
	d.UpdatedAt = fromUnixNano(updatedAt)
	if completion.Valid {
		t := fromUnixNano(completion.Int64)
		d.CompletionTime = &t
	}
	if reason.Valid {
		fr := domain.FailureReason(reason.String)
		d.FailureReason = &fr
	}
	if msgID.Valid {
		s := msgID.String
		d.ProviderMessageID = &s
	}
	return &d, nil
}

func scanSQLiteDeliveries(rows *sql.Rows) ([]*domain.Delivery, error) {
	var result []*domain.Delivery
	for rows.Next() {
		d, err := scanSQLiteDelivery(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, d)
	}
	return result, rows.Err()
}

func fromUnixNano(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

var _ DeliveryRepository = (*SQLiteDeliveryRepository)(nil)
