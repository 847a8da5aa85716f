package notify

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// PostgresStore persists notices in the notices table.
type PostgresStore struct {
	db *sql.DB
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a PostgreSQL-backed notice store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Record(ctx context.Context, n *Notice) (bool, error) {
	res, err := p.db.ExecContext(ctx, `
		INSERT INTO notices (id, kind, account_id, subscription_id, expires_at, days_left, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (kind, subscription_id) DO NOTHING
	`, n.ID, string(n.Kind), n.AccountID, n.SubscriptionID, n.ExpiresAt, n.DaysLeft, n.CreatedAt)
	if err != nil {
		return false, fmt.Errorf("insert notice: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return rows == 1, nil
}

func (p *PostgresStore) List(ctx context.Context, f Filter) ([]*Notice, error) {
	var (
		where []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if f.AccountID != "" {
		where = append(where, "account_id = "+arg(f.AccountID))
	}
	if f.Pending {
		where = append(where, "delivered_at IS NULL")
	}
	if f.After != nil {
		where = append(where, fmt.Sprintf("(created_at, id) < (%s, %s)", arg(f.After.CreatedAt), arg(f.After.ID)))
	}

	query := `SELECT id, kind, account_id, subscription_id, expires_at, days_left, created_at, delivered_at FROM notices`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC"
	if f.Limit > 0 {
		query += " LIMIT " + arg(f.Limit)
	}

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list notices: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Notice
	for rows.Next() {
		var n Notice
		var kind string
		var delivered sql.NullTime
		if err := rows.Scan(&n.ID, &kind, &n.AccountID, &n.SubscriptionID, &n.ExpiresAt,
			&n.DaysLeft, &n.CreatedAt, &delivered); err != nil {
			return nil, err
		}
		n.Kind = Kind(kind)
		if delivered.Valid {
			n.DeliveredAt = delivered.Time
		}
		out = append(out, &n)
	}
	return out, rows.Err()
}

func (p *PostgresStore) MarkDelivered(ctx context.Context, id string, at time.Time) error {
	var got string
	err := p.db.QueryRowContext(ctx, `
		UPDATE notices SET delivered_at = COALESCE(delivered_at, $2) WHERE id = $1 RETURNING id
	`, id, at).Scan(&got)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNoticeNotFound
	}
	if err != nil {
		return fmt.Errorf("mark notice delivered: %w", err)
	}
	return nil
}
