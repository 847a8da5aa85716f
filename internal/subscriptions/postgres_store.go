package subscriptions

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
)

var _ Store = (*PostgresStore)(nil)

// PostgresStore implements Store backed by PostgreSQL. The subscriptions
// table is created by migrations/00003_subscriptions.sql.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed subscription store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const subscriptionColumns = `id, account_id, type, amount_paid, currency, payment_method,
	external_transaction_id, window_start, window_end, status, auto_renew, created_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, s *Subscription) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO subscriptions (`+subscriptionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`,
		s.ID, s.AccountID, string(s.Type), s.AmountPaid, s.Currency, string(s.PaymentMethod),
		s.ExternalTransactionID, s.WindowStart, s.WindowEnd, string(s.Status), s.AutoRenew,
		s.CreatedAt, s.UpdatedAt,
	)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return ErrDuplicateTransaction
	}
	if err != nil {
		return fmt.Errorf("insert subscription: %w", err)
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Subscription, error) {
	return p.one(ctx, `SELECT `+subscriptionColumns+` FROM subscriptions WHERE id = $1`, id)
}

func (p *PostgresStore) GetByTransactionID(ctx context.Context, txnID string) (*Subscription, error) {
	return p.one(ctx, `SELECT `+subscriptionColumns+` FROM subscriptions WHERE external_transaction_id = $1`, txnID)
}

func (p *PostgresStore) ActiveForAccount(ctx context.Context, accountID string, now time.Time) (*Subscription, error) {
	return p.one(ctx, `
		SELECT `+subscriptionColumns+` FROM subscriptions
		WHERE account_id = $1 AND status = 'active' AND window_start <= $2 AND window_end >= $2
		ORDER BY window_end DESC LIMIT 1
	`, accountID, now)
}

func (p *PostgresStore) ListExpiring(ctx context.Context, from, to time.Time) ([]*Subscription, error) {
	return p.many(ctx, `
		SELECT `+subscriptionColumns+` FROM subscriptions
		WHERE status = 'active' AND window_end >= $1 AND window_end <= $2
		ORDER BY window_end ASC
	`, from, to)
}

func (p *PostgresStore) ListLapsed(ctx context.Context, now time.Time) ([]*Subscription, error) {
	return p.many(ctx, `
		SELECT `+subscriptionColumns+` FROM subscriptions
		WHERE status = 'active' AND window_end < $1
		ORDER BY window_end ASC
	`, now)
}

func (p *PostgresStore) UpdateStatus(ctx context.Context, id string, from, to Status) (*Subscription, error) {
	s, err := p.one(ctx, `
		UPDATE subscriptions SET status = $3, updated_at = NOW()
		WHERE id = $1 AND status = $2
		RETURNING `+subscriptionColumns, id, string(from), string(to))
	if !errors.Is(err, ErrSubscriptionNotFound) {
		return s, err
	}
	// Distinguish a missing row from a status that already moved on.
	if _, getErr := p.Get(ctx, id); getErr != nil {
		return nil, getErr
	}
	return nil, ErrInvalidTransition
}

func (p *PostgresStore) List(ctx context.Context, f ListFilter) ([]*Subscription, error) {
	var (
		where []string
		args  []interface{}
	)
	add := func(clause string, arg interface{}) {
		args = append(args, arg)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}
	if f.AccountID != "" {
		add("account_id = $%d", f.AccountID)
	}
	if f.Status != "" {
		add("status = $%d", string(f.Status))
	}
	if f.Type != "" {
		add("type = $%d", string(f.Type))
	}
	if f.After != nil {
		args = append(args, f.After.CreatedAt, f.After.ID)
		where = append(where, fmt.Sprintf("(created_at, id) < ($%d, $%d)", len(args)-1, len(args)))
	}

	query := `SELECT ` + subscriptionColumns + ` FROM subscriptions`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC"
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	return p.many(ctx, query, args...)
}

func (p *PostgresStore) one(ctx context.Context, query string, args ...interface{}) (*Subscription, error) {
	s, err := scanSubscription(p.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSubscriptionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get subscription: %w", err)
	}
	return s, nil
}

func (p *PostgresStore) many(ctx context.Context, query string, args ...interface{}) ([]*Subscription, error) {
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list subscriptions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Subscription
	for rows.Next() {
		s, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

type scannable interface {
	Scan(dest ...interface{}) error
}

func scanSubscription(row scannable) (*Subscription, error) {
	var s Subscription
	var typ, method, status string
	err := row.Scan(
		&s.ID, &s.AccountID, &typ, &s.AmountPaid, &s.Currency, &method,
		&s.ExternalTransactionID, &s.WindowStart, &s.WindowEnd, &status, &s.AutoRenew,
		&s.CreatedAt, &s.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	s.Type = Type(typ)
	s.PaymentMethod = PaymentMethod(method)
	s.Status = Status(status)
	return &s, nil
}
