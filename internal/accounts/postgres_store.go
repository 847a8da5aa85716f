package accounts

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

// PostgresStore implements Store backed by PostgreSQL. The accounts table is
// created by migrations/00001_accounts.sql.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed account store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const accountColumns = `id, username, access_status, disabled_reason, usage_count, usage_period,
	privileged, premium, premium_expires_at, premium_checked_at, created_at, updated_at`

// Create inserts a new account.
func (p *PostgresStore) Create(ctx context.Context, a *Account) error {
	if err := a.Validate(); err != nil {
		return err
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO accounts (`+accountColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`,
		a.ID, a.Username, string(a.AccessStatus), string(a.DisabledReason), a.UsageCount, a.UsagePeriod,
		a.Privileged, a.Premium, nullTimeOrValue(a.PremiumExpiresAt), nullTimeOrValue(a.PremiumCheckedAt),
		a.CreatedAt, a.UpdatedAt,
	)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return ErrAccountExists
	}
	if err != nil {
		return fmt.Errorf("insert account: %w", err)
	}
	return nil
}

// Get retrieves an account by ID.
func (p *PostgresStore) Get(ctx context.Context, id string) (*Account, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = $1`, id)
	a, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get account: %w", err)
	}
	return a, nil
}

// List returns accounts matching f, newest first. The status/reason
// predicates are served by idx_accounts_access.
func (p *PostgresStore) List(ctx context.Context, f Filter) ([]*Account, error) {
	var (
		where []string
		args  []interface{}
	)
	add := func(clause string, arg interface{}) {
		args = append(args, arg)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}

	if f.Status != "" {
		add("access_status = $%d", string(f.Status))
	}
	if f.Reason != "" {
		add("disabled_reason = $%d", string(f.Reason))
	}
	if f.Privileged != nil {
		add("privileged = $%d", *f.Privileged)
	}
	if f.StalePeriod != "" {
		add("usage_period <> $%d", f.StalePeriod)
	}
	if f.After != nil {
		args = append(args, f.After.CreatedAt, f.After.ID)
		where = append(where, fmt.Sprintf("(created_at, id) < ($%d, $%d)", len(args)-1, len(args)))
	}

	query := `SELECT ` + accountColumns + ` FROM accounts`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(` LIMIT $%d`, len(args))
	}

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanAccounts(rows)
}

// Save overwrites every mutable column of an existing account.
func (p *PostgresStore) Save(ctx context.Context, a *Account) error {
	if err := a.Validate(); err != nil {
		return err
	}
	a.UpdatedAt = time.Now()

	result, err := p.db.ExecContext(ctx, `
		UPDATE accounts SET
			username           = $2,
			access_status      = $3,
			disabled_reason    = $4,
			usage_count        = $5,
			usage_period       = $6,
			privileged         = $7,
			premium            = $8,
			premium_expires_at = $9,
			premium_checked_at = $10,
			updated_at         = $11
		WHERE id = $1
	`,
		a.ID, a.Username, string(a.AccessStatus), string(a.DisabledReason), a.UsageCount, a.UsagePeriod,
		a.Privileged, a.Premium, nullTimeOrValue(a.PremiumExpiresAt), nullTimeOrValue(a.PremiumCheckedAt),
		a.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("save account: %w", err)
	}
	return requireOneRow(result)
}

// Update locks the account row, runs fn and writes back only group's columns.
func (p *PostgresStore) Update(ctx context.Context, id string, group FieldGroup, fn Mutator) (*Account, bool, error) {
	if !validGroup(group) {
		return nil, false, fmt.Errorf("unknown field group %q", group)
	}

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = $1 FOR UPDATE`, id)
	a, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, ErrAccountNotFound
	}
	if err != nil {
		return nil, false, fmt.Errorf("lock account: %w", err)
	}

	changed, err := fn(a)
	if err != nil {
		return nil, false, err
	}
	if !changed {
		return a, false, nil
	}
	if err := a.Validate(); err != nil {
		return nil, false, err
	}
	a.UpdatedAt = time.Now()

	switch group {
	case GroupUsage:
		_, err = tx.ExecContext(ctx, `
			UPDATE accounts SET usage_count = $2, usage_period = $3, updated_at = $4 WHERE id = $1
		`, id, a.UsageCount, a.UsagePeriod, a.UpdatedAt)
	case GroupAccess:
		_, err = tx.ExecContext(ctx, `
			UPDATE accounts SET access_status = $2, disabled_reason = $3, updated_at = $4 WHERE id = $1
		`, id, string(a.AccessStatus), string(a.DisabledReason), a.UpdatedAt)
	case GroupEntitlement:
		_, err = tx.ExecContext(ctx, `
			UPDATE accounts SET premium = $2, premium_expires_at = $3, premium_checked_at = $4, updated_at = $5
			WHERE id = $1
		`, id, a.Premium, nullTimeOrValue(a.PremiumExpiresAt), nullTimeOrValue(a.PremiumCheckedAt), a.UpdatedAt)
	case GroupProfile:
		_, err = tx.ExecContext(ctx, `
			UPDATE accounts SET username = $2, privileged = $3, updated_at = $4 WHERE id = $1
		`, id, a.Username, a.Privileged, a.UpdatedAt)
	}
	if err != nil {
		return nil, false, fmt.Errorf("update account %s: %w", group, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("commit: %w", err)
	}
	return a, true, nil
}

// scannable abstracts *sql.Row and *sql.Rows for shared scanning logic.
type scannable interface {
	Scan(dest ...interface{}) error
}

func scanAccount(row scannable) (*Account, error) {
	var a Account
	var status, reason string
	var expiresAt, checkedAt sql.NullTime

	err := row.Scan(
		&a.ID, &a.Username, &status, &reason, &a.UsageCount, &a.UsagePeriod,
		&a.Privileged, &a.Premium, &expiresAt, &checkedAt, &a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	a.AccessStatus = AccessStatus(status)
	a.DisabledReason = DisabledReason(reason)
	if expiresAt.Valid {
		a.PremiumExpiresAt = expiresAt.Time
	}
	if checkedAt.Valid {
		a.PremiumCheckedAt = checkedAt.Time
	}
	return &a, nil
}

func scanAccounts(rows *sql.Rows) ([]*Account, error) {
	result := make([]*Account, 0)
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, a)
	}
	return result, rows.Err()
}

func requireOneRow(result sql.Result) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return ErrAccountNotFound
	}
	return nil
}

// nullTimeOrValue returns a sql.NullTime: valid if t is non-zero, null otherwise.
func nullTimeOrValue(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t, Valid: true}
}
