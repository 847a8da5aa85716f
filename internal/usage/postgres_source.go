package usage

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// PostgresSource counts user-class rows of the chat_history table written by
// the messaging pipeline.
type PostgresSource struct {
	db  *sql.DB
	loc *time.Location
}

var _ Source = (*PostgresSource)(nil)

// NewPostgresSource creates a source over db. Period boundaries are taken in loc.
func NewPostgresSource(db *sql.DB, loc *time.Location) *PostgresSource {
	if loc == nil {
		loc = time.UTC
	}
	return &PostgresSource{db: db, loc: loc}
}

func (p *PostgresSource) Count(ctx context.Context, accountID, period string) (int64, error) {
	start, end, err := PeriodBounds(period, p.loc)
	if err != nil {
		return 0, err
	}
	var n int64
	err = p.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM chat_history
		WHERE account_id = $1 AND user_class AND created_at >= $2 AND created_at < $3
	`, accountID, start, end).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count chat history: %w", err)
	}
	return n, nil
}

func (p *PostgresSource) CountAll(ctx context.Context, period string) (map[string]int64, error) {
	start, end, err := PeriodBounds(period, p.loc)
	if err != nil {
		return nil, err
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT account_id, COUNT(*) FROM chat_history
		WHERE user_class AND created_at >= $1 AND created_at < $2
		GROUP BY account_id
	`, start, end)
	if err != nil {
		return nil, fmt.Errorf("count chat history: %w", err)
	}
	defer func() { _ = rows.Close() }()

	counts := make(map[string]int64)
	for rows.Next() {
		var id string
		var n int64
		if err := rows.Scan(&id, &n); err != nil {
			return nil, err
		}
		counts[id] = n
	}
	return counts, rows.Err()
}
