package params

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// PostgresStore persists parameters in sys_params.
type PostgresStore struct {
	db *sql.DB
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a PostgreSQL-backed parameter store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const paramColumns = `key, kind, value, schema, remark, updated_at`

func (p *PostgresStore) Get(ctx context.Context, key string) (*Param, error) {
	var param Param
	var kind string
	err := p.db.QueryRowContext(ctx, `SELECT `+paramColumns+` FROM sys_params WHERE key = $1`, key).
		Scan(&param.Key, &kind, &param.Value, &param.Schema, &param.Remark, &param.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrParamNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get param: %w", err)
	}
	param.Kind = Kind(kind)
	return &param, nil
}

func (p *PostgresStore) List(ctx context.Context, query string) ([]*Param, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+paramColumns+` FROM sys_params
		WHERE $1::text = '' OR key LIKE '%' || $1::text || '%' OR remark LIKE '%' || $1::text || '%'
		ORDER BY key
	`, query)
	if err != nil {
		return nil, fmt.Errorf("list params: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Param
	for rows.Next() {
		var param Param
		var kind string
		if err := rows.Scan(&param.Key, &kind, &param.Value, &param.Schema, &param.Remark, &param.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan param: %w", err)
		}
		param.Kind = Kind(kind)
		out = append(out, &param)
	}
	return out, rows.Err()
}

func (p *PostgresStore) Put(ctx context.Context, param *Param) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO sys_params (key, kind, value, schema, remark, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (key) DO UPDATE SET
			kind = EXCLUDED.kind,
			value = EXCLUDED.value,
			schema = EXCLUDED.schema,
			remark = EXCLUDED.remark,
			updated_at = EXCLUDED.updated_at
	`, param.Key, string(param.Kind), param.Value, param.Schema, param.Remark, param.UpdatedAt)
	if err != nil {
		return fmt.Errorf("put param: %w", err)
	}
	return nil
}

func (p *PostgresStore) Delete(ctx context.Context, key string) error {
	res, err := p.db.ExecContext(ctx, `DELETE FROM sys_params WHERE key = $1`, key)
	if err != nil {
		return fmt.Errorf("delete param: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return ErrParamNotFound
	}
	return nil
}
