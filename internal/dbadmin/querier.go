package dbadmin

import (
	"context"
	"database/sql"
)

type querier interface {
	exec(ctx context.Context, query string, args ...any) error
	queryStrings(ctx context.Context, query string, args ...any) ([]string, error)
}

type querierImpl struct {
	db *sql.DB
}

func newQuerier(db *sql.DB) querier {
	return &querierImpl{db: db}
}

func (q *querierImpl) exec(ctx context.Context, query string, args ...any) error {
	_, err := q.db.ExecContext(ctx, query, args...)
	return err
}

func (q *querierImpl) queryStrings(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var values []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		values = append(values, v)
	}
	return values, rows.Err()
}
