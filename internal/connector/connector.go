// Package connector provides read-only query access to monitored databases,
// keyed by a database-kind tag. Adding a dialect means adding a variant here;
// nothing outside this package changes.
package connector

import (
	"context"
	"database/sql"
	"fmt"
)

// Connector is the capability contract every dialect variant satisfies.
// Query submits the caller's SELECT text verbatim; connectors never issue
// writes against the monitored system. The caller bounds execution with the
// context deadline.
type Connector interface {
	Ping(ctx context.Context) error

	Query(ctx context.Context, text string, args ...any) ([]Row, error)

	Close() error
}

// Row is one result row, values in select-list order.
type Row []any

type Config struct {
	Kind     string // mysql | postgres | sqlserver
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
}

type baseConnector struct {
	cfg Config
	db  *sql.DB
}

func (b *baseConnector) Ping(ctx context.Context) error {
	if err := b.db.PingContext(ctx); err != nil {
		return classify(fmt.Errorf("ping %s: %w", b.cfg.Kind, err))
	}
	return nil
}

func (b *baseConnector) Query(ctx context.Context, text string, args ...any) ([]Row, error) {
	rows, err := b.db.QueryContext(ctx, text, args...)
	if err != nil {
		return nil, classify(fmt.Errorf("query %s: %w", b.cfg.Kind, err))
	}
	defer rows.Close()
	results, err := scanRows(rows)
	if err != nil {
		return nil, classify(fmt.Errorf("scan %s rows: %w", b.cfg.Kind, err))
	}
	return results, nil
}

func (b *baseConnector) Close() error {
	if b.db == nil {
		return nil
	}
	return b.db.Close()
}

func scanRows(rows *sql.Rows) ([]Row, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	results := []Row{}
	for rows.Next() {
		values := make([]any, len(cols))
		for i := range values {
			var v any
			values[i] = &v
		}
		if err := rows.Scan(values...); err != nil {
			return nil, err
		}
		row := make(Row, len(cols))
		for i := range cols {
			row[i] = normalizeValue(*(values[i].(*any)))
		}
		results = append(results, row)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return results, nil
}

func normalizeValue(v any) any {
	switch t := v.(type) {
	case nil:
		return nil
	case []byte:
		return string(t)
	default:
		return t
	}
}
