// Package relstore implements the RelationalStore plugin capability
// trait: a generic SQL query/exec surface rule directives can reach
// for against a reputation table, a greylist table, or any other
// relational fact store a deployment wants to query from a rule stage.
//
// The trait's query shape (run a statement, get back one map per row)
// is grounded directly on the original vsmtp MySQL and SQLite plugins,
// both of which expose exactly one `query(sql) -> []map` method over a
// pooled connection; this package adds `Exec` alongside it for
// statements that mutate rather than select, since a rule directive
// also needs to record its own facts (e.g. bumping a reputation
// counter) and the trait surface described in the expanded spec names
// both operations.
//
// Postgres is the primary backend, via jackc/pgx/v5's own pool type
// (the same driver the teacher already uses for its primary store).
// MySQL is wired as a secondary backend through database/sql plus
// go-sql-driver/mysql, following the driver-registration pattern in
// foxcpp-maddy's internal/storage/sql package.
package relstore

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// RelationalStore is the capability trait a rule directive programs
// against: run a query and get rows back as column-name-keyed maps, or
// run a statement and get back how many rows it touched.
type RelationalStore interface {
	Query(ctx context.Context, query string, args ...any) ([]map[string]any, error)
	Exec(ctx context.Context, query string, args ...any) (int64, error)
	Close() error
}

// Parameters mirrors the connect() parameter map shared by the
// original plugins: a connection URL plus pool sizing knobs.
type Parameters struct {
	URL         string
	Connections int32
}

func (p Parameters) withDefaults() Parameters {
	if p.Connections <= 0 {
		p.Connections = 4
	}
	return p
}

// PgStore is the primary RelationalStore backend, over a pgx pool.
type PgStore struct {
	pool *pgxpool.Pool
}

// ConnectPostgres opens a pooled connection to a Postgres instance.
func ConnectPostgres(ctx context.Context, params Parameters) (*PgStore, error) {
	params = params.withDefaults()
	cfg, err := pgxpool.ParseConfig(params.URL)
	if err != nil {
		return nil, fmt.Errorf("relstore: parsing postgres url: %w", err)
	}
	cfg.MaxConns = params.Connections

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("relstore: connecting to postgres: %w", err)
	}
	return &PgStore{pool: pool}, nil
}

func (s *PgStore) Query(ctx context.Context, query string, args ...any) ([]map[string]any, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("relstore: query: %w", err)
	}
	defer rows.Close()
	return collectPgxRows(rows)
}

func (s *PgStore) Exec(ctx context.Context, query string, args ...any) (int64, error) {
	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("relstore: exec: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *PgStore) Close() error {
	s.pool.Close()
	return nil
}

func collectPgxRows(rows pgx.Rows) ([]map[string]any, error) {
	fields := rows.FieldDescriptions()
	var result []map[string]any
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, fmt.Errorf("relstore: reading row: %w", err)
		}
		record := make(map[string]any, len(fields))
		for i, f := range fields {
			record[string(f.Name)] = values[i]
		}
		result = append(result, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("relstore: row iteration: %w", err)
	}
	return result, nil
}

// MySQLStore is the secondary RelationalStore backend, over
// database/sql with the MySQL driver registered for its side effect.
type MySQLStore struct {
	db *sql.DB
}

// ConnectMySQL opens a pooled connection to a MySQL instance.
func ConnectMySQL(params Parameters) (*MySQLStore, error) {
	params = params.withDefaults()
	db, err := sql.Open("mysql", params.URL)
	if err != nil {
		return nil, fmt.Errorf("relstore: opening mysql: %w", err)
	}
	db.SetMaxOpenConns(int(params.Connections))
	return &MySQLStore{db: db}, nil
}

func (s *MySQLStore) Query(ctx context.Context, query string, args ...any) ([]map[string]any, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("relstore: query: %w", err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("relstore: reading columns: %w", err)
	}

	var result []map[string]any
	for rows.Next() {
		scanTargets := make([]any, len(cols))
		values := make([]any, len(cols))
		for i := range scanTargets {
			scanTargets[i] = &values[i]
		}
		if err := rows.Scan(scanTargets...); err != nil {
			return nil, fmt.Errorf("relstore: scanning row: %w", err)
		}
		record := make(map[string]any, len(cols))
		for i, col := range cols {
			record[col] = values[i]
		}
		result = append(result, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("relstore: row iteration: %w", err)
	}
	return result, nil
}

func (s *MySQLStore) Exec(ctx context.Context, query string, args ...any) (int64, error) {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("relstore: exec: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("relstore: rows affected: %w", err)
	}
	return n, nil
}

func (s *MySQLStore) Close() error {
	return s.db.Close()
}
