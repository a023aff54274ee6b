// Package embedstore implements the EmbeddedStore plugin capability
// trait: a file-backed SQL store for single-node deployments that
// don't want to stand up Postgres or Redis just to back a greylist or
// reputation table.
//
// Grounded on the original vsmtp SQLite plugin, whose sole operation
// is `query(sql) -> []map` against a pooled rusqlite connection; this
// package adds Exec alongside it for the same reason relstore does.
// The backend is modernc.org/sqlite (a CGo-free driver), reached
// through database/sql the same way relstore's MySQL backend is,
// rather than a dedicated connection pool, since SQLite itself only
// supports one writer at a time regardless of pool size.
package embedstore

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// EmbeddedStore is the capability trait a rule directive programs
// against when it wants a local, file-backed SQL store.
type EmbeddedStore interface {
	Query(ctx context.Context, query string, args ...any) ([]map[string]any, error)
	Exec(ctx context.Context, query string, args ...any) (int64, error)
	Close() error
}

// SQLiteStore is the concrete EmbeddedStore backend.
type SQLiteStore struct {
	db *sql.DB
}

// Open opens (creating if absent) a SQLite database file at path.
func Open(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("embedstore: opening %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Query(ctx context.Context, query string, args ...any) ([]map[string]any, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("embedstore: query: %w", err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("embedstore: reading columns: %w", err)
	}

	var result []map[string]any
	for rows.Next() {
		scanTargets := make([]any, len(cols))
		values := make([]any, len(cols))
		for i := range scanTargets {
			scanTargets[i] = &values[i]
		}
		if err := rows.Scan(scanTargets...); err != nil {
			return nil, fmt.Errorf("embedstore: scanning row: %w", err)
		}
		record := make(map[string]any, len(cols))
		for i, col := range cols {
			record[col] = values[i]
		}
		result = append(result, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("embedstore: row iteration: %w", err)
	}
	return result, nil
}

func (s *SQLiteStore) Exec(ctx context.Context, query string, args ...any) (int64, error) {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("embedstore: exec: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("embedstore: rows affected: %w", err)
	}
	return n, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
