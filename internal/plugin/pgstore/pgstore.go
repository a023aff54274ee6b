// Package pgstore persists quarantined CtxReceived records and
// dead-lettered CtxDelivery records as JSONB for operator inspection
// (SPEC_FULL.md §3 ADDED). It is distinct from internal/plugin/relstore:
// relstore is a directive-facing capability trait the rule engine scripts
// query; pgstore is the core's own archive, schema-owned by
// migrations/0001_quarantine.sql via golang-migrate, and never touched by
// a directive.
package pgstore

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Store archives quarantined and dead-lettered messages in Postgres.
type Store struct {
	pool *pgxpool.Pool
}

// Open builds a Store over a lazily-connecting pgxpool.Pool; dsn is the
// same DatabaseConfig.DSN() the rest of the core uses.
func Open(ctx context.Context, dsn string) (*Store, error) {
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("pgstore: parsing dsn: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("pgstore: creating pool: %w", err)
	}
	return &Store{pool: pool}, nil
}

// QuarantineRecord is one row of the quarantined_messages table.
type QuarantineRecord struct {
	MessageUUID string
	RuleName    string
	Ctx         any
}

// Quarantine inserts a quarantined CtxReceived, per §4.3 "a directive can
// terminate a stage with Quarantine, diverting the message out of the
// normal pipeline for operator review".
func (s *Store) Quarantine(ctx context.Context, rec QuarantineRecord) error {
	body, err := json.Marshal(rec.Ctx)
	if err != nil {
		return fmt.Errorf("pgstore: marshalling quarantine context: %w", err)
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO quarantined_messages (message_uuid, rule_name, ctx) VALUES ($1, $2, $3)`,
		rec.MessageUUID, rec.RuleName, body,
	)
	if err != nil {
		return fmt.Errorf("pgstore: inserting quarantine record: %w", err)
	}
	return nil
}

// DeadLetterRecord is one row of the dead_letters table.
type DeadLetterRecord struct {
	MessageUUID string
	Route       string
	Ctx         any
}

// DeadLetter inserts a dead-lettered CtxDelivery, per §4.6 "a CtxDelivery
// that exhausts its retries is dead-lettered rather than retried again".
func (s *Store) DeadLetter(ctx context.Context, rec DeadLetterRecord) error {
	body, err := json.Marshal(rec.Ctx)
	if err != nil {
		return fmt.Errorf("pgstore: marshalling dead letter context: %w", err)
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO dead_letters (message_uuid, route, ctx) VALUES ($1, $2, $3)`,
		rec.MessageUUID, rec.Route, body,
	)
	if err != nil {
		return fmt.Errorf("pgstore: inserting dead letter record: %w", err)
	}
	return nil
}

// Close releases the pool.
func (s *Store) Close() { s.pool.Close() }
