// Package postgres provides Postgres-backed persistence implementations.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/metaverse-indexer/internal/crawler"
)

// Schema creates the tables used by Store.
const Schema = `
CREATE TABLE IF NOT EXISTS indexing_runs (
	id              TEXT PRIMARY KEY,
	indexer_id      TEXT NOT NULL,
	status          TEXT NOT NULL,
	configuration   JSONB NOT NULL DEFAULT '{}'::jsonb,
	started_at      TIMESTAMPTZ NOT NULL,
	completed_at    TIMESTAMPTZ,
	heartbeat_at    TIMESTAMPTZ,
	items_total     INTEGER NOT NULL DEFAULT 0,
	items_processed INTEGER NOT NULL DEFAULT 0,
	items_failed    INTEGER NOT NULL DEFAULT 0,
	items_skipped   INTEGER NOT NULL DEFAULT 0,
	error_message   TEXT,
	error_details   JSONB
);
CREATE INDEX IF NOT EXISTS indexing_runs_indexer_started ON indexing_runs (indexer_id, started_at DESC);
CREATE INDEX IF NOT EXISTS indexing_runs_status ON indexing_runs (status);

CREATE TABLE IF NOT EXISTS indexed_content (
	id              TEXT PRIMARY KEY,
	source_platform TEXT NOT NULL,
	external_id     TEXT NOT NULL,
	content_type    TEXT NOT NULL,
	title           TEXT NOT NULL,
	description     TEXT,
	author          TEXT,
	metadata        JSONB NOT NULL DEFAULT '{}'::jsonb,
	coordinates     JSONB,
	last_indexed_at TIMESTAMPTZ NOT NULL,
	created_at      TIMESTAMPTZ NOT NULL,
	updated_at      TIMESTAMPTZ NOT NULL,
	UNIQUE (source_platform, external_id)
);
`

const uniqueViolation = "23505"

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

// pool is the subset of pgxpool.Pool used by the stores; pgxmock satisfies it.
type pool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Begin(context.Context) (pgx.Tx, error)
	Close()
}

// Store implements crawler.RunStore and crawler.ContentStore.
type Store struct {
	pool  pool
	clock crawler.Clock
	ids   crawler.IDGenerator
}

// New connects to Postgres using cfg.
func New(ctx context.Context, cfg Config, clock crawler.Clock, ids crawler.IDGenerator) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("storage.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return NewWithPool(p, clock, ids)
}

// NewWithPool constructs a store from an existing pool (primarily for testing).
func NewWithPool(p pool, clock crawler.Clock, ids crawler.IDGenerator) (*Store, error) {
	switch {
	case p == nil:
		return nil, fmt.Errorf("pool is required")
	case clock == nil:
		return nil, fmt.Errorf("clock is required")
	case ids == nil:
		return nil, fmt.Errorf("id generator is required")
	}
	return &Store{pool: p, clock: clock, ids: ids}, nil
}

// Migrate applies Schema.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

func encodeJSON(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode json column: %w", err)
	}
	return data, nil
}

func decodeMap(data []byte) (map[string]any, error) {
	if len(data) == 0 || string(data) == "null" {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode json column: %w", err)
	}
	return m, nil
}
