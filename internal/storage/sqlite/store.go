// Package sqlite provides an embedded, single-file crawler.RunStore and
// crawler.ContentStore on modernc.org/sqlite.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/JakeFAU/metaverse-indexer/internal/crawler"
)

const schema = `
CREATE TABLE IF NOT EXISTS indexing_runs (
	id              TEXT PRIMARY KEY,
	indexer_id      TEXT NOT NULL,
	status          TEXT NOT NULL,
	configuration   TEXT NOT NULL DEFAULT '{}',
	started_at      TEXT NOT NULL,
	completed_at    TEXT,
	heartbeat_at    TEXT,
	items_total     INTEGER NOT NULL DEFAULT 0,
	items_processed INTEGER NOT NULL DEFAULT 0,
	items_failed    INTEGER NOT NULL DEFAULT 0,
	items_skipped   INTEGER NOT NULL DEFAULT 0,
	error_message   TEXT,
	error_details   TEXT
);
CREATE INDEX IF NOT EXISTS indexing_runs_indexer_started ON indexing_runs (indexer_id, started_at);

CREATE TABLE IF NOT EXISTS indexed_content (
	id              TEXT PRIMARY KEY,
	source_platform TEXT NOT NULL,
	external_id     TEXT NOT NULL,
	content_type    TEXT NOT NULL,
	title           TEXT NOT NULL,
	description     TEXT,
	author          TEXT,
	metadata        TEXT NOT NULL DEFAULT '{}',
	coordinates     TEXT,
	last_indexed_at TEXT NOT NULL,
	created_at      TEXT NOT NULL,
	updated_at      TEXT NOT NULL,
	UNIQUE (source_platform, external_id)
);
`

var pragmas = []string{
	"PRAGMA journal_mode=WAL",
	"PRAGMA busy_timeout=10000",
	"PRAGMA synchronous=NORMAL",
}

// Store persists runs and content in one SQLite database.
type Store struct {
	db    *sql.DB
	clock crawler.Clock
	ids   crawler.IDGenerator
}

// Open opens (creating if needed) the database at dsn and applies the schema.
// ":memory:" yields a private in-memory database.
func Open(ctx context.Context, dsn string, clock crawler.Clock, ids crawler.IDGenerator) (*Store, error) {
	if dsn == "" {
		return nil, fmt.Errorf("storage.dsn is required")
	}
	if clock == nil || ids == nil {
		return nil, fmt.Errorf("clock and id generator are required")
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// one writer; also keeps ":memory:" on a single connection
	db.SetMaxOpenConns(1)
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("set pragma %q: %w", p, err)
		}
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{db: db, clock: clock, ids: ids}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// withTx runs fn in a transaction, rolling back on error.
func (s *Store) withTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// timeLayout is fixed width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func formatTimePtr(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", s, err)
	}
	return t, nil
}

func parseTimePtr(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid {
		return nil, nil
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func encodeJSON(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encode json column: %w", err)
	}
	return string(data), nil
}

func decodeMap(ns sql.NullString) (map[string]any, error) {
	if !ns.Valid || ns.String == "" || ns.String == "null" {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(ns.String), &m); err != nil {
		return nil, fmt.Errorf("decode json column: %w", err)
	}
	return m, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

type scanner interface {
	Scan(dest ...any) error
}

func notFound(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}
