package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/metaverse-indexer/internal/crawler"
)

const runColumns = `id, indexer_id, status, configuration, started_at, completed_at, heartbeat_at,
	items_total, items_processed, items_failed, items_skipped, error_message, error_details`

// CreateRun inserts a new run row.
func (s *Store) CreateRun(ctx context.Context, run crawler.IndexingRun) error {
	cfg, err := encodeJSON(nonNilMap(run.Configuration))
	if err != nil {
		return err
	}
	var details []byte
	if run.ErrorDetails != nil {
		if details, err = encodeJSON(run.ErrorDetails); err != nil {
			return err
		}
	}
	_, err = s.pool.Exec(ctx, `
INSERT INTO indexing_runs (`+runColumns+`)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
		run.ID,
		run.IndexerID,
		string(run.Status),
		cfg,
		run.StartedAt,
		run.CompletedAt,
		run.HeartbeatAt,
		run.ItemsTotal,
		run.ItemsProcessed,
		run.ItemsFailed,
		run.ItemsSkipped,
		nullString(run.ErrorMessage),
		details,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("run %s already exists: %w", run.ID, err)
		}
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

// UpdateRun locks the row, applies update through IndexingRun.Apply and
// writes the result back in one transaction.
func (s *Store) UpdateRun(ctx context.Context, runID string, update crawler.RunUpdate) (err error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin run update: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	current, err := scanRun(tx.QueryRow(ctx, `SELECT `+runColumns+` FROM indexing_runs WHERE id = $1 FOR UPDATE`, runID))
	if err != nil {
		return fmt.Errorf("load run %s: %w", runID, err)
	}
	next, err := current.Apply(update)
	if err != nil {
		return err
	}
	var details []byte
	if next.ErrorDetails != nil {
		if details, err = encodeJSON(next.ErrorDetails); err != nil {
			return err
		}
	}
	_, err = tx.Exec(ctx, `
UPDATE indexing_runs SET
	status = $2,
	completed_at = $3,
	heartbeat_at = $4,
	items_total = $5,
	items_processed = $6,
	items_failed = $7,
	items_skipped = $8,
	error_message = $9,
	error_details = $10
WHERE id = $1`,
		runID,
		string(next.Status),
		next.CompletedAt,
		next.HeartbeatAt,
		next.ItemsTotal,
		next.ItemsProcessed,
		next.ItemsFailed,
		next.ItemsSkipped,
		nullString(next.ErrorMessage),
		details,
	)
	if err != nil {
		return fmt.Errorf("update run %s: %w", runID, err)
	}
	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit run update: %w", err)
	}
	return nil
}

// GetRun fetches a run by ID.
func (s *Store) GetRun(ctx context.Context, runID string) (crawler.IndexingRun, error) {
	run, err := scanRun(s.pool.QueryRow(ctx, `SELECT `+runColumns+` FROM indexing_runs WHERE id = $1`, runID))
	if err != nil {
		return crawler.IndexingRun{}, fmt.Errorf("get run %s: %w", runID, err)
	}
	return run, nil
}

// ListRuns returns runs matching filter, newest first.
func (s *Store) ListRuns(ctx context.Context, filter crawler.RunFilter) ([]crawler.IndexingRun, error) {
	var (
		where []string
		args  []any
	)
	if filter.IndexerID != "" {
		args = append(args, filter.IndexerID)
		where = append(where, fmt.Sprintf("indexer_id = $%d", len(args)))
	}
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	query := `SELECT ` + runColumns + ` FROM indexing_runs`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY started_at DESC, id DESC"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()
	out := []crawler.IndexingRun{}
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		out = append(out, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}
	return out, nil
}

func scanRun(row pgx.Row) (crawler.IndexingRun, error) {
	var (
		run         crawler.IndexingRun
		status      string
		cfg         []byte
		completedAt *time.Time
		heartbeatAt *time.Time
		errMsg      *string
		details     []byte
	)
	err := row.Scan(
		&run.ID,
		&run.IndexerID,
		&status,
		&cfg,
		&run.StartedAt,
		&completedAt,
		&heartbeatAt,
		&run.ItemsTotal,
		&run.ItemsProcessed,
		&run.ItemsFailed,
		&run.ItemsSkipped,
		&errMsg,
		&details,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return crawler.IndexingRun{}, crawler.ErrNotFound
		}
		return crawler.IndexingRun{}, err
	}
	run.Status = crawler.RunStatus(status)
	run.CompletedAt = completedAt
	run.HeartbeatAt = heartbeatAt
	if errMsg != nil {
		run.ErrorMessage = *errMsg
	}
	if run.Configuration, err = decodeMap(cfg); err != nil {
		return crawler.IndexingRun{}, err
	}
	if run.ErrorDetails, err = decodeMap(details); err != nil {
		return crawler.IndexingRun{}, err
	}
	return run, nil
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func nonNilMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
