package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/JakeFAU/metaverse-indexer/internal/crawler"
)

const runColumns = `id, indexer_id, status, configuration, started_at, completed_at, heartbeat_at,
	items_total, items_processed, items_failed, items_skipped, error_message, error_details`

// CreateRun inserts a new run row.
func (s *Store) CreateRun(ctx context.Context, run crawler.IndexingRun) error {
	cfg := map[string]any{}
	if run.Configuration != nil {
		cfg = run.Configuration
	}
	cfgJSON, err := encodeJSON(cfg)
	if err != nil {
		return err
	}
	details, err := detailsColumn(run.ErrorDetails)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO indexing_runs (`+runColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		run.ID,
		run.IndexerID,
		string(run.Status),
		cfgJSON,
		formatTime(run.StartedAt),
		formatTimePtr(run.CompletedAt),
		formatTimePtr(run.HeartbeatAt),
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

// UpdateRun applies update through IndexingRun.Apply inside a transaction.
func (s *Store) UpdateRun(ctx context.Context, runID string, update crawler.RunUpdate) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		current, err := scanRun(tx.QueryRowContext(ctx, `SELECT `+runColumns+` FROM indexing_runs WHERE id = ?`, runID))
		if err != nil {
			return fmt.Errorf("load run %s: %w", runID, err)
		}
		next, err := current.Apply(update)
		if err != nil {
			return err
		}
		details, err := detailsColumn(next.ErrorDetails)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
UPDATE indexing_runs SET
	status = ?, completed_at = ?, heartbeat_at = ?,
	items_total = ?, items_processed = ?, items_failed = ?, items_skipped = ?,
	error_message = ?, error_details = ?
WHERE id = ?`,
			string(next.Status),
			formatTimePtr(next.CompletedAt),
			formatTimePtr(next.HeartbeatAt),
			next.ItemsTotal,
			next.ItemsProcessed,
			next.ItemsFailed,
			next.ItemsSkipped,
			nullString(next.ErrorMessage),
			details,
			runID,
		)
		if err != nil {
			return fmt.Errorf("update run %s: %w", runID, err)
		}
		return nil
	})
}

// GetRun fetches a run by ID.
func (s *Store) GetRun(ctx context.Context, runID string) (crawler.IndexingRun, error) {
	run, err := scanRun(s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM indexing_runs WHERE id = ?`, runID))
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
		where = append(where, "indexer_id = ?")
		args = append(args, filter.IndexerID)
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}
	query := `SELECT ` + runColumns + ` FROM indexing_runs`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY started_at DESC, id DESC"
	if filter.Limit > 0 || filter.Offset > 0 {
		limit := filter.Limit
		if limit <= 0 {
			limit = -1
		}
		query += " LIMIT ? OFFSET ?"
		args = append(args, limit, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer func() { _ = rows.Close() }()
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

func scanRun(row scanner) (crawler.IndexingRun, error) {
	var (
		run         crawler.IndexingRun
		status      string
		cfg         sql.NullString
		startedAt   string
		completedAt sql.NullString
		heartbeatAt sql.NullString
		errMsg      sql.NullString
		details     sql.NullString
	)
	err := row.Scan(
		&run.ID,
		&run.IndexerID,
		&status,
		&cfg,
		&startedAt,
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
		if notFound(err) {
			return crawler.IndexingRun{}, crawler.ErrNotFound
		}
		return crawler.IndexingRun{}, err
	}
	run.Status = crawler.RunStatus(status)
	run.ErrorMessage = errMsg.String
	if run.StartedAt, err = parseTime(startedAt); err != nil {
		return crawler.IndexingRun{}, err
	}
	if run.CompletedAt, err = parseTimePtr(completedAt); err != nil {
		return crawler.IndexingRun{}, err
	}
	if run.HeartbeatAt, err = parseTimePtr(heartbeatAt); err != nil {
		return crawler.IndexingRun{}, err
	}
	if run.Configuration, err = decodeMap(cfg); err != nil {
		return crawler.IndexingRun{}, err
	}
	if run.ErrorDetails, err = decodeMap(details); err != nil {
		return crawler.IndexingRun{}, err
	}
	return run, nil
}

func detailsColumn(details map[string]any) (sql.NullString, error) {
	if details == nil {
		return sql.NullString{}, nil
	}
	s, err := encodeJSON(details)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: s, Valid: true}, nil
}
