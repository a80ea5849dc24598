package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/JakeFAU/metaverse-indexer/internal/crawler"
)

const contentColumns = `id, source_platform, external_id, content_type, title, description, author,
	metadata, coordinates, last_indexed_at, created_at, updated_at`

// FindContent looks a record up by natural key.
func (s *Store) FindContent(ctx context.Context, platform, externalID string) (crawler.IndexedContent, bool, error) {
	c, err := scanContent(s.db.QueryRowContext(ctx,
		`SELECT `+contentColumns+` FROM indexed_content WHERE source_platform = ? AND external_id = ?`,
		platform, externalID))
	if notFound(err) {
		return crawler.IndexedContent{}, false, nil
	}
	if err != nil {
		return crawler.IndexedContent{}, false, fmt.Errorf("find content: %w", err)
	}
	return c, true, nil
}

// CreateContent inserts content. A natural-key conflict yields ErrDuplicateContent.
func (s *Store) CreateContent(ctx context.Context, content crawler.IndexedContent) (crawler.IndexedContent, error) {
	if content.ID == "" {
		id, err := s.ids.NewID()
		if err != nil {
			return crawler.IndexedContent{}, fmt.Errorf("generate content id: %w", err)
		}
		content.ID = id
	}
	now := s.clock.Now()
	content.CreatedAt = now
	content.UpdatedAt = now
	metadata, coords, err := contentJSON(content)
	if err != nil {
		return crawler.IndexedContent{}, err
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO indexed_content (`+contentColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		content.ID,
		content.SourcePlatform,
		content.ExternalID,
		content.ContentType,
		content.Title,
		nullString(content.Description),
		nullString(content.Author),
		metadata,
		coords,
		formatTime(content.LastIndexedAt),
		formatTime(content.CreatedAt),
		formatTime(content.UpdatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return crawler.IndexedContent{}, fmt.Errorf("%s: %w", content.NaturalKey(), crawler.ErrDuplicateContent)
		}
		return crawler.IndexedContent{}, fmt.Errorf("insert content: %w", err)
	}
	return content, nil
}

// UpdateContent rewrites the row with the same natural key, keeping its id
// and created_at.
func (s *Store) UpdateContent(ctx context.Context, content crawler.IndexedContent) (crawler.IndexedContent, error) {
	metadata, coords, err := contentJSON(content)
	if err != nil {
		return crawler.IndexedContent{}, err
	}
	content.UpdatedAt = s.clock.Now()
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		var createdAt string
		err := tx.QueryRowContext(ctx,
			`SELECT id, created_at FROM indexed_content WHERE source_platform = ? AND external_id = ?`,
			content.SourcePlatform, content.ExternalID).Scan(&content.ID, &createdAt)
		if notFound(err) {
			return fmt.Errorf("%s: %w", content.NaturalKey(), crawler.ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("load content: %w", err)
		}
		if content.CreatedAt, err = parseTime(createdAt); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
UPDATE indexed_content SET
	content_type = ?, title = ?, description = ?, author = ?,
	metadata = ?, coordinates = ?, last_indexed_at = ?, updated_at = ?
WHERE id = ?`,
			content.ContentType,
			content.Title,
			nullString(content.Description),
			nullString(content.Author),
			metadata,
			coords,
			formatTime(content.LastIndexedAt),
			formatTime(content.UpdatedAt),
			content.ID,
		)
		if err != nil {
			return fmt.Errorf("update content: %w", err)
		}
		return nil
	})
	if err != nil {
		return crawler.IndexedContent{}, err
	}
	return content, nil
}

// ListExternalIDs returns every external ID stored for platform, sorted.
func (s *Store) ListExternalIDs(ctx context.Context, platform string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT external_id FROM indexed_content WHERE source_platform = ? ORDER BY external_id`, platform)
	if err != nil {
		return nil, fmt.Errorf("list external ids: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan external id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// DeleteContent removes the given external IDs of platform.
func (s *Store) DeleteContent(ctx context.Context, platform string, externalIDs []string) (int, error) {
	if len(externalIDs) == 0 {
		return 0, nil
	}
	args := make([]any, 0, len(externalIDs)+1)
	args = append(args, platform)
	for _, id := range externalIDs {
		args = append(args, id)
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(externalIDs)), ",")
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM indexed_content WHERE source_platform = ? AND external_id IN (`+placeholders+`)`, args...)
	if err != nil {
		return 0, fmt.Errorf("delete content: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete content: %w", err)
	}
	return int(n), nil
}

func contentJSON(c crawler.IndexedContent) (string, sql.NullString, error) {
	m := c.Metadata
	if m == nil {
		m = map[string]any{}
	}
	metadata, err := encodeJSON(m)
	if err != nil {
		return "", sql.NullString{}, err
	}
	if c.Coordinates == nil {
		return metadata, sql.NullString{}, nil
	}
	coords, err := encodeJSON(c.Coordinates)
	if err != nil {
		return "", sql.NullString{}, err
	}
	return metadata, sql.NullString{String: coords, Valid: true}, nil
}

func scanContent(row scanner) (crawler.IndexedContent, error) {
	var (
		c           crawler.IndexedContent
		description sql.NullString
		author      sql.NullString
		metadata    sql.NullString
		coords      sql.NullString
		lastIndexed string
		createdAt   string
		updatedAt   string
	)
	err := row.Scan(
		&c.ID,
		&c.SourcePlatform,
		&c.ExternalID,
		&c.ContentType,
		&c.Title,
		&description,
		&author,
		&metadata,
		&coords,
		&lastIndexed,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return crawler.IndexedContent{}, err
	}
	c.Description = description.String
	c.Author = author.String
	if c.Metadata, err = decodeMap(metadata); err != nil {
		return crawler.IndexedContent{}, err
	}
	if coords.Valid && coords.String != "" {
		var xy crawler.Coordinates
		if err := json.Unmarshal([]byte(coords.String), &xy); err != nil {
			return crawler.IndexedContent{}, fmt.Errorf("decode coordinates: %w", err)
		}
		c.Coordinates = &xy
	}
	if c.LastIndexedAt, err = parseTime(lastIndexed); err != nil {
		return crawler.IndexedContent{}, err
	}
	if c.CreatedAt, err = parseTime(createdAt); err != nil {
		return crawler.IndexedContent{}, err
	}
	if c.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return crawler.IndexedContent{}, err
	}
	return c, nil
}
