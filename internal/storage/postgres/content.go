package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/metaverse-indexer/internal/crawler"
)

const contentColumns = `id, source_platform, external_id, content_type, title, description, author,
	metadata, coordinates, last_indexed_at, created_at, updated_at`

// FindContent looks a record up by natural key.
func (s *Store) FindContent(ctx context.Context, platform, externalID string) (crawler.IndexedContent, bool, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+contentColumns+` FROM indexed_content WHERE source_platform = $1 AND external_id = $2`,
		platform, externalID)
	content, err := scanContent(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return crawler.IndexedContent{}, false, nil
	}
	if err != nil {
		return crawler.IndexedContent{}, false, fmt.Errorf("find content: %w", err)
	}
	return content, true, nil
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
	args, err := contentArgs(content)
	if err != nil {
		return crawler.IndexedContent{}, err
	}
	_, err = s.pool.Exec(ctx, `
INSERT INTO indexed_content (`+contentColumns+`)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`, args...)
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
	content.UpdatedAt = s.clock.Now()
	metadata, coords, err := encodeContentJSON(content)
	if err != nil {
		return crawler.IndexedContent{}, err
	}
	err = s.pool.QueryRow(ctx, `
UPDATE indexed_content SET
	content_type = $3,
	title = $4,
	description = $5,
	author = $6,
	metadata = $7,
	coordinates = $8,
	last_indexed_at = $9,
	updated_at = $10
WHERE source_platform = $1 AND external_id = $2
RETURNING id, created_at`,
		content.SourcePlatform,
		content.ExternalID,
		content.ContentType,
		content.Title,
		content.Description,
		content.Author,
		metadata,
		coords,
		content.LastIndexedAt,
		content.UpdatedAt,
	).Scan(&content.ID, &content.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return crawler.IndexedContent{}, fmt.Errorf("%s: %w", content.NaturalKey(), crawler.ErrNotFound)
	}
	if err != nil {
		return crawler.IndexedContent{}, fmt.Errorf("update content: %w", err)
	}
	return content, nil
}

// ListExternalIDs returns every external ID stored for platform.
func (s *Store) ListExternalIDs(ctx context.Context, platform string) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT external_id FROM indexed_content WHERE source_platform = $1 ORDER BY external_id`, platform)
	if err != nil {
		return nil, fmt.Errorf("list external ids: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("scan external ids: %w", err)
	}
	return ids, nil
}

// DeleteContent removes the given external IDs of platform.
func (s *Store) DeleteContent(ctx context.Context, platform string, externalIDs []string) (int, error) {
	if len(externalIDs) == 0 {
		return 0, nil
	}
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM indexed_content WHERE source_platform = $1 AND external_id = ANY($2)`,
		platform, externalIDs)
	if err != nil {
		return 0, fmt.Errorf("delete content: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func contentArgs(c crawler.IndexedContent) ([]any, error) {
	metadata, coords, err := encodeContentJSON(c)
	if err != nil {
		return nil, err
	}
	return []any{
		c.ID,
		c.SourcePlatform,
		c.ExternalID,
		c.ContentType,
		c.Title,
		c.Description,
		c.Author,
		metadata,
		coords,
		c.LastIndexedAt,
		c.CreatedAt,
		c.UpdatedAt,
	}, nil
}

func encodeContentJSON(c crawler.IndexedContent) (metadata, coords []byte, err error) {
	if metadata, err = encodeJSON(nonNilMap(c.Metadata)); err != nil {
		return nil, nil, err
	}
	if c.Coordinates != nil {
		if coords, err = encodeJSON(c.Coordinates); err != nil {
			return nil, nil, err
		}
	}
	return metadata, coords, nil
}

func scanContent(row pgx.Row) (crawler.IndexedContent, error) {
	var (
		c           crawler.IndexedContent
		description *string
		author      *string
		metadata    []byte
		coords      []byte
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
		&c.LastIndexedAt,
		&c.CreatedAt,
		&c.UpdatedAt,
	)
	if err != nil {
		return crawler.IndexedContent{}, err
	}
	if description != nil {
		c.Description = *description
	}
	if author != nil {
		c.Author = *author
	}
	if c.Metadata, err = decodeMap(metadata); err != nil {
		return crawler.IndexedContent{}, err
	}
	if len(coords) > 0 && string(coords) != "null" {
		var xy crawler.Coordinates
		if err := json.Unmarshal(coords, &xy); err != nil {
			return crawler.IndexedContent{}, fmt.Errorf("decode coordinates: %w", err)
		}
		c.Coordinates = &xy
	}
	return c, nil
}
