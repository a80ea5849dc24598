package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/JakeFAU/metaverse-indexer/internal/crawler"
)

// ContentStore provides an in-memory crawler.ContentStore keyed by the
// (source_platform, external_id) natural key.
type ContentStore struct {
	mu    sync.RWMutex
	clock crawler.Clock
	rows  map[string]crawler.IndexedContent
}

// NewContentStore constructs a ContentStore stamping created/updated times from clock.
func NewContentStore(clock crawler.Clock) *ContentStore {
	return &ContentStore{clock: clock, rows: make(map[string]crawler.IndexedContent)}
}

// FindContent looks a record up by natural key.
func (s *ContentStore) FindContent(_ context.Context, platform, externalID string) (crawler.IndexedContent, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row, ok := s.rows[key(platform, externalID)]
	return row, ok, nil
}

// CreateContent inserts content; an existing natural key yields ErrDuplicateContent.
func (s *ContentStore) CreateContent(_ context.Context, content crawler.IndexedContent) (crawler.IndexedContent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := key(content.SourcePlatform, content.ExternalID)
	if _, exists := s.rows[k]; exists {
		return crawler.IndexedContent{}, fmt.Errorf("%s: %w", k, crawler.ErrDuplicateContent)
	}
	now := s.clock.Now()
	if content.ID == "" {
		content.ID = uuid.NewString()
	}
	content.CreatedAt = now
	content.UpdatedAt = now
	s.rows[k] = content
	return content, nil
}

// UpdateContent replaces the row with the same natural key.
func (s *ContentStore) UpdateContent(_ context.Context, content crawler.IndexedContent) (crawler.IndexedContent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := key(content.SourcePlatform, content.ExternalID)
	existing, ok := s.rows[k]
	if !ok {
		return crawler.IndexedContent{}, fmt.Errorf("%s: %w", k, crawler.ErrNotFound)
	}
	content.ID = existing.ID
	content.CreatedAt = existing.CreatedAt
	content.UpdatedAt = s.clock.Now()
	s.rows[k] = content
	return content, nil
}

// ListExternalIDs returns every external ID stored for platform, sorted.
func (s *ContentStore) ListExternalIDs(_ context.Context, platform string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var ids []string
	for _, row := range s.rows {
		if row.SourcePlatform == platform {
			ids = append(ids, row.ExternalID)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// DeleteContent removes the given external IDs of platform.
func (s *ContentStore) DeleteContent(_ context.Context, platform string, externalIDs []string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for _, id := range externalIDs {
		k := key(platform, id)
		if _, ok := s.rows[k]; ok {
			delete(s.rows, k)
			removed++
		}
	}
	return removed, nil
}

// Len returns the number of stored rows.
func (s *ContentStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.rows)
}

func key(platform, externalID string) string {
	return platform + "\x00" + externalID
}
