package indexer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/JakeFAU/metaverse-indexer/internal/crawler"
	"github.com/JakeFAU/metaverse-indexer/internal/progress"
)

// StalenessWindow is how long an unchanged record is left alone.
const StalenessWindow = 24 * time.Hour

// ShouldUpdate reports whether existing must be refreshed with fresh: its
// metadata digest differs, or it was last indexed more than StalenessWindow
// before now. A digest failure counts as a change.
func ShouldUpdate(existing, fresh crawler.IndexedContent, now time.Time, hasher crawler.Hasher) bool {
	if existing.LastIndexedAt.Before(now.Add(-StalenessWindow)) {
		return true
	}
	oldSum, err := metadataDigest(existing.Metadata, hasher)
	if err != nil {
		return true
	}
	newSum, err := metadataDigest(fresh.Metadata, hasher)
	if err != nil {
		return true
	}
	return oldSum != newSum
}

func metadataDigest(m map[string]any, hasher crawler.Hasher) (string, error) {
	if m == nil {
		m = map[string]any{}
	}
	data, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("encode metadata: %w", err)
	}
	return hasher.Hash(data)
}

// Persist applies the staleness gate and writes fresh through store. The
// returned outcome is Created, Updated or Skipped; a skip leaves the stored
// row untouched and returns it.
func Persist(
	ctx context.Context,
	store crawler.ContentStore,
	hasher crawler.Hasher,
	fresh crawler.IndexedContent,
	now time.Time,
) (crawler.IndexedContent, progress.Outcome, error) {
	existing, found, err := store.FindContent(ctx, fresh.SourcePlatform, fresh.ExternalID)
	if err != nil {
		return crawler.IndexedContent{}, "", fmt.Errorf("find %s: %w", fresh.NaturalKey(), err)
	}
	fresh.LastIndexedAt = now
	if !found {
		created, err := store.CreateContent(ctx, fresh)
		if err == nil {
			return created, progress.OutcomeCreated, nil
		}
		if !errors.Is(err, crawler.ErrDuplicateContent) {
			return crawler.IndexedContent{}, "", fmt.Errorf("create %s: %w", fresh.NaturalKey(), err)
		}
		// lost a create race; fall through to the update path
		existing, found, err = store.FindContent(ctx, fresh.SourcePlatform, fresh.ExternalID)
		if err != nil || !found {
			return crawler.IndexedContent{}, "", fmt.Errorf("reload %s after duplicate: %w", fresh.NaturalKey(), errors.Join(err, crawler.ErrDuplicateContent))
		}
	}
	if !ShouldUpdate(existing, fresh, now, hasher) {
		return existing, progress.OutcomeSkipped, nil
	}
	fresh.ID = existing.ID
	fresh.CreatedAt = existing.CreatedAt
	updated, err := store.UpdateContent(ctx, fresh)
	if err != nil {
		return crawler.IndexedContent{}, "", fmt.Errorf("update %s: %w", fresh.NaturalKey(), err)
	}
	return updated, progress.OutcomeUpdated, nil
}
