package indexer

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/metaverse-indexer/internal/clock/fake"
	"github.com/JakeFAU/metaverse-indexer/internal/crawler"
	"github.com/JakeFAU/metaverse-indexer/internal/hash/sha256"
	"github.com/JakeFAU/metaverse-indexer/internal/progress"
	"github.com/JakeFAU/metaverse-indexer/internal/storage/memory"
)

type failingHasher struct{}

func (failingHasher) Hash([]byte) (string, error) { return "", errors.New("no digest") }

func TestShouldUpdate(t *testing.T) {
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	hasher := sha256.New()
	existing := crawler.IndexedContent{Metadata: map[string]any{"a": 1}, LastIndexedAt: now.Add(-time.Hour)}

	require.False(t, ShouldUpdate(existing, crawler.IndexedContent{Metadata: map[string]any{"a": 1}}, now, hasher))
	require.True(t, ShouldUpdate(existing, crawler.IndexedContent{Metadata: map[string]any{"a": 2}}, now, hasher))

	stale := existing
	stale.LastIndexedAt = now.Add(-StalenessWindow - time.Second)
	require.True(t, ShouldUpdate(stale, crawler.IndexedContent{Metadata: map[string]any{"a": 1}}, now, hasher))

	empty := crawler.IndexedContent{LastIndexedAt: now}
	require.False(t, ShouldUpdate(empty, crawler.IndexedContent{Metadata: map[string]any{}}, now, hasher))
	require.True(t, ShouldUpdate(existing, existing, now, failingHasher{}))
}

func TestPersistOutcomes(t *testing.T) {
	ctx := context.Background()
	clock := fake.NewClock(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))
	store := memory.NewContentStore(clock)
	hasher := sha256.New()
	fresh := crawler.IndexedContent{SourcePlatform: "neos", ExternalID: "w1", Title: "World", Metadata: map[string]any{"v": 1}}

	created, outcome, err := Persist(ctx, store, hasher, fresh, clock.Now())
	require.NoError(t, err)
	require.Equal(t, progress.OutcomeCreated, outcome)
	require.Equal(t, clock.Now(), created.LastIndexedAt)

	clock.Advance(time.Minute)
	_, outcome, err = Persist(ctx, store, hasher, fresh, clock.Now())
	require.NoError(t, err)
	require.Equal(t, progress.OutcomeSkipped, outcome)

	fresh.Metadata = map[string]any{"v": 2}
	updated, outcome, err := Persist(ctx, store, hasher, fresh, clock.Now())
	require.NoError(t, err)
	require.Equal(t, progress.OutcomeUpdated, outcome)
	require.Equal(t, created.ID, updated.ID)
	require.Equal(t, created.CreatedAt, updated.CreatedAt)
	require.Equal(t, clock.Now(), updated.LastIndexedAt)
}

type racingStore struct {
	*memory.ContentStore
	raced bool
}

func (r *racingStore) FindContent(ctx context.Context, platform, externalID string) (crawler.IndexedContent, bool, error) {
	if !r.raced {
		r.raced = true
		return crawler.IndexedContent{}, false, nil
	}
	return r.ContentStore.FindContent(ctx, platform, externalID)
}

func TestPersistRecoversFromCreateRace(t *testing.T) {
	ctx := context.Background()
	clock := fake.NewClock(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))
	inner := memory.NewContentStore(clock)
	_, err := inner.CreateContent(ctx, crawler.IndexedContent{
		SourcePlatform: "neos", ExternalID: "w1", Metadata: map[string]any{"v": 1}, LastIndexedAt: clock.Now(),
	})
	require.NoError(t, err)

	store := &racingStore{ContentStore: inner}
	fresh := crawler.IndexedContent{SourcePlatform: "neos", ExternalID: "w1", Metadata: map[string]any{"v": 2}}
	_, outcome, err := Persist(ctx, store, sha256.New(), fresh, clock.Now())
	require.NoError(t, err)
	require.Equal(t, progress.OutcomeUpdated, outcome)
}
