package decentraland

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	cachememory "github.com/JakeFAU/metaverse-indexer/internal/cache/memory"
	"github.com/JakeFAU/metaverse-indexer/internal/clock/fake"
	"github.com/JakeFAU/metaverse-indexer/internal/config"
	"github.com/JakeFAU/metaverse-indexer/internal/crawler"
	"github.com/JakeFAU/metaverse-indexer/internal/indexer"
	"github.com/JakeFAU/metaverse-indexer/internal/platforms/platformtest"
)

const server = "https://catalyst.test/content"

func scene(id, pointer, title string) map[string]any {
	return map[string]any{
		"id":        id,
		"type":      "scene",
		"timestamp": 1700000000000,
		"pointers":  []string{pointer},
		"metadata": map[string]any{
			"display": map[string]any{"title": title, "description": "a place"},
			"contact": map[string]any{"name": "builder"},
		},
		"content": []map[string]any{{"file": "scene.json", "hash": "bafy1"}},
	}
}

func runConfig(maxItems int) config.RunConfig {
	return config.RunConfig{
		MaxItems:     maxItems,
		APIEndpoints: map[string]string{"catalyst_content": server + "/"},
	}
}

func TestFetchItemsBatchesPointers(t *testing.T) {
	f := platformtest.NewFetcher()
	f.JSON(ScenesURL(server, Pointers(10)[:5]), []any{scene("bafyA", "0,0", "Genesis Plaza")})
	f.JSON(ScenesURL(server, Pointers(10)[5:]), []any{scene("bafyB", "20,20", "Fashion")})

	env := platformtest.Env(t, Platform, runConfig(0), f)
	items, err := New().FetchItems(context.Background(), env)
	require.NoError(t, err)
	require.Len(t, items, 2)
	require.Len(t, f.Requests(), 2)
}

func TestFetchItemsServesRepeatRunsFromCache(t *testing.T) {
	f := platformtest.NewFetcher()
	f.JSON(ScenesURL(server, Pointers(3)), []any{scene("bafyA", "0,0", "Genesis Plaza")})

	rc := runConfig(3)
	rc.EnableCaching = true
	rc.CacheDuration = time.Hour
	env := platformtest.Env(t, Platform, rc, f)
	clock := env.Clock.(*fake.Clock)
	env.Cache = cachememory.New(clock)

	for range 2 {
		items, err := New().FetchItems(context.Background(), env)
		require.NoError(t, err)
		require.Len(t, items, 1)
	}
	require.Len(t, f.Requests(), 1)
	require.Equal(t, 1, env.CacheStats().Entries)

	clock.Advance(time.Hour)
	_, err := New().FetchItems(context.Background(), env)
	require.NoError(t, err)
	require.Len(t, f.Requests(), 2)

	require.Equal(t, 1, env.InvalidateCache())
	_, err = New().FetchItems(context.Background(), env)
	require.NoError(t, err)
	require.Len(t, f.Requests(), 3)
}

func TestFetchItemsBypassesCacheWhenDisabled(t *testing.T) {
	f := platformtest.NewFetcher()
	f.JSON(ScenesURL(server, Pointers(3)), []any{scene("bafyA", "0,0", "Genesis Plaza")})

	env := platformtest.Env(t, Platform, runConfig(3), f)
	env.Cache = cachememory.New(env.Clock)
	for range 2 {
		_, err := New().FetchItems(context.Background(), env)
		require.NoError(t, err)
	}
	require.Len(t, f.Requests(), 2)
	require.False(t, env.CacheStats().Enabled)
}

func TestFetchItemsSkipsNonArrayReplies(t *testing.T) {
	f := platformtest.NewFetcher()
	f.JSON(ScenesURL(server, Pointers(7)[:5]), map[string]any{"error": "nope"})
	f.JSON(ScenesURL(server, Pointers(7)[5:]), []any{scene("bafyB", "20,20", "Fashion")})

	items, err := New().FetchItems(context.Background(), platformtest.Env(t, Platform, runConfig(7), f))
	require.NoError(t, err)
	require.Len(t, items, 1)
}

func TestFetchItemsErrors(t *testing.T) {
	t.Run("empty", func(t *testing.T) {
		f := platformtest.NewFetcher()
		f.JSON(ScenesURL(server, Pointers(3)), []any{})
		_, err := New().FetchItems(context.Background(), platformtest.Env(t, Platform, runConfig(3), f))
		require.ErrorIs(t, err, ErrNoScenes)
	})
	t.Run("http", func(t *testing.T) {
		f := platformtest.NewFetcher()
		f.Body(ScenesURL(server, Pointers(3)), http.StatusBadGateway, "text/plain", []byte("bad"))
		_, err := New().FetchItems(context.Background(), platformtest.Env(t, Platform, runConfig(3), f))
		var httpErr *crawler.HTTPError
		require.ErrorAs(t, err, &httpErr)
		require.Equal(t, http.StatusBadGateway, httpErr.StatusCode)
	})
}

func TestNormalizeScene(t *testing.T) {
	ix := New()
	raw := indexer.RawItem{
		"id":        "bafyA",
		"type":      "scene",
		"timestamp": float64(1700000000000),
		"pointers":  []any{"-9,-9", "-9,-8"},
		"metadata": map[string]any{
			"display":     map[string]any{"title": " Genesis Plaza ", "navmapThumbnail": "thumb.png"},
			"contact":     map[string]any{"name": "builder"},
			"spawnPoints": []any{},
		},
		"content": []any{map[string]any{"file": "scene.json", "hash": "bafy1"}},
	}
	processed, err := ix.ProcessItem(context.Background(), raw)
	require.NoError(t, err)

	content, err := indexer.Normalize(Platform, ix, processed)
	require.NoError(t, err)
	require.Equal(t, "bafyA", content.ExternalID)
	require.Equal(t, "scene", content.ContentType)
	require.Equal(t, "Genesis Plaza", content.Title)
	require.Equal(t, "Decentraland scene at coordinates (-9, -9)", content.Description)
	require.Equal(t, "builder", content.Author)
	require.Equal(t, &crawler.Coordinates{X: -9, Y: -9, Platform: Platform}, content.Coordinates)
	require.Equal(t, 1, content.Metadata["content_files_count"])
	require.Contains(t, content.Metadata["scene_metadata"], "spawn_points")
}

func TestFallbacksWithoutMetadata(t *testing.T) {
	ix := New()
	processed, err := ix.ProcessItem(context.Background(), indexer.RawItem{"pointers": []any{"3,4"}})
	require.NoError(t, err)
	require.Equal(t, "3,4", ix.ExtractExternalID(processed))
	require.Equal(t, "Scene (3, 4)", ix.ExtractTitle(processed))
	require.Empty(t, ix.ExtractAuthor(processed))
}

func TestParsePointer(t *testing.T) {
	x, y, err := ParsePointer("-100, 0")
	require.NoError(t, err)
	require.Equal(t, -100, x)
	require.Equal(t, 0, y)

	_, _, err = ParsePointer("12")
	require.Error(t, err)
	_, _, err = ParsePointer("a,b")
	require.Error(t, err)
}
