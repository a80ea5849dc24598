// Package indexer runs platform adapters through the indexing engine: it
// tracks the run, fetches items under retry, processes them in isolated
// batches and persists each record through the staleness gate.
package indexer

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/metaverse-indexer/internal/config"
	"github.com/JakeFAU/metaverse-indexer/internal/crawler"
	"github.com/JakeFAU/metaverse-indexer/internal/retry"
)

// RawItem is one platform record as fetched, before normalization.
type RawItem map[string]any

// Extractor maps a processed item onto IndexedContent fields.
type Extractor interface {
	ExtractExternalID(item RawItem) string
	ExtractContentType(item RawItem) string
	ExtractTitle(item RawItem) string
	ExtractDescription(item RawItem) string
	ExtractAuthor(item RawItem) string
	ExtractMetadata(item RawItem) map[string]any
	ExtractCoordinates(item RawItem) *crawler.Coordinates
}

// Indexer is the capability set a platform adapter supplies. The engine owns
// everything else: run tracking, retries, batching and persistence.
type Indexer interface {
	Extractor
	// Platform is the stable identifier used for config lookup and as
	// source_platform on every record.
	Platform() string
	FetchItems(ctx context.Context, env *Env) ([]RawItem, error)
	ProcessItem(ctx context.Context, item RawItem) (RawItem, error)
}

// Reconciler is implemented by adapters that prune records whose external
// IDs disappeared from the platform. It runs after all batches.
type Reconciler interface {
	Reconcile(ctx context.Context, env *Env, items []RawItem) (int, error)
}

// RobotsExempter is implemented by adapters whose API origins publish no
// robots.txt. The origins are added to robots_exempt_origins for the run.
type RobotsExempter interface {
	RobotsExemptOrigins() []string
}

// Fetcher is the fetch surface available to adapters.
type Fetcher interface {
	Fetch(ctx context.Context, req crawler.Request) (crawler.Response, error)
	Get(ctx context.Context, rawURL string, header http.Header) (crawler.Response, error)
	Post(ctx context.Context, rawURL string, body any, header http.Header) (crawler.Response, error)
}

// Env is handed to adapters for the duration of one run.
type Env struct {
	RunID    string
	Platform string
	Config   config.RunConfig
	Fetcher  Fetcher
	Retry    retry.Policy
	Content  crawler.ContentStore
	Clock    crawler.Clock
	Logger   *zap.Logger
	// Cache is nil when response caching is off for the process.
	Cache ResponseCache
}

// GetJSON fetches rawURL under the run's retry policy and decodes the body into v.
func (e *Env) GetJSON(ctx context.Context, rawURL string, v any) error {
	resp, err := retry.Value(ctx, e.Retry, func(ctx context.Context) (crawler.Response, error) {
		return e.Fetcher.Get(ctx, rawURL, nil)
	})
	if err != nil {
		return err
	}
	return resp.DecodeJSON(v)
}

// PostJSON posts body under the run's retry policy and decodes the reply into v.
func (e *Env) PostJSON(ctx context.Context, rawURL string, body, v any) error {
	resp, err := retry.Value(ctx, e.Retry, func(ctx context.Context) (crawler.Response, error) {
		return e.Fetcher.Post(ctx, rawURL, body, nil)
	})
	if err != nil {
		return err
	}
	return resp.DecodeJSON(v)
}

// Now returns the run clock's current time.
func (e *Env) Now() time.Time {
	if e.Clock == nil {
		return time.Now().UTC()
	}
	return e.Clock.Now()
}

// PruneMissing deletes every stored record of platform whose external ID is
// not in seen, and returns how many rows were removed.
func PruneMissing(ctx context.Context, store crawler.ContentStore, platform string, seen []string) (int, error) {
	stored, err := store.ListExternalIDs(ctx, platform)
	if err != nil {
		return 0, fmt.Errorf("list %s external ids: %w", platform, err)
	}
	keep := make(map[string]struct{}, len(seen))
	for _, id := range seen {
		keep[id] = struct{}{}
	}
	var stale []string
	for _, id := range stored {
		if _, ok := keep[id]; !ok {
			stale = append(stale, id)
		}
	}
	if len(stale) == 0 {
		return 0, nil
	}
	n, err := store.DeleteContent(ctx, platform, stale)
	if err != nil {
		return 0, fmt.Errorf("delete stale %s content: %w", platform, err)
	}
	return n, nil
}
