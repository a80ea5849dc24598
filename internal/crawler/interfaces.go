package crawler

import (
	"context"
	"time"
)

// RunStore persists IndexingRun records.
type RunStore interface {
	CreateRun(ctx context.Context, run IndexingRun) error
	UpdateRun(ctx context.Context, runID string, update RunUpdate) error
	GetRun(ctx context.Context, runID string) (IndexingRun, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]IndexingRun, error)
}

// ContentStore persists IndexedContent keyed by (source_platform, external_id).
type ContentStore interface {
	FindContent(ctx context.Context, platform, externalID string) (IndexedContent, bool, error)
	CreateContent(ctx context.Context, content IndexedContent) (IndexedContent, error)
	UpdateContent(ctx context.Context, content IndexedContent) (IndexedContent, error)
	ListExternalIDs(ctx context.Context, platform string) ([]string, error)
	DeleteContent(ctx context.Context, platform string, externalIDs []string) (int, error)
}

// Queue buffers invocations between the invoker surface and workers.
type Queue interface {
	Enqueue(ctx context.Context, inv Invocation) error
	Dequeue(ctx context.Context) (Invocation, error)
	Close()
}

// HTTPClient performs one JSON/API-mode HTTP exchange. Non-2xx statuses are
// returned as responses, not errors.
type HTTPClient interface {
	Do(ctx context.Context, req Request) (Response, error)
}

// Renderer navigates to a URL in a headless browser and returns the rendered HTML.
type Renderer interface {
	Render(ctx context.Context, req Request) (Response, error)
}

// BlockDetector inspects a fetched body for challenge or bot-wall markers.
// It returns nil when the page looks like real content.
type BlockDetector interface {
	Detect(resp Response) error
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data []byte) (string, error)
}

// Publisher pushes run lifecycle notifications to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Hasher computes digests used for staleness comparison.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// Sleeper blocks for d or until ctx is done.
type Sleeper interface {
	Sleep(ctx context.Context, d time.Duration) error
}

// IDGenerator produces run IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
