// Package platformtest provides a canned fetcher and run environment for
// adapter tests.
package platformtest

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/JakeFAU/metaverse-indexer/internal/clock/fake"
	"github.com/JakeFAU/metaverse-indexer/internal/config"
	"github.com/JakeFAU/metaverse-indexer/internal/crawler"
	"github.com/JakeFAU/metaverse-indexer/internal/indexer"
	"github.com/JakeFAU/metaverse-indexer/internal/retry"
	"github.com/JakeFAU/metaverse-indexer/internal/storage/memory"
)

// Reply is a canned exchange result.
type Reply struct {
	Response crawler.Response
	Err      error
}

// Fetcher answers requests from canned replies keyed by URL and records
// every request it sees. Unknown URLs yield a 404 HTTPError.
type Fetcher struct {
	mu       sync.Mutex
	replies  map[string]Reply
	requests []crawler.Request
}

// NewFetcher returns an empty Fetcher.
func NewFetcher() *Fetcher {
	return &Fetcher{replies: make(map[string]Reply)}
}

// JSON registers a 200 reply whose body is v encoded as JSON.
func (f *Fetcher) JSON(rawURL string, v any) {
	body, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("platformtest: encode %s: %v", rawURL, err))
	}
	f.Body(rawURL, http.StatusOK, "application/json", body)
}

// Body registers a reply with an explicit status and content type.
func (f *Fetcher) Body(rawURL string, status int, contentType string, body []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	resp := crawler.Response{
		URL:        rawURL,
		StatusCode: status,
		Header:     http.Header{"Content-Type": {contentType}},
		Body:       body,
	}
	var err error
	if status >= http.StatusBadRequest {
		err = &crawler.HTTPError{URL: rawURL, StatusCode: status}
	}
	f.replies[rawURL] = Reply{Response: resp, Err: err}
}

// Fail registers err as the outcome of fetching rawURL.
func (f *Fetcher) Fail(rawURL string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.replies[rawURL] = Reply{Err: err}
}

// Requests returns a copy of every request seen so far.
func (f *Fetcher) Requests() []crawler.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]crawler.Request(nil), f.requests...)
}

// Fetch implements indexer.Fetcher.
func (f *Fetcher) Fetch(_ context.Context, req crawler.Request) (crawler.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	reply, ok := f.replies[req.URL]
	if !ok {
		return crawler.Response{URL: req.URL, StatusCode: http.StatusNotFound},
			&crawler.HTTPError{URL: req.URL, StatusCode: http.StatusNotFound}
	}
	return reply.Response, reply.Err
}

// Get implements indexer.Fetcher.
func (f *Fetcher) Get(ctx context.Context, rawURL string, header http.Header) (crawler.Response, error) {
	return f.Fetch(ctx, crawler.Request{Method: http.MethodGet, URL: rawURL, Header: header})
}

// Post implements indexer.Fetcher.
func (f *Fetcher) Post(ctx context.Context, rawURL string, _ any, header http.Header) (crawler.Response, error) {
	return f.Fetch(ctx, crawler.Request{Method: http.MethodPost, URL: rawURL, Header: header})
}

// Env builds a run environment over fetcher with a single-attempt retry
// policy, an in-memory content store and a fixed clock.
func Env(t *testing.T, platform string, rc config.RunConfig, fetcher indexer.Fetcher) *indexer.Env {
	t.Helper()
	clock := fake.NewClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	return &indexer.Env{
		RunID:    "run-1",
		Platform: platform,
		Config:   rc,
		Fetcher:  fetcher,
		Retry:    retry.Policy{MaxAttempts: 1, Sleeper: fake.NewSleeper(clock)},
		Content:  memory.NewContentStore(clock),
		Clock:    clock,
		Logger:   zaptest.NewLogger(t),
	}
}
