package fetcher

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/metaverse-indexer/internal/cache/memory"
	"github.com/JakeFAU/metaverse-indexer/internal/clock/fake"
	"github.com/JakeFAU/metaverse-indexer/internal/crawler"
	"github.com/JakeFAU/metaverse-indexer/internal/fetcher/detector"
	"github.com/JakeFAU/metaverse-indexer/internal/policy/domain"
	"github.com/JakeFAU/metaverse-indexer/internal/policy/pacing"
	"github.com/JakeFAU/metaverse-indexer/internal/progress"
	"github.com/JakeFAU/metaverse-indexer/internal/retry"
)

// spyClient replays scripted responses and records every request it sees.
type spyClient struct {
	mu        sync.Mutex
	responses []crawler.Response
	err       error
	requests  []crawler.Request
}

func (s *spyClient) Do(_ context.Context, req crawler.Request) (crawler.Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, req)
	if s.err != nil {
		return crawler.Response{}, s.err
	}
	if len(s.responses) == 0 {
		return crawler.Response{URL: req.URL, StatusCode: http.StatusOK, Body: []byte(`[]`)}, nil
	}
	resp := s.responses[0]
	if len(s.responses) > 1 {
		s.responses = s.responses[1:]
	}
	resp.URL = req.URL
	return resp, nil
}

func (s *spyClient) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}

type stubRenderer struct {
	resp  crawler.Response
	calls int
}

func (r *stubRenderer) Render(_ context.Context, req crawler.Request) (crawler.Response, error) {
	r.calls++
	resp := r.resp
	resp.URL = req.URL
	return resp, nil
}

type robotsFunc func(rawURL, userAgent string) bool

func (f robotsFunc) Allowed(_ context.Context, rawURL, userAgent string) bool {
	return f(rawURL, userAgent)
}

type harness struct {
	clock   *fake.Clock
	sleeper *fake.Sleeper
	policy  *domain.Policy
	client  *spyClient
	events  []progress.Event
}

func newHarness(t *testing.T, responses ...crawler.Response) *harness {
	t.Helper()
	clock := fake.NewClock(time.Date(2026, 1, 10, 9, 0, 0, 0, time.UTC))
	sleeper := fake.NewSleeper(clock)
	return &harness{
		clock:   clock,
		sleeper: sleeper,
		policy:  domain.New(domain.Config{}, memory.New(clock), clock, sleeper, nil),
		client:  &spyClient{responses: responses},
	}
}

func (h *harness) layer(opts Options, mutate ...func(*Deps)) *Layer {
	deps := Deps{
		Client:   h.client,
		Detector: detector.New(detector.DefaultRules()),
		Domain:   h.policy,
		Robots:   robotsFunc(func(string, string) bool { return true }),
		Pacer:    pacing.New(h.clock),
		Emitter:  progress.EmitterFunc(func(evt progress.Event) { h.events = append(h.events, evt) }),
	}
	for _, m := range mutate {
		m(&deps)
	}
	if opts.Platform == "" {
		opts.Platform = "decentraland"
	}
	if opts.RunID == "" {
		opts.RunID = "run-1"
	}
	if opts.MinRequestInterval == 0 {
		opts.MinRequestInterval = time.Microsecond
	}
	return New(deps, opts)
}

func TestFetchBlockedDomainMakesNoNetworkCall(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.policy.Block("peer.decentraland.org")

	_, err := h.layer(Options{}).Get(context.Background(), "https://peer.decentraland.org/content/entities/scene", nil)
	var forbidden *crawler.ForbiddenAccessError
	require.ErrorAs(t, err, &forbidden)
	require.Equal(t, "peer.decentraland.org", forbidden.Domain)
	require.Zero(t, h.client.Calls())
	require.Empty(t, h.sleeper.Sleeps(), "a block is a hard stop, not a pause")
}

func TestFetchForbiddenQuarantinesDomainForThirtyDays(t *testing.T) {
	t.Parallel()

	h := newHarness(t,
		crawler.Response{StatusCode: http.StatusForbidden},
		crawler.Response{StatusCode: http.StatusOK, Body: []byte(`{"ok":true}`)},
	)
	l := h.layer(Options{})
	target := "https://api.example.com/worlds"

	_, err := l.Get(context.Background(), target, nil)
	var forbidden *crawler.ForbiddenAccessError
	require.ErrorAs(t, err, &forbidden)
	require.Equal(t, 1, h.client.Calls())

	h.clock.Advance(29 * 24 * time.Hour)
	_, err = l.Get(context.Background(), target, nil)
	require.ErrorAs(t, err, &forbidden)
	require.Equal(t, 1, h.client.Calls(), "quarantined domain must not be contacted")

	h.clock.Advance(24*time.Hour + time.Second)
	resp, err := l.Get(context.Background(), target, nil)
	require.NoError(t, err)
	require.True(t, resp.Success())
	require.Equal(t, 2, h.client.Calls())
}

func TestFetchRateLimitThenSuccessUnderRetry(t *testing.T) {
	t.Parallel()

	h := newHarness(t,
		crawler.Response{StatusCode: http.StatusTooManyRequests, Header: http.Header{"Retry-After": {"2"}}},
		crawler.Response{StatusCode: http.StatusOK, Body: []byte(`["a","b"]`)},
	)
	l := h.layer(Options{})
	policy := retry.Policy{MaxAttempts: 3, BaseDelay: time.Second, Sleeper: h.sleeper}

	resp, err := retry.Value(context.Background(), policy, func(ctx context.Context) (crawler.Response, error) {
		return l.Get(ctx, "https://api.example.com/items", nil)
	})
	require.NoError(t, err)
	var items []string
	require.NoError(t, resp.DecodeJSON(&items))
	require.Equal(t, []string{"a", "b"}, items)
	require.Equal(t, 2, h.client.Calls())
	require.Equal(t, []time.Duration{2 * time.Second}, h.sleeper.Sleeps())
}

func TestFetchRateLimitedDomainIsWaitedOut(t *testing.T) {
	t.Parallel()

	h := newHarness(t,
		crawler.Response{StatusCode: http.StatusServiceUnavailable},
		crawler.Response{StatusCode: http.StatusOK},
	)
	l := h.layer(Options{})

	_, err := l.Get(context.Background(), "https://api.example.com/a", nil)
	var rl *crawler.RateLimitError
	require.ErrorAs(t, err, &rl)
	require.Equal(t, 30*time.Second, rl.RetryAfter)

	_, err = l.Get(context.Background(), "https://api.example.com/b", nil)
	require.NoError(t, err)
	require.Equal(t, []time.Duration{30 * time.Second}, h.sleeper.Sleeps())
}

func TestFetchRobotsDenied(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	l := h.layer(Options{}, func(d *Deps) {
		d.Robots = robotsFunc(func(string, string) bool { return false })
	})

	_, err := l.Get(context.Background(), "https://www.sandbox.game/en/experiences", nil)
	var denied *crawler.RobotsDisallowedError
	require.ErrorAs(t, err, &denied)
	require.Zero(t, h.client.Calls())
}

func TestFetchRobotsUsesRunUserAgent(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	var agents []string
	l := h.layer(Options{UserAgent: "SceneBot/2.0"}, func(d *Deps) {
		d.Robots = robotsFunc(func(_, ua string) bool {
			agents = append(agents, ua)
			return ua != "SceneBot/2.0"
		})
	})

	_, err := l.Get(context.Background(), "https://peer.decentraland.org/content/entities", nil)
	var denied *crawler.RobotsDisallowedError
	require.ErrorAs(t, err, &denied)
	require.Equal(t, []string{"SceneBot/2.0"}, agents)
}

func TestFetchRobotsExemptOrigin(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	l := h.layer(Options{RobotsExemptOrigins: []string{"https://API.neos.com/"}}, func(d *Deps) {
		d.Robots = robotsFunc(func(string, string) bool { return false })
	})

	_, err := l.Get(context.Background(), "https://api.neos.com/api/sessions", nil)
	require.NoError(t, err)
	require.Equal(t, 1, h.client.Calls())

	_, err = l.Get(context.Background(), "https://www.neos.com/worlds", nil)
	require.Error(t, err)
}

func TestFetchDefaultHeadersAndOverrides(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	l := h.layer(Options{Platform: "neos", RequestTimeout: 7 * time.Second})

	_, err := l.Get(context.Background(), "https://api.neos.com/api/sessions", http.Header{"X-Trace": {"1"}})
	require.NoError(t, err)
	req := h.client.requests[0]
	require.Equal(t, "MetaverseIndexer/1.0 (neos)", req.Header.Get("User-Agent"))
	require.Equal(t, "application/json", req.Header.Get("Accept"))
	require.Equal(t, "1", req.Header.Get("X-Trace"))
	require.Equal(t, 7*time.Second, req.Timeout)
	require.Equal(t, http.MethodGet, req.Method)
}

func TestPostEncodesJSON(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	l := h.layer(Options{})

	_, err := l.Post(context.Background(), "https://peer.decentraland.org/content/entities/active",
		map[string]any{"pointers": []string{"0,0"}}, nil)
	require.NoError(t, err)
	req := h.client.requests[0]
	require.Equal(t, http.MethodPost, req.Method)
	require.Equal(t, "application/json", req.Header.Get("Content-Type"))
	require.JSONEq(t, `{"pointers":["0,0"]}`, string(req.Body))

	_, err = l.Post(context.Background(), "https://peer.decentraland.org/x", "raw", http.Header{"Content-Type": {"text/plain"}})
	require.NoError(t, err)
	require.Equal(t, "raw", string(h.client.requests[1].Body))
	require.Equal(t, "text/plain", h.client.requests[1].Header.Get("Content-Type"))
}

func TestFetchServerErrorIsRetryableHTTPError(t *testing.T) {
	t.Parallel()

	h := newHarness(t, crawler.Response{StatusCode: http.StatusBadGateway})
	_, err := h.layer(Options{}).Get(context.Background(), "https://api.example.com/x", nil)
	var httpErr *crawler.HTTPError
	require.ErrorAs(t, err, &httpErr)
	require.Equal(t, http.StatusBadGateway, httpErr.StatusCode)
	require.True(t, retry.Retryable(err))
}

func TestFetchClientErrorNotRetryable(t *testing.T) {
	t.Parallel()

	h := newHarness(t, crawler.Response{StatusCode: http.StatusNotFound})
	_, err := h.layer(Options{}).Get(context.Background(), "https://api.example.com/x", nil)
	require.Error(t, err)
	require.False(t, retry.Retryable(err))
}

func TestFetchTransportErrorWrapped(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.client.err = context.DeadlineExceeded
	_, err := h.layer(Options{}).Get(context.Background(), "https://api.example.com/x", nil)
	require.True(t, errors.Is(err, context.DeadlineExceeded))
	require.True(t, retry.Retryable(err))
}

func TestFetchJSONModeDetectsChallengePage(t *testing.T) {
	t.Parallel()

	h := newHarness(t, crawler.Response{
		StatusCode: http.StatusOK,
		Header:     http.Header{"Content-Type": {"text/html; charset=utf-8"}},
		Body:       []byte(`<html><head><title>Just a moment...</title></head></html>`),
	})
	_, err := h.layer(Options{}).Get(context.Background(), "https://api.example.com/x", nil)
	var cf *crawler.CloudflareBlockError
	require.ErrorAs(t, err, &cf)
}

func TestFetchRenderedModeUsesRenderer(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	renderer := &stubRenderer{resp: crawler.Response{
		StatusCode: http.StatusOK,
		Body:       []byte(`<html><body><table id="sitemap"></table></body></html>`),
	}}
	l := h.layer(Options{}, func(d *Deps) { d.Renderer = renderer })

	resp, err := l.Get(context.Background(), "https://www.sandbox.game/sitemap.xml", http.Header{"Accept": {"text/html"}})
	require.NoError(t, err)
	require.True(t, resp.Rendered)
	require.Equal(t, 1, renderer.calls)
	require.Zero(t, h.client.Calls())
}

func TestFetchRenderedForbiddenIsContentBlock(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	renderer := &stubRenderer{resp: crawler.Response{StatusCode: http.StatusForbidden}}
	l := h.layer(Options{}, func(d *Deps) { d.Renderer = renderer })

	_, err := l.Get(context.Background(), "https://www.sandbox.game/sitemap.xml", http.Header{"Accept": {"text/html"}})
	var bot *crawler.BotProtectionError
	require.ErrorAs(t, err, &bot)
	_, blocked := h.policy.BlockedUntil("www.sandbox.game")
	require.False(t, blocked)
}

func TestFetchRenderedWithoutRenderer(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	_, err := h.layer(Options{}).Get(context.Background(), "https://www.sandbox.game/", http.Header{"Accept": {"text/html"}})
	require.ErrorContains(t, err, "no renderer configured")
}

func TestFetchDailyLimit(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	l := h.layer(Options{DailyLimit: 1})

	_, err := l.Get(context.Background(), "https://api.example.com/1", nil)
	require.NoError(t, err)
	_, err = l.Get(context.Background(), "https://api.example.com/2", nil)
	var daily *crawler.DailyLimitError
	require.ErrorAs(t, err, &daily)
	require.Equal(t, 1, h.client.Calls())
}

func TestFetchEmitsProgress(t *testing.T) {
	t.Parallel()

	h := newHarness(t, crawler.Response{StatusCode: http.StatusOK, Body: []byte(`[1,2,3]`)})
	_, err := h.layer(Options{Platform: "neos", RunID: "run-9"}).Get(context.Background(), "https://api.neos.com/api/sessions", nil)
	require.NoError(t, err)
	require.Len(t, h.events, 1)
	evt := h.events[0]
	require.Equal(t, progress.StageFetchDone, evt.Stage)
	require.Equal(t, "run-9", evt.RunID)
	require.Equal(t, "api.neos.com", evt.Site)
	require.Equal(t, progress.Status2xx, evt.StatusClass)
	require.EqualValues(t, 7, evt.Bytes)
}

func TestFetchInvalidURL(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	_, err := h.layer(Options{}).Get(context.Background(), "not a url", nil)
	require.Error(t, err)
	require.Zero(t, h.client.Calls())
}
