// Package fetcher performs one logical HTTP exchange for an indexing run. It
// gates every request on domain policy, robots.txt and platform pacing, then
// dispatches to the JSON client or the headless renderer depending on Accept.
package fetcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/metaverse-indexer/internal/crawler"
	"github.com/JakeFAU/metaverse-indexer/internal/logging"
	"github.com/JakeFAU/metaverse-indexer/internal/metrics"
	"github.com/JakeFAU/metaverse-indexer/internal/policy/domain"
	"github.com/JakeFAU/metaverse-indexer/internal/policy/pacing"
	"github.com/JakeFAU/metaverse-indexer/internal/policy/robots"
	"github.com/JakeFAU/metaverse-indexer/internal/progress"
)

// Fetch modes, also used as metric labels.
const (
	ModeJSON     = "json"
	ModeRendered = "rendered"
)

// DefaultMinRequestInterval spaces requests of one platform when the run
// configuration does not say otherwise.
const DefaultMinRequestInterval = 100 * time.Millisecond

// RobotsChecker answers whether a URL may be fetched.
type RobotsChecker interface {
	Allowed(ctx context.Context, rawURL, userAgent string) bool
}

// Deps are the process-wide collaborators shared by every run.
type Deps struct {
	Client   crawler.HTTPClient
	Renderer crawler.Renderer
	Detector crawler.BlockDetector
	Domain   *domain.Policy
	Robots   RobotsChecker
	Pacer    *pacing.Limiter
	Logger   *zap.Logger
	Emitter  progress.Emitter
}

// Options scope a Layer to one run of one platform.
type Options struct {
	Platform string
	RunID    string
	// MinRequestInterval <= 0 falls back to DefaultMinRequestInterval.
	MinRequestInterval time.Duration
	RequestTimeout     time.Duration
	// DailyLimit <= 0 disables the per-day request budget.
	DailyLimit int
	// RobotsExemptOrigins lists scheme://host origins that skip the robots
	// check because they are known to serve no robots.txt.
	RobotsExemptOrigins []string
	UserAgent           string
}

// Layer is the fetch surface handed to indexers.
type Layer struct {
	deps   Deps
	opts   Options
	exempt map[string]struct{}
	logger *zap.Logger
}

// New builds a Layer. Nil Emitter and Logger are replaced with no-ops.
func New(deps Deps, opts Options) *Layer {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Emitter == nil {
		deps.Emitter = progress.NopEmitter{}
	}
	if opts.MinRequestInterval <= 0 {
		opts.MinRequestInterval = DefaultMinRequestInterval
	}
	if opts.UserAgent == "" {
		opts.UserAgent = fmt.Sprintf("MetaverseIndexer/1.0 (%s)", opts.Platform)
	}
	exempt := make(map[string]struct{}, len(opts.RobotsExemptOrigins))
	for _, origin := range opts.RobotsExemptOrigins {
		exempt[strings.TrimRight(strings.ToLower(origin), "/")] = struct{}{}
	}
	return &Layer{
		deps:   deps,
		opts:   opts,
		exempt: exempt,
		logger: logging.ForRun(deps.Logger, opts.Platform, opts.RunID),
	}
}

// DefaultHeaders returns the headers attached to every request unless the
// caller overrides them.
func (l *Layer) DefaultHeaders() http.Header {
	return http.Header{
		"User-Agent": {l.opts.UserAgent},
		"Accept":     {"application/json"},
	}
}

// Get fetches rawURL with optional extra headers.
func (l *Layer) Get(ctx context.Context, rawURL string, header http.Header) (crawler.Response, error) {
	return l.Fetch(ctx, crawler.Request{Method: http.MethodGet, URL: rawURL, Header: header})
}

// Post sends body to rawURL. []byte and string bodies are sent verbatim;
// anything else is JSON-encoded.
func (l *Layer) Post(ctx context.Context, rawURL string, body any, header http.Header) (crawler.Response, error) {
	var payload []byte
	switch b := body.(type) {
	case nil:
	case []byte:
		payload = b
	case string:
		payload = []byte(b)
	default:
		encoded, err := json.Marshal(b)
		if err != nil {
			return crawler.Response{}, fmt.Errorf("encode post body: %w", err)
		}
		payload = encoded
	}
	h := header.Clone()
	if h == nil {
		h = http.Header{}
	}
	if h.Get("Content-Type") == "" {
		h.Set("Content-Type", "application/json")
	}
	return l.Fetch(ctx, crawler.Request{Method: http.MethodPost, URL: rawURL, Header: h, Body: payload})
}

// Fetch performs one exchange. Policy gates run before any network I/O, in
// order: domain block/rate limit, robots.txt, platform pacing. Non-2xx
// responses come back as typed errors alongside the response.
func (l *Layer) Fetch(ctx context.Context, req crawler.Request) (crawler.Response, error) {
	req = l.prepare(req)
	u, err := url.Parse(req.URL)
	if err != nil || u.Host == "" {
		return crawler.Response{}, fmt.Errorf("fetch %q: invalid url", req.URL)
	}

	if l.deps.Domain != nil {
		if err := l.deps.Domain.Before(ctx, req.URL); err != nil {
			return crawler.Response{}, err
		}
	}
	if err := l.checkRobots(ctx, u, req.URL); err != nil {
		return crawler.Response{}, err
	}
	if l.deps.Pacer != nil {
		if err := l.deps.Pacer.Wait(ctx, l.opts.Platform, l.opts.MinRequestInterval, l.opts.DailyLimit); err != nil {
			var daily *crawler.DailyLimitError
			if errors.As(err, &daily) {
				metrics.ObservePolicyEvent(req.URL, metrics.EventDailyLimit)
			}
			return crawler.Response{}, err
		}
	}

	if req.WantsRendered() {
		return l.fetchRendered(ctx, req)
	}
	return l.fetchJSON(ctx, req)
}

func (l *Layer) prepare(req crawler.Request) crawler.Request {
	if req.Method == "" {
		req.Method = http.MethodGet
	}
	header := l.DefaultHeaders()
	for k, v := range req.Header {
		header[http.CanonicalHeaderKey(k)] = append([]string(nil), v...)
	}
	req.Header = header
	if req.Timeout <= 0 {
		req.Timeout = l.opts.RequestTimeout
	}
	return req
}

func (l *Layer) checkRobots(ctx context.Context, u *url.URL, rawURL string) error {
	if l.deps.Robots == nil {
		return nil
	}
	if _, ok := l.exempt[strings.ToLower(robots.Origin(u))]; ok {
		return nil
	}
	if l.deps.Robots.Allowed(ctx, rawURL, l.opts.UserAgent) {
		return nil
	}
	metrics.ObservePolicyEvent(rawURL, metrics.EventRobotsDenied)
	l.logger.Warn("robots.txt disallows url", zap.String("url", rawURL))
	return &crawler.RobotsDisallowedError{URL: rawURL}
}

func (l *Layer) fetchJSON(ctx context.Context, req crawler.Request) (crawler.Response, error) {
	if l.deps.Client == nil {
		return crawler.Response{}, errors.New("fetch: no http client configured")
	}
	resp, err := l.deps.Client.Do(ctx, req)
	if err != nil {
		return crawler.Response{}, fmt.Errorf("fetch %s %s: %w", req.Method, req.URL, err)
	}
	l.record(req, resp, ModeJSON)

	if l.deps.Domain != nil {
		if err := l.deps.Domain.Observe(req.URL, resp); err != nil {
			return resp, err
		}
	}
	if isHTML(resp) {
		if err := l.detect(req.URL, resp); err != nil {
			return resp, err
		}
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return resp, &crawler.HTTPError{URL: req.URL, StatusCode: resp.StatusCode}
	}
	return resp, nil
}

// fetchRendered checks content markers before status so a 403 surfaced by
// the browser is reported as a content block, not a domain quarantine.
func (l *Layer) fetchRendered(ctx context.Context, req crawler.Request) (crawler.Response, error) {
	if l.deps.Renderer == nil {
		return crawler.Response{}, errors.New("fetch: rendered mode requested but no renderer configured")
	}
	resp, err := l.deps.Renderer.Render(ctx, req)
	if err != nil {
		return crawler.Response{}, fmt.Errorf("render %s: %w", req.URL, err)
	}
	resp.Rendered = true
	l.record(req, resp, ModeRendered)

	if err := l.detect(req.URL, resp); err != nil {
		return resp, err
	}
	if l.deps.Domain != nil && resp.StatusCode != http.StatusForbidden {
		if err := l.deps.Domain.Observe(req.URL, resp); err != nil {
			return resp, err
		}
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return resp, &crawler.HTTPError{URL: req.URL, StatusCode: resp.StatusCode}
	}
	return resp, nil
}

func (l *Layer) detect(rawURL string, resp crawler.Response) error {
	if l.deps.Detector == nil {
		return nil
	}
	err := l.deps.Detector.Detect(resp)
	if err == nil {
		return nil
	}
	metrics.ObservePolicyEvent(rawURL, metrics.EventContentBlock)
	l.logger.Warn("content block detected",
		zap.String("url", rawURL),
		zap.Int("status", resp.StatusCode),
		zap.String("error_class", crawler.ErrorClass(err)),
		zap.Error(err),
	)
	return err
}

func (l *Layer) record(req crawler.Request, resp crawler.Response, mode string) {
	metrics.ObserveFetch(req.URL, mode, resp.StatusCode, len(resp.Body), resp.Duration)
	l.deps.Emitter.Emit(progress.Event{
		RunID:       l.opts.RunID,
		Platform:    l.opts.Platform,
		Stage:       progress.StageFetchDone,
		Site:        metrics.SanitizeSite(req.URL),
		URL:         req.URL,
		Bytes:       int64(len(resp.Body)),
		StatusClass: progress.ClassifyStatus(resp.StatusCode),
		Dur:         resp.Duration,
	})
	l.logger.Debug("fetch completed",
		zap.String("method", req.Method),
		zap.String("url", req.URL),
		zap.String("mode", mode),
		zap.Int("status", resp.StatusCode),
		zap.Int("bytes", len(resp.Body)),
		zap.Duration("duration", resp.Duration),
	)
}

func isHTML(resp crawler.Response) bool {
	if resp.Header == nil {
		return false
	}
	return strings.Contains(strings.ToLower(resp.Header.Get("Content-Type")), "text/html")
}
