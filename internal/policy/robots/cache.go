// Package robots decides whether a URL may be fetched according to its
// origin's robots.txt. Any uncertainty resolves to deny.
package robots

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/temoto/robotstxt"
	"go.uber.org/zap"

	"github.com/JakeFAU/metaverse-indexer/internal/cache/memory"
	"github.com/JakeFAU/metaverse-indexer/internal/crawler"
	"github.com/JakeFAU/metaverse-indexer/internal/metrics"
)

// DefaultTTL is how long a parsed ruleset or a deny-all fallback is reused.
const DefaultTTL = 24 * time.Hour

const keyPrefix = "robots:"

// denyAll is cached in place of a ruleset when robots.txt could not be read.
type denyAll struct{}

// Config tunes the cache.
type Config struct {
	UserAgent    string
	TTL          time.Duration
	FetchTimeout time.Duration
}

// Cache fetches robots.txt once per origin per TTL window.
type Cache struct {
	client crawler.HTTPClient
	cache  *memory.Cache
	cfg    Config
	logger *zap.Logger
}

// New constructs a Cache that downloads robots.txt through client.
func New(cfg Config, client crawler.HTTPClient, cache *memory.Cache, logger *zap.Logger) *Cache {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = 10 * time.Second
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "*"
	}
	return &Cache{client: client, cache: cache, cfg: cfg, logger: logger}
}

// Allowed reports whether rawURL may be fetched by userAgent. An empty
// userAgent uses the configured one.
func (c *Cache) Allowed(ctx context.Context, rawURL, userAgent string) (allowed bool) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("robots check panicked; denying", zap.String("url", rawURL), zap.Any("panic", r))
			allowed = false
		}
	}()

	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		c.logger.Warn("robots check on unparsable url; denying", zap.String("url", rawURL))
		return false
	}
	if userAgent == "" {
		userAgent = c.cfg.UserAgent
	}
	origin := Origin(u)
	rules := c.load(ctx, origin, userAgent)
	data, ok := rules.(*robotstxt.RobotsData)
	if !ok {
		return false
	}
	return data.TestAgent(u.RequestURI(), userAgent)
}

// load returns the origin's ruleset. The ruleset is shared by every agent;
// userAgent only labels the download.
func (c *Cache) load(ctx context.Context, origin, userAgent string) any {
	key := keyPrefix + origin
	if v, ok := c.cache.Get(key); ok {
		return v
	}
	data, err := c.fetch(ctx, origin, userAgent)
	if err != nil {
		c.logger.Warn("robots.txt unavailable; denying origin",
			zap.String("origin", origin),
			zap.Duration("ttl", c.cfg.TTL),
			zap.Error(err),
		)
		metrics.ObservePolicyEvent(origin, metrics.EventRobotsFallback)
		c.cache.Set(key, denyAll{}, c.cfg.TTL)
		return denyAll{}
	}
	c.cache.Set(key, data, c.cfg.TTL)
	return data
}

func (c *Cache) fetch(ctx context.Context, origin, userAgent string) (data *robotstxt.RobotsData, err error) {
	defer func() {
		if r := recover(); r != nil {
			data, err = nil, fmt.Errorf("parse robots.txt: panic %v", r)
		}
	}()
	resp, err := c.client.Do(ctx, crawler.Request{
		Method:  http.MethodGet,
		URL:     origin + "/robots.txt",
		Header:  http.Header{"User-Agent": {userAgent}, "Accept": {"text/plain"}},
		Timeout: c.cfg.FetchTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("fetch robots.txt: %w", err)
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("fetch robots.txt: HTTP %d", resp.StatusCode)
	}
	data, err = robotstxt.FromBytes(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("parse robots.txt: %w", err)
	}
	// evaluate the ruleset once so a malformed parse surfaces here, not per URL
	data.TestAgent("/", userAgent)
	return data, nil
}

// Origin renders scheme://host[:port] in lowercase.
func Origin(u *url.URL) string {
	scheme := strings.ToLower(u.Scheme)
	if scheme == "" {
		scheme = "https"
	}
	return scheme + "://" + strings.ToLower(u.Host)
}
