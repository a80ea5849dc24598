// Package domain remembers server-communicated backpressure per host: a
// rate-limit horizon after 429/503 and a long quarantine after 403.
package domain

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/metaverse-indexer/internal/cache/memory"
	"github.com/JakeFAU/metaverse-indexer/internal/crawler"
	"github.com/JakeFAU/metaverse-indexer/internal/metrics"
)

// Default horizons applied when the server does not say how long to back off.
const (
	DefaultBlockTTL           = 30 * 24 * time.Hour
	defaultTooManyRequests    = 60 * time.Second
	defaultServiceUnavailable = 30 * time.Second
	defaultRetryAfter         = 10 * time.Second
)

const (
	blockedKeyPrefix     = "domain_policy:blocked:"
	rateLimitedKeyPrefix = "domain_policy:rate_limited:"
)

// Config tunes the policy.
type Config struct {
	BlockTTL time.Duration
}

// Policy enforces per-domain rate-limit and block state. Entries live in a
// shared TTL cache and are read-checked before every request.
type Policy struct {
	cache    *memory.Cache
	clock    crawler.Clock
	sleeper  crawler.Sleeper
	blockTTL time.Duration
	logger   *zap.Logger
}

// New constructs a Policy.
func New(cfg Config, cache *memory.Cache, clock crawler.Clock, sleeper crawler.Sleeper, logger *zap.Logger) *Policy {
	if logger == nil {
		logger = zap.NewNop()
	}
	ttl := cfg.BlockTTL
	if ttl <= 0 {
		ttl = DefaultBlockTTL
	}
	return &Policy{
		cache:    cache,
		clock:    clock,
		sleeper:  sleeper,
		blockTTL: ttl,
		logger:   logger,
	}
}

// Before gates an outbound request. A blocked domain fails immediately with
// ForbiddenAccessError; a rate-limited domain is waited out.
func (p *Policy) Before(ctx context.Context, rawURL string) error {
	host, err := Host(rawURL)
	if err != nil {
		return err
	}
	if until, ok := p.BlockedUntil(host); ok {
		metrics.ObservePolicyEvent(rawURL, metrics.EventBlockedPrecheck)
		return &crawler.ForbiddenAccessError{Domain: host, BlockedUntil: until}
	}
	until, ok := p.RateLimitedUntil(host)
	if !ok {
		return nil
	}
	wait := until.Sub(p.clock.Now())
	if wait <= 0 {
		return nil
	}
	p.logger.Info("waiting out domain rate limit",
		zap.String("domain", host),
		zap.Duration("wait", wait),
	)
	metrics.ObserveWait("rate_limit", wait)
	if err := p.sleeper.Sleep(ctx, wait); err != nil {
		return fmt.Errorf("wait for %s rate limit: %w", host, err)
	}
	return nil
}

// Observe records backpressure signalled by resp and returns the matching
// typed error. Other statuses return nil.
func (p *Policy) Observe(rawURL string, resp crawler.Response) error {
	host, err := Host(rawURL)
	if err != nil {
		return err
	}
	now := p.clock.Now()
	switch resp.StatusCode {
	case http.StatusTooManyRequests, http.StatusServiceUnavailable:
		wait := RetryAfter(resp.StatusCode, resp.Header, now)
		p.cache.Set(rateLimitedKeyPrefix+host, now.Add(wait), wait)
		metrics.ObservePolicyEvent(rawURL, metrics.EventRateLimited)
		p.logger.Warn("domain rate limited",
			zap.String("domain", host),
			zap.Int("status", resp.StatusCode),
			zap.Duration("retry_after", wait),
		)
		return &crawler.RateLimitError{Domain: host, StatusCode: resp.StatusCode, RetryAfter: wait}
	case http.StatusForbidden:
		until := p.Block(host)
		metrics.ObservePolicyEvent(rawURL, metrics.EventBlocked)
		return &crawler.ForbiddenAccessError{Domain: host, BlockedUntil: until}
	default:
		return nil
	}
}

// Block quarantines host for the configured block TTL and returns the horizon.
func (p *Policy) Block(host string) time.Time {
	until := p.clock.Now().Add(p.blockTTL)
	p.cache.Set(blockedKeyPrefix+strings.ToLower(host), until, p.blockTTL)
	p.logger.Error("domain blocked",
		zap.String("domain", host),
		zap.Time("blocked_until", until),
	)
	return until
}

// BlockedUntil returns the block horizon for host if one is active.
func (p *Policy) BlockedUntil(host string) (time.Time, bool) {
	return p.horizon(blockedKeyPrefix + strings.ToLower(host))
}

// RateLimitedUntil returns the rate-limit horizon for host if one is active.
func (p *Policy) RateLimitedUntil(host string) (time.Time, bool) {
	return p.horizon(rateLimitedKeyPrefix + strings.ToLower(host))
}

func (p *Policy) horizon(key string) (time.Time, bool) {
	v, ok := p.cache.Get(key)
	if !ok {
		return time.Time{}, false
	}
	until, ok := v.(time.Time)
	if !ok || !until.After(p.clock.Now()) {
		return time.Time{}, false
	}
	return until, true
}

// RetryAfter computes how long to back off after a 429/503 (or any other
// status). Sources in priority order: Retry-After as seconds or HTTP date,
// X-RateLimit-Reset as a Unix timestamp (when greater than now) or relative
// seconds, then a per-status default. Retry-After: 0 means retry at once;
// negative values and past dates fall through.
func RetryAfter(status int, header http.Header, now time.Time) time.Duration {
	if header != nil {
		if d, ok := parseRetryAfter(header.Get("Retry-After"), now); ok {
			return d
		}
		if d, ok := parseRateLimitReset(header.Get("X-RateLimit-Reset"), now); ok {
			return d
		}
	}
	switch status {
	case http.StatusTooManyRequests:
		return defaultTooManyRequests
	case http.StatusServiceUnavailable:
		return defaultServiceUnavailable
	default:
		return defaultRetryAfter
	}
}

func parseRetryAfter(raw string, now time.Time) (time.Duration, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, false
	}
	if secs, err := strconv.ParseFloat(raw, 64); err == nil {
		if secs < 0 {
			return 0, false
		}
		return time.Duration(secs * float64(time.Second)), true
	}
	at, err := http.ParseTime(raw)
	if err != nil {
		return 0, false
	}
	d := at.Sub(now)
	if d <= 0 {
		return 0, false
	}
	return d, true
}

func parseRateLimitReset(raw string, now time.Time) (time.Duration, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, false
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || v <= 0 {
		return 0, false
	}
	if v > now.Unix() {
		d := time.Unix(v, 0).Sub(now)
		if d <= 0 {
			return 0, false
		}
		return d, true
	}
	return time.Duration(v) * time.Second, true
}

// Host returns the lowercase hostname of rawURL.
func Host(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("parse url %q: %w", rawURL, err)
	}
	if u.Hostname() == "" {
		return "", fmt.Errorf("url %q has no host", rawURL)
	}
	return strings.ToLower(u.Hostname()), nil
}
