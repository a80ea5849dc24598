package indexer

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/metaverse-indexer/internal/crawler"
	"github.com/JakeFAU/metaverse-indexer/internal/retry"
)

// ResponseCache keeps adapter results between runs. *memory.Cache
// implements it.
type ResponseCache interface {
	Get(key string) (any, bool)
	Set(key string, value any, ttl time.Duration)
	Delete(key string)
	DeletePrefix(prefix string) int
	CountPrefix(prefix string) int
}

// CacheStats describes a run's view of the response cache.
type CacheStats struct {
	Enabled  bool
	Duration time.Duration
	Entries  int
}

// CacheKey namespaces parts under platform. With no parts it is the prefix
// of every key the platform owns.
func CacheKey(platform string, parts ...string) string {
	return "indexer:" + platform + ":" + strings.Join(parts, ":")
}

// Cached returns the value stored under parts for the run's platform, or
// calls fn and keeps a successful result for cache_duration. Errors are
// never cached. Without a cache, or with caching off for the run, fn is
// called directly.
func Cached[T any](e *Env, parts []string, fn func() (T, error)) (T, error) {
	if !e.cachingEnabled() {
		return fn()
	}
	key := CacheKey(e.Platform, parts...)
	if v, ok := e.Cache.Get(key); ok {
		if hit, ok := v.(T); ok {
			e.Logger.Debug("serving cached result", zap.String("key", key))
			return hit, nil
		}
	}
	v, err := fn()
	if err != nil {
		return v, err
	}
	e.Cache.Set(key, v, e.Config.CacheDuration)
	e.Logger.Debug("cached result", zap.String("key", key), zap.Duration("ttl", e.Config.CacheDuration))
	return v, nil
}

// GetJSONCached is GetJSON with the response body cached under rawURL. The
// body is decoded afresh on every call so callers never share values.
func (e *Env) GetJSONCached(ctx context.Context, rawURL string, v any) error {
	body, err := Cached(e, []string{rawURL}, func() ([]byte, error) {
		resp, err := retry.Value(ctx, e.Retry, func(ctx context.Context) (crawler.Response, error) {
			return e.Fetcher.Get(ctx, rawURL, nil)
		})
		if err != nil {
			return nil, err
		}
		return resp.Body, nil
	})
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("decode %s: %w", rawURL, err)
	}
	return nil
}

// InvalidateCache drops the entry under parts, or every entry of the
// platform when parts is empty, and returns how many were removed.
func (e *Env) InvalidateCache(parts ...string) int {
	if e.Cache == nil {
		return 0
	}
	if len(parts) == 0 {
		n := e.Cache.DeletePrefix(CacheKey(e.Platform))
		e.Logger.Debug("invalidated platform cache", zap.Int("entries", n))
		return n
	}
	key := CacheKey(e.Platform, parts...)
	if _, ok := e.Cache.Get(key); !ok {
		return 0
	}
	e.Cache.Delete(key)
	return 1
}

// CacheStats reports whether the run caches and how many live entries the
// platform holds.
func (e *Env) CacheStats() CacheStats {
	if !e.cachingEnabled() {
		return CacheStats{}
	}
	return CacheStats{
		Enabled:  true,
		Duration: e.Config.CacheDuration,
		Entries:  e.Cache.CountPrefix(CacheKey(e.Platform)),
	}
}

func (e *Env) cachingEnabled() bool {
	return e.Cache != nil && e.Config.CachingEnabled()
}
