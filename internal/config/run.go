package config

import (
	"fmt"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// RunConfig is the typed view of a platform's merged configuration.
type RunConfig struct {
	Enabled            bool          `mapstructure:"enabled"`
	MaxItems           int           `mapstructure:"max_items"`
	BatchSize          int           `mapstructure:"batch_size"`
	BatchDelay         time.Duration `mapstructure:"batch_delay"`
	MinRequestInterval time.Duration `mapstructure:"min_request_interval"`
	RequestTimeout     time.Duration `mapstructure:"request_timeout"`
	DailyLimit         int           `mapstructure:"daily_limit"`
	RateLimited        bool          `mapstructure:"rate_limited"`

	RobotsExemptOrigins []string          `mapstructure:"robots_exempt_origins"`
	MaxAttempts         int               `mapstructure:"max_attempts"`
	RetryBaseDelay      time.Duration     `mapstructure:"retry_base_delay"`
	APIEndpoints        map[string]string `mapstructure:"api_endpoints"`
	UserAgent           string            `mapstructure:"user_agent"`
	// Schedule is a standard five-field cron expression. Empty means the
	// platform is due on every scheduler pass.
	Schedule string `mapstructure:"schedule"`

	// Adapter responses are reused across runs for CacheDuration when
	// EnableCaching is set and the duration is positive.
	EnableCaching bool          `mapstructure:"enable_caching"`
	CacheDuration time.Duration `mapstructure:"cache_duration"`
}

// RunDefaults are applied beneath every platform's configuration.
func RunDefaults() map[string]any {
	return map[string]any{
		"enabled":              false,
		"max_items":            0,
		"batch_size":           50,
		"batch_delay":          time.Second,
		"min_request_interval": 100 * time.Millisecond,
		"request_timeout":      30 * time.Second,
		"daily_limit":          0,
		"rate_limited":         true,
		"max_attempts":         3,
		"retry_base_delay":     time.Second,
		"enable_caching":       true,
		"cache_duration":       time.Hour,
	}
}

// Validate rejects settings the engine cannot honor.
func (r RunConfig) Validate() error {
	if r.BatchSize <= 0 {
		return fmt.Errorf("batch_size must be > 0")
	}
	if r.MaxItems < 0 {
		return fmt.Errorf("max_items must be >= 0")
	}
	if r.BatchDelay < 0 || r.MinRequestInterval < 0 || r.RequestTimeout < 0 || r.RetryBaseDelay < 0 || r.CacheDuration < 0 {
		return fmt.Errorf("durations must be >= 0")
	}
	if r.DailyLimit < 0 {
		return fmt.Errorf("daily_limit must be >= 0")
	}
	if r.MaxAttempts <= 0 {
		return fmt.Errorf("max_attempts must be > 0")
	}
	return nil
}

// CachingEnabled reports whether adapter responses may be served from cache.
func (r RunConfig) CachingEnabled() bool {
	return r.EnableCaching && r.CacheDuration > 0
}

// Endpoint returns the configured API endpoint for name, or fallback.
func (r RunConfig) Endpoint(name, fallback string) string {
	if v := r.APIEndpoints[name]; v != "" {
		return v
	}
	return fallback
}

// DecodeRunConfig decodes merged over RunDefaults. Durations accept Go
// duration strings ("250ms") or numbers of seconds.
func DecodeRunConfig(merged map[string]any) (RunConfig, error) {
	var rc RunConfig
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &rc,
		TagName:          "mapstructure",
		WeaklyTypedInput: true,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			secondsToDurationHook(),
			mapstructure.StringToSliceHookFunc(","),
		),
	})
	if err != nil {
		return RunConfig{}, fmt.Errorf("build run config decoder: %w", err)
	}
	if err := decoder.Decode(MergeMaps(RunDefaults(), merged)); err != nil {
		return RunConfig{}, fmt.Errorf("decode run config: %w", err)
	}
	if err := rc.Validate(); err != nil {
		return RunConfig{}, fmt.Errorf("invalid run config: %w", err)
	}
	return rc, nil
}

var durationType = reflect.TypeOf(time.Duration(0))

func secondsToDurationHook() mapstructure.DecodeHookFuncType {
	return func(_ reflect.Type, to reflect.Type, data any) (any, error) {
		if to != durationType {
			return data, nil
		}
		switch v := data.(type) {
		case time.Duration:
			return v, nil
		case string:
			s := strings.TrimSpace(v)
			if d, err := time.ParseDuration(s); err == nil {
				return d, nil
			}
			secs, err := strconv.ParseFloat(s, 64)
			if err != nil {
				return nil, fmt.Errorf("parse duration %q: %w", v, err)
			}
			return fromSeconds(secs), nil
		case int:
			return fromSeconds(float64(v)), nil
		case int64:
			return fromSeconds(float64(v)), nil
		case float64:
			return fromSeconds(v), nil
		case float32:
			return fromSeconds(float64(v)), nil
		default:
			return data, nil
		}
	}
}

func fromSeconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

// MergeMaps deep-merges layers left to right; later layers win. Nested maps
// are merged key by key, every other value is replaced. Inputs are not mutated.
func MergeMaps(layers ...map[string]any) map[string]any {
	out := make(map[string]any)
	for _, layer := range layers {
		for k, v := range layer {
			src, srcIsMap := asMap(v)
			dst, dstIsMap := asMap(out[k])
			if srcIsMap && dstIsMap {
				out[k] = MergeMaps(dst, src)
				continue
			}
			if srcIsMap {
				out[k] = MergeMaps(src)
				continue
			}
			out[k] = v
		}
	}
	return out
}

func asMap(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case map[string]any:
		return m, true
	case map[any]any:
		out := make(map[string]any, len(m))
		for k, val := range m {
			out[fmt.Sprint(k)] = val
		}
		return out, true
	default:
		return nil, false
	}
}

// IndexerDocument is the per-platform configuration document: a base block
// per platform plus the override block of the active environment. Defaults
// sit beneath every platform and are not consulted by PlatformConfig.
type IndexerDocument struct {
	Environment string
	Defaults    map[string]any
	Base        map[string]map[string]any
	Overrides   map[string]map[string]any
}

// PlatformConfig returns base ∪ environment override for platform. ok is
// false when neither layer mentions the platform.
func (d IndexerDocument) PlatformConfig(platform string) (map[string]any, bool) {
	key := strings.ToLower(platform)
	base, hasBase := d.Base[key]
	override, hasOverride := d.Overrides[key]
	if !hasBase && !hasOverride {
		return nil, false
	}
	return MergeMaps(base, override), true
}

// Platforms lists every platform named in either layer, sorted.
func (d IndexerDocument) Platforms() []string {
	seen := make(map[string]struct{})
	for k := range d.Base {
		seen[k] = struct{}{}
	}
	for k := range d.Overrides {
		seen[k] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for k := range seen {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Resolve merges base, environment and runtime layers for platform and
// decodes the result. The merged map is the configuration snapshot stored on
// the run; runtime keys win, then environment, then base, then Defaults.
func (d IndexerDocument) Resolve(platform string, runtime map[string]any) (map[string]any, RunConfig, error) {
	layered, _ := d.PlatformConfig(platform)
	merged := MergeMaps(d.Defaults, layered, runtime)
	rc, err := DecodeRunConfig(merged)
	if err != nil {
		return nil, RunConfig{}, fmt.Errorf("resolve %s config: %w", platform, err)
	}
	return merged, rc, nil
}

func documentFromViper(v *viper.Viper, environment string) IndexerDocument {
	doc := IndexerDocument{
		Environment: environment,
		Base:        platformMaps(v.GetStringMap("indexers")),
	}
	if environment != "" {
		doc.Overrides = platformMaps(v.GetStringMap(environment + ".indexers"))
	}
	return doc
}

func platformMaps(raw map[string]any) map[string]map[string]any {
	out := make(map[string]map[string]any, len(raw))
	for name, v := range raw {
		if m, ok := asMap(v); ok {
			out[strings.ToLower(name)] = m
		}
	}
	return out
}
