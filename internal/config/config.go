// Package config loads and validates indexer configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Environment  string             `mapstructure:"environment"`
	Server       ServerConfig       `mapstructure:"server"`
	HTTP         HTTPConfig         `mapstructure:"http"`
	Retry        RetryConfig        `mapstructure:"retry"`
	Robots       RobotsConfig       `mapstructure:"robots"`
	DomainPolicy DomainPolicyConfig `mapstructure:"domain_policy"`
	Headless     HeadlessConfig     `mapstructure:"headless"`
	Storage      StorageConfig      `mapstructure:"storage"`
	Archive      ArchiveConfig      `mapstructure:"archive"`
	PubSub       PubSubConfig       `mapstructure:"pubsub"`
	Logging      LoggingConfig      `mapstructure:"logging"`
	Dispatcher   DispatcherConfig   `mapstructure:"dispatcher"`
	Tracing      TracingConfig      `mapstructure:"tracing"`
	Cache        CacheConfig        `mapstructure:"cache"`

	// Indexers is assembled from the indexers and <environment>.indexers
	// sections after unmarshalling.
	Indexers IndexerDocument `mapstructure:"-"`
}

// ServerConfig controls the admin HTTP server.
type ServerConfig struct {
	Port int `mapstructure:"port"`
	// APIKey, when set, is required on every /v1 request as X-API-Key.
	APIKey string `mapstructure:"api_key"`
}

// HTTPConfig configures the JSON client.
type HTTPConfig struct {
	UserAgent   string        `mapstructure:"user_agent"`
	Timeout     time.Duration `mapstructure:"timeout"`
	MaxBodySize int           `mapstructure:"max_body_size"`
}

// RetryConfig sets process-wide retry defaults; run configuration may
// override attempts and base delay per platform.
type RetryConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	BaseDelay   time.Duration `mapstructure:"base_delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
	Jitter      bool          `mapstructure:"jitter"`
}

// RobotsConfig tunes the robots.txt cache.
type RobotsConfig struct {
	TTL          time.Duration `mapstructure:"ttl"`
	FetchTimeout time.Duration `mapstructure:"fetch_timeout"`
}

// DomainPolicyConfig tunes the per-domain block horizon.
type DomainPolicyConfig struct {
	BlockTTL time.Duration `mapstructure:"block_ttl"`
}

// HeadlessConfig configures the rendered-page fetch mode.
type HeadlessConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	MaxParallel int           `mapstructure:"max_parallel"`
	NavTimeout  time.Duration `mapstructure:"nav_timeout"`
}

// StorageConfig selects the record store.
type StorageConfig struct {
	Driver   string `mapstructure:"driver"`
	DSN      string `mapstructure:"dsn"`
	MaxConns int32  `mapstructure:"max_conns"`
}

// ArchiveConfig selects where raw fetched payloads are kept.
type ArchiveConfig struct {
	Driver  string `mapstructure:"driver"`
	Bucket  string `mapstructure:"bucket"`
	BaseDir string `mapstructure:"base_dir"`
	Prefix  string `mapstructure:"prefix"`
}

// PubSubConfig holds metadata for run notifications. An empty topic
// disables notifications.
type PubSubConfig struct {
	Driver    string `mapstructure:"driver"`
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

// LoggingConfig toggles zap development features. Level overrides the
// preset level when set.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// DispatcherConfig bounds asynchronous invocations.
type DispatcherConfig struct {
	Concurrency int `mapstructure:"concurrency"`
	QueueDepth  int `mapstructure:"queue_depth"`
	// QueueDriver is memory (one process) or gcp (shared Pub/Sub queue).
	QueueDriver       string `mapstructure:"queue_driver"`
	QueueTopic        string `mapstructure:"queue_topic"`
	QueueSubscription string `mapstructure:"queue_subscription"`
}

// TracingConfig controls OpenTelemetry span recording.
type TracingConfig struct {
	Enabled     bool    `mapstructure:"enabled"`
	ServiceName string  `mapstructure:"service_name"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
}

// CacheConfig is the process-wide switch for adapter response caching.
// When off, no run caches regardless of its enable_caching setting.
type CacheConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// Storage and archive drivers.
const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
	DriverNone     = "none"
	DriverLocal    = "local"
	DriverGCS      = "gcs"
	DriverPubSub   = "gcp"
)

// LoadDotEnv loads KEY=VALUE files into the process environment without
// overriding variables that are already set. Missing files are ignored.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("load %s: %w", p, err)
		}
	}
	return nil
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("INDEXER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.Indexers = documentFromViper(v, cfg.Environment)
	cfg.Indexers.Defaults = cfg.runDefaults()

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "development")
	v.SetDefault("server.port", 8080)
	v.SetDefault("http.user_agent", "MetaverseIndexer/1.0")
	v.SetDefault("http.timeout", 30*time.Second)
	v.SetDefault("http.max_body_size", 32<<20)
	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.base_delay", time.Second)
	v.SetDefault("retry.max_delay", time.Minute)
	v.SetDefault("retry.jitter", false)
	v.SetDefault("robots.ttl", 24*time.Hour)
	v.SetDefault("robots.fetch_timeout", 10*time.Second)
	v.SetDefault("domain_policy.block_ttl", 30*24*time.Hour)
	v.SetDefault("headless.enabled", false)
	v.SetDefault("headless.max_parallel", 1)
	v.SetDefault("headless.nav_timeout", 25*time.Second)
	v.SetDefault("storage.driver", DriverMemory)
	v.SetDefault("storage.max_conns", 4)
	v.SetDefault("archive.driver", DriverNone)
	v.SetDefault("archive.prefix", "raw")
	v.SetDefault("archive.base_dir", "./archive")
	v.SetDefault("pubsub.driver", DriverPubSub)
	v.SetDefault("logging.development", true)
	v.SetDefault("dispatcher.concurrency", 2)
	v.SetDefault("dispatcher.queue_depth", 32)
	v.SetDefault("dispatcher.queue_driver", DriverMemory)
	v.SetDefault("dispatcher.queue_topic", "indexer-invocations")
	v.SetDefault("dispatcher.queue_subscription", "indexer-workers")
	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.service_name", "metaverse-indexer")
	v.SetDefault("tracing.sample_ratio", 1.0)
	v.SetDefault("cache.enabled", true)
}

// runDefaults carries service-wide settings into every run configuration.
func (c Config) runDefaults() map[string]any {
	return map[string]any{
		"max_attempts":     c.Retry.MaxAttempts,
		"retry_base_delay": c.Retry.BaseDelay,
		"request_timeout":  c.HTTP.Timeout,
		"user_agent":       c.HTTP.UserAgent,
	}
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.HTTP.Timeout <= 0 {
		return fmt.Errorf("http.timeout must be > 0")
	}
	if c.Retry.MaxAttempts <= 0 {
		return fmt.Errorf("retry.max_attempts must be > 0")
	}
	if c.Retry.BaseDelay < 0 {
		return fmt.Errorf("retry.base_delay must be >= 0")
	}
	if c.Headless.Enabled && c.Headless.MaxParallel <= 0 {
		return fmt.Errorf("headless.max_parallel must be > 0 when headless is enabled")
	}
	switch c.Storage.Driver {
	case DriverMemory:
	case DriverPostgres, DriverSQLite:
		if c.Storage.DSN == "" {
			return fmt.Errorf("storage.dsn must be set for driver %q", c.Storage.Driver)
		}
	default:
		return fmt.Errorf("storage.driver %q is not supported", c.Storage.Driver)
	}
	switch c.Archive.Driver {
	case DriverNone, DriverMemory, DriverLocal:
	case DriverGCS:
		if c.Archive.Bucket == "" {
			return fmt.Errorf("archive.bucket must be set for the gcs driver")
		}
	default:
		return fmt.Errorf("archive.driver %q is not supported", c.Archive.Driver)
	}
	if c.PubSub.Topic != "" {
		switch c.PubSub.Driver {
		case DriverMemory:
		case DriverPubSub, "":
			if c.PubSub.ProjectID == "" {
				return fmt.Errorf("pubsub.project_id must be set when pubsub.topic is configured")
			}
		default:
			return fmt.Errorf("pubsub.driver %q is not supported", c.PubSub.Driver)
		}
	}
	if c.Dispatcher.Concurrency <= 0 {
		return fmt.Errorf("dispatcher.concurrency must be > 0")
	}
	switch c.Dispatcher.QueueDriver {
	case DriverMemory, "":
	case DriverPubSub:
		if c.PubSub.ProjectID == "" || c.Dispatcher.QueueTopic == "" || c.Dispatcher.QueueSubscription == "" {
			return fmt.Errorf("dispatcher.queue_driver gcp needs pubsub.project_id, dispatcher.queue_topic and dispatcher.queue_subscription")
		}
	default:
		return fmt.Errorf("dispatcher.queue_driver %q is not supported", c.Dispatcher.QueueDriver)
	}
	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		return fmt.Errorf("tracing.sample_ratio must be within [0, 1]")
	}
	return nil
}
