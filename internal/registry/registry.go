// Package registry enumerates the platform adapters compiled into the process
// and filters them by configuration.
package registry

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/metaverse-indexer/internal/indexer"
)

// ConfigSource returns a platform's merged configuration. ok is false when
// the platform is not configured at all. config.IndexerDocument implements it.
type ConfigSource interface {
	PlatformConfig(platform string) (map[string]any, bool)
}

// Descriptor describes one adapter.
type Descriptor struct {
	Platform    string
	Description string
	// New builds a fresh adapter for one run.
	New func() indexer.Indexer
}

// Registry answers which adapters exist, which are enabled and which one
// implements a platform. Discovery happens once; the result is reused for the
// lifetime of the process.
type Registry struct {
	cfg    ConfigSource
	logger *zap.Logger

	once    sync.Once
	pending []Descriptor
	all     []Descriptor
	byName  map[string]Descriptor
}

// Option customises a Registry.
type Option func(*Registry)

// WithLogger attaches a logger used to report unreadable configuration.
func WithLogger(l *zap.Logger) Option {
	return func(r *Registry) {
		if l != nil {
			r.logger = l
		}
	}
}

// New validates descriptors and builds a Registry over cfg.
func New(cfg ConfigSource, ds []Descriptor, opts ...Option) (*Registry, error) {
	if cfg == nil {
		return nil, errors.New("registry: config source is required")
	}
	seen := make(map[string]struct{}, len(ds))
	for i, d := range ds {
		name := strings.ToLower(strings.TrimSpace(d.Platform))
		if name == "" {
			return nil, fmt.Errorf("registry: descriptor %d has no platform", i)
		}
		if d.New == nil {
			return nil, fmt.Errorf("registry: descriptor %q has no constructor", name)
		}
		if _, dup := seen[name]; dup {
			return nil, fmt.Errorf("registry: platform %q registered twice", name)
		}
		seen[name] = struct{}{}
	}
	r := &Registry{
		cfg:     cfg,
		logger:  zap.NewNop(),
		pending: append([]Descriptor(nil), ds...),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

func (r *Registry) discover() {
	r.once.Do(func() {
		r.all = make([]Descriptor, 0, len(r.pending))
		r.byName = make(map[string]Descriptor, len(r.pending))
		for _, d := range r.pending {
			d.Platform = strings.ToLower(strings.TrimSpace(d.Platform))
			r.all = append(r.all, d)
			r.byName[d.Platform] = d
		}
		sort.Slice(r.all, func(i, j int) bool { return r.all[i].Platform < r.all[j].Platform })
		r.pending = nil
	})
}

// All returns every known descriptor sorted by platform.
func (r *Registry) All() []Descriptor {
	r.discover()
	return append([]Descriptor(nil), r.all...)
}

// Enabled returns the descriptors whose merged configuration sets enabled to
// true. Missing or unreadable configuration means disabled.
func (r *Registry) Enabled() []Descriptor {
	var out []Descriptor
	for _, d := range r.All() {
		if r.IsEnabled(d.Platform) {
			out = append(out, d)
		}
	}
	return out
}

// IsEnabled reports whether platform is configured with enabled: true.
func (r *Registry) IsEnabled(platform string) bool {
	merged, ok := r.cfg.PlatformConfig(strings.ToLower(platform))
	if !ok {
		return false
	}
	enabled, err := truthy(merged["enabled"])
	if err != nil {
		r.logger.Warn("unreadable enabled flag, treating platform as disabled",
			zap.String("platform", platform),
			zap.Error(err),
		)
		return false
	}
	return enabled
}

// Find returns the descriptor for platform. ok is false when none matches.
func (r *Registry) Find(platform string) (Descriptor, bool) {
	r.discover()
	d, ok := r.byName[strings.ToLower(strings.TrimSpace(platform))]
	return d, ok
}

// PlatformNames lists every known platform, sorted.
func (r *Registry) PlatformNames() []string {
	all := r.All()
	out := make([]string, len(all))
	for i, d := range all {
		out[i] = d.Platform
	}
	return out
}

func truthy(v any) (bool, error) {
	switch b := v.(type) {
	case nil:
		return false, nil
	case bool:
		return b, nil
	case string:
		parsed, err := strconv.ParseBool(strings.TrimSpace(b))
		if err != nil {
			return false, fmt.Errorf("enabled %q: %w", b, err)
		}
		return parsed, nil
	default:
		return false, fmt.Errorf("enabled has type %T", v)
	}
}
