// Package app wires configuration into long-lived services and exposes the
// invoker surface: run a platform now, pick the platforms that are due, and
// queue runs for background workers.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	gpubsub "cloud.google.com/go/pubsub"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	cachememory "github.com/JakeFAU/metaverse-indexer/internal/cache/memory"
	"github.com/JakeFAU/metaverse-indexer/internal/clock/system"
	"github.com/JakeFAU/metaverse-indexer/internal/config"
	"github.com/JakeFAU/metaverse-indexer/internal/crawler"
	"github.com/JakeFAU/metaverse-indexer/internal/dispatcher"
	"github.com/JakeFAU/metaverse-indexer/internal/fetcher"
	collyclient "github.com/JakeFAU/metaverse-indexer/internal/fetcher/colly"
	"github.com/JakeFAU/metaverse-indexer/internal/fetcher/detector"
	"github.com/JakeFAU/metaverse-indexer/internal/fetcher/headless"
	"github.com/JakeFAU/metaverse-indexer/internal/hash/sha256"
	"github.com/JakeFAU/metaverse-indexer/internal/id/uuid"
	"github.com/JakeFAU/metaverse-indexer/internal/indexer"
	"github.com/JakeFAU/metaverse-indexer/internal/metrics"
	"github.com/JakeFAU/metaverse-indexer/internal/platforms"
	"github.com/JakeFAU/metaverse-indexer/internal/policy/domain"
	"github.com/JakeFAU/metaverse-indexer/internal/policy/pacing"
	"github.com/JakeFAU/metaverse-indexer/internal/policy/robots"
	"github.com/JakeFAU/metaverse-indexer/internal/progress"
	"github.com/JakeFAU/metaverse-indexer/internal/progress/sinks"
	pubmemory "github.com/JakeFAU/metaverse-indexer/internal/publisher/memory"
	"github.com/JakeFAU/metaverse-indexer/internal/publisher/pubsub"
	queuememory "github.com/JakeFAU/metaverse-indexer/internal/queue/memory"
	queuepubsub "github.com/JakeFAU/metaverse-indexer/internal/queue/pubsub"
	"github.com/JakeFAU/metaverse-indexer/internal/registry"
	"github.com/JakeFAU/metaverse-indexer/internal/retry"
	"github.com/JakeFAU/metaverse-indexer/internal/scheduler"
	"github.com/JakeFAU/metaverse-indexer/internal/storage/gcs"
	"github.com/JakeFAU/metaverse-indexer/internal/storage/local"
	"github.com/JakeFAU/metaverse-indexer/internal/storage/memory"
	"github.com/JakeFAU/metaverse-indexer/internal/storage/postgres"
	"github.com/JakeFAU/metaverse-indexer/internal/storage/sqlite"
	"github.com/JakeFAU/metaverse-indexer/internal/telemetry"
	"github.com/JakeFAU/metaverse-indexer/internal/worker"
)

// ErrUnknownPlatform is returned by Invoke for platforms no adapter serves.
var ErrUnknownPlatform = errors.New("unknown platform")

// Options override process-wide collaborators. Zero values select the
// production implementations.
type Options struct {
	Descriptors []registry.Descriptor
	Clock       crawler.Clock
	Sleeper     crawler.Sleeper
	IDs         crawler.IDGenerator
	Client      crawler.HTTPClient
	Renderer    crawler.Renderer
	Publisher   crawler.Publisher
	Queue       crawler.Queue
	Registerer  prometheus.Registerer
}

type closer struct {
	name string
	fn   func(context.Context) error
}

// App holds the shared, long-lived services of the process.
type App struct {
	cfg       config.Config
	logger    *zap.Logger
	clock     crawler.Clock
	ids       crawler.IDGenerator
	runs      crawler.RunStore
	content   crawler.ContentStore
	archive   crawler.BlobStore
	publisher crawler.Publisher
	queue     crawler.Queue
	hub       *progress.Hub
	cache     *cachememory.Cache
	engine    *indexer.Engine
	registry  *registry.Registry
	closers   []closer
}

// New initializes every service named by cfg. It fails fast; services
// already started are closed before the error is returned.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger, opts Options) (_ *App, err error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			_ = a.Close(context.WithoutCancel(ctx))
		}
	}()

	a.clock = opts.Clock
	if a.clock == nil {
		a.clock = system.New()
	}
	sleeper := opts.Sleeper
	if sleeper == nil {
		sleeper = system.NewSleeper()
	}
	a.ids = opts.IDs
	if a.ids == nil {
		a.ids = uuid.NewUUIDGenerator()
	}
	descriptors := opts.Descriptors
	if descriptors == nil {
		descriptors = platforms.Descriptors()
	}
	metrics.Init()
	a.cache = cachememory.New(a.clock)

	if cfg.Tracing.Enabled {
		tp, err := telemetry.InitTracerProvider(ctx, cfg.Tracing.ServiceName, cfg.Tracing.SampleRatio)
		if err != nil {
			return nil, fmt.Errorf("init tracing: %w", err)
		}
		a.onClose("tracer provider", tp.Shutdown)
	}
	if err := a.openStores(ctx); err != nil {
		return nil, err
	}
	if err := a.openArchive(ctx); err != nil {
		return nil, err
	}
	if err := a.openPublisher(ctx, opts.Publisher); err != nil {
		return nil, err
	}
	if err := a.openQueue(ctx, opts.Queue); err != nil {
		return nil, err
	}
	if err := a.startHub(opts.Registerer); err != nil {
		return nil, err
	}
	fetchDeps, err := a.fetchDeps(opts, sleeper)
	if err != nil {
		return nil, err
	}
	var responses indexer.ResponseCache
	if cfg.Cache.Enabled {
		responses = a.cache
	}

	a.engine, err = indexer.New(indexer.Deps{
		Runs:          a.runs,
		Content:       a.content,
		Configs:       cfg.Indexers,
		Fetch:         fetchDeps,
		Retry:         retry.Policy{MaxDelay: cfg.Retry.MaxDelay, Jitter: cfg.Retry.Jitter},
		Hasher:        sha256.New(),
		Clock:         a.clock,
		Sleeper:       sleeper,
		IDs:           a.ids,
		Archive:       a.archive,
		ArchivePrefix: cfg.Archive.Prefix,
		Emitter:       a.hub,
		Logger:        logger,
		Cache:         responses,
	})
	if err != nil {
		return nil, fmt.Errorf("build engine: %w", err)
	}
	a.registry, err = registry.New(cfg.Indexers, descriptors, registry.WithLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("build registry: %w", err)
	}

	logger.Info("application services initialized",
		zap.String("storage", cfg.Storage.Driver),
		zap.String("archive", cfg.Archive.Driver),
		zap.Strings("platforms", a.registry.PlatformNames()),
	)
	return a, nil
}

func (a *App) openStores(ctx context.Context) error {
	switch a.cfg.Storage.Driver {
	case config.DriverPostgres:
		store, err := postgres.New(ctx, postgres.Config{DSN: a.cfg.Storage.DSN, MaxConns: a.cfg.Storage.MaxConns}, a.clock, a.ids)
		if err != nil {
			return fmt.Errorf("open postgres: %w", err)
		}
		a.onClose("postgres", func(context.Context) error { store.Close(); return nil })
		if err := store.Migrate(ctx); err != nil {
			return fmt.Errorf("migrate postgres: %w", err)
		}
		a.runs, a.content = store, store
	case config.DriverSQLite:
		store, err := sqlite.Open(ctx, a.cfg.Storage.DSN, a.clock, a.ids)
		if err != nil {
			return fmt.Errorf("open sqlite: %w", err)
		}
		a.onClose("sqlite", func(context.Context) error { return store.Close() })
		a.runs, a.content = store, store
	default:
		a.runs, a.content = memory.NewRunStore(), memory.NewContentStore(a.clock)
	}
	return nil
}

func (a *App) openArchive(ctx context.Context) error {
	switch a.cfg.Archive.Driver {
	case config.DriverMemory:
		a.archive = memory.NewBlobStore()
	case config.DriverLocal:
		store, err := local.New(local.Config{BaseDir: a.cfg.Archive.BaseDir})
		if err != nil {
			return fmt.Errorf("open local archive: %w", err)
		}
		a.archive = store
	case config.DriverGCS:
		store, err := gcs.Dial(ctx, gcs.Config{Bucket: a.cfg.Archive.Bucket})
		if err != nil {
			return fmt.Errorf("open gcs archive: %w", err)
		}
		a.onClose("gcs", func(context.Context) error { return store.Close() })
		a.archive = store
	}
	return nil
}

func (a *App) openPublisher(ctx context.Context, override crawler.Publisher) error {
	if a.cfg.PubSub.Topic == "" {
		return nil
	}
	if override != nil {
		a.publisher = override
		return nil
	}
	switch a.cfg.PubSub.Driver {
	case config.DriverMemory:
		a.publisher = pubmemory.New()
	default:
		pub, err := pubsub.Dial(ctx, a.cfg.PubSub.ProjectID, a.logger)
		if err != nil {
			return err
		}
		a.onClose("pubsub", func(context.Context) error { return pub.Close() })
		if err := pub.EnsureTopic(ctx, a.cfg.PubSub.Topic); err != nil {
			return err
		}
		a.publisher = pub
	}
	return nil
}

func (a *App) openQueue(ctx context.Context, override crawler.Queue) error {
	switch {
	case override != nil:
		a.queue = override
	case a.cfg.Dispatcher.QueueDriver == config.DriverPubSub:
		client, err := gpubsub.NewClient(ctx, a.cfg.PubSub.ProjectID)
		if err != nil {
			return fmt.Errorf("create queue pubsub client: %w", err)
		}
		a.onClose("queue pubsub client", func(context.Context) error { return client.Close() })
		q, err := queuepubsub.New(ctx, client, queuepubsub.Config{
			Topic:          a.cfg.Dispatcher.QueueTopic,
			Subscription:   a.cfg.Dispatcher.QueueSubscription,
			MaxOutstanding: a.cfg.Dispatcher.Concurrency,
		}, a.logger.Named("queue"))
		if err != nil {
			return err
		}
		a.queue = q
	default:
		a.queue = queuememory.NewQueue(a.cfg.Dispatcher.QueueDepth)
	}
	a.onClose("queue", func(context.Context) error { a.queue.Close(); return nil })
	return nil
}

func (a *App) startHub(reg prometheus.Registerer) error {
	promSink, err := sinks.NewPrometheusSink(reg)
	if err != nil {
		return fmt.Errorf("register run metrics: %w", err)
	}
	hubSinks := []progress.Sink{sinks.NewLogSink(a.logger), promSink}
	if a.publisher != nil {
		hubSinks = append(hubSinks, sinks.NewPublisherSink(a.publisher, a.cfg.PubSub.Topic, a.logger))
	}
	a.hub = progress.NewHub(progress.Config{Clock: a.clock, Logger: a.logger}, hubSinks...)
	a.onClose("progress hub", a.hub.Close)
	return nil
}

func (a *App) fetchDeps(opts Options, sleeper crawler.Sleeper) (fetcher.Deps, error) {
	client := opts.Client
	if client == nil {
		client = collyclient.New(collyclient.Config{
			UserAgent:   a.cfg.HTTP.UserAgent,
			Timeout:     a.cfg.HTTP.Timeout,
			MaxBodySize: a.cfg.HTTP.MaxBodySize,
		})
	}
	renderer := opts.Renderer
	if renderer == nil {
		if a.cfg.Headless.Enabled {
			r, err := headless.NewChromedp(headless.Config{
				MaxParallel:       a.cfg.Headless.MaxParallel,
				UserAgent:         a.cfg.HTTP.UserAgent,
				NavigationTimeout: a.cfg.Headless.NavTimeout,
			})
			if err != nil {
				return fetcher.Deps{}, fmt.Errorf("start headless renderer: %w", err)
			}
			a.onClose("headless", func(context.Context) error { r.Close(); return nil })
			renderer = r
		} else {
			renderer = headless.NewNoop()
		}
	}
	cache := a.cache
	return fetcher.Deps{
		Client:   client,
		Renderer: renderer,
		Detector: detector.New(detector.DefaultRules()),
		Domain:   domain.New(domain.Config{BlockTTL: a.cfg.DomainPolicy.BlockTTL}, cache, a.clock, sleeper, a.logger),
		Robots: robots.New(robots.Config{
			UserAgent:    a.cfg.HTTP.UserAgent,
			TTL:          a.cfg.Robots.TTL,
			FetchTimeout: a.cfg.Robots.FetchTimeout,
		}, client, cache, a.logger),
		Pacer:  pacing.New(a.clock),
		Logger: a.logger,
	}, nil
}

func (a *App) onClose(name string, fn func(context.Context) error) {
	a.closers = append(a.closers, closer{name: name, fn: fn})
}

// Config returns the loaded configuration.
func (a *App) Config() config.Config { return a.cfg }

// Logger returns the process logger.
func (a *App) Logger() *zap.Logger { return a.logger }

// Clock returns the clock shared by the engine and stores.
func (a *App) Clock() crawler.Clock { return a.clock }

// Runs returns the run store.
func (a *App) Runs() crawler.RunStore { return a.runs }

// Content returns the indexed content store.
func (a *App) Content() crawler.ContentStore { return a.content }

// Registry returns the adapter registry.
func (a *App) Registry() *registry.Registry { return a.registry }

// Engine returns the indexing engine.
func (a *App) Engine() *indexer.Engine { return a.engine }

// Invoke runs platform once with options as runtime overrides. Manual
// invocations do not consult the enabled flag.
func (a *App) Invoke(ctx context.Context, platform string, options map[string]any) (crawler.IndexingRun, error) {
	d, ok := a.registry.Find(platform)
	if !ok {
		return crawler.IndexingRun{}, fmt.Errorf("%w: %q", ErrUnknownPlatform, platform)
	}
	return a.engine.Run(ctx, d.New(), options)
}

// InvalidateCache drops the cached responses of platform.
func (a *App) InvalidateCache(platform string) (int, error) {
	if _, ok := a.registry.Find(platform); !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownPlatform, platform)
	}
	return a.engine.InvalidateCache(platform), nil
}

// DuePlatforms lists enabled platforms whose schedule says they should run
// now. force skips the schedule check. A platform whose schedule cannot be
// read is left out and reported in the joined error.
func (a *App) DuePlatforms(ctx context.Context, force bool) ([]string, error) {
	var (
		due  []string
		errs []error
	)
	now := a.clock.Now()
	for _, d := range a.registry.Enabled() {
		if force {
			due = append(due, d.Platform)
			continue
		}
		_, rc, err := a.cfg.Indexers.Resolve(d.Platform, nil)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		last, err := a.lastCompleted(ctx, d.Platform)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		var lastAt *time.Time
		if last != nil {
			lastAt = last.CompletedAt
		}
		ok, err := scheduler.Due(rc.Schedule, lastAt, now)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", d.Platform, err))
			continue
		}
		if !ok {
			a.logger.Info("skipping platform, recently run", zap.String("platform", d.Platform))
			continue
		}
		due = append(due, d.Platform)
	}
	return due, errors.Join(errs...)
}

// RunDue invokes every due platform in turn and returns the finished runs.
// One platform failing does not stop the others.
func (a *App) RunDue(ctx context.Context, force bool) ([]crawler.IndexingRun, error) {
	due, dueErr := a.DuePlatforms(ctx, force)
	errs := []error{dueErr}
	var runs []crawler.IndexingRun
	for _, platform := range due {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		run, err := a.Invoke(ctx, platform, nil)
		if run.ID != "" {
			runs = append(runs, run)
		}
		if err != nil {
			errs = append(errs, err)
		}
	}
	return runs, errors.Join(errs...)
}

func (a *App) lastCompleted(ctx context.Context, platform string) (*crawler.IndexingRun, error) {
	runs, err := a.runs.ListRuns(ctx, crawler.RunFilter{
		IndexerID: platform,
		Status:    crawler.RunStatusCompleted,
		Limit:     1,
	})
	if err != nil {
		return nil, fmt.Errorf("last completed %s run: %w", platform, err)
	}
	if len(runs) == 0 {
		return nil, nil
	}
	return &runs[0], nil
}

// Reclaim fails running runs whose heartbeat is older than maxAge.
func (a *App) Reclaim(ctx context.Context, maxAge time.Duration) (int, error) {
	return a.engine.ReclaimStale(ctx, maxAge)
}

// NewDispatcher builds one worker per configured slot over the App's
// invocation queue, each invoking runs through the App.
func (a *App) NewDispatcher() *dispatcher.Dispatcher {
	workers := make([]*worker.Worker, a.cfg.Dispatcher.Concurrency)
	for i := range workers {
		workers[i] = worker.New(i+1, a.queue, a, a.clock, a.logger)
	}
	return dispatcher.New(a.queue, workers, a.ids, a.clock)
}

// Close shuts services down in reverse start order and flushes the logger.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		c := a.closers[i]
		if err := c.fn(ctx); err != nil {
			a.logger.Warn("error closing service", zap.String("service", c.name), zap.Error(err))
			errs = append(errs, fmt.Errorf("close %s: %w", c.name, err))
		}
	}
	a.closers = nil
	_ = a.logger.Sync()
	return errors.Join(errs...)
}
