package indexer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/metaverse-indexer/internal/config"
	"github.com/JakeFAU/metaverse-indexer/internal/crawler"
	"github.com/JakeFAU/metaverse-indexer/internal/fetcher"
	"github.com/JakeFAU/metaverse-indexer/internal/logging"
	"github.com/JakeFAU/metaverse-indexer/internal/progress"
	"github.com/JakeFAU/metaverse-indexer/internal/retry"
)

const tracerName = "github.com/JakeFAU/metaverse-indexer/internal/indexer"

// AbandonedRunMessage is stored on runs closed by ReclaimStale.
const AbandonedRunMessage = "run abandoned: heartbeat expired"

// ConfigResolver merges base, environment and runtime configuration for a
// platform. config.IndexerDocument implements it.
type ConfigResolver interface {
	Resolve(platform string, runtime map[string]any) (map[string]any, config.RunConfig, error)
}

// Deps wires an Engine. Runs, Content, Configs, Hasher, Clock, Sleeper and
// IDs are required.
type Deps struct {
	Runs    crawler.RunStore
	Content crawler.ContentStore
	Configs ConfigResolver
	// Fetch holds the shared fetch collaborators; each run gets its own Layer.
	Fetch fetcher.Deps
	// Retry supplies MaxDelay and Jitter; attempts and base delay come from
	// the run configuration.
	Retry   retry.Policy
	Hasher  crawler.Hasher
	Clock   crawler.Clock
	Sleeper crawler.Sleeper
	IDs     crawler.IDGenerator
	// Archive, when set, receives the raw item list of every run.
	Archive       crawler.BlobStore
	ArchivePrefix string
	Emitter       progress.Emitter
	Logger        *zap.Logger
	// Cache, when set, lets adapters reuse responses across runs.
	Cache ResponseCache
}

// Engine executes indexing runs. It is safe for concurrent runs; each run
// is sequential.
type Engine struct {
	deps   Deps
	logger *zap.Logger
}

// New validates deps and builds an Engine.
func New(deps Deps) (*Engine, error) {
	switch {
	case deps.Runs == nil:
		return nil, errors.New("indexer engine: run store is required")
	case deps.Content == nil:
		return nil, errors.New("indexer engine: content store is required")
	case deps.Configs == nil:
		return nil, errors.New("indexer engine: config resolver is required")
	case deps.Hasher == nil:
		return nil, errors.New("indexer engine: hasher is required")
	case deps.Clock == nil:
		return nil, errors.New("indexer engine: clock is required")
	case deps.Sleeper == nil:
		return nil, errors.New("indexer engine: sleeper is required")
	case deps.IDs == nil:
		return nil, errors.New("indexer engine: id generator is required")
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Emitter == nil {
		deps.Emitter = progress.NopEmitter{}
	}
	if deps.Fetch.Emitter == nil {
		deps.Fetch.Emitter = deps.Emitter
	}
	if deps.Fetch.Logger == nil {
		deps.Fetch.Logger = deps.Logger
	}
	return &Engine{deps: deps, logger: deps.Logger}, nil
}

// Run executes one indexing run of ix. overrides take precedence over the
// platform's configured values. A run-level failure marks the run failed and
// is returned; item failures are only counted.
func (e *Engine) Run(ctx context.Context, ix Indexer, overrides map[string]any) (crawler.IndexingRun, error) {
	platform := ix.Platform()
	snapshot, rc, err := e.deps.Configs.Resolve(platform, overrides)
	if err != nil {
		return crawler.IndexingRun{}, err
	}
	runID, err := e.deps.IDs.NewID()
	if err != nil {
		return crawler.IndexingRun{}, err
	}

	ctx, span := otel.Tracer(tracerName).Start(ctx, "indexer.run",
		trace.WithAttributes(
			attribute.String("indexer.platform", platform),
			attribute.String("indexer.run_id", runID),
		),
	)
	defer span.End()

	tracker := NewTracker(e.deps.Runs, e.deps.Clock, e.deps.Emitter)
	if _, err := tracker.Start(ctx, runID, platform, snapshot); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "start run")
		return crawler.IndexingRun{}, err
	}
	logger := logging.ForRun(e.logger, platform, runID)
	if sc := span.SpanContext(); sc.IsValid() {
		logger = logger.With(zap.String("trace_id", sc.TraceID().String()))
	}
	logger.Info("starting indexing run")

	if runErr := e.execute(ctx, ix, tracker, rc, logger); runErr != nil {
		span.RecordError(runErr)
		span.SetStatus(codes.Error, crawler.ErrorClass(runErr))
		// the terminal write must land even when ctx is what failed the run
		persistCtx := context.WithoutCancel(ctx)
		details := ErrorDetails(runErr, map[string]any{"platform": platform, "run_id": runID}, e.deps.Clock.Now())
		failed, err := tracker.Fail(persistCtx, runErr, details)
		if err != nil {
			logger.Error("failed to mark run failed", zap.Error(err))
		}
		logger.Error("indexing run failed",
			zap.String("error_class", crawler.ErrorClass(runErr)),
			zap.Error(runErr),
		)
		e.logSummary(logger, failed)
		return failed, fmt.Errorf("run %s %s: %w", platform, runID, runErr)
	}

	done, err := tracker.Complete(context.WithoutCancel(ctx))
	if err != nil {
		span.RecordError(err)
		return done, err
	}
	span.SetAttributes(
		attribute.Int("indexer.items_processed", done.ItemsProcessed),
		attribute.Int("indexer.items_failed", done.ItemsFailed),
		attribute.Int("indexer.items_skipped", done.ItemsSkipped),
	)
	e.logSummary(logger, done)
	logger.Info("indexing run completed")
	return done, nil
}

func (e *Engine) execute(ctx context.Context, ix Indexer, tracker *Tracker, rc config.RunConfig, logger *zap.Logger) error {
	run := tracker.Snapshot()
	exempt := rc.RobotsExemptOrigins
	if rx, ok := ix.(RobotsExempter); ok {
		exempt = append(append([]string(nil), exempt...), rx.RobotsExemptOrigins()...)
	}
	layer := fetcher.New(e.deps.Fetch, fetcher.Options{
		Platform:            run.IndexerID,
		RunID:               run.ID,
		MinRequestInterval:  rc.MinRequestInterval,
		RequestTimeout:      rc.RequestTimeout,
		DailyLimit:          rc.DailyLimit,
		RobotsExemptOrigins: exempt,
		UserAgent:           rc.UserAgent,
	})
	policy := e.deps.Retry
	policy.MaxAttempts = rc.MaxAttempts
	policy.BaseDelay = rc.RetryBaseDelay
	policy.Sleeper = e.deps.Sleeper
	policy.Logger = logger
	env := &Env{
		RunID:    run.ID,
		Platform: run.IndexerID,
		Config:   rc,
		Fetcher:  layer,
		Retry:    policy,
		Content:  e.deps.Content,
		Clock:    e.deps.Clock,
		Logger:   logger,
		Cache:    e.deps.Cache,
	}

	items, err := retry.Value(ctx, policy, func(ctx context.Context) ([]RawItem, error) {
		return ix.FetchItems(ctx, env)
	})
	if err != nil {
		return fmt.Errorf("fetch items: %w", err)
	}
	logger.Info("fetched items", zap.Int("count", len(items)))
	if err := tracker.SetTotal(ctx, len(items)); err != nil {
		logger.Warn("could not record item total", zap.Error(err))
	}
	e.archive(ctx, run, items, logger)

	err = ProcessBatches(ctx, items,
		BatchOptions{
			BatchSize:   rc.BatchSize,
			MaxItems:    rc.MaxItems,
			Delay:       rc.BatchDelay,
			RateLimited: rc.RateLimited,
			Sleeper:     e.deps.Sleeper,
		},
		func(ctx context.Context, _ int, item RawItem) error {
			return e.processItem(ctx, ix, tracker, item, logger)
		},
		func(_ int, item RawItem, err error) {
			tracker.Add(progress.OutcomeFailed)
			details := ErrorDetails(err, map[string]any{"item": fmt.Sprint(map[string]any(item))}, e.deps.Clock.Now())
			logger.Error("failed to process item",
				zap.String("error_class", crawler.ErrorClass(err)),
				zap.Any("details", details),
				zap.Error(err),
			)
			e.deps.Emitter.Emit(progress.Event{
				RunID:    run.ID,
				Platform: run.IndexerID,
				Stage:    progress.StageItem,
				Outcome:  progress.OutcomeFailed,
				Note:     err.Error(),
			})
		},
		func(ctx context.Context, batch, size int) {
			logger.Debug("batch processed", zap.Int("batch", batch+1), zap.Int("size", size))
			if err := tracker.Flush(ctx); err != nil {
				logger.Warn("could not flush run progress", zap.Error(err))
			}
		},
	)
	if err != nil {
		return err
	}

	if stats := env.CacheStats(); stats.Enabled {
		logger.Debug("response cache",
			zap.Duration("duration", stats.Duration),
			zap.Int("entries", stats.Entries),
		)
	}

	if rec, ok := ix.(Reconciler); ok {
		removed, err := rec.Reconcile(ctx, env, items)
		if err != nil {
			return fmt.Errorf("reconcile: %w", err)
		}
		if removed > 0 {
			logger.Info("removed content no longer on platform", zap.Int("removed", removed))
		}
	}
	return nil
}

func (e *Engine) processItem(ctx context.Context, ix Indexer, tracker *Tracker, item RawItem, logger *zap.Logger) error {
	processed, err := ix.ProcessItem(ctx, item)
	if err != nil {
		return err
	}
	content, err := Normalize(ix.Platform(), ix, processed)
	if err != nil {
		return err
	}
	_, outcome, err := Persist(ctx, e.deps.Content, e.deps.Hasher, content, e.deps.Clock.Now())
	if err != nil {
		return err
	}
	tracker.Add(outcome)
	if outcome == progress.OutcomeSkipped {
		logger.Debug("skipping item, no update needed", zap.String("external_id", content.ExternalID))
	}
	run := tracker.Snapshot()
	e.deps.Emitter.Emit(progress.Event{
		RunID:      run.ID,
		Platform:   run.IndexerID,
		Stage:      progress.StageItem,
		Outcome:    outcome,
		ExternalID: content.ExternalID,
	})
	return nil
}

func (e *Engine) archive(ctx context.Context, run crawler.IndexingRun, items []RawItem, logger *zap.Logger) {
	if e.deps.Archive == nil {
		return
	}
	data, err := json.Marshal(items)
	if err != nil {
		logger.Warn("could not encode raw items for archive", zap.Error(err))
		return
	}
	key := path.Join(e.deps.ArchivePrefix, run.IndexerID, run.ID+".json")
	uri, err := e.deps.Archive.PutObject(ctx, key, "application/json", data)
	if err != nil {
		logger.Warn("could not archive raw items", zap.String("key", key), zap.Error(err))
		return
	}
	logger.Debug("archived raw items", zap.String("uri", uri), zap.Int("bytes", len(data)))
}

func (e *Engine) logSummary(logger *zap.Logger, run crawler.IndexingRun) {
	logger.Info("indexing run summary",
		zap.String("status", string(run.Status)),
		zap.Duration("duration", run.Duration(e.deps.Clock.Now())),
		zap.Int("total", run.ItemsTotal),
		zap.Int("processed", run.ItemsProcessed),
		zap.Int("failed", run.ItemsFailed),
		zap.Int("skipped", run.ItemsSkipped),
		zap.Float64("success_rate", run.SuccessRate()),
	)
}

// InvalidateCache drops every cached response of platform and returns how
// many entries were removed.
func (e *Engine) InvalidateCache(platform string) int {
	if e.deps.Cache == nil {
		return 0
	}
	n := e.deps.Cache.DeletePrefix(CacheKey(platform))
	e.logger.Info("invalidated response cache", zap.String("platform", platform), zap.Int("entries", n))
	return n
}

// ReclaimStale fails every running run whose heartbeat (or start, if it never
// beat) is older than maxAge, and returns how many were closed.
func (e *Engine) ReclaimStale(ctx context.Context, maxAge time.Duration) (int, error) {
	if maxAge <= 0 {
		return 0, fmt.Errorf("reclaim: max age must be > 0")
	}
	runs, err := e.deps.Runs.ListRuns(ctx, crawler.RunFilter{Status: crawler.RunStatusRunning})
	if err != nil {
		return 0, fmt.Errorf("list running runs: %w", err)
	}
	now := e.deps.Clock.Now()
	cutoff := now.Add(-maxAge)
	reclaimed := 0
	var errs []error
	for _, run := range runs {
		last := run.StartedAt
		if run.HeartbeatAt != nil {
			last = *run.HeartbeatAt
		}
		if !last.Before(cutoff) {
			continue
		}
		msg := AbandonedRunMessage
		details := map[string]any{
			"error_class":    "AbandonedRun",
			"error_message":  msg,
			"last_heartbeat": last.UTC().Format(time.RFC3339),
			"timestamp":      now.UTC().Format(time.RFC3339),
		}
		err := e.deps.Runs.UpdateRun(ctx, run.ID, crawler.RunUpdate{
			Status:       crawler.RunStatusFailed,
			CompletedAt:  &now,
			ErrorMessage: &msg,
			ErrorDetails: details,
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("reclaim run %s: %w", run.ID, err))
			continue
		}
		reclaimed++
		e.deps.Emitter.Emit(progress.Event{
			RunID:     run.ID,
			Platform:  run.IndexerID,
			Stage:     progress.StageRunError,
			Processed: run.ItemsProcessed,
			Failed:    run.ItemsFailed,
			Skipped:   run.ItemsSkipped,
			Note:      msg,
		})
		e.logger.Warn("reclaimed abandoned run",
			zap.String("run_id", run.ID),
			zap.String("platform", run.IndexerID),
			zap.Time("last_heartbeat", last),
		)
	}
	return reclaimed, errors.Join(errs...)
}

// ErrorDetails builds the structured diagnostics stored with a failure.
func ErrorDetails(err error, info map[string]any, now time.Time) map[string]any {
	if info == nil {
		info = map[string]any{}
	}
	return map[string]any{
		"error_class":   crawler.ErrorClass(err),
		"error_message": err.Error(),
		"context":       info,
		"timestamp":     now.UTC().Format(time.RFC3339),
	}
}
