// Package worker executes queued invocations.
package worker

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/metaverse-indexer/internal/crawler"
)

// Invoker runs one indexing run for platform.
type Invoker interface {
	Invoke(ctx context.Context, platform string, options map[string]any) (crawler.IndexingRun, error)
}

// InvokerFunc adapts a function to Invoker.
type InvokerFunc func(ctx context.Context, platform string, options map[string]any) (crawler.IndexingRun, error)

// Invoke implements Invoker.
func (f InvokerFunc) Invoke(ctx context.Context, platform string, options map[string]any) (crawler.IndexingRun, error) {
	return f(ctx, platform, options)
}

// Worker consumes invocations until its context ends or the queue closes.
type Worker struct {
	id      int
	queue   crawler.Queue
	invoker Invoker
	clock   crawler.Clock
	logger  *zap.Logger
}

// New constructs a Worker. A nil logger is replaced with a no-op.
func New(id int, queue crawler.Queue, invoker Invoker, clock crawler.Clock, logger *zap.Logger) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		id:      id,
		queue:   queue,
		invoker: invoker,
		clock:   clock,
		logger:  logger.With(zap.Int("worker", id)),
	}
}

// Run loops until ctx is done or the queue is closed. Run failures are
// logged; they never stop the worker.
func (w *Worker) Run(ctx context.Context) {
	for {
		inv, err := w.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.logger.Info("queue closed, worker exiting", zap.Error(err))
			return
		}
		w.handle(ctx, inv)
	}
}

func (w *Worker) handle(ctx context.Context, inv crawler.Invocation) {
	logger := w.logger.With(zap.String("invocation_id", inv.ID), zap.String("platform", inv.Platform))
	if w.clock != nil && !inv.EnqueuedAt.IsZero() {
		logger.Debug("invocation dequeued", zap.Duration("queued_for", w.clock.Now().Sub(inv.EnqueuedAt)))
	}
	start := time.Now()
	run, err := w.invoker.Invoke(ctx, inv.Platform, inv.Options)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			logger.Warn("invocation canceled", zap.String("run_id", run.ID))
			return
		}
		logger.Error("invocation failed",
			zap.String("run_id", run.ID),
			zap.String("error_class", crawler.ErrorClass(err)),
			zap.Error(err),
		)
		return
	}
	logger.Info("invocation finished",
		zap.String("run_id", run.ID),
		zap.String("status", string(run.Status)),
		zap.Duration("elapsed", time.Since(start)),
	)
}
