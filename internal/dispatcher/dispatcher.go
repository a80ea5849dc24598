// Package dispatcher fans queued invocations out to a pool of workers.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/JakeFAU/metaverse-indexer/internal/crawler"
	"github.com/JakeFAU/metaverse-indexer/internal/worker"
)

// Dispatcher owns the queue and its workers.
type Dispatcher struct {
	queue   crawler.Queue
	workers []*worker.Worker
	ids     crawler.IDGenerator
	clock   crawler.Clock
}

// New creates a Dispatcher. ids and clock stamp submitted invocations.
func New(queue crawler.Queue, workers []*worker.Worker, ids crawler.IDGenerator, clock crawler.Clock) *Dispatcher {
	return &Dispatcher{
		queue:   queue,
		workers: workers,
		ids:     ids,
		clock:   clock,
	}
}

// Run starts all workers and blocks until the context finishes, then waits
// for in-flight invocations to return.
func (d *Dispatcher) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, w := range d.workers {
		wg.Add(1)
		go func(wk *worker.Worker) {
			defer wg.Done()
			wk.Run(ctx)
		}(w)
	}
	<-ctx.Done()
	wg.Wait()
}

// Submit queues a run of platform with options and returns the queued
// invocation.
func (d *Dispatcher) Submit(ctx context.Context, platform string, options map[string]any) (crawler.Invocation, error) {
	platform = strings.ToLower(strings.TrimSpace(platform))
	if platform == "" {
		return crawler.Invocation{}, errors.New("submit: platform is required")
	}
	id, err := d.ids.NewID()
	if err != nil {
		return crawler.Invocation{}, fmt.Errorf("submit: %w", err)
	}
	inv := crawler.Invocation{
		ID:         id,
		Platform:   platform,
		Options:    options,
		EnqueuedAt: d.clock.Now(),
	}
	if err := d.Enqueue(ctx, inv); err != nil {
		return crawler.Invocation{}, err
	}
	return inv, nil
}

// Enqueue proxies to the underlying queue.
func (d *Dispatcher) Enqueue(ctx context.Context, inv crawler.Invocation) error {
	if err := d.queue.Enqueue(ctx, inv); err != nil {
		return fmt.Errorf("queue enqueue: %w", err)
	}
	return nil
}
