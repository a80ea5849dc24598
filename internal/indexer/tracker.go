package indexer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/JakeFAU/metaverse-indexer/internal/crawler"
	"github.com/JakeFAU/metaverse-indexer/internal/progress"
)

// Tracker owns the IndexingRun of one invocation. Counters accumulate in
// memory and reach the store on Flush and on the terminal transition.
type Tracker struct {
	store   crawler.RunStore
	clock   crawler.Clock
	emitter progress.Emitter

	mu  sync.Mutex
	run crawler.IndexingRun
}

// NewTracker builds a Tracker. A nil emitter discards events.
func NewTracker(store crawler.RunStore, clock crawler.Clock, emitter progress.Emitter) *Tracker {
	if emitter == nil {
		emitter = progress.NopEmitter{}
	}
	return &Tracker{store: store, clock: clock, emitter: emitter}
}

// Start creates the run in pending and moves it to running.
func (t *Tracker) Start(ctx context.Context, runID, indexerID string, configuration map[string]any) (crawler.IndexingRun, error) {
	now := t.clock.Now()
	run := crawler.IndexingRun{
		ID:            runID,
		IndexerID:     indexerID,
		Status:        crawler.RunStatusPending,
		Configuration: configuration,
		StartedAt:     now,
	}
	if err := t.store.CreateRun(ctx, run); err != nil {
		return crawler.IndexingRun{}, fmt.Errorf("create run: %w", err)
	}
	if err := crawler.ValidateTransition(run.Status, crawler.RunStatusRunning); err != nil {
		return crawler.IndexingRun{}, err
	}
	if err := t.store.UpdateRun(ctx, runID, crawler.RunUpdate{
		Status:      crawler.RunStatusRunning,
		HeartbeatAt: &now,
	}); err != nil {
		return crawler.IndexingRun{}, fmt.Errorf("start run: %w", err)
	}
	run.Status = crawler.RunStatusRunning
	run.HeartbeatAt = &now

	t.mu.Lock()
	t.run = run
	t.mu.Unlock()
	t.emit(progress.StageRunStart, "")
	return run, nil
}

// SetTotal records how many items the fetch returned.
func (t *Tracker) SetTotal(ctx context.Context, total int) error {
	t.mu.Lock()
	t.run.ItemsTotal = total
	id := t.run.ID
	t.mu.Unlock()
	if err := t.store.UpdateRun(ctx, id, crawler.RunUpdate{ItemsTotal: &total}); err != nil {
		return fmt.Errorf("record run total: %w", err)
	}
	return nil
}

// Add counts one item outcome. Created and Updated both count as processed.
func (t *Tracker) Add(outcome progress.Outcome) {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch outcome {
	case progress.OutcomeCreated, progress.OutcomeUpdated:
		t.run.ItemsProcessed++
	case progress.OutcomeSkipped:
		t.run.ItemsSkipped++
	case progress.OutcomeFailed:
		t.run.ItemsFailed++
	}
}

// Flush persists the counters and stamps the heartbeat.
func (t *Tracker) Flush(ctx context.Context) error {
	now := t.clock.Now()
	t.mu.Lock()
	t.run.HeartbeatAt = &now
	id := t.run.ID
	update := t.counterUpdate()
	t.mu.Unlock()
	update.HeartbeatAt = &now
	if err := t.store.UpdateRun(ctx, id, update); err != nil {
		return fmt.Errorf("flush run counters: %w", err)
	}
	t.emit(progress.StageRunHB, "")
	return nil
}

// Complete moves the run to completed with the final counters.
func (t *Tracker) Complete(ctx context.Context) (crawler.IndexingRun, error) {
	return t.finish(ctx, crawler.RunStatusCompleted, nil)
}

// Fail moves the run to failed and stores err with its structured details.
func (t *Tracker) Fail(ctx context.Context, runErr error, details map[string]any) (crawler.IndexingRun, error) {
	return t.finish(ctx, crawler.RunStatusFailed, func(u *crawler.RunUpdate, run *crawler.IndexingRun) {
		msg := runErr.Error()
		u.ErrorMessage = &msg
		u.ErrorDetails = details
		run.ErrorMessage = msg
		run.ErrorDetails = details
	})
}

// Snapshot returns a copy of the in-memory run.
func (t *Tracker) Snapshot() crawler.IndexingRun {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.run
}

func (t *Tracker) finish(
	ctx context.Context,
	status crawler.RunStatus,
	decorate func(*crawler.RunUpdate, *crawler.IndexingRun),
) (crawler.IndexingRun, error) {
	now := t.clock.Now()
	t.mu.Lock()
	if err := crawler.ValidateTransition(t.run.Status, status); err != nil {
		t.mu.Unlock()
		return t.Snapshot(), err
	}
	update := t.counterUpdate()
	update.Status = status
	update.CompletedAt = &now
	next := t.run
	next.Status = status
	next.CompletedAt = &now
	if decorate != nil {
		decorate(&update, &next)
	}
	t.mu.Unlock()

	if err := t.store.UpdateRun(ctx, next.ID, update); err != nil {
		return next, fmt.Errorf("mark run %s: %w", status, err)
	}
	t.mu.Lock()
	t.run = next
	t.mu.Unlock()

	stage := progress.StageRunDone
	if status == crawler.RunStatusFailed {
		stage = progress.StageRunError
	}
	t.emit(stage, next.ErrorMessage)
	return next, nil
}

// counterUpdate must be called with mu held.
func (t *Tracker) counterUpdate() crawler.RunUpdate {
	processed, failed, skipped := t.run.ItemsProcessed, t.run.ItemsFailed, t.run.ItemsSkipped
	return crawler.RunUpdate{
		ItemsProcessed: &processed,
		ItemsFailed:    &failed,
		ItemsSkipped:   &skipped,
	}
}

func (t *Tracker) emit(stage progress.Stage, note string) {
	run := t.Snapshot()
	var dur time.Duration
	if stage == progress.StageRunDone || stage == progress.StageRunError {
		dur = run.Duration(t.clock.Now())
	}
	t.emitter.Emit(progress.Event{
		RunID:     run.ID,
		Platform:  run.IndexerID,
		TS:        t.clock.Now(),
		Stage:     stage,
		Processed: run.ItemsProcessed,
		Failed:    run.ItemsFailed,
		Skipped:   run.ItemsSkipped,
		Dur:       dur,
		Note:      note,
	})
}
