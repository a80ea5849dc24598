package progress

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/JakeFAU/metaverse-indexer/internal/clock/system"
	"github.com/JakeFAU/metaverse-indexer/internal/crawler"
)

// Config sizes a Hub. Zero fields take the defaults below.
type Config struct {
	// QueueSize bounds events waiting for the next batch; Emit drops beyond it.
	QueueSize int
	// BatchSize flushes a batch as soon as it holds this many events.
	BatchSize int
	// FlushEvery flushes a partial batch at this interval.
	FlushEvery time.Duration
	// SinkTimeout bounds each sink's Consume call.
	SinkTimeout time.Duration
	// Clock stamps events emitted without a timestamp.
	Clock  crawler.Clock
	Logger *zap.Logger
}

const (
	defaultQueueSize   = 4096
	defaultBatchSize   = 1000
	defaultFlushEvery  = 500 * time.Millisecond
	defaultSinkTimeout = 10 * time.Second
	dropWarnInterval   = 5 * time.Second
)

func (c Config) withDefaults() Config {
	if c.QueueSize <= 0 {
		c.QueueSize = defaultQueueSize
	}
	if c.BatchSize <= 0 {
		c.BatchSize = defaultBatchSize
	}
	if c.FlushEvery <= 0 {
		c.FlushEvery = defaultFlushEvery
	}
	if c.SinkTimeout <= 0 {
		c.SinkTimeout = defaultSinkTimeout
	}
	if c.Clock == nil {
		c.Clock = system.New()
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	return c
}

// Hub collects run events from the engine and fetch layer and hands them to
// sinks in sequenced batches on one goroutine. Emit never blocks an indexing
// run; a full queue drops events and the next batch reports the loss.
type Hub struct {
	cfg   Config
	sinks []Sink
	queue chan Event
	quit  chan struct{}
	done  chan struct{}

	seq        uint64
	sinceFlush atomic.Int64
	dropTotal  atomic.Int64
	dropWarn   rate.Sometimes
	closed     atomic.Bool

	closeOnce sync.Once
	closeCtx  context.Context
}

// NewHub starts a Hub delivering to sinks.
func NewHub(cfg Config, sinks ...Sink) *Hub {
	cfg = cfg.withDefaults()
	h := &Hub{
		cfg:      cfg,
		sinks:    append([]Sink(nil), sinks...),
		queue:    make(chan Event, cfg.QueueSize),
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
		dropWarn: rate.Sometimes{Interval: dropWarnInterval},
	}
	go h.loop()
	return h
}

// Emit queues evt for the next batch. Events without a timestamp are stamped
// from the hub clock; invalid events are discarded.
func (h *Hub) Emit(evt Event) {
	if h == nil || h.closed.Load() {
		return
	}
	if evt.TS.IsZero() {
		evt.TS = h.cfg.Clock.Now().UTC()
	}
	if err := evt.Validate(); err != nil {
		h.cfg.Logger.Debug("discarding invalid run event",
			zap.String("run_id", evt.RunID),
			zap.String("stage", string(evt.Stage)),
			zap.Error(err))
		return
	}
	select {
	case h.queue <- evt:
	default:
		h.sinceFlush.Add(1)
		total := h.dropTotal.Add(1)
		h.dropWarn.Do(func() {
			h.cfg.Logger.Warn("run events dropped, progress queue full",
				zap.String("run_id", evt.RunID),
				zap.Int64("dropped_total", total))
		})
	}
}

// Dropped reports how many events were lost to backpressure since start.
func (h *Hub) Dropped() int64 {
	if h == nil {
		return 0
	}
	return h.dropTotal.Load()
}

// Close stops intake, delivers what is queued, closes the sinks and waits
// for the delivery goroutine until ctx ends. Repeat calls only wait.
func (h *Hub) Close(ctx context.Context) error {
	if h == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	h.closeOnce.Do(func() {
		h.closed.Store(true)
		h.closeCtx = ctx
		close(h.quit)
	})
	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("progress hub close wait: %w", ctx.Err())
	}
}

func (h *Hub) loop() {
	defer close(h.done)
	ticker := time.NewTicker(h.cfg.FlushEvery)
	defer ticker.Stop()

	pending := make([]Event, 0, h.cfg.BatchSize)
	for {
		select {
		case evt := <-h.queue:
			pending = h.add(pending, evt)
		case <-ticker.C:
			pending = h.deliver(pending)
		case <-h.quit:
			h.deliver(h.drain(pending))
			h.closeSinks()
			return
		}
	}
}

func (h *Hub) drain(pending []Event) []Event {
	for {
		select {
		case evt := <-h.queue:
			pending = h.add(pending, evt)
		default:
			return pending
		}
	}
}

func (h *Hub) add(pending []Event, evt Event) []Event {
	pending = append(pending, evt)
	if len(pending) >= h.cfg.BatchSize {
		return h.deliver(pending)
	}
	return pending
}

// deliver hands pending to every sink as the next batch and returns the
// emptied slice for reuse.
func (h *Hub) deliver(pending []Event) []Event {
	if len(pending) == 0 {
		return pending
	}
	h.seq++
	batch := Batch{
		Seq:     h.seq,
		Events:  append([]Event(nil), pending...),
		Dropped: h.sinceFlush.Swap(0),
	}
	for _, sink := range h.sinks {
		if sink == nil {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), h.cfg.SinkTimeout)
		if err := sink.Consume(ctx, batch); err != nil {
			h.cfg.Logger.Warn("progress sink failed",
				zap.Uint64("batch_seq", batch.Seq),
				zap.Strings("run_ids", batch.Runs()),
				zap.Error(err))
		}
		cancel()
	}
	return pending[:0]
}

func (h *Hub) closeSinks() {
	ctx := h.closeCtx
	if ctx == nil {
		ctx = context.Background()
	}
	for _, sink := range h.sinks {
		if sink == nil {
			continue
		}
		if err := sink.Close(ctx); err != nil {
			h.cfg.Logger.Warn("progress sink close failed", zap.Error(err))
		}
	}
}
