package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/metaverse-indexer/internal/progress"
)

// PrometheusSink exports run and item progress via Prometheus. It owns the
// collectors for runs started/completed/running and per-platform item outcomes.
type PrometheusSink struct {
	runsStarted   *prometheus.CounterVec
	runsCompleted *prometheus.CounterVec
	runsRunning   prometheus.Gauge
	runRuntime    *prometheus.HistogramVec
	heartbeats    *prometheus.CounterVec

	items *prometheus.CounterVec

	fetchRequests *prometheus.CounterVec
	fetchBytes    *prometheus.CounterVec

	dropped prometheus.Counter

	tracker *runTracker
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		runsStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "indexer_runs_started_total",
			Help: "Indexing runs started per platform.",
		}, []string{"platform"}),
		runsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "indexer_runs_completed_total",
			Help: "Indexing runs finished per platform and result.",
		}, []string{"platform", "result"}),
		runsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "indexer_runs_running",
			Help: "Current number of running indexing runs.",
		}),
		runRuntime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "indexer_run_runtime_seconds",
			Help:    "Wall time per finished run.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600},
		}, []string{"platform", "result"}),
		heartbeats: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "indexer_run_heartbeats_total",
			Help: "Heartbeats written by running runs.",
		}, []string{"platform"}),
		items: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "indexer_items_total",
			Help: "Items handled per platform and outcome.",
		}, []string{"platform", "outcome"}),
		fetchRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "indexer_progress_fetches_total",
			Help: "Fetch completions partitioned by site and status class.",
		}, []string{"site", "status_class"}),
		fetchBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "indexer_progress_fetch_bytes_total",
			Help: "Bytes downloaded per site.",
		}, []string{"site"}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "indexer_progress_events_dropped_total",
			Help: "Run events lost to progress queue backpressure.",
		}),
		tracker: newRunTracker(),
	}
	for _, collector := range []prometheus.Collector{
		s.runsStarted,
		s.runsCompleted,
		s.runsRunning,
		s.runRuntime,
		s.heartbeats,
		s.items,
		s.fetchRequests,
		s.fetchBytes,
		s.dropped,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the Prometheus collectors using the provided batch. It is
// safe for concurrent use by multiple goroutines.
func (s *PrometheusSink) Consume(_ context.Context, batch progress.Batch) error {
	if batch.Dropped > 0 {
		s.dropped.Add(float64(batch.Dropped))
	}
	for _, evt := range batch.Events {
		s.consumeEvent(evt)
	}
	return nil
}

func (s *PrometheusSink) consumeEvent(evt progress.Event) {
	platform := labelOr(evt.Platform, "unknown")
	switch evt.Stage {
	case progress.StageRunStart:
		s.runsStarted.WithLabelValues(platform).Inc()
		if s.tracker.start(evt.RunID) {
			s.runsRunning.Inc()
		}
	case progress.StageRunHB:
		s.heartbeats.WithLabelValues(platform).Inc()
	case progress.StageRunDone:
		s.finish(evt, platform, "success")
	case progress.StageRunError:
		s.finish(evt, platform, "error")
	case progress.StageItem:
		s.items.WithLabelValues(platform, string(evt.Outcome)).Inc()
	case progress.StageFetchDone:
		site := labelOr(evt.Site, "unknown")
		s.fetchRequests.WithLabelValues(site, labelOr(string(evt.StatusClass), string(progress.StatusOther))).Inc()
		if evt.Bytes > 0 {
			s.fetchBytes.WithLabelValues(site).Add(float64(evt.Bytes))
		}
	}
}

func (s *PrometheusSink) finish(evt progress.Event, platform, result string) {
	s.runsCompleted.WithLabelValues(platform, result).Inc()
	if evt.Dur > 0 {
		s.runRuntime.WithLabelValues(platform, result).Observe(evt.Dur.Seconds())
	}
	if s.tracker.complete(evt.RunID) {
		s.runsRunning.Dec()
	}
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

func labelOr(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}

type runTracker struct {
	mu      sync.Mutex
	running map[string]struct{}
}

func newRunTracker() *runTracker {
	return &runTracker{running: make(map[string]struct{})}
}

func (t *runTracker) start(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; ok {
		return false
	}
	t.running[id] = struct{}{}
	return true
}

func (t *runTracker) complete(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; !ok {
		return false
	}
	delete(t.running, id)
	return true
}
