// Package progress carries run events (lifecycle, fetch and per-item
// outcomes) from indexing runs to sinks. A Hub batches events off the run's
// goroutine and hands each sequenced Batch to sinks that log it, export it to
// Prometheus or announce finished runs on a topic.
package progress
