// Package sinks implements concrete progress consumers: structured logging,
// Prometheus counters, and a publisher that announces finished runs. Each sink
// satisfies the progress.Sink interface and is safe for repeated Consume/Close
// cycles.
package sinks
