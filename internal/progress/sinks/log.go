package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/metaverse-indexer/internal/progress"
)

// LogSink emits structured logs for progress streams. Item and fetch events
// log at debug level; run lifecycle events log at info (errors at warn).
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a Zap logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Consume logs each event in the batch using structured fields, and warns
// when events were dropped ahead of it.
func (s *LogSink) Consume(_ context.Context, batch progress.Batch) error {
	if batch.Dropped > 0 {
		s.logger.Warn("run events dropped before batch",
			zap.Uint64("batch_seq", batch.Seq),
			zap.Int64("dropped", batch.Dropped))
	}
	for _, evt := range batch.Events {
		fields := []zap.Field{
			zap.String("run_id", evt.RunID),
			zap.String("platform", evt.Platform),
			zap.String("stage", string(evt.Stage)),
		}
		switch evt.Stage {
		case progress.StageFetchDone:
			fields = append(fields,
				zap.String("site", evt.Site),
				zap.String("url", evt.URL),
				zap.Int64("bytes", evt.Bytes),
				zap.String("status_class", string(evt.StatusClass)),
				zap.Duration("dur", evt.Dur),
			)
			s.logger.Debug("fetch completed", fields...)
		case progress.StageItem:
			fields = append(fields,
				zap.String("external_id", evt.ExternalID),
				zap.String("outcome", string(evt.Outcome)),
			)
			if evt.Note != "" {
				fields = append(fields, zap.String("note", evt.Note))
			}
			s.logger.Debug("item indexed", fields...)
		default:
			fields = append(fields,
				zap.Int("processed", evt.Processed),
				zap.Int("failed", evt.Failed),
				zap.Int("skipped", evt.Skipped),
				zap.Duration("dur", evt.Dur),
			)
			if evt.Note != "" {
				fields = append(fields, zap.String("note", evt.Note))
			}
			if evt.Stage == progress.StageRunError {
				s.logger.Warn("run event", fields...)
				continue
			}
			s.logger.Info("run event", fields...)
		}
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}
