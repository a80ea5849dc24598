package sinks

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/metaverse-indexer/internal/crawler"
	"github.com/JakeFAU/metaverse-indexer/internal/progress"
)

// RunNotification is the payload published when a run finishes.
type RunNotification struct {
	RunID     string    `json:"run_id"`
	Platform  string    `json:"platform"`
	Status    string    `json:"status"`
	Processed int       `json:"items_processed"`
	Failed    int       `json:"items_failed"`
	Skipped   int       `json:"items_skipped"`
	Duration  float64   `json:"duration_seconds"`
	Error     string    `json:"error,omitempty"`
	At        time.Time `json:"at"`
}

// PublisherSink announces RUN_DONE and RUN_ERROR events on a topic. Every
// other stage is ignored.
type PublisherSink struct {
	pub    crawler.Publisher
	topic  string
	logger *zap.Logger
}

// NewPublisherSink wires a Publisher to the sink interface.
func NewPublisherSink(pub crawler.Publisher, topic string, logger *zap.Logger) *PublisherSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PublisherSink{pub: pub, topic: topic, logger: logger}
}

// Consume publishes one notification per finished run in the batch. Failures
// are joined so one bad publish does not hide the rest.
func (s *PublisherSink) Consume(ctx context.Context, batch progress.Batch) error {
	if s.pub == nil || s.topic == "" {
		return nil
	}
	var errs []error
	for _, evt := range batch.Finished() {
		status := string(crawler.RunStatusCompleted)
		if evt.Stage == progress.StageRunError {
			status = string(crawler.RunStatusFailed)
		}
		msg := RunNotification{
			RunID:     evt.RunID,
			Platform:  evt.Platform,
			Status:    status,
			Processed: evt.Processed,
			Failed:    evt.Failed,
			Skipped:   evt.Skipped,
			Duration:  evt.Dur.Seconds(),
			Error:     evt.Note,
			At:        evt.TS,
		}
		id, err := s.pub.Publish(ctx, s.topic, msg)
		if err != nil {
			errs = append(errs, fmt.Errorf("publish run %s: %w", evt.RunID, err))
			continue
		}
		s.logger.Debug("run notification published",
			zap.String("run_id", evt.RunID),
			zap.String("message_id", id))
	}
	return errors.Join(errs...)
}

// Close implements the Sink interface; the publisher is owned by the caller.
func (s *PublisherSink) Close(context.Context) error {
	return nil
}
