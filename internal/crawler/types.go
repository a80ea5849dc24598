// Package crawler defines the records, request/response shapes, and error
// taxonomy shared by the indexing engine and its collaborators.
package crawler

import (
	"fmt"
	"time"
)

// RunStatus represents the lifecycle state of an indexing run.
type RunStatus string

// Run status values persisted in the run store.
const (
	RunStatusPending   RunStatus = "pending"
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
)

// Terminal reports whether no further status transition is allowed.
func (s RunStatus) Terminal() bool {
	return s == RunStatusCompleted || s == RunStatusFailed
}

// CanTransition reports whether moving from s to next follows
// pending -> running -> {completed|failed}.
func (s RunStatus) CanTransition(next RunStatus) bool {
	switch s {
	case RunStatusPending:
		return next == RunStatusRunning
	case RunStatusRunning:
		return next == RunStatusCompleted || next == RunStatusFailed
	default:
		return false
	}
}

// ValidateTransition returns ErrInvalidTransition when the move is not allowed.
func ValidateTransition(from, to RunStatus) error {
	if !from.CanTransition(to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}

// IndexingRun is the record persisted for one invocation of an indexer.
type IndexingRun struct {
	ID             string         `json:"id"`
	IndexerID      string         `json:"indexer_id"`
	Status         RunStatus      `json:"status"`
	Configuration  map[string]any `json:"configuration"`
	StartedAt      time.Time      `json:"started_at"`
	CompletedAt    *time.Time     `json:"completed_at,omitempty"`
	HeartbeatAt    *time.Time     `json:"heartbeat_at,omitempty"`
	ItemsTotal     int            `json:"items_total"`
	ItemsProcessed int            `json:"items_processed"`
	ItemsFailed    int            `json:"items_failed"`
	ItemsSkipped   int            `json:"items_skipped"`
	ErrorMessage   string         `json:"error_message,omitempty"`
	ErrorDetails   map[string]any `json:"error_details,omitempty"`
}

// Duration is the wall time of the run, measured to now while it is still open.
func (r IndexingRun) Duration(now time.Time) time.Duration {
	if r.StartedAt.IsZero() {
		return 0
	}
	end := now
	if r.CompletedAt != nil {
		end = *r.CompletedAt
	}
	return end.Sub(r.StartedAt)
}

// SuccessRate returns processed/(processed+failed) as a percentage rounded to one decimal.
func (r IndexingRun) SuccessRate() float64 {
	total := r.ItemsProcessed + r.ItemsFailed
	if total == 0 {
		return 0
	}
	rate := float64(r.ItemsProcessed) / float64(total) * 100
	return float64(int(rate*10+0.5)) / 10
}

// RunUpdate carries a partial update for an IndexingRun. Nil fields are left untouched.
type RunUpdate struct {
	Status         RunStatus
	CompletedAt    *time.Time
	HeartbeatAt    *time.Time
	ItemsTotal     *int
	ItemsProcessed *int
	ItemsFailed    *int
	ItemsSkipped   *int
	ErrorMessage   *string
	ErrorDetails   map[string]any
}

// Forensic reports whether the update only touches fields that stay writable
// after a run reaches a terminal state.
func (u RunUpdate) Forensic() bool {
	return u.Status == "" &&
		u.CompletedAt == nil &&
		u.HeartbeatAt == nil &&
		u.ItemsTotal == nil &&
		u.ItemsProcessed == nil &&
		u.ItemsFailed == nil &&
		u.ItemsSkipped == nil
}

// Apply returns r with u applied. Status changes must follow the allowed
// transitions, and a terminal run only accepts forensic updates.
func (r IndexingRun) Apply(u RunUpdate) (IndexingRun, error) {
	if r.Status.Terminal() && !u.Forensic() {
		return r, fmt.Errorf("%w: run %s is %s", ErrInvalidTransition, r.ID, r.Status)
	}
	if u.Status != "" && u.Status != r.Status {
		if err := ValidateTransition(r.Status, u.Status); err != nil {
			return r, err
		}
		r.Status = u.Status
	}
	if u.CompletedAt != nil {
		t := *u.CompletedAt
		r.CompletedAt = &t
	}
	if u.HeartbeatAt != nil {
		t := *u.HeartbeatAt
		r.HeartbeatAt = &t
	}
	if u.ItemsTotal != nil {
		r.ItemsTotal = *u.ItemsTotal
	}
	if u.ItemsProcessed != nil {
		if *u.ItemsProcessed < r.ItemsProcessed {
			return r, fmt.Errorf("items_processed cannot decrease (%d -> %d)", r.ItemsProcessed, *u.ItemsProcessed)
		}
		r.ItemsProcessed = *u.ItemsProcessed
	}
	if u.ItemsFailed != nil {
		r.ItemsFailed = *u.ItemsFailed
	}
	if u.ItemsSkipped != nil {
		r.ItemsSkipped = *u.ItemsSkipped
	}
	if u.ErrorMessage != nil {
		r.ErrorMessage = *u.ErrorMessage
	}
	if u.ErrorDetails != nil {
		r.ErrorDetails = u.ErrorDetails
	}
	return r, nil
}

// RunFilter narrows ListRuns results.
type RunFilter struct {
	IndexerID string
	Status    RunStatus
	Limit     int
	Offset    int
}

// Coordinates is an optional spatial hint attached to indexed content.
type Coordinates struct {
	X        float64 `json:"x"`
	Y        float64 `json:"y"`
	Platform string  `json:"platform,omitempty"`
}

// IndexedContent is the normalized record for one piece of crawled content.
// (SourcePlatform, ExternalID) is the natural key.
type IndexedContent struct {
	ID             string         `json:"id"`
	SourcePlatform string         `json:"source_platform"`
	ExternalID     string         `json:"external_id"`
	ContentType    string         `json:"content_type"`
	Title          string         `json:"title"`
	Description    string         `json:"description,omitempty"`
	Author         string         `json:"author,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	Coordinates    *Coordinates   `json:"coordinates,omitempty"`
	LastIndexedAt  time.Time      `json:"last_indexed_at"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// NaturalKey returns the uniqueness key for the record.
func (c IndexedContent) NaturalKey() string {
	return c.SourcePlatform + "/" + c.ExternalID
}

// Invocation asks for one run of a platform, queued for a worker.
type Invocation struct {
	ID         string         `json:"id"`
	Platform   string         `json:"platform"`
	Options    map[string]any `json:"options,omitempty"`
	EnqueuedAt time.Time      `json:"enqueued_at"`
}
