package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/JakeFAU/metaverse-indexer/internal/crawler"
)

// RunStore provides an in-memory crawler.RunStore for development/testing.
type RunStore struct {
	mu   sync.RWMutex
	runs map[string]crawler.IndexingRun
}

// NewRunStore constructs a RunStore.
func NewRunStore() *RunStore {
	return &RunStore{runs: make(map[string]crawler.IndexingRun)}
}

// CreateRun stores a new run.
func (s *RunStore) CreateRun(_ context.Context, run crawler.IndexingRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.runs[run.ID]; exists {
		return fmt.Errorf("run %s already exists", run.ID)
	}
	s.runs[run.ID] = run
	return nil
}

// UpdateRun applies update, enforcing status transitions.
func (s *RunStore) UpdateRun(_ context.Context, runID string, update crawler.RunUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[runID]
	if !ok {
		return fmt.Errorf("run %s: %w", runID, crawler.ErrNotFound)
	}
	next, err := run.Apply(update)
	if err != nil {
		return err
	}
	s.runs[runID] = next
	return nil
}

// GetRun fetches a run by ID.
func (s *RunStore) GetRun(_ context.Context, runID string) (crawler.IndexingRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[runID]
	if !ok {
		return crawler.IndexingRun{}, fmt.Errorf("run %s: %w", runID, crawler.ErrNotFound)
	}
	return run, nil
}

// ListRuns returns runs matching filter, newest first.
func (s *RunStore) ListRuns(_ context.Context, filter crawler.RunFilter) ([]crawler.IndexingRun, error) {
	s.mu.RLock()
	out := make([]crawler.IndexingRun, 0, len(s.runs))
	for _, run := range s.runs {
		if filter.IndexerID != "" && run.IndexerID != filter.IndexerID {
			continue
		}
		if filter.Status != "" && run.Status != filter.Status {
			continue
		}
		out = append(out, run)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].StartedAt.After(out[j].StartedAt)
	})
	if filter.Offset > 0 {
		if filter.Offset >= len(out) {
			return []crawler.IndexingRun{}, nil
		}
		out = out[filter.Offset:]
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}
