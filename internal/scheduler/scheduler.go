// Package scheduler decides when a platform is due for another run and
// triggers scheduler passes on a cron expression.
package scheduler

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Due reports whether a platform whose last successful run completed at
// lastCompleted should run again at now. An empty spec or a platform that
// never completed is always due.
func Due(spec string, lastCompleted *time.Time, now time.Time) (bool, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" || lastCompleted == nil {
		return true, nil
	}
	sched, err := cron.ParseStandard(spec)
	if err != nil {
		return false, fmt.Errorf("parse schedule %q: %w", spec, err)
	}
	return !sched.Next(*lastCompleted).After(now), nil
}

// Scheduler runs a pass function on a cron expression.
type Scheduler struct {
	cron   *cron.Cron
	logger *zap.Logger

	mu      sync.Mutex
	running bool

	stopOnce sync.Once
	stopped  chan struct{}
	// watched is closed once the goroutine tying the loop to ctx returns.
	watched chan struct{}
}

// New builds a Scheduler. A nil logger is replaced with a no-op.
func New(logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		cron:    cron.New(),
		logger:  logger,
		stopped: make(chan struct{}),
		watched: make(chan struct{}),
	}
}

// Start registers pass under spec and starts the cron loop. Passes never
// overlap: a tick that fires while the previous pass is still running is
// skipped. The loop stops when ctx is done or Stop is called.
func (s *Scheduler) Start(ctx context.Context, spec string, pass func(context.Context) error) error {
	_, err := s.cron.AddFunc(spec, func() {
		if !s.acquire() {
			s.logger.Warn("previous scheduler pass still running, skipping tick")
			return
		}
		defer s.release()
		if err := pass(ctx); err != nil {
			s.logger.Error("scheduled pass failed", zap.Error(err))
		}
	})
	if err != nil {
		return fmt.Errorf("invalid cron expression: %w", err)
	}
	s.cron.Start()
	s.logger.Info("scheduler started", zap.String("cron", spec))
	go func() {
		defer close(s.watched)
		select {
		case <-ctx.Done():
			s.Stop()
		case <-s.stopped:
		}
	}()
	return nil
}

// Stop halts the cron loop and waits for a running pass to return. It is
// safe to call more than once.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopped)
		<-s.cron.Stop().Done()
		s.logger.Info("scheduler stopped")
	})
}

func (s *Scheduler) acquire() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return false
	}
	s.running = true
	return true
}

func (s *Scheduler) release() {
	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
}
