// Package pacing throttles the crawler's own request rate per platform and
// enforces an optional daily request budget.
package pacing

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/JakeFAU/metaverse-indexer/internal/crawler"
	"github.com/JakeFAU/metaverse-indexer/internal/metrics"
)

// Limiter spaces requests of one platform at least MinInterval apart and
// counts them against a per-UTC-day budget.
type Limiter struct {
	mu       sync.Mutex
	clock    crawler.Clock
	limiters map[string]*platformState
}

type platformState struct {
	interval time.Duration
	limiter  *rate.Limiter
	day      string
	used     int
}

// New creates a Limiter.
func New(clock crawler.Clock) *Limiter {
	return &Limiter{
		clock:    clock,
		limiters: make(map[string]*platformState),
	}
}

// Wait blocks until platform may issue another request. minInterval <= 0
// disables spacing; dailyLimit <= 0 disables the budget.
func (l *Limiter) Wait(ctx context.Context, platform string, minInterval time.Duration, dailyLimit int) error {
	state, err := l.reserveBudget(platform, minInterval, dailyLimit)
	if err != nil {
		return err
	}
	start := time.Now()
	if err := state.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("pacing wait: %w", err)
	}
	metrics.ObserveWait("pacing", time.Since(start))
	return nil
}

// Used returns how many requests platform has issued today.
func (l *Limiter) Used(platform string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	state, ok := l.limiters[platform]
	if !ok || state.day != l.today() {
		return 0
	}
	return state.used
}

func (l *Limiter) reserveBudget(platform string, minInterval time.Duration, dailyLimit int) (*platformState, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	state, ok := l.limiters[platform]
	if !ok || state.interval != minInterval {
		limit := rate.Inf
		if minInterval > 0 {
			limit = rate.Every(minInterval)
		}
		fresh := &platformState{interval: minInterval, limiter: rate.NewLimiter(limit, 1)}
		if ok {
			fresh.day, fresh.used = state.day, state.used
		}
		state = fresh
		l.limiters[platform] = state
	}
	today := l.today()
	if state.day != today {
		state.day, state.used = today, 0
	}
	if dailyLimit > 0 && state.used >= dailyLimit {
		return nil, &crawler.DailyLimitError{Platform: platform, Limit: dailyLimit}
	}
	state.used++
	return state, nil
}

func (l *Limiter) today() string {
	return l.clock.Now().UTC().Format(time.DateOnly)
}
