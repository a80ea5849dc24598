// Package retry wraps fallible operations with bounded retries. Explicit
// rate-limit signals are waited out for exactly the server-specified delay;
// other transient failures back off exponentially.
package retry

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/metaverse-indexer/internal/crawler"
	"github.com/JakeFAU/metaverse-indexer/internal/metrics"
)

// Defaults used when a Policy field is left zero.
const (
	DefaultMaxAttempts = 3
	DefaultBaseDelay   = time.Second
	// CeilingDelay bounds backoff when MaxDelay is zero.
	CeilingDelay = time.Hour
)

// Policy configures retries. MaxAttempts counts total invocations, so 3 means
// one call plus up to two retries.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	// MaxDelay caps exponential backoff; zero means CeilingDelay.
	MaxDelay time.Duration
	// Jitter spreads each backoff uniformly over [delay/2, delay).
	Jitter  bool
	Sleeper crawler.Sleeper
	Logger  *zap.Logger
}

// Do runs op until it succeeds, returns a non-retryable error, or exhausts
// MaxAttempts. The last error is returned unchanged.
func (p Policy) Do(ctx context.Context, op func(ctx context.Context) error) error {
	_, err := Value(ctx, p, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	return err
}

// Value is Do for operations that produce a result.
func Value[T any](ctx context.Context, p Policy, op func(ctx context.Context) (T, error)) (T, error) {
	maxAttempts := p.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	logger := p.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	var zero T
	for attempt := 1; ; attempt++ {
		result, err := op(ctx)
		if err == nil {
			return result, nil
		}
		if attempt >= maxAttempts || ctx.Err() != nil {
			if attempt > 1 {
				logger.Error("operation failed after retries",
					zap.Int("attempts", attempt),
					zap.Error(err),
				)
			}
			return zero, err
		}

		var delay time.Duration
		var reason string
		var rle *crawler.RateLimitError
		switch {
		case errors.As(err, &rle):
			delay, reason = rle.RetryAfter, "rate_limit"
		case Retryable(err):
			delay, reason = p.backoff(attempt), "transient"
		default:
			return zero, err
		}

		logger.Warn("retrying operation",
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", maxAttempts),
			zap.Duration("delay", delay),
			zap.String("reason", reason),
			zap.Error(err),
		)
		metrics.ObserveRetry(reason)
		metrics.ObserveWait("backoff", delay)
		if sleepErr := p.sleep(ctx, delay); sleepErr != nil {
			return zero, fmt.Errorf("retry wait interrupted: %w", errors.Join(err, sleepErr))
		}
	}
}

// backoff returns the delay before retry number attempt (1-based):
// BaseDelay * 2^(attempt-1), saturating at the cap, optionally jittered.
func (p Policy) backoff(attempt int) time.Duration {
	base := p.BaseDelay
	if base <= 0 {
		base = DefaultBaseDelay
	}
	ceiling := p.MaxDelay
	if ceiling <= 0 {
		ceiling = CeilingDelay
	}
	delay := ceiling
	if shift := attempt - 1; shift < 63 && base <= ceiling>>shift {
		delay = base << shift
	}
	if p.Jitter {
		delay = delay/2 + randomJitter(delay/2)
	}
	return delay
}

func (p Policy) sleep(ctx context.Context, d time.Duration) error {
	if p.Sleeper != nil {
		return p.Sleeper.Sleep(ctx, d)
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Retryable classifies generic failures: network timeouts and connection
// errors, and HTTP 5xx responses. Policy errors and 4xx are never retried.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	var (
		httpErr   *crawler.HTTPError
		robots    *crawler.RobotsDisallowedError
		forbidden *crawler.ForbiddenAccessError
		cf        *crawler.CloudflareBlockError
		bot       *crawler.BotProtectionError
		daily     *crawler.DailyLimitError
	)
	switch {
	case errors.As(err, &robots), errors.As(err, &forbidden), errors.As(err, &cf),
		errors.As(err, &bot), errors.As(err, &daily):
		return false
	case errors.As(err, &httpErr):
		return httpErr.StatusCode >= 500 && httpErr.StatusCode < 600
	case errors.Is(err, context.Canceled):
		return false
	case errors.Is(err, context.DeadlineExceeded):
		return true
	case errors.Is(err, syscall.ECONNREFUSED), errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.ECONNABORTED), errors.Is(err, io.ErrUnexpectedEOF):
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return !dnsErr.IsNotFound
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

func randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(limit)))
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}
