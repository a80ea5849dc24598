package retry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/metaverse-indexer/internal/clock/fake"
	"github.com/JakeFAU/metaverse-indexer/internal/crawler"
)

func newPolicy(maxAttempts int, base time.Duration) (Policy, *fake.Sleeper) {
	sleeper := fake.NewSleeper(nil)
	return Policy{
		MaxAttempts: maxAttempts,
		BaseDelay:   base,
		Sleeper:     sleeper,
		Logger:      zap.NewNop(),
	}, sleeper
}

func TestDoBacksOffExponentiallyOn5xx(t *testing.T) {
	t.Parallel()

	p, sleeper := newPolicy(3, time.Second)
	calls := 0
	err := p.Do(context.Background(), func(context.Context) error {
		calls++
		return &crawler.HTTPError{URL: "https://api.example.com", StatusCode: 500}
	})

	var httpErr *crawler.HTTPError
	require.ErrorAs(t, err, &httpErr)
	require.Equal(t, 3, calls)
	require.Equal(t, []time.Duration{time.Second, 2 * time.Second}, sleeper.Sleeps())
}

func TestDoGrowingDelays(t *testing.T) {
	t.Parallel()

	p, sleeper := newPolicy(4, 100*time.Millisecond)
	_ = p.Do(context.Background(), func(context.Context) error {
		return &crawler.HTTPError{StatusCode: 502}
	})
	sleeps := sleeper.Sleeps()
	require.Len(t, sleeps, 3)
	require.Less(t, sleeps[0], sleeps[1])
	require.Less(t, sleeps[1], sleeps[2])
	require.Equal(t, 2*sleeps[0], sleeps[1])
}

func TestDoNeverRetries4xx(t *testing.T) {
	t.Parallel()

	p, sleeper := newPolicy(5, time.Second)
	calls := 0
	err := p.Do(context.Background(), func(context.Context) error {
		calls++
		return &crawler.HTTPError{StatusCode: 404}
	})
	require.Error(t, err)
	require.Equal(t, 1, calls)
	require.Empty(t, sleeper.Sleeps())
}

func TestDoWaitsRateLimitRetryAfter(t *testing.T) {
	t.Parallel()

	p, sleeper := newPolicy(3, time.Second)
	calls := 0
	got, err := Value(context.Background(), p, func(context.Context) ([]string, error) {
		calls++
		if calls == 1 {
			return nil, &crawler.RateLimitError{Domain: "api.example.com", StatusCode: 429, RetryAfter: 2 * time.Second}
		}
		return []string{"a", "b"}, nil
	})
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b"}, got)
	require.Equal(t, []time.Duration{2 * time.Second}, sleeper.Sleeps())
}

func TestDoRateLimitExhaustionPropagates(t *testing.T) {
	t.Parallel()

	p, sleeper := newPolicy(2, time.Second)
	err := p.Do(context.Background(), func(context.Context) error {
		return fmt.Errorf("fetch: %w", &crawler.RateLimitError{RetryAfter: 5 * time.Second})
	})
	var rle *crawler.RateLimitError
	require.ErrorAs(t, err, &rle)
	require.Equal(t, []time.Duration{5 * time.Second}, sleeper.Sleeps())
}

func TestDoStopsOnCanceledContext(t *testing.T) {
	t.Parallel()

	p, _ := newPolicy(5, time.Second)
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := p.Do(ctx, func(context.Context) error {
		calls++
		cancel()
		return &crawler.HTTPError{StatusCode: 503}
	})
	require.Error(t, err)
	require.Equal(t, 1, calls)
}

func TestDoSucceedsAfterTransientFailures(t *testing.T) {
	t.Parallel()

	p, sleeper := newPolicy(3, 10*time.Millisecond)
	calls := 0
	err := p.Do(context.Background(), func(context.Context) error {
		calls++
		if calls < 3 {
			return &net.OpError{Op: "dial", Err: syscall.ECONNREFUSED}
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 3, calls)
	require.Len(t, sleeper.Sleeps(), 2)
}

func TestJitterStaysWithinBounds(t *testing.T) {
	t.Parallel()

	p := Policy{BaseDelay: time.Second, Jitter: true}
	for attempt := 1; attempt <= 4; attempt++ {
		full := time.Second << (attempt - 1)
		for i := 0; i < 20; i++ {
			d := p.backoff(attempt)
			require.GreaterOrEqual(t, d, full/2)
			require.Less(t, d, full)
		}
	}
}

func TestMaxDelayCaps(t *testing.T) {
	t.Parallel()

	p := Policy{BaseDelay: time.Second, MaxDelay: 3 * time.Second}
	require.Equal(t, 3*time.Second, p.backoff(5))
}

func TestBackoffSaturatesOnOverflow(t *testing.T) {
	t.Parallel()

	p := Policy{BaseDelay: time.Second}
	require.Equal(t, 2048*time.Second, p.backoff(12))
	for _, attempt := range []int{13, 40, 64, 100, 1000} {
		require.Equal(t, CeilingDelay, p.backoff(attempt), "attempt %d", attempt)
	}

	capped := Policy{BaseDelay: 3 * time.Second, MaxDelay: 10 * time.Minute}
	require.Equal(t, 10*time.Minute, capped.backoff(70))

	jittered := Policy{BaseDelay: time.Second, Jitter: true}
	d := jittered.backoff(200)
	require.GreaterOrEqual(t, d, CeilingDelay/2)
	require.Less(t, d, CeilingDelay)
}

func TestRetryable(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"500", &crawler.HTTPError{StatusCode: 500}, true},
		{"599", &crawler.HTTPError{StatusCode: 599}, true},
		{"400", &crawler.HTTPError{StatusCode: 400}, false},
		{"wrapped 503", fmt.Errorf("get: %w", &crawler.HTTPError{StatusCode: 503}), true},
		{"timeout", context.DeadlineExceeded, true},
		{"canceled", context.Canceled, false},
		{"conn refused", &net.OpError{Op: "dial", Err: syscall.ECONNREFUSED}, true},
		{"dns not found", &net.DNSError{Err: "no such host", IsNotFound: true}, false},
		{"robots", &crawler.RobotsDisallowedError{URL: "x"}, false},
		{"forbidden", &crawler.ForbiddenAccessError{Domain: "x"}, false},
		{"cloudflare", &crawler.CloudflareBlockError{URL: "x"}, false},
		{"bot", &crawler.BotProtectionError{URL: "x"}, false},
		{"daily", &crawler.DailyLimitError{Platform: "x"}, false},
		{"programming", errors.New("nil map"), false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, Retryable(tc.err))
		})
	}
}
