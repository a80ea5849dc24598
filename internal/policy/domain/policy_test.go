package domain

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/metaverse-indexer/internal/cache/memory"
	"github.com/JakeFAU/metaverse-indexer/internal/clock/fake"
	"github.com/JakeFAU/metaverse-indexer/internal/crawler"
)

var epoch = time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)

func newPolicy(t *testing.T) (*Policy, *fake.Clock, *fake.Sleeper) {
	t.Helper()
	clock := fake.NewClock(epoch)
	sleeper := fake.NewSleeper(clock)
	return New(Config{}, memory.New(clock), clock, sleeper, zap.NewNop()), clock, sleeper
}

func TestRetryAfter(t *testing.T) {
	t.Parallel()

	httpDate := epoch.Add(90 * time.Second).Format(http.TimeFormat)
	tests := []struct {
		name   string
		status int
		header http.Header
		want   time.Duration
	}{
		{"seconds", 429, http.Header{"Retry-After": {"2"}}, 2 * time.Second},
		{"http date", 503, http.Header{"Retry-After": {httpDate}}, 90 * time.Second},
		{"reset timestamp", 429, http.Header{"X-Ratelimit-Reset": {strconv.FormatInt(epoch.Add(45*time.Second).Unix(), 10)}}, 45 * time.Second},
		{"reset relative", 429, http.Header{"X-Ratelimit-Reset": {"15"}}, 15 * time.Second},
		{"retry-after wins over reset", 429, http.Header{"Retry-After": {"3"}, "X-Ratelimit-Reset": {"15"}}, 3 * time.Second},
		{"zero retry-after means now", 429, http.Header{"Retry-After": {"0"}, "X-Ratelimit-Reset": {"7"}}, 0},
		{"negative retry-after falls through", 429, http.Header{"Retry-After": {"-1"}, "X-Ratelimit-Reset": {"7"}}, 7 * time.Second},
		{"past date falls through", 503, http.Header{"Retry-After": {epoch.Add(-time.Minute).Format(http.TimeFormat)}}, 30 * time.Second},
		{"garbage falls through", 429, http.Header{"Retry-After": {"soon"}}, 60 * time.Second},
		{"default 429", 429, nil, 60 * time.Second},
		{"default 503", 503, http.Header{}, 30 * time.Second},
		{"default other", 500, http.Header{}, 10 * time.Second},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, RetryAfter(tc.status, tc.header, epoch))
		})
	}
}

func TestObserveRateLimitThenBeforeWaits(t *testing.T) {
	t.Parallel()

	p, clock, sleeper := newPolicy(t)
	err := p.Observe("https://api.example.com/scenes", crawler.Response{
		StatusCode: http.StatusTooManyRequests,
		Header:     http.Header{"Retry-After": {"2"}},
	})
	var rle *crawler.RateLimitError
	require.ErrorAs(t, err, &rle)
	require.Equal(t, 2*time.Second, rle.RetryAfter)
	require.Equal(t, "api.example.com", rle.Domain)

	until, ok := p.RateLimitedUntil("api.example.com")
	require.True(t, ok)
	require.Equal(t, epoch.Add(2*time.Second), until)

	clock.Advance(500 * time.Millisecond)
	require.NoError(t, p.Before(context.Background(), "https://api.example.com/other"))
	require.Equal(t, []time.Duration{1500 * time.Millisecond}, sleeper.Sleeps())

	// horizon has passed; no further wait
	require.NoError(t, p.Before(context.Background(), "https://api.example.com/other"))
	require.Len(t, sleeper.Sleeps(), 1)
}

func TestObserveZeroRetryAfterDoesNotWait(t *testing.T) {
	t.Parallel()

	p, _, sleeper := newPolicy(t)
	err := p.Observe("https://api.example.com/scenes", crawler.Response{
		StatusCode: http.StatusTooManyRequests,
		Header:     http.Header{"Retry-After": {"0"}},
	})
	var rle *crawler.RateLimitError
	require.ErrorAs(t, err, &rle)
	require.Zero(t, rle.RetryAfter)

	require.NoError(t, p.Before(context.Background(), "https://api.example.com/scenes"))
	require.Empty(t, sleeper.Sleeps())
}

func TestObserve403BlocksForThirtyDays(t *testing.T) {
	t.Parallel()

	p, clock, sleeper := newPolicy(t)
	err := p.Observe("https://market.example.com/x", crawler.Response{StatusCode: http.StatusForbidden})
	var fae *crawler.ForbiddenAccessError
	require.ErrorAs(t, err, &fae)
	require.Equal(t, epoch.Add(30*24*time.Hour), fae.BlockedUntil)

	clock.Advance(29 * 24 * time.Hour)
	err = p.Before(context.Background(), "https://MARKET.example.com/y")
	require.ErrorAs(t, err, &fae)
	require.Empty(t, sleeper.Sleeps(), "a block must not wait")

	clock.Advance(24 * time.Hour)
	require.NoError(t, p.Before(context.Background(), "https://market.example.com/y"))
	_, ok := p.BlockedUntil("market.example.com")
	require.False(t, ok)
}

func TestObserveIgnoresOtherStatuses(t *testing.T) {
	t.Parallel()

	p, _, _ := newPolicy(t)
	for _, code := range []int{200, 404, 500} {
		require.NoError(t, p.Observe("https://ok.example.com", crawler.Response{StatusCode: code}))
	}
	_, ok := p.RateLimitedUntil("ok.example.com")
	require.False(t, ok)
}

func TestBlockIsPerDomain(t *testing.T) {
	t.Parallel()

	p, _, _ := newPolicy(t)
	p.Block("a.example.com")
	require.Error(t, p.Before(context.Background(), "https://a.example.com"))
	require.NoError(t, p.Before(context.Background(), "https://b.example.com"))
}

func TestBeforePropagatesCancellation(t *testing.T) {
	t.Parallel()

	p, _, _ := newPolicy(t)
	require.Error(t, p.Observe("https://slow.example.com", crawler.Response{StatusCode: 503}))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := p.Before(ctx, "https://slow.example.com")
	require.True(t, errors.Is(err, context.Canceled))
}

func TestHostRejectsRelative(t *testing.T) {
	t.Parallel()

	_, err := Host("/relative/path")
	require.Error(t, err)
	h, err := Host("https://Peer.Decentraland.org:443/content")
	require.NoError(t, err)
	require.Equal(t, "peer.decentraland.org", h)
}
