package pacing

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/metaverse-indexer/internal/clock/fake"
	"github.com/JakeFAU/metaverse-indexer/internal/crawler"
)

func TestLimiterSpacesRequests(t *testing.T) {
	l := New(fake.NewClock(time.Now()))
	ctx := context.Background()

	// First call consumes the initial token.
	require.NoError(t, l.Wait(ctx, "decentraland", 100*time.Millisecond, 0))

	start := time.Now()
	require.NoError(t, l.Wait(ctx, "decentraland", 100*time.Millisecond, 0))
	if dur := time.Since(start); dur < 80*time.Millisecond {
		t.Errorf("expected wait ~100ms, got %v", dur)
	}
}

func TestLimiterPlatformsAreIndependent(t *testing.T) {
	l := New(fake.NewClock(time.Now()))
	ctx := context.Background()

	require.NoError(t, l.Wait(ctx, "neos", time.Second, 0))

	start := time.Now()
	require.NoError(t, l.Wait(ctx, "sandbox", time.Second, 0))
	if time.Since(start) > 50*time.Millisecond {
		t.Errorf("platform sandbox blocked unexpectedly")
	}
}

func TestLimiterZeroIntervalDoesNotWait(t *testing.T) {
	l := New(fake.NewClock(time.Now()))
	start := time.Now()
	for i := 0; i < 20; i++ {
		require.NoError(t, l.Wait(context.Background(), "neos", 0, 0))
	}
	require.Less(t, time.Since(start), 100*time.Millisecond)
	require.Equal(t, 20, l.Used("neos"))
}

func TestLimiterDailyBudget(t *testing.T) {
	clock := fake.NewClock(time.Date(2024, 6, 1, 23, 0, 0, 0, time.UTC))
	l := New(clock)
	ctx := context.Background()

	require.NoError(t, l.Wait(ctx, "sandbox", 0, 2))
	require.NoError(t, l.Wait(ctx, "sandbox", 0, 2))

	err := l.Wait(ctx, "sandbox", 0, 2)
	var dle *crawler.DailyLimitError
	require.ErrorAs(t, err, &dle)
	require.Equal(t, 2, dle.Limit)
	require.Equal(t, 2, l.Used("sandbox"))

	clock.Advance(2 * time.Hour)
	require.Equal(t, 0, l.Used("sandbox"))
	require.NoError(t, l.Wait(ctx, "sandbox", 0, 2))
}

func TestLimiterHonoursContext(t *testing.T) {
	l := New(fake.NewClock(time.Now()))
	require.NoError(t, l.Wait(context.Background(), "spatial", time.Hour, 0))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	require.Error(t, l.Wait(ctx, "spatial", time.Hour, 0))
}
