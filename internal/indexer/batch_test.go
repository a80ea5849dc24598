package indexer

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/metaverse-indexer/internal/clock/fake"
)

func TestBatchCount(t *testing.T) {
	require.Equal(t, 0, BatchCount(0, 50))
	require.Equal(t, 1, BatchCount(50, 50))
	require.Equal(t, 2, BatchCount(51, 50))
	require.Equal(t, 0, BatchCount(10, 0))
}

func TestProcessBatchesSleepsBetweenBatchesOnly(t *testing.T) {
	sleeper := fake.NewSleeper(nil)
	var sizes []int
	handled := 0
	err := ProcessBatches(context.Background(), items(7),
		BatchOptions{BatchSize: 3, Delay: time.Second, RateLimited: true, Sleeper: sleeper},
		func(context.Context, int, RawItem) error { handled++; return nil },
		nil,
		func(_ context.Context, _ int, size int) { sizes = append(sizes, size) },
	)
	require.NoError(t, err)
	require.Equal(t, 7, handled)
	require.Equal(t, []int{3, 3, 1}, sizes)
	require.Equal(t, []time.Duration{time.Second, time.Second}, sleeper.Sleeps())
}

func TestProcessBatchesNoDelayWhenNotRateLimited(t *testing.T) {
	sleeper := fake.NewSleeper(nil)
	err := ProcessBatches(context.Background(), items(4),
		BatchOptions{BatchSize: 1, Delay: time.Second, Sleeper: sleeper},
		func(context.Context, int, RawItem) error { return nil }, nil, nil,
	)
	require.NoError(t, err)
	require.Empty(t, sleeper.Sleeps())
}

func TestProcessBatchesIsolatesErrorsAndPanics(t *testing.T) {
	var failed []int
	err := ProcessBatches(context.Background(), items(5),
		BatchOptions{BatchSize: 2},
		func(_ context.Context, i int, _ RawItem) error {
			switch i {
			case 1:
				return errors.New("bad item")
			case 3:
				panic("boom")
			}
			return nil
		},
		func(i int, _ RawItem, err error) {
			failed = append(failed, i)
			if i == 3 {
				require.ErrorContains(t, err, "item 3 panicked: boom")
			}
		},
		nil,
	)
	require.NoError(t, err)
	require.Equal(t, []int{1, 3}, failed)
}

func TestProcessBatchesTruncatesToMaxItems(t *testing.T) {
	handled := 0
	err := ProcessBatches(context.Background(), items(10),
		BatchOptions{MaxItems: 4},
		func(context.Context, int, RawItem) error { handled++; return nil }, nil, nil,
	)
	require.NoError(t, err)
	require.Equal(t, 4, handled)
}

func TestProcessBatchesStopsOnCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	handled := 0
	err := ProcessBatches(ctx, items(5), BatchOptions{BatchSize: 10},
		func(context.Context, int, RawItem) error {
			handled++
			if handled == 2 {
				cancel()
			}
			return nil
		}, nil, nil,
	)
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, 2, handled)
}
