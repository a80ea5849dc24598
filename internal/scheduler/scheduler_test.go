package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDue(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 30, 0, 0, time.UTC)
	at := func(h, m int) *time.Time {
		ts := time.Date(2026, 3, 1, h, m, 0, 0, time.UTC)
		return &ts
	}

	cases := []struct {
		name string
		spec string
		last *time.Time
		want bool
	}{
		{"no schedule", "", at(12, 29), true},
		{"never completed", "0 */6 * * *", nil, true},
		{"within interval", "0 */6 * * *", at(7, 0), false},
		{"interval elapsed", "0 */6 * * *", at(5, 59), true},
		{"boundary is due", "30 12 * * *", at(12, 0), true},
		{"hourly just ran", "@hourly", at(12, 5), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Due(tc.spec, tc.last, now)
			require.NoError(t, err)
			require.Equal(t, tc.want, got)
		})
	}
}

func TestDueRejectsBadSpec(t *testing.T) {
	last := time.Now()
	_, err := Due("every tuesday", &last, time.Now())
	require.ErrorContains(t, err, "parse schedule")
}

func TestStartRejectsBadSpec(t *testing.T) {
	s := New(nil)
	err := s.Start(context.Background(), "not a cron", func(context.Context) error { return nil })
	require.ErrorContains(t, err, "invalid cron expression")
}

func TestPassesDoNotOverlap(t *testing.T) {
	s := New(nil)
	require.True(t, s.acquire())
	require.False(t, s.acquire())
	s.release()
	require.True(t, s.acquire())
}

func TestStopReleasesBackgroundContext(t *testing.T) {
	s := New(nil)
	require.NoError(t, s.Start(context.Background(), "@hourly", func(context.Context) error { return nil }))

	s.Stop()
	select {
	case <-s.watched:
	case <-time.After(time.Second):
		t.Fatal("context watcher still running after Stop")
	}
	s.Stop()
}

func TestCancelStopsScheduler(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	s := New(nil)
	require.NoError(t, s.Start(ctx, "@hourly", func(context.Context) error { return nil }))

	cancel()
	select {
	case <-s.watched:
	case <-time.After(time.Second):
		t.Fatal("context watcher did not return after cancel")
	}
	select {
	case <-s.stopped:
	default:
		t.Fatal("cancel did not stop the scheduler")
	}
}
