package crawler

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRunStatusTransitions(t *testing.T) {
	cases := []struct {
		from, to RunStatus
		ok       bool
	}{
		{RunStatusPending, RunStatusRunning, true},
		{RunStatusPending, RunStatusCompleted, false},
		{RunStatusRunning, RunStatusCompleted, true},
		{RunStatusRunning, RunStatusFailed, true},
		{RunStatusRunning, RunStatusPending, false},
		{RunStatusCompleted, RunStatusFailed, false},
		{RunStatusFailed, RunStatusRunning, false},
	}
	for _, tc := range cases {
		t.Run(fmt.Sprintf("%s->%s", tc.from, tc.to), func(t *testing.T) {
			err := ValidateTransition(tc.from, tc.to)
			if tc.ok {
				require.NoError(t, err)
				return
			}
			require.ErrorIs(t, err, ErrInvalidTransition)
		})
	}
}

func TestApplyGuardsTerminalRuns(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	run := IndexingRun{ID: "r", Status: RunStatusRunning, StartedAt: now}
	processed := 3
	run, err := run.Apply(RunUpdate{ItemsProcessed: &processed, HeartbeatAt: &now})
	require.NoError(t, err)
	require.Equal(t, 3, run.ItemsProcessed)

	fewer := 2
	_, err = run.Apply(RunUpdate{ItemsProcessed: &fewer})
	require.Error(t, err)

	run, err = run.Apply(RunUpdate{Status: RunStatusCompleted, CompletedAt: &now})
	require.NoError(t, err)
	require.True(t, run.Status.Terminal())

	_, err = run.Apply(RunUpdate{HeartbeatAt: &now})
	require.ErrorIs(t, err, ErrInvalidTransition)

	msg := "annotated"
	run, err = run.Apply(RunUpdate{ErrorMessage: &msg, ErrorDetails: map[string]any{"note": "x"}})
	require.NoError(t, err)
	require.Equal(t, "annotated", run.ErrorMessage)
}

func TestSuccessRateAndDuration(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	end := start.Add(90 * time.Second)
	run := IndexingRun{StartedAt: start, CompletedAt: &end, ItemsProcessed: 2, ItemsFailed: 1}
	require.Equal(t, 66.7, run.SuccessRate())
	require.Equal(t, 90*time.Second, run.Duration(start.Add(time.Hour)))
	require.Equal(t, 0.0, IndexingRun{}.SuccessRate())

	open := IndexingRun{StartedAt: start}
	require.Equal(t, time.Minute, open.Duration(start.Add(time.Minute)))
}

func TestErrorClassNamesTypedErrors(t *testing.T) {
	cases := map[string]error{
		"RobotsDisallowedError": &RobotsDisallowedError{URL: "https://x"},
		"RateLimitError":        fmt.Errorf("wrapped: %w", &RateLimitError{Domain: "x", StatusCode: 429}),
		"ForbiddenAccessError":  &ForbiddenAccessError{Domain: "x"},
		"CloudflareBlockError":  &CloudflareBlockError{URL: "https://x"},
		"BotProtectionError":    &BotProtectionError{URL: "https://x"},
		"DailyLimitError":       &DailyLimitError{Platform: "neos", Limit: 1},
		"HTTPError":             &HTTPError{URL: "https://x", StatusCode: 500},
		"*errors.errorString":   fmt.Errorf("outer: %w", errors.New("inner")),
	}
	for want, err := range cases {
		require.Equal(t, want, ErrorClass(err))
	}
	require.Equal(t, "", ErrorClass(nil))
}

func TestRequestModeAndResponseDecoding(t *testing.T) {
	req := Request{Header: http.Header{"Accept": {"text/html,application/xhtml+xml"}}}
	require.True(t, req.WantsRendered())
	require.False(t, Request{}.WantsRendered())

	resp := Response{URL: "https://api.example", StatusCode: 200, Body: []byte(`{"items":[1,2]}`)}
	require.True(t, resp.Success())
	var out struct {
		Items []int `json:"items"`
	}
	require.NoError(t, resp.DecodeJSON(&out))
	require.Equal(t, []int{1, 2}, out.Items)
	require.Equal(t, "plain", Response{Body: []byte("plain")}.ParsedBody())
}
