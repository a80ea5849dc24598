package cmd

import (
	"bytes"
	"context"
	"errors"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/metaverse-indexer/internal/clock/fake"
	"github.com/JakeFAU/metaverse-indexer/internal/config"
	"github.com/JakeFAU/metaverse-indexer/internal/crawler"
	"github.com/JakeFAU/metaverse-indexer/internal/dispatcher"
	"github.com/JakeFAU/metaverse-indexer/internal/indexer"
	queueMemory "github.com/JakeFAU/metaverse-indexer/internal/queue/memory"
	"github.com/JakeFAU/metaverse-indexer/internal/registry"
	"github.com/JakeFAU/metaverse-indexer/internal/storage/memory"
)

// MockServices mocks the Services interface for command tests.
type MockServices struct {
	mock.Mock
	registry *registry.Registry
	queue    *queueMemory.Queue
}

func (m *MockServices) Config() config.Config { return config.Config{} }
func (m *MockServices) Logger() *zap.Logger { return zap.NewNop() }
func (m *MockServices) Clock() crawler.Clock { return fake.NewClock(time.Time{}) }
func (m *MockServices) Runs() crawler.RunStore { return memory.NewRunStore() }
func (m *MockServices) Content() crawler.ContentStore { return memory.NewContentStore(fake.NewClock(time.Time{})) }
func (m *MockServices) Registry() *registry.Registry { return m.registry }

func (m *MockServices) Invoke(ctx context.Context, platform string, options map[string]any) (crawler.IndexingRun, error) {
	args := m.Called(ctx, platform, options)
	return args.Get(0).(crawler.IndexingRun), args.Error(1)
}

func (m *MockServices) DuePlatforms(ctx context.Context, force bool) ([]string, error) {
	args := m.Called(ctx, force)
	due, _ := args.Get(0).([]string)
	return due, args.Error(1)
}

func (m *MockServices) RunDue(ctx context.Context, force bool) ([]crawler.IndexingRun, error) {
	args := m.Called(ctx, force)
	runs, _ := args.Get(0).([]crawler.IndexingRun)
	return runs, args.Error(1)
}

func (m *MockServices) Reclaim(ctx context.Context, maxAge time.Duration) (int, error) {
	args := m.Called(ctx, maxAge)
	return args.Int(0), args.Error(1)
}

func (m *MockServices) InvalidateCache(platform string) (int, error) {
	args := m.Called(platform)
	return args.Int(0), args.Error(1)
}

func (m *MockServices) NewDispatcher() *dispatcher.Dispatcher {
	clock := fake.NewClock(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))
	return dispatcher.New(m.queue, nil, &seqIDs{}, clock)
}

func (m *MockServices) Close(context.Context) error {
	return m.Called().Error(0)
}

type seqIDs struct{ n int }

func (s *seqIDs) NewID() (string, error) {
	s.n++
	return "inv-" + strconv.Itoa(s.n), nil
}

func newMockServices(t *testing.T) *MockServices {
	t.Helper()
	doc := config.IndexerDocument{Base: map[string]map[string]any{
		"decentraland": {"enabled": true},
	}}
	reg, err := registry.New(doc, []registry.Descriptor{
		{Platform: "decentraland", Description: "Decentraland scenes", New: func() indexer.Indexer { return nil }},
		{Platform: "neos", Description: "NeosVR sessions", New: func() indexer.Indexer { return nil }},
	})
	require.NoError(t, err)
	m := &MockServices{registry: reg, queue: queueMemory.NewQueue(8)}
	m.On("Close").Return(nil)
	return m
}

// runCLI swaps the application factory for m and executes args.
func runCLI(t *testing.T, m *MockServices, args ...string) (string, error) {
	t.Helper()
	t.Setenv("INDEXER_LOGGING_DEVELOPMENT", "false")
	t.Setenv("INDEXER_LOGGING_LEVEL", "error")
	orig := newApp
	newApp = func(context.Context, config.Config, *zap.Logger) (Services, error) { return m, nil }
	t.Cleanup(func() { newApp = orig })

	var out bytes.Buffer
	err := execute(context.Background(), append(args, "--env-file", t.TempDir()+"/missing.env"), &out)
	return out.String(), err
}

func TestListCommand(t *testing.T) {
	m := newMockServices(t)
	out, err := runCLI(t, m, "list")
	require.NoError(t, err)
	assert.Contains(t, out, "PLATFORM")
	assert.Regexp(t, `decentraland\s+true\s+Decentraland scenes`, out)
	assert.Regexp(t, `neos\s+false\s+NeosVR sessions`, out)
	m.AssertCalled(t, "Close")
}

func TestRunCommandPassesOverrides(t *testing.T) {
	m := newMockServices(t)
	want := map[string]any{"batch_size": 10, "rate_limited": false, "user_agent": "custom/1.0", "max_items": 5}
	m.On("Invoke", mock.Anything, "neos", want).Return(crawler.IndexingRun{
		ID:             "run-1",
		IndexerID:      "neos",
		Status:         crawler.RunStatusCompleted,
		ItemsTotal:     5,
		ItemsProcessed: 5,
	}, nil).Once()

	out, err := runCLI(t, m, "run", "neos",
		"--set", "batch_size=10",
		"--set", "rate_limited=false",
		"--set", "user_agent=custom/1.0",
		"--max-items", "5",
	)
	require.NoError(t, err)
	assert.Contains(t, out, "run run-1 (neos): completed")
	assert.Contains(t, out, "processed=5")
	m.AssertExpectations(t)
}

func TestRunCommandFailureStillPrintsRun(t *testing.T) {
	m := newMockServices(t)
	m.On("Invoke", mock.Anything, "sandbox", map[string]any{}).Return(crawler.IndexingRun{
		ID:           "run-2",
		IndexerID:    "sandbox",
		Status:       crawler.RunStatusFailed,
		ErrorMessage: "cloudflare challenge",
	}, errors.New("run sandbox run-2: cloudflare challenge")).Once()

	out, err := runCLI(t, m, "run", "sandbox")
	require.Error(t, err)
	assert.Contains(t, out, "error: cloudflare challenge")
	m.AssertCalled(t, "Close")
}

func TestRunCommandRefreshesCache(t *testing.T) {
	m := newMockServices(t)
	m.On("InvalidateCache", "decentraland").Return(3, nil).Once()
	m.On("Invoke", mock.Anything, "decentraland", map[string]any{}).Return(crawler.IndexingRun{
		ID:        "run-4",
		IndexerID: "decentraland",
		Status:    crawler.RunStatusCompleted,
	}, nil).Once()

	_, err := runCLI(t, m, "run", "decentraland", "--refresh-cache")
	require.NoError(t, err)
	m.AssertExpectations(t)
}

func TestRunCommandRejectsBadSet(t *testing.T) {
	m := newMockServices(t)
	_, err := runCLI(t, m, "run", "neos", "--set", "oops")
	require.ErrorContains(t, err, "want key=value")
	m.AssertNotCalled(t, "Invoke", mock.Anything, mock.Anything, mock.Anything)
}

func TestScheduleCommand(t *testing.T) {
	m := newMockServices(t)
	m.On("RunDue", mock.Anything, true).Return([]crawler.IndexingRun{
		{ID: "run-3", IndexerID: "decentraland", Status: crawler.RunStatusCompleted},
	}, nil).Once()

	out, err := runCLI(t, m, "schedule", "--force")
	require.NoError(t, err)
	assert.Contains(t, out, "run run-3 (decentraland): completed")
}

func TestReclaimCommand(t *testing.T) {
	m := newMockServices(t)
	m.On("Reclaim", mock.Anything, 30*time.Minute).Return(2, nil).Once()

	out, err := runCLI(t, m, "reclaim", "--max-age", "30m")
	require.NoError(t, err)
	assert.Equal(t, "reclaimed 2 stale runs\n", out)
}

func TestQueueDueSubmitsEachPlatform(t *testing.T) {
	m := newMockServices(t)
	m.On("DuePlatforms", mock.Anything, false).Return([]string{"decentraland", "neos"}, nil).Once()
	d := m.NewDispatcher()

	require.NoError(t, queueDue(context.Background(), m, d))
	require.Equal(t, 2, m.queue.Len())
	inv, err := m.queue.Dequeue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "decentraland", inv.Platform)
}

func TestParseSets(t *testing.T) {
	got, err := parseSets([]string{"a=1", "b=true", "c=0.5", "d=2s", "e = x=y"})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"a": 1, "b": true, "c": 0.5, "d": "2s", "e": "x=y"}, got)

	_, err = parseSets([]string{"=1"})
	require.Error(t, err)
}

func TestListenPort(t *testing.T) {
	t.Setenv("PORT", "")
	assert.Equal(t, 8080, listenPort(8080))
	t.Setenv("PORT", "9090")
	assert.Equal(t, 9090, listenPort(8080))
}
