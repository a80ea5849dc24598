package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/JakeFAU/metaverse-indexer/internal/crawler"
	"github.com/JakeFAU/metaverse-indexer/internal/queue/memory"
)

type recordingInvoker struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (r *recordingInvoker) Invoke(_ context.Context, platform string, _ map[string]any) (crawler.IndexingRun, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, platform)
	return crawler.IndexingRun{ID: "run-" + platform, Status: crawler.RunStatusCompleted}, r.err
}

func (r *recordingInvoker) platforms() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

func TestWorkerDrainsQueueUntilClosed(t *testing.T) {
	t.Parallel()

	q := memory.NewQueue(3)
	for _, p := range []string{"neos", "sandbox", "decentraland"} {
		require.NoError(t, q.Enqueue(context.Background(), crawler.Invocation{ID: p, Platform: p}))
	}
	q.Close()

	inv := &recordingInvoker{}
	done := make(chan struct{})
	go func() {
		New(1, q, inv, nil, nil).Run(context.Background())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not exit after queue closed")
	}
	require.Equal(t, []string{"neos", "sandbox", "decentraland"}, inv.platforms())
}

func TestWorkerLogsFailuresAndContinues(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zap.DebugLevel)
	q := memory.NewQueue(2)
	require.NoError(t, q.Enqueue(context.Background(), crawler.Invocation{ID: "a", Platform: "neos"}))
	require.NoError(t, q.Enqueue(context.Background(), crawler.Invocation{ID: "b", Platform: "neos"}))
	q.Close()

	inv := &recordingInvoker{err: errors.New("upstream down")}
	New(7, q, inv, nil, zap.New(core)).Run(context.Background())

	require.Len(t, inv.platforms(), 2)
	failed := logs.FilterMessage("invocation failed").All()
	require.Len(t, failed, 2)
	require.Equal(t, int64(7), failed[0].ContextMap()["worker"])
}

func TestWorkerStopsOnCancel(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		New(1, memory.NewQueue(1), InvokerFunc(func(context.Context, string, map[string]any) (crawler.IndexingRun, error) {
			return crawler.IndexingRun{}, nil
		}), nil, nil).Run(ctx)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not stop after cancel")
	}
}
