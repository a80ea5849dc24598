// Package memory provides a bounded in-process invocation queue.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/JakeFAU/metaverse-indexer/internal/crawler"
)

// ErrClosed is returned by Dequeue once the queue is closed and drained, and
// by Enqueue after Close.
var ErrClosed = errors.New("queue closed")

// Queue is a bounded in-memory queue with context-aware operations. The
// item channel is never closed; done signals Close to blocked callers.
type Queue struct {
	ch        chan crawler.Invocation
	done      chan struct{}
	closeOnce sync.Once
}

// NewQueue constructs a queue holding up to capacity pending invocations.
func NewQueue(capacity int) *Queue {
	if capacity < 0 {
		capacity = 0
	}
	return &Queue{
		ch:   make(chan crawler.Invocation, capacity),
		done: make(chan struct{}),
	}
}

// Enqueue pushes inv, waiting for room until ctx ends or the queue closes.
func (q *Queue) Enqueue(ctx context.Context, inv crawler.Invocation) error {
	select {
	case <-q.done:
		return ErrClosed
	default:
	}
	select {
	case <-ctx.Done():
		return fmt.Errorf("enqueue canceled: %w", ctx.Err())
	case <-q.done:
		return ErrClosed
	case q.ch <- inv:
		return nil
	}
}

// Dequeue pops the next invocation, respecting context cancellation. After
// Close it keeps returning pending invocations, then ErrClosed.
func (q *Queue) Dequeue(ctx context.Context) (crawler.Invocation, error) {
	select {
	case <-ctx.Done():
		return crawler.Invocation{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
	case inv := <-q.ch:
		return inv, nil
	case <-q.done:
		select {
		case inv := <-q.ch:
			return inv, nil
		default:
			return crawler.Invocation{}, ErrClosed
		}
	}
}

// Len reports how many invocations are waiting.
func (q *Queue) Len() int {
	return len(q.ch)
}

// Close stops accepting work and wakes blocked producers; pending
// invocations can still be dequeued.
func (q *Queue) Close() {
	q.closeOnce.Do(func() { close(q.done) })
}
