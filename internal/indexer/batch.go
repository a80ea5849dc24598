package indexer

import (
	"context"
	"fmt"
	"time"

	"github.com/JakeFAU/metaverse-indexer/internal/crawler"
	"github.com/JakeFAU/metaverse-indexer/internal/metrics"
)

// BatchOptions control ProcessBatches.
type BatchOptions struct {
	// BatchSize <= 0 means 50.
	BatchSize int
	// MaxItems > 0 truncates the input before batching.
	MaxItems int
	Delay    time.Duration
	// RateLimited enables Delay between batches.
	RateLimited bool
	Sleeper     crawler.Sleeper
}

// ItemHandler processes one item. Its error (or panic) is isolated to the item.
type ItemHandler func(ctx context.Context, index int, item RawItem) error

// ItemFailure is reported for every handler error.
type ItemFailure func(index int, item RawItem, err error)

// BatchDone runs after each batch with its zero-based index and size.
type BatchDone func(ctx context.Context, batch, size int)

// BatchCount returns how many batches n items produce.
func BatchCount(n, size int) int {
	if size <= 0 || n <= 0 {
		return 0
	}
	return (n + size - 1) / size
}

// ProcessBatches walks items in contiguous batches. Item failures are handed
// to onFailure and never stop the walk. When RateLimited, Delay is slept
// between batches but not after the last one. Only ctx cancellation aborts.
func ProcessBatches(
	ctx context.Context,
	items []RawItem,
	opts BatchOptions,
	handle ItemHandler,
	onFailure ItemFailure,
	onBatch BatchDone,
) error {
	size := opts.BatchSize
	if size <= 0 {
		size = 50
	}
	if opts.MaxItems > 0 && len(items) > opts.MaxItems {
		items = items[:opts.MaxItems]
	}
	batches := BatchCount(len(items), size)
	for b := 0; b < batches; b++ {
		start := b * size
		end := min(start+size, len(items))
		for i := start; i < end; i++ {
			if err := ctx.Err(); err != nil {
				return fmt.Errorf("batch %d interrupted: %w", b+1, err)
			}
			if err := safeHandle(ctx, handle, i, items[i]); err != nil && onFailure != nil {
				onFailure(i, items[i], err)
			}
		}
		if onBatch != nil {
			onBatch(ctx, b, end-start)
		}
		if b == batches-1 || !opts.RateLimited || opts.Delay <= 0 || opts.Sleeper == nil {
			continue
		}
		metrics.ObserveWait("batch_delay", opts.Delay)
		if err := opts.Sleeper.Sleep(ctx, opts.Delay); err != nil {
			return fmt.Errorf("inter-batch delay: %w", err)
		}
	}
	return nil
}

func safeHandle(ctx context.Context, handle ItemHandler, index int, item RawItem) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("item %d panicked: %v", index, r)
		}
	}()
	return handle(ctx, index, item)
}
