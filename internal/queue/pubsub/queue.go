// Package pubsub provides an invocation queue backed by a Google Cloud
// Pub/Sub topic and subscription, so several indexer processes can share
// one stream of queued runs.
package pubsub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"cloud.google.com/go/pubsub"
	"go.uber.org/zap"

	"github.com/JakeFAU/metaverse-indexer/internal/crawler"
)

// ErrClosed is returned once Close has been called.
var ErrClosed = errors.New("pubsub queue closed")

// Config names the topic and subscription that carry invocations.
type Config struct {
	Topic        string
	Subscription string
	// MaxOutstanding caps messages leased but not yet handed to a worker.
	MaxOutstanding int
	AckDeadline    time.Duration
}

// Queue implements crawler.Queue. Messages are acked when a Dequeue call
// takes them, and nacked if the queue closes first.
type Queue struct {
	topic  *pubsub.Topic
	sub    *pubsub.Subscription
	logger *zap.Logger

	deliveries chan crawler.Invocation
	done       chan struct{}
	recvCtx    context.Context
	cancel     context.CancelFunc
	startOnce  sync.Once
	closeOnce  sync.Once
	closed     atomic.Bool
}

// New opens the topic and subscription, creating either when missing.
func New(ctx context.Context, client *pubsub.Client, cfg Config, logger *zap.Logger) (*Queue, error) {
	if client == nil {
		return nil, errors.New("pubsub client is required")
	}
	if cfg.Topic == "" || cfg.Subscription == "" {
		return nil, errors.New("pubsub queue: topic and subscription are required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxOutstanding <= 0 {
		cfg.MaxOutstanding = 1
	}
	if cfg.AckDeadline <= 0 {
		cfg.AckDeadline = time.Minute
	}

	topic := client.Topic(cfg.Topic)
	ok, err := topic.Exists(ctx)
	if err != nil {
		return nil, fmt.Errorf("check queue topic %q: %w", cfg.Topic, err)
	}
	if !ok {
		if topic, err = client.CreateTopic(ctx, cfg.Topic); err != nil {
			return nil, fmt.Errorf("create queue topic %q: %w", cfg.Topic, err)
		}
	}

	sub := client.Subscription(cfg.Subscription)
	ok, err = sub.Exists(ctx)
	if err != nil {
		return nil, fmt.Errorf("check queue subscription %q: %w", cfg.Subscription, err)
	}
	if !ok {
		sub, err = client.CreateSubscription(ctx, cfg.Subscription, pubsub.SubscriptionConfig{
			Topic:       topic,
			AckDeadline: cfg.AckDeadline,
		})
		if err != nil {
			return nil, fmt.Errorf("create queue subscription %q: %w", cfg.Subscription, err)
		}
	}
	sub.ReceiveSettings.MaxOutstandingMessages = cfg.MaxOutstanding
	sub.ReceiveSettings.NumGoroutines = 1

	recvCtx, cancel := context.WithCancel(context.Background())
	return &Queue{
		topic:      topic,
		sub:        sub,
		logger:     logger,
		deliveries: make(chan crawler.Invocation),
		done:       make(chan struct{}),
		recvCtx:    recvCtx,
		cancel:     cancel,
	}, nil
}

// Enqueue publishes inv and waits for the server to accept it.
func (q *Queue) Enqueue(ctx context.Context, inv crawler.Invocation) error {
	if q.closed.Load() {
		return ErrClosed
	}
	data, err := json.Marshal(inv)
	if err != nil {
		return fmt.Errorf("encode invocation: %w", err)
	}
	res := q.topic.Publish(ctx, &pubsub.Message{
		Data: data,
		Attributes: map[string]string{
			"platform":      inv.Platform,
			"invocation_id": inv.ID,
		},
	})
	if _, err := res.Get(ctx); err != nil {
		return fmt.Errorf("publish invocation %s: %w", inv.ID, err)
	}
	return nil
}

// Dequeue blocks until a message arrives, ctx ends or the queue closes.
func (q *Queue) Dequeue(ctx context.Context) (crawler.Invocation, error) {
	q.startOnce.Do(q.receive)
	select {
	case <-ctx.Done():
		return crawler.Invocation{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
	case <-q.done:
		return crawler.Invocation{}, ErrClosed
	case inv := <-q.deliveries:
		return inv, nil
	}
}

func (q *Queue) receive() {
	go func() {
		defer close(q.done)
		err := q.sub.Receive(q.recvCtx, func(ctx context.Context, msg *pubsub.Message) {
			var inv crawler.Invocation
			if err := json.Unmarshal(msg.Data, &inv); err != nil || inv.Platform == "" {
				q.logger.Warn("dropping malformed invocation message",
					zap.String("message_id", msg.ID),
					zap.Error(err),
				)
				msg.Ack()
				return
			}
			select {
			case q.deliveries <- inv:
				msg.Ack()
			case <-ctx.Done():
				msg.Nack()
			}
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			q.logger.Error("pubsub receive stopped", zap.Error(err))
		}
	}()
}

// Close stops receiving and publishing. Pending Dequeue calls return
// ErrClosed.
func (q *Queue) Close() {
	q.closeOnce.Do(func() {
		q.closed.Store(true)
		q.cancel()
		// without a receive loop nothing else would close done
		q.startOnce.Do(func() { close(q.done) })
		q.topic.Stop()
	})
}
