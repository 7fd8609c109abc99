package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/nats-io/nats.go"
)

// Queue はラン IDの受け渡しだけを担い、状態はランのストアに持つ
type Queue interface {
	Enqueue(ctx context.Context, function, runID string) error
	Consume(ctx context.Context, function string, concurrency int, fn func(ctx context.Context, runID string)) error
	Close() error
}

// MemoryQueue は単一プロセス用のキュー
type MemoryQueue struct {
	mu     sync.Mutex
	size   int
	queues map[string]chan string
}

func NewMemoryQueue(size int) *MemoryQueue {
	if size <= 0 {
		size = 1024
	}
	return &MemoryQueue{size: size, queues: map[string]chan string{}}
}

func (q *MemoryQueue) queue(function string) chan string {
	q.mu.Lock()
	defer q.mu.Unlock()
	ch, ok := q.queues[function]
	if !ok {
		ch = make(chan string, q.size)
		q.queues[function] = ch
	}
	return ch
}

func (q *MemoryQueue) Enqueue(ctx context.Context, function, runID string) error {
	select {
	case q.queue(function) <- runID:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *MemoryQueue) Consume(ctx context.Context, function string, concurrency int, fn func(ctx context.Context, runID string)) error {
	ch := q.queue(function)
	for i := 0; i < concurrency; i++ {
		go func() {
			for {
				select {
				case <-ctx.Done():
					return
				case id := <-ch:
					fn(ctx, id)
				}
			}
		}()
	}
	return nil
}

func (q *MemoryQueue) Close() error {
	return nil
}

// NATSQueue は関数ごとのキューグループで複数プロセスに分散する
type NATSQueue struct {
	conn   *nats.Conn
	prefix string

	mu   sync.Mutex
	subs []*nats.Subscription
}

func NewNATSQueue(conn *nats.Conn, prefix string) *NATSQueue {
	return &NATSQueue{conn: conn, prefix: prefix}
}

func (q *NATSQueue) subject(function string) string {
	return q.prefix + "." + function
}

func (q *NATSQueue) Enqueue(ctx context.Context, function, runID string) error {
	subject := q.subject(function)
	if err := q.conn.Publish(subject, []byte(runID)); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", subject, err)
	}
	return q.conn.FlushWithContext(ctx)
}

func (q *NATSQueue) Consume(ctx context.Context, function string, concurrency int, fn func(ctx context.Context, runID string)) error {
	ch := make(chan *nats.Msg, concurrency*4)
	sub, err := q.conn.ChanQueueSubscribe(q.subject(function), "mixstatus-"+function, ch)
	if err != nil {
		return fmt.Errorf("failed to subscribe %s: %w", q.subject(function), err)
	}
	q.mu.Lock()
	q.subs = append(q.subs, sub)
	q.mu.Unlock()

	for i := 0; i < concurrency; i++ {
		go func() {
			for {
				select {
				case <-ctx.Done():
					return
				case msg := <-ch:
					fn(ctx, string(msg.Data))
				}
			}
		}()
	}
	return nil
}

func (q *NATSQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, sub := range q.subs {
		if err := sub.Unsubscribe(); err != nil {
			slog.Warn("Failed to unsubscribe job queue", slog.String("subject", sub.Subject), slog.Any("err", err))
		}
	}
	q.subs = nil
	return nil
}
