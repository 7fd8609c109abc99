package repository

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/pyama86/mixstatus/domain/entity"
)

// LocalBus はNATSを使わない場合のプロセス内の通知経路
type LocalBus struct {
	mu   sync.RWMutex
	next int
	subs map[int]func(entity.Notification)
}

func NewLocalBus() *LocalBus {
	return &LocalBus{subs: map[int]func(entity.Notification){}}
}

func (b *LocalBus) Publish(_ context.Context, n entity.Notification) error {
	b.mu.RLock()
	fns := make([]func(entity.Notification), 0, len(b.subs))
	for _, fn := range b.subs {
		fns = append(fns, fn)
	}
	b.mu.RUnlock()

	for _, fn := range fns {
		fn(n)
	}
	return nil
}

func (b *LocalBus) Subscribe(_ context.Context, fn func(entity.Notification)) (func(), error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.next
	b.next++
	b.subs[id] = fn
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.subs, id)
	}, nil
}

type MultiNotifier []Notifier

func (m MultiNotifier) Publish(ctx context.Context, n entity.Notification) error {
	var errs []error
	for _, notifier := range m {
		if err := notifier.Publish(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// BestEffortNotifier は失敗をログに残すだけで呼び出し元には返さない
type BestEffortNotifier struct {
	Name     string
	Notifier Notifier
}

func (b BestEffortNotifier) Publish(ctx context.Context, n entity.Notification) error {
	if err := b.Notifier.Publish(ctx, n); err != nil {
		slog.Warn("Failed to deliver notification",
			slog.String("notifier", b.Name),
			slog.String("event_id", n.Data.EventID),
			slog.Any("err", err))
	}
	return nil
}
