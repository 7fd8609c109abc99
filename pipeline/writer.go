package pipeline

import (
	"context"
	"log/slog"

	"github.com/pyama86/mixstatus/domain/repository"
	"golang.org/x/sync/errgroup"
)

type StoredEvent struct {
	ID        string `json:"id"`
	ServiceID string `json:"service_id"`
	GUID      string `json:"guid"`
}

type EventWriter struct {
	events      repository.ServiceEventRepository
	concurrency int
}

func NewEventWriter(events repository.ServiceEventRepository, concurrency int) *EventWriter {
	if concurrency <= 0 {
		concurrency = 1
	}
	return &EventWriter{events: events, concurrency: concurrency}
}

// Store は全項目をupsertし、成功したものだけを返す
func (w *EventWriter) Store(ctx context.Context, feeds []ServiceFeed) []StoredEvent {
	type slot struct {
		ok    bool
		event StoredEvent
	}
	var total int
	for _, f := range feeds {
		total += len(f.Items)
	}
	slots := make([]slot, total)

	eg, ctx := errgroup.WithContext(ctx)
	eg.SetLimit(w.concurrency)
	n := 0
	for _, feed := range feeds {
		for _, item := range feed.Items {
			idx := n
			n++
			eg.Go(func() error {
				ev, err := w.events.UpsertEvent(ctx, feed.ServiceID, item)
				if err != nil {
					slog.Error("Failed to store service event",
						slog.String("service_id", feed.ServiceID),
						slog.String("guid", item.Key()),
						slog.Any("err", err))
					return nil
				}
				slots[idx] = slot{ok: true, event: StoredEvent{ID: ev.ID, ServiceID: ev.ServiceID, GUID: ev.GUID}}
				return nil
			})
		}
	}
	_ = eg.Wait()

	stored := make([]StoredEvent, 0, total)
	for _, s := range slots {
		if s.ok {
			stored = append(stored, s.event)
		}
	}
	return stored
}
