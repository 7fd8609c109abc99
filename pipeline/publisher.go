package pipeline

import (
	"context"
	"fmt"

	"github.com/pyama86/mixstatus/domain/entity"
	"github.com/pyama86/mixstatus/domain/repository"
	"github.com/pyama86/mixstatus/metrics"
)

type Publisher struct {
	events   repository.ServiceEventRepository
	notifier repository.Notifier
	metrics  *metrics.Metrics
}

func NewPublisher(events repository.ServiceEventRepository, notifier repository.Notifier, m *metrics.Metrics) *Publisher {
	return &Publisher{events: events, notifier: notifier, metrics: m}
}

// Write は要約結果を一度の条件付き更新で保存し、リースを手放す
func (p *Publisher) Write(ctx context.Context, ev *entity.ServiceEvent, owner string, result *entity.SummaryResult) (*entity.Notification, error) {
	if err := p.events.ApplySummary(ctx, ev.ID, owner, result.Update()); err != nil {
		return nil, fmt.Errorf("apply summary to %s: %w", ev.ID, err)
	}
	return &entity.Notification{
		Name: entity.NotificationServiceEventStatus,
		Data: entity.NotificationData{
			EventID:        ev.ID,
			Status:         result.Summary.RecentStatus,
			PreviousStatus: ev.Status,
		},
	}, nil
}

func (p *Publisher) WriteTimespan(ctx context.Context, ev *entity.ServiceEvent, owner string, minutes *int) error {
	if err := p.events.ApplyTimespan(ctx, ev.ID, owner, minutes); err != nil {
		return fmt.Errorf("apply timespan to %s: %w", ev.ID, err)
	}
	return nil
}

func (p *Publisher) Notify(ctx context.Context, n entity.Notification) error {
	if p.notifier == nil {
		return nil
	}
	if err := p.notifier.Publish(ctx, n); err != nil {
		p.metrics.Notification("failed")
		return fmt.Errorf("publish notification for %s: %w", n.Data.EventID, err)
	}
	p.metrics.Notification("ok")
	return nil
}
