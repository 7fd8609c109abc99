package pipeline

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	"github.com/pyama86/mixstatus/domain/entity"
	"github.com/pyama86/mixstatus/domain/repository"
	"github.com/pyama86/mixstatus/metrics"
	"golang.org/x/sync/errgroup"
)

// ServiceFeed はサービス単位で取得したフィード項目
type ServiceFeed struct {
	ServiceID string               `json:"service_id"`
	Provider  string               `json:"provider"`
	Items     []entity.RawFeedItem `json:"items"`
}

type FeedFetcher struct {
	feeds       repository.FeedRepositorier
	concurrency int
	metrics     *metrics.Metrics
}

func NewFeedFetcher(feeds repository.FeedRepositorier, concurrency int, m *metrics.Metrics) *FeedFetcher {
	if concurrency <= 0 {
		concurrency = 1
	}
	return &FeedFetcher{
		feeds:       feeds,
		concurrency: concurrency,
		metrics:     m,
	}
}

// Fetch は1サービスの失敗で全体を止めない。項目を持つサービスだけを入力順に返す
func (f *FeedFetcher) Fetch(ctx context.Context, services []entity.Service, maxItems int) []ServiceFeed {
	results := make([]ServiceFeed, len(services))
	var mu sync.Mutex

	eg, ctx := errgroup.WithContext(ctx)
	eg.SetLimit(f.concurrency)
	for i, service := range services {
		eg.Go(func() error {
			items, err := f.feeds.FetchFeed(ctx, service.FeedURL)
			if err != nil {
				slog.Error("Failed to fetch feed",
					slog.String("service_id", service.ID),
					slog.String("feed_url", service.FeedURL),
					slog.Any("err", err))
				f.metrics.FeedError(service.ID)
				return nil
			}
			items = latest(items, maxItems)
			f.metrics.FeedItems(service.Provider(), len(items))

			mu.Lock()
			results[i] = ServiceFeed{
				ServiceID: service.ID,
				Provider:  service.Provider(),
				Items:     items,
			}
			mu.Unlock()
			return nil
		})
	}
	_ = eg.Wait()

	feeds := make([]ServiceFeed, 0, len(results))
	for _, r := range results {
		if len(r.Items) > 0 {
			feeds = append(feeds, r)
		}
	}
	return feeds
}

// latest は新しい順に並べて先頭max件を残す
func latest(items []entity.RawFeedItem, max int) []entity.RawFeedItem {
	sorted := make([]entity.RawFeedItem, len(items))
	copy(sorted, items)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].PubDate.After(sorted[j].PubDate)
	})
	if max > 0 && len(sorted) > max {
		sorted = sorted[:max]
	}
	return sorted
}
