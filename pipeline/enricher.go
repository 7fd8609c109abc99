package pipeline

import (
	"context"
	"log/slog"
	"strings"

	"github.com/pyama86/mixstatus/domain/entity"
	"github.com/pyama86/mixstatus/domain/repository"
	"github.com/pyama86/mixstatus/metrics"
	"github.com/pyama86/mixstatus/presentation/content"
	"golang.org/x/sync/errgroup"
)

type ContentEnricher struct {
	crawler      repository.Crawler
	returnFormat string
	concurrency  int
	metrics      *metrics.Metrics
}

func NewContentEnricher(crawler repository.Crawler, returnFormat string, concurrency int, m *metrics.Metrics) *ContentEnricher {
	if returnFormat == "" {
		returnFormat = "markdown"
	}
	if concurrency <= 0 {
		concurrency = 1
	}
	return &ContentEnricher{
		crawler:      crawler,
		returnFormat: returnFormat,
		concurrency:  concurrency,
		metrics:      m,
	}
}

func needsEnrichment(policy string, item entity.RawFeedItem) bool {
	if strings.TrimSpace(item.Link) == "" {
		return false
	}
	switch policy {
	case repository.EnrichAlways:
		return true
	case repository.EnrichWhenInsufficient:
		return content.Insufficient(item.Content, item.Link)
	}
	return false
}

// Enrich はリンク先の本文で項目の内容を置き換える。失敗した項目は元のまま残す
func (e *ContentEnricher) Enrich(ctx context.Context, feeds []ServiceFeed, policy func(provider string) string) []ServiceFeed {
	out := make([]ServiceFeed, len(feeds))
	eg, ctx := errgroup.WithContext(ctx)
	eg.SetLimit(e.concurrency)
	for i, feed := range feeds {
		items := make([]entity.RawFeedItem, len(feed.Items))
		copy(items, feed.Items)
		out[i] = ServiceFeed{ServiceID: feed.ServiceID, Provider: feed.Provider, Items: items}

		p := policy(feed.Provider)
		if e.crawler == nil || p == repository.EnrichNever {
			continue
		}
		for j := range items {
			if !needsEnrichment(p, items[j]) {
				continue
			}
			eg.Go(func() error {
				body, err := e.crawler.Crawl(ctx, repository.CrawlRequest{
					URL:          items[j].Link,
					ReturnFormat: e.returnFormat,
				})
				if err != nil || strings.TrimSpace(body) == "" {
					slog.Warn("Failed to enrich feed item, keeping original content",
						slog.String("service_id", feed.ServiceID),
						slog.String("link", items[j].Link),
						slog.Any("err", err))
					e.metrics.Enrichment("fallback")
					return nil
				}
				// 各ゴルーチンは自分の添字だけを書き換える
				items[j].Content = body
				e.metrics.Enrichment("ok")
				return nil
			})
		}
	}
	_ = eg.Wait()
	return out
}
