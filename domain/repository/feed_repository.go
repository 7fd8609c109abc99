package repository

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/Songmu/retry"
	"github.com/mmcdole/gofeed"
	"github.com/pyama86/mixstatus/domain/entity"
)

type FeedRepository struct {
	client        *http.Client
	userAgent     string
	timeout       time.Duration
	retries       uint
	retryInterval time.Duration
}

func NewFeedRepository(c FeedConfig) *FeedRepository {
	retries := c.Retries
	if retries < 1 {
		retries = 1
	}
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &FeedRepository{
		client:        &http.Client{Timeout: timeout},
		userAgent:     c.UserAgent,
		timeout:       timeout,
		retries:       uint(retries),
		retryInterval: c.RetryInterval,
	}
}

func (r *FeedRepository) FetchFeed(ctx context.Context, url string) ([]entity.RawFeedItem, error) {
	var feed *gofeed.Feed
	err := retry.Retry(r.retries, r.retryInterval, func() error {
		if err := ctx.Err(); err != nil {
			return nil
		}
		fctx, cancel := context.WithTimeout(ctx, r.timeout)
		defer cancel()

		parser := gofeed.NewParser()
		parser.Client = r.client
		if r.userAgent != "" {
			parser.UserAgent = r.userAgent
		}
		f, err := parser.ParseURLWithContext(url, fctx)
		if err != nil {
			slog.Warn("ParseURL", slog.String("url", url), slog.Any("err", err))
			return err
		}
		feed = f
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch feed %s: %w", url, err)
	}
	if feed == nil {
		return nil, ctx.Err()
	}

	items := make([]entity.RawFeedItem, 0, len(feed.Items))
	for _, it := range feed.Items {
		if it == nil {
			continue
		}
		item := entity.RawFeedItem{
			Title:   strings.TrimSpace(it.Title),
			Content: it.Content,
			Link:    strings.TrimSpace(it.Link),
			GUID:    strings.TrimSpace(it.GUID),
		}
		if strings.TrimSpace(item.Content) == "" {
			item.Content = it.Description
		}
		switch {
		case it.PublishedParsed != nil:
			item.PubDate = it.PublishedParsed.UTC()
		case it.UpdatedParsed != nil:
			item.PubDate = it.UpdatedParsed.UTC()
		}
		if item.Key() == "" {
			continue
		}
		items = append(items, item)
	}
	return items, nil
}
