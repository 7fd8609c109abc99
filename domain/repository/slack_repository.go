package repository

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/Songmu/retry"
	ttlcache "github.com/jellydator/ttlcache/v3"
	"github.com/pyama86/mixstatus/domain/entity"
	"github.com/pyama86/mixstatus/presentation/blocks"
	"github.com/slack-go/slack"
)

// SlackRepository はステータスが変化したイベントをSlackにアナウンスする
type SlackRepository struct {
	client        *slack.Client
	events        ServiceEventRepository
	services      ServiceRepository
	channels      []string
	notification  string
	channelsCache *ttlcache.Cache[string, []slack.Channel]
	retries       uint
	interval      time.Duration
}

func NewSlackRepository(client *slack.Client, events ServiceEventRepository, services ServiceRepository, c SlackConfig) *SlackRepository {
	r := &SlackRepository{
		client:        client,
		events:        events,
		services:      services,
		channels:      c.Channels,
		notification:  c.Notification,
		channelsCache: ttlcache.New(ttlcache.WithTTL[string, []slack.Channel](time.Hour)),
		retries:       3,
		interval:      3 * time.Second,
	}
	go r.channelsCache.Start()
	return r
}

func (h *SlackRepository) Publish(ctx context.Context, n entity.Notification) error {
	// 状態が変わっていなければ投稿しない
	if n.Data.PreviousStatus == n.Data.Status {
		return nil
	}
	event, err := h.events.FindEvent(ctx, n.Data.EventID)
	if err != nil {
		return fmt.Errorf("failed to find event %s: %w", n.Data.EventID, err)
	}
	if event == nil {
		return nil
	}
	service, err := h.services.ServiceByID(ctx, event.ServiceID)
	if err != nil && !errors.Is(err, ErrServiceUnknown) {
		return err
	}

	var errs []error
	for _, name := range h.channels {
		channel, err := h.GetChannelByName(name)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if channel == nil {
			slog.Warn("Slack channel not found", slog.String("channel", name))
			continue
		}
		if err := h.PostMessage(channel.ID, slack.MsgOptionBlocks(blocks.ServiceEventStatusChanged(service, event, h.notification)...)); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (h *SlackRepository) getChannels() ([]slack.Channel, error) {
	cacheKey := "channels"
	if channels := h.channelsCache.Get(cacheKey); channels != nil {
		return channels.Value(), nil
	}
	nextCursor := ""
	channels := make([]slack.Channel, 0)
	for {
		cs, next, err := h.client.GetConversations(&slack.GetConversationsParameters{
			Limit:           1000,
			Cursor:          nextCursor,
			ExcludeArchived: true,
		})
		if err != nil {
			return nil, err
		}
		channels = append(channels, cs...)
		if next == "" {
			break
		}
		nextCursor = next
	}

	h.channelsCache.Set(cacheKey, channels, ttlcache.DefaultTTL)
	return channels, nil
}

func (h *SlackRepository) GetChannelByName(name string) (*slack.Channel, error) {
	channels, err := h.getChannels()
	if err != nil {
		return nil, err
	}
	for _, c := range channels {
		if c.Name == strings.TrimPrefix(name, "#") || c.ID == name {
			return &c, nil
		}
	}
	return nil, nil
}

func (h *SlackRepository) PostMessage(channelID string, opts ...slack.MsgOption) error {
	err := retry.Retry(h.retries, h.interval, func() error {
		_, _, err := h.client.PostMessage(channelID, opts...)
		if err != nil {
			slog.Warn("PostMessage", slog.Any("channelID", channelID), slog.Any("err", err))
		}
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to post message to %s: %w", channelID, err)
	}
	return nil
}
