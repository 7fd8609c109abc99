package blocks

import (
	"fmt"
	"strings"

	"github.com/pyama86/mixstatus/domain/entity"
	"github.com/slack-go/slack"
)

var statusHeadlines = map[entity.EventStatus]string{
	entity.EventStatusOngoing:     "🔥 外部サービスで障害が発生しています",
	entity.EventStatusResolved:    "✅ 外部サービスの障害が復旧しました",
	entity.EventStatusMaintenance: "🛠 外部サービスのメンテナンス情報です",
}

func ServiceEventStatusChanged(service *entity.Service, event *entity.ServiceEvent, notificationType string) []slack.Block {
	headline, ok := statusHeadlines[event.Status]
	if !ok {
		headline = "外部サービスのステータスが更新されました"
	}
	notificationText := withMention(headline, notificationType)

	serviceName := event.ServiceID
	if service != nil {
		serviceName = service.Name
	}

	fields := []*slack.TextBlockObject{
		slack.NewTextBlockObject("mrkdwn", fmt.Sprintf("*サービス名:* %s", serviceName), false, false),
		slack.NewTextBlockObject("mrkdwn", fmt.Sprintf("*ステータス:* %s", event.Status), false, false),
	}
	if event.Severity != "" {
		fields = append(fields, slack.NewTextBlockObject("mrkdwn", fmt.Sprintf("*深刻度:* %s", event.Severity), false, false))
	}
	if event.AffectedRegion != "" {
		fields = append(fields, slack.NewTextBlockObject("mrkdwn", fmt.Sprintf("*影響地域:* %s", event.AffectedRegion), false, false))
	}
	if event.AccumulatedTimeMinutes != nil {
		fields = append(fields, slack.NewTextBlockObject("mrkdwn", fmt.Sprintf("*影響時間:* %d分", *event.AccumulatedTimeMinutes), false, false))
	}

	blocks := []slack.Block{
		slack.NewSectionBlock(
			slack.NewTextBlockObject("mrkdwn", notificationText, false, false),
			fields,
			nil,
		),
		slack.NewSectionBlock(
			slack.NewTextBlockObject("mrkdwn", fmt.Sprintf("*%s*", event.Title), false, false),
			nil,
			nil,
		),
	}
	if event.SummarizedDescription != nil && *event.SummarizedDescription != "" {
		blocks = append(blocks, slack.NewSectionBlock(
			slack.NewTextBlockObject("mrkdwn", *event.SummarizedDescription, false, false),
			nil,
			nil,
		))
	}
	if len(event.AffectedComponents) > 0 {
		blocks = append(blocks, slack.NewContextBlock("",
			slack.NewTextBlockObject("mrkdwn", "影響コンポーネント: "+strings.Join(event.AffectedComponents, ", "), false, false),
		))
	}
	return blocks
}

// withMention はhere/channel指定のときだけメンションを付ける
func withMention(message, notificationType string) string {
	switch notificationType {
	case "here", "channel":
		return "<!" + notificationType + "> " + message
	}
	return message
}
