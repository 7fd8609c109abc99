package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/pyama86/mixstatus/domain/entity"
	"github.com/pyama86/mixstatus/domain/repository"
	"github.com/pyama86/mixstatus/metrics"
	"github.com/pyama86/mixstatus/presentation/content"
)

type SummarizerOptions struct {
	Temperature    float64
	MaxTokens      int
	MaxInputTokens int
}

type SummarizationEngine struct {
	provider repository.AIRepositorier
	tokens   *repository.TokenCalculator
	validate *validator.Validate
	opts     SummarizerOptions
	metrics  *metrics.Metrics
}

func NewSummarizationEngine(provider repository.AIRepositorier, tokens *repository.TokenCalculator, opts SummarizerOptions, m *metrics.Metrics) *SummarizationEngine {
	return &SummarizationEngine{
		provider: provider,
		tokens:   tokens,
		validate: validator.New(),
		opts:     opts,
		metrics:  m,
	}
}

func (s *SummarizationEngine) body(ev *entity.ServiceEvent) string {
	text := content.PlainText(*ev.RawDescription)
	limited, truncated := s.tokens.Truncate(text, s.opts.MaxInputTokens)
	if truncated {
		slog.Info("Truncated event description", slog.String("event_id", ev.ID), slog.Int("max_tokens", s.opts.MaxInputTokens))
	}
	return limited
}

// Summarize はモデル出力を検証・正規化し、所要時間まで計算した結果を返す
func (s *SummarizationEngine) Summarize(ctx context.Context, ev *entity.ServiceEvent) (*entity.SummaryResult, error) {
	if !ev.HasRawDescription() {
		return nil, ErrNothingToSummarize
	}

	raw, err := s.provider.GenerateJSON(ctx, entity.CompletionRequest{
		System: summarySystemPrompt,
		Examples: []entity.CompletionExample{
			{User: exampleUser, Assistant: exampleAssistant},
		},
		User:        eventInput(ev, s.body(ev)),
		SchemaName:  "service_event_summary",
		Schema:      summarySchema,
		Temperature: s.opts.Temperature,
		MaxTokens:   s.opts.MaxTokens,
	})
	if err != nil {
		s.metrics.ModelCall(string(SummaryErrorProvider))
		return nil, &SummaryError{Kind: SummaryErrorProvider, EventID: ev.ID, Err: err}
	}

	var summary entity.Summary
	if err := decodeModelJSON(raw, &summary); err != nil {
		s.metrics.ModelCall(string(SummaryErrorMalformed))
		return nil, &SummaryError{Kind: SummaryErrorMalformed, EventID: ev.ID, Raw: raw, Err: err}
	}

	events, err := normalizeSummary(&summary, ev)
	if err == nil {
		err = s.validate.Struct(summary)
	}
	if err != nil {
		s.metrics.ModelCall(string(SummaryErrorSchema))
		return nil, &SummaryError{Kind: SummaryErrorSchema, EventID: ev.ID, Raw: raw, Err: err}
	}

	timeline, total := BuildTimeline(events)
	if summary.Severity == entity.SeverityMaintenance {
		if summary.MaintenanceMinutes == nil {
			summary.MaintenanceMinutes = MaintenanceWindowMinutes(timeline)
		}
	} else {
		summary.MaintenanceMinutes = nil
	}

	s.metrics.ModelCall("ok")
	return &entity.SummaryResult{
		Summary:                 summary,
		ParsedEvents:            timeline,
		TotalAccumulatedMinutes: total,
		AccumulatedTimeMinutes:  AccumulatedMinutes(summary.Severity, summary.RecentStatus, summary.MaintenanceMinutes, total),
	}, nil
}

// ExtractTimespan は保存する累積時間を求める。モデルが答えられない場合は既存の時系列から計算する
func (s *SummarizationEngine) ExtractTimespan(ctx context.Context, ev *entity.ServiceEvent) (*int, error) {
	if ev.Status == entity.EventStatusOngoing {
		return nil, nil
	}
	if !ev.HasRawDescription() {
		return nil, ErrNothingToSummarize
	}

	raw, err := s.provider.GenerateJSON(ctx, entity.CompletionRequest{
		System:      timespanSystemPrompt,
		User:        timespanInput(ev, s.body(ev)),
		SchemaName:  "service_event_timespan",
		Schema:      timespanSchema,
		Temperature: s.opts.Temperature,
		MaxTokens:   256,
	})
	if err != nil {
		s.metrics.ModelCall(string(SummaryErrorProvider))
		return nil, &SummaryError{Kind: SummaryErrorProvider, EventID: ev.ID, Err: err}
	}

	var ts entity.Timespan
	if err := decodeModelJSON(raw, &ts); err != nil {
		s.metrics.ModelCall(string(SummaryErrorMalformed))
		return nil, &SummaryError{Kind: SummaryErrorMalformed, EventID: ev.ID, Raw: raw, Err: err}
	}
	if err := s.validate.Struct(ts); err != nil {
		s.metrics.ModelCall(string(SummaryErrorSchema))
		return nil, &SummaryError{Kind: SummaryErrorSchema, EventID: ev.ID, Raw: raw, Err: err}
	}
	s.metrics.ModelCall("ok")

	if ts.CalculatedMinutes != nil {
		return ts.CalculatedMinutes, nil
	}
	if len(ev.ParsedEvents) == 0 {
		return nil, nil
	}
	_, total := BuildTimeline(ev.ParsedEvents)
	return &total, nil
}

func decodeModelJSON(raw string, v any) error {
	s := strings.TrimSpace(raw)
	// コードブロックで囲まれて返ることがある
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	}
	if s == "" {
		return fmt.Errorf("empty response")
	}
	return json.Unmarshal([]byte(s), v)
}

// NormalizeStatus は途中経過を表す状態をongoingにまとめる
func NormalizeStatus(s entity.EventStatus) entity.EventStatus {
	v := strings.ToLower(strings.TrimSpace(string(s)))
	switch v {
	case "investigating", "identified", "monitoring", "update", "updated", "ongoing":
		return entity.EventStatusOngoing
	case "resolved", "completed":
		return entity.EventStatusResolved
	case "maintenance", "scheduled", "in progress", "in_progress":
		return entity.EventStatusMaintenance
	}
	return entity.EventStatus(v)
}

func normalizeComponents(components []string) []string {
	seen := map[string]bool{}
	out := make([]string, 0, len(components))
	for _, c := range components {
		c = strings.ToLower(strings.Join(strings.Fields(c), " "))
		if c == "" || seen[c] {
			continue
		}
		seen[c] = true
		out = append(out, c)
	}
	return out
}

func normalizeSummary(summary *entity.Summary, ev *entity.ServiceEvent) ([]entity.ParsedEvent, error) {
	summary.Title = strings.TrimSpace(summary.Title)
	summary.Description = strings.TrimSpace(summary.Description)
	summary.Severity = entity.Severity(strings.ToLower(strings.TrimSpace(string(summary.Severity))))
	summary.RecentStatus = NormalizeStatus(summary.RecentStatus)
	summary.AffectedComponents = normalizeComponents(summary.AffectedComponents)
	summary.AffectedRegion = ResolveRegion(summary.AffectedComponents, normalizeRegion(string(summary.AffectedRegion)))

	anchor := ev.OriginalPubDate.UTC()
	if len(summary.ParsedEvents) == 0 {
		summary.ParsedEvents = []entity.SummaryEvent{{
			Status:      summary.RecentStatus,
			Description: summary.Description,
			Timestamp:   formatTimestamp(anchor),
		}}
	}

	events := make([]entity.ParsedEvent, 0, len(summary.ParsedEvents))
	for i := range summary.ParsedEvents {
		pe := &summary.ParsedEvents[i]
		pe.Status = NormalizeStatus(pe.Status)
		pe.Description = strings.TrimSpace(pe.Description)

		ts, err := ParseTimestamp(pe.Timestamp)
		if err != nil {
			// 相対表記などで最初の更新時刻が読めない場合は公開日時に合わせる
			if i != 0 || anchor.IsZero() {
				return nil, fmt.Errorf("parsed_events[%d]: %w", i, err)
			}
			ts = anchor
		}
		pe.Timestamp = formatTimestamp(ts)
		events = append(events, entity.ParsedEvent{
			Status:      pe.Status,
			Description: pe.Description,
			Timestamp:   ts,
		})
	}
	return events, nil
}
