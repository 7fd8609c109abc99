package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/pyama86/mixstatus/domain/entity"
	"github.com/pyama86/mixstatus/domain/repository"
	"github.com/pyama86/mixstatus/pipeline"
	"github.com/pyama86/mixstatus/workflow"
)

const (
	FunctionFeedProcessing           = "feed-processing"
	FunctionIncidentIOFeedProcessing = "incident-io-feed-processing"
	FunctionProcessUnsummarized      = "process-unsummarized"
	FunctionProcessTimespanEvents    = "process-timespan-events"
	FunctionSummarizeEvent           = "summarize-event"
	FunctionSummarizeTimespanEvent   = "summarize-timespan-event"
)

// Sender はジョブを投入できるもの
type Sender interface {
	Send(ctx context.Context, ev workflow.Event) ([]string, error)
}

// Summarizer はモデルを使った解析
type Summarizer interface {
	Summarize(ctx context.Context, ev *entity.ServiceEvent) (*entity.SummaryResult, error)
	ExtractTimespan(ctx context.Context, ev *entity.ServiceEvent) (*int, error)
}

type Scanner interface {
	Run(ctx context.Context, enqueue pipeline.Enqueuer) (*pipeline.ScanReport, error)
}

type FeedResult struct {
	Services int `json:"services"`
	Feeds    int `json:"feeds"`
	Items    int `json:"items"`
	Stored   int `json:"stored"`
}

type SummarizeResult struct {
	EventID                string             `json:"event_id"`
	Status                 entity.EventStatus `json:"status"`
	Severity               entity.Severity    `json:"severity"`
	AccumulatedTimeMinutes *int               `json:"accumulated_time_minutes"`
	Notified               bool               `json:"notified"`
}

type TimespanResult struct {
	EventID                string `json:"event_id"`
	AccumulatedTimeMinutes *int   `json:"accumulated_time_minutes"`
}

type JobHandler struct {
	config     *repository.Config
	services   repository.ServiceRepository
	events     repository.ServiceEventRepository
	fetcher    *pipeline.FeedFetcher
	enricher   *pipeline.ContentEnricher
	writer     *pipeline.EventWriter
	summarizer Summarizer
	publisher  *pipeline.Publisher
	scanners   map[repository.BacklogMode]Scanner
	sender     Sender
	validate   *validator.Validate
	now        func() time.Time
}

func NewJobHandler(
	config *repository.Config,
	services repository.ServiceRepository,
	events repository.ServiceEventRepository,
	fetcher *pipeline.FeedFetcher,
	enricher *pipeline.ContentEnricher,
	writer *pipeline.EventWriter,
	summarizer Summarizer,
	publisher *pipeline.Publisher,
	scanners map[repository.BacklogMode]Scanner,
	sender Sender,
) *JobHandler {
	return &JobHandler{
		config:     config,
		services:   services,
		events:     events,
		fetcher:    fetcher,
		enricher:   enricher,
		writer:     writer,
		summarizer: summarizer,
		publisher:  publisher,
		scanners:   scanners,
		sender:     sender,
		validate:   validator.New(),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Functions は登録する関数の定義を返す。設定で並列数と再試行回数を上書きできる
func (h *JobHandler) Functions() []workflow.Function {
	fns := []workflow.Function{
		{
			ID:          FunctionFeedProcessing,
			Trigger:     FunctionFeedProcessing,
			Concurrency: 4,
			Retries:     3,
			Handler: h.feedProcessing(repository.ServiceFilter{
				ExcludeProviders: []string{entity.SourceProviderIncidentIO},
			}, entity.SourceProviderRSS),
		},
		{
			ID:          FunctionIncidentIOFeedProcessing,
			Trigger:     FunctionIncidentIOFeedProcessing,
			Concurrency: 1,
			Retries:     1,
			Handler: h.feedProcessing(repository.ServiceFilter{
				SourceProvider: entity.SourceProviderIncidentIO,
				SourceType:     entity.SourceTypeRSSFeed,
			}, entity.SourceProviderIncidentIO),
		},
		{
			ID:          FunctionProcessUnsummarized,
			Trigger:     FunctionProcessUnsummarized,
			Concurrency: 1,
			Retries:     3,
			Handler:     h.processBacklog(repository.BacklogUnsummarized, FunctionSummarizeEvent),
		},
		{
			ID:          FunctionProcessTimespanEvents,
			Trigger:     FunctionProcessTimespanEvents,
			Concurrency: 1,
			Retries:     3,
			Handler:     h.processBacklog(repository.BacklogTimespan, FunctionSummarizeTimespanEvent),
		},
		{
			ID:          FunctionSummarizeEvent,
			Trigger:     FunctionSummarizeEvent,
			Concurrency: 5,
			Retries:     3,
			Handler:     h.summarizeEvent,
			OnFailure:   h.releaseOnFailure,
		},
		{
			ID:          FunctionSummarizeTimespanEvent,
			Trigger:     FunctionSummarizeTimespanEvent,
			Concurrency: 5,
			Retries:     3,
			Handler:     h.summarizeTimespanEvent,
			OnFailure:   h.releaseOnFailure,
		},
	}

	for i := range fns {
		o, ok := h.config.Workflow.Functions[fns[i].ID]
		if !ok {
			continue
		}
		if o.Concurrency > 0 {
			fns[i].Concurrency = o.Concurrency
		}
		if o.Retries != nil {
			fns[i].Retries = *o.Retries
		}
	}
	return fns
}

func (h *JobHandler) feedProcessing(filter repository.ServiceFilter, provider string) workflow.Handler {
	return func(ctx context.Context, run *workflow.Run) (any, error) {
		var payload entity.ServicePayload
		if err := run.Payload(&payload); err != nil {
			return nil, err
		}
		f := filter
		f.ID = payload.ServiceID
		settings := h.config.Provider(provider)

		services, err := workflow.Step(ctx, run, "fetch-services", func(ctx context.Context) ([]entity.Service, error) {
			return h.services.Services(ctx, f)
		})
		if err != nil {
			return nil, err
		}
		if len(services) == 0 {
			slog.Info("No services to process", slog.String("function", run.Function()))
			return FeedResult{}, nil
		}

		feeds, err := workflow.Step(ctx, run, "process-feeds", func(ctx context.Context) ([]pipeline.ServiceFeed, error) {
			return h.fetcher.Fetch(ctx, services, settings.MaxItems), nil
		})
		if err != nil {
			return nil, err
		}

		enriched, err := workflow.Step(ctx, run, "enrich-feed-items", func(ctx context.Context) ([]pipeline.ServiceFeed, error) {
			return h.enricher.Enrich(ctx, feeds, func(p string) string {
				return h.config.Provider(p).Enrich
			}), nil
		})
		if err != nil {
			return nil, err
		}

		stored, err := workflow.Step(ctx, run, "update-records", func(ctx context.Context) ([]pipeline.StoredEvent, error) {
			return h.writer.Store(ctx, enriched), nil
		})
		if err != nil {
			return nil, err
		}

		result := FeedResult{Services: len(services), Feeds: len(enriched), Stored: len(stored)}
		for _, f := range enriched {
			result.Items += len(f.Items)
		}
		return result, nil
	}
}

func (h *JobHandler) processBacklog(mode repository.BacklogMode, target string) workflow.Handler {
	return func(ctx context.Context, run *workflow.Run) (any, error) {
		scanner, ok := h.scanners[mode]
		if !ok {
			return nil, workflow.NonRetriable(fmt.Errorf("no scanner for %s", mode))
		}
		return workflow.Step(ctx, run, "process-events", func(ctx context.Context) (*pipeline.ScanReport, error) {
			return scanner.Run(ctx, func(ctx context.Context, eventID, claim string) error {
				data, err := json.Marshal(entity.EventPayload{EventID: eventID, Claim: claim})
				if err != nil {
					return err
				}
				_, err = h.sender.Send(ctx, workflow.Event{Name: target, Data: data})
				return err
			})
		})
	}
}

func (h *JobHandler) eventPayload(run *workflow.Run) (*entity.EventPayload, string, error) {
	var payload entity.EventPayload
	if err := run.Payload(&payload); err != nil {
		return nil, "", err
	}
	if err := h.validate.Struct(payload); err != nil {
		return nil, "", workflow.NonRetriable(fmt.Errorf("invalid payload: %w", err))
	}
	owner := payload.Claim
	if owner == "" {
		owner = "run:" + run.ID()
	}
	return &payload, owner, nil
}

// fetchEvent はスキャナ経由でなければここでリースを取る
func (h *JobHandler) fetchEvent(ctx context.Context, payload *entity.EventPayload, owner string, lease time.Duration) (*entity.ServiceEvent, error) {
	ev, err := h.events.FindEvent(ctx, payload.EventID)
	if err != nil {
		return nil, fmt.Errorf("find event %s: %w", payload.EventID, err)
	}
	if ev == nil {
		return nil, workflow.NonRetriable(fmt.Errorf("event %s: %w", payload.EventID, repository.ErrNotFound))
	}
	if payload.Claim == "" {
		ok, err := h.events.ClaimEvent(ctx, ev.ID, owner, h.now().Add(lease))
		if err != nil {
			return nil, fmt.Errorf("claim event %s: %w", ev.ID, err)
		}
		if !ok {
			return nil, workflow.NonRetriable(fmt.Errorf("event %s is claimed by another worker", ev.ID))
		}
		ev.ClaimedBy = owner
	}
	if !ev.HasRawDescription() {
		return nil, workflow.NonRetriable(fmt.Errorf("event %s: %w", ev.ID, pipeline.ErrNothingToSummarize))
	}
	return ev, nil
}

func leaseError(err error) error {
	if errors.Is(err, repository.ErrLeaseLost) {
		return workflow.NonRetriable(err)
	}
	return err
}

func (h *JobHandler) summarizeEvent(ctx context.Context, run *workflow.Run) (any, error) {
	payload, owner, err := h.eventPayload(run)
	if err != nil {
		return nil, err
	}

	ev, err := workflow.Step(ctx, run, "fetch-event", func(ctx context.Context) (*entity.ServiceEvent, error) {
		return h.fetchEvent(ctx, payload, owner, h.config.Scanner.Unsummarized.LeaseTTL)
	})
	if err != nil {
		return nil, err
	}

	result, err := workflow.Step(ctx, run, "summarize-and-parse-event", func(ctx context.Context) (*entity.SummaryResult, error) {
		return h.summarizer.Summarize(ctx, ev)
	})
	if err != nil {
		if kind := pipeline.SummaryErrorKindOf(err); kind != "" {
			slog.Warn("Summarization failed",
				slog.String("event_id", ev.ID),
				slog.String("kind", string(kind)),
				slog.Int("attempt", run.Attempt()),
				slog.Any("err", err))
		}
		return nil, err
	}

	notification, err := workflow.Step(ctx, run, "upsert-event", func(ctx context.Context) (*entity.Notification, error) {
		n, err := h.publisher.Write(ctx, ev, owner, result)
		return n, leaseError(err)
	})
	if err != nil {
		return nil, err
	}

	notified, err := workflow.Step(ctx, run, "notify", func(ctx context.Context) (bool, error) {
		if err := h.publisher.Notify(ctx, *notification); err != nil {
			return false, err
		}
		return true, nil
	})
	if err != nil {
		return nil, err
	}

	return SummarizeResult{
		EventID:                ev.ID,
		Status:                 result.Summary.RecentStatus,
		Severity:               result.Summary.Severity,
		AccumulatedTimeMinutes: result.AccumulatedTimeMinutes,
		Notified:               notified,
	}, nil
}

func (h *JobHandler) summarizeTimespanEvent(ctx context.Context, run *workflow.Run) (any, error) {
	payload, owner, err := h.eventPayload(run)
	if err != nil {
		return nil, err
	}

	ev, err := workflow.Step(ctx, run, "fetch-event", func(ctx context.Context) (*entity.ServiceEvent, error) {
		return h.fetchEvent(ctx, payload, owner, h.config.Scanner.Timespan.LeaseTTL)
	})
	if err != nil {
		return nil, err
	}

	minutes, err := workflow.Step(ctx, run, "summarize-timespan", func(ctx context.Context) (*int, error) {
		return h.summarizer.ExtractTimespan(ctx, ev)
	})
	if err != nil {
		return nil, err
	}

	if _, err := workflow.Step(ctx, run, "update-timespan-event", func(ctx context.Context) (bool, error) {
		return true, leaseError(h.publisher.WriteTimespan(ctx, ev, owner, minutes))
	}); err != nil {
		return nil, err
	}

	return TimespanResult{EventID: ev.ID, AccumulatedTimeMinutes: minutes}, nil
}

// releaseOnFailure は次の走査で拾い直せるようリースを手放す
func (h *JobHandler) releaseOnFailure(ctx context.Context, run *workflow.Run, cause error) {
	var payload entity.EventPayload
	if err := run.Payload(&payload); err != nil || payload.EventID == "" {
		return
	}
	owner := payload.Claim
	if owner == "" {
		owner = "run:" + run.ID()
	}
	if err := h.events.ReleaseEvent(ctx, payload.EventID, owner); err != nil {
		slog.Error("Failed to release event", slog.String("event_id", payload.EventID), slog.Any("err", err))
		return
	}
	slog.Info("Released event after failure",
		slog.String("event_id", payload.EventID),
		slog.String("run_id", run.ID()),
		slog.Any("cause", cause))
}
