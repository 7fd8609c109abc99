package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/pyama86/mixstatus/domain/entity"
	"github.com/pyama86/mixstatus/domain/repository"
	"github.com/pyama86/mixstatus/metrics"
	"golang.org/x/sync/errgroup"
)

// Enqueuer は取得したリースを付けてイベント単位のジョブを投入する
type Enqueuer func(ctx context.Context, eventID, claim string) error

type ScanReport struct {
	Mode      repository.BacklogMode `json:"mode"`
	Batches   int                    `json:"batches"`
	Found     int                    `json:"found"`
	Enqueued  int                    `json:"enqueued"`
	Completed int                    `json:"completed"`
	Skipped   int                    `json:"skipped"`
	TimedOut  int                    `json:"timed_out"`
	Failed    int                    `json:"failed"`
}

type BacklogScanner struct {
	events  repository.ServiceEventRepository
	mode    repository.BacklogMode
	cfg     repository.ScannerConfig
	metrics *metrics.Metrics
	now     func() time.Time
	sleep   func(ctx context.Context, d time.Duration) error
}

func NewBacklogScanner(events repository.ServiceEventRepository, mode repository.BacklogMode, cfg repository.ScannerConfig, m *metrics.Metrics) *BacklogScanner {
	return &BacklogScanner{
		events:  events,
		mode:    mode,
		cfg:     cfg,
		metrics: m,
		now:     func() time.Time { return time.Now().UTC() },
		sleep:   sleepContext,
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Run はバックログが尽きるまでバッチ単位で処理する
func (s *BacklogScanner) Run(ctx context.Context, enqueue Enqueuer) (*ScanReport, error) {
	owner := "scan:" + uuid.NewString()
	report := &ScanReport{Mode: s.mode}
	var cursor repository.Cursor

	for {
		events, next, err := s.events.FindBacklog(ctx, repository.BacklogQuery{
			Mode:   s.mode,
			Limit:  s.cfg.BatchSize,
			Cursor: cursor,
			Now:    s.now(),
		})
		if err != nil {
			return report, fmt.Errorf("find backlog: %w", err)
		}
		if len(events) == 0 {
			break
		}
		report.Batches++
		report.Found += len(events)
		slog.Info("Processing backlog batch",
			slog.String("mode", string(s.mode)),
			slog.Int("batch", report.Batches),
			slog.Int("events", len(events)))

		// バッチ全体を投入してから、まとめて完了を待つ
		var inFlight []string
		for _, ev := range events {
			if s.dispatch(ctx, ev, owner, enqueue, report) {
				inFlight = append(inFlight, ev.ID)
			}
		}
		if err := ctx.Err(); err != nil {
			return report, err
		}
		if s.cfg.Wait {
			if err := s.awaitBatch(ctx, inFlight, owner, report); err != nil {
				return report, err
			}
		}

		if len(events) < s.cfg.BatchSize || next == nil {
			break
		}
		cursor = next
		if err := s.sleep(ctx, s.cfg.BatchDelay); err != nil {
			return report, err
		}
	}

	slog.Info("Backlog scan finished",
		slog.String("mode", string(s.mode)),
		slog.Int("found", report.Found),
		slog.Int("enqueued", report.Enqueued),
		slog.Int("skipped", report.Skipped),
		slog.Int("timed_out", report.TimedOut))
	return report, nil
}

// dispatch はリースを取ってジョブを投入する。投入できた場合にtrueを返す
func (s *BacklogScanner) dispatch(ctx context.Context, ev entity.ServiceEvent, owner string, enqueue Enqueuer, report *ScanReport) bool {
	ok, err := s.events.ClaimEvent(ctx, ev.ID, owner, s.now().Add(s.cfg.LeaseTTL))
	if err != nil {
		if ctx.Err() != nil {
			return false
		}
		slog.Error("Failed to claim event", slog.String("event_id", ev.ID), slog.Any("err", err))
		report.Failed++
		s.metrics.Scanned(string(s.mode), "failed")
		return false
	}
	if !ok {
		slog.Info("Event is claimed by another worker", slog.String("event_id", ev.ID))
		report.Skipped++
		s.metrics.Scanned(string(s.mode), "skipped")
		return false
	}

	if err := enqueue(ctx, ev.ID, owner); err != nil {
		slog.Error("Failed to enqueue event", slog.String("event_id", ev.ID), slog.Any("err", err))
		if rerr := s.events.ReleaseEvent(context.WithoutCancel(ctx), ev.ID, owner); rerr != nil {
			slog.Error("Failed to release event", slog.String("event_id", ev.ID), slog.Any("err", rerr))
		}
		report.Failed++
		s.metrics.Scanned(string(s.mode), "failed")
		return false
	}
	report.Enqueued++
	if !s.cfg.Wait {
		s.metrics.Scanned(string(s.mode), "enqueued")
	}
	return true
}

func (s *BacklogScanner) awaitBatch(ctx context.Context, ids []string, owner string, report *ScanReport) error {
	done := make([]bool, len(ids))
	eg, ctx := errgroup.WithContext(ctx)
	for i, id := range ids {
		eg.Go(func() error {
			ok, err := s.waitFor(ctx, id, owner)
			done[i] = ok
			return err
		})
	}
	if err := eg.Wait(); err != nil {
		return err
	}

	for i, id := range ids {
		if done[i] {
			report.Completed++
			s.metrics.Scanned(string(s.mode), "completed")
			continue
		}
		// リースが切れた後の走査で拾い直される
		slog.Warn("Gave up waiting for event",
			slog.String("event_id", id),
			slog.Int("attempts", s.cfg.MaxWaitAttempts))
		report.TimedOut++
		s.metrics.Scanned(string(s.mode), "timeout")
	}
	return nil
}

// waitFor は出力が書き込まれるかリースが手放されるまで待つ
func (s *BacklogScanner) waitFor(ctx context.Context, id, owner string) (bool, error) {
	for attempt := 0; attempt < s.cfg.MaxWaitAttempts; attempt++ {
		if err := s.sleep(ctx, s.cfg.WaitInterval); err != nil {
			return false, err
		}
		ev, err := s.events.FindEvent(ctx, id)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return false, err
			}
			slog.Warn("Failed to poll event", slog.String("event_id", id), slog.Any("err", err))
			continue
		}
		if s.settled(ev, owner) {
			return true, nil
		}
	}
	return false, nil
}

func (s *BacklogScanner) settled(ev *entity.ServiceEvent, owner string) bool {
	if ev == nil || ev.ClaimedBy != owner {
		return true
	}
	switch s.mode {
	case repository.BacklogTimespan:
		return ev.AccumulatedTimeMinutes != nil && *ev.AccumulatedTimeMinutes > 0
	default:
		return ev.IsSummarized()
	}
}
