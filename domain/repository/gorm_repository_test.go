package repository

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pyama86/mixstatus/domain/entity"
)

func newTestGormRepository(t *testing.T) *GormRepository {
	t.Helper()
	repo, err := NewGormRepository("sqlite", filepath.Join(t.TempDir(), "mixstatus.db"))
	require.NoError(t, err)
	require.NoError(t, repo.Migrate(context.Background()))
	return repo
}

func freezeTime(t *testing.T, now time.Time) *time.Time {
	t.Helper()
	current := now
	orig := timeNow
	timeNow = func() time.Time { return current }
	t.Cleanup(func() { timeNow = orig })
	return &current
}

func TestGormUpsertEvent(t *testing.T) {
	ctx := context.Background()
	repo := newTestGormRepository(t)
	freezeTime(t, time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))

	pub := time.Date(2024, 5, 1, 11, 0, 0, 0, time.UTC)
	item := entity.RawFeedItem{GUID: "incident-1", Title: "API errors", Content: "Investigating.", PubDate: pub}

	first, err := repo.UpsertEvent(ctx, "svc", item)
	require.NoError(t, err)
	assert.Equal(t, entity.EventID("svc", "incident-1"), first.ID)
	assert.Equal(t, "Investigating.", *first.RawDescription)
	assert.True(t, pub.Equal(first.OriginalPubDate))

	again, err := repo.UpsertEvent(ctx, "svc", item)
	require.NoError(t, err)
	assert.Equal(t, first.ID, again.ID)

	var count int64
	require.NoError(t, repo.db.Model(&eventRecord{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)

	// 要約済みのイベント
	ok, err := repo.ClaimEvent(ctx, first.ID, "run:1", timeNow().Add(time.Minute))
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, repo.ApplySummary(ctx, first.ID, "run:1", entity.EventUpdate{
		Title:                 "API errors",
		SummarizedDescription: "Errors are being investigated.",
		Status:                entity.EventStatusOngoing,
	}))

	// 本文が空の更新では上書きしない
	_, err = repo.UpsertEvent(ctx, "svc", entity.RawFeedItem{GUID: "incident-1", Title: "API errors"})
	require.NoError(t, err)
	ev, err := repo.FindEvent(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, "Investigating.", *ev.RawDescription)
	assert.True(t, ev.IsSummarized())

	// 同じ本文なら要約は残る
	_, err = repo.UpsertEvent(ctx, "svc", item)
	require.NoError(t, err)
	ev, err = repo.FindEvent(ctx, first.ID)
	require.NoError(t, err)
	assert.True(t, ev.IsSummarized())

	// 本文が変わったら要約し直す
	item.Content = "Resolved."
	_, err = repo.UpsertEvent(ctx, "svc", item)
	require.NoError(t, err)
	ev, err = repo.FindEvent(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, "Resolved.", *ev.RawDescription)
	assert.False(t, ev.IsSummarized())
}

func TestGormFindEventMissing(t *testing.T) {
	repo := newTestGormRepository(t)
	ev, err := repo.FindEvent(context.Background(), "nope")
	assert.NoError(t, err)
	assert.Nil(t, ev)
}

func TestGormLease(t *testing.T) {
	ctx := context.Background()
	repo := newTestGormRepository(t)
	now := freezeTime(t, time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))

	ev, err := repo.UpsertEvent(ctx, "svc", entity.RawFeedItem{GUID: "g", Content: "raw"})
	require.NoError(t, err)

	ok, err := repo.ClaimEvent(ctx, ev.ID, "scan:a", now.Add(15*time.Minute))
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = repo.ClaimEvent(ctx, ev.ID, "scan:b", now.Add(15*time.Minute))
	require.NoError(t, err)
	assert.False(t, ok)

	err = repo.ApplySummary(ctx, ev.ID, "scan:b", entity.EventUpdate{SummarizedDescription: "x"})
	assert.ErrorIs(t, err, ErrLeaseLost)
	err = repo.ApplyTimespan(ctx, ev.ID, "scan:b", nil)
	assert.ErrorIs(t, err, ErrLeaseLost)

	// 期限が切れたリースは取り直せる
	*now = now.Add(time.Hour)
	ok, err = repo.ClaimEvent(ctx, ev.ID, "scan:b", now.Add(15*time.Minute))
	require.NoError(t, err)
	assert.True(t, ok)

	minutes := 12
	require.NoError(t, repo.ApplyTimespan(ctx, ev.ID, "scan:b", &minutes))
	got, err := repo.FindEvent(ctx, ev.ID)
	require.NoError(t, err)
	assert.Equal(t, 12, *got.AccumulatedTimeMinutes)
	assert.Empty(t, got.ClaimedBy)

	// 手放した後は誰でも取れる
	ok, err = repo.ClaimEvent(ctx, ev.ID, "scan:c", now.Add(15*time.Minute))
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, repo.ReleaseEvent(ctx, ev.ID, "scan:c"))
	got, err = repo.FindEvent(ctx, ev.ID)
	require.NoError(t, err)
	assert.Empty(t, got.ClaimedBy)
}

func TestGormApplySummary(t *testing.T) {
	ctx := context.Background()
	repo := newTestGormRepository(t)
	freezeTime(t, time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))

	ev, err := repo.UpsertEvent(ctx, "svc", entity.RawFeedItem{GUID: "g", Content: "raw"})
	require.NoError(t, err)
	ok, err := repo.ClaimEvent(ctx, ev.ID, "run:1", timeNow().Add(time.Minute))
	require.NoError(t, err)
	require.True(t, ok)

	minutes := 47
	ts := time.Date(2024, 5, 1, 14, 3, 0, 0, time.UTC)
	require.NoError(t, repo.ApplySummary(ctx, ev.ID, "run:1", entity.EventUpdate{
		Title:                 "API errors in Frankfurt",
		SummarizedDescription: "Elevated errors were resolved.",
		Status:                entity.EventStatusResolved,
		Severity:              entity.SeverityMajor,
		AffectedComponents:    []string{"api (frankfurt)"},
		AffectedRegion:        entity.RegionEurope,
		ParsedEvents: []entity.ParsedEvent{
			{Status: entity.EventStatusResolved, Description: "fixed", Timestamp: ts},
		},
		AccumulatedTimeMinutes: &minutes,
	}))

	got, err := repo.FindEvent(ctx, ev.ID)
	require.NoError(t, err)
	assert.Equal(t, "API errors in Frankfurt", got.Title)
	assert.Equal(t, entity.SeverityMajor, got.Severity)
	assert.Equal(t, []string{"api (frankfurt)"}, got.AffectedComponents)
	assert.Equal(t, entity.RegionEurope, got.AffectedRegion)
	require.Len(t, got.ParsedEvents, 1)
	assert.True(t, ts.Equal(got.ParsedEvents[0].Timestamp))
	assert.Equal(t, 47, *got.AccumulatedTimeMinutes)
	assert.Empty(t, got.ClaimedBy)

	// 一度書き込むとリースは残らない
	err = repo.ApplySummary(ctx, ev.ID, "run:1", entity.EventUpdate{SummarizedDescription: "again"})
	assert.ErrorIs(t, err, ErrLeaseLost)
}

func TestGormFindBacklog(t *testing.T) {
	ctx := context.Background()
	repo := newTestGormRepository(t)
	now := freezeTime(t, time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))

	var ids []string
	for i := 0; i < 5; i++ {
		ev, err := repo.UpsertEvent(ctx, "svc", entity.RawFeedItem{GUID: fmt.Sprintf("g%d", i), Content: "raw"})
		require.NoError(t, err)
		ids = append(ids, ev.ID)
	}
	_, err := repo.UpsertEvent(ctx, "svc", entity.RawFeedItem{GUID: "empty"})
	require.NoError(t, err)

	summarize := func(id string, status entity.EventStatus, minutes *int) {
		ok, err := repo.ClaimEvent(ctx, id, "setup", now.Add(time.Minute))
		require.NoError(t, err)
		require.True(t, ok)
		require.NoError(t, repo.ApplySummary(ctx, id, "setup", entity.EventUpdate{
			SummarizedDescription:  "summary",
			Status:                 status,
			AccumulatedTimeMinutes: minutes,
		}))
	}
	zero, ten := 0, 10
	summarize(ids[0], entity.EventStatusResolved, nil)
	summarize(ids[1], entity.EventStatusResolved, &zero)
	summarize(ids[2], entity.EventStatusResolved, &ten)
	summarize(ids[3], entity.EventStatusOngoing, nil)
	// 未要約だがリース中
	ok, err := repo.ClaimEvent(ctx, ids[4], "scan:a", now.Add(time.Minute))
	require.NoError(t, err)
	require.True(t, ok)

	events, cursor, err := repo.FindBacklog(ctx, BacklogQuery{Mode: BacklogUnsummarized, Limit: 10, Now: *now})
	require.NoError(t, err)
	assert.Empty(t, events)
	assert.Nil(t, cursor)

	// 期限切れのリースは無視される
	events, _, err = repo.FindBacklog(ctx, BacklogQuery{Mode: BacklogUnsummarized, Limit: 10, Now: now.Add(time.Hour)})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, ids[4], events[0].ID)

	var got []string
	var next Cursor
	for {
		page, c, err := repo.FindBacklog(ctx, BacklogQuery{Mode: BacklogTimespan, Limit: 1, Cursor: next, Now: *now})
		require.NoError(t, err)
		for _, ev := range page {
			got = append(got, ev.ID)
		}
		if c == nil {
			break
		}
		next = c
	}
	assert.ElementsMatch(t, []string{ids[0], ids[1]}, got)

	_, _, err = repo.FindBacklog(ctx, BacklogQuery{Mode: "unknown", Limit: 1, Now: *now})
	assert.Error(t, err)
}

func TestGormTimespanCheckedOnce(t *testing.T) {
	ctx := context.Background()
	repo := newTestGormRepository(t)
	now := freezeTime(t, time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))

	ev, err := repo.UpsertEvent(ctx, "svc", entity.RawFeedItem{GUID: "g", Content: "Maintenance is scheduled."})
	require.NoError(t, err)
	claimAndSummarize := func() {
		ok, err := repo.ClaimEvent(ctx, ev.ID, "run:1", now.Add(time.Minute))
		require.NoError(t, err)
		require.True(t, ok)
		require.NoError(t, repo.ApplySummary(ctx, ev.ID, "run:1", entity.EventUpdate{
			SummarizedDescription: "summary",
			Status:                entity.EventStatusMaintenance,
		}))
	}
	timespanBacklog := func() []entity.ServiceEvent {
		events, _, err := repo.FindBacklog(ctx, BacklogQuery{Mode: BacklogTimespan, Limit: 10, Now: *now})
		require.NoError(t, err)
		return events
	}
	claimAndSummarize()
	require.Len(t, timespanBacklog(), 1)

	// 時間が分からなくても一度試したら次の走査では拾わない
	ok, err := repo.ClaimEvent(ctx, ev.ID, "scan:a", now.Add(time.Minute))
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, repo.ApplyTimespan(ctx, ev.ID, "scan:a", nil))
	got, err := repo.FindEvent(ctx, ev.ID)
	require.NoError(t, err)
	assert.Nil(t, got.AccumulatedTimeMinutes)
	assert.True(t, now.Equal(got.TimespanCheckedAt))
	assert.Empty(t, timespanBacklog())

	// 要約し直すと再び対象になる
	claimAndSummarize()
	assert.Len(t, timespanBacklog(), 1)

	// 本文が変わった場合は要約と一緒に消える
	ok, err = repo.ClaimEvent(ctx, ev.ID, "scan:b", now.Add(time.Minute))
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, repo.ApplyTimespan(ctx, ev.ID, "scan:b", nil))
	_, err = repo.UpsertEvent(ctx, "svc", entity.RawFeedItem{GUID: "g", Content: "Maintenance has completed."})
	require.NoError(t, err)
	got, err = repo.FindEvent(ctx, ev.ID)
	require.NoError(t, err)
	assert.False(t, got.IsSummarized())
	assert.True(t, got.TimespanCheckedAt.IsZero())
}

func TestGormRuns(t *testing.T) {
	ctx := context.Background()
	repo := newTestGormRepository(t)
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	runs := []entity.JobRun{
		{ID: "r1", Function: "summarize-event", State: entity.JobStateSucceeded, CreatedAt: base},
		{ID: "r2", Function: "summarize-event", State: entity.JobStateFailedRetryable, CreatedAt: base.Add(time.Minute), Steps: map[string]string{"fetch-event": `{"id":"x"}`}},
		{ID: "r3", Function: "summarize-event", State: entity.JobStateQueued, CreatedAt: base.Add(2 * time.Minute)},
		{ID: "r4", Function: "feed-processing", State: entity.JobStateFailedTerminal, CreatedAt: base.Add(3 * time.Minute)},
	}
	for i := range runs {
		require.NoError(t, repo.SaveRun(ctx, &runs[i]))
	}

	got, err := repo.FindRun(ctx, "r2")
	require.NoError(t, err)
	assert.Equal(t, entity.JobStateFailedRetryable, got.State)
	assert.Equal(t, `{"id":"x"}`, got.Steps["fetch-event"])

	missing, err := repo.FindRun(ctx, "nope")
	assert.NoError(t, err)
	assert.Nil(t, missing)

	pending, err := repo.PendingRuns(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, "r2", pending[0].ID)
	assert.Equal(t, "r3", pending[1].ID)

	recent, err := repo.RecentRuns(ctx, "summarize-event", 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, "r3", recent[0].ID)
	assert.Equal(t, "r2", recent[1].ID)

	// 状態の更新は上書き保存
	runs[2].State = entity.JobStateSucceeded
	require.NoError(t, repo.SaveRun(ctx, &runs[2]))
	pending, err = repo.PendingRuns(ctx)
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}

func TestGormServices(t *testing.T) {
	ctx := context.Background()
	repo := newTestGormRepository(t)
	require.NoError(t, repo.SaveService(ctx, &entity.Service{ID: "a", Name: "A", FeedURL: "https://a.example.com/feed"}))
	require.NoError(t, repo.SaveService(ctx, &entity.Service{ID: "b", Name: "B", FeedURL: "https://b.example.com/feed", SourceProvider: entity.SourceProviderIncidentIO}))

	services, err := repo.Services(ctx, ServiceFilter{ExcludeProviders: []string{entity.SourceProviderIncidentIO}})
	require.NoError(t, err)
	require.Len(t, services, 1)
	assert.Equal(t, "a", services[0].ID)

	_, err = repo.ServiceByID(ctx, "missing")
	assert.ErrorIs(t, err, ErrServiceUnknown)
}
