package handler_test

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pyama86/mixstatus/domain/entity"
	"github.com/pyama86/mixstatus/domain/repository"
	"github.com/pyama86/mixstatus/handler"
	"github.com/pyama86/mixstatus/pipeline"
	"github.com/pyama86/mixstatus/workflow"
)

// ------------------------
// Mock repositories
// ------------------------
type fakeSummarizer struct {
	err       error
	calls     atomic.Int32
	timespans atomic.Int32
}

func (f *fakeSummarizer) Summarize(_ context.Context, ev *entity.ServiceEvent) (*entity.SummaryResult, error) {
	f.calls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	return &entity.SummaryResult{
		Summary: entity.Summary{
			Title:          ev.Title,
			Description:    "Summary of " + ev.Title,
			Severity:       entity.SeverityMinor,
			RecentStatus:   entity.EventStatusResolved,
			AffectedRegion: entity.RegionGlobal,
		},
	}, nil
}

func (f *fakeSummarizer) ExtractTimespan(_ context.Context, _ *entity.ServiceEvent) (*int, error) {
	f.timespans.Add(1)
	minutes := 42
	return &minutes, nil
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []entity.Notification
}

func (r *recordingNotifier) Publish(_ context.Context, n entity.Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, n)
	return nil
}

func (r *recordingNotifier) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sent)
}

func newTestStore(t *testing.T) *repository.GormRepository {
	t.Helper()
	store, err := repository.NewGormRepository("sqlite", filepath.Join(t.TempDir(), "mixstatus.db"))
	require.NoError(t, err)
	require.NoError(t, store.Migrate(context.Background()))
	return store
}

func scannerConfig() repository.ScannerConfig {
	return repository.ScannerConfig{
		BatchSize:       10,
		Wait:            true,
		WaitInterval:    5 * time.Millisecond,
		MaxWaitAttempts: 1000,
		LeaseTTL:        15 * time.Minute,
	}
}

type testApp struct {
	store      *repository.GormRepository
	engine     *workflow.Engine
	summarizer *fakeSummarizer
	notifier   *recordingNotifier
	ctx        context.Context
}

func newTestApp(t *testing.T, cfg *repository.Config) *testApp {
	t.Helper()
	if cfg.Scanner.Unsummarized.BatchSize == 0 {
		cfg.Scanner.Unsummarized = scannerConfig()
	}
	if cfg.Scanner.Timespan.BatchSize == 0 {
		cfg.Scanner.Timespan = scannerConfig()
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	store := newTestStore(t)
	engine := workflow.NewEngine(store, workflow.NewMemoryQueue(0), workflow.Options{
		BackoffInitial: time.Millisecond,
		BackoffMax:     5 * time.Millisecond,
	}, nil)
	app := &testApp{
		store:      store,
		engine:     engine,
		summarizer: &fakeSummarizer{},
		notifier:   &recordingNotifier{},
		ctx:        ctx,
	}

	jobs := handler.NewJobHandler(
		cfg,
		cfg,
		store,
		pipeline.NewFeedFetcher(repository.NewFeedRepository(repository.FeedConfig{
			Timeout:       5 * time.Second,
			Retries:       1,
			RetryInterval: time.Millisecond,
		}), 2, nil),
		pipeline.NewContentEnricher(nil, "", 1, nil),
		pipeline.NewEventWriter(store, 2),
		app.summarizer,
		pipeline.NewPublisher(store, app.notifier, nil),
		map[repository.BacklogMode]handler.Scanner{
			repository.BacklogUnsummarized: pipeline.NewBacklogScanner(store, repository.BacklogUnsummarized, cfg.Scanner.Unsummarized, nil),
			repository.BacklogTimespan:     pipeline.NewBacklogScanner(store, repository.BacklogTimespan, cfg.Scanner.Timespan, nil),
		},
		engine,
	)
	for _, fn := range jobs.Functions() {
		require.NoError(t, engine.Register(fn))
	}
	require.NoError(t, engine.Start(ctx))
	return app
}

func (a *testApp) send(t *testing.T, name string, data string) string {
	t.Helper()
	var raw []byte
	if data != "" {
		raw = []byte(data)
	}
	ids, err := a.engine.Send(a.ctx, workflow.Event{Name: name, Data: raw})
	require.NoError(t, err)
	require.Len(t, ids, 1)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, a.engine.Wait(ctx))
	return ids[0]
}

func (a *testApp) run(t *testing.T, id string) *entity.JobRun {
	t.Helper()
	run, err := a.store.FindRun(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, run)
	return run
}

func (a *testApp) event(t *testing.T, id string) *entity.ServiceEvent {
	t.Helper()
	ev, err := a.store.FindEvent(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, ev)
	return ev
}

var errModelDown = errors.New("model provider is unavailable")
