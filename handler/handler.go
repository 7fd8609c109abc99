package handler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/pyama86/mixstatus/domain/repository"
	"github.com/pyama86/mixstatus/metrics"
	"github.com/pyama86/mixstatus/pipeline"
	"github.com/pyama86/mixstatus/workflow"
	"github.com/slack-go/slack"
)

// App は起動時に一度だけ組み立てるクライアント一式
type App struct {
	Config     *repository.Config
	Engine     *workflow.Engine
	Subscriber repository.Subscriber
	Registry   *prometheus.Registry

	closers []func()
}

func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

type storeRepository interface {
	repository.Repository
	Migrate(ctx context.Context) error
}

func openStore(c repository.StorageConfig) (storeRepository, error) {
	switch c.Driver {
	case "dynamodb":
		return repository.NewDynamoDBRepository(c.DynamoDB)
	default:
		r, err := repository.NewGormRepository(c.Driver, c.DSN)
		if err != nil {
			return nil, err
		}
		return r, nil
	}
}

// Migrate はストアのテーブルを作成する
func Migrate(ctx context.Context, configPath string) error {
	cfg, err := repository.NewConfigRepository(configPath)
	if err != nil {
		return err
	}
	store, err := openStore(cfg.Storage)
	if err != nil {
		return err
	}
	if err := store.Migrate(ctx); err != nil {
		return fmt.Errorf("failed to migrate %s store: %w", cfg.Storage.Driver, err)
	}
	slog.Info("Migration finished", slog.String("driver", cfg.Storage.Driver))
	return nil
}

// Build は設定からジョブエンジンと関数を組み立てる。queueが空なら設定に従う
func Build(ctx context.Context, configPath string, queue string) (*App, error) {
	cfg, err := repository.NewConfigRepository(configPath)
	if err != nil {
		return nil, err
	}
	app := &App{Config: cfg, Registry: prometheus.NewRegistry()}
	app.Registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(app.Registry)

	store, err := openStore(cfg.Storage)
	if err != nil {
		return nil, err
	}
	if cfg.Storage.Driver != "dynamodb" {
		if err := store.Migrate(ctx); err != nil {
			return nil, err
		}
	}

	// 設定ファイルにサービスがあればそちらを優先する
	var services repository.ServiceRepository = store
	if len(cfg.ServiceList) > 0 {
		services = cfg
	}
	repo := repository.NewRepository(services, store, store)

	aiRepository, err := repository.NewAIRepository(cfg.AI)
	if err != nil {
		return nil, err
	}
	if aiRepository == nil {
		return nil, errors.New("OPENAI_API_KEY or AZURE_OPENAI_KEY is required")
	}
	tokens, err := repository.NewTokenCalculator()
	if err != nil {
		slog.Warn("Falling back to approximate token counting", slog.Any("err", err))
	}

	crawler := repository.NewCrawlerRepository(cfg.Crawler)
	if s, ok := crawler.(*repository.SpiderRepository); ok {
		app.closers = append(app.closers, s.Stop)
	}

	var (
		bus      repository.Notifier
		natsRepo *repository.NATSRepository
	)
	if cfg.NATS.URL != "" {
		natsRepo, err = repository.NewNATSRepository(cfg.NATS)
		if err != nil {
			return nil, err
		}
		app.closers = append(app.closers, natsRepo.Close)
		bus = natsRepo
		app.Subscriber = natsRepo
	} else {
		local := repository.NewLocalBus()
		bus = local
		app.Subscriber = local
	}
	notifier := repository.MultiNotifier{bus}
	if token := os.Getenv("SLACK_BOT_TOKEN"); token != "" && len(cfg.Slack.Channels) > 0 {
		// Slackはバスへの配信後に失敗しても通知ステップを再試行させない
		notifier = append(notifier, repository.BestEffortNotifier{
			Name:     "slack",
			Notifier: repository.NewSlackRepository(slack.New(token), repo, repo, cfg.Slack),
		})
	}

	if queue == "" {
		queue = cfg.Workflow.Queue
	}
	var q workflow.Queue
	switch queue {
	case "nats":
		if natsRepo == nil {
			return nil, errors.New("workflow.queue = nats requires nats.url")
		}
		q = workflow.NewNATSQueue(natsRepo.Conn(), cfg.NATS.JobSubjectPrefix)
	default:
		q = workflow.NewMemoryQueue(0)
	}
	app.closers = append(app.closers, func() { _ = q.Close() })

	engine := workflow.NewEngine(repo, q, workflow.Options{
		BackoffInitial: cfg.Workflow.BackoffInitial,
		BackoffMax:     cfg.Workflow.BackoffMax,
	}, m)
	app.Engine = engine

	maxInputTokens := repository.GetMaxInputTokens(cfg.AI.MaxInputTokens)
	jobs := NewJobHandler(
		cfg,
		repo,
		repo,
		pipeline.NewFeedFetcher(repository.NewFeedRepository(cfg.Feed), cfg.Feed.Concurrency, m),
		pipeline.NewContentEnricher(crawler, cfg.Crawler.ReturnFormat, cfg.Crawler.Concurrency, m),
		pipeline.NewEventWriter(repo, cfg.Feed.Concurrency),
		pipeline.NewSummarizationEngine(aiRepository, tokens, pipeline.SummarizerOptions{
			Temperature:    cfg.AI.Temperature,
			MaxTokens:      cfg.AI.MaxTokens,
			MaxInputTokens: maxInputTokens,
		}, m),
		pipeline.NewPublisher(repo, notifier, m),
		map[repository.BacklogMode]Scanner{
			repository.BacklogUnsummarized: pipeline.NewBacklogScanner(repo, repository.BacklogUnsummarized, cfg.Scanner.Unsummarized, m),
			repository.BacklogTimespan:     pipeline.NewBacklogScanner(repo, repository.BacklogTimespan, cfg.Scanner.Timespan, m),
		},
		engine,
	)
	for _, fn := range jobs.Functions() {
		if err := engine.Register(fn); err != nil {
			return nil, err
		}
	}
	return app, nil
}

// Handle はワーカーとスケジュールとHTTPサーバを起動し、ctxが終わるまで動く
func Handle(ctx context.Context, configPath string) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	app, err := Build(ctx, configPath, "")
	if err != nil {
		return err
	}
	defer app.Close()

	if err := app.Engine.Start(ctx); err != nil {
		return err
	}

	for _, s := range app.Config.Workflow.Schedules {
		go schedule(ctx, app.Engine, s)
	}

	srv := &http.Server{
		Addr:              app.Config.HTTP.Addr,
		Handler:           NewRouter(app.Engine, app.Subscriber, app.Registry),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		sctx, scancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer scancel()
		if err := srv.Shutdown(sctx); err != nil {
			slog.Error("Failed to shutdown server", slog.Any("err", err))
		}
	}()

	slog.Info("Server started", slog.String("addr", srv.Addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// schedule は設定された間隔でイベントを送る
func schedule(ctx context.Context, sender Sender, s repository.ScheduleConfig) {
	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()
	var data []byte
	if s.Data != "" {
		data = []byte(s.Data)
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := sender.Send(ctx, workflow.Event{Name: s.Event, Data: data}); err != nil {
				slog.Error("Failed to send scheduled event", slog.String("event", s.Event), slog.Any("err", err))
			}
		}
	}
}
