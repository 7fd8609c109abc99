package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/pyama86/mixstatus/domain/entity"
	"github.com/pyama86/mixstatus/domain/repository"
	"github.com/pyama86/mixstatus/metrics"
)

type Event struct {
	Name string          `json:"name"`
	Data json.RawMessage `json:"data,omitempty"`
}

type Handler func(ctx context.Context, run *Run) (any, error)

// FailureHandler は再試行を使い切ったランに対して一度だけ呼ばれる
type FailureHandler func(ctx context.Context, run *Run, err error)

type Function struct {
	ID          string         `json:"id"`
	Trigger     string         `json:"trigger"`
	Concurrency int            `json:"concurrency"`
	Retries     int            `json:"retries"`
	Handler     Handler        `json:"-"`
	OnFailure   FailureHandler `json:"-"`
}

type Options struct {
	BackoffInitial time.Duration
	BackoffMax     time.Duration
}

type Engine struct {
	runs    repository.JobRunRepository
	queue   Queue
	opts    Options
	metrics *metrics.Metrics
	now     func() time.Time

	mu        sync.Mutex
	functions map[string]*Function
	ctx       context.Context
	timers    map[string]*time.Timer
	pending   int
	idle      *sync.Cond
}

func NewEngine(runs repository.JobRunRepository, queue Queue, opts Options, m *metrics.Metrics) *Engine {
	if opts.BackoffInitial <= 0 {
		opts.BackoffInitial = 2 * time.Second
	}
	if opts.BackoffMax <= 0 {
		opts.BackoffMax = time.Minute
	}
	e := &Engine{
		runs:      runs,
		queue:     queue,
		opts:      opts,
		metrics:   m,
		now:       func() time.Time { return time.Now().UTC() },
		functions: map[string]*Function{},
		timers:    map[string]*time.Timer{},
	}
	e.idle = sync.NewCond(&e.mu)
	return e
}

// Register は同じIDの定義を上書きする
func (e *Engine) Register(fn Function) error {
	if fn.ID == "" || fn.Trigger == "" || fn.Handler == nil {
		return fmt.Errorf("function %q: id, trigger and handler are required", fn.ID)
	}
	if fn.Concurrency <= 0 {
		fn.Concurrency = 1
	}
	if fn.Retries < 0 {
		fn.Retries = 0
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.functions[fn.ID] = &fn
	return nil
}

func (e *Engine) Function(id string) (Function, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	fn, ok := e.functions[id]
	if !ok {
		return Function{}, false
	}
	return *fn, true
}

func (e *Engine) Functions() []Function {
	e.mu.Lock()
	defer e.mu.Unlock()
	fns := make([]Function, 0, len(e.functions))
	for _, fn := range e.functions {
		fns = append(fns, *fn)
	}
	sort.Slice(fns, func(i, j int) bool { return fns[i].ID < fns[j].ID })
	return fns
}

func (e *Engine) Runs() repository.JobRunRepository {
	return e.runs
}

// Send はイベントを契機とする関数ごとにランを作って投入する
func (e *Engine) Send(ctx context.Context, ev Event) ([]string, error) {
	var targets []Function
	for _, fn := range e.Functions() {
		if fn.Trigger == ev.Name {
			targets = append(targets, fn)
		}
	}
	if len(targets) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoFunction, ev.Name)
	}

	payload := "{}"
	if len(ev.Data) > 0 {
		if !json.Valid(ev.Data) {
			return nil, fmt.Errorf("event %s: data is not valid JSON", ev.Name)
		}
		payload = string(ev.Data)
	}

	ids := make([]string, 0, len(targets))
	for _, fn := range targets {
		now := e.now()
		run := &entity.JobRun{
			ID:          uuid.NewString(),
			Function:    fn.ID,
			Event:       ev.Name,
			Payload:     payload,
			State:       entity.JobStateQueued,
			MaxAttempts: fn.Retries + 1,
			Steps:       map[string]string{},
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if err := e.runs.SaveRun(ctx, run); err != nil {
			return ids, fmt.Errorf("save run for %s: %w", fn.ID, err)
		}
		e.track(1)
		if err := e.queue.Enqueue(ctx, fn.ID, run.ID); err != nil {
			e.track(-1)
			return ids, fmt.Errorf("enqueue run for %s: %w", fn.ID, err)
		}
		slog.Info("Queued run",
			slog.String("function", fn.ID),
			slog.String("event", ev.Name),
			slog.String("run_id", run.ID))
		ids = append(ids, run.ID)
	}
	return ids, nil
}

// Start はワーカーを起動し、前回終了しなかったランを再開する
func (e *Engine) Start(ctx context.Context) error {
	if err := e.StartWorkers(ctx); err != nil {
		return err
	}
	return e.resume(ctx)
}

// StartWorkers はストアに残ったランには触れずにワーカーだけを起動する
func (e *Engine) StartWorkers(ctx context.Context) error {
	e.mu.Lock()
	e.ctx = ctx
	e.mu.Unlock()

	for _, fn := range e.Functions() {
		if err := e.queue.Consume(ctx, fn.ID, fn.Concurrency, func(ctx context.Context, runID string) {
			if err := e.Execute(ctx, runID); err != nil {
				slog.Error("Failed to execute run", slog.String("run_id", runID), slog.Any("err", err))
			}
		}); err != nil {
			return fmt.Errorf("consume %s: %w", fn.ID, err)
		}
	}

	go func() {
		<-ctx.Done()
		e.mu.Lock()
		for id, t := range e.timers {
			t.Stop()
			delete(e.timers, id)
		}
		e.pending = 0
		e.idle.Broadcast()
		e.mu.Unlock()
	}()
	return nil
}

func (e *Engine) resume(ctx context.Context) error {
	pending, err := e.runs.PendingRuns(ctx)
	if err != nil {
		return fmt.Errorf("load pending runs: %w", err)
	}
	for _, run := range pending {
		if _, ok := e.Function(run.Function); !ok {
			slog.Warn("Skipping run of unregistered function", slog.String("run_id", run.ID), slog.String("function", run.Function))
			continue
		}
		slog.Info("Resuming run", slog.String("run_id", run.ID), slog.String("function", run.Function), slog.String("state", string(run.State)))
		e.track(1)
		e.schedule(run.Function, run.ID, run.NextRunAt.Sub(e.now()))
	}
	return nil
}

func (e *Engine) track(delta int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pending += delta
	if e.pending <= 0 {
		e.pending = 0
		e.idle.Broadcast()
	}
}

// Wait はこのプロセスが投入したランがすべて終わるまで待つ
func (e *Engine) Wait(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() {
		e.mu.Lock()
		e.idle.Broadcast()
		e.mu.Unlock()
	})
	defer stop()

	e.mu.Lock()
	defer e.mu.Unlock()
	for e.pending > 0 {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		e.idle.Wait()
	}
	return ctx.Err()
}

func (e *Engine) schedule(function, runID string, delay time.Duration) {
	enqueue := func() {
		e.mu.Lock()
		delete(e.timers, runID)
		ctx := e.ctx
		e.mu.Unlock()
		if ctx == nil {
			ctx = context.Background()
		}
		if err := e.queue.Enqueue(ctx, function, runID); err != nil {
			slog.Error("Failed to enqueue run", slog.String("run_id", runID), slog.Any("err", err))
			e.track(-1)
		}
	}
	if delay < 0 {
		delay = 0
	}
	e.mu.Lock()
	e.timers[runID] = time.AfterFunc(delay, enqueue)
	e.mu.Unlock()
}

func (e *Engine) backoff(attempt int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = e.opts.BackoffInitial
	b.MaxInterval = e.opts.BackoffMax
	b.MaxElapsedTime = 0
	b.Reset()
	d := b.NextBackOff()
	for i := 1; i < attempt; i++ {
		d = b.NextBackOff()
	}
	return d
}

// Execute は1回分の試行を行い、結果に応じて状態を進める
func (e *Engine) Execute(ctx context.Context, runID string) error {
	run, err := e.runs.FindRun(ctx, runID)
	if err != nil {
		e.track(-1)
		return fmt.Errorf("find run %s: %w", runID, err)
	}
	if run == nil {
		e.track(-1)
		return fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	if run.State.Finished() {
		e.track(-1)
		return nil
	}
	fn, ok := e.Function(run.Function)
	if !ok {
		e.track(-1)
		return fmt.Errorf("%w: %s", ErrUnknownFunction, run.Function)
	}

	run.State = entity.JobStateRunning
	run.Attempt++
	run.MaxAttempts = fn.Retries + 1
	run.UpdatedAt = e.now()
	if err := e.runs.SaveRun(ctx, run); err != nil {
		e.track(-1)
		return fmt.Errorf("save run %s: %w", runID, err)
	}

	r := &Run{record: run, engine: e}
	logger := slog.With(slog.String("function", fn.ID), slog.String("run_id", run.ID), slog.Int("attempt", run.Attempt))
	started := time.Now()
	output, herr := e.invoke(ctx, fn, r)
	elapsed := time.Since(started)

	run.UpdatedAt = e.now()
	switch {
	case herr == nil:
		if output != nil {
			if data, err := json.Marshal(output); err == nil {
				run.Output = string(data)
			}
		}
		run.State = entity.JobStateSucceeded
		run.Error = ""
		run.FinishedAt = run.UpdatedAt
		logger.Info("Run succeeded", slog.Duration("elapsed", elapsed))
	case IsNonRetriable(herr) || run.Attempt >= run.MaxAttempts:
		run.State = entity.JobStateFailedTerminal
		run.Error = herr.Error()
		run.FinishedAt = run.UpdatedAt
		logger.Error("Run failed", slog.Any("err", herr))
	default:
		delay := e.backoff(run.Attempt)
		run.State = entity.JobStateFailedRetryable
		run.Error = herr.Error()
		run.NextRunAt = run.UpdatedAt.Add(delay)
		logger.Warn("Run failed, retrying", slog.Duration("delay", delay), slog.Any("err", herr))
	}
	e.metrics.JobRun(fn.ID, string(run.State), elapsed)

	// 取り消し後でも状態だけは残す
	saveCtx := context.WithoutCancel(ctx)
	if err := e.runs.SaveRun(saveCtx, run); err != nil {
		logger.Error("Failed to save run", slog.Any("err", err))
	}

	switch run.State {
	case entity.JobStateFailedRetryable:
		if ctx.Err() != nil {
			// 停止中は次回起動時に再開する
			return nil
		}
		e.schedule(fn.ID, run.ID, run.NextRunAt.Sub(e.now()))
	case entity.JobStateFailedTerminal:
		if fn.OnFailure != nil {
			fn.OnFailure(saveCtx, r, herr)
		}
		e.track(-1)
	default:
		e.track(-1)
	}
	return nil
}

func (e *Engine) invoke(ctx context.Context, fn Function, run *Run) (output any, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = NonRetriable(fmt.Errorf("panic: %v", p))
		}
	}()
	return fn.Handler(ctx, run)
}
