package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/pyama86/mixstatus/domain/entity"
)

// Run は実行中のジョブ。ステップの結果はチェックポイントとして保存される
type Run struct {
	record *entity.JobRun
	engine *Engine
}

func (r *Run) ID() string {
	return r.record.ID
}

func (r *Run) Attempt() int {
	return r.record.Attempt
}

func (r *Run) Function() string {
	return r.record.Function
}

// Payload はイベントのデータを読み出す。読めない場合は再試行しても直らない
func (r *Run) Payload(v any) error {
	data := r.record.Payload
	if data == "" {
		data = "{}"
	}
	if err := json.Unmarshal([]byte(data), v); err != nil {
		return NonRetriable(fmt.Errorf("decode payload: %w", err))
	}
	return nil
}

// Step は完了済みなら保存済みの結果を返し、未完了なら実行して結果を保存する
func Step[T any](ctx context.Context, run *Run, name string, fn func(ctx context.Context) (T, error)) (T, error) {
	var out T
	if saved, ok := run.record.Steps[name]; ok {
		if err := json.Unmarshal([]byte(saved), &out); err == nil {
			slog.Debug("Replaying step from checkpoint",
				slog.String("run_id", run.ID()),
				slog.String("step", name))
			return out, nil
		}
		slog.Warn("Discarding unreadable checkpoint", slog.String("run_id", run.ID()), slog.String("step", name))
	}

	out, err := fn(ctx)
	if err != nil {
		return out, fmt.Errorf("step %s: %w", name, err)
	}

	data, err := json.Marshal(out)
	if err != nil {
		return out, NonRetriable(fmt.Errorf("encode step %s: %w", name, err))
	}
	if run.record.Steps == nil {
		run.record.Steps = map[string]string{}
	}
	run.record.Steps[name] = string(data)
	run.record.UpdatedAt = run.engine.now()
	if err := run.engine.runs.SaveRun(ctx, run.record); err != nil {
		return out, fmt.Errorf("checkpoint step %s: %w", name, err)
	}
	return out, nil
}
