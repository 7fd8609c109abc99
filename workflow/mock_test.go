package workflow_test

import (
	"context"
	"sort"
	"sync"

	"github.com/pyama86/mixstatus/domain/entity"
)

type memoryRuns struct {
	mu   sync.Mutex
	runs map[string]entity.JobRun
}

func newMemoryRuns(runs ...entity.JobRun) *memoryRuns {
	m := &memoryRuns{runs: map[string]entity.JobRun{}}
	for _, r := range runs {
		m.runs[r.ID] = clone(r)
	}
	return m
}

func clone(r entity.JobRun) entity.JobRun {
	steps := make(map[string]string, len(r.Steps))
	for k, v := range r.Steps {
		steps[k] = v
	}
	r.Steps = steps
	return r
}

func (m *memoryRuns) SaveRun(_ context.Context, run *entity.JobRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs[run.ID] = clone(*run)
	return nil
}

func (m *memoryRuns) FindRun(_ context.Context, id string) (*entity.JobRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[id]
	if !ok {
		return nil, nil
	}
	cp := clone(r)
	return &cp, nil
}

func (m *memoryRuns) PendingRuns(_ context.Context) ([]entity.JobRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []entity.JobRun
	for _, r := range m.runs {
		if !r.State.Finished() {
			out = append(out, clone(r))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *memoryRuns) RecentRuns(_ context.Context, function string, limit int) ([]entity.JobRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []entity.JobRun
	for _, r := range m.runs {
		if r.Function == function {
			out = append(out, clone(r))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memoryRuns) get(id string) entity.JobRun {
	m.mu.Lock()
	defer m.mu.Unlock()
	return clone(m.runs[id])
}
