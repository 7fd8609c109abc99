package pipeline_test

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/pyama86/mixstatus/domain/entity"
	"github.com/pyama86/mixstatus/domain/repository"
)

// ------------------------
// Mock repositories
// ------------------------
type mockEventRepo struct {
	mu        sync.Mutex
	data      map[string]*entity.ServiceEvent
	upsertErr map[string]error
	claimErr  error
	queries   []repository.BacklogQuery
	// onClaim はリース取得直後に呼ばれる
	onClaim func(id, owner string)
}

func newMockEventRepo(events ...entity.ServiceEvent) *mockEventRepo {
	m := &mockEventRepo{data: map[string]*entity.ServiceEvent{}, upsertErr: map[string]error{}}
	for i := range events {
		ev := events[i]
		m.data[ev.ID] = &ev
	}
	return m
}

func (m *mockEventRepo) UpsertEvent(_ context.Context, serviceID string, item entity.RawFeedItem) (*entity.ServiceEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.upsertErr[item.Key()]; err != nil {
		return nil, err
	}
	id := entity.EventID(serviceID, item.Key())
	ev, ok := m.data[id]
	if !ok {
		ev = &entity.ServiceEvent{ID: id, ServiceID: serviceID, GUID: item.Key(), CreatedAt: time.Now()}
		m.data[id] = ev
	}
	ev.Title = item.Title
	raw := item.Content
	ev.RawDescription = &raw
	ev.OriginalPubDate = item.PubDate
	cp := *ev
	return &cp, nil
}

func (m *mockEventRepo) FindEvent(_ context.Context, id string) (*entity.ServiceEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ev, ok := m.data[id]
	if !ok {
		return nil, nil
	}
	cp := *ev
	return &cp, nil
}

func (m *mockEventRepo) FindBacklog(_ context.Context, q repository.BacklogQuery) ([]entity.ServiceEvent, repository.Cursor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queries = append(m.queries, q)

	ids := make([]string, 0, len(m.data))
	for id := range m.data {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	after, _ := q.Cursor.(string)
	var out []entity.ServiceEvent
	for _, id := range ids {
		if after != "" && id <= after {
			continue
		}
		ev := m.data[id]
		if !ev.HasRawDescription() || ev.ClaimedAt(q.Now) {
			continue
		}
		switch q.Mode {
		case repository.BacklogUnsummarized:
			if ev.IsSummarized() {
				continue
			}
		case repository.BacklogTimespan:
			if !ev.IsSummarized() || ev.Status == entity.EventStatusOngoing {
				continue
			}
			if ev.AccumulatedTimeMinutes != nil && *ev.AccumulatedTimeMinutes != 0 {
				continue
			}
			if !ev.TimespanCheckedAt.IsZero() {
				continue
			}
		}
		out = append(out, *ev)
		if len(out) == q.Limit {
			break
		}
	}
	if len(out) < q.Limit {
		return out, nil, nil
	}
	return out, out[len(out)-1].ID, nil
}

func (m *mockEventRepo) ClaimEvent(_ context.Context, id, owner string, until time.Time) (bool, error) {
	m.mu.Lock()
	if m.claimErr != nil {
		m.mu.Unlock()
		return false, m.claimErr
	}
	ev, ok := m.data[id]
	if !ok {
		m.mu.Unlock()
		return false, nil
	}
	if ev.ClaimedBy != "" && ev.ClaimedBy != owner && ev.ClaimedUntil.After(time.Now()) {
		m.mu.Unlock()
		return false, nil
	}
	ev.ClaimedBy = owner
	ev.ClaimedUntil = until
	hook := m.onClaim
	m.mu.Unlock()
	if hook != nil {
		hook(id, owner)
	}
	return true, nil
}

func (m *mockEventRepo) ReleaseEvent(_ context.Context, id, owner string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ev, ok := m.data[id]; ok && ev.ClaimedBy == owner {
		ev.ClaimedBy = ""
		ev.ClaimedUntil = time.Time{}
	}
	return nil
}

func (m *mockEventRepo) ApplySummary(_ context.Context, id, owner string, update entity.EventUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ev, ok := m.data[id]
	if !ok || ev.ClaimedBy != owner {
		return repository.ErrLeaseLost
	}
	ev.Title = update.Title
	summary := update.SummarizedDescription
	ev.SummarizedDescription = &summary
	ev.Status = update.Status
	ev.Severity = update.Severity
	ev.AffectedComponents = update.AffectedComponents
	ev.AffectedRegion = update.AffectedRegion
	ev.ParsedEvents = update.ParsedEvents
	ev.AccumulatedTimeMinutes = update.AccumulatedTimeMinutes
	ev.TimespanCheckedAt = time.Time{}
	ev.ClaimedBy = ""
	ev.ClaimedUntil = time.Time{}
	return nil
}

func (m *mockEventRepo) ApplyTimespan(_ context.Context, id, owner string, minutes *int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ev, ok := m.data[id]
	if !ok || ev.ClaimedBy != owner {
		return repository.ErrLeaseLost
	}
	ev.AccumulatedTimeMinutes = minutes
	ev.TimespanCheckedAt = time.Now()
	ev.ClaimedBy = ""
	ev.ClaimedUntil = time.Time{}
	return nil
}

func (m *mockEventRepo) get(id string) *entity.ServiceEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *m.data[id]
	return &cp
}

type mockFeedRepo struct {
	items map[string][]entity.RawFeedItem
	errs  map[string]error
}

func (m *mockFeedRepo) FetchFeed(_ context.Context, url string) ([]entity.RawFeedItem, error) {
	if err := m.errs[url]; err != nil {
		return nil, err
	}
	return m.items[url], nil
}

type mockCrawler struct {
	mu       sync.Mutex
	pages    map[string]string
	requests []repository.CrawlRequest
}

func (m *mockCrawler) Crawl(_ context.Context, req repository.CrawlRequest) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = append(m.requests, req)
	body, ok := m.pages[req.URL]
	if !ok {
		return "", errors.New("crawl failed")
	}
	return body, nil
}

type stubProvider struct {
	mu        sync.Mutex
	responses []string
	err       error
	requests  []entity.CompletionRequest
}

func (s *stubProvider) GenerateJSON(_ context.Context, req entity.CompletionRequest) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, req)
	if s.err != nil {
		return "", s.err
	}
	if len(s.responses) == 0 {
		return "", errors.New("no response prepared")
	}
	r := s.responses[0]
	if len(s.responses) > 1 {
		s.responses = s.responses[1:]
	}
	return r, nil
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []entity.Notification
	err  error
}

func (r *recordingNotifier) Publish(_ context.Context, n entity.Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.sent = append(r.sent, n)
	return nil
}

func strPtr(s string) *string {
	return &s
}

func intPtr(i int) *int {
	return &i
}
