package repository

import (
	"context"
	"time"

	"github.com/pyama86/mixstatus/domain/entity"
)

type ServiceFilter struct {
	ID             string
	SourceProvider string
	SourceType     string
	// ExcludeProviders は専用ジョブを持つプロバイダを除外する
	ExcludeProviders []string
}

func (f ServiceFilter) Match(s entity.Service) bool {
	if s.Disabled {
		return false
	}
	if f.ID != "" && s.ID != f.ID {
		return false
	}
	if f.SourceProvider != "" && s.Provider() != f.SourceProvider {
		return false
	}
	if f.SourceType != "" && s.Type() != f.SourceType {
		return false
	}
	for _, p := range f.ExcludeProviders {
		if s.Provider() == p {
			return false
		}
	}
	return true
}

type ServiceRepository interface {
	Services(context.Context, ServiceFilter) ([]entity.Service, error)
	ServiceByID(context.Context, string) (*entity.Service, error)
}

type BacklogMode string

const (
	BacklogUnsummarized BacklogMode = "unsummarized"
	BacklogTimespan     BacklogMode = "timespan"
)

// Cursor はストア固有のページング位置で、呼び出し側は中身を解釈しない
type Cursor any

type BacklogQuery struct {
	Mode   BacklogMode
	Limit  int
	Cursor Cursor
	Now    time.Time
}

type ServiceEventRepository interface {
	UpsertEvent(ctx context.Context, serviceID string, item entity.RawFeedItem) (*entity.ServiceEvent, error)
	FindEvent(ctx context.Context, id string) (*entity.ServiceEvent, error)
	FindBacklog(ctx context.Context, q BacklogQuery) ([]entity.ServiceEvent, Cursor, error)
	ClaimEvent(ctx context.Context, id, owner string, until time.Time) (bool, error)
	ReleaseEvent(ctx context.Context, id, owner string) error
	ApplySummary(ctx context.Context, id, owner string, update entity.EventUpdate) error
	ApplyTimespan(ctx context.Context, id, owner string, minutes *int) error
}

type JobRunRepository interface {
	SaveRun(ctx context.Context, run *entity.JobRun) error
	FindRun(ctx context.Context, id string) (*entity.JobRun, error)
	PendingRuns(ctx context.Context) ([]entity.JobRun, error)
	RecentRuns(ctx context.Context, function string, limit int) ([]entity.JobRun, error)
}

type FeedRepositorier interface {
	FetchFeed(ctx context.Context, url string) ([]entity.RawFeedItem, error)
}

type CrawlRequest struct {
	URL          string
	ReturnFormat string
}

type Crawler interface {
	Crawl(ctx context.Context, req CrawlRequest) (string, error)
}

type Notifier interface {
	Publish(ctx context.Context, n entity.Notification) error
}

type Subscriber interface {
	Subscribe(ctx context.Context, fn func(entity.Notification)) (func(), error)
}

type Repository interface {
	ServiceRepository
	ServiceEventRepository
	JobRunRepository
}

type RepositoryFacade struct {
	ServiceRepository
	ServiceEventRepository
	JobRunRepository
}

func NewRepository(serviceRepository ServiceRepository, eventRepository ServiceEventRepository, runRepository JobRunRepository) Repository {
	return RepositoryFacade{
		ServiceRepository:      serviceRepository,
		ServiceEventRepository: eventRepository,
		JobRunRepository:       runRepository,
	}
}

var timeNow = func() time.Time {
	return time.Now().UTC()
}
