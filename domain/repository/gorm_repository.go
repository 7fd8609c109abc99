package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/pyama86/mixstatus/domain/entity"
	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

type eventRecord struct {
	ID                     string  `gorm:"primaryKey;size:36"`
	ServiceID              string  `gorm:"size:191;not null;uniqueIndex:idx_service_events_service_guid"`
	GUID                   string  `gorm:"column:guid;size:512;not null;uniqueIndex:idx_service_events_service_guid"`
	Title                  string  `gorm:"type:text"`
	RawDescription         *string `gorm:"type:text"`
	SummarizedDescription  *string `gorm:"type:text"`
	Status                 string  `gorm:"size:32;index"`
	Severity               string  `gorm:"size:32"`
	AffectedComponents     datatypes.JSON
	AffectedRegion         string `gorm:"size:32"`
	ParsedEvents           datatypes.JSON
	AccumulatedTimeMinutes *int
	TimespanCheckedAt      *time.Time
	OriginalPubDate        time.Time
	ClaimedBy              *string `gorm:"size:191;index"`
	ClaimedUntil           *time.Time
	CreatedAt              time.Time
	UpdatedAt              time.Time
}

func (eventRecord) TableName() string {
	return "service_events"
}

func (r eventRecord) toEntity() (*entity.ServiceEvent, error) {
	ev := &entity.ServiceEvent{
		ID:                     r.ID,
		ServiceID:              r.ServiceID,
		GUID:                   r.GUID,
		Title:                  r.Title,
		RawDescription:         r.RawDescription,
		SummarizedDescription:  r.SummarizedDescription,
		Status:                 entity.EventStatus(r.Status),
		Severity:               entity.Severity(r.Severity),
		AffectedRegion:         entity.Region(r.AffectedRegion),
		AccumulatedTimeMinutes: r.AccumulatedTimeMinutes,
		OriginalPubDate:        r.OriginalPubDate.UTC(),
		CreatedAt:              r.CreatedAt.UTC(),
		UpdatedAt:              r.UpdatedAt.UTC(),
	}
	if r.ClaimedBy != nil {
		ev.ClaimedBy = *r.ClaimedBy
	}
	if r.ClaimedUntil != nil {
		ev.ClaimedUntil = r.ClaimedUntil.UTC()
	}
	if r.TimespanCheckedAt != nil {
		ev.TimespanCheckedAt = r.TimespanCheckedAt.UTC()
	}
	if len(r.AffectedComponents) > 0 {
		if err := json.Unmarshal(r.AffectedComponents, &ev.AffectedComponents); err != nil {
			return nil, fmt.Errorf("failed to decode affected_components of %s: %w", r.ID, err)
		}
	}
	if len(r.ParsedEvents) > 0 {
		if err := json.Unmarshal(r.ParsedEvents, &ev.ParsedEvents); err != nil {
			return nil, fmt.Errorf("failed to decode parsed_events of %s: %w", r.ID, err)
		}
	}
	return ev, nil
}

type runRecord struct {
	ID          string `gorm:"primaryKey;size:36"`
	Function    string `gorm:"column:function_name;size:191;index"`
	Event       string `gorm:"size:191"`
	Payload     string `gorm:"type:text"`
	State       string `gorm:"size:32;index"`
	Attempt     int
	MaxAttempts int
	Steps       datatypes.JSON
	Output      string `gorm:"type:text"`
	Error       string `gorm:"type:text"`
	NextRunAt   time.Time
	CreatedAt   time.Time `gorm:"index"`
	UpdatedAt   time.Time
	FinishedAt  time.Time
}

func (runRecord) TableName() string {
	return "job_runs"
}

func newRunRecord(run *entity.JobRun) (*runRecord, error) {
	steps, err := json.Marshal(run.Steps)
	if err != nil {
		return nil, err
	}
	return &runRecord{
		ID:          run.ID,
		Function:    run.Function,
		Event:       run.Event,
		Payload:     run.Payload,
		State:       string(run.State),
		Attempt:     run.Attempt,
		MaxAttempts: run.MaxAttempts,
		Steps:       datatypes.JSON(steps),
		Output:      run.Output,
		Error:       run.Error,
		NextRunAt:   run.NextRunAt,
		CreatedAt:   run.CreatedAt,
		UpdatedAt:   run.UpdatedAt,
		FinishedAt:  run.FinishedAt,
	}, nil
}

func (r runRecord) toEntity() (*entity.JobRun, error) {
	run := &entity.JobRun{
		ID:          r.ID,
		Function:    r.Function,
		Event:       r.Event,
		Payload:     r.Payload,
		State:       entity.JobState(r.State),
		Attempt:     r.Attempt,
		MaxAttempts: r.MaxAttempts,
		Output:      r.Output,
		Error:       r.Error,
		NextRunAt:   r.NextRunAt,
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
		FinishedAt:  r.FinishedAt,
	}
	if len(r.Steps) > 0 {
		if err := json.Unmarshal(r.Steps, &run.Steps); err != nil {
			return nil, fmt.Errorf("failed to decode steps of %s: %w", r.ID, err)
		}
	}
	if run.Steps == nil {
		run.Steps = map[string]string{}
	}
	return run, nil
}

type GormRepository struct {
	db *gorm.DB
}

func NewGormRepository(driver, dsn string) (*GormRepository, error) {
	var dialector gorm.Dialector
	switch driver {
	case "postgres":
		dialector = postgres.Open(dsn)
	case "sqlite":
		dialector = sqlite.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported storage driver %q", driver)
	}
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", driver, err)
	}
	if driver == "sqlite" {
		// sqliteは書き込みを直列化しないとロックエラーになる
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		sqlDB.SetMaxOpenConns(1)
	}
	return &GormRepository{db: db}, nil
}

func (r *GormRepository) Migrate(ctx context.Context) error {
	return r.db.WithContext(ctx).AutoMigrate(&entity.Service{}, &eventRecord{}, &runRecord{})
}

func (r *GormRepository) SaveService(ctx context.Context, s *entity.Service) error {
	return r.db.WithContext(ctx).Save(s).Error
}

func (r *GormRepository) Services(ctx context.Context, filter ServiceFilter) ([]entity.Service, error) {
	var all []entity.Service
	if err := r.db.WithContext(ctx).Order("id").Find(&all).Error; err != nil {
		return nil, err
	}
	var services []entity.Service
	for _, s := range all {
		if filter.Match(s) {
			services = append(services, s)
		}
	}
	return services, nil
}

func (r *GormRepository) ServiceByID(ctx context.Context, id string) (*entity.Service, error) {
	var s entity.Service
	err := r.db.WithContext(ctx).Where("id = ?", id).Take(&s).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrServiceUnknown
		}
		return nil, err
	}
	return &s, nil
}

func (r *GormRepository) UpsertEvent(ctx context.Context, serviceID string, item entity.RawFeedItem) (*entity.ServiceEvent, error) {
	guid := item.Key()
	id := entity.EventID(serviceID, guid)
	now := timeNow()
	raw := strings.TrimSpace(item.Content)
	pubDate := now
	if !item.PubDate.IsZero() {
		pubDate = item.PubDate.UTC()
	}

	var rec eventRecord
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		created := eventRecord{
			ID:              id,
			ServiceID:       serviceID,
			GUID:            guid,
			Title:           item.Title,
			OriginalPubDate: pubDate,
			CreatedAt:       now,
			UpdatedAt:       now,
		}
		if raw != "" {
			created.RawDescription = &raw
		}
		res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&created)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 1 {
			rec = created
			return nil
		}

		var current eventRecord
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("id = ?", id).Take(&current).Error; err != nil {
			return err
		}
		updates := map[string]any{
			"title":      item.Title,
			"updated_at": now,
		}
		if !item.PubDate.IsZero() {
			updates["original_pub_date"] = pubDate
		}
		if raw != "" {
			updates["raw_description"] = raw
			// 本文が変わったら要約をやり直させる
			if current.RawDescription != nil && *current.RawDescription != raw && current.SummarizedDescription != nil {
				updates["summarized_description"] = nil
				updates["timespan_checked_at"] = nil
			}
		}
		if err := tx.Model(&eventRecord{}).Where("id = ?", id).UpdateColumns(updates).Error; err != nil {
			return err
		}
		return tx.Where("id = ?", id).Take(&rec).Error
	})
	if err != nil {
		return nil, err
	}
	return rec.toEntity()
}

func (r *GormRepository) FindEvent(ctx context.Context, id string) (*entity.ServiceEvent, error) {
	var rec eventRecord
	err := r.db.WithContext(ctx).Where("id = ?", id).Take(&rec).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return rec.toEntity()
}

func (r *GormRepository) FindBacklog(ctx context.Context, q BacklogQuery) ([]entity.ServiceEvent, Cursor, error) {
	db := r.db.WithContext(ctx).Model(&eventRecord{}).
		Where("raw_description IS NOT NULL AND raw_description <> ''").
		Where("(claimed_until IS NULL OR claimed_until < ?)", q.Now.UTC())

	switch q.Mode {
	case BacklogUnsummarized:
		db = db.Where("(summarized_description IS NULL OR summarized_description = '')")
	case BacklogTimespan:
		db = db.Where("summarized_description IS NOT NULL AND summarized_description <> ''").
			Where("status <> ?", string(entity.EventStatusOngoing)).
			Where("(accumulated_time_minutes IS NULL OR accumulated_time_minutes = 0)").
			Where("timespan_checked_at IS NULL")
	default:
		return nil, nil, fmt.Errorf("unknown backlog mode %q", q.Mode)
	}
	if after, ok := q.Cursor.(string); ok && after != "" {
		db = db.Where("id > ?", after)
	}

	var recs []eventRecord
	if err := db.Order("id").Limit(q.Limit).Find(&recs).Error; err != nil {
		return nil, nil, err
	}
	events := make([]entity.ServiceEvent, 0, len(recs))
	for _, rec := range recs {
		ev, err := rec.toEntity()
		if err != nil {
			return nil, nil, err
		}
		events = append(events, *ev)
	}
	if len(recs) < q.Limit || len(recs) == 0 {
		return events, nil, nil
	}
	return events, recs[len(recs)-1].ID, nil
}

func (r *GormRepository) ClaimEvent(ctx context.Context, id, owner string, until time.Time) (bool, error) {
	res := r.db.WithContext(ctx).Model(&eventRecord{}).
		Where("id = ?", id).
		Where("(claimed_by IS NULL OR claimed_by = '' OR claimed_by = ? OR claimed_until < ?)", owner, timeNow()).
		UpdateColumns(map[string]any{
			"claimed_by":    owner,
			"claimed_until": until.UTC(),
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *GormRepository) ReleaseEvent(ctx context.Context, id, owner string) error {
	return r.db.WithContext(ctx).Model(&eventRecord{}).
		Where("id = ? AND claimed_by = ?", id, owner).
		UpdateColumns(map[string]any{
			"claimed_by":    nil,
			"claimed_until": nil,
		}).Error
}

func (r *GormRepository) ApplySummary(ctx context.Context, id, owner string, update entity.EventUpdate) error {
	components, err := json.Marshal(update.AffectedComponents)
	if err != nil {
		return err
	}
	events, err := json.Marshal(update.ParsedEvents)
	if err != nil {
		return err
	}
	res := r.db.WithContext(ctx).Model(&eventRecord{}).
		Where("id = ? AND claimed_by = ?", id, owner).
		UpdateColumns(map[string]any{
			"title":                    update.Title,
			"summarized_description":   update.SummarizedDescription,
			"status":                   string(update.Status),
			"severity":                 string(update.Severity),
			"affected_components":      datatypes.JSON(components),
			"affected_region":          string(update.AffectedRegion),
			"parsed_events":            datatypes.JSON(events),
			"accumulated_time_minutes": update.AccumulatedTimeMinutes,
			"timespan_checked_at":      nil,
			"claimed_by":               nil,
			"claimed_until":            nil,
			"updated_at":               timeNow(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrLeaseLost
	}
	return nil
}

func (r *GormRepository) ApplyTimespan(ctx context.Context, id, owner string, minutes *int) error {
	res := r.db.WithContext(ctx).Model(&eventRecord{}).
		Where("id = ? AND claimed_by = ?", id, owner).
		UpdateColumns(map[string]any{
			"accumulated_time_minutes": minutes,
			"timespan_checked_at":      timeNow(),
			"claimed_by":               nil,
			"claimed_until":            nil,
			"updated_at":               timeNow(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrLeaseLost
	}
	return nil
}

func (r *GormRepository) SaveRun(ctx context.Context, run *entity.JobRun) error {
	rec, err := newRunRecord(run)
	if err != nil {
		return err
	}
	return r.db.WithContext(ctx).Save(rec).Error
}

func (r *GormRepository) FindRun(ctx context.Context, id string) (*entity.JobRun, error) {
	var rec runRecord
	err := r.db.WithContext(ctx).Where("id = ?", id).Take(&rec).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return rec.toEntity()
}

func (r *GormRepository) PendingRuns(ctx context.Context) ([]entity.JobRun, error) {
	var recs []runRecord
	err := r.db.WithContext(ctx).
		Where("state IN ?", []string{
			string(entity.JobStateQueued),
			string(entity.JobStateRunning),
			string(entity.JobStateFailedRetryable),
		}).
		Order("created_at").
		Find(&recs).Error
	if err != nil {
		return nil, err
	}
	return runsFromRecords(recs)
}

func (r *GormRepository) RecentRuns(ctx context.Context, function string, limit int) ([]entity.JobRun, error) {
	var recs []runRecord
	db := r.db.WithContext(ctx).Where("function_name = ?", function).Order("created_at DESC")
	if limit > 0 {
		db = db.Limit(limit)
	}
	if err := db.Find(&recs).Error; err != nil {
		return nil, err
	}
	return runsFromRecords(recs)
}

func runsFromRecords(recs []runRecord) ([]entity.JobRun, error) {
	runs := make([]entity.JobRun, 0, len(recs))
	for _, rec := range recs {
		run, err := rec.toEntity()
		if err != nil {
			return nil, err
		}
		runs = append(runs, *run)
	}
	return runs, nil
}
