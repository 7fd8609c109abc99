package repository

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/guregu/dynamo/v2"
	"github.com/pyama86/mixstatus/domain/entity"
)

func NewDynamoDBRepository(c DynamoDBConfig) (*DynamoDBRepository, error) {
	var db *dynamo.DB
	if os.Getenv("DYNAMO_LOCAL") != "" || c.Endpoint != "" {
		endpoint := c.Endpoint
		if endpoint == "" {
			endpoint = "http://localhost:8000"
		}
		cfg, err := config.LoadDefaultConfig(context.TODO(),
			config.WithRegion("dummy"),
			config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider("dummy", "dummy", "dummy")),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to load configuration: %v", err)
		}
		db = dynamo.New(cfg, func(o *dynamodb.Options) {
			o.BaseEndpoint = aws.String(endpoint)
		},
		)
	} else {
		cfg, err := config.LoadDefaultConfig(context.TODO())
		if err != nil {
			return nil, fmt.Errorf("failed to load configuration: %v", err)
		}
		db = dynamo.New(cfg)
	}

	r := &DynamoDBRepository{
		db:            db,
		servicesTable: c.ServicesTable,
		eventsTable:   c.EventsTable,
		runsTable:     c.RunsTable,
	}
	if os.Getenv("DYNAMO_LOCAL") != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := r.Migrate(ctx); err != nil {
			return nil, fmt.Errorf("failed to setup schema: %v", err)
		}
	}
	return r, nil
}

type DynamoDBRepository struct {
	db            *dynamo.DB
	servicesTable string
	eventsTable   string
	runsTable     string
}

// Migrate は存在しないテーブルだけを作成する
func (r *DynamoDBRepository) Migrate(ctx context.Context) error {
	tables := []struct {
		name string
		from any
	}{
		{r.servicesTable, entity.Service{}},
		{r.eventsTable, entity.ServiceEvent{}},
		{r.runsTable, entity.JobRun{}},
	}
	for _, t := range tables {
		if _, err := r.db.Table(t.name).Describe().Run(ctx); err == nil {
			continue
		}
		if err := r.db.CreateTable(t.name, t.from).Provision(10, 10).Run(ctx); err != nil {
			return fmt.Errorf("failed to create table %s: %w", t.name, err)
		}
	}
	return nil
}

func (r *DynamoDBRepository) Services(ctx context.Context, filter ServiceFilter) ([]entity.Service, error) {
	var all []entity.Service
	if err := r.db.Table(r.servicesTable).Scan().All(ctx, &all); err != nil {
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

func (r *DynamoDBRepository) ServiceByID(ctx context.Context, id string) (*entity.Service, error) {
	service := &entity.Service{}
	err := r.db.Table(r.servicesTable).Get("id", id).One(ctx, service)
	if err != nil {
		if err == dynamo.ErrNotFound {
			return nil, ErrServiceUnknown
		}
		return nil, err
	}
	return service, nil
}

const upsertAttempts = 3

func (r *DynamoDBRepository) UpsertEvent(ctx context.Context, serviceID string, item entity.RawFeedItem) (*entity.ServiceEvent, error) {
	id := entity.EventID(serviceID, item.Key())
	for attempt := 1; ; attempt++ {
		current, err := r.FindEvent(ctx, id)
		if err != nil {
			return nil, err
		}
		ev, err := r.upsertEvent(ctx, serviceID, item, current)
		if err == nil {
			return ev, nil
		}
		// 読んでから書くまでに本文が変わっていたら読み直す
		if !dynamo.IsCondCheckFailed(err) || attempt >= upsertAttempts {
			return nil, err
		}
	}
}

// upsertEvent は current を読んだ時点から本文が変わっていない場合だけ書き込む
func (r *DynamoDBRepository) upsertEvent(ctx context.Context, serviceID string, item entity.RawFeedItem, current *entity.ServiceEvent) (*entity.ServiceEvent, error) {
	guid := item.Key()
	id := entity.EventID(serviceID, guid)
	now := timeNow()

	u := r.db.Table(r.eventsTable).Update("id", id).
		Set("service_id", serviceID).
		Set("guid", guid).
		Set("title", item.Title).
		Set("updated_at", now).
		SetIfNotExists("created_at", now)

	switch {
	case current == nil:
		u = u.If("attribute_not_exists('id')")
	case current.RawDescription == nil:
		u = u.If("attribute_not_exists('raw_description')")
	default:
		u = u.If("'raw_description' = ?", *current.RawDescription)
	}

	if !item.PubDate.IsZero() {
		u = u.Set("original_pub_date", item.PubDate.UTC())
	} else {
		u = u.SetIfNotExists("original_pub_date", now)
	}

	raw := strings.TrimSpace(item.Content)
	if raw != "" {
		u = u.Set("raw_description", raw)
		// 本文が変わったら要約をやり直させる
		if current != nil && current.RawDescription != nil && *current.RawDescription != raw && current.IsSummarized() {
			u = u.Remove("summarized_description", "timespan_checked_at")
		}
	}

	var ev entity.ServiceEvent
	if err := u.Value(ctx, &ev); err != nil {
		return nil, err
	}
	return &ev, nil
}

func (r *DynamoDBRepository) FindEvent(ctx context.Context, id string) (*entity.ServiceEvent, error) {
	ev := &entity.ServiceEvent{}
	err := r.db.Table(r.eventsTable).Get("id", id).One(ctx, ev)
	if err != nil {
		if err == dynamo.ErrNotFound {
			return nil, nil
		}
		return nil, err
	}
	return ev, nil
}

const unclaimedExpr = "(attribute_not_exists('claimed_until') OR 'claimed_until' < ?)"

func (r *DynamoDBRepository) FindBacklog(ctx context.Context, q BacklogQuery) ([]entity.ServiceEvent, Cursor, error) {
	scan := r.db.Table(r.eventsTable).Scan().Limit(q.Limit)
	switch q.Mode {
	case BacklogUnsummarized:
		scan = scan.Filter("attribute_exists('raw_description') AND attribute_not_exists('summarized_description') AND "+unclaimedExpr,
			q.Now.Unix())
	case BacklogTimespan:
		scan = scan.Filter("attribute_exists('raw_description') AND attribute_exists('summarized_description') AND 'status' <> ? AND (attribute_not_exists('accumulated_time_minutes') OR 'accumulated_time_minutes' = ?) AND attribute_not_exists('timespan_checked_at') AND "+unclaimedExpr,
			entity.EventStatusOngoing, 0, q.Now.Unix())
	default:
		return nil, nil, fmt.Errorf("unknown backlog mode %q", q.Mode)
	}
	if key, ok := q.Cursor.(dynamo.PagingKey); ok && key != nil {
		scan = scan.StartFrom(key)
	}

	var events []entity.ServiceEvent
	next, err := scan.AllWithLastEvaluatedKey(ctx, &events)
	if err != nil {
		return nil, nil, err
	}
	if next == nil {
		return events, nil, nil
	}
	return events, next, nil
}

func (r *DynamoDBRepository) ClaimEvent(ctx context.Context, id, owner string, until time.Time) (bool, error) {
	err := r.db.Table(r.eventsTable).Update("id", id).
		Set("claimed_by", owner).
		Set("claimed_until", until.Unix()).
		If("attribute_exists('id')").
		If("(attribute_not_exists('claimed_by') OR 'claimed_by' = ? OR 'claimed_until' < ?)", owner, timeNow().Unix()).
		Run(ctx)
	if err != nil {
		if dynamo.IsCondCheckFailed(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (r *DynamoDBRepository) ReleaseEvent(ctx context.Context, id, owner string) error {
	err := r.db.Table(r.eventsTable).Update("id", id).
		Remove("claimed_by", "claimed_until").
		If("'claimed_by' = ?", owner).
		Run(ctx)
	if err != nil && !dynamo.IsCondCheckFailed(err) {
		return err
	}
	return nil
}

func (r *DynamoDBRepository) ApplySummary(ctx context.Context, id, owner string, update entity.EventUpdate) error {
	u := r.db.Table(r.eventsTable).Update("id", id).
		Set("title", update.Title).
		Set("summarized_description", update.SummarizedDescription).
		Set("status", update.Status).
		Set("severity", update.Severity).
		Set("affected_region", update.AffectedRegion).
		Set("updated_at", timeNow()).
		Remove("claimed_by", "claimed_until", "timespan_checked_at").
		If("'claimed_by' = ?", owner)

	if len(update.AffectedComponents) > 0 {
		u = u.Set("affected_components", update.AffectedComponents)
	} else {
		u = u.Remove("affected_components")
	}
	if len(update.ParsedEvents) > 0 {
		u = u.Set("parsed_events", update.ParsedEvents)
	} else {
		u = u.Remove("parsed_events")
	}
	if update.AccumulatedTimeMinutes != nil {
		u = u.Set("accumulated_time_minutes", *update.AccumulatedTimeMinutes)
	} else {
		u = u.Remove("accumulated_time_minutes")
	}

	if err := u.Run(ctx); err != nil {
		if dynamo.IsCondCheckFailed(err) {
			return ErrLeaseLost
		}
		return err
	}
	return nil
}

func (r *DynamoDBRepository) ApplyTimespan(ctx context.Context, id, owner string, minutes *int) error {
	u := r.db.Table(r.eventsTable).Update("id", id).
		Set("updated_at", timeNow()).
		Set("timespan_checked_at", timeNow()).
		Remove("claimed_by", "claimed_until").
		If("'claimed_by' = ?", owner)
	if minutes != nil {
		u = u.Set("accumulated_time_minutes", *minutes)
	} else {
		u = u.Remove("accumulated_time_minutes")
	}
	if err := u.Run(ctx); err != nil {
		if dynamo.IsCondCheckFailed(err) {
			return ErrLeaseLost
		}
		return err
	}
	return nil
}

func (r *DynamoDBRepository) SaveRun(ctx context.Context, run *entity.JobRun) error {
	return r.db.Table(r.runsTable).Put(run).Run(ctx)
}

func (r *DynamoDBRepository) FindRun(ctx context.Context, id string) (*entity.JobRun, error) {
	run := &entity.JobRun{}
	err := r.db.Table(r.runsTable).Get("id", id).One(ctx, run)
	if err != nil {
		if errors.Is(err, dynamo.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return run, nil
}

// 終了していない実行を取得
func (r *DynamoDBRepository) PendingRuns(ctx context.Context) ([]entity.JobRun, error) {
	var runs []entity.JobRun
	err := r.db.Table(r.runsTable).Scan().
		Filter("'state' IN (?, ?, ?)", entity.JobStateQueued, entity.JobStateRunning, entity.JobStateFailedRetryable).
		All(ctx, &runs)
	if err != nil {
		return nil, err
	}
	return runs, nil
}

func (r *DynamoDBRepository) RecentRuns(ctx context.Context, function string, limit int) ([]entity.JobRun, error) {
	var runs []entity.JobRun
	err := r.db.Table(r.runsTable).Scan().Filter("'function' = ?", function).All(ctx, &runs)
	if err != nil {
		return nil, err
	}
	sort.Slice(runs, func(i, j int) bool {
		return runs[i].CreatedAt.After(runs[j].CreatedAt)
	})
	if limit > 0 && len(runs) > limit {
		runs = runs[:limit]
	}
	return runs, nil
}
