package entity

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

type EventStatus string

const (
	EventStatusOngoing     EventStatus = "ongoing"
	EventStatusResolved    EventStatus = "resolved"
	EventStatusMaintenance EventStatus = "maintenance"
)

type Severity string

const (
	SeverityCritical    Severity = "critical"
	SeverityMajor       Severity = "major"
	SeverityMinor       Severity = "minor"
	SeverityMaintenance Severity = "maintenance"
)

type Region string

const (
	RegionNorthAmerica Region = "north-america"
	RegionEurope       Region = "europe"
	RegionAsia         Region = "asia"
	RegionAustralasia  Region = "australasia"
	RegionSouthAmerica Region = "south-america"
	RegionGlobal       Region = "global"
)

var Regions = []Region{
	RegionNorthAmerica,
	RegionEurope,
	RegionAsia,
	RegionAustralasia,
	RegionSouthAmerica,
	RegionGlobal,
}

func (r Region) Valid() bool {
	for _, v := range Regions {
		if r == v {
			return true
		}
	}
	return false
}

// eventNamespace はイベントIDを決定的に生成するための名前空間
var eventNamespace = uuid.MustParse("6f1c1b8e-3f7a-4d55-9a0e-2f4c9c1d7b21")

// EventID は (service_id, guid) から常に同じIDを返す
func EventID(serviceID, guid string) string {
	return uuid.NewSHA1(eventNamespace, []byte(serviceID+"\x00"+guid)).String()
}

type RawFeedItem struct {
	Title   string    `json:"title"`
	Content string    `json:"content"`
	Link    string    `json:"link"`
	PubDate time.Time `json:"pub_date"`
	GUID    string    `json:"guid"`
}

// Key はGUIDが無いフィードのためにリンクで代用する
func (i RawFeedItem) Key() string {
	if g := strings.TrimSpace(i.GUID); g != "" {
		return g
	}
	return strings.TrimSpace(i.Link)
}

type ParsedEvent struct {
	Status                 EventStatus `json:"status" dynamo:"status"`
	Description            string      `json:"description" dynamo:"description"`
	Timestamp              time.Time   `json:"timestamp" dynamo:"timestamp"`
	MinutesSinceLastUpdate int         `json:"minutes_since_last_update" dynamo:"minutes_since_last_update"`
}

type ServiceEvent struct {
	ID                     string        `json:"id" dynamo:"id,hash"`
	ServiceID              string        `json:"service_id" dynamo:"service_id"`
	GUID                   string        `json:"guid" dynamo:"guid"`
	Title                  string        `json:"title" dynamo:"title"`
	RawDescription         *string       `json:"raw_description" dynamo:"raw_description"`
	SummarizedDescription  *string       `json:"summarized_description" dynamo:"summarized_description"`
	Status                 EventStatus   `json:"status,omitempty" dynamo:"status,omitempty"`
	Severity               Severity      `json:"severity,omitempty" dynamo:"severity,omitempty"`
	AffectedComponents     []string      `json:"affected_components" dynamo:"affected_components,omitempty"`
	AffectedRegion         Region        `json:"affected_region,omitempty" dynamo:"affected_region,omitempty"`
	ParsedEvents           []ParsedEvent `json:"parsed_events" dynamo:"parsed_events,omitempty"`
	AccumulatedTimeMinutes *int          `json:"accumulated_time_minutes" dynamo:"accumulated_time_minutes"`
	TimespanCheckedAt      time.Time     `json:"timespan_checked_at,omitempty" dynamo:"timespan_checked_at,omitempty"`
	OriginalPubDate        time.Time     `json:"original_pub_date" dynamo:"original_pub_date"`
	ClaimedBy              string        `json:"claimed_by,omitempty" dynamo:"claimed_by,omitempty"`
	ClaimedUntil           time.Time     `json:"claimed_until,omitempty" dynamo:"claimed_until,unixtime,omitempty"`
	CreatedAt              time.Time     `json:"created_at" dynamo:"created_at"`
	UpdatedAt              time.Time     `json:"updated_at" dynamo:"updated_at"`
}

func (e *ServiceEvent) HasRawDescription() bool {
	return e.RawDescription != nil && strings.TrimSpace(*e.RawDescription) != ""
}

func (e *ServiceEvent) IsSummarized() bool {
	return e.SummarizedDescription != nil && *e.SummarizedDescription != ""
}

// ClaimedAt は指定時刻にリースが有効かを返す
func (e *ServiceEvent) ClaimedAt(now time.Time) bool {
	return e.ClaimedBy != "" && e.ClaimedUntil.After(now)
}

// EventUpdate は要約結果として一度に書き込むフィールド
type EventUpdate struct {
	Title                  string        `json:"title"`
	SummarizedDescription  string        `json:"summarized_description"`
	Status                 EventStatus   `json:"status"`
	Severity               Severity      `json:"severity"`
	AffectedComponents     []string      `json:"affected_components"`
	AffectedRegion         Region        `json:"affected_region"`
	ParsedEvents           []ParsedEvent `json:"parsed_events"`
	AccumulatedTimeMinutes *int          `json:"accumulated_time_minutes"`
}
