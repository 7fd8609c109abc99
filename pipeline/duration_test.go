package pipeline_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pyama86/mixstatus/domain/entity"
	"github.com/pyama86/mixstatus/pipeline"
)

func at(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		panic(err)
	}
	return t
}

func TestBuildTimeline(t *testing.T) {
	events := []entity.ParsedEvent{
		{Status: entity.EventStatusResolved, Description: "resolved", Timestamp: at("2024-05-01T14:50:00Z")},
		{Status: entity.EventStatusOngoing, Description: "investigating", Timestamp: at("2024-05-01T14:03:00Z")},
		{Status: entity.EventStatusOngoing, Description: "identified", Timestamp: at("2024-05-01T14:20:59Z")},
	}

	timeline, total := pipeline.BuildTimeline(events)
	require.Len(t, timeline, 3)
	assert.Equal(t, "investigating", timeline[0].Description)
	assert.Equal(t, 0, timeline[0].MinutesSinceLastUpdate)
	// 端数は切り捨て
	assert.Equal(t, 17, timeline[1].MinutesSinceLastUpdate)
	assert.Equal(t, 29, timeline[2].MinutesSinceLastUpdate)
	assert.Equal(t, 46, total)

	for i := 1; i < len(timeline); i++ {
		assert.GreaterOrEqual(t, timeline[i].MinutesSinceLastUpdate, 0)
		assert.False(t, timeline[i].Timestamp.Before(timeline[i-1].Timestamp))
	}

	// 入力は書き換えない
	assert.Equal(t, "resolved", events[0].Description)
}

func TestBuildTimelineStableOnTies(t *testing.T) {
	ts := at("2024-05-01T10:00:00Z")
	timeline, total := pipeline.BuildTimeline([]entity.ParsedEvent{
		{Description: "first", Timestamp: ts},
		{Description: "second", Timestamp: ts},
	})
	assert.Equal(t, "first", timeline[0].Description)
	assert.Equal(t, "second", timeline[1].Description)
	assert.Equal(t, 0, total)
}

func TestBuildTimelineEmpty(t *testing.T) {
	timeline, total := pipeline.BuildTimeline(nil)
	assert.Empty(t, timeline)
	assert.Equal(t, 0, total)
}

func TestAccumulatedMinutes(t *testing.T) {
	tests := []struct {
		name        string
		severity    entity.Severity
		recent      entity.EventStatus
		maintenance *int
		total       int
		want        *int
	}{
		{"ongoing is always nil", entity.SeverityMajor, entity.EventStatusOngoing, nil, 120, nil},
		{"ongoing maintenance is nil", entity.SeverityMaintenance, entity.EventStatusOngoing, intPtr(30), 120, nil},
		{"resolved uses total", entity.SeverityMinor, entity.EventStatusResolved, nil, 47, intPtr(47)},
		{"maintenance uses window", entity.SeverityMaintenance, entity.EventStatusResolved, intPtr(30), 90, intPtr(30)},
		{"maintenance without window", entity.SeverityMaintenance, entity.EventStatusMaintenance, nil, 90, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := pipeline.AccumulatedMinutes(tt.severity, tt.recent, tt.maintenance, tt.total)
			if tt.want == nil {
				assert.Nil(t, got)
				return
			}
			require.NotNil(t, got)
			assert.Equal(t, *tt.want, *got)
		})
	}
}

func TestMaintenanceWindowMinutes(t *testing.T) {
	timeline, _ := pipeline.BuildTimeline([]entity.ParsedEvent{
		{Status: entity.EventStatusMaintenance, Description: "Maintenance is scheduled for 02:00 UTC.", Timestamp: at("2024-06-01T01:00:00Z")},
		{Status: entity.EventStatusMaintenance, Description: "Maintenance is in progress.", Timestamp: at("2024-06-01T02:00:00Z")},
		{Status: entity.EventStatusResolved, Description: "Maintenance has completed.", Timestamp: at("2024-06-01T02:30:00Z")},
	})
	got := pipeline.MaintenanceWindowMinutes(timeline)
	require.NotNil(t, got)
	assert.Equal(t, 30, *got)

	assert.Nil(t, pipeline.MaintenanceWindowMinutes(timeline[:1]))
}
