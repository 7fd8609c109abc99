package pipeline

import (
	"sort"
	"strings"
	"time"

	"github.com/pyama86/mixstatus/domain/entity"
)

// BuildTimeline は時刻順に並べ、直前の更新からの経過分を埋めて合計を返す
func BuildTimeline(events []entity.ParsedEvent) ([]entity.ParsedEvent, int) {
	timeline := make([]entity.ParsedEvent, len(events))
	copy(timeline, events)
	sort.SliceStable(timeline, func(i, j int) bool {
		return timeline[i].Timestamp.Before(timeline[j].Timestamp)
	})

	total := 0
	for i := range timeline {
		if i == 0 {
			timeline[i].MinutesSinceLastUpdate = 0
			continue
		}
		m := minutesBetween(timeline[i-1].Timestamp, timeline[i].Timestamp)
		timeline[i].MinutesSinceLastUpdate = m
		total += m
	}
	return timeline, total
}

// minutesBetween は端数を切り捨てた経過分
func minutesBetween(from, to time.Time) int {
	return int(to.Sub(from) / time.Minute)
}

// AccumulatedMinutes は保存する累積時間。継続中はnil
func AccumulatedMinutes(severity entity.Severity, recent entity.EventStatus, maintenance *int, total int) *int {
	if recent == entity.EventStatusOngoing {
		return nil
	}
	if severity == entity.SeverityMaintenance {
		if maintenance == nil {
			return nil
		}
		m := *maintenance
		return &m
	}
	return &total
}

var (
	progressMarkers   = []string{"in progress", "in-progress", "underway", "has begun", "has started", "started"}
	completionMarkers = []string{"completed", "complete", "finished", "resolved", "ended"}
)

// MaintenanceWindowMinutes は作業開始から完了までの経過分を時系列から求める
func MaintenanceWindowMinutes(timeline []entity.ParsedEvent) *int {
	start := -1
	for i, ev := range timeline {
		if start < 0 && containsAny(ev.Description, progressMarkers) {
			start = i
			continue
		}
		if start >= 0 && (ev.Status == entity.EventStatusResolved || containsAny(ev.Description, completionMarkers)) {
			m := minutesBetween(timeline[start].Timestamp, ev.Timestamp)
			return &m
		}
	}
	return nil
}

func containsAny(s string, markers []string) bool {
	lower := strings.ToLower(s)
	for _, m := range markers {
		if strings.Contains(lower, m) {
			return true
		}
	}
	return false
}
