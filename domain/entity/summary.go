package entity

// Summary はモデルが返すJSONの形
type Summary struct {
	Title              string         `json:"title" validate:"required"`
	Description        string         `json:"description" validate:"required"`
	Severity           Severity       `json:"severity" validate:"required,oneof=critical major minor maintenance"`
	RecentStatus       EventStatus    `json:"recent_status" validate:"required,oneof=ongoing resolved maintenance"`
	MaintenanceMinutes *int           `json:"maintenance_minutes" validate:"omitempty,gte=0"`
	ParsedEvents       []SummaryEvent `json:"parsed_events" validate:"required,min=1,dive"`
	AffectedComponents []string       `json:"affected_components" validate:"dive,required"`
	AffectedRegion     Region         `json:"affected_region" validate:"required,oneof=north-america europe asia australasia south-america global"`
}

type SummaryEvent struct {
	Status      EventStatus `json:"status" validate:"required,oneof=ongoing resolved maintenance"`
	Description string      `json:"description"`
	Timestamp   string      `json:"timestamp" validate:"required"`
}

// Timespan は所要時間だけを問い合わせた結果
type Timespan struct {
	CalculatedMinutes *int `json:"calculated_minutes" validate:"omitempty,gte=0"`
}

// SummaryResult は要約と所要時間計算を終えた、書き込み可能な結果
type SummaryResult struct {
	Summary                 Summary       `json:"summary"`
	ParsedEvents            []ParsedEvent `json:"parsed_events"`
	TotalAccumulatedMinutes int           `json:"total_accumulated_minutes"`
	AccumulatedTimeMinutes  *int          `json:"accumulated_time_minutes"`
}

func (r *SummaryResult) Update() EventUpdate {
	return EventUpdate{
		Title:                  r.Summary.Title,
		SummarizedDescription:  r.Summary.Description,
		Status:                 r.Summary.RecentStatus,
		Severity:               r.Summary.Severity,
		AffectedComponents:     r.Summary.AffectedComponents,
		AffectedRegion:         r.Summary.AffectedRegion,
		ParsedEvents:           r.ParsedEvents,
		AccumulatedTimeMinutes: r.AccumulatedTimeMinutes,
	}
}

// CompletionRequest はプロバイダに渡す構造化出力の依頼
type CompletionRequest struct {
	System      string
	Examples    []CompletionExample
	User        string
	SchemaName  string
	Schema      map[string]any
	Temperature float64
	MaxTokens   int
}

type CompletionExample struct {
	User      string
	Assistant string
}
