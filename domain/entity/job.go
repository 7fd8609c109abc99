package entity

import "time"

type JobState string

const (
	JobStateQueued          JobState = "queued"
	JobStateRunning         JobState = "running"
	JobStateSucceeded       JobState = "succeeded"
	JobStateFailedRetryable JobState = "failed-retryable"
	JobStateFailedTerminal  JobState = "failed-terminal"
)

// Finished は再実行されない状態かを返す
func (s JobState) Finished() bool {
	return s == JobStateSucceeded || s == JobStateFailedTerminal
}

type JobRun struct {
	ID          string            `json:"id" dynamo:"id,hash"`
	Function    string            `json:"function" dynamo:"function"`
	Event       string            `json:"event" dynamo:"event"`
	Payload     string            `json:"payload" dynamo:"payload"`
	State       JobState          `json:"state" dynamo:"state"`
	Attempt     int               `json:"attempt" dynamo:"attempt"`
	MaxAttempts int               `json:"max_attempts" dynamo:"max_attempts"`
	Steps       map[string]string `json:"steps" dynamo:"steps"`
	Output      string            `json:"output,omitempty" dynamo:"output"`
	Error       string            `json:"error,omitempty" dynamo:"error"`
	NextRunAt   time.Time         `json:"next_run_at,omitempty" dynamo:"next_run_at"`
	CreatedAt   time.Time         `json:"created_at" dynamo:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at" dynamo:"updated_at"`
	FinishedAt  time.Time         `json:"finished_at,omitempty" dynamo:"finished_at"`
}

type ServicePayload struct {
	ServiceID string `json:"service_id,omitempty"`
}

type EventPayload struct {
	EventID string `json:"event_id" validate:"required"`
	Claim   string `json:"claim,omitempty"`
}

type NotificationData struct {
	EventID        string      `json:"event_id"`
	Status         EventStatus `json:"status"`
	PreviousStatus EventStatus `json:"previous_status,omitempty"`
}

type Notification struct {
	Name string           `json:"name"`
	Data NotificationData `json:"data"`
}

const NotificationServiceEventStatus = "service-event/status"
