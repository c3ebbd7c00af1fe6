package model

import "time"

// Event statuses for the system-event journal.
const (
	EventStatusStarted   = "started"
	EventStatusCompleted = "completed"
	EventStatusFailed    = "failed"
)

// SystemEvent is one row of the operational audit trail. A row is created
// with status "started" and receives exactly one terminal update.
type SystemEvent struct {
	ID           string         `json:"id"`
	EventType    string         `json:"eventType"`
	Status       string         `json:"status"`
	StartedAt    time.Time      `json:"startedAt"`
	CompletedAt  *time.Time     `json:"completedAt,omitempty"`
	Details      map[string]any `json:"details,omitempty"`
	ErrorMessage *string        `json:"errorMessage,omitempty"`
}

// VersionInfo contains version information for the application.
type VersionInfo struct {
	AppVersion string `json:"app_version"`
	DbVersion  string `json:"db_version"`
}
