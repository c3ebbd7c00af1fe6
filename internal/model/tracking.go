package model

import "time"

// Known update types tracked by the lease protocol.
const (
	UpdateTypePrice    = "price_update"
	UpdateTypeMetrics  = "metrics_update"
	UpdateTypeHistory  = "history_update"
	UpdateTypeSnapshot = "portfolio_snapshot"
)

// UpdateTracking is the advisory-lock row for one update type. It doubles as
// the staleness record: an update type is due when last_updated is older than
// threshold_minutes.
type UpdateTracking struct {
	UpdateType         string     `json:"updateType"`
	LastUpdated        *time.Time `json:"lastUpdated,omitempty"`
	ThresholdMinutes   int        `json:"thresholdMinutes"`
	InProgress         bool       `json:"inProgress"`
	LockAcquiredAt     *time.Time `json:"lockAcquiredAt,omitempty"`
	LockAcquiredBy     *string    `json:"lockAcquiredBy,omitempty"`
	SuccessCount       int        `json:"successCount"`
	FailureCount       int        `json:"failureCount"`
	LastSuccessDetails *string    `json:"lastSuccessDetails,omitempty"`
	LastFailureDetails *string    `json:"lastFailureDetails,omitempty"`
	LastFailureAt      *time.Time `json:"lastFailureAt,omitempty"`
}

// UpdateHistory is one row of the append-only log of attempted updates.
type UpdateHistory struct {
	ID          string    `json:"id"`
	UpdateType  string    `json:"updateType"`
	TriggeredAt time.Time `json:"triggeredAt"`
	Outcome     string    `json:"outcome"`
}
