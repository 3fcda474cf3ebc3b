package models

import "time"

// Sync cycle outcomes.
const (
	OutcomeNoChange = "no_change"
	OutcomeUpdated  = "updated"
	OutcomeFailed   = "failed"
)

// SyncRun is the history record of one sync cycle.
type SyncRun struct {
	ID          int64     `json:"id"`
	Trigger     string    `json:"trigger"`
	TriggeredBy []string  `json:"triggeredBy,omitempty"`
	StartedAt   time.Time `json:"startedAt"`
	DurationMS  int64     `json:"durationMs"`
	Outcome     string    `json:"outcome"`
	OldVersion  string    `json:"oldVersion,omitempty"`
	NewVersion  string    `json:"newVersion,omitempty"`
	Added       int       `json:"added"`
	Updated     int       `json:"updated"`
	Deleted     int       `json:"deleted"`
	Error       string    `json:"error,omitempty"`
}
