// Package events defines the typed sync lifecycle and channel messages
// fanned out to connected clients.
package events

import (
	"encoding/json"
	"time"

	"github.com/starford/gallery/internal/models"
)

// Kind names an event on the wire.
type Kind string

const (
	SyncStart    Kind = "sync_start"
	SyncProgress Kind = "sync_progress"
	SyncComplete Kind = "sync_complete"
	SyncError    Kind = "sync_error"
	NewImages    Kind = "new_images"
	Connected    Kind = "connected"
	SyncStatus   Kind = "sync_status"
	Heartbeat    Kind = "heartbeat"
	StatsUpdate  Kind = "stats_update"
	Error        Kind = "error"
)

// Trigger says what started a sync cycle.
type Trigger string

const (
	TriggerAuto    Trigger = "auto"
	TriggerManual  Trigger = "manual"
	TriggerWebhook Trigger = "webhook"
	TriggerWatch   Trigger = "watch"
	TriggerRetry   Trigger = "retry"
	TriggerUpload  Trigger = "upload"
	TriggerDelete  Trigger = "delete"
)

// Event is one message on the broadcast channel.
type Event struct {
	Kind Kind `json:"event"`
	Data any  `json:"data"`
}

// Encode renders the wire envelope.
func (e Event) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// Publisher accepts events for fan-out. Implementations must not block the caller
// for longer than it takes to enqueue.
type Publisher interface {
	Publish(Event)
}

// Discard drops every event.
type Discard struct{}

func (Discard) Publish(Event) {}

// Meta tags every sync lifecycle payload.
type Meta struct {
	Type        Trigger   `json:"type"`
	Timestamp   time.Time `json:"timestamp"`
	TriggeredBy []string  `json:"triggeredBy,omitempty"`
}

type SyncStartData struct {
	Meta
	Version string `json:"version"`
}

type SyncProgressData struct {
	Meta
	Stage   string `json:"stage"`
	Version string `json:"version,omitempty"`
}

type SyncCompleteData struct {
	Meta
	HasUpdate    bool                    `json:"hasUpdate"`
	OldVersion   string                  `json:"oldVersion,omitempty"`
	NewVersion   string                  `json:"newVersion,omitempty"`
	Diff         *models.SyncDelta       `json:"diff,omitempty"`
	Metadata     *models.ManifestSummary `json:"metadata,omitempty"`
	ResponseTime int64                   `json:"responseTime"`
}

type SyncErrorData struct {
	Meta
	Error       string `json:"error"`
	Kind        string `json:"kind"`
	RetryCount  int    `json:"retryCount"`
	MaxRetries  int    `json:"maxRetries"`
	WillRetry   bool   `json:"willRetry"`
	NextRetryIn int64  `json:"nextRetryIn,omitempty"`
}

type NewImagesData struct {
	Meta
	Count       int                  `json:"count"`
	Images      []models.ImageRecord `json:"images"`
	TotalImages int                  `json:"totalImages"`
}

type HeartbeatData struct {
	ServerTime time.Time `json:"serverTime"`
	ClientTime string    `json:"clientTime,omitempty"`
}

type ErrorData struct {
	Error string `json:"error"`
}
