package domain

import "time"

// EventKind classifies a progress event.
type EventKind string

const (
	EventKindQueued   EventKind = "queued"
	EventKindStarted  EventKind = "started"
	EventKindProgress EventKind = "progress"
	EventKindComplete EventKind = "complete"
	EventKindFailed   EventKind = "failed"
	EventKindCanceled EventKind = "canceled"

	// EventKindResync is synthetic: sent instead of replay when a subscriber
	// asks for events older than the retained window. Never persisted.
	EventKindResync EventKind = "resync"
)

// Terminal reports whether k closes the stream.
func (k EventKind) Terminal() bool {
	return k == EventKindComplete || k == EventKindFailed || k == EventKindCanceled
}

// ProgressEvent is an immutable, ordered record of one job state change.
// Seq is assigned by the coordinator under the job's actor lock and is
// strictly increasing per job. Only a bounded window of recent events is
// retained for replay; older history collapses into the job row itself.
type ProgressEvent struct {
	JobID     string    `gorm:"type:text;primaryKey" json:"job_id"`
	Seq       int64     `gorm:"primaryKey;autoIncrement:false" json:"id"`
	Kind      EventKind `gorm:"type:text;not null" json:"kind"`
	Payload   JSONMap   `gorm:"type:text" json:"payload"`
	CreatedAt time.Time `json:"created_at"`
}

// TableName returns the database table name for ProgressEvent.
func (ProgressEvent) TableName() string {
	return "progress_events"
}

// EventRetainWindow is the number of recent events kept per job for replay.
const EventRetainWindow = 100
