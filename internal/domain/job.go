package domain

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"
)

// JobState represents the lifecycle state of an orchestrated job.
// Transitions are monotonic: queued -> processing -> complete|failed,
// and queued|processing -> canceled. Terminal states never change.
type JobState string

const (
	JobStateQueued     JobState = "queued"
	JobStateProcessing JobState = "processing"
	JobStateComplete   JobState = "complete"
	JobStateFailed     JobState = "failed"
	JobStateCanceled   JobState = "canceled"
)

// Terminal reports whether s is a terminal state.
func (s JobState) Terminal() bool {
	return s == JobStateComplete || s == JobStateFailed || s == JobStateCanceled
}

// CanTransition reports whether the state machine permits moving from s to next.
func (s JobState) CanTransition(next JobState) bool {
	switch next {
	case JobStateProcessing:
		return s == JobStateQueued
	case JobStateComplete, JobStateFailed:
		return s == JobStateProcessing
	case JobStateCanceled:
		return s == JobStateQueued || s == JobStateProcessing
	default:
		return false
	}
}

// JobKind selects the pipeline that processes a job's input.
type JobKind string

const (
	JobKindCSVImport  JobKind = "csv_import"
	JobKindEnrichment JobKind = "enrichment"
	JobKindImageScan  JobKind = "image_scan"
)

// Valid reports whether k is a known pipeline kind.
func (k JobKind) Valid() bool {
	switch k {
	case JobKindCSVImport, JobKindEnrichment, JobKindImageScan:
		return true
	}
	return false
}

// JSONMap stores an arbitrary JSON object as a text column.
type JSONMap map[string]interface{}

// Value implements the driver.Valuer interface for database serialization.
func (m JSONMap) Value() (driver.Value, error) {
	if m == nil {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements the sql.Scanner interface for database deserialization.
func (m *JSONMap) Scan(value interface{}) error {
	if value == nil {
		*m = JSONMap{}
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		str, ok := value.(string)
		if !ok {
			return errors.New("failed to scan JSONMap")
		}
		bytes = []byte(str)
	}
	return json.Unmarshal(bytes, m)
}

// Job is the unit of orchestrated work. All mutations go through the
// coordinator; counters never decrease and CompletedAt is set exactly once.
type Job struct {
	ID    string   `gorm:"type:text;primaryKey" json:"id"`
	Kind  JobKind  `gorm:"type:text;not null;index" json:"kind"`
	State JobState `gorm:"type:text;index;default:queued" json:"state"`

	TotalUnits     int `gorm:"default:0" json:"total_units"`
	ProcessedUnits int `gorm:"default:0" json:"processed_units"`
	SuccessUnits   int `gorm:"default:0" json:"success_units"`
	FailedUnits    int `gorm:"default:0" json:"failed_units"`

	// CancelRequested is the cooperative cancellation flag polled by the
	// batch worker between batches.
	CancelRequested bool   `gorm:"default:false" json:"cancel_requested"`
	CancelToken     string `gorm:"type:text" json:"-"`

	// InputKey is the blob storage key holding the submitted payload.
	InputKey string `gorm:"type:text" json:"-"`

	// IdemKey is the caller-supplied idempotency key, kept so cancellation
	// cleanup can drop the submission record.
	IdemKey string `gorm:"type:text" json:"-"`

	// ResultKey points at the full per-item result blob; the bounded Summary
	// is the only result data carried on the job row itself.
	ResultKey       string     `gorm:"type:text" json:"result_key,omitempty"`
	ResultExpiresAt *time.Time `json:"result_expires_at,omitempty"`
	Summary         JSONMap    `gorm:"type:text" json:"summary,omitempty"`

	// LastEventID is the highest progress event sequence assigned so far.
	LastEventID int64 `gorm:"default:0" json:"last_event_id"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// TableName returns the database table name for Job.
func (Job) TableName() string {
	return "jobs"
}

// MaxSummaryErrors caps how many item errors a Summary carries. The full
// per-item record lives in the result blob.
const MaxSummaryErrors = 10

// ItemError is one bounded entry of a job's error summary.
type ItemError struct {
	Index     int    `json:"index"`
	ItemID    string `json:"item_id,omitempty"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

// Summary is the bounded terminal payload of a job. It carries counts and
// the first few item errors, never the full result set.
type Summary struct {
	TotalUnits   int         `json:"total_units"`
	SuccessUnits int         `json:"success_units"`
	FailedUnits  int         `json:"failed_units"`
	FirstErrors  []ItemError `json:"first_errors,omitempty"`

	// ErrorKind and RetryAfterSec are set on failed jobs so clients can
	// distinguish retryable outages (circuit open) from permanent failures.
	ErrorKind     string `json:"error_kind,omitempty"`
	ErrorMessage  string `json:"error_message,omitempty"`
	Retryable     bool   `json:"retryable,omitempty"`
	RetryAfterSec int    `json:"retry_after_sec,omitempty"`
}

// ToMap converts the summary into the JSONMap column representation.
func (s *Summary) ToMap() JSONMap {
	b, err := json.Marshal(s)
	if err != nil {
		return JSONMap{}
	}
	var m JSONMap
	if err := json.Unmarshal(b, &m); err != nil {
		return JSONMap{}
	}
	return m
}
