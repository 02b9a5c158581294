package coordinator

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/timmy/flowline/internal/domain"
	"github.com/timmy/flowline/internal/idempotency"
	"github.com/timmy/flowline/internal/logger"
	"github.com/timmy/flowline/internal/repository"
	"github.com/timmy/flowline/internal/storage"
	"gorm.io/gorm"
)

// Config holds coordinator tuning.
type Config struct {
	// RetentionSuccess is how long complete/canceled jobs are kept.
	RetentionSuccess time.Duration
	// RetentionFailed is how long failed jobs are kept. Longer, for diagnosis.
	RetentionFailed time.Duration
}

// DefaultConfig returns the production retention windows.
func DefaultConfig() Config {
	return Config{
		RetentionSuccess: 24 * time.Hour,
		RetentionFailed:  7 * 24 * time.Hour,
	}
}

// Coordinator is the authoritative owner of job state. Each job behaves as
// an actor: all mutations for one job are serialized behind its lock, the
// job row and event ring are persisted write-through on every mutation, and
// in-memory actors are rehydrated lazily from the database after a restart.
type Coordinator struct {
	jobs    *repository.JobRepository
	events  *repository.EventRepository
	blobs   storage.ObjectStorage
	idem    *idempotency.Cache
	cfg     Config
	now     func() time.Time

	mu     sync.Mutex
	actors map[string]*actor
}

// actor holds the live state for one job.
type actor struct {
	mu      sync.Mutex
	job     *domain.Job
	subs    map[int64]*Subscription
	nextSub int64
	expiry  *time.Timer
}

// ProgressDelta is one checkpoint reported by the batch worker.
type ProgressDelta struct {
	Processed int
	Succeeded int
	Failed    int
}

// CancelReceipt confirms a cancellation and its cleanup actions.
type CancelReceipt struct {
	JobID               string `json:"job_id"`
	AlreadyTerminal     bool   `json:"already_terminal"`
	BlobsRemoved        int    `json:"blobs_removed"`
	CacheEntriesRemoved int    `json:"cache_entries_removed"`
}

// New creates a Coordinator. blobs and idem may be nil in tests that do not
// exercise expiry or cancellation cleanup.
func New(jobs *repository.JobRepository, events *repository.EventRepository, blobs storage.ObjectStorage, idem *idempotency.Cache, cfg Config) *Coordinator {
	if cfg.RetentionSuccess <= 0 {
		cfg.RetentionSuccess = DefaultConfig().RetentionSuccess
	}
	if cfg.RetentionFailed <= 0 {
		cfg.RetentionFailed = DefaultConfig().RetentionFailed
	}
	return &Coordinator{
		jobs:   jobs,
		events: events,
		blobs:  blobs,
		idem:   idem,
		cfg:    cfg,
		now:    time.Now,
		actors: make(map[string]*actor),
	}
}

// Create registers a new job in state queued and appends its first event.
// The caller provides identity, kind, cancel token and input location; the
// coordinator owns everything that changes afterwards.
func (c *Coordinator) Create(ctx context.Context, job *domain.Job) error {
	if job.ID == "" {
		return domain.Validation("job ID is required")
	}
	if !job.Kind.Valid() {
		return domain.Validation("unknown job kind %q", job.Kind)
	}

	job.State = domain.JobStateQueued
	job.CreatedAt = c.now()
	job.LastEventID = 0

	a := &actor{job: job, subs: make(map[int64]*Subscription)}
	a.mu.Lock()
	defer a.mu.Unlock()

	c.mu.Lock()
	if _, exists := c.actors[job.ID]; exists {
		c.mu.Unlock()
		return domain.Validation("job %s already exists", job.ID)
	}
	c.actors[job.ID] = a
	c.mu.Unlock()

	if err := c.jobs.Create(ctx, job); err != nil {
		c.dropActor(job.ID)
		return err
	}

	return c.append(ctx, a, domain.EventKindQueued, c.statusPayload(job))
}

// Start transitions a queued job to processing and records the unit total
// discovered while parsing the input. Calling Start on a job that is already
// processing (queue redelivery) or terminal is an idempotent no-op.
func (c *Coordinator) Start(ctx context.Context, jobID string, totalUnits int) error {
	a, err := c.actorFor(ctx, jobID)
	if err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	job := a.job
	if job.State.Terminal() || job.State == domain.JobStateProcessing {
		return nil
	}

	now := c.now()
	job.State = domain.JobStateProcessing
	job.StartedAt = &now
	if totalUnits > job.TotalUnits {
		job.TotalUnits = totalUnits
	}

	return c.append(ctx, a, domain.EventKindStarted, c.statusPayload(job))
}

// RecordProgress applies one checkpoint delta. Counters never decrease;
// checkpoints against a terminal job are no-ops so that a batch which was
// in flight when the job was canceled lands harmlessly.
func (c *Coordinator) RecordProgress(ctx context.Context, jobID string, delta ProgressDelta) error {
	a, err := c.actorFor(ctx, jobID)
	if err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	job := a.job
	if job.State.Terminal() {
		return nil
	}
	if job.State != domain.JobStateProcessing {
		return domain.Validation("job %s is not processing", jobID)
	}
	if delta.Processed < 0 || delta.Succeeded < 0 || delta.Failed < 0 {
		return domain.Validation("progress delta must be non-negative")
	}

	job.ProcessedUnits += delta.Processed
	job.SuccessUnits += delta.Succeeded
	job.FailedUnits += delta.Failed
	if job.TotalUnits > 0 && job.ProcessedUnits > job.TotalUnits {
		job.ProcessedUnits = job.TotalUnits
	}

	return c.append(ctx, a, domain.EventKindProgress, c.statusPayload(job))
}

// Complete moves a processing job to its complete terminal state.
// Idempotent on terminal jobs.
func (c *Coordinator) Complete(ctx context.Context, jobID string, summary *domain.Summary, resultKey string, resultExpiry time.Time) error {
	a, err := c.actorFor(ctx, jobID)
	if err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	job := a.job
	if job.State.Terminal() {
		return nil
	}
	if !job.State.CanTransition(domain.JobStateComplete) {
		return domain.Validation("job %s cannot complete from state %s", jobID, job.State)
	}

	job.State = domain.JobStateComplete
	job.Summary = summary.ToMap()
	job.ResultKey = resultKey
	if resultKey != "" {
		job.ResultExpiresAt = &resultExpiry
	}
	c.finalize(job)

	if err := c.append(ctx, a, domain.EventKindComplete, c.statusPayload(job)); err != nil {
		return err
	}
	c.closeSubsLocked(a)
	c.scheduleExpiryLocked(a)
	return nil
}

// Fail moves a processing job to its failed terminal state with a
// structured error payload. Idempotent on terminal jobs.
func (c *Coordinator) Fail(ctx context.Context, jobID string, jobErr error) error {
	a, err := c.actorFor(ctx, jobID)
	if err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	job := a.job
	if job.State.Terminal() {
		return nil
	}
	if !job.State.CanTransition(domain.JobStateFailed) {
		// A job that failed before Start still has to land somewhere terminal.
		if job.State != domain.JobStateQueued {
			return domain.Validation("job %s cannot fail from state %s", jobID, job.State)
		}
	}

	appErr := domain.AsError(jobErr)
	summary := &domain.Summary{
		TotalUnits:    job.TotalUnits,
		SuccessUnits:  job.SuccessUnits,
		FailedUnits:   job.FailedUnits,
		ErrorKind:     string(appErr.Kind),
		ErrorMessage:  appErr.Message,
		Retryable:     appErr.Retryable,
		RetryAfterSec: int(appErr.RetryAfter / time.Second),
	}

	job.State = domain.JobStateFailed
	job.Summary = summary.ToMap()
	c.finalize(job)

	if err := c.append(ctx, a, domain.EventKindFailed, c.statusPayload(job)); err != nil {
		return err
	}
	c.closeSubsLocked(a)
	c.scheduleExpiryLocked(a)
	return nil
}

// Cancel requests cancellation with the token issued at creation. It is
// idempotent: canceling an already-terminal job succeeds without side
// effects. Cleanup (input blob, idempotency record) is best-effort and its
// failures are logged, never surfaced.
func (c *Coordinator) Cancel(ctx context.Context, jobID, token string) (*CancelReceipt, error) {
	a, err := c.actorFor(ctx, jobID)
	if err != nil {
		return nil, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	job := a.job
	if job.CancelToken != token {
		return nil, domain.Unauthorized("cancellation token mismatch")
	}

	receipt := &CancelReceipt{JobID: jobID}
	if job.State.Terminal() {
		receipt.AlreadyTerminal = true
		return receipt, nil
	}

	job.CancelRequested = true
	job.State = domain.JobStateCanceled
	c.finalize(job)

	if err := c.append(ctx, a, domain.EventKindCanceled, c.statusPayload(job)); err != nil {
		return nil, err
	}
	c.closeSubsLocked(a)
	c.scheduleExpiryLocked(a)

	// Best-effort cleanup of resources the job will never use.
	if c.blobs != nil && job.InputKey != "" {
		if err := c.blobs.Delete(ctx, job.InputKey); err != nil {
			logger.CtxWarn(ctx, "cancel cleanup: failed to delete input blob %s: %v", job.InputKey, err)
		} else {
			receipt.BlobsRemoved++
		}
	}
	if c.idem != nil && job.IdemKey != "" {
		removed, err := c.idem.Invalidate(ctx, job.IdemKey)
		if err != nil {
			logger.CtxWarn(ctx, "cancel cleanup: failed to drop idempotency record: %v", err)
		} else if removed {
			receipt.CacheEntriesRemoved++
		}
	}

	return receipt, nil
}

// GetStatus returns a copy of the current job projection.
func (c *Coordinator) GetStatus(ctx context.Context, jobID string) (*domain.Job, error) {
	a, err := c.actorFor(ctx, jobID)
	if err != nil {
		return nil, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	snapshot := *a.job
	return &snapshot, nil
}

// finalize stamps the terminal metadata. CompletedAt is set exactly once;
// terminal guards in the callers make re-entry impossible.
func (c *Coordinator) finalize(job *domain.Job) {
	now := c.now()
	job.CompletedAt = &now
}

// append assigns the next event sequence under the actor lock, persists the
// event, and fans it out to live subscribers in order.
func (c *Coordinator) append(ctx context.Context, a *actor, kind domain.EventKind, payload domain.JSONMap) error {
	job := a.job
	job.LastEventID++
	event := &domain.ProgressEvent{
		JobID:     job.ID,
		Seq:       job.LastEventID,
		Kind:      kind,
		Payload:   payload,
		CreatedAt: c.now(),
	}

	// One transaction carries the event and the job row with the mutation
	// and new LastEventID, so a failure leaves both untouched. The actor's
	// copy reloads from the committed row to drop the unsaved mutation.
	if err := c.events.Append(ctx, event, job); err != nil {
		if fresh, loadErr := c.jobs.GetByID(ctx, job.ID); loadErr == nil {
			a.job = fresh
		} else {
			job.LastEventID--
		}
		return err
	}

	c.publishLocked(ctx, a, *event)
	return nil
}

// statusPayload is the kind-independent event payload: the job's current
// externally visible projection.
func (c *Coordinator) statusPayload(job *domain.Job) domain.JSONMap {
	payload := domain.JSONMap{
		"state":           string(job.State),
		"total_units":     job.TotalUnits,
		"processed_units": job.ProcessedUnits,
		"success_units":   job.SuccessUnits,
		"failed_units":    job.FailedUnits,
	}
	if job.Summary != nil && len(job.Summary) > 0 {
		payload["summary"] = map[string]interface{}(job.Summary)
	}
	if job.ResultKey != "" {
		payload["result_available"] = true
	}
	return payload
}

// actorFor returns the live actor for jobID, rehydrating it from the
// database if this process has not touched the job since starting.
func (c *Coordinator) actorFor(ctx context.Context, jobID string) (*actor, error) {
	c.mu.Lock()
	if a, ok := c.actors[jobID]; ok {
		c.mu.Unlock()
		return a, nil
	}
	c.mu.Unlock()

	job, err := c.jobs.GetByID(ctx, jobID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.NotFound("job " + jobID)
		}
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if a, ok := c.actors[jobID]; ok {
		return a, nil
	}
	a := &actor{job: job, subs: make(map[int64]*Subscription)}
	c.actors[jobID] = a

	// A terminal job rehydrated after a restart needs its expiry timer back.
	if job.State.Terminal() {
		a.mu.Lock()
		c.scheduleExpiryLocked(a)
		a.mu.Unlock()
	}
	return a, nil
}

func (c *Coordinator) dropActor(jobID string) {
	c.mu.Lock()
	delete(c.actors, jobID)
	c.mu.Unlock()
}

// SetClock overrides the time source. Test hook.
func (c *Coordinator) SetClock(now func() time.Time) {
	c.now = now
}
