package coordinator

import (
	"context"
	"time"

	"github.com/timmy/flowline/internal/domain"
	"github.com/timmy/flowline/internal/logger"
)

// retentionFor returns how long a terminal job is kept before its state,
// events and blobs are purged. Failed jobs live longer for diagnosis.
func (c *Coordinator) retentionFor(state domain.JobState) time.Duration {
	if state == domain.JobStateFailed {
		return c.cfg.RetentionFailed
	}
	return c.cfg.RetentionSuccess
}

// scheduleExpiryLocked arms the purge timer for a terminal job, replacing
// any previous timer. Requires the actor lock. The deadline is measured
// from CompletedAt so a rehydrated job does not get a fresh window.
func (c *Coordinator) scheduleExpiryLocked(a *actor) {
	job := a.job
	if !job.State.Terminal() || job.CompletedAt == nil {
		return
	}
	if a.expiry != nil {
		a.expiry.Stop()
	}

	remaining := job.CompletedAt.Add(c.retentionFor(job.State)).Sub(c.now())
	if remaining < time.Second {
		remaining = time.Second
	}
	jobID := job.ID
	a.expiry = time.AfterFunc(remaining, func() {
		c.expire(jobID)
	})
}

// expire purges everything a retired job left behind: result and input
// blobs, the event log, the job row, and the in-memory actor. Storage
// failures are logged and do not stop the database purge; the blobs also
// carry their own bucket lifecycle as a backstop.
func (c *Coordinator) expire(jobID string) {
	ctx := context.Background()

	c.mu.Lock()
	a, ok := c.actors[jobID]
	c.mu.Unlock()
	if !ok {
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	job := a.job
	if !job.State.Terminal() {
		return
	}

	if c.blobs != nil {
		for _, key := range []string{job.InputKey, job.ResultKey} {
			if key == "" {
				continue
			}
			if err := c.blobs.Delete(ctx, key); err != nil {
				logger.CtxWarn(ctx, "expiry: failed to delete blob %s for job %s: %v", key, jobID, err)
			}
		}
	}
	if err := c.events.DeleteForJob(ctx, jobID); err != nil {
		logger.CtxError(ctx, "expiry: failed to delete events for job %s: %v", jobID, err)
		return
	}
	if err := c.jobs.Delete(ctx, jobID); err != nil {
		logger.CtxError(ctx, "expiry: failed to delete job %s: %v", jobID, err)
		return
	}

	c.closeSubsLocked(a)
	c.dropActor(jobID)
	logger.CtxInfo(ctx, "expired job %s (%s)", jobID, job.State)
}

// RearmExpiry re-arms purge timers for every terminal job in the database.
// Called once at process start; timers do not survive restarts. Jobs whose
// retention already lapsed while the process was down expire within a
// second of the sweep.
func (c *Coordinator) RearmExpiry(ctx context.Context) error {
	jobs, err := c.jobs.ListTerminal(ctx)
	if err != nil {
		return err
	}
	for _, job := range jobs {
		if _, err := c.actorFor(ctx, job.ID); err != nil {
			logger.CtxWarn(ctx, "rearm expiry: failed to load job %s: %v", job.ID, err)
		}
	}
	logger.CtxInfo(ctx, "rearmed expiry timers for %d terminal jobs", len(jobs))
	return nil
}
