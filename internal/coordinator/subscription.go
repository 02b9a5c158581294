package coordinator

import (
	"context"
	"sync"

	"github.com/timmy/flowline/internal/domain"
	"github.com/timmy/flowline/internal/logger"
)

// subBuffer must exceed the event retain window so a full replay plus a
// burst of live events fits without blocking the actor.
const subBuffer = 128

// Subscription is one consumer of a job's event stream. Replayed history and
// live events arrive on the same channel in sequence order with no gaps or
// duplicates. The channel is closed after the terminal event, or when the
// consumer falls too far behind and is dropped.
type Subscription struct {
	c     *Coordinator
	jobID string
	id    int64

	ch    chan domain.ProgressEvent
	close sync.Once
}

// Events returns the ordered event channel. It is closed by the coordinator.
func (s *Subscription) Events() <-chan domain.ProgressEvent {
	return s.ch
}

// Close detaches the subscription. Safe to call more than once and safe to
// call after the coordinator has already closed the channel.
func (s *Subscription) Close() {
	s.c.mu.Lock()
	a, ok := s.c.actors[s.jobID]
	s.c.mu.Unlock()
	if ok {
		a.mu.Lock()
		delete(a.subs, s.id)
		a.mu.Unlock()
	}
	s.closeChan()
}

func (s *Subscription) closeChan() {
	s.close.Do(func() { close(s.ch) })
}

// Subscribe attaches a consumer to a job's event stream starting after
// fromEventID (0 replays everything still retained).
//
// Three shapes of stream come back:
//   - Terminal job: only the terminal event is delivered, then the channel
//     closes. Consumers that reconnect after the fact get the outcome, not
//     a re-run of history.
//   - fromEventID older than the retained window: a single synthetic resync
//     event carrying the current status is delivered first, then live events.
//   - Otherwise: retained events after fromEventID are replayed, then live
//     events follow with no seam.
func (c *Coordinator) Subscribe(ctx context.Context, jobID string, fromEventID int64) (*Subscription, error) {
	a, err := c.actorFor(ctx, jobID)
	if err != nil {
		return nil, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	job := a.job
	sub := &Subscription{
		c:     c,
		jobID: jobID,
		ch:    make(chan domain.ProgressEvent, subBuffer),
	}

	if job.State.Terminal() {
		sub.ch <- c.terminalEventLocked(ctx, job)
		sub.closeChan()
		return sub, nil
	}

	oldest, err := c.events.OldestRetained(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if fromEventID > 0 && oldest > 0 && fromEventID < oldest-1 {
		// The consumer's cursor points into pruned history. Hand it a fresh
		// snapshot instead of a partial replay it cannot detect.
		sub.ch <- domain.ProgressEvent{
			JobID:     job.ID,
			Seq:       job.LastEventID,
			Kind:      domain.EventKindResync,
			Payload:   c.statusPayload(job),
			CreatedAt: c.now(),
		}
	} else {
		history, err := c.events.ListAfter(ctx, jobID, fromEventID)
		if err != nil {
			return nil, err
		}
		for _, event := range history {
			sub.ch <- event
		}
	}

	a.nextSub++
	sub.id = a.nextSub
	a.subs[sub.id] = sub
	return sub, nil
}

// Snapshot returns a synthetic resync event carrying the job's current
// status. Transports use it to catch a resumed consumer up in one frame.
func (c *Coordinator) Snapshot(ctx context.Context, jobID string) (domain.ProgressEvent, error) {
	a, err := c.actorFor(ctx, jobID)
	if err != nil {
		return domain.ProgressEvent{}, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return domain.ProgressEvent{
		JobID:     a.job.ID,
		Seq:       a.job.LastEventID,
		Kind:      domain.EventKindResync,
		Payload:   c.statusPayload(a.job),
		CreatedAt: c.now(),
	}, nil
}

// terminalEventLocked loads the job's terminal event for a late subscriber.
// Falls back to a synthesized event if the log was already pruned.
func (c *Coordinator) terminalEventLocked(ctx context.Context, job *domain.Job) domain.ProgressEvent {
	if job.LastEventID > 0 {
		history, err := c.events.ListAfter(ctx, job.ID, job.LastEventID-1)
		if err == nil && len(history) > 0 {
			return history[len(history)-1]
		}
		if err != nil {
			logger.CtxWarn(ctx, "failed to load terminal event for job %s: %v", job.ID, err)
		}
	}
	return domain.ProgressEvent{
		JobID:     job.ID,
		Seq:       job.LastEventID,
		Kind:      terminalKind(job.State),
		Payload:   c.statusPayload(job),
		CreatedAt: c.now(),
	}
}

func terminalKind(state domain.JobState) domain.EventKind {
	switch state {
	case domain.JobStateFailed:
		return domain.EventKindFailed
	case domain.JobStateCanceled:
		return domain.EventKindCanceled
	default:
		return domain.EventKindComplete
	}
}

// publishLocked fans one event out to the job's live subscribers. Requires
// the actor lock. A subscriber whose buffer is full has fallen more than a
// full retain window behind; it is dropped so one stalled connection cannot
// block the job.
func (c *Coordinator) publishLocked(ctx context.Context, a *actor, event domain.ProgressEvent) {
	for id, sub := range a.subs {
		select {
		case sub.ch <- event:
		default:
			delete(a.subs, id)
			sub.closeChan()
			logger.CtxWarn(ctx, "dropped slow subscriber %d on job %s", id, a.job.ID)
		}
	}
}

// closeSubsLocked ends every live stream after the terminal event has been
// buffered. Requires the actor lock.
func (c *Coordinator) closeSubsLocked(a *actor) {
	for id, sub := range a.subs {
		delete(a.subs, id)
		sub.closeChan()
	}
}
