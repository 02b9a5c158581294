package repository

import (
	"context"

	"github.com/timmy/flowline/internal/domain"
	"gorm.io/gorm"
)

// EventRepository persists the bounded per-job progress event log.
type EventRepository struct {
	db *gorm.DB
}

// NewEventRepository creates a new EventRepository.
func NewEventRepository(db *gorm.DB) *EventRepository {
	return &EventRepository{db: db}
}

// Append writes one event and the owning job row in a single transaction,
// then prunes rows that fell out of the retained window. The job row carries
// LastEventID, so a partial write here would leave the sequence counter
// behind the log and every later insert would collide; both rows commit or
// neither does. Events are immutable after this call.
func (r *EventRepository) Append(ctx context.Context, event *domain.ProgressEvent, job *domain.Job) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(event).Error; err != nil {
			return err
		}
		if err := tx.Save(job).Error; err != nil {
			return err
		}

		cutoff := event.Seq - domain.EventRetainWindow
		if cutoff > 0 {
			return tx.Delete(&domain.ProgressEvent{}, "job_id = ? AND seq <= ?", event.JobID, cutoff).Error
		}
		return nil
	})
}

// ListAfter returns retained events for jobID with Seq > afterSeq, ordered by Seq.
func (r *EventRepository) ListAfter(ctx context.Context, jobID string, afterSeq int64) ([]domain.ProgressEvent, error) {
	var events []domain.ProgressEvent
	err := r.db.WithContext(ctx).
		Where("job_id = ? AND seq > ?", jobID, afterSeq).
		Order("seq ASC").
		Find(&events).Error
	if err != nil {
		return nil, err
	}
	return events, nil
}

// OldestRetained returns the lowest retained Seq for jobID, or 0 when the
// log is empty.
func (r *EventRepository) OldestRetained(ctx context.Context, jobID string) (int64, error) {
	var event domain.ProgressEvent
	err := r.db.WithContext(ctx).
		Where("job_id = ?", jobID).
		Order("seq ASC").
		First(&event).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return 0, nil
		}
		return 0, err
	}
	return event.Seq, nil
}

// DeleteForJob drops the whole event log of a job. Used by the expiry sweep.
func (r *EventRepository) DeleteForJob(ctx context.Context, jobID string) error {
	return r.db.WithContext(ctx).Delete(&domain.ProgressEvent{}, "job_id = ?", jobID).Error
}
