package repository

import (
	"context"

	"github.com/timmy/flowline/internal/domain"
	"gorm.io/gorm"
)

// JobRepository handles durable job state.
type JobRepository struct {
	db *gorm.DB
}

// NewJobRepository creates a new JobRepository.
// Parameters:
//   - db: GORM database handle used for queries.
// Returns:
//   - *JobRepository: repository instance bound to db.
func NewJobRepository(db *gorm.DB) *JobRepository {
	return &JobRepository{db: db}
}

// Create inserts a new job record.
func (r *JobRepository) Create(ctx context.Context, job *domain.Job) error {
	return r.db.WithContext(ctx).Create(job).Error
}

// Save writes back the full job row. The coordinator serializes callers per
// job, so a plain save is race-free here.
func (r *JobRepository) Save(ctx context.Context, job *domain.Job) error {
	return r.db.WithContext(ctx).Save(job).Error
}

// GetByID retrieves a job by its ID.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - id: job ID.
// Returns:
//   - *domain.Job: job record if found.
//   - error: gorm.ErrRecordNotFound if the job is unknown.
func (r *JobRepository) GetByID(ctx context.Context, id string) (*domain.Job, error) {
	var job domain.Job
	if err := r.db.WithContext(ctx).First(&job, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &job, nil
}

// Delete removes a job row. Used by the expiry sweep.
func (r *JobRepository) Delete(ctx context.Context, id string) error {
	return r.db.WithContext(ctx).Delete(&domain.Job{}, "id = ?", id).Error
}

// ListTerminal returns all jobs in a terminal state. Used after a restart to
// rearm expiry timers for jobs whose retention window is still running.
func (r *JobRepository) ListTerminal(ctx context.Context) ([]domain.Job, error) {
	var jobs []domain.Job
	err := r.db.WithContext(ctx).
		Where("state IN ?", []domain.JobState{
			domain.JobStateComplete,
			domain.JobStateFailed,
			domain.JobStateCanceled,
		}).
		Find(&jobs).Error
	if err != nil {
		return nil, err
	}
	return jobs, nil
}
