package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/timmy/flowline/internal/coordinator"
	"github.com/timmy/flowline/internal/domain"
	"github.com/timmy/flowline/internal/logger"
	"github.com/timmy/flowline/internal/pipeline"
	"github.com/timmy/flowline/internal/storage"
)

// Config tunes per-job processing.
type Config struct {
	MaxInFlight    int
	RetryAttempts  int
	RetryBaseDelay time.Duration
	BatchBudget    int
	MinBatchSize   int
	MaxBatchSize   int
	// ResultTTL is how long the per-item result blob stays retrievable.
	ResultTTL time.Duration
}

// DefaultConfig returns production processing parameters.
func DefaultConfig() Config {
	return Config{
		MaxInFlight:    10,
		RetryAttempts:  3,
		RetryBaseDelay: 500 * time.Millisecond,
		BatchBudget:    pipeline.BatchByteBudget,
		MinBatchSize:   pipeline.BatchFloor,
		MaxBatchSize:   pipeline.BatchCeiling,
		ResultTTL:      24 * time.Hour,
	}
}

// Worker executes one job end to end: parse input, process items in
// batches, checkpoint after each batch, land the job in a terminal state.
type Worker struct {
	coord     *coordinator.Coordinator
	blobs     storage.ObjectStorage
	pipelines *pipeline.Registry
	cfg       Config

	// sleep is swapped out in tests to skip real backoff waits.
	sleep func(ctx context.Context, d time.Duration) error
}

func New(coord *coordinator.Coordinator, blobs storage.ObjectStorage, pipelines *pipeline.Registry, cfg Config) *Worker {
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = DefaultConfig().MaxInFlight
	}
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = DefaultConfig().RetryAttempts
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = DefaultConfig().RetryBaseDelay
	}
	if cfg.ResultTTL <= 0 {
		cfg.ResultTTL = DefaultConfig().ResultTTL
	}
	return &Worker{
		coord:     coord,
		blobs:     blobs,
		pipelines: pipelines,
		cfg:       cfg,
		sleep:     sleepCtx,
	}
}

// Handle processes one dequeued job. A nil return means the message can be
// acked: the job landed in a terminal state, or was already terminal, or no
// longer exists. A non-nil return means transient infrastructure trouble
// and the message should be redelivered.
func (w *Worker) Handle(ctx context.Context, jobID string) error {
	ctx = logger.WithField(ctx, logger.FieldJobID, jobID)

	job, err := w.coord.GetStatus(ctx, jobID)
	if err != nil {
		var appErr *domain.Error
		if errors.As(err, &appErr) && appErr.Kind == domain.ErrNotFound {
			logger.CtxWarn(ctx, "dequeued unknown job %s, dropping", jobID)
			return nil
		}
		return err
	}
	if job.State.Terminal() {
		return nil
	}

	proc, err := w.pipelines.For(job.Kind)
	if err != nil {
		return w.fail(ctx, jobID, err)
	}

	reader, err := w.blobs.Download(ctx, job.InputKey)
	if err != nil {
		if domain.IsRetryable(err) {
			return err
		}
		return w.fail(ctx, jobID, err)
	}
	input, err := io.ReadAll(reader)
	reader.Close()
	if err != nil {
		return err
	}

	items, err := proc.Parse(ctx, input)
	if err != nil {
		if domain.IsRetryable(err) {
			return err
		}
		return w.fail(ctx, jobID, err)
	}

	if err := w.coord.Start(ctx, jobID, len(items)); err != nil {
		return err
	}

	// Redelivery resumes where the previous attempt checkpointed.
	job, err = w.coord.GetStatus(ctx, jobID)
	if err != nil {
		return err
	}
	if job.ProcessedUnits > 0 {
		logger.CtxInfo(ctx, "resuming job %s at item %d of %d", jobID, job.ProcessedUnits, len(items))
	}

	outcome, err := w.processItems(ctx, jobID, proc, items, job.ProcessedUnits)
	if err != nil {
		return err
	}
	if outcome.aborted != nil {
		return w.fail(ctx, jobID, outcome.aborted)
	}
	if outcome.canceled {
		return nil
	}

	return w.complete(ctx, jobID, outcome)
}

// jobOutcome accumulates what one Handle pass produced.
type jobOutcome struct {
	results  []pipeline.ItemResult
	errors   []domain.ItemError
	canceled bool
	// aborted is set when a dependency circuit opened: processing further
	// items would only burn the cooldown, so the job fails as retryable.
	aborted error
}

func (w *Worker) processItems(ctx context.Context, jobID string, proc pipeline.ItemProcessor, items []pipeline.Item, skip int) (*jobOutcome, error) {
	outcome := &jobOutcome{}
	if skip > len(items) {
		skip = len(items)
	}
	// Items a previous delivery already checkpointed keep their place in
	// the result set as explicit skip records.
	for _, item := range items[:skip] {
		outcome.results = append(outcome.results, pipeline.ItemResult{
			Index:   item.Index,
			ID:      item.ID,
			Skipped: true,
		})
	}
	remaining := items[skip:]
	batchSize := pipeline.BatchSizeWithin(items, w.cfg.BatchBudget, w.cfg.MinBatchSize, w.cfg.MaxBatchSize)
	logger.CtxInfo(ctx, "processing %d items in batches of %d", len(remaining), batchSize)

	for start := 0; start < len(remaining); start += batchSize {
		// Cooperative cancellation between batches; in-flight items finish.
		job, err := w.coord.GetStatus(ctx, jobID)
		if err != nil {
			return nil, err
		}
		if job.State.Terminal() || job.CancelRequested {
			outcome.canceled = true
			return outcome, nil
		}

		end := start + batchSize
		if end > len(remaining) {
			end = len(remaining)
		}
		batch := remaining[start:end]

		batchResults, batchErrs := w.processBatch(ctx, jobID, proc, batch)

		delta := coordinator.ProgressDelta{Processed: len(batch)}
		for i, r := range batchResults {
			outcome.results = append(outcome.results, r)
			if r.OK {
				delta.Succeeded++
				continue
			}
			delta.Failed++
			if len(outcome.errors) < domain.MaxSummaryErrors {
				outcome.errors = append(outcome.errors, domain.ItemError{
					Index:     r.Index,
					ItemID:    r.ID,
					Message:   r.Error,
					Retryable: domain.IsRetryable(batchErrs[i]),
				})
			}
		}
		if err := w.coord.RecordProgress(ctx, jobID, delta); err != nil {
			return nil, err
		}

		if open := circuitOpenError(batchErrs); open != nil {
			outcome.aborted = open
			return outcome, nil
		}
	}
	return outcome, nil
}

// processBatch runs one batch with bounded concurrency. Results and their
// final errors come back in item order regardless of completion order.
func (w *Worker) processBatch(ctx context.Context, jobID string, proc pipeline.ItemProcessor, batch []pipeline.Item) ([]pipeline.ItemResult, []error) {
	results := make([]pipeline.ItemResult, len(batch))
	errs := make([]error, len(batch))
	sem := make(chan struct{}, w.cfg.MaxInFlight)
	var wg sync.WaitGroup

	for i, item := range batch {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int, item pipeline.Item) {
			defer wg.Done()
			defer func() { <-sem }()
			results[i], errs[i] = w.processItem(ctx, jobID, proc, item)
		}(i, item)
	}
	wg.Wait()
	return results, errs
}

// processItem runs one item with retry. Only retryable failures are
// retried, with exponential backoff; validation errors are final on the
// first attempt.
func (w *Worker) processItem(ctx context.Context, jobID string, proc pipeline.ItemProcessor, item pipeline.Item) (pipeline.ItemResult, error) {
	result := pipeline.ItemResult{Index: item.Index, ID: item.ID}

	var lastErr error
	for attempt := 0; attempt < w.cfg.RetryAttempts; attempt++ {
		if attempt > 0 {
			backoff := w.cfg.RetryBaseDelay * time.Duration(1<<(attempt-1))
			if err := w.sleep(ctx, backoff); err != nil {
				lastErr = err
				break
			}
		}

		data, err := proc.Process(ctx, jobID, item)
		if err == nil {
			result.OK = true
			result.Data = data
			return result, nil
		}
		lastErr = err
		if !domain.IsRetryable(err) {
			break
		}
		// An open circuit will not close within our backoff horizon.
		if isCircuitOpen(err) {
			break
		}
	}

	result.Error = domain.AsError(lastErr).Error()
	return result, lastErr
}

func (w *Worker) complete(ctx context.Context, jobID string, outcome *jobOutcome) error {
	job, err := w.coord.GetStatus(ctx, jobID)
	if err != nil {
		return err
	}

	resultKey := fmt.Sprintf("results/%s.json", jobID)
	var resultExpiry time.Time
	blob, err := json.Marshal(outcome.results)
	if err == nil {
		uploadErr := w.blobs.Upload(ctx, resultKey, bytes.NewReader(blob), int64(len(blob)), "application/json")
		if uploadErr != nil {
			logger.CtxWarn(ctx, "failed to upload result blob for job %s: %v", jobID, uploadErr)
			resultKey = ""
		} else {
			resultExpiry = time.Now().Add(w.cfg.ResultTTL)
		}
	} else {
		resultKey = ""
	}

	summary := &domain.Summary{
		TotalUnits:   job.TotalUnits,
		SuccessUnits: job.SuccessUnits,
		FailedUnits:  job.FailedUnits,
		FirstErrors:  outcome.errors,
	}
	return w.coord.Complete(ctx, jobID, summary, resultKey, resultExpiry)
}

func (w *Worker) fail(ctx context.Context, jobID string, jobErr error) error {
	logger.CtxWarn(ctx, "job %s failed: %v", jobID, jobErr)
	return w.coord.Fail(ctx, jobID, jobErr)
}

// circuitOpenError returns the circuit-open error when an entire batch
// failed and at least one failure was an open circuit, nil otherwise. A
// batch with even one success keeps the job moving.
func circuitOpenError(errs []error) error {
	var open error
	for _, err := range errs {
		if err == nil {
			return nil
		}
		if open == nil && isCircuitOpen(err) {
			open = err
		}
	}
	return open
}

func isCircuitOpen(err error) bool {
	var appErr *domain.Error
	return errors.As(err, &appErr) && appErr.Kind == domain.ErrCircuitOpen
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
