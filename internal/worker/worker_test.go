package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/timmy/flowline/internal/coordinator"
	"github.com/timmy/flowline/internal/domain"
	"github.com/timmy/flowline/internal/pipeline"
	"github.com/timmy/flowline/internal/repository"
	"github.com/timmy/flowline/internal/storage"
)

var testDBSeq atomic.Int64

// stubProcessor splits the input on newlines and delegates per-item work
// to a test-provided function.
type stubProcessor struct {
	kind    domain.JobKind
	process func(ctx context.Context, jobID string, item pipeline.Item) (map[string]interface{}, error)
}

func (p *stubProcessor) Kind() domain.JobKind { return p.kind }

func (p *stubProcessor) Parse(ctx context.Context, input []byte) ([]pipeline.Item, error) {
	var items []pipeline.Item
	for _, line := range strings.Split(strings.TrimSpace(string(input)), "\n") {
		if line == "" {
			continue
		}
		items = append(items, pipeline.Item{Index: len(items), ID: line, Payload: []byte(line)})
	}
	if len(items) == 0 {
		return nil, domain.Validation("empty input")
	}
	return items, nil
}

func (p *stubProcessor) Process(ctx context.Context, jobID string, item pipeline.Item) (map[string]interface{}, error) {
	if p.process == nil {
		return map[string]interface{}{"id": item.ID}, nil
	}
	return p.process(ctx, jobID, item)
}

type testRig struct {
	coord  *coordinator.Coordinator
	blobs  *storage.MemoryStorage
	proc   *stubProcessor
	worker *Worker
}

func newTestRig(t *testing.T, cfg Config) *testRig {
	t.Helper()

	dsn := fmt.Sprintf("file:worker_test_%d?mode=memory&cache=shared", testDBSeq.Inc())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&domain.Job{}, &domain.ProgressEvent{}))

	coord := coordinator.New(repository.NewJobRepository(db), repository.NewEventRepository(db), nil, nil, coordinator.Config{
		RetentionSuccess: time.Hour,
		RetentionFailed:  time.Hour,
	})
	blobs := storage.NewMemoryStorage()
	proc := &stubProcessor{kind: domain.JobKindCSVImport}
	w := New(coord, blobs, pipeline.NewRegistry(proc), cfg)
	w.sleep = func(ctx context.Context, d time.Duration) error { return nil }

	return &testRig{coord: coord, blobs: blobs, proc: proc, worker: w}
}

func (r *testRig) submit(t *testing.T, jobID string, lines int) {
	t.Helper()
	ctx := context.Background()

	var buf bytes.Buffer
	for i := 0; i < lines; i++ {
		fmt.Fprintf(&buf, "item-%03d\n", i)
	}
	inputKey := "inputs/" + jobID
	require.NoError(t, r.blobs.Upload(ctx, inputKey, &buf, int64(buf.Len()), "text/plain"))

	require.NoError(t, r.coord.Create(ctx, &domain.Job{
		ID:          jobID,
		Kind:        domain.JobKindCSVImport,
		CancelToken: "token-" + jobID,
		InputKey:    inputKey,
	}))
}

func TestHandleRunsJobToCompletion(t *testing.T) {
	rig := newTestRig(t, Config{MaxBatchSize: 50, MinBatchSize: 5})
	ctx := context.Background()
	rig.submit(t, "job-1", 100)

	sub, err := rig.coord.Subscribe(ctx, "job-1", 0)
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, rig.worker.Handle(ctx, "job-1"))

	job, err := rig.coord.GetStatus(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, domain.JobStateComplete, job.State)
	assert.Equal(t, 100, job.TotalUnits)
	assert.Equal(t, 100, job.ProcessedUnits)
	assert.Equal(t, 100, job.SuccessUnits)
	assert.Equal(t, 0, job.FailedUnits)
	assert.Equal(t, "results/job-1.json", job.ResultKey)

	ok, err := rig.blobs.Exists(ctx, "results/job-1.json")
	require.NoError(t, err)
	assert.True(t, ok)

	// Tiny items size batches to the ceiling: 100 items in two batches of
	// 50, so exactly two progress events between started and complete.
	var kinds []domain.EventKind
	for event := range sub.Events() {
		kinds = append(kinds, event.Kind)
	}
	assert.Equal(t, []domain.EventKind{
		domain.EventKindQueued,
		domain.EventKindStarted,
		domain.EventKindProgress,
		domain.EventKindProgress,
		domain.EventKindComplete,
	}, kinds)
}

func TestHandleCountsItemFailures(t *testing.T) {
	rig := newTestRig(t, Config{})
	ctx := context.Background()
	rig.submit(t, "job-1", 20)

	rig.proc.process = func(ctx context.Context, jobID string, item pipeline.Item) (map[string]interface{}, error) {
		if item.Index%2 == 1 {
			return nil, domain.Validation("item %s is malformed", item.ID)
		}
		return nil, nil
	}

	require.NoError(t, rig.worker.Handle(ctx, "job-1"))

	job, err := rig.coord.GetStatus(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, domain.JobStateComplete, job.State, "item failures do not fail the job")
	assert.Equal(t, 10, job.SuccessUnits)
	assert.Equal(t, 10, job.FailedUnits)

	errs, ok := job.Summary["first_errors"].([]interface{})
	require.True(t, ok)
	assert.Len(t, errs, domain.MaxSummaryErrors)
}

func TestHandleRetriesRetryableFailures(t *testing.T) {
	rig := newTestRig(t, Config{RetryAttempts: 3})
	ctx := context.Background()
	rig.submit(t, "job-1", 1)

	var attempts atomic.Int64
	rig.proc.process = func(ctx context.Context, jobID string, item pipeline.Item) (map[string]interface{}, error) {
		if attempts.Inc() < 3 {
			return nil, domain.Unavailable("metadata", fmt.Errorf("connection refused"))
		}
		return nil, nil
	}

	require.NoError(t, rig.worker.Handle(ctx, "job-1"))

	job, err := rig.coord.GetStatus(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, domain.JobStateComplete, job.State)
	assert.Equal(t, 1, job.SuccessUnits)
	assert.Equal(t, int64(3), attempts.Load())
}

func TestHandleDoesNotRetryValidationFailures(t *testing.T) {
	rig := newTestRig(t, Config{RetryAttempts: 3})
	ctx := context.Background()
	rig.submit(t, "job-1", 1)

	var attempts atomic.Int64
	rig.proc.process = func(ctx context.Context, jobID string, item pipeline.Item) (map[string]interface{}, error) {
		attempts.Inc()
		return nil, domain.Validation("bad item")
	}

	require.NoError(t, rig.worker.Handle(ctx, "job-1"))
	assert.Equal(t, int64(1), attempts.Load())
}

func TestHandleFailsJobOnOpenCircuit(t *testing.T) {
	rig := newTestRig(t, Config{MinBatchSize: 10, MaxBatchSize: 10})
	ctx := context.Background()
	rig.submit(t, "job-1", 30)

	rig.proc.process = func(ctx context.Context, jobID string, item pipeline.Item) (map[string]interface{}, error) {
		return nil, domain.CircuitOpen("metadata", 45*time.Second)
	}

	require.NoError(t, rig.worker.Handle(ctx, "job-1"))

	job, err := rig.coord.GetStatus(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, domain.JobStateFailed, job.State)
	assert.Equal(t, string(domain.ErrCircuitOpen), job.Summary["error_kind"])
	assert.Equal(t, true, job.Summary["retryable"])
	// The first batch burned one circuit probe per item; the rest of the
	// job was abandoned instead of grinding through the cooldown.
	assert.Less(t, job.ProcessedUnits, 30)
}

func TestHandleCancelMidJob(t *testing.T) {
	rig := newTestRig(t, Config{MinBatchSize: 5, MaxBatchSize: 5})
	ctx := context.Background()
	rig.submit(t, "job-1", 20)

	// The cancel lands while the first batch is in flight; the batch
	// finishes and checkpoints, then the next batch never starts.
	rig.proc.process = func(ctx context.Context, jobID string, item pipeline.Item) (map[string]interface{}, error) {
		if item.Index == 0 {
			if _, err := rig.coord.Cancel(ctx, jobID, "token-"+jobID); err != nil {
				return nil, err
			}
		}
		return nil, nil
	}

	require.NoError(t, rig.worker.Handle(ctx, "job-1"))

	job, err := rig.coord.GetStatus(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, domain.JobStateCanceled, job.State)
	assert.Equal(t, 0, job.ProcessedUnits, "post-cancel checkpoint must not move the counters")
}

func TestHandleResumesFromCheckpoint(t *testing.T) {
	rig := newTestRig(t, Config{MinBatchSize: 10, MaxBatchSize: 10})
	ctx := context.Background()
	rig.submit(t, "job-1", 30)

	// Model a crashed worker that checkpointed one batch.
	require.NoError(t, rig.coord.Start(ctx, "job-1", 30))
	require.NoError(t, rig.coord.RecordProgress(ctx, "job-1", coordinator.ProgressDelta{Processed: 10, Succeeded: 10}))

	var processed []string
	rig.proc.process = func(ctx context.Context, jobID string, item pipeline.Item) (map[string]interface{}, error) {
		processed = append(processed, item.ID)
		return nil, nil
	}
	rig.worker.cfg.MaxInFlight = 1 // keep the slice append race-free

	require.NoError(t, rig.worker.Handle(ctx, "job-1"))

	job, err := rig.coord.GetStatus(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, domain.JobStateComplete, job.State)
	assert.Equal(t, 30, job.ProcessedUnits)
	require.Len(t, processed, 20, "first checkpointed batch is skipped")
	assert.Equal(t, "item-010", processed[0])

	// The result blob still accounts for every item: the checkpointed
	// prefix appears as explicit skip records, not a silent gap.
	reader, err := rig.blobs.Download(ctx, job.ResultKey)
	require.NoError(t, err)
	blob, err := io.ReadAll(reader)
	reader.Close()
	require.NoError(t, err)
	var results []pipeline.ItemResult
	require.NoError(t, json.Unmarshal(blob, &results))
	require.Len(t, results, 30)
	for i, r := range results {
		assert.Equal(t, i < 10, r.Skipped, "item %d", i)
	}
	assert.Equal(t, "item-010", results[10].ID)
	assert.True(t, results[10].OK)
}

func TestHandleFailsOnUnparseableInput(t *testing.T) {
	rig := newTestRig(t, Config{})
	ctx := context.Background()

	inputKey := "inputs/job-1"
	require.NoError(t, rig.blobs.Upload(ctx, inputKey, strings.NewReader("   "), 3, "text/plain"))
	require.NoError(t, rig.coord.Create(ctx, &domain.Job{
		ID:          "job-1",
		Kind:        domain.JobKindCSVImport,
		CancelToken: "tok",
		InputKey:    inputKey,
	}))

	require.NoError(t, rig.worker.Handle(ctx, "job-1"))

	job, err := rig.coord.GetStatus(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, domain.JobStateFailed, job.State)
	assert.Equal(t, string(domain.ErrValidation), job.Summary["error_kind"])
}

func TestHandleUnknownJobAcks(t *testing.T) {
	rig := newTestRig(t, Config{})
	assert.NoError(t, rig.worker.Handle(context.Background(), "never-created"))
}

func TestHandleTerminalJobAcks(t *testing.T) {
	rig := newTestRig(t, Config{})
	ctx := context.Background()
	rig.submit(t, "job-1", 5)
	require.NoError(t, rig.worker.Handle(ctx, "job-1"))

	// Redelivery of a finished job is a no-op ack.
	var attempts atomic.Int64
	rig.proc.process = func(ctx context.Context, jobID string, item pipeline.Item) (map[string]interface{}, error) {
		attempts.Inc()
		return nil, nil
	}
	require.NoError(t, rig.worker.Handle(ctx, "job-1"))
	assert.Equal(t, int64(0), attempts.Load())
}
