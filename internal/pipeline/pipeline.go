package pipeline

import (
	"context"

	"github.com/timmy/flowline/internal/domain"
)

// Item is one unit of work extracted from a job's input. Payload carries
// the raw bytes the item was parsed from; its size feeds batch sizing.
type Item struct {
	Index   int
	ID      string
	Payload []byte
}

// ItemResult is the per-item outcome recorded into the result blob.
type ItemResult struct {
	Index int                    `json:"index"`
	ID    string                 `json:"id"`
	OK    bool                   `json:"ok"`
	Error string                 `json:"error,omitempty"`
	Data  map[string]interface{} `json:"data,omitempty"`
	// Skipped marks items checkpointed by an earlier delivery of the same
	// job; their per-item outcome died with that process, only the job
	// counters remember them.
	Skipped bool `json:"skipped,omitempty"`
}

// ItemProcessor is the contract every pipeline implements. Parse expands a
// job's input blob into items once, up front; Process handles one item and
// must be safe for concurrent calls.
type ItemProcessor interface {
	Kind() domain.JobKind
	Parse(ctx context.Context, input []byte) ([]Item, error)
	Process(ctx context.Context, jobID string, item Item) (map[string]interface{}, error)
}

// Registry maps job kinds to their pipelines.
type Registry struct {
	procs map[domain.JobKind]ItemProcessor
}

func NewRegistry(procs ...ItemProcessor) *Registry {
	r := &Registry{procs: make(map[domain.JobKind]ItemProcessor, len(procs))}
	for _, p := range procs {
		r.procs[p.Kind()] = p
	}
	return r
}

// For returns the pipeline for kind.
func (r *Registry) For(kind domain.JobKind) (ItemProcessor, error) {
	p, ok := r.procs[kind]
	if !ok {
		return nil, domain.Validation("no pipeline registered for kind %q", kind)
	}
	return p, nil
}

// Batch sizing bounds. Batches aim for the byte budget so a job of tiny
// rows checkpoints in useful strides while one of large payloads does not
// balloon a single batch.
const (
	BatchFloor      = 5
	BatchCeiling    = 50
	BatchByteBudget = 256 * 1024
)

// BatchSize computes how many items go into one batch from the average
// payload size, clamped to [BatchFloor, BatchCeiling].
func BatchSize(items []Item) int {
	return BatchSizeWithin(items, BatchByteBudget, BatchFloor, BatchCeiling)
}

// BatchSizeWithin is BatchSize with caller-supplied bounds.
func BatchSizeWithin(items []Item, budget, floor, ceiling int) int {
	if budget <= 0 {
		budget = BatchByteBudget
	}
	if floor <= 0 {
		floor = BatchFloor
	}
	if ceiling < floor {
		ceiling = BatchCeiling
	}
	if len(items) == 0 {
		return floor
	}
	total := 0
	for _, item := range items {
		total += len(item.Payload)
	}
	avg := total / len(items)
	if avg == 0 {
		return ceiling
	}
	size := budget / avg
	if size < floor {
		return floor
	}
	if size > ceiling {
		return ceiling
	}
	return size
}
