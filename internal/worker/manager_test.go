package worker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/timmy/flowline/internal/domain"
	"github.com/timmy/flowline/internal/queue"
)

// memQueue is a channel-backed TaskQueue for manager tests.
type memQueue struct {
	ch chan []byte

	mu     sync.Mutex
	acked  []string
	nacked []string
}

func newMemQueue(size int) *memQueue {
	return &memQueue{ch: make(chan []byte, size)}
}

func (q *memQueue) Enqueue(ctx context.Context, body []byte) error {
	q.ch <- body
	return nil
}

func (q *memQueue) Dequeue(ctx context.Context, timeout time.Duration) (*queue.Message, error) {
	select {
	case body := <-q.ch:
		return &queue.Message{Body: body}, nil
	case <-time.After(timeout):
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (q *memQueue) Ack(ctx context.Context, msg *queue.Message) error {
	q.mu.Lock()
	q.acked = append(q.acked, string(msg.Body))
	q.mu.Unlock()
	return nil
}

func (q *memQueue) Nack(ctx context.Context, msg *queue.Message) error {
	q.mu.Lock()
	q.nacked = append(q.nacked, string(msg.Body))
	q.mu.Unlock()
	return nil
}

func (q *memQueue) Close() error { return nil }

func (q *memQueue) ackedIDs() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]string(nil), q.acked...)
}

func TestManagerProcessesAndAcks(t *testing.T) {
	rig := newTestRig(t, Config{})
	ctx := context.Background()
	rig.submit(t, "job-1", 10)

	q := newMemQueue(4)
	require.NoError(t, q.Enqueue(ctx, []byte("job-1")))

	m := NewManager(q, rig.worker, 2)
	require.NoError(t, m.Run(ctx))

	deadline := time.After(5 * time.Second)
	for {
		if len(q.ackedIDs()) == 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("job was never acked")
		case <-time.After(10 * time.Millisecond):
		}
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, m.Shutdown(shutdownCtx))

	job, err := rig.coord.GetStatus(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, domain.JobStateComplete, job.State)
	assert.Equal(t, []string{"job-1"}, q.ackedIDs())
}

func TestManagerShutdownStopsConsumers(t *testing.T) {
	rig := newTestRig(t, Config{})
	q := newMemQueue(1)

	m := NewManager(q, rig.worker, 3)
	require.NoError(t, m.Run(context.Background()))

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	assert.NoError(t, m.Shutdown(shutdownCtx))
}
