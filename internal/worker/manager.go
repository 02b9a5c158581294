package worker

import (
	"context"
	"sync"
	"time"

	"go.uber.org/atomic"

	"github.com/timmy/flowline/internal/logger"
	"github.com/timmy/flowline/internal/queue"
)

const dequeueTimeout = 5 * time.Second

// Manager runs the consumer loops: dequeue, hand to the worker, ack or
// nack. Shutdown stops dequeuing and drains jobs already in flight.
type Manager struct {
	queue     queue.TaskQueue
	worker    *Worker
	consumers int

	closing atomic.Bool
	wg      sync.WaitGroup
	cancel  context.CancelFunc
}

func NewManager(q queue.TaskQueue, w *Worker, consumers int) *Manager {
	if consumers <= 0 {
		consumers = 1
	}
	return &Manager{queue: q, worker: w, consumers: consumers}
}

// Run recovers messages stranded by a previous crash, then starts the
// consumer loops. It returns immediately; Shutdown stops the loops.
func (m *Manager) Run(ctx context.Context) error {
	recovered, err := recoverPending(ctx, m.queue)
	if err != nil {
		return err
	}
	if recovered > 0 {
		logger.CtxInfo(ctx, "requeued %d in-flight messages from previous run", recovered)
	}

	ctx, m.cancel = context.WithCancel(ctx)
	for i := 0; i < m.consumers; i++ {
		m.wg.Add(1)
		go m.consume(ctx, i)
	}
	logger.CtxInfo(ctx, "started %d queue consumers", m.consumers)
	return nil
}

func (m *Manager) consume(ctx context.Context, id int) {
	defer m.wg.Done()
	ctx = logger.WithField(ctx, "consumer", id)

	for !m.closing.Load() {
		msg, err := m.queue.Dequeue(ctx, dequeueTimeout)
		if err != nil {
			if m.closing.Load() || ctx.Err() != nil {
				return
			}
			logger.CtxError(ctx, "dequeue failed: %v", err)
			time.Sleep(time.Second)
			continue
		}
		if msg == nil {
			continue
		}

		jobID := string(msg.Body)
		// The drain context stays live so an in-flight job can finish,
		// checkpoint and ack even while Shutdown is waiting.
		jobCtx := context.WithoutCancel(ctx)
		if err := m.worker.Handle(jobCtx, jobID); err != nil {
			logger.CtxWarn(ctx, "job %s returned to queue: %v", jobID, err)
			if nackErr := m.queue.Nack(jobCtx, msg); nackErr != nil {
				logger.CtxError(ctx, "nack failed for job %s: %v", jobID, nackErr)
			}
			continue
		}
		if err := m.queue.Ack(jobCtx, msg); err != nil {
			logger.CtxError(ctx, "ack failed for job %s: %v", jobID, err)
		}
	}
}

// Shutdown stops dequeuing and waits for in-flight jobs to finish, up to
// the context deadline.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.closing.Store(true)
	if m.cancel != nil {
		m.cancel()
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		logger.CtxInfo(ctx, "queue consumers drained")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// recoverPending requeues messages a crashed consumer left on the pending
// list. Only queues that track pending deliveries participate.
func recoverPending(ctx context.Context, q queue.TaskQueue) (int, error) {
	type recoverer interface {
		RecoverPending(ctx context.Context) (int, error)
	}
	if r, ok := q.(recoverer); ok {
		return r.RecoverPending(ctx)
	}
	return 0, nil
}
