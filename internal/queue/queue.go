package queue

import (
	"context"
	"time"
)

// Message is one unit of queued work, opaque to the queue itself.
type Message struct {
	// Body is the serialized task. It doubles as the redelivery receipt, so
	// the queue requires it back unchanged on Ack/Nack.
	Body []byte
}

// TaskQueue is the at-least-once work queue consumed by the batch worker.
// A dequeued message stays owned by the consumer until Ack removes it or
// Nack returns it for redelivery; consumers must therefore be safe to run
// the same task twice.
type TaskQueue interface {
	// Enqueue adds a message to the queue.
	Enqueue(ctx context.Context, body []byte) error
	// Dequeue blocks until a message is available or timeout elapses.
	// Returns nil, nil on timeout.
	Dequeue(ctx context.Context, timeout time.Duration) (*Message, error)
	// Ack acknowledges successful processing, removing the message for good.
	Ack(ctx context.Context, msg *Message) error
	// Nack returns the message to the queue for redelivery.
	Nack(ctx context.Context, msg *Message) error
	// Close shuts down the queue connection.
	Close() error
}
