package orchestrator

import (
	"context"

	"github.com/google/uuid"
)

// DefaultQueueCapacity is the number of requests that may wait for the worker.
const DefaultQueueCapacity = 10

// Queue is a bounded queue of request ids. Producers block while it is full.
type Queue struct {
	ch chan uuid.UUID
}

// NewQueue creates a queue holding up to capacity ids.
func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = DefaultQueueCapacity
	}
	return &Queue{ch: make(chan uuid.UUID, capacity)}
}

// Enqueue adds id, waiting for room until ctx ends.
func (q *Queue) Enqueue(ctx context.Context, id uuid.UUID) error {
	select {
	case q.ch <- id:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Len returns the number of ids waiting.
func (q *Queue) Len() int {
	return len(q.ch)
}
