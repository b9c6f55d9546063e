package queue

import (
	"context"
	"sync"

	"github.com/orrn/posprint/internal/core"
)

const DefaultCapacity = 50

// MemoryQueue is a bounded in-process dispatch queue. Enqueue blocks while
// the queue is full.
type MemoryQueue struct {
	jobs      chan *core.Job
	closed    chan struct{}
	closeOnce sync.Once
}

var _ core.DispatchQueue = (*MemoryQueue)(nil)

func NewMemoryQueue(capacity int) *MemoryQueue {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &MemoryQueue{
		jobs:   make(chan *core.Job, capacity),
		closed: make(chan struct{}),
	}
}

func (q *MemoryQueue) Enqueue(ctx context.Context, job *core.Job) error {
	select {
	case <-q.closed:
		return core.ErrQueueClosed
	default:
	}

	select {
	case q.jobs <- job:
		return nil
	case <-q.closed:
		return core.ErrQueueClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *MemoryQueue) Dequeue(ctx context.Context) (*core.Job, error) {
	select {
	case <-q.closed:
		return nil, core.ErrQueueClosed
	default:
	}

	select {
	case job := <-q.jobs:
		return job, nil
	case <-q.closed:
		return nil, core.ErrQueueClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (q *MemoryQueue) Len() int {
	return len(q.jobs)
}

// Close makes every pending and future Dequeue return core.ErrQueueClosed.
// Jobs still buffered are dropped; they remain PRINTING in the store.
func (q *MemoryQueue) Close() error {
	q.closeOnce.Do(func() {
		close(q.closed)
	})
	return nil
}
