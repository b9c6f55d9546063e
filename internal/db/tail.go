package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/orrn/posprint/internal/core"
)

// TailQueue is a dispatch queue derived from the store itself: it follows
// PRINTING jobs in dispatch order, past a cursor that only moves forward.
// Registration and requeue both assign a fresh dispatch sequence, so a
// requeued job is seen again. Enqueue only wakes a waiting consumer early.
type TailQueue struct {
	db       *sql.DB
	interval time.Duration

	mu     sync.Mutex
	cursor int64

	wake      chan struct{}
	closed    chan struct{}
	closeOnce sync.Once
}

var _ core.DispatchQueue = (*TailQueue)(nil)

func NewTailQueue(database *sql.DB, pollInterval time.Duration) *TailQueue {
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	return &TailQueue{
		db:       database,
		interval: pollInterval,
		wake:     make(chan struct{}, 1),
		closed:   make(chan struct{}),
	}
}

func (q *TailQueue) Enqueue(ctx context.Context, job *core.Job) error {
	select {
	case <-q.closed:
		return core.ErrQueueClosed
	default:
	}

	select {
	case q.wake <- struct{}{}:
	default:
	}
	return nil
}

func (q *TailQueue) Dequeue(ctx context.Context) (*core.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	ticker := time.NewTicker(q.interval)
	defer ticker.Stop()

	for {
		select {
		case <-q.closed:
			return nil, core.ErrQueueClosed
		default:
		}

		job, seq, err := q.next(ctx)
		if err != nil {
			return nil, err
		}
		if job != nil {
			q.cursor = seq
			return job, nil
		}

		select {
		case <-q.closed:
			return nil, core.ErrQueueClosed
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-q.wake:
		case <-ticker.C:
		}
	}
}

func (q *TailQueue) next(ctx context.Context) (*core.Job, int64, error) {
	var seq int64
	job, err := scanJob(q.db.QueryRowContext(ctx, NextDispatchedJob, q.cursor), &seq)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, 0, nil
	}
	if err != nil {
		return nil, 0, fmt.Errorf("failed to tail printing receipts: %w", err)
	}
	return job, seq, nil
}

func (q *TailQueue) Close() error {
	q.closeOnce.Do(func() {
		close(q.closed)
	})
	return nil
}
