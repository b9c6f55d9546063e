package core

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// Spooler is the entry point used by the front door: it registers jobs in
// the store and hands them to the dispatch queue.
type Spooler struct {
	store Store
	queue DispatchQueue
	log   zerolog.Logger
}

func NewSpooler(store Store, queue DispatchQueue, log zerolog.Logger) *Spooler {
	return &Spooler{
		store: store,
		queue: queue,
		log:   log.With().Str("component", "spooler").Logger(),
	}
}

// Register persists job in PRINTING and enqueues it. Enqueueing outlives the
// caller's context, so a full queue holds the request until the worker makes
// room. A job that was stored but could not be enqueued is still returned as
// accepted: see dispatch.
func (s *Spooler) Register(ctx context.Context, job *Job) (string, error) {
	if err := job.Receipt.Validate(); err != nil {
		return "", err
	}

	now := time.Now().UTC()
	job.Status = StatusPrinting
	job.CreatedAt = now
	job.UpdatedAt = now

	id, err := s.store.Register(ctx, job)
	if err != nil {
		return "", err
	}

	if !s.dispatch(ctx, job) {
		return id, nil
	}

	s.log.Info().Str("receipt_id", id).Str("source_ip", job.SourceIP).Bool("fiscal", job.IsFiscal).Msg("receipt queued for printing")
	return id, nil
}

func (s *Spooler) Status(ctx context.Context, id string) (Status, error) {
	return s.store.GetStatus(ctx, id)
}

func (s *Spooler) Get(ctx context.Context, id string) (*Job, error) {
	return s.store.GetByID(ctx, id)
}

// Requeue moves a failed or rejected job back to PRINTING and dispatches it
// again.
func (s *Spooler) Requeue(ctx context.Context, id string) (*Job, error) {
	job, err := s.store.Requeue(ctx, id)
	if err != nil {
		return nil, err
	}

	if !s.dispatch(ctx, job) {
		return job, nil
	}

	s.log.Info().Str("receipt_id", id).Msg("receipt requeued")
	return job, nil
}

// dispatch hands a PRINTING job to the queue. When the queue is closed the
// process is shutting down and Recover picks the job up on the next start.
// Any other failure moves the job to FAILED so it can be requeued.
func (s *Spooler) dispatch(ctx context.Context, job *Job) bool {
	ctx = context.WithoutCancel(ctx)

	err := s.queue.Enqueue(ctx, job)
	if err == nil {
		return true
	}

	log := s.log.With().Str("receipt_id", job.ID()).Logger()
	if errors.Is(err, ErrQueueClosed) {
		log.Warn().Err(err).Msg("receipt stored but not enqueued, queue closed")
		return false
	}

	log.Error().Err(err).Msg("receipt stored but not enqueued")
	if _, failErr := s.store.Fail(ctx, job.ID()); failErr != nil {
		log.Error().Err(failErr).Msg("failed to mark unqueued receipt failed")
	}
	return false
}

func (s *Spooler) Remove(ctx context.Context, id string) (*Job, error) {
	job, err := s.store.Remove(ctx, id)
	if err != nil {
		return nil, err
	}
	s.log.Info().Str("receipt_id", id).Msg("receipt removed")
	return job, nil
}

type JobFilter struct {
	Status     Status
	SourceIP   string
	OperatorID string
}

// Find returns the jobs matching exactly one criterion of filter. Status
// takes precedence over source, source over operator.
func (s *Spooler) Find(ctx context.Context, filter JobFilter) ([]*Job, error) {
	switch {
	case filter.Status != "":
		return s.store.GetByStatus(ctx, filter.Status)
	case filter.SourceIP != "":
		return s.store.GetBySource(ctx, filter.SourceIP)
	case filter.OperatorID != "":
		return s.store.GetByOperator(ctx, filter.OperatorID)
	}
	return nil, fmt.Errorf("a status, source or operator filter is required")
}

func (s *Spooler) Stats(ctx context.Context) (map[Status]int, error) {
	return s.store.CountByStatus(ctx)
}

// Recover re-enqueues every job left in PRINTING by a previous run. It is
// only needed for queues that lose their contents on restart.
func (s *Spooler) Recover(ctx context.Context) (int, error) {
	jobs, err := s.store.GetByStatus(ctx, StatusPrinting)
	if err != nil {
		return 0, fmt.Errorf("failed to query printing receipts: %w", err)
	}

	for i, job := range jobs {
		if err := s.queue.Enqueue(ctx, job); err != nil {
			return i, fmt.Errorf("failed to enqueue receipt %s: %w", job.ID(), err)
		}
	}

	if len(jobs) > 0 {
		s.log.Info().Int("count", len(jobs)).Msg("recovered receipts left in printing")
	}
	return len(jobs), nil
}
