package core

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

type WorkerState int32

const (
	StateIdle WorkerState = iota
	StateFetching
	StatePrintingAttempt
	StateFinishing
	StateFailing
	StateStopped
)

func (s WorkerState) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateFetching:
		return "FETCHING"
	case StatePrintingAttempt:
		return "PRINTING_ATTEMPT"
	case StateFinishing:
		return "FINISHING"
	case StateFailing:
		return "FAILING"
	case StateStopped:
		return "STOPPED"
	}
	return "UNKNOWN"
}

const dequeueErrorBackoff = time.Second

// Worker is the single consumer of the dispatch queue. It prints each job
// it receives and records the outcome in the store.
type Worker struct {
	store    Store
	queue    DispatchQueue
	printers PrinterFactory
	log      zerolog.Logger
	state    atomic.Int32
}

func NewWorker(store Store, queue DispatchQueue, printers PrinterFactory, log zerolog.Logger) *Worker {
	return &Worker{
		store:    store,
		queue:    queue,
		printers: printers,
		log:      log.With().Str("component", "print_worker").Logger(),
	}
}

func (w *Worker) State() WorkerState {
	return WorkerState(w.state.Load())
}

func (w *Worker) setState(s WorkerState) {
	w.state.Store(int32(s))
}

// Run consumes jobs until ctx is cancelled or the queue is closed. A
// cancellation never interrupts a print attempt that has already started.
func (w *Worker) Run(ctx context.Context) {
	w.log.Info().Msg("starting background printing service")
	defer func() {
		w.setState(StateStopped)
		w.log.Info().Msg("background printing service stopped")
	}()

	for {
		if ctx.Err() != nil {
			return
		}

		w.setState(StateFetching)
		job, err := w.queue.Dequeue(ctx)
		if err != nil {
			if errors.Is(err, ErrQueueClosed) || ctx.Err() != nil {
				return
			}
			w.log.Error().Err(err).Msg("failed to fetch next receipt")
			select {
			case <-ctx.Done():
				return
			case <-time.After(dequeueErrorBackoff):
			}
			continue
		}

		w.process(ctx, job)
		w.setState(StateIdle)
	}
}

func (w *Worker) process(ctx context.Context, queued *Job) {
	ctx = context.WithoutCancel(ctx)
	log := w.log.With().Str("receipt_id", queued.ID()).Str("source_ip", queued.SourceIP).Logger()

	attempted := false
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("print attempt panicked")
			if attempted {
				w.setState(StateFailing)
				w.record(ctx, queued.ID(), w.store.Fail, log)
			}
		}
	}()

	job, err := w.store.GetByID(ctx, queued.ID())
	if err != nil {
		if errors.Is(err, ErrNotQueued) {
			log.Warn().Msg("receipt was not found in queue")
			return
		}
		log.Error().Err(err).Msg("failed to load receipt")
		return
	}
	if job.Status != StatusPrinting {
		log.Debug().Str("status", string(job.Status)).Msg("receipt no longer printing, skipping")
		return
	}

	attempted = true
	w.setState(StatePrintingAttempt)
	resp, err := w.print(ctx, job, log)

	switch {
	case err == nil && resp.Accepted():
		log.Info().Stringer("codes", resp).Msg("receipt printing accepted")
		w.setState(StateFinishing)
		w.record(ctx, job.ID(), w.store.Finish, log)
	case err == nil:
		log.Info().Stringer("codes", resp).Msg("receipt printing rejected")
		w.setState(StateFailing)
		w.record(ctx, job.ID(), w.store.Fail, log)
	case errors.Is(err, ErrDeviceNotFound):
		log.Warn().Err(err).Msg("device was not found")
		w.setState(StateFailing)
		w.record(ctx, job.ID(), w.store.Fail, log)
	default:
		log.Warn().Err(err).Msg("printer i/o failure")
		w.setState(StateFailing)
		w.record(ctx, job.ID(), w.store.Fail, log)
	}
}

func (w *Worker) print(ctx context.Context, job *Job, log zerolog.Logger) (PrintResponse, error) {
	printer, err := w.printers.GetPrinter(ctx, job.SourceIP)
	if err != nil {
		return PrintResponse{}, err
	}
	defer func() {
		if err := printer.Close(); err != nil {
			log.Warn().Err(err).Msg("failed to release printer")
		}
	}()

	if job.IsFiscal {
		return printer.PrintFiscalReceipt(ctx, job.Receipt)
	}
	return printer.PrintReceipt(ctx, job.Receipt)
}

func (w *Worker) record(ctx context.Context, id string, transition func(context.Context, string) (*Job, error), log zerolog.Logger) {
	if _, err := transition(ctx, id); err != nil {
		if errors.Is(err, ErrNotQueued) {
			log.Warn().Msg("receipt was not found in queue")
			return
		}
		log.Error().Err(err).Msg("failed to record print outcome")
	}
}
