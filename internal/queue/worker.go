package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/averki/invopipe/internal/storage"
)

// TerminalError marks a delivery failure that retrying cannot fix (bad
// URL, rejected signature). The queue parks such jobs immediately instead
// of burning the remaining attempts.
type TerminalError struct {
	Err error
}

func (e *TerminalError) Error() string { return e.Err.Error() }
func (e *TerminalError) Unwrap() error { return e.Err }

// Terminal wraps err as a TerminalError.
func Terminal(err error) error {
	if err == nil {
		return nil
	}
	return &TerminalError{Err: err}
}

// IsTerminal reports whether err carries a TerminalError.
func IsTerminal(err error) bool {
	var te *TerminalError
	return errors.As(err, &te)
}

// Handler executes jobs of one kind.
type Handler interface {
	Kind() string
	Handle(ctx context.Context, job *storage.Job) error
}

// JobStore abstracts the job queue operations.
type JobStore interface {
	ClaimNextJob(kinds []string) (*storage.Job, error)
	CompleteJob(id string) error
	FailJob(id string, errMsg string, terminal bool) error
	ReapExpiredLeases() (int, error)
}

// Worker polls the job store and dispatches claimed jobs to handlers by
// kind. Run several workers against the same store for parallelism; the
// claim semantics keep each job single-flight.
type Worker struct {
	store    JobStore
	handlers map[string]Handler
	kinds    []string
	poll     time.Duration
	logger   *slog.Logger
}

// NewWorker creates a Worker with the given handlers.
// If pollInterval is <= 0, it defaults to 500ms.
func NewWorker(store JobStore, handlers []Handler, pollInterval time.Duration) *Worker {
	if pollInterval <= 0 {
		pollInterval = 500 * time.Millisecond
	}
	byKind := make(map[string]Handler, len(handlers))
	kinds := make([]string, 0, len(handlers))
	for _, h := range handlers {
		byKind[h.Kind()] = h
		kinds = append(kinds, h.Kind())
	}
	return &Worker{
		store:    store,
		handlers: byKind,
		kinds:    kinds,
		poll:     pollInterval,
		logger:   slog.Default(),
	}
}

// Run polls for jobs until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		done, err := w.RunOnce(ctx)
		if err != nil {
			w.logger.Error("worker iteration failed", "error", err)
		}
		if done {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(w.poll):
		}
	}
}

// RunOnce reaps expired leases, then claims and processes a single job.
// Returns true if a job was processed (regardless of success/failure).
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	if n, err := w.store.ReapExpiredLeases(); err != nil {
		w.logger.Error("reaping expired leases failed", "error", err)
	} else if n > 0 {
		w.logger.Warn("requeued jobs with expired leases", "count", n)
	}

	job, err := w.store.ClaimNextJob(w.kinds)
	if err != nil {
		return false, fmt.Errorf("claiming job: %w", err)
	}
	if job == nil {
		return false, nil
	}

	handler, ok := w.handlers[job.Kind]
	if !ok {
		// Shouldn't happen: we only claim kinds we registered for.
		if failErr := w.store.FailJob(job.ID, "no handler for kind "+job.Kind, true); failErr != nil {
			w.logger.Error("failed to park unhandled job", "job_id", job.ID, "error", failErr)
		}
		return true, nil
	}

	if err := handler.Handle(ctx, job); err != nil {
		terminal := IsTerminal(err)
		w.logger.Warn("job attempt failed",
			"job_id", job.ID, "kind", job.Kind, "invoice_id", job.InvoiceID,
			"attempt", job.Attempts+1, "terminal", terminal, "error", err)
		if failErr := w.store.FailJob(job.ID, err.Error(), terminal); failErr != nil {
			w.logger.Error("failed to mark job as failed", "job_id", job.ID, "error", failErr)
		}
		return true, nil
	}

	if err := w.store.CompleteJob(job.ID); err != nil {
		return true, fmt.Errorf("completing job %s: %w", job.ID, err)
	}
	return true, nil
}
