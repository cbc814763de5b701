package persistence

import (
	"context"
	"log/slog"
	"time"
)

// writeJob is one deferred database write: a label for logging and the
// closure that performs it.
type writeJob struct {
	label string
	fn    func(context.Context) error
}

// WriterQueue funnels all asynchronous database writes through one
// goroutine. SQLite allows a single writer at a time; serializing the hot
// paths (capture rows, stats taps, repeat counters) here keeps the event
// loops from ever waiting on the database lock.
type WriterQueue struct {
	log  *slog.Logger
	jobs chan writeJob
}

func NewWriterQueue(log *slog.Logger, capacity int) *WriterQueue {
	if capacity <= 0 {
		capacity = 256
	}
	return &WriterQueue{
		log:  log,
		jobs: make(chan writeJob, capacity),
	}
}

// Enqueue submits a write without blocking the caller. When the queue is
// full the hand-off moves to a goroutine rather than dropping the row.
func (w *WriterQueue) Enqueue(label string, fn func(context.Context) error) {
	job := writeJob{label: label, fn: fn}
	select {
	case w.jobs <- job:
	default:
		go func() { w.jobs <- job }()
	}
}

// Start runs the single writer goroutine until ctx ends.
func (w *WriterQueue) Start(ctx context.Context) {
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case job := <-w.jobs:
				w.runWithRetry(ctx, job)
			}
		}
	}()
}

// runWithRetry retries a failed write with a short linear backoff; a
// transient SQLITE_BUSY usually clears within one round. The job is dropped
// after the last attempt.
func (w *WriterQueue) runWithRetry(ctx context.Context, job writeJob) {
	const maxAttempts = 3
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err := job.fn(ctx)
		if err == nil {
			return
		}
		w.log.Error("deferred write failed", "job", job.label, "attempt", attempt, "error", err)
		if attempt == maxAttempts {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Duration(attempt) * 300 * time.Millisecond):
		}
	}
}
