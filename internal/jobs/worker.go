package jobs

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ksred/klear-broker/internal/config"
	"github.com/ksred/klear-broker/internal/metrics"
	"github.com/ksred/klear-broker/pkg/apperr"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"
)

// Handler executes jobs for the worker.
type Handler interface {
	Handle(ctx context.Context, job Job) error
	// OnDeadLetter runs once a job is moved to the failed table.
	OnDeadLetter(ctx context.Context, job Job, cause error)
}

// Worker consumes a Queue, running each job in its own goroutine. At most
// Workers jobs execute at once. A retried job waits out its NotBefore in its
// own goroutine before taking a slot, so backoff never stalls other jobs.
type Worker struct {
	queue      Queue
	handler    Handler
	failed     *FailedStore
	sem        *semaphore.Weighted
	maxRetries int
	baseDelay  time.Duration
	now        func() time.Time
	wg         sync.WaitGroup
	logger     zerolog.Logger
}

func NewWorker(queue Queue, handler Handler, failed *FailedStore, cfg config.JobsConfig) *Worker {
	workers := cfg.Workers
	if workers <= 0 {
		workers = 1
	}
	return &Worker{
		queue:      queue,
		handler:    handler,
		failed:     failed,
		sem:        semaphore.NewWeighted(int64(workers)),
		maxRetries: cfg.MaxRetries,
		baseDelay:  cfg.BaseDelay,
		now:        time.Now,
		logger:     log.With().Str("component", "job_worker").Logger(),
	}
}

// Run consumes jobs until ctx is cancelled or the queue closes, then waits
// for in-flight jobs to finish.
func (w *Worker) Run(ctx context.Context) {
	w.logger.Info().Msg("starting job worker")
	defer w.wg.Wait()

	for {
		job, err := w.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, ErrQueueClosed) {
				w.logger.Info().Msg("shutting down job worker")
				return
			}
			w.logger.Error().Err(err).Msg("failed to dequeue job")
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		w.wg.Add(1)
		go func(job Job) {
			defer w.wg.Done()
			w.run(ctx, job)
		}(job)
	}
}

func (w *Worker) run(ctx context.Context, job Job) {
	if wait := job.NotBefore.Sub(w.now()); wait > 0 {
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			w.requeueOnShutdown(job)
			return
		case <-t.C:
		}
	}

	if err := w.sem.Acquire(ctx, 1); err != nil {
		w.requeueOnShutdown(job)
		return
	}
	defer w.sem.Release(1)

	w.Process(ctx, job)
}

// Process handles one job synchronously and applies the retry policy to
// its outcome.
func (w *Worker) Process(ctx context.Context, job Job) {
	logger := w.logger.With().
		Str("job_id", job.ID).
		Str("type", string(job.Type)).
		Int("retry_count", job.RetryCount).
		Logger()

	err := w.handler.Handle(ctx, job)
	if err == nil {
		metrics.JobsProcessed.WithLabelValues(string(job.Type), "success").Inc()
		logger.Debug().Msg("job completed")
		return
	}

	if ctx.Err() != nil {
		logger.Info().Err(err).Msg("job interrupted by shutdown")
		w.requeueOnShutdown(job)
		return
	}

	job.LastError = err.Error()
	if !apperr.Retryable(err) || job.RetryCount >= w.maxRetries {
		logger.Warn().Err(err).Bool("retryable", apperr.Retryable(err)).Msg("job failed permanently")
		w.deadLetter(ctx, job, err)
		return
	}

	job.RetryCount++
	job.NotBefore = w.now().Add(w.baseDelay * time.Duration(job.RetryCount))
	if qerr := w.queue.Enqueue(ctx, job); qerr != nil {
		logger.Error().Err(qerr).Msg("failed to re-enqueue job")
		w.deadLetter(ctx, job, err)
		return
	}

	metrics.JobsProcessed.WithLabelValues(string(job.Type), "retry").Inc()
	logger.Info().
		Err(err).
		Time("not_before", job.NotBefore).
		Msg("job failed, scheduled retry")
}

func (w *Worker) deadLetter(ctx context.Context, job Job, cause error) {
	metrics.JobsProcessed.WithLabelValues(string(job.Type), "dead_letter").Inc()

	// Record even if the caller's context is gone.
	ctx = context.WithoutCancel(ctx)
	if err := w.failed.Record(ctx, job, cause, w.now()); err != nil {
		w.logger.Error().Err(err).Str("job_id", job.ID).Msg("failed to record dead-lettered job")
	}
	w.handler.OnDeadLetter(ctx, job, cause)
}

// requeueOnShutdown hands a job that never ran back to the queue.
func (w *Worker) requeueOnShutdown(job Job) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := w.queue.Enqueue(ctx, job); err != nil {
		w.logger.Warn().Err(err).Str("job_id", job.ID).Msg("job dropped on shutdown")
	}
}
