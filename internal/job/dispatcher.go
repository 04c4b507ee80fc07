package job

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"

	"github.com/finsrisk/var-engine/internal/metrics"
	"github.com/finsrisk/var-engine/internal/queue"
)

// JobHandle identifies an enqueued run.
type JobHandle struct {
	JobID string `json:"job_id"`
	RunID string `json:"run_id"`
}

// Config tunes a Dispatcher.
type Config struct {
	Concurrency int           // consumer goroutines, <= 0 means 1
	Retry       RetryPolicy   // zero value means DefaultRetryPolicy
	Timeout     time.Duration // per attempt, 0 disables
}

// Dispatcher moves jobs from a queue to a Worker and applies the retry
// policy. After the last attempt fails the run is marked failed.
type Dispatcher struct {
	queue  queue.Queue
	worker *Worker
	cfg    Config
	logger *slog.Logger
}

// NewDispatcher creates a dispatcher.
func NewDispatcher(q queue.Queue, w *Worker, cfg Config, logger *slog.Logger) *Dispatcher {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = DefaultRetryPolicy()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{queue: q, worker: w, cfg: cfg, logger: logger}
}

// Enqueue schedules the first attempt for runID.
func (d *Dispatcher) Enqueue(ctx context.Context, runID string) (JobHandle, error) {
	job := queue.NewJob(runID, d.cfg.Retry.MaxAttempts, time.Now().UTC())
	if err := d.queue.Enqueue(ctx, job, 0); err != nil {
		return JobHandle{}, fmt.Errorf("enqueue run %s: %w", runID, err)
	}
	return JobHandle{JobID: job.ID, RunID: runID}, nil
}

// Recover re-enqueues runs a previous process left queued or running. It is
// meant for queues that lose their jobs on restart and must be called
// before Run. An interrupted attempt counts as used; a run with no attempts
// left is failed. It returns the number of runs re-enqueued.
func (d *Dispatcher) Recover(ctx context.Context) (int, error) {
	runs, err := d.worker.store.ListUnfinishedRuns(ctx)
	if err != nil {
		return 0, fmt.Errorf("list unfinished runs: %w", err)
	}

	now := time.Now().UTC()
	n := 0
	for _, run := range runs {
		job := queue.NewJob(run.ID, d.cfg.Retry.MaxAttempts, now)
		job.Attempt = run.Attempts + 1
		if job.Attempt > job.MaxAttempts {
			d.fail(ctx, job, fmt.Errorf("interrupted after %d attempts", run.Attempts))
			continue
		}
		if err := d.queue.Enqueue(ctx, job, 0); err != nil {
			return n, fmt.Errorf("re-enqueue run %s: %w", run.ID, err)
		}
		d.logger.Info("re-enqueued unfinished run", "run_id", run.ID, "status", run.Status, "attempt", job.Attempt)
		n++
	}
	return n, nil
}

// Run consumes jobs until ctx is cancelled or the queue is closed.
func (d *Dispatcher) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < d.cfg.Concurrency; i++ {
		g.Go(func() error { return d.consume(gctx) })
	}
	return g.Wait()
}

func (d *Dispatcher) consume(ctx context.Context) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 100 * time.Millisecond
	bo.MaxInterval = 5 * time.Second
	bo.MaxElapsedTime = 0

	for {
		del, err := d.queue.Dequeue(ctx)
		if ctx.Err() != nil || errors.Is(err, queue.ErrClosed) {
			return nil
		}
		if err != nil {
			wait := bo.NextBackOff()
			d.logger.Error("dequeue failed", "err", err, "retry_in", wait)
			select {
			case <-time.After(wait):
				continue
			case <-ctx.Done():
				return nil
			}
		}
		bo.Reset()
		d.handle(ctx, del)
	}
}

func (d *Dispatcher) handle(ctx context.Context, del *queue.Delivery) {
	job := del.Job
	log := d.logger.With("run_id", job.RunID, "job_id", job.ID, "attempt", job.Attempt)

	metrics.JobsInFlight.Inc()
	defer metrics.JobsInFlight.Dec()

	attemptCtx := ctx
	if d.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		attemptCtx, cancel = context.WithTimeout(ctx, d.cfg.Timeout)
		defer cancel()
	}

	_, err := d.worker.Process(attemptCtx, job.RunID)
	if err != nil && ctx.Err() != nil {
		// Shutting down; leave the delivery unacknowledged so it is redelivered.
		log.Warn("job interrupted by shutdown", "err", err)
		return
	}

	switch {
	case err == nil:
		metrics.JobAttempts.WithLabelValues("completed").Inc()

	case job.Exhausted():
		metrics.JobAttempts.WithLabelValues("exhausted").Inc()
		log.Error("job failed, no attempts left", "err", err)
		d.fail(ctx, job, err)

	default:
		metrics.JobAttempts.WithLabelValues("retry").Inc()
		delay := d.cfg.Retry.Delay(job.Attempt)
		log.Warn("job failed, retrying", "err", err, "retry_in", delay)
		if qerr := d.queue.Enqueue(ctx, job.Next(time.Now().Add(delay)), delay); qerr != nil {
			log.Error("failed to schedule retry", "err", qerr)
			d.fail(ctx, job, fmt.Errorf("%w (retry not scheduled: %v)", err, qerr))
		}
	}

	if aerr := del.Ack(ctx); aerr != nil {
		log.Warn("ack failed", "err", aerr)
	}
}

func (d *Dispatcher) fail(ctx context.Context, job queue.Job, cause error) {
	if err := d.worker.Fail(ctx, job.RunID, cause); err != nil {
		d.logger.Error("failed to mark run failed", "run_id", job.RunID, "err", err)
	}
}
