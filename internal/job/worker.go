// Package job runs Monte Carlo VaR runs off the request path: a Worker
// advances one run through its state machine and a Dispatcher feeds it from
// a queue with retries.
package job

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/finsrisk/var-engine/internal/metrics"
	"github.com/finsrisk/var-engine/internal/model"
	"github.com/finsrisk/var-engine/internal/risk"
	"github.com/finsrisk/var-engine/internal/store"
)

// Computer is the part of risk.Engine a worker needs.
type Computer interface {
	Compute(ctx context.Context, m risk.Method, positions []model.Position) (*model.VaRResult, error)
}

// Notifier is told about every persisted run status change.
type Notifier interface {
	RunUpdated(run *model.VaRRun)
}

// Store is what a worker reads and writes.
type Store interface {
	store.RunStore
	ListPositions(ctx context.Context, portfolioID string) ([]model.Position, error)
}

// Worker processes a single run.
type Worker struct {
	store    Store
	engine   Computer
	notifier Notifier
	logger   *slog.Logger
	now      func() time.Time
}

// NewWorker creates a worker. notifier may be nil.
func NewWorker(st Store, engine Computer, notifier Notifier, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		store:    st,
		engine:   engine,
		notifier: notifier,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Process loads the run, marks it running, computes it with its stored
// parameters and persists the completed result. A run already in a
// terminal state is returned unchanged, so a duplicate delivery is a no-op.
// Any error leaves the run running for the caller to retry or fail.
func (w *Worker) Process(ctx context.Context, runID string) (*model.VaRRun, error) {
	run, err := w.store.GetRun(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("load run %s: %w", runID, err)
	}
	if run.Status.Terminal() {
		w.logger.Info("run already finished, skipping", "run_id", runID, "status", run.Status)
		return run, nil
	}

	if err := run.Transition(model.StatusRunning, w.now()); err != nil {
		return nil, err
	}
	run.Attempts++
	if err := w.save(ctx, run); err != nil {
		return nil, err
	}

	result, err := w.compute(ctx, run)
	if err != nil {
		run.Error = err.Error()
		// ctx may be the expired attempt deadline.
		if serr := w.store.SaveRun(context.WithoutCancel(ctx), run); serr != nil {
			w.logger.Warn("failed to record attempt error", "run_id", runID, "err", serr)
		}
		return nil, err
	}

	if err := run.Complete(result, w.now()); err != nil {
		return nil, err
	}
	if err := w.save(ctx, run); err != nil {
		return nil, err
	}
	metrics.RunsTotal.WithLabelValues(string(run.Method), string(run.Status)).Inc()

	w.logger.Info("run completed",
		"run_id", run.ID,
		"method", run.Method,
		"attempt", run.Attempts,
		"var_value", result.VaRValue,
		"cholesky_fallback", result.CholeskyFallback,
	)
	return run, nil
}

func (w *Worker) compute(ctx context.Context, run *model.VaRRun) (*model.VaRResult, error) {
	method, err := risk.MethodFromParams(run.Method, run.Params)
	if err != nil {
		return nil, err
	}
	positions, err := w.store.ListPositions(ctx, run.PortfolioID)
	if err != nil {
		return nil, fmt.Errorf("load positions of %s: %w", run.PortfolioID, err)
	}
	return w.engine.Compute(ctx, method, positions)
}

// Fail marks the run failed with cause. Missing and already-terminal runs
// are left alone.
func (w *Worker) Fail(ctx context.Context, runID string, cause error) error {
	run, err := w.store.GetRun(ctx, runID)
	if err != nil {
		return fmt.Errorf("load run %s: %w", runID, err)
	}
	if run.Status.Terminal() {
		return nil
	}
	if err := run.Fail(cause, w.now()); err != nil {
		return err
	}
	if err := w.save(ctx, run); err != nil {
		return err
	}
	metrics.RunsTotal.WithLabelValues(string(run.Method), string(run.Status)).Inc()
	return nil
}

func (w *Worker) save(ctx context.Context, run *model.VaRRun) error {
	if err := w.store.SaveRun(ctx, run); err != nil {
		return fmt.Errorf("save run %s: %w", run.ID, err)
	}
	if w.notifier != nil {
		w.notifier.RunUpdated(run)
	}
	return nil
}
