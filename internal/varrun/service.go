// Package varrun accepts VaR requests, runs the synchronous methods inline,
// hands Monte Carlo runs to the job queue and serves run status over HTTP
// and WebSocket.
package varrun

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/finsrisk/var-engine/internal/job"
	"github.com/finsrisk/var-engine/internal/metrics"
	"github.com/finsrisk/var-engine/internal/model"
	"github.com/finsrisk/var-engine/internal/risk"
	"github.com/finsrisk/var-engine/internal/store"
)

// ErrQueueUnavailable is returned when a Monte Carlo run could not be
// handed to the job queue.
var ErrQueueUnavailable = errors.New("varrun: job queue unavailable")

// Engine is the part of risk.Engine the service needs.
type Engine interface {
	Validate(m risk.Method) error
	Compute(ctx context.Context, m risk.Method, positions []model.Position) (*model.VaRResult, error)
}

// Enqueuer hands a persisted run to the asynchronous workers.
type Enqueuer interface {
	Enqueue(ctx context.Context, runID string) (job.JobHandle, error)
}

// Config tunes request defaults.
type Config struct {
	DefaultSimulations int // used when a Monte Carlo request omits simulations
	RecentRuns         int // default page size of run listings
}

// Service handles VaR run requests.
type Service struct {
	store  store.Store
	engine Engine
	jobs   Enqueuer
	hub    *WSHub // optional
	cfg    Config
	logger *slog.Logger
	now    func() time.Time
}

// NewService creates a VaR run service. hub may be nil.
func NewService(st store.Store, engine Engine, jobs Enqueuer, hub *WSHub, cfg Config, logger *slog.Logger) *Service {
	if cfg.DefaultSimulations <= 0 {
		cfg.DefaultSimulations = 5000
	}
	if cfg.RecentRuns <= 0 {
		cfg.RecentRuns = 5
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:  st,
		engine: engine,
		jobs:   jobs,
		hub:    hub,
		cfg:    cfg,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// RunRequest is a request to compute VaR for a portfolio.
type RunRequest struct {
	PortfolioID string
	OwnerID     string
	Method      model.MethodName
	Confidence  float64
	HorizonDays int
	Simulations *int // Monte Carlo only; nil means the configured default
}

// RunOutcome is the result of RequestRun. Job is set only for runs handed
// to the queue.
type RunOutcome struct {
	Run *model.VaRRun
	Job *job.JobHandle
}

// RequestRun validates req and either computes the run inline (parametric,
// historical) and persists it completed, or persists it queued and
// enqueues it (Monte Carlo). Synchronous failures persist nothing.
func (s *Service) RequestRun(ctx context.Context, req RunRequest) (*RunOutcome, error) {
	portfolio, err := s.store.GetPortfolio(ctx, req.PortfolioID)
	if err != nil {
		return nil, err
	}

	params := model.VaRParameters{Confidence: req.Confidence, HorizonDays: req.HorizonDays}
	if req.Method == model.MethodMonteCarlo {
		params.Simulations = s.cfg.DefaultSimulations
		if req.Simulations != nil {
			params.Simulations = *req.Simulations
		}
	}
	method, err := risk.MethodFromParams(req.Method, params)
	if err != nil {
		return nil, err
	}
	if err := s.engine.Validate(method); err != nil {
		return nil, err
	}

	positions, err := s.store.ListPositions(ctx, portfolio.ID)
	if err != nil {
		return nil, fmt.Errorf("load positions of %s: %w", portfolio.ID, err)
	}
	if len(positions) == 0 {
		return nil, fmt.Errorf("%w: portfolio %s has no positions", model.ErrInvalidParameters, portfolio.ID)
	}

	owner := req.OwnerID
	if owner == "" {
		owner = portfolio.OwnerID
	}
	run := &model.VaRRun{
		ID:          uuid.NewString(),
		PortfolioID: portfolio.ID,
		OwnerID:     owner,
		Method:      method.Name(),
		Params:      method.Params(),
		CreatedAt:   s.now(),
	}

	if risk.Async(method) {
		return s.enqueue(ctx, run)
	}
	return s.computeInline(ctx, run, method, positions)
}

func (s *Service) computeInline(ctx context.Context, run *model.VaRRun, method risk.Method, positions []model.Position) (*RunOutcome, error) {
	result, err := s.engine.Compute(ctx, method, positions)
	if err != nil {
		return nil, err
	}

	now := s.now()
	run.Status = model.StatusCompleted
	run.Result = result
	run.Attempts = 1
	run.CompletedAt = &now
	if err := s.store.CreateRun(ctx, run); err != nil {
		return nil, fmt.Errorf("save run %s: %w", run.ID, err)
	}
	metrics.RunsTotal.WithLabelValues(string(run.Method), string(run.Status)).Inc()
	s.notify(run)

	s.logger.Info("var computed",
		"run_id", run.ID,
		"portfolio_id", run.PortfolioID,
		"method", run.Method,
		"var_value", result.VaRValue,
	)
	return &RunOutcome{Run: run}, nil
}

func (s *Service) enqueue(ctx context.Context, run *model.VaRRun) (*RunOutcome, error) {
	run.Status = model.StatusQueued
	if err := s.store.CreateRun(ctx, run); err != nil {
		return nil, fmt.Errorf("save run %s: %w", run.ID, err)
	}
	metrics.RunsTotal.WithLabelValues(string(run.Method), string(run.Status)).Inc()

	handle, err := s.jobs.Enqueue(ctx, run.ID)
	if err != nil {
		s.logger.Error("enqueue failed", "run_id", run.ID, "err", err)
		if ferr := run.Fail(err, s.now()); ferr == nil {
			if serr := s.store.SaveRun(ctx, run); serr != nil {
				s.logger.Error("failed to mark run failed", "run_id", run.ID, "err", serr)
			}
			metrics.RunsTotal.WithLabelValues(string(run.Method), string(run.Status)).Inc()
			s.notify(run)
		}
		return nil, fmt.Errorf("%w: %v", ErrQueueUnavailable, err)
	}

	s.notify(run)
	s.logger.Info("var run queued", "run_id", run.ID, "job_id", handle.JobID, "simulations", run.Params.Simulations)
	return &RunOutcome{Run: run, Job: &handle}, nil
}

// FindRun returns a run of portfolioID. A run of another portfolio is
// reported as not found.
func (s *Service) FindRun(ctx context.Context, portfolioID, runID string) (*model.VaRRun, error) {
	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run.PortfolioID != portfolioID {
		return nil, fmt.Errorf("run %s of portfolio %s: %w", runID, portfolioID, model.ErrNotFound)
	}
	return run, nil
}

// RecentRuns lists the newest runs of a portfolio. limit <= 0 uses the
// configured default.
func (s *Service) RecentRuns(ctx context.Context, portfolioID string, limit int) ([]model.VaRRun, error) {
	if _, err := s.store.GetPortfolio(ctx, portfolioID); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = s.cfg.RecentRuns
	}
	return s.store.ListRuns(ctx, portfolioID, limit)
}

func (s *Service) notify(run *model.VaRRun) {
	if s.hub != nil {
		s.hub.RunUpdated(run)
	}
}
