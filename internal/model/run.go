package model

import (
	"fmt"
	"time"
)

// MethodName is the persisted tag of the VaR method used by a run.
type MethodName string

const (
	MethodParametric MethodName = "parametric"
	MethodHistorical MethodName = "historical"
	MethodMonteCarlo MethodName = "montecarlo"
)

// RunStatus is the lifecycle state of a VaRRun.
type RunStatus string

const (
	StatusPending   RunStatus = "pending" // retained for compatibility, no flow creates it
	StatusQueued    RunStatus = "queued"
	StatusRunning   RunStatus = "running"
	StatusCompleted RunStatus = "completed"
	StatusFailed    RunStatus = "failed"
)

// Terminal reports whether no further transition is allowed out of s.
func (s RunStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// transitions lists the only legal forward moves.
var transitions = map[RunStatus][]RunStatus{
	StatusPending: {StatusQueued},
	StatusQueued:  {StatusRunning, StatusFailed},
	StatusRunning: {StatusCompleted, StatusFailed},
}

// CanTransition reports whether a run may move from one status to another.
// Re-entering running is allowed because a retried job restarts from the top.
func CanTransition(from, to RunStatus) bool {
	if from == StatusRunning && to == StatusRunning {
		return true
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// VaRParameters are the caller-supplied inputs of a run.
type VaRParameters struct {
	Confidence  float64 `json:"confidence"`
	HorizonDays int     `json:"horizon_days"`
	Simulations int     `json:"simulations,omitempty"` // montecarlo only
}

// VaRResult is the uniformly shaped output of every method. Fields beyond
// PortfolioValue and VaRValue are method-specific.
type VaRResult struct {
	PortfolioValue float64   `json:"portfolio_value"`
	VaRValue       float64   `json:"var_value"`
	QuantileReturn *float64  `json:"quantile_return,omitempty"`
	MeanLoss       *float64  `json:"mean_loss,omitempty"`
	StdLoss        *float64  `json:"std_loss,omitempty"`
	Simulations    int       `json:"simulations,omitempty"`
	LossesSample   []float64 `json:"losses_sample,omitempty"`

	// CholeskyFallback is set when the covariance matrix was not positive
	// definite and assets were simulated as independent.
	CholeskyFallback bool     `json:"cholesky_fallback,omitempty"`
	Symbols          []string `json:"symbols,omitempty"`
	DroppedSymbols   []string `json:"dropped_symbols,omitempty"`
}

// VaRRun is the unit of work and its audit record.
type VaRRun struct {
	ID          string        `json:"id" db:"id"`
	PortfolioID string        `json:"portfolio_id" db:"portfolio_id"`
	OwnerID     string        `json:"owner_id" db:"owner_id"`
	Method      MethodName    `json:"method" db:"method"`
	Params      VaRParameters `json:"params"`
	Status      RunStatus     `json:"status" db:"status"`
	Result      *VaRResult    `json:"result"`
	Error       string        `json:"error,omitempty" db:"error"`
	Attempts    int           `json:"attempts" db:"attempts"`
	CreatedAt   time.Time     `json:"created_at" db:"created_at"`
	CompletedAt *time.Time    `json:"completed_at,omitempty" db:"completed_at"`
}

// Transition moves the run to status to, stamping CompletedAt when the new
// status is terminal.
func (r *VaRRun) Transition(to RunStatus, now time.Time) error {
	if !CanTransition(r.Status, to) {
		return fmt.Errorf("%w: %s -> %s (run %s)", ErrIllegalTransition, r.Status, to, r.ID)
	}
	r.Status = to
	if to.Terminal() {
		t := now
		r.CompletedAt = &t
	}
	return nil
}

// Complete records a successful result and marks the run completed.
func (r *VaRRun) Complete(result *VaRResult, now time.Time) error {
	if err := r.Transition(StatusCompleted, now); err != nil {
		return err
	}
	r.Result = result
	r.Error = ""
	return nil
}

// Fail marks the run failed with the cause that exhausted it.
func (r *VaRRun) Fail(cause error, now time.Time) error {
	if err := r.Transition(StatusFailed, now); err != nil {
		return err
	}
	if cause != nil {
		r.Error = cause.Error()
	}
	return nil
}
