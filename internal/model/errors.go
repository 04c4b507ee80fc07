package model

import "errors"

var (
	// ErrInsufficientData is returned when no requested symbol has at least
	// two usable price observations, or when alignment leaves zero days.
	ErrInsufficientData = errors.New("var: insufficient price data")

	// ErrInvalidParameters is returned for an unsupported method, a
	// confidence outside (0,1) or non-positive horizon/simulations.
	ErrInvalidParameters = errors.New("var: invalid parameters")

	// ErrNotFound is returned when a portfolio or run does not exist.
	ErrNotFound = errors.New("var: not found")

	// ErrComputation is returned when the numerics produce NaN or Inf.
	ErrComputation = errors.New("var: computation failure")

	// ErrIllegalTransition is returned when a run status change is not
	// allowed by the run state machine.
	ErrIllegalTransition = errors.New("var: illegal run status transition")
)
