// Package store defines the persistence interfaces for the VaR engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing and local runs).
package store

import (
	"context"

	"github.com/finsrisk/var-engine/internal/model"
)

// PriceStore is the append-only market price history.
type PriceStore interface {
	// RecentPrices returns up to limit most recent observations for symbol,
	// ordered oldest to newest.
	RecentPrices(ctx context.Context, symbol string, limit int) ([]model.PriceObservation, error)

	// InsertPrice appends one observation.
	InsertPrice(ctx context.Context, obs *model.PriceObservation) error

	// LatestPrice returns the newest observation for symbol.
	LatestPrice(ctx context.Context, symbol string) (*model.PriceObservation, error)
}

// PortfolioStore is the portfolio and position directory.
type PortfolioStore interface {
	CreatePortfolio(ctx context.Context, p *model.Portfolio) error
	GetPortfolio(ctx context.Context, id string) (*model.Portfolio, error)

	// UpsertPosition inserts or replaces the position for
	// (pos.PortfolioID, pos.Symbol).
	UpsertPosition(ctx context.Context, pos *model.Position) error

	// ListPositions returns the positions of a portfolio ordered by symbol.
	ListPositions(ctx context.Context, portfolioID string) ([]model.Position, error)
}

// RunStore persists VaR runs.
type RunStore interface {
	CreateRun(ctx context.Context, run *model.VaRRun) error
	GetRun(ctx context.Context, id string) (*model.VaRRun, error)

	// SaveRun overwrites the mutable fields of an existing run.
	SaveRun(ctx context.Context, run *model.VaRRun) error

	// ListRuns returns up to limit runs of a portfolio, newest first.
	ListRuns(ctx context.Context, portfolioID string, limit int) ([]model.VaRRun, error)

	// ListUnfinishedRuns returns every queued or running run, oldest first.
	ListUnfinishedRuns(ctx context.Context) ([]model.VaRRun, error)
}

// Store is the full persistence interface. Missing records are reported
// as model.ErrNotFound.
type Store interface {
	PriceStore
	PortfolioStore
	RunStore
}
