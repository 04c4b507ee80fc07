// Package model defines the core domain types shared across the VaR engine.
// Stored quantities and prices use shopspring/decimal; risk numerics convert
// to float64 at the engine boundary.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Portfolio is a named collection of positions owned by one user.
type Portfolio struct {
	ID           string    `json:"id" db:"id"`
	OwnerID      string    `json:"owner_id" db:"owner_id"`
	Name         string    `json:"name" db:"name"`
	BaseCurrency string    `json:"base_currency" db:"base_currency"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
}

// Position is a holding in one symbol. It is treated as immutable for the
// duration of a single VaR computation.
type Position struct {
	PortfolioID string          `json:"portfolio_id" db:"portfolio_id"`
	Symbol      string          `json:"symbol" db:"symbol"`
	Quantity    decimal.Decimal `json:"quantity" db:"quantity"`   // > 0
	AvgPrice    decimal.Decimal `json:"avg_price" db:"avg_price"` // >= 0, cost basis per unit
}

// PriceObservation is one append-only price print for a symbol.
type PriceObservation struct {
	Symbol    string          `json:"symbol" db:"symbol"`
	Price     decimal.Decimal `json:"price" db:"price"`
	Timestamp time.Time       `json:"timestamp" db:"ts"`
}
