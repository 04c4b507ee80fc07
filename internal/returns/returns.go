// Package returns turns raw price histories into aligned simple-return
// series per symbol. It is the shared front end of every VaR method.
package returns

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/finsrisk/var-engine/internal/model"
)

// Lookback windows, in price observations.
const (
	LookbackShort      = 60  // parametric and historical
	LookbackMonteCarlo = 120 // covariance estimation
)

// PriceSource supplies the most recent observations for a symbol, ordered
// oldest to newest.
type PriceSource interface {
	RecentPrices(ctx context.Context, symbol string, limit int) ([]model.PriceObservation, error)
}

// Series holds the prices and simple returns of one symbol.
type Series struct {
	Symbol  string
	Prices  []float64 // oldest -> newest
	Returns []float64 // len(Prices) - 1
}

// Last returns the most recent price in the window.
func (s *Series) Last() float64 {
	return s.Prices[len(s.Prices)-1]
}

// Set is the usable subset of the requested symbols.
type Set struct {
	// Symbols keeps request order and only lists usable symbols.
	Symbols []string
	// Dropped lists requested symbols with fewer than two observations.
	Dropped []string
	series  map[string]*Series
}

// Series returns the series for sym, or nil when sym was dropped.
func (s *Set) Series(sym string) *Series {
	return s.series[sym]
}

// NumDays is the shortest return length across usable symbols.
func (s *Set) NumDays() int {
	n := -1
	for _, sym := range s.Symbols {
		l := len(s.series[sym].Returns)
		if n < 0 || l < n {
			n = l
		}
	}
	if n < 0 {
		return 0
	}
	return n
}

// Aligned returns the symbols x days return matrix truncated to NumDays,
// keeping the most recent returns of each symbol so day indices line up.
func (s *Set) Aligned() [][]float64 {
	n := s.NumDays()
	out := make([][]float64, len(s.Symbols))
	for i, sym := range s.Symbols {
		r := s.series[sym].Returns
		out[i] = r[len(r)-n:]
	}
	return out
}

// SimpleReturns computes r_t = (p_t - p_{t-1}) / p_{t-1}.
func SimpleReturns(prices []float64) []float64 {
	if len(prices) < 2 {
		return nil
	}
	out := make([]float64, len(prices)-1)
	for i := 1; i < len(prices); i++ {
		out[i-1] = (prices[i] - prices[i-1]) / prices[i-1]
	}
	return out
}

// Builder fetches price windows and builds return series.
type Builder struct {
	prices      PriceSource
	concurrency int
}

// NewBuilder creates a Builder that issues at most concurrency fetches at
// once. concurrency <= 0 means 8.
func NewBuilder(prices PriceSource, concurrency int) *Builder {
	if concurrency <= 0 {
		concurrency = 8
	}
	return &Builder{prices: prices, concurrency: concurrency}
}

// Build fetches up to lookback observations per symbol and returns the
// usable set. Duplicate symbols are fetched once. It fails with
// model.ErrInsufficientData when no symbol has two observations.
func (b *Builder) Build(ctx context.Context, symbols []string, lookback int) (*Set, error) {
	unique := make([]string, 0, len(symbols))
	seen := make(map[string]bool, len(symbols))
	for _, sym := range symbols {
		if !seen[sym] {
			seen[sym] = true
			unique = append(unique, sym)
		}
	}

	var mu sync.Mutex
	fetched := make(map[string][]float64, len(unique))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(b.concurrency)
	for _, sym := range unique {
		sym := sym
		g.Go(func() error {
			obs, err := b.prices.RecentPrices(gctx, sym, lookback)
			if err != nil {
				return fmt.Errorf("fetch prices %s: %w", sym, err)
			}
			prices := make([]float64, len(obs))
			for i, o := range obs {
				prices[i] = o.Price.InexactFloat64()
			}
			mu.Lock()
			fetched[sym] = prices
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	return NewSet(fetched, unique)
}

// NewSet builds a Set directly from price windows, applying the same
// dropping rule as Build. Used by callers that already hold prices.
func NewSet(windows map[string][]float64, order []string) (*Set, error) {
	set := &Set{series: make(map[string]*Series, len(order))}
	for _, sym := range order {
		prices := windows[sym]
		if len(prices) < 2 {
			set.Dropped = append(set.Dropped, sym)
			continue
		}
		set.Symbols = append(set.Symbols, sym)
		set.series[sym] = &Series{Symbol: sym, Prices: prices, Returns: SimpleReturns(prices)}
	}
	if len(set.Symbols) == 0 {
		return nil, fmt.Errorf("%w: no symbol among %v has 2 or more prices", model.ErrInsufficientData, order)
	}
	return set, nil
}
