// Package risk implements portfolio Value-at-Risk with three interchangeable
// methods: parametric (variance-covariance), historical simulation and Monte
// Carlo simulation with full revaluation.
//
// All return and covariance math is float64. Position quantities arrive as
// decimals and are converted once, at the engine boundary.
package risk

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"runtime"
	"time"

	"github.com/finsrisk/var-engine/internal/metrics"
	"github.com/finsrisk/var-engine/internal/model"
	"github.com/finsrisk/var-engine/internal/returns"
)

// Engine computes VaR for a set of positions. It is safe for concurrent use.
type Engine struct {
	builder        *returns.Builder
	logger         *slog.Logger
	seed           func() int64
	parallelism    int
	chunkSize      int
	maxSimulations int
}

// Option configures an Engine.
type Option func(*Engine)

// WithSeed fixes the Monte Carlo seed so results are reproducible.
func WithSeed(seed int64) Option {
	return func(e *Engine) { e.seed = func() int64 { return seed } }
}

// WithParallelism caps the goroutines used for simulation trials.
func WithParallelism(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.parallelism = n
		}
	}
}

// WithMaxSimulations rejects Monte Carlo requests above n trials.
func WithMaxSimulations(n int) Option {
	return func(e *Engine) { e.maxSimulations = n }
}

// WithLogger sets the engine logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// NewEngine creates an engine reading price history from prices.
func NewEngine(prices returns.PriceSource, opts ...Option) *Engine {
	e := &Engine{
		builder:     returns.NewBuilder(prices, 8),
		logger:      slog.Default(),
		seed:        func() int64 { return time.Now().UnixNano() },
		parallelism: runtime.GOMAXPROCS(0),
		chunkSize:   1024,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Validate checks m's parameters without computing anything.
func (e *Engine) Validate(m Method) error {
	if m == nil {
		return fmt.Errorf("%w: no method", model.ErrInvalidParameters)
	}
	return m.validate(e.maxSimulations)
}

// Compute runs m over positions. It is the single entry point over the
// closed Method variant.
func (e *Engine) Compute(ctx context.Context, m Method, positions []model.Position) (*model.VaRResult, error) {
	if err := e.Validate(m); err != nil {
		return nil, err
	}
	h, err := newHoldings(positions)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	var res *model.VaRResult
	switch m := m.(type) {
	case Parametric:
		res, err = e.parametric(ctx, h, m)
	case Historical:
		res, err = e.historical(ctx, h, m)
	case MonteCarlo:
		res, err = e.monteCarlo(ctx, h, m)
	default:
		return nil, fmt.Errorf("%w: unsupported method %T", model.ErrInvalidParameters, m)
	}
	if err != nil {
		return nil, err
	}
	if err := checkFinite(res); err != nil {
		return nil, err
	}
	metrics.ComputeDuration.WithLabelValues(string(m.Name())).Observe(time.Since(start).Seconds())
	return res, nil
}

// ComputeParametricVaR is Compute with a Parametric method.
func (e *Engine) ComputeParametricVaR(ctx context.Context, positions []model.Position, confidence float64, horizonDays int) (*model.VaRResult, error) {
	return e.Compute(ctx, Parametric{Confidence: confidence, HorizonDays: horizonDays}, positions)
}

// ComputeHistoricalVaR is Compute with a Historical method.
func (e *Engine) ComputeHistoricalVaR(ctx context.Context, positions []model.Position, confidence float64, horizonDays int) (*model.VaRResult, error) {
	return e.Compute(ctx, Historical{Confidence: confidence, HorizonDays: horizonDays}, positions)
}

// ComputeMonteCarloVaR is Compute with a MonteCarlo method.
func (e *Engine) ComputeMonteCarloVaR(ctx context.Context, positions []model.Position, confidence float64, horizonDays, simulations int) (*model.VaRResult, error) {
	return e.Compute(ctx, MonteCarlo{Confidence: confidence, HorizonDays: horizonDays, Simulations: simulations}, positions)
}

// holdings is the per-symbol quantity view of a position list. Quantities of
// repeated symbols are summed.
type holdings struct {
	symbols []string
	qty     map[string]float64
}

func newHoldings(positions []model.Position) (*holdings, error) {
	if len(positions) == 0 {
		return nil, fmt.Errorf("%w: portfolio has no positions", model.ErrInvalidParameters)
	}
	h := &holdings{qty: make(map[string]float64, len(positions))}
	for _, p := range positions {
		if !p.Quantity.IsPositive() {
			return nil, fmt.Errorf("%w: quantity for %s must be > 0, got %s", model.ErrInvalidParameters, p.Symbol, p.Quantity)
		}
		if _, ok := h.qty[p.Symbol]; !ok {
			h.symbols = append(h.symbols, p.Symbol)
		}
		h.qty[p.Symbol] += p.Quantity.InexactFloat64()
	}
	return h, nil
}

// portfolioValue is Σ quantity × latest price over usable symbols.
func portfolioValue(set *returns.Set, h *holdings) float64 {
	var v float64
	for _, sym := range set.Symbols {
		v += h.qty[sym] * set.Series(sym).Last()
	}
	return v
}

// portfolioReturns weights each aligned day's symbol returns by today's
// value weights. Weights are not re-based to the date of each return.
func portfolioReturns(set *returns.Set, h *holdings) []float64 {
	total := portfolioValue(set, h)
	aligned := set.Aligned()
	numDays := set.NumDays()

	weights := make([]float64, len(set.Symbols))
	for i, sym := range set.Symbols {
		weights[i] = h.qty[sym] * set.Series(sym).Last() / total
	}

	out := make([]float64, numDays)
	for d := 0; d < numDays; d++ {
		var r float64
		for i := range set.Symbols {
			r += weights[i] * aligned[i][d]
		}
		out[d] = r
	}
	return out
}

// floorIndex is ⌊x⌋ tolerant of products like (1-0.9)*10 landing just
// below an integer.
func floorIndex(x float64) int {
	return int(math.Floor(x + 1e-9))
}

func meanStd(xs []float64) (mean, std float64) {
	if len(xs) == 0 {
		return 0, 0
	}
	for _, x := range xs {
		mean += x
	}
	mean /= float64(len(xs))
	var ss float64
	for _, x := range xs {
		ss += (x - mean) * (x - mean)
	}
	return mean, math.Sqrt(ss / float64(len(xs)))
}

func checkFinite(r *model.VaRResult) error {
	vals := []float64{r.PortfolioValue, r.VaRValue}
	if r.MeanLoss != nil {
		vals = append(vals, *r.MeanLoss)
	}
	if r.StdLoss != nil {
		vals = append(vals, *r.StdLoss)
	}
	if r.QuantileReturn != nil {
		vals = append(vals, *r.QuantileReturn)
	}
	for _, v := range vals {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: non-finite value in result (portfolio_value=%v var_value=%v)",
				model.ErrComputation, r.PortfolioValue, r.VaRValue)
		}
	}
	return nil
}

func ptr(f float64) *float64 { return &f }
