package risk

import (
	"context"
	"fmt"
	"math"
	"sort"

	"github.com/finsrisk/var-engine/internal/model"
	"github.com/finsrisk/var-engine/internal/returns"
)

func (e *Engine) historical(ctx context.Context, h *holdings, m Historical) (*model.VaRResult, error) {
	set, err := e.builder.Build(ctx, h.symbols, returns.LookbackShort)
	if err != nil {
		return nil, err
	}
	series := portfolioReturns(set, h)
	if len(series) == 0 {
		return nil, fmt.Errorf("%w: no aligned return days", model.ErrInsufficientData)
	}

	q := historicalQuantile(series, m.Confidence)
	value := portfolioValue(set, h)

	return &model.VaRResult{
		PortfolioValue: value,
		VaRValue:       -value * q * math.Sqrt(float64(m.HorizonDays)),
		QuantileReturn: ptr(q),
		Symbols:        set.Symbols,
		DroppedSymbols: set.Dropped,
	}, nil
}

// historicalQuantile sorts a copy of series ascending and returns the
// element at ⌊(1-confidence)·n⌋, clamped into range.
func historicalQuantile(series []float64, confidence float64) float64 {
	sorted := append([]float64(nil), series...)
	sort.Float64s(sorted)
	idx := floorIndex((1 - confidence) * float64(len(sorted)))
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	if idx < 0 {
		idx = 0
	}
	return sorted[idx]
}
