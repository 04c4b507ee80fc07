package risk

import (
	"context"
	"fmt"
	"math"

	"github.com/finsrisk/var-engine/internal/model"
	"github.com/finsrisk/var-engine/internal/returns"
)

// zScore maps a confidence level to a one-tailed normal quantile. Only the
// two common levels are tabulated; anything else uses the 95% value.
func zScore(confidence float64) float64 {
	switch confidence {
	case 0.99:
		return 2.33
	default:
		return 1.65
	}
}

func (e *Engine) parametric(ctx context.Context, h *holdings, m Parametric) (*model.VaRResult, error) {
	set, err := e.builder.Build(ctx, h.symbols, returns.LookbackShort)
	if err != nil {
		return nil, err
	}
	if set.NumDays() == 0 {
		return nil, fmt.Errorf("%w: no aligned return days", model.ErrInsufficientData)
	}

	value := portfolioValue(set, h)
	mu, sigma := meanStd(portfolioReturns(set, h))
	z := zScore(m.Confidence)

	v := -value * (mu - z*sigma) * math.Sqrt(float64(m.HorizonDays))
	if v == 0 {
		v = 0 // drop a negative zero
	}

	return &model.VaRResult{
		PortfolioValue: value,
		VaRValue:       v,
		Symbols:        set.Symbols,
		DroppedSymbols: set.Dropped,
	}, nil
}
