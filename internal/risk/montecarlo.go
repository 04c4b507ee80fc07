package risk

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/finsrisk/var-engine/internal/metrics"
	"github.com/finsrisk/var-engine/internal/model"
	"github.com/finsrisk/var-engine/internal/returns"
)

// sampleRadius is how many losses either side of the VaR index are kept
// in the result for diagnostics.
const sampleRadius = 5

// simulation is everything a trial needs. It is read-only once built.
type simulation struct {
	l       [][]float64
	mu      []float64
	qty     []float64
	last    []float64
	value   float64
	scale   float64 // √horizon
	symbols []string
}

func (e *Engine) monteCarlo(ctx context.Context, h *holdings, m MonteCarlo) (*model.VaRResult, error) {
	set, err := e.builder.Build(ctx, h.symbols, returns.LookbackMonteCarlo)
	if err != nil {
		return nil, err
	}
	if set.NumDays() < 2 {
		return nil, fmt.Errorf("%w: covariance needs 2 aligned days, have %d", model.ErrInsufficientData, set.NumDays())
	}

	mu, cov := Covariance(set.Aligned())
	f := Cholesky(cov)
	if f.Fallback() {
		metrics.CholeskyFallbacks.Inc()
		e.logger.Warn("covariance not positive definite, simulating assets independently",
			"symbols", set.Symbols)
	}

	sim := &simulation{
		l:       f.L,
		mu:      mu,
		qty:     make([]float64, len(set.Symbols)),
		last:    make([]float64, len(set.Symbols)),
		scale:   math.Sqrt(float64(m.HorizonDays)),
		symbols: set.Symbols,
	}
	for i, sym := range set.Symbols {
		sim.qty[i] = h.qty[sym]
		sim.last[i] = set.Series(sym).Last()
		sim.value += sim.qty[i] * sim.last[i]
	}

	seed := e.seed()
	losses, err := e.runTrials(ctx, sim, m.Simulations, seed)
	if err != nil {
		return nil, err
	}
	sort.Float64s(losses)

	n := len(losses)
	idx := floorIndex(m.Confidence*float64(n)) - 1
	idx = max(0, min(idx, n-1))
	mean, std := meanStd(losses)

	e.logger.Debug("monte carlo simulation finished",
		"simulations", n, "seed", seed, "fallback", f.Fallback())

	return &model.VaRResult{
		PortfolioValue:   sim.value,
		VaRValue:         losses[idx],
		MeanLoss:         ptr(mean),
		StdLoss:          ptr(std),
		Simulations:      n,
		LossesSample:     append([]float64(nil), losses[max(0, idx-sampleRadius):min(n, idx+sampleRadius)]...),
		CholeskyFallback: f.Fallback(),
		Symbols:          set.Symbols,
		DroppedSymbols:   set.Dropped,
	}, nil
}

// runTrials fills a loss vector of length n. Trials are split into fixed
// chunks, each with its own generator seeded from a master source in chunk
// order, so the vector depends only on seed and not on parallelism.
func (e *Engine) runTrials(ctx context.Context, sim *simulation, n int, seed int64) ([]float64, error) {
	losses := make([]float64, n)
	master := rand.New(rand.NewSource(seed))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.parallelism)
	for start := 0; start < n; start += e.chunkSize {
		start := start
		end := min(start+e.chunkSize, n)
		chunkSeed := master.Int63()
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			rng := rand.New(rand.NewSource(chunkSeed))
			z := make([]float64, len(sim.l))
			for t := start; t < end; t++ {
				losses[t] = sim.trial(rng, z)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return losses, nil
}

// trial simulates one horizon and returns the portfolio loss. z is scratch
// space of length dim.
func (s *simulation) trial(rng *rand.Rand, z []float64) float64 {
	fillNormals(rng, z)
	var next float64
	for i := range s.l {
		shock := s.mu[i]
		for k := 0; k <= i; k++ {
			shock += s.l[i][k] * z[k]
		}
		next += s.qty[i] * s.last[i] * (1 + shock*s.scale)
	}
	return -(next - s.value)
}

// fillNormals writes standard normals into z using Box–Muller. For odd
// lengths the second value of the final pair is discarded.
func fillNormals(rng *rand.Rand, z []float64) {
	for i := 0; i < len(z); i += 2 {
		u1 := nonZeroUniform(rng)
		u2 := rng.Float64()
		r := math.Sqrt(-2 * math.Log(u1))
		theta := 2 * math.Pi * u2
		z[i] = r * math.Cos(theta)
		if i+1 < len(z) {
			z[i+1] = r * math.Sin(theta)
		}
	}
}

func nonZeroUniform(rng *rand.Rand) float64 {
	for {
		if u := rng.Float64(); u > 0 {
			return u
		}
	}
}
