// Package pricefeed generates synthetic market prices so the engine has
// history to work with in development and demo deployments.
package pricefeed

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/finsrisk/var-engine/internal/metrics"
	"github.com/finsrisk/var-engine/internal/model"
)

// BasePrice seeds a symbol with no history.
const BasePrice = 100.0

// Store is where simulated observations are written.
type Store interface {
	InsertPrice(ctx context.Context, obs *model.PriceObservation) error
	LatestPrice(ctx context.Context, symbol string) (*model.PriceObservation, error)
}

// Listener is told about every price written.
type Listener interface {
	PriceUpdated(obs *model.PriceObservation)
}

// Simulator appends a random-walk price for each symbol on every tick.
type Simulator struct {
	store    Store
	listener Listener // optional
	symbols  []string
	interval time.Duration
	logger   *slog.Logger
	now      func() time.Time

	mu  sync.Mutex
	rng *rand.Rand
}

// NewSimulator creates a simulator. listener may be nil.
func NewSimulator(st Store, listener Listener, symbols []string, interval time.Duration, seed int64, logger *slog.Logger) *Simulator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Simulator{
		store:    st,
		listener: listener,
		symbols:  symbols,
		interval: interval,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
		rng:      rand.New(rand.NewSource(seed)),
	}
}

// NextPrice moves last by a uniform change in [-1%, +1%), floored at 1.
func NextPrice(last, u float64) float64 {
	return math.Max(1, last*(1+(u-0.5)*0.02))
}

// Run ticks until ctx is done.
func (s *Simulator) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("price simulator started", "symbols", s.symbols, "interval", s.interval)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick writes one new observation per symbol. A failing symbol is logged
// and skipped.
func (s *Simulator) Tick(ctx context.Context) {
	for _, sym := range s.symbols {
		obs, err := s.step(ctx, sym)
		if err != nil {
			s.logger.Error("price tick failed", "symbol", sym, "err", err)
			continue
		}
		metrics.PriceTicks.WithLabelValues(sym).Inc()
		if s.listener != nil {
			s.listener.PriceUpdated(obs)
		}
		s.logger.Debug("price tick", "symbol", sym, "price", obs.Price.StringFixed(2))
	}
}

func (s *Simulator) step(ctx context.Context, sym string) (*model.PriceObservation, error) {
	last := BasePrice
	latest, err := s.store.LatestPrice(ctx, sym)
	switch {
	case err == nil:
		last = latest.Price.InexactFloat64()
	case !errors.Is(err, model.ErrNotFound):
		return nil, err
	}

	s.mu.Lock()
	u := s.rng.Float64()
	s.mu.Unlock()

	obs := &model.PriceObservation{
		Symbol:    sym,
		Price:     decimal.NewFromFloat(NextPrice(last, u)).Round(4),
		Timestamp: s.now(),
	}
	if err := s.store.InsertPrice(ctx, obs); err != nil {
		return nil, err
	}
	return obs, nil
}
