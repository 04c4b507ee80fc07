package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/finsrisk/var-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache. Writes go to the primary store and refresh or invalidate the cache;
// reads check Redis first then fall back to the primary.
//
// Only data that can't go stale is cached for long: the latest price is
// overwritten on every insert, and runs are cached once terminal.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through ---

func (s *CachedStore) InsertPrice(ctx context.Context, obs *model.PriceObservation) error {
	if err := s.primary.InsertPrice(ctx, obs); err != nil {
		return err
	}
	s.set(ctx, latestKey(obs.Symbol), obs)
	return nil
}

func (s *CachedStore) CreateRun(ctx context.Context, run *model.VaRRun) error {
	if err := s.primary.CreateRun(ctx, run); err != nil {
		return err
	}
	if run.Status.Terminal() {
		s.set(ctx, runKey(run.ID), run)
	}
	return nil
}

func (s *CachedStore) SaveRun(ctx context.Context, run *model.VaRRun) error {
	if err := s.primary.SaveRun(ctx, run); err != nil {
		return err
	}
	if run.Status.Terminal() {
		s.set(ctx, runKey(run.ID), run)
	} else {
		s.rdb.Del(ctx, runKey(run.ID))
	}
	return nil
}

func (s *CachedStore) CreatePortfolio(ctx context.Context, p *model.Portfolio) error {
	if err := s.primary.CreatePortfolio(ctx, p); err != nil {
		return err
	}
	s.set(ctx, portfolioKey(p.ID), p)
	return nil
}

// --- Read-through ---

func (s *CachedStore) LatestPrice(ctx context.Context, symbol string) (*model.PriceObservation, error) {
	var obs model.PriceObservation
	if s.get(ctx, latestKey(symbol), &obs) {
		return &obs, nil
	}

	o, err := s.primary.LatestPrice(ctx, symbol)
	if err != nil {
		return nil, err
	}
	s.set(ctx, latestKey(symbol), o)
	return o, nil
}

func (s *CachedStore) GetRun(ctx context.Context, id string) (*model.VaRRun, error) {
	var run model.VaRRun
	if s.get(ctx, runKey(id), &run) {
		return &run, nil
	}

	r, err := s.primary.GetRun(ctx, id)
	if err != nil {
		return nil, err
	}
	if r.Status.Terminal() {
		s.set(ctx, runKey(id), r)
	}
	return r, nil
}

func (s *CachedStore) GetPortfolio(ctx context.Context, id string) (*model.Portfolio, error) {
	var p model.Portfolio
	if s.get(ctx, portfolioKey(id), &p) {
		return &p, nil
	}

	pf, err := s.primary.GetPortfolio(ctx, id)
	if err != nil {
		return nil, err
	}
	s.set(ctx, portfolioKey(id), pf)
	return pf, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) RecentPrices(ctx context.Context, symbol string, limit int) ([]model.PriceObservation, error) {
	return s.primary.RecentPrices(ctx, symbol, limit)
}

func (s *CachedStore) UpsertPosition(ctx context.Context, pos *model.Position) error {
	return s.primary.UpsertPosition(ctx, pos)
}

func (s *CachedStore) ListPositions(ctx context.Context, portfolioID string) ([]model.Position, error) {
	return s.primary.ListPositions(ctx, portfolioID)
}

func (s *CachedStore) ListRuns(ctx context.Context, portfolioID string, limit int) ([]model.VaRRun, error) {
	return s.primary.ListRuns(ctx, portfolioID, limit)
}

func (s *CachedStore) ListUnfinishedRuns(ctx context.Context) ([]model.VaRRun, error) {
	return s.primary.ListUnfinishedRuns(ctx)
}

// --- Cache helpers ---

func (s *CachedStore) set(ctx context.Context, key string, v any) {
	if data, err := json.Marshal(v); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
}

func (s *CachedStore) get(ctx context.Context, key string, v any) bool {
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err != nil {
		return false
	}
	return json.Unmarshal(data, v) == nil
}

func latestKey(symbol string) string { return fmt.Sprintf("latest:%s", symbol) }
func runKey(id string) string        { return fmt.Sprintf("varrun:%s", id) }
func portfolioKey(id string) string  { return fmt.Sprintf("portfolio:%s", id) }
