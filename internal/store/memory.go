package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/finsrisk/var-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu         sync.RWMutex
	prices     map[string][]model.PriceObservation
	portfolios map[string]*model.Portfolio
	positions  map[string]map[string]model.Position
	runs       map[string]*model.VaRRun
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		prices:     make(map[string][]model.PriceObservation),
		portfolios: make(map[string]*model.Portfolio),
		positions:  make(map[string]map[string]model.Position),
		runs:       make(map[string]*model.VaRRun),
	}
}

func (s *MemoryStore) RecentPrices(_ context.Context, symbol string, limit int) ([]model.PriceObservation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := s.prices[symbol]
	if limit > 0 && len(all) > limit {
		all = all[len(all)-limit:]
	}
	return append([]model.PriceObservation(nil), all...), nil
}

// InsertPrice keeps each symbol's history sorted by timestamp.
func (s *MemoryStore) InsertPrice(_ context.Context, obs *model.PriceObservation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	hist := s.prices[obs.Symbol]
	i := sort.Search(len(hist), func(i int) bool { return hist[i].Timestamp.After(obs.Timestamp) })
	hist = append(hist, model.PriceObservation{})
	copy(hist[i+1:], hist[i:])
	hist[i] = *obs
	s.prices[obs.Symbol] = hist
	return nil
}

func (s *MemoryStore) LatestPrice(_ context.Context, symbol string) (*model.PriceObservation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	hist := s.prices[symbol]
	if len(hist) == 0 {
		return nil, fmt.Errorf("latest price %s: %w", symbol, model.ErrNotFound)
	}
	obs := hist[len(hist)-1]
	return &obs, nil
}

func (s *MemoryStore) CreatePortfolio(_ context.Context, p *model.Portfolio) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.portfolios[p.ID]; ok {
		return fmt.Errorf("portfolio %s already exists", p.ID)
	}
	cp := *p
	s.portfolios[p.ID] = &cp
	return nil
}

func (s *MemoryStore) GetPortfolio(_ context.Context, id string) (*model.Portfolio, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.portfolios[id]
	if !ok {
		return nil, fmt.Errorf("portfolio %s: %w", id, model.ErrNotFound)
	}
	cp := *p
	return &cp, nil
}

func (s *MemoryStore) UpsertPosition(_ context.Context, pos *model.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.portfolios[pos.PortfolioID]; !ok {
		return fmt.Errorf("portfolio %s: %w", pos.PortfolioID, model.ErrNotFound)
	}
	bySymbol, ok := s.positions[pos.PortfolioID]
	if !ok {
		bySymbol = make(map[string]model.Position)
		s.positions[pos.PortfolioID] = bySymbol
	}
	bySymbol[pos.Symbol] = *pos
	return nil
}

func (s *MemoryStore) ListPositions(_ context.Context, portfolioID string) ([]model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.Position, 0, len(s.positions[portfolioID]))
	for _, p := range s.positions[portfolioID] {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out, nil
}

func (s *MemoryStore) CreateRun(_ context.Context, run *model.VaRRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.runs[run.ID]; ok {
		return fmt.Errorf("run %s already exists", run.ID)
	}
	s.runs[run.ID] = cloneRun(run)
	return nil
}

func (s *MemoryStore) GetRun(_ context.Context, id string) (*model.VaRRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.runs[id]
	if !ok {
		return nil, fmt.Errorf("run %s: %w", id, model.ErrNotFound)
	}
	return cloneRun(r), nil
}

func (s *MemoryStore) SaveRun(_ context.Context, run *model.VaRRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.runs[run.ID]; !ok {
		return fmt.Errorf("run %s: %w", run.ID, model.ErrNotFound)
	}
	s.runs[run.ID] = cloneRun(run)
	return nil
}

func (s *MemoryStore) ListRuns(_ context.Context, portfolioID string, limit int) ([]model.VaRRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.VaRRun
	for _, r := range s.runs {
		if r.PortfolioID == portfolioID {
			out = append(out, *cloneRun(r))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) ListUnfinishedRuns(_ context.Context) ([]model.VaRRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.VaRRun
	for _, r := range s.runs {
		if r.Status == model.StatusQueued || r.Status == model.StatusRunning {
			out = append(out, *cloneRun(r))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// cloneRun copies the run and the pointers it owns so callers can't mutate
// stored state.
func cloneRun(r *model.VaRRun) *model.VaRRun {
	cp := *r
	if r.Result != nil {
		res := *r.Result
		cp.Result = &res
	}
	if r.CompletedAt != nil {
		t := *r.CompletedAt
		cp.CompletedAt = &t
	}
	return &cp
}
