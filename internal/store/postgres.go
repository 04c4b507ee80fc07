package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/finsrisk/var-engine/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// Quantities and prices are stored as NUMERIC; run parameters and results
// as JSONB.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// --- Prices ---

func (s *PostgresStore) RecentPrices(ctx context.Context, symbol string, limit int) ([]model.PriceObservation, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT symbol, price::TEXT, ts FROM (
		     SELECT symbol, price, ts FROM market_prices
		     WHERE symbol = $1 ORDER BY ts DESC LIMIT $2
		 ) recent ORDER BY ts ASC`, symbol, limit)
	if err != nil {
		return nil, fmt.Errorf("recent prices %s: %w", symbol, err)
	}
	defer rows.Close()

	var out []model.PriceObservation
	for rows.Next() {
		var o model.PriceObservation
		var priceS string
		if err := rows.Scan(&o.Symbol, &priceS, &o.Timestamp); err != nil {
			return nil, err
		}
		o.Price, _ = decimal.NewFromString(priceS)
		out = append(out, o)
	}
	return out, rows.Err()
}

func (s *PostgresStore) InsertPrice(ctx context.Context, o *model.PriceObservation) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO market_prices (symbol, price, ts) VALUES ($1, $2::NUMERIC, $3)`,
		o.Symbol, o.Price.String(), o.Timestamp,
	)
	return err
}

func (s *PostgresStore) LatestPrice(ctx context.Context, symbol string) (*model.PriceObservation, error) {
	var o model.PriceObservation
	var priceS string
	err := s.pool.QueryRow(ctx,
		`SELECT symbol, price::TEXT, ts FROM market_prices
		 WHERE symbol = $1 ORDER BY ts DESC LIMIT 1`, symbol).
		Scan(&o.Symbol, &priceS, &o.Timestamp)
	if err != nil {
		return nil, notFound(err, "latest price %s", symbol)
	}
	o.Price, _ = decimal.NewFromString(priceS)
	return &o, nil
}

// --- Portfolios ---

func (s *PostgresStore) CreatePortfolio(ctx context.Context, p *model.Portfolio) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO portfolios (id, owner_id, name, base_currency, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		p.ID, p.OwnerID, p.Name, p.BaseCurrency, p.CreatedAt,
	)
	return err
}

func (s *PostgresStore) GetPortfolio(ctx context.Context, id string) (*model.Portfolio, error) {
	var p model.Portfolio
	err := s.pool.QueryRow(ctx,
		`SELECT id, owner_id, name, base_currency, created_at FROM portfolios WHERE id = $1`, id).
		Scan(&p.ID, &p.OwnerID, &p.Name, &p.BaseCurrency, &p.CreatedAt)
	if err != nil {
		return nil, notFound(err, "get portfolio %s", id)
	}
	return &p, nil
}

func (s *PostgresStore) UpsertPosition(ctx context.Context, pos *model.Position) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO positions (portfolio_id, symbol, quantity, avg_price)
		 VALUES ($1, $2, $3::NUMERIC, $4::NUMERIC)
		 ON CONFLICT (portfolio_id, symbol)
		 DO UPDATE SET quantity = EXCLUDED.quantity, avg_price = EXCLUDED.avg_price`,
		pos.PortfolioID, pos.Symbol, pos.Quantity.String(), pos.AvgPrice.String(),
	)
	return err
}

func (s *PostgresStore) ListPositions(ctx context.Context, portfolioID string) ([]model.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT portfolio_id, symbol, quantity::TEXT, avg_price::TEXT
		 FROM positions WHERE portfolio_id = $1 ORDER BY symbol`, portfolioID)
	if err != nil {
		return nil, fmt.Errorf("list positions %s: %w", portfolioID, err)
	}
	defer rows.Close()

	var out []model.Position
	for rows.Next() {
		var p model.Position
		var qtyS, avgS string
		if err := rows.Scan(&p.PortfolioID, &p.Symbol, &qtyS, &avgS); err != nil {
			return nil, err
		}
		p.Quantity, _ = decimal.NewFromString(qtyS)
		p.AvgPrice, _ = decimal.NewFromString(avgS)
		out = append(out, p)
	}
	return out, rows.Err()
}

// --- Runs ---

const runColumns = `id, portfolio_id, owner_id, method, params, status, result, error, attempts, created_at, completed_at`

func (s *PostgresStore) CreateRun(ctx context.Context, r *model.VaRRun) error {
	params, result, err := encodeRun(r)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO var_runs (`+runColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		r.ID, r.PortfolioID, r.OwnerID, string(r.Method), params, string(r.Status),
		result, r.Error, r.Attempts, r.CreatedAt, r.CompletedAt,
	)
	return err
}

func (s *PostgresStore) GetRun(ctx context.Context, id string) (*model.VaRRun, error) {
	r, err := scanRun(s.pool.QueryRow(ctx, `SELECT `+runColumns+` FROM var_runs WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, "get run %s", id)
	}
	return r, nil
}

func (s *PostgresStore) SaveRun(ctx context.Context, r *model.VaRRun) error {
	_, result, err := encodeRun(r)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE var_runs
		 SET status = $2, result = $3, error = $4, attempts = $5, completed_at = $6
		 WHERE id = $1`,
		r.ID, string(r.Status), result, r.Error, r.Attempts, r.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("save run %s: %w", r.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("save run %s: %w", r.ID, model.ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) ListRuns(ctx context.Context, portfolioID string, limit int) ([]model.VaRRun, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+runColumns+` FROM var_runs
		 WHERE portfolio_id = $1 ORDER BY created_at DESC LIMIT $2`, portfolioID, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs %s: %w", portfolioID, err)
	}
	defer rows.Close()

	var out []model.VaRRun
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ListUnfinishedRuns(ctx context.Context) ([]model.VaRRun, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+runColumns+` FROM var_runs
		 WHERE status IN ('queued', 'running') ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("list unfinished runs: %w", err)
	}
	defer rows.Close()

	var out []model.VaRRun
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

func encodeRun(r *model.VaRRun) (params, result []byte, err error) {
	params, err = json.Marshal(r.Params)
	if err != nil {
		return nil, nil, fmt.Errorf("encode params of run %s: %w", r.ID, err)
	}
	if r.Result != nil {
		result, err = json.Marshal(r.Result)
		if err != nil {
			return nil, nil, fmt.Errorf("encode result of run %s: %w", r.ID, err)
		}
	}
	return params, result, nil
}

func scanRun(row pgx.Row) (*model.VaRRun, error) {
	var r model.VaRRun
	var method, status string
	var params, result []byte
	if err := row.Scan(&r.ID, &r.PortfolioID, &r.OwnerID, &method, &params, &status,
		&result, &r.Error, &r.Attempts, &r.CreatedAt, &r.CompletedAt); err != nil {
		return nil, err
	}
	r.Method = model.MethodName(method)
	r.Status = model.RunStatus(status)
	if err := json.Unmarshal(params, &r.Params); err != nil {
		return nil, fmt.Errorf("decode params of run %s: %w", r.ID, err)
	}
	if len(result) > 0 {
		r.Result = &model.VaRResult{}
		if err := json.Unmarshal(result, r.Result); err != nil {
			return nil, fmt.Errorf("decode result of run %s: %w", r.ID, err)
		}
	}
	return &r, nil
}

// notFound maps pgx.ErrNoRows to model.ErrNotFound and wraps anything else.
func notFound(err error, format string, args ...any) error {
	msg := fmt.Sprintf(format, args...)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s: %w", msg, model.ErrNotFound)
	}
	return fmt.Errorf("%s: %w", msg, err)
}
