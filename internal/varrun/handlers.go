package varrun

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/finsrisk/var-engine/internal/model"
)

// --- Request/Response types ---

// CreateRunRequest is the JSON body for POST /portfolios/{portfolioID}/var.
type CreateRunRequest struct {
	UserID      string  `json:"user_id"`
	Method      string  `json:"method"` // parametric, historical or montecarlo
	Confidence  float64 `json:"confidence"`
	HorizonDays int     `json:"horizon_days"`
	Simulations *int    `json:"simulations,omitempty"`
}

// QueuedRunResponse is returned with 202 for Monte Carlo requests.
type QueuedRunResponse struct {
	RunID  string          `json:"run_id"`
	JobID  string          `json:"job_id"`
	Status model.RunStatus `json:"status"`
}

// CreatePortfolioRequest is the JSON body for POST /portfolios.
type CreatePortfolioRequest struct {
	OwnerID      string `json:"owner_id"`
	Name         string `json:"name"`
	BaseCurrency string `json:"base_currency"`
}

// PositionRequest is the JSON body for PUT /portfolios/{portfolioID}/positions/{symbol}.
type PositionRequest struct {
	Quantity decimal.Decimal `json:"quantity"`
	AvgPrice decimal.Decimal `json:"avg_price"`
}

// PortfolioResponse is a portfolio with its positions.
type PortfolioResponse struct {
	*model.Portfolio
	Positions []model.Position `json:"positions"`
}

// --- HTTP Handlers ---

// CreateRun handles POST /api/v1/portfolios/{portfolioID}/var
func (s *Service) CreateRun(w http.ResponseWriter, r *http.Request) {
	var req CreateRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	out, err := s.RequestRun(r.Context(), RunRequest{
		PortfolioID: chi.URLParam(r, "portfolioID"),
		OwnerID:     req.UserID,
		Method:      model.MethodName(strings.ToLower(req.Method)),
		Confidence:  req.Confidence,
		HorizonDays: req.HorizonDays,
		Simulations: req.Simulations,
	})
	if err != nil {
		s.writeErr(w, r, err)
		return
	}

	if out.Job != nil {
		writeJSON(w, http.StatusAccepted, QueuedRunResponse{
			RunID:  out.Run.ID,
			JobID:  out.Job.JobID,
			Status: out.Run.Status,
		})
		return
	}
	writeJSON(w, http.StatusCreated, out.Run)
}

// GetRun handles GET /api/v1/portfolios/{portfolioID}/var/{runID}
func (s *Service) GetRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.FindRun(r.Context(), chi.URLParam(r, "portfolioID"), chi.URLParam(r, "runID"))
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// ListRuns handles GET /api/v1/portfolios/{portfolioID}/var?limit=N
func (s *Service) ListRuns(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 100 {
			writeError(w, "limit must be between 1 and 100", http.StatusBadRequest)
			return
		}
		limit = n
	}

	runs, err := s.RecentRuns(r.Context(), chi.URLParam(r, "portfolioID"), limit)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	if runs == nil {
		runs = []model.VaRRun{}
	}
	writeJSON(w, http.StatusOK, runs)
}

// CreatePortfolio handles POST /api/v1/portfolios
func (s *Service) CreatePortfolio(w http.ResponseWriter, r *http.Request) {
	var req CreatePortfolioRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.OwnerID == "" || req.Name == "" {
		writeError(w, "owner_id and name are required", http.StatusBadRequest)
		return
	}
	if req.BaseCurrency == "" {
		req.BaseCurrency = "USD"
	}

	p := &model.Portfolio{
		ID:           uuid.NewString(),
		OwnerID:      req.OwnerID,
		Name:         req.Name,
		BaseCurrency: strings.ToUpper(req.BaseCurrency),
		CreatedAt:    s.now(),
	}
	if err := s.store.CreatePortfolio(r.Context(), p); err != nil {
		writeError(w, "failed to create portfolio", http.StatusInternalServerError)
		return
	}
	s.logger.Info("portfolio created", "id", p.ID, "owner_id", p.OwnerID)
	writeJSON(w, http.StatusCreated, p)
}

// GetPortfolio handles GET /api/v1/portfolios/{portfolioID}
func (s *Service) GetPortfolio(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	p, err := s.store.GetPortfolio(ctx, chi.URLParam(r, "portfolioID"))
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	positions, err := s.store.ListPositions(ctx, p.ID)
	if err != nil {
		writeError(w, "failed to load positions", http.StatusInternalServerError)
		return
	}
	if positions == nil {
		positions = []model.Position{}
	}
	writeJSON(w, http.StatusOK, PortfolioResponse{Portfolio: p, Positions: positions})
}

// PutPosition handles PUT /api/v1/portfolios/{portfolioID}/positions/{symbol}
func (s *Service) PutPosition(w http.ResponseWriter, r *http.Request) {
	var req PositionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if !req.Quantity.IsPositive() {
		writeError(w, "quantity must be positive", http.StatusBadRequest)
		return
	}
	if req.AvgPrice.IsNegative() {
		writeError(w, "avg_price must not be negative", http.StatusBadRequest)
		return
	}

	pos := &model.Position{
		PortfolioID: chi.URLParam(r, "portfolioID"),
		Symbol:      strings.ToUpper(chi.URLParam(r, "symbol")),
		Quantity:    req.Quantity,
		AvgPrice:    req.AvgPrice,
	}
	ctx := r.Context()
	if _, err := s.store.GetPortfolio(ctx, pos.PortfolioID); err != nil {
		s.writeErr(w, r, err)
		return
	}
	if err := s.store.UpsertPosition(ctx, pos); err != nil {
		writeError(w, "failed to save position", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, pos)
}

// LatestPrice handles GET /api/v1/market/{symbol}/latest
func (s *Service) LatestPrice(w http.ResponseWriter, r *http.Request) {
	obs, err := s.store.LatestPrice(r.Context(), strings.ToUpper(chi.URLParam(r, "symbol")))
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, obs)
}

// writeErr writes err with the status statusFor picks. Unexpected errors
// are logged and answered with a fixed message.
func (s *Service) writeErr(w http.ResponseWriter, r *http.Request, err error) {
	switch status := statusFor(err); status {
	case http.StatusInternalServerError:
		s.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "err", err)
		writeError(w, "internal server error", status)
	case http.StatusServiceUnavailable:
		writeError(w, ErrQueueUnavailable.Error(), status)
	default:
		writeError(w, err.Error(), status)
	}
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, model.ErrInvalidParameters):
		return http.StatusBadRequest
	case errors.Is(err, model.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, model.ErrInsufficientData):
		return http.StatusUnprocessableEntity
	case errors.Is(err, ErrQueueUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
