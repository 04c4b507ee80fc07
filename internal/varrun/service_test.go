package varrun_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/finsrisk/var-engine/internal/job"
	"github.com/finsrisk/var-engine/internal/model"
	"github.com/finsrisk/var-engine/internal/queue"
	"github.com/finsrisk/var-engine/internal/risk"
	"github.com/finsrisk/var-engine/internal/store"
	"github.com/finsrisk/var-engine/internal/varrun"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

// fakeJobs records enqueued run ids, or fails when err is set.
type fakeJobs struct {
	mu   sync.Mutex
	runs []string
	err  error
}

func (f *fakeJobs) Enqueue(_ context.Context, runID string) (job.JobHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return job.JobHandle{}, f.err
	}
	f.runs = append(f.runs, runID)
	return job.JobHandle{JobID: "job-" + runID, RunID: runID}, nil
}

func routes(svc *varrun.Service) chi.Router {
	r := chi.NewRouter()
	r.Post("/api/v1/portfolios", svc.CreatePortfolio)
	r.Get("/api/v1/portfolios/{portfolioID}", svc.GetPortfolio)
	r.Put("/api/v1/portfolios/{portfolioID}/positions/{symbol}", svc.PutPosition)
	r.Post("/api/v1/portfolios/{portfolioID}/var", svc.CreateRun)
	r.Get("/api/v1/portfolios/{portfolioID}/var", svc.ListRuns)
	r.Get("/api/v1/portfolios/{portfolioID}/var/{runID}", svc.GetRun)
	r.Get("/api/v1/market/{symbol}/latest", svc.LatestPrice)
	return r
}

// newTestEnv creates a Service over an in-memory store seeded with
// portfolio "p1" (10 AAPL, 4 MSFT) and 120 days of prices.
func newTestEnv(t *testing.T, jobs varrun.Enqueuer) (*varrun.Service, *store.MemoryStore, chi.Router) {
	t.Helper()
	ms := store.NewMemoryStore()
	seed(t, ms)
	engine := risk.NewEngine(ms, risk.WithSeed(11), risk.WithMaxSimulations(100000))
	svc := varrun.NewService(ms, engine, jobs, nil, varrun.Config{}, nil)
	return svc, ms, routes(svc)
}

func seed(t *testing.T, ms *store.MemoryStore) {
	t.Helper()
	ctx := context.Background()
	if err := ms.CreatePortfolio(ctx, &model.Portfolio{ID: "p1", OwnerID: "u1", Name: "core", BaseCurrency: "USD"}); err != nil {
		t.Fatalf("failed to seed portfolio: %v", err)
	}
	ms.UpsertPosition(ctx, &model.Position{PortfolioID: "p1", Symbol: "AAPL", Quantity: d(10), AvgPrice: d(140)})
	ms.UpsertPosition(ctx, &model.Position{PortfolioID: "p1", Symbol: "MSFT", Quantity: d(4), AvgPrice: d(280)})

	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 120; i++ {
		ms.InsertPrice(ctx, &model.PriceObservation{Symbol: "AAPL", Price: d(150 + float64(i%7) - float64(i%3)), Timestamp: base.AddDate(0, 0, i)})
		ms.InsertPrice(ctx, &model.PriceObservation{Symbol: "MSFT", Price: d(300 + 2*float64(i%5) - float64(i%4)), Timestamp: base.AddDate(0, 0, i)})
	}
}

func do(t *testing.T, router http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func intp(n int) *int { return &n }

// --- Synchronous methods ---

func TestCreateRun_ParametricCompletesInline(t *testing.T) {
	jobs := &fakeJobs{}
	_, ms, router := newTestEnv(t, jobs)

	w := do(t, router, "POST", "/api/v1/portfolios/p1/var", varrun.CreateRunRequest{
		UserID: "u1", Method: "parametric", Confidence: 0.95, HorizonDays: 1,
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}

	var run model.VaRRun
	json.NewDecoder(w.Body).Decode(&run)
	if run.Status != model.StatusCompleted || run.Result == nil || run.CompletedAt == nil {
		t.Fatalf("sync run must come back completed with a result: %+v", run)
	}
	if run.Result.PortfolioValue <= 0 {
		t.Errorf("expected positive portfolio value, got %v", run.Result.PortfolioValue)
	}

	stored, err := ms.GetRun(context.Background(), run.ID)
	if err != nil {
		t.Fatalf("run not persisted: %v", err)
	}
	if stored.Status != model.StatusCompleted {
		t.Errorf("persisted status %s, want completed", stored.Status)
	}
	if len(jobs.runs) != 0 {
		t.Error("sync runs must not be enqueued")
	}
}

func TestCreateRun_HistoricalReportsQuantile(t *testing.T) {
	_, _, router := newTestEnv(t, &fakeJobs{})

	w := do(t, router, "POST", "/api/v1/portfolios/p1/var", varrun.CreateRunRequest{
		UserID: "u1", Method: "historical", Confidence: 0.99, HorizonDays: 10,
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var run model.VaRRun
	json.NewDecoder(w.Body).Decode(&run)
	if run.Result == nil || run.Result.QuantileReturn == nil {
		t.Fatalf("historical result must carry quantile_return: %+v", run.Result)
	}
	if run.Params.HorizonDays != 10 || run.Method != model.MethodHistorical {
		t.Errorf("unexpected run %+v", run)
	}
}

func TestCreateRun_InsufficientDataPersistsNothing(t *testing.T) {
	svc, ms, router := newTestEnv(t, &fakeJobs{})
	ctx := context.Background()
	ms.CreatePortfolio(ctx, &model.Portfolio{ID: "p2", OwnerID: "u1", Name: "new listings"})
	ms.UpsertPosition(ctx, &model.Position{PortfolioID: "p2", Symbol: "IPO", Quantity: d(1)})

	w := do(t, router, "POST", "/api/v1/portfolios/p2/var", varrun.CreateRunRequest{
		Method: "parametric", Confidence: 0.95, HorizonDays: 1,
	})
	if w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d: %s", w.Code, w.Body.String())
	}
	runs, _ := svc.RecentRuns(ctx, "p2", 0)
	if len(runs) != 0 {
		t.Errorf("failed sync computation must not persist a run, got %d", len(runs))
	}
}

func TestCreateRun_Validation(t *testing.T) {
	_, ms, router := newTestEnv(t, &fakeJobs{})
	ms.CreatePortfolio(context.Background(), &model.Portfolio{ID: "empty", OwnerID: "u1", Name: "empty"})

	cases := []struct {
		name      string
		portfolio string
		req       varrun.CreateRunRequest
		want      int
	}{
		{"unknown method", "p1", varrun.CreateRunRequest{Method: "garch", Confidence: 0.95, HorizonDays: 1}, http.StatusBadRequest},
		{"confidence above one", "p1", varrun.CreateRunRequest{Method: "parametric", Confidence: 1.5, HorizonDays: 1}, http.StatusBadRequest},
		{"zero horizon", "p1", varrun.CreateRunRequest{Method: "historical", Confidence: 0.95}, http.StatusBadRequest},
		{"zero simulations", "p1", varrun.CreateRunRequest{Method: "montecarlo", Confidence: 0.95, HorizonDays: 1, Simulations: intp(0)}, http.StatusBadRequest},
		{"too many simulations", "p1", varrun.CreateRunRequest{Method: "montecarlo", Confidence: 0.95, HorizonDays: 1, Simulations: intp(100001)}, http.StatusBadRequest},
		{"no positions", "empty", varrun.CreateRunRequest{Method: "montecarlo", Confidence: 0.95, HorizonDays: 1}, http.StatusBadRequest},
		{"unknown portfolio", "nope", varrun.CreateRunRequest{Method: "parametric", Confidence: 0.95, HorizonDays: 1}, http.StatusNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := do(t, router, "POST", "/api/v1/portfolios/"+tc.portfolio+"/var", tc.req)
			if w.Code != tc.want {
				t.Errorf("expected %d, got %d: %s", tc.want, w.Code, w.Body.String())
			}
		})
	}

	req := httptest.NewRequest("POST", "/api/v1/portfolios/p1/var", strings.NewReader("{"))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Errorf("malformed body: expected 400, got %d", w.Code)
	}
}

// --- Monte Carlo ---

func TestCreateRun_MonteCarloIsQueued(t *testing.T) {
	jobs := &fakeJobs{}
	_, ms, router := newTestEnv(t, jobs)

	w := do(t, router, "POST", "/api/v1/portfolios/p1/var", varrun.CreateRunRequest{
		UserID: "u1", Method: "montecarlo", Confidence: 0.99, HorizonDays: 5,
	})
	if w.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", w.Code, w.Body.String())
	}

	var resp varrun.QueuedRunResponse
	json.NewDecoder(w.Body).Decode(&resp)
	if resp.RunID == "" || resp.JobID != "job-"+resp.RunID || resp.Status != model.StatusQueued {
		t.Fatalf("unexpected response %+v", resp)
	}
	if len(jobs.runs) != 1 || jobs.runs[0] != resp.RunID {
		t.Errorf("expected run %s to be enqueued, got %v", resp.RunID, jobs.runs)
	}

	run, err := ms.GetRun(context.Background(), resp.RunID)
	if err != nil {
		t.Fatalf("queued run not persisted: %v", err)
	}
	if run.Status != model.StatusQueued || run.Result != nil {
		t.Errorf("expected queued run without result, got %+v", run)
	}
	if run.Params.Simulations != 5000 {
		t.Errorf("expected default 5000 simulations, got %d", run.Params.Simulations)
	}
}

func TestCreateRun_EnqueueFailureFailsRun(t *testing.T) {
	jobs := &fakeJobs{err: errors.New("redis: connection refused")}
	svc, _, router := newTestEnv(t, jobs)

	w := do(t, router, "POST", "/api/v1/portfolios/p1/var", varrun.CreateRunRequest{
		Method: "montecarlo", Confidence: 0.95, HorizonDays: 1, Simulations: intp(1000),
	})
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d: %s", w.Code, w.Body.String())
	}

	runs, _ := svc.RecentRuns(context.Background(), "p1", 0)
	if len(runs) != 1 {
		t.Fatalf("expected the queued run to be kept, got %d", len(runs))
	}
	if runs[0].Status != model.StatusFailed || !strings.Contains(runs[0].Error, "connection refused") {
		t.Errorf("expected failed run with cause, got %+v", runs[0])
	}
}

func TestMonteCarlo_EndToEnd(t *testing.T) {
	ms := store.NewMemoryStore()
	seed(t, ms)
	engine := risk.NewEngine(ms, risk.WithSeed(5))

	q := queue.NewMemoryQueue(16)
	defer q.Close()
	worker := job.NewWorker(ms, engine, nil, nil)
	dispatcher := job.NewDispatcher(q, worker, job.Config{Concurrency: 2}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go dispatcher.Run(ctx)

	router := routes(varrun.NewService(ms, engine, dispatcher, nil, varrun.Config{}, nil))

	w := do(t, router, "POST", "/api/v1/portfolios/p1/var", varrun.CreateRunRequest{
		Method: "montecarlo", Confidence: 0.95, HorizonDays: 1, Simulations: intp(3000),
	})
	if w.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", w.Code, w.Body.String())
	}
	var resp varrun.QueuedRunResponse
	json.NewDecoder(w.Body).Decode(&resp)

	deadline := time.Now().Add(5 * time.Second)
	var run model.VaRRun
	for time.Now().Before(deadline) {
		w := do(t, router, "GET", "/api/v1/portfolios/p1/var/"+resp.RunID, nil)
		if w.Code != http.StatusOK {
			t.Fatalf("poll: expected 200, got %d", w.Code)
		}
		run = model.VaRRun{}
		json.NewDecoder(w.Body).Decode(&run)
		if run.Status.Terminal() {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	if run.Status != model.StatusCompleted {
		t.Fatalf("expected completed, got %s (%s)", run.Status, run.Error)
	}
	if run.Result.Simulations != 3000 || len(run.Result.LossesSample) == 0 {
		t.Errorf("unexpected result %+v", run.Result)
	}
	if run.Result.MeanLoss == nil || run.Result.StdLoss == nil {
		t.Error("monte carlo result must carry mean and std loss")
	}
}

// --- Queries ---

func TestGetRun_ScopedToPortfolio(t *testing.T) {
	_, ms, router := newTestEnv(t, &fakeJobs{})
	ms.CreateRun(context.Background(), &model.VaRRun{ID: "r1", PortfolioID: "p1", Status: model.StatusQueued})

	if w := do(t, router, "GET", "/api/v1/portfolios/p1/var/r1", nil); w.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", w.Code)
	}
	if w := do(t, router, "GET", "/api/v1/portfolios/other/var/r1", nil); w.Code != http.StatusNotFound {
		t.Errorf("expected 404 for another portfolio, got %d", w.Code)
	}
	if w := do(t, router, "GET", "/api/v1/portfolios/p1/var/missing", nil); w.Code != http.StatusNotFound {
		t.Errorf("expected 404 for missing run, got %d", w.Code)
	}
}

func TestListRuns_RecentFirst(t *testing.T) {
	_, ms, router := newTestEnv(t, &fakeJobs{})
	base := time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 8; i++ {
		ms.CreateRun(context.Background(), &model.VaRRun{
			ID: string(rune('a' + i)), PortfolioID: "p1", Status: model.StatusQueued, CreatedAt: base.Add(time.Duration(i) * time.Hour),
		})
	}

	w := do(t, router, "GET", "/api/v1/portfolios/p1/var", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var runs []model.VaRRun
	json.NewDecoder(w.Body).Decode(&runs)
	if len(runs) != 5 || runs[0].ID != "h" {
		t.Errorf("expected the 5 newest runs starting with h, got %d", len(runs))
	}

	w = do(t, router, "GET", "/api/v1/portfolios/p1/var?limit=2", nil)
	json.NewDecoder(w.Body).Decode(&runs)
	if len(runs) != 2 {
		t.Errorf("expected 2 runs, got %d", len(runs))
	}

	if w := do(t, router, "GET", "/api/v1/portfolios/p1/var?limit=abc", nil); w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for a bad limit, got %d", w.Code)
	}
	if w := do(t, router, "GET", "/api/v1/portfolios/nope/var", nil); w.Code != http.StatusNotFound {
		t.Errorf("expected 404 for unknown portfolio, got %d", w.Code)
	}
}

func TestPortfolioLifecycle(t *testing.T) {
	_, _, router := newTestEnv(t, &fakeJobs{})

	w := do(t, router, "POST", "/api/v1/portfolios", varrun.CreatePortfolioRequest{OwnerID: "u9", Name: "hedge"})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var p model.Portfolio
	json.NewDecoder(w.Body).Decode(&p)
	if p.ID == "" || p.BaseCurrency != "USD" {
		t.Fatalf("unexpected portfolio %+v", p)
	}

	w = do(t, router, "PUT", "/api/v1/portfolios/"+p.ID+"/positions/aapl", varrun.PositionRequest{Quantity: d(12.5), AvgPrice: d(101)})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	w = do(t, router, "PUT", "/api/v1/portfolios/"+p.ID+"/positions/MSFT", varrun.PositionRequest{Quantity: d(0)})
	if w.Code != http.StatusBadRequest {
		t.Errorf("zero quantity: expected 400, got %d", w.Code)
	}

	w = do(t, router, "GET", "/api/v1/portfolios/"+p.ID, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var got varrun.PortfolioResponse
	json.NewDecoder(w.Body).Decode(&got)
	if len(got.Positions) != 1 || got.Positions[0].Symbol != "AAPL" || !got.Positions[0].Quantity.Equal(d(12.5)) {
		t.Errorf("unexpected positions %+v", got.Positions)
	}

	if w := do(t, router, "POST", "/api/v1/portfolios", varrun.CreatePortfolioRequest{Name: "no owner"}); w.Code != http.StatusBadRequest {
		t.Errorf("missing owner: expected 400, got %d", w.Code)
	}
}

func TestLatestPrice(t *testing.T) {
	_, _, router := newTestEnv(t, &fakeJobs{})

	w := do(t, router, "GET", "/api/v1/market/aapl/latest", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var obs model.PriceObservation
	json.NewDecoder(w.Body).Decode(&obs)
	// day 119: 150 + 119%7 - 119%3 = 150 + 0 - 2
	if obs.Symbol != "AAPL" || !obs.Price.Equal(d(148)) {
		t.Errorf("unexpected latest price %+v", obs)
	}

	if w := do(t, router, "GET", "/api/v1/market/ZZZZ/latest", nil); w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
}

// unreachableRuns fails run lookups the way a dropped database connection does.
type unreachableRuns struct{ *store.MemoryStore }

func (unreachableRuns) GetRun(context.Context, string) (*model.VaRRun, error) {
	return nil, errors.New("failed to connect to `host=10.0.3.7 user=varengine database=risk`: dial error")
}

func TestGetRun_InternalErrorsAreNotLeaked(t *testing.T) {
	ms := store.NewMemoryStore()
	seed(t, ms)
	st := unreachableRuns{ms}
	svc := varrun.NewService(st, risk.NewEngine(st), &fakeJobs{}, nil, varrun.Config{}, nil)
	router := routes(svc)

	w := do(t, router, "GET", "/api/v1/portfolios/p1/var/r1", nil)
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", w.Code)
	}
	var body map[string]string
	json.NewDecoder(w.Body).Decode(&body)
	if body["error"] != "internal server error" {
		t.Errorf("expected a fixed message, got %q", body["error"])
	}
}

func TestCreateRun_QueueErrorsAreNotLeaked(t *testing.T) {
	jobs := &fakeJobs{err: errors.New("dial tcp 10.0.3.9:6379: connect: connection refused")}
	_, _, router := newTestEnv(t, jobs)

	w := do(t, router, "POST", "/api/v1/portfolios/p1/var", varrun.CreateRunRequest{
		Method: "montecarlo", Confidence: 0.95, HorizonDays: 1,
	})
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", w.Code)
	}
	if strings.Contains(w.Body.String(), "10.0.3.9") {
		t.Errorf("queue address leaked to the client: %s", w.Body.String())
	}
}
