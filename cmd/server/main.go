package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/finsrisk/var-engine/internal/config"
	"github.com/finsrisk/var-engine/internal/job"
	"github.com/finsrisk/var-engine/internal/metrics"
	"github.com/finsrisk/var-engine/internal/migrations"
	"github.com/finsrisk/var-engine/internal/pricefeed"
	"github.com/finsrisk/var-engine/internal/queue"
	"github.com/finsrisk/var-engine/internal/risk"
	"github.com/finsrisk/var-engine/internal/store"
	"github.com/finsrisk/var-engine/internal/varrun"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("invalid configuration", "err", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var cleanup []func()
	defer func() {
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
	}()

	// --- Redis (cache and optional job queue) ---
	var rdb *redis.Client
	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			slog.Error("invalid REDIS_URL", "err", err)
			os.Exit(1)
		}
		rdb = redis.NewClient(opt)
		cleanup = append(cleanup, func() { rdb.Close() })
	}

	// --- Initialize store ---
	var st store.Store
	if cfg.DatabaseURL != "" {
		if cfg.RunMigrations {
			if err := migrations.Up(cfg.DatabaseURL); err != nil {
				slog.Error("migrations failed", "err", err)
				os.Exit(1)
			}
			slog.Info("migrations applied")
		}

		pool, err := connectPostgres(ctx, cfg.DatabaseURL)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)
		st = store.NewPostgresStore(pool)
		slog.Info("connected to PostgreSQL")
	} else {
		slog.Warn("DATABASE_URL not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	if rdb != nil {
		st = store.NewCachedStore(st, rdb, cfg.CacheTTL)
		slog.Info("Redis cache enabled", "ttl", cfg.CacheTTL)
	}

	// --- Job queue ---
	q, err := newQueue(ctx, cfg, rdb)
	if err != nil {
		slog.Error("queue setup failed", "err", err)
		os.Exit(1)
	}
	cleanup = append(cleanup, func() { q.Close() })

	// --- Engine, workers and hub ---
	engineOpts := []risk.Option{
		risk.WithMaxSimulations(cfg.MCMaxSimulations),
		risk.WithLogger(logger),
	}
	if cfg.MCParallelism > 0 {
		engineOpts = append(engineOpts, risk.WithParallelism(cfg.MCParallelism))
	}
	engine := risk.NewEngine(st, engineOpts...)

	wsHub := varrun.NewWSHub(logger)
	go wsHub.Run(ctx)

	worker := job.NewWorker(st, engine, wsHub, logger)
	dispatcher := job.NewDispatcher(q, worker, job.Config{
		Concurrency: cfg.WorkerConcurrency,
		Retry: job.RetryPolicy{
			MaxAttempts:     cfg.JobMaxAttempts,
			InitialInterval: cfg.JobBackoffInitial,
			Multiplier:      2,
		},
		Timeout: cfg.JobTimeout,
	}, logger)

	// The memory queue starts empty; rebuild it from the runs left unfinished.
	if cfg.QueueBackend == config.QueueMemory {
		n, err := dispatcher.Recover(ctx)
		if err != nil {
			slog.Error("recovering unfinished runs failed", "err", err)
			os.Exit(1)
		}
		if n > 0 {
			slog.Info("re-enqueued unfinished runs", "count", n)
		}
	}

	workersDone := make(chan struct{})
	go func() {
		defer close(workersDone)
		if err := dispatcher.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("dispatcher stopped", "err", err)
		}
	}()

	if cfg.PriceSimInterval > 0 && len(cfg.PriceSimSymbols) > 0 {
		sim := pricefeed.NewSimulator(st, wsHub, cfg.PriceSimSymbols, cfg.PriceSimInterval, time.Now().UnixNano(), logger)
		go sim.Run(ctx)
	}

	varSvc := varrun.NewService(st, engine, dispatcher, wsHub, varrun.Config{
		DefaultSimulations: cfg.MCDefaultSimulations,
	}, logger)

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(metrics.Middleware)

	// CORS middleware for frontend cross-origin requests.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"var-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket endpoint for run status and price updates.
		r.Get("/ws", wsHub.HandleWS)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(30 * time.Second))

			// Portfolios and positions.
			r.Post("/portfolios", varSvc.CreatePortfolio)
			r.Get("/portfolios/{portfolioID}", varSvc.GetPortfolio)
			r.Put("/portfolios/{portfolioID}/positions/{symbol}", varSvc.PutPosition)

			// VaR runs.
			r.Post("/portfolios/{portfolioID}/var", varSvc.CreateRun)
			r.Get("/portfolios/{portfolioID}/var", varSvc.ListRuns)
			r.Get("/portfolios/{portfolioID}/var/{runID}", varSvc.GetRun)

			// Market data.
			r.Get("/market/{symbol}/latest", varSvc.LatestPrice)
		})
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 35 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("var-engine listening", "port", cfg.Port, "queue", cfg.QueueBackend)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	slog.Info("shutting down var-engine...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	select {
	case <-workersDone:
	case <-shutdownCtx.Done():
		slog.Warn("workers did not stop in time")
	}
	fmt.Println("var-engine stopped")
}

// connectPostgres opens a pool and pings it, retrying while the database
// comes up.
func connectPostgres(ctx context.Context, url string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, err
	}
	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 6), ctx)
	err = backoff.RetryNotify(func() error {
		return pool.Ping(ctx)
	}, b, func(err error, next time.Duration) {
		slog.Warn("database not ready", "err", err, "retry_in", next)
	})
	if err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}

func newQueue(ctx context.Context, cfg *config.Config, rdb *redis.Client) (queue.Queue, error) {
	switch cfg.QueueBackend {
	case config.QueueRedis:
		rq := queue.NewRedisQueue(rdb, cfg.QueueName)
		n, err := rq.RequeueInFlight(ctx)
		if err != nil {
			return nil, fmt.Errorf("requeue in-flight jobs: %w", err)
		}
		if n > 0 {
			slog.Info("requeued interrupted jobs", "count", n)
		}
		return rq, nil
	case config.QueueKafka:
		return queue.NewKafkaQueue(cfg.KafkaBrokers, cfg.QueueName, cfg.KafkaGroupID), nil
	default:
		slog.Warn("using in-memory job queue (unfinished runs are re-enqueued from the store on restart)")
		return queue.NewMemoryQueue(1024), nil
	}
}
