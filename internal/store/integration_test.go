package store

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/finsrisk/var-engine/internal/migrations"
	"github.com/finsrisk/var-engine/internal/model"
)

// setupPostgres starts a throwaway PostgreSQL, applies the schema and
// returns a pool.
func setupPostgres(t *testing.T) *pgxpool.Pool {
	t.Helper()
	ctx := context.Background()

	pg, err := tcpostgres.Run(ctx,
		"postgres:16-alpine",
		tcpostgres.WithDatabase("vartest"),
		tcpostgres.WithUsername("testuser"),
		tcpostgres.WithPassword("testpass"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = pg.Terminate(context.Background()) })

	connStr, err := pg.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)
	require.NoError(t, migrations.Up(connStr))

	pool, err := pgxpool.New(ctx, connStr)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	return pool
}

func setupRedis(t *testing.T) *redis.Client {
	t.Helper()
	ctx := context.Background()

	rc, err := tcredis.Run(ctx, "redis:7-alpine")
	require.NoError(t, err)
	t.Cleanup(func() { _ = rc.Terminate(context.Background()) })

	uri, err := rc.ConnectionString(ctx)
	require.NoError(t, err)
	opt, err := redis.ParseURL(uri)
	require.NoError(t, err)

	rdb := redis.NewClient(opt)
	t.Cleanup(func() { rdb.Close() })
	return rdb
}

func TestPostgresAndCache_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	ctx := context.Background()

	pg := NewPostgresStore(setupPostgres(t))
	rdb := setupRedis(t)
	st := NewCachedStore(pg, rdb, time.Minute)

	t.Run("prices", func(t *testing.T) {
		for i := 0; i < 5; i++ {
			require.NoError(t, st.InsertPrice(ctx, &model.PriceObservation{
				Symbol:    "AAPL",
				Price:     decimal.RequireFromString("100.25").Add(decimal.NewFromInt(int64(i))),
				Timestamp: t0.AddDate(0, 0, i),
			}))
		}

		got, err := st.RecentPrices(ctx, "AAPL", 3)
		require.NoError(t, err)
		require.Len(t, got, 3)
		assert.Equal(t, "102.25", got[0].Price.String())
		assert.Equal(t, "104.25", got[2].Price.String())
		assert.True(t, got[0].Timestamp.Before(got[2].Timestamp))

		// Latest price comes from the cache key written on insert.
		cached, err := rdb.Exists(ctx, "latest:AAPL").Result()
		require.NoError(t, err)
		assert.Equal(t, int64(1), cached)

		latest, err := st.LatestPrice(ctx, "AAPL")
		require.NoError(t, err)
		assert.True(t, latest.Price.Equal(decimal.RequireFromString("104.25")))

		_, err = st.LatestPrice(ctx, "NOPE")
		assert.ErrorIs(t, err, model.ErrNotFound)
	})

	t.Run("portfolio and positions", func(t *testing.T) {
		require.NoError(t, st.CreatePortfolio(ctx, &model.Portfolio{
			ID: "p1", OwnerID: "u1", Name: "core", BaseCurrency: "USD", CreatedAt: t0,
		}))
		require.NoError(t, st.UpsertPosition(ctx, &model.Position{
			PortfolioID: "p1", Symbol: "AAPL", Quantity: decimal.NewFromInt(3), AvgPrice: decimal.RequireFromString("99.5"),
		}))
		require.NoError(t, st.UpsertPosition(ctx, &model.Position{
			PortfolioID: "p1", Symbol: "AAPL", Quantity: decimal.NewFromInt(4), AvgPrice: decimal.RequireFromString("99.5"),
		}))

		positions, err := st.ListPositions(ctx, "p1")
		require.NoError(t, err)
		require.Len(t, positions, 1)
		assert.True(t, positions[0].Quantity.Equal(decimal.NewFromInt(4)))

		p, err := st.GetPortfolio(ctx, "p1")
		require.NoError(t, err)
		assert.Equal(t, "u1", p.OwnerID)

		_, err = st.GetPortfolio(ctx, "missing")
		assert.ErrorIs(t, err, model.ErrNotFound)
	})

	t.Run("runs", func(t *testing.T) {
		run := &model.VaRRun{
			ID:          "r1",
			PortfolioID: "p1",
			OwnerID:     "u1",
			Method:      model.MethodMonteCarlo,
			Params:      model.VaRParameters{Confidence: 0.99, HorizonDays: 10, Simulations: 5000},
			Status:      model.StatusQueued,
			CreatedAt:   t0,
		}
		require.NoError(t, st.CreateRun(ctx, run))

		got, err := st.GetRun(ctx, "r1")
		require.NoError(t, err)
		assert.Equal(t, model.StatusQueued, got.Status)
		assert.Nil(t, got.Result)
		assert.Equal(t, 5000, got.Params.Simulations)

		require.NoError(t, got.Transition(model.StatusRunning, t0))
		require.NoError(t, got.Complete(&model.VaRResult{PortfolioValue: 400, VaRValue: 12.5, Simulations: 5000}, t0.Add(time.Second)))
		require.NoError(t, st.SaveRun(ctx, got))

		done, err := pg.GetRun(ctx, "r1")
		require.NoError(t, err)
		assert.Equal(t, model.StatusCompleted, done.Status)
		require.NotNil(t, done.Result)
		assert.Equal(t, 12.5, done.Result.VaRValue)
		require.NotNil(t, done.CompletedAt)

		exists, err := rdb.Exists(ctx, "varrun:r1").Result()
		require.NoError(t, err)
		assert.Equal(t, int64(1), exists, "terminal runs are cached")

		runs, err := st.ListRuns(ctx, "p1", 5)
		require.NoError(t, err)
		require.Len(t, runs, 1)

		unfinished, err := st.ListUnfinishedRuns(ctx)
		require.NoError(t, err)
		assert.Empty(t, unfinished, "completed runs are not unfinished")

		err = st.SaveRun(ctx, &model.VaRRun{ID: "ghost", Status: model.StatusFailed})
		assert.ErrorIs(t, err, model.ErrNotFound)
	})
}
