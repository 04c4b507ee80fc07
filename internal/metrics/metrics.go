// Package metrics provides Prometheus instrumentation for the VaR engine.
package metrics

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// RunsTotal counts VaR runs reaching a recorded status, by method.
	RunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "varengine_runs_total",
		Help: "VaR runs by method and status",
	}, []string{"method", "status"})

	// ComputeDuration tracks wall time of a single engine computation.
	ComputeDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "varengine_compute_duration_seconds",
		Help:    "VaR computation latency in seconds",
		Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	}, []string{"method"})

	// CholeskyFallbacks counts Monte Carlo runs whose covariance matrix was
	// not positive definite.
	CholeskyFallbacks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "varengine_cholesky_fallback_total",
		Help: "Covariance factorizations that fell back to independent assets",
	})

	// JobAttempts counts queue job attempts by outcome (completed, retry, exhausted).
	JobAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "varengine_job_attempts_total",
		Help: "Monte Carlo job attempts by outcome",
	}, []string{"outcome"})

	// JobsInFlight is the number of jobs being processed right now.
	JobsInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "varengine_jobs_in_flight",
		Help: "Jobs currently being processed",
	})

	// PriceTicks counts simulated price observations written.
	PriceTicks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "varengine_price_ticks_total",
		Help: "Simulated price observations written",
	}, []string{"symbol"})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "varengine_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "varengine_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "varengine_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware records request counts and latency. The path label is the chi
// route pattern so IDs in the URL don't blow up cardinality.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: 200}
		next.ServeHTTP(wrapped, r)
		duration := time.Since(start).Seconds()

		path := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil {
			if p := rc.RoutePattern(); p != "" {
				path = p
			}
		}
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// statusWriter wraps http.ResponseWriter to capture the status code.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Hijack lets the WebSocket upgrader take over connections that passed
// through the middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("metrics: response writer does not support hijacking")
	}
	return h.Hijack()
}
