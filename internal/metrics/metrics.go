// Package metrics provides Prometheus instrumentation for the backtest engine.
package metrics

import (
	"bufio"
	"errors"
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
	// RunsTotal counts finished backtest runs by outcome
	// (completed, aborted, cancelled, invalid).
	RunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "backtest_runs_total",
		Help: "Total number of backtest runs by outcome",
	}, []string{"outcome"})

	// RunDuration tracks wall-clock time of a run by interpreter.
	RunDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "backtest_run_duration_seconds",
		Help:    "Backtest run duration in seconds",
		Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60, 300},
	}, []string{"interpreter"})

	// RunSteps observes the number of price points replayed per run.
	RunSteps = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "backtest_run_steps",
		Help:    "Number of price points replayed per run",
		Buckets: prometheus.ExponentialBuckets(1, 4, 10),
	})

	// TradesTotal counts simulated trades executed, partitioned by side.
	TradesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "backtest_trades_total",
		Help: "Total number of simulated trades executed",
	}, []string{"side"})

	// DroppedIntents counts BUY/SELL intents the ledger refused.
	DroppedIntents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "backtest_dropped_intents_total",
		Help: "Trade intents dropped because the ledger rejected them",
	}, []string{"reason"})

	// InterpreterFailures counts interpreter calls that errored or timed out.
	InterpreterFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "backtest_interpreter_failures_total",
		Help: "Interpreter calls that failed and were treated as HOLD",
	}, []string{"interpreter"})

	// InterpreterLatency tracks per-step decision latency.
	InterpreterLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "backtest_interpreter_latency_seconds",
		Help:    "Interpreter decision latency in seconds",
		Buckets: []float64{0.0001, 0.001, 0.01, 0.1, 0.5, 1, 2.5, 5, 10},
	}, []string{"interpreter"})

	// FeedCacheRequests counts price feed cache lookups by result (hit, miss, error).
	FeedCacheRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "backtest_feed_cache_requests_total",
		Help: "Price feed cache lookups",
	}, []string{"result"})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "backtest_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "backtest_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "backtest_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 5.0},
	}, []string{"method", "path"})
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware returns an HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: 200}
		next.ServeHTTP(wrapped, r)
		duration := time.Since(start).Seconds()

		// Route pattern keeps the asset out of the label set.
		path := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil {
			if pattern := rc.RoutePattern(); pattern != "" {
				path = pattern
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

// Hijack lets websocket upgrades pass through the middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer does not support hijacking")
	}
	return h.Hijack()
}

func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
