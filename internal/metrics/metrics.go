// Package metrics provides Prometheus instrumentation for the PnL engine.
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
	// RunsTotal counts finished runs by kind (sync, recompute) and terminal status.
	RunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pnl_runs_total",
		Help: "Total number of finished ingestion and recompute runs",
	}, []string{"kind", "status"})

	// ActiveRuns tracks runs currently executing in this process.
	ActiveRuns = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pnl_active_runs",
		Help: "Number of runs currently executing",
	})

	RunDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "pnl_run_duration_seconds",
		Help:    "Run wall time in seconds",
		Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
	}, []string{"kind"})

	// EventsIngested counts newly stored raw records by source (fill, funding).
	EventsIngested = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pnl_events_ingested_total",
		Help: "Raw records newly persisted",
	}, []string{"source"})

	// UpstreamRequests counts info API calls by endpoint and outcome.
	UpstreamRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pnl_upstream_requests_total",
		Help: "Upstream info API requests",
	}, []string{"endpoint", "status"})

	UpstreamRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pnl_upstream_rate_limit_retries_total",
		Help: "Retries after a 429 from the upstream API",
	}, []string{"endpoint"})

	DaysProcessed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pnl_days_processed_total",
		Help: "Days successfully aggregated",
	})

	DaysFailed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pnl_days_failed_total",
		Help: "Days skipped because aggregation failed",
	})

	// WebSocketClients tracks connected run progress subscribers.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pnl_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// CacheLookups counts Redis read-through lookups by result (hit, miss, error).
	CacheLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pnl_cache_lookups_total",
		Help: "Read-through cache lookups",
	}, []string{"result"})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pnl_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "pnl_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5},
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
		wrapped := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapped, r)
		duration := time.Since(start).Seconds()

		// Route pattern keeps wallet addresses out of the label set.
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

func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

// Hijack is needed by the websocket upgrader.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer does not support hijacking")
	}
	w.status = http.StatusSwitchingProtocols
	return h.Hijack()
}
