// Package metrics provides Prometheus instrumentation for the bet engine.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// BetsTotal counts bet lifecycle transitions, partitioned by the
	// status entered.
	BetsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tickgrid_bets_total",
		Help: "Total bet lifecycle transitions by resulting status",
	}, []string{"status"})

	// SettlementsTotal counts settlement events by outcome of processing.
	SettlementsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tickgrid_settlements_total",
		Help: "Settlement events processed, partitioned by applied/replayed/fallback",
	}, []string{"result"})

	// CacheEvents counts multiplier cache hits, misses, and quick-estimate
	// fallbacks.
	CacheEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tickgrid_price_cache_events_total",
		Help: "Multiplier cache reads by outcome",
	}, []string{"event"})

	// CacheEntries tracks live multiplier cache entries.
	CacheEntries = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tickgrid_price_cache_entries",
		Help: "Live multiplier cache entries",
	})

	// OpenPositions tracks non-terminal tracked positions.
	OpenPositions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tickgrid_open_positions",
		Help: "Tracked positions in pending or confirmed state",
	})

	// SettleWriteFailures counts write-behind ledger settle failures left
	// for idempotent re-application.
	SettleWriteFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tickgrid_settle_write_failures_total",
		Help: "Failed write-behind settlement persists",
	})

	// FeedMessages counts messages consumed from the push feeds.
	FeedMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tickgrid_feed_messages_total",
		Help: "Messages consumed from the settlement and bet feeds",
	}, []string{"type"})

	// WebSocketClients tracks connected broadcast clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tickgrid_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tickgrid_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "tickgrid_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
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

		// Use the raw path for the label; the API surface is small enough
		// that cardinality stays bounded.
		path := r.URL.Path
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
