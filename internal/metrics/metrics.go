package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "quizcache"

var (
	// CacheHitsTotal counts in-memory cache hits.
	CacheHitsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "memory",
			Name:      "hits_total",
			Help:      "Total number of in-memory cache hits.",
		},
	)

	// CacheMissesTotal counts misses, including expired entries.
	CacheMissesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "memory",
			Name:      "misses_total",
			Help:      "Total number of in-memory cache misses (absent or expired).",
		},
	)

	// CacheEvictionsTotal counts removed entries by reason: capacity | expired | trim | undecodable.
	CacheEvictionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "memory",
			Name:      "evictions_total",
			Help:      "Total number of in-memory cache entries removed by maintenance.",
		},
		[]string{"reason"},
	)

	CacheEntries = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "memory",
			Name:      "entries",
			Help:      "Current number of entries in the in-memory cache.",
		},
	)

	// PersistSavesTotal counts snapshot saves by result: ok | oversized | error.
	PersistSavesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "persist",
			Name:      "saves_total",
			Help:      "Total number of persistent snapshot save attempts.",
		},
		[]string{"result"},
	)

	// PersistLoadsTotal counts snapshot loads by result: ok | absent | version | stale | corrupt.
	PersistLoadsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "persist",
			Name:      "loads_total",
			Help:      "Total number of persistent snapshot load attempts.",
		},
		[]string{"result"},
	)

	// BatchFlushesTotal counts committed transactions by result: ok | error.
	BatchFlushesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "batch",
			Name:      "transactions_total",
			Help:      "Total number of batch transactions sent to the document store.",
		},
		[]string{"result"},
	)

	BatchOperationsCommittedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "batch",
			Name:      "operations_committed_total",
			Help:      "Total number of queued write operations committed.",
		},
	)

	BatchPendingOperations = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "batch",
			Name:      "pending_operations",
			Help:      "Number of write operations waiting for the next flush.",
		},
	)

	// AdminLatencySeconds: admin HTTP latency in seconds.
	AdminLatencySeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "admin_latency_seconds",
			Help:      "HTTP request latency for the admin API in seconds.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		},
		[]string{"path", "method", "status_code"},
	)
)

// Register is called once in main() to register metrics.
func Register() {
	prometheus.MustRegister(
		CacheHitsTotal,
		CacheMissesTotal,
		CacheEvictionsTotal,
		CacheEntries,
		PersistSavesTotal,
		PersistLoadsTotal,
		BatchFlushesTotal,
		BatchOperationsCommittedTotal,
		BatchPendingOperations,
		AdminLatencySeconds,
	)
}

// Handler exposes the /metrics endpoint for Prometheus to scrape.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware measures admin API latency for each HTTP request.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		rec := &statusRecorder{
			ResponseWriter: w,
			statusCode:     http.StatusOK,
		}

		next.ServeHTTP(rec, r)

		AdminLatencySeconds.
			WithLabelValues(routePattern(r), r.Method, strconv.Itoa(rec.statusCode)).
			Observe(time.Since(start).Seconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.statusCode = code
	r.ResponseWriter.WriteHeader(code)
}

// routePattern keeps user ids out of the path label.
func routePattern(r *http.Request) string {
	if rc := chi.RouteContext(r.Context()); rc != nil {
		if p := rc.RoutePattern(); p != "" {
			return p
		}
	}
	return "unmatched"
}
