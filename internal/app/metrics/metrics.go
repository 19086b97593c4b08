package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry holds the application-specific Prometheus collectors.
	Registry = prometheus.NewRegistry()

	httpInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "usage_layer",
			Subsystem: "http",
			Name:      "inflight_requests",
			Help:      "Current number of in-flight HTTP requests.",
		},
	)

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "usage_layer",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		},
		[]string{"method", "path", "status"},
	)

	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "usage_layer",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10), // 5ms to ~5s
		},
		[]string{"method", "path"},
	)

	sessionsClosed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "usage_layer",
			Subsystem: "sessions",
			Name:      "closed_total",
			Help:      "Total number of sessions closed, by close reason.",
		},
		[]string{"reason"},
	)

	sessionDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "usage_layer",
			Subsystem: "sessions",
			Name:      "duration_seconds",
			Help:      "Duration of closed sessions.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 16), // 1s to ~18h
		},
	)

	folds = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "usage_layer",
			Subsystem: "aggregates",
			Name:      "folds_total",
			Help:      "Total number of sessions folded into daily aggregates.",
		},
	)

	foldConflicts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "usage_layer",
			Subsystem: "aggregates",
			Name:      "fold_conflicts_total",
			Help:      "Total number of version conflicts hit while folding.",
		},
	)

	retentionDeleted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "usage_layer",
			Subsystem: "aggregates",
			Name:      "retention_deleted_total",
			Help:      "Total number of daily aggregates removed by retention sweeps.",
		},
	)
)

func init() {
	Registry.MustRegister(
		httpInFlight,
		httpRequests,
		httpDuration,
		sessionsClosed,
		sessionDuration,
		folds,
		foldConflicts,
		retentionDeleted,
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
	)
}

// Handler returns an HTTP handler exposing the registered Prometheus metrics.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// InstrumentHandler wraps the provided handler with HTTP metrics collection.
func InstrumentHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		httpInFlight.Inc()
		defer httpInFlight.Dec()

		next.ServeHTTP(rec, r)

		duration := time.Since(start)
		path := canonicalPath(r.URL.Path)
		method := strings.ToUpper(r.Method)

		httpRequests.WithLabelValues(method, path, strconv.Itoa(rec.status)).Inc()
		httpDuration.WithLabelValues(method, path).Observe(duration.Seconds())
	})
}

// RecordSessionClosed records a closed session with its close reason.
func RecordSessionClosed(reason string, duration time.Duration) {
	if reason == "" {
		reason = "unknown"
	}
	if duration < 0 {
		duration = 0
	}
	sessionsClosed.WithLabelValues(reason).Inc()
	sessionDuration.Observe(duration.Seconds())
}

// RecordFold records one successful fold into a daily aggregate.
func RecordFold() {
	folds.Inc()
}

// RecordFoldConflict records a version conflict encountered during a fold.
func RecordFoldConflict() {
	foldConflicts.Inc()
}

// RecordRetentionDeleted records daily aggregates removed by a retention sweep.
func RecordRetentionDeleted(n int) {
	if n <= 0 {
		return
	}
	retentionDeleted.Add(float64(n))
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.ResponseWriter.Write(b)
}

func canonicalPath(raw string) string {
	if raw == "" || raw == "/" {
		return "/"
	}
	trimmed := strings.Trim(raw, "/")
	if trimmed == "" {
		return "/"
	}
	parts := strings.Split(trimmed, "/")
	if parts[0] != "users" && parts[0] != "days" {
		return "/" + parts[0]
	}
	if len(parts) == 1 {
		return "/" + parts[0]
	}
	if parts[0] == "days" {
		return "/days/:date"
	}
	if len(parts) == 2 {
		return "/users/:id"
	}
	return "/users/:id/" + parts[2]
}
