package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

//nolint:gochecknoglobals // process-wide registry
var Registry = prometheus.NewRegistry()

//nolint:gochecknoglobals // collectors
var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sink",
			Subsystem: "api",
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests received",
		},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "sink",
			Subsystem: "api",
			Name:      "http_request_duration_seconds",
			Help:      "Duration of HTTP requests in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)
)

func init() {
	Registry.MustRegister(HTTPRequestsTotal, HTTPRequestDuration)
	Registry.MustRegister(
		BatchesTotal, BatchSize, BatchDuration, BatchesInFlight,
		RecordsTotal, DeadLettersTotal,
	)
}

// MetricsHandler returns a promhttp handler bound to Registry.
func MetricsHandler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{}) //nolint:exhaustruct // defaults
}

// InstrumentHTTP wraps an http.Handler and records metrics.
func InstrumentHTTP(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)

		path := r.URL.Path
		HTTPRequestsTotal.WithLabelValues(r.Method, path, http.StatusText(ww.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
