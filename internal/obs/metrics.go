// Package obs registers the service metrics and the HTTP instrumentation
// wrapper.
package obs

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)

	SectionSavesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "draft_section_saves_total",
			Help: "Section saves by outcome.",
		},
		[]string{"outcome"},
	)

	RateLimitDeniedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rate_limit_denied_total",
			Help: "Requests denied by the rate limiter.",
		},
		[]string{"action"},
	)

	PushTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "push_messages_total",
			Help: "Milestone push attempts by outcome (sent, dry_run, skipped, failed).",
		},
		[]string{"outcome"},
	)

	// AuditDeadLetterTotal counts audit records that could not be written.
	// Audit is best-effort and never fails the caller, so this counter is
	// the only place those losses surface.
	AuditDeadLetterTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "audit_dead_letter_total",
			Help: "Audit records dropped because the append failed.",
		},
	)
)

func Init() {
	prometheus.MustRegister(
		httpRequestsTotal,
		httpRequestDuration,
		SectionSavesTotal,
		RateLimitDeniedTotal,
		PushTotal,
		AuditDeadLetterTotal,
	)
}

func Handler() http.Handler {
	return promhttp.Handler()
}

// Instrument records request counts and latencies around next.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(sw, r)

		status := strconv.Itoa(sw.code)
		httpRequestsTotal.WithLabelValues(r.Method, r.URL.Path, status).Inc()
		httpRequestDuration.WithLabelValues(r.Method, r.URL.Path, status).Observe(time.Since(start).Seconds())
	})
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}
