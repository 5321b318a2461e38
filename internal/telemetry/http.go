package telemetry

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var httpDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name:    "stashmirror_http_request_duration_seconds",
	Help:    "HTTP handler latency.",
	Buckets: prometheus.DefBuckets,
}, []string{"method", "status"})

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// HTTP logs a telemetry event and records a latency sample per request.
func HTTP(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(sw, r)
		elapsed := time.Since(start)
		status := strconv.Itoa(sw.status)
		httpDuration.WithLabelValues(r.Method, status).Observe(elapsed.Seconds())
		Event("http_request", map[string]string{
			"method": r.Method,
			"path":   r.URL.Path,
			"status": status,
			"ms":     strconv.FormatInt(elapsed.Milliseconds(), 10),
		})
	})
}
