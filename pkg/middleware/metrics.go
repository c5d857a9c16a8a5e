// Package middleware provides the HTTP middleware stack for the viewer API:
// request IDs, Prometheus metrics, per-client rate limiting, and request
// timeouts.
package middleware

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/caselens/viewercore/pkg/metrics"
)

// Metrics records request count, latency, and an in-flight gauge for every
// request passing through it.
func Metrics(m *metrics.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			m.HTTPRequestsInFlight.Inc()
			defer m.HTTPRequestsInFlight.Dec()

			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(sw, r)

			route := metricRoute(r.URL.Path)
			m.HTTPRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(sw.status)).Inc()
			m.HTTPRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
		})
	}
}

// statusWriter captures the status code written by the handler.
type statusWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (sw *statusWriter) WriteHeader(code int) {
	if !sw.wroteHeader {
		sw.status = code
		sw.wroteHeader = true
	}
	sw.ResponseWriter.WriteHeader(code)
}

func (sw *statusWriter) Write(b []byte) (int, error) {
	sw.wroteHeader = true
	return sw.ResponseWriter.Write(b)
}

// metricRoute maps a request path to a bounded label value. The API exposes
// only fixed paths under /v1 plus the probe endpoints; anything else (bots,
// scanners) collapses into one bucket so label cardinality stays flat.
func metricRoute(path string) string {
	switch {
	case strings.HasPrefix(path, "/v1/"), path == "/healthz", path == "/readyz":
		return path
	default:
		return "other"
	}
}
