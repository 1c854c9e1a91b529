package middleware

import (
	"net/http"
	"strconv"
	"strings"
	"time"
)

// routeTemplates lists the dynamic routes. Each "{id}" segment matches any
// single non-empty path segment.
var routeTemplates = []string{
	"/accounts/{id}/balance",
	"/accounts/{id}/transactions",
	"/generations/{id}",
	"/purchases/{id}",
	"/admin/generations/{id}/refund",
	"/admin/generations/{id}/retry",
}

// NormalizePath maps a request path to its route template so dynamic ids do
// not explode metric cardinality. Unknown paths collapse to "other".
func NormalizePath(path string) string {
	switch path {
	case "/", "/health", "/ready", "/metrics",
		"/checkout", "/generations", "/webhooks/payments", "/webhooks/generations", "/webhooks/stripe",
		"/admin/reconcile", "/admin/review", "/admin/audit":
		return path
	}
	parts := strings.Split(strings.Trim(path, "/"), "/")
	for _, tmpl := range routeTemplates {
		if matchTemplate(strings.Split(strings.Trim(tmpl, "/"), "/"), parts) {
			return tmpl
		}
	}
	return "other"
}

func matchTemplate(tmpl, parts []string) bool {
	if len(tmpl) != len(parts) {
		return false
	}
	for i, seg := range tmpl {
		if seg == "{id}" {
			if parts[i] == "" {
				return false
			}
			continue
		}
		if seg != parts[i] {
			return false
		}
	}
	return true
}

// metricsResponseWriter wraps http.ResponseWriter to capture status code and response size.
type metricsResponseWriter struct {
	http.ResponseWriter
	statusCode  int
	size        int64
	wroteHeader bool
}

func (mrw *metricsResponseWriter) WriteHeader(code int) {
	if mrw.wroteHeader {
		return
	}
	mrw.statusCode = code
	mrw.wroteHeader = true
	mrw.ResponseWriter.WriteHeader(code)
}

func (mrw *metricsResponseWriter) Write(b []byte) (int, error) {
	if !mrw.wroteHeader {
		mrw.WriteHeader(http.StatusOK)
	}
	n, err := mrw.ResponseWriter.Write(b)
	mrw.size += int64(n)
	return n, err
}

// Unwrap returns the wrapped writer.
func (mrw *metricsResponseWriter) Unwrap() http.ResponseWriter {
	return mrw.ResponseWriter
}

// HTTPMetrics records duration, sizes and counts per normalized route.
// Health probes are excluded.
func HTTPMetrics(metrics *Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/health" || r.URL.Path == "/ready" {
				next.ServeHTTP(w, r)
				return
			}

			start := time.Now()
			mrw := &metricsResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}

			requestSize := r.ContentLength
			if requestSize < 0 {
				requestSize = 0
			}

			next.ServeHTTP(mrw, r)

			metrics.ObserveHTTPRequest(
				r.Method,
				NormalizePath(r.URL.Path),
				strconv.Itoa(mrw.statusCode),
				time.Since(start).Seconds(),
				requestSize,
				mrw.size,
			)
		})
	}
}
