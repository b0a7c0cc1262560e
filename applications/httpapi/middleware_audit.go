package httpapi

import (
	"net/http"
	"strings"
	"time"

	"github.com/privaudit/dpquery/infrastructure/logging"
	"github.com/privaudit/dpquery/infrastructure/metrics"
	"github.com/privaudit/dpquery/infrastructure/ratelimit"
)

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// withObservability wraps a handler with trace ID propagation, structured
// request logging, and Prometheus request metrics. The gate itself, not
// this middleware, is responsible for the privacy-relevant AuditRecord;
// this layer only covers ordinary HTTP request/response telemetry.
func withObservability(next http.Handler, logger *logging.Logger, m *metrics.Metrics) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		traceID := r.Header.Get("X-Trace-Id")
		if traceID == "" {
			traceID = logging.NewTraceID()
		}
		ctx := logging.WithTraceID(r.Context(), traceID)
		r = r.WithContext(ctx)
		w.Header().Set("X-Trace-Id", traceID)

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		if m != nil {
			m.IncrementInFlight()
			defer m.DecrementInFlight()
		}
		next.ServeHTTP(rec, r)
		duration := time.Since(start)

		if logger != nil {
			logger.LogRequest(ctx, r.Method, r.URL.Path, rec.status, duration)
		}
		if m != nil {
			m.RecordHTTPRequest("dpquery", r.Method, r.URL.Path, statusClass(rec.status), duration)
		}
	})
}

func statusClass(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}

// withRateLimit rejects requests once the shared token bucket is exhausted.
// This throttle is independent from the epsilon budget ledger: it protects
// the service from request-volume abuse, not from privacy-budget abuse.
func withRateLimit(next http.Handler, limiter *ratelimit.RateLimiter) http.Handler {
	if limiter == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !limiter.Allow() {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func clientIP(r *http.Request) string {
	h := strings.TrimSpace(r.Header.Get("X-Forwarded-For"))
	if h != "" {
		parts := strings.Split(h, ",")
		if len(parts) > 0 {
			return strings.TrimSpace(parts[0])
		}
	}
	return strings.TrimSpace(r.RemoteAddr)
}
