package httpapi

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/privaudit/dpquery/infrastructure/logging"
	"github.com/privaudit/dpquery/infrastructure/metrics"
	"github.com/privaudit/dpquery/infrastructure/ratelimit"
	"github.com/privaudit/dpquery/internal/app/domain"
	"github.com/privaudit/dpquery/internal/app/gate"
	"github.com/privaudit/dpquery/internal/app/storage"
)

var queryRoutes = []domain.QueryType{
	domain.QueryCount,
	domain.QuerySum,
	domain.QueryMean,
	domain.QueryMedian,
	domain.QueryHistogram,
	domain.QueryVariance,
	domain.QueryPercentile,
	domain.QueryMax,
}

// NewMux builds the complete HTTP handler for the query service: one route
// per aggregate query type, status/reset/log-history, a Prometheus scrape
// endpoint, and a health check, all wrapped with observability and rate
// limiting middleware.
func NewMux(
	g *gate.Gate,
	principals storage.PrincipalStore,
	logger *logging.Logger,
	m *metrics.Metrics,
	limiter *ratelimit.RateLimiter,
) http.Handler {
	h := NewHandler(g, principals, logger)
	mux := http.NewServeMux()

	routes := make([]route, 0, len(queryRoutes)+4)
	for _, qt := range queryRoutes {
		routes = append(routes, route{
			pattern: "/v1/query/" + string(qt),
			method:  http.MethodPost,
			handler: h.Query(qt),
		})
	}
	routes = append(routes,
		route{pattern: "/v1/status", method: http.MethodGet, handler: h.Status()},
		route{pattern: "/v1/reset", method: http.MethodPost, handler: h.Reset()},
		route{pattern: "/v1/log-history", method: http.MethodGet, handler: h.LogHistory()},
		route{pattern: "/v1/describe", method: http.MethodGet, handler: h.Describe()},
		route{pattern: "/healthz", method: http.MethodGet, handler: h.Healthz()},
	)
	mountRoutes(mux, routes...)

	if m != nil && metrics.Enabled() {
		mux.Handle("/metrics", promhttp.Handler())
	}

	var handler http.Handler = mux
	handler = withRateLimit(handler, limiter)
	handler = withObservability(handler, logger, m)
	return handler
}
