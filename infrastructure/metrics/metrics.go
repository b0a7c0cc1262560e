// Package metrics provides Prometheus metrics collection for the query
// service: HTTP traffic, mechanism invocations, and budget-ledger activity.
package metrics

import (
	"os"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus collectors for one service instance.
type Metrics struct {
	// HTTP metrics
	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge

	// Error metrics
	ErrorsTotal *prometheus.CounterVec

	// Mechanism engine metrics
	MechanismInvocationsTotal *prometheus.CounterVec
	MechanismDuration         *prometheus.HistogramVec

	// Query planner / admission gate metrics
	QueriesTotal *prometheus.CounterVec

	// Budget ledger metrics
	ReservationsTotal        *prometheus.CounterVec
	ReservationTimeoutsTotal prometheus.Counter
	EpsilonConsumedTotal     *prometheus.CounterVec
	BudgetRemaining          *prometheus.GaugeVec

	// Database metrics
	DatabaseQueriesTotal    *prometheus.CounterVec
	DatabaseQueryDuration   *prometheus.HistogramVec
	DatabaseConnectionsOpen prometheus.Gauge

	// Service health
	ServiceUptime prometheus.Gauge
	ServiceInfo   *prometheus.GaugeVec
}

// New creates a new Metrics instance registered against the default registerer.
func New(serviceName string) *Metrics {
	return NewWithRegistry(serviceName, prometheus.DefaultRegisterer)
}

// NewWithRegistry creates a new Metrics instance with a custom registry.
func NewWithRegistry(serviceName string, registerer prometheus.Registerer) *Metrics {
	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"service", "method", "path", "status"},
		),
		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"service", "method", "path"},
		),
		RequestsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "http_requests_in_flight",
				Help: "Current number of HTTP requests being processed",
			},
		),

		ErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "errors_total",
				Help: "Total number of errors by service error code",
			},
			[]string{"service", "code", "operation"},
		),

		MechanismInvocationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mechanism_invocations_total",
				Help: "Total number of mechanism-engine invocations",
			},
			[]string{"service", "mechanism", "status"},
		),
		MechanismDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "mechanism_duration_seconds",
				Help:    "Mechanism invocation duration in seconds",
				Buckets: []float64{.0001, .0005, .001, .005, .01, .05, .1, .5, 1},
			},
			[]string{"service", "mechanism"},
		),

		QueriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "queries_total",
				Help: "Total number of admitted queries by aggregate type and outcome",
			},
			[]string{"service", "query_type", "status"},
		),

		ReservationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledger_reservations_total",
				Help: "Total number of budget-ledger reservation attempts by outcome",
			},
			[]string{"service", "outcome"},
		),
		ReservationTimeoutsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "ledger_reservation_timeouts_total",
				Help: "Total number of reservations auto-released by the timeout sweeper",
			},
		),
		EpsilonConsumedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledger_epsilon_consumed_total",
				Help: "Total epsilon committed per principal",
			},
			[]string{"service", "principal_id"},
		),
		BudgetRemaining: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "ledger_budget_remaining",
				Help: "Remaining epsilon budget per principal",
			},
			[]string{"service", "principal_id"},
		),

		DatabaseQueriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "database_queries_total",
				Help: "Total number of database queries",
			},
			[]string{"service", "operation", "status"},
		),
		DatabaseQueryDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "database_query_duration_seconds",
				Help:    "Database query duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
			},
			[]string{"service", "operation"},
		),
		DatabaseConnectionsOpen: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "database_connections_open",
				Help: "Current number of open database connections",
			},
		),

		ServiceUptime: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "service_uptime_seconds",
				Help: "Service uptime in seconds",
			},
		),
		ServiceInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "service_info",
				Help: "Service information",
			},
			[]string{"service", "version", "environment"},
		),
	}

	if registerer != nil {
		registerer.MustRegister(
			m.RequestsTotal,
			m.RequestDuration,
			m.RequestsInFlight,
			m.ErrorsTotal,
			m.MechanismInvocationsTotal,
			m.MechanismDuration,
			m.QueriesTotal,
			m.ReservationsTotal,
			m.ReservationTimeoutsTotal,
			m.EpsilonConsumedTotal,
			m.BudgetRemaining,
			m.DatabaseQueriesTotal,
			m.DatabaseQueryDuration,
			m.DatabaseConnectionsOpen,
			m.ServiceUptime,
			m.ServiceInfo,
		)
	}

	m.ServiceInfo.WithLabelValues(serviceName, "0.1.0", getEnvironment()).Set(1)

	return m
}

// RecordHTTPRequest records an HTTP request.
func (m *Metrics) RecordHTTPRequest(service, method, path, status string, duration time.Duration) {
	m.RequestsTotal.WithLabelValues(service, method, path, status).Inc()
	m.RequestDuration.WithLabelValues(service, method, path).Observe(duration.Seconds())
}

// RecordError records an error by its service error code.
func (m *Metrics) RecordError(service, code, operation string) {
	m.ErrorsTotal.WithLabelValues(service, code, operation).Inc()
}

// RecordMechanismInvocation records one mechanism-engine call.
func (m *Metrics) RecordMechanismInvocation(service, mechanism, status string, duration time.Duration) {
	m.MechanismInvocationsTotal.WithLabelValues(service, mechanism, status).Inc()
	m.MechanismDuration.WithLabelValues(service, mechanism).Observe(duration.Seconds())
}

// RecordQuery records one admitted or refused query by aggregate type.
func (m *Metrics) RecordQuery(service, queryType, status string) {
	m.QueriesTotal.WithLabelValues(service, queryType, status).Inc()
}

// RecordReservation records a budget-ledger reservation attempt.
func (m *Metrics) RecordReservation(service, outcome string) {
	m.ReservationsTotal.WithLabelValues(service, outcome).Inc()
}

// RecordReservationTimeout records an auto-released reservation.
func (m *Metrics) RecordReservationTimeout() {
	m.ReservationTimeoutsTotal.Inc()
}

// RecordEpsilonConsumed records epsilon committed by a principal and updates
// its remaining-budget gauge.
func (m *Metrics) RecordEpsilonConsumed(service, principalID string, consumed, remaining float64) {
	m.EpsilonConsumedTotal.WithLabelValues(service, principalID).Add(consumed)
	m.BudgetRemaining.WithLabelValues(service, principalID).Set(remaining)
}

// RecordDatabaseQuery records a database query.
func (m *Metrics) RecordDatabaseQuery(service, operation, status string, duration time.Duration) {
	m.DatabaseQueriesTotal.WithLabelValues(service, operation, status).Inc()
	m.DatabaseQueryDuration.WithLabelValues(service, operation).Observe(duration.Seconds())
}

// SetDatabaseConnections sets the number of open database connections.
func (m *Metrics) SetDatabaseConnections(count int) {
	m.DatabaseConnectionsOpen.Set(float64(count))
}

// UpdateUptime updates the service uptime.
func (m *Metrics) UpdateUptime(startTime time.Time) {
	m.ServiceUptime.Set(time.Since(startTime).Seconds())
}

// IncrementInFlight increments the in-flight requests counter.
func (m *Metrics) IncrementInFlight() {
	m.RequestsInFlight.Inc()
}

// DecrementInFlight decrements the in-flight requests counter.
func (m *Metrics) DecrementInFlight() {
	m.RequestsInFlight.Dec()
}

func getEnvironment() string {
	env := strings.ToLower(strings.TrimSpace(os.Getenv("APP_ENV")))
	if env == "" {
		return "development"
	}
	return env
}

// Enabled returns whether Prometheus metrics should be exposed.
//
// Defaults:
//   - production: disabled unless explicitly enabled via METRICS_ENABLED
//   - non-production: enabled unless explicitly disabled via METRICS_ENABLED
func Enabled() bool {
	raw := strings.ToLower(strings.TrimSpace(os.Getenv("METRICS_ENABLED")))
	if raw == "" {
		return getEnvironment() != "production"
	}
	switch raw {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

var (
	globalMetrics *Metrics
	globalMu      sync.Mutex
)

// Init initializes the global metrics instance.
func Init(serviceName string) *Metrics {
	globalMu.Lock()
	defer globalMu.Unlock()

	if globalMetrics == nil {
		globalMetrics = New(serviceName)
	}
	return globalMetrics
}

// Global returns the global metrics instance.
func Global() *Metrics {
	globalMu.Lock()
	defer globalMu.Unlock()

	if globalMetrics == nil {
		globalMetrics = New("unknown")
	}
	return globalMetrics
}
