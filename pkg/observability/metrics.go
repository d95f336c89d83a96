package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics. A nil *Metrics is valid and records
// nothing, so components can take it as an optional dependency.
type Metrics struct {
	registry *prometheus.Registry

	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPInFlight        prometheus.Gauge

	// Governance metrics
	RateLimitDecisions *prometheus.CounterVec
	RateLimitEntries   prometheus.Gauge
	TenantResolutions  *prometheus.CounterVec
	AccessDenials      *prometheus.CounterVec
	AuthFailures       *prometheus.CounterVec

	// Data access metrics
	ScopedOperations   *prometheus.CounterVec
	ScopedOpDuration   *prometheus.HistogramVec
	AuditEmitFailures  prometheus.Counter
	TenantCacheLookups *prometheus.CounterVec
}

// NewMetrics creates and registers all Prometheus metrics on registry. A nil
// registry gets a fresh one with the Go and process collectors.
func NewMetrics(registry *prometheus.Registry) *Metrics {
	if registry == nil {
		registry = prometheus.NewRegistry()
		registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}

	m := &Metrics{
		registry: registry,
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tenantgate_http_requests_total",
				Help: "Total number of HTTP requests by outcome",
			},
			[]string{"method", "route", "status", "outcome"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tenantgate_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
		HTTPInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tenantgate_http_requests_in_flight",
			Help: "Requests currently inside the pipeline",
		}),
		RateLimitDecisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tenantgate_ratelimit_decisions_total",
				Help: "Rate limiter decisions by policy",
			},
			[]string{"policy", "decision"},
		),
		RateLimitEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tenantgate_ratelimit_entries",
			Help: "Tracked rate limit entries after the last sweep",
		}),
		TenantResolutions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tenantgate_tenant_resolutions_total",
				Help: "Tenant resolutions by method and result",
			},
			[]string{"method", "result"},
		),
		AccessDenials: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tenantgate_access_denials_total",
				Help: "Requests denied by the access guard",
			},
			[]string{"reason"},
		),
		AuthFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tenantgate_auth_failures_total",
				Help: "Authentication failures by reason",
			},
			[]string{"reason"},
		),
		ScopedOperations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tenantgate_scoped_operations_total",
				Help: "Tenant-scoped data operations",
			},
			[]string{"resource", "operation", "result"},
		),
		ScopedOpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tenantgate_scoped_operation_duration_seconds",
				Help:    "Tenant-scoped data operation duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"resource", "operation"},
		),
		AuditEmitFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tenantgate_audit_emit_failures_total",
			Help: "Audit events that could not be written",
		}),
		TenantCacheLookups: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tenantgate_tenant_cache_lookups_total",
				Help: "Tenant cache lookups by layer and result",
			},
			[]string{"layer", "result"},
		),
	}

	registry.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPInFlight,
		m.RateLimitDecisions,
		m.RateLimitEntries,
		m.TenantResolutions,
		m.AccessDenials,
		m.AuthFailures,
		m.ScopedOperations,
		m.ScopedOpDuration,
		m.AuditEmitFailures,
		m.TenantCacheLookups,
	)

	return m
}

// Registry returns the registry the metrics are registered on.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordHTTPRequest records a finished request.
func (m *Metrics) RecordHTTPRequest(method, route string, status int, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status), outcome).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

// InFlight adjusts the in-flight gauge by delta.
func (m *Metrics) InFlight(delta float64) {
	if m == nil {
		return
	}
	m.HTTPInFlight.Add(delta)
}

// RecordRateLimit records an admit or reject decision.
func (m *Metrics) RecordRateLimit(policy string, allowed bool) {
	if m == nil {
		return
	}
	decision := "allowed"
	if !allowed {
		decision = "rejected"
	}
	m.RateLimitDecisions.WithLabelValues(policy, decision).Inc()
}

// SetRateLimitEntries records the entry count left after a sweep.
func (m *Metrics) SetRateLimitEntries(n int) {
	if m == nil {
		return
	}
	m.RateLimitEntries.Set(float64(n))
}

// RecordTenantResolution records a resolution attempt.
func (m *Metrics) RecordTenantResolution(method, result string) {
	if m == nil {
		return
	}
	m.TenantResolutions.WithLabelValues(method, result).Inc()
}

// RecordAccessDenial records a guard rejection.
func (m *Metrics) RecordAccessDenial(reason string) {
	if m == nil {
		return
	}
	m.AccessDenials.WithLabelValues(reason).Inc()
}

// RecordAuthFailure records a failed authentication.
func (m *Metrics) RecordAuthFailure(reason string) {
	if m == nil {
		return
	}
	m.AuthFailures.WithLabelValues(reason).Inc()
}

// RecordScopedOperation records a tenant-scoped data operation.
func (m *Metrics) RecordScopedOperation(resource, operation string, err error, duration time.Duration) {
	if m == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "error"
	}
	m.ScopedOperations.WithLabelValues(resource, operation, result).Inc()
	m.ScopedOpDuration.WithLabelValues(resource, operation).Observe(duration.Seconds())
}

// RecordAuditEmitFailure counts a dropped audit event.
func (m *Metrics) RecordAuditEmitFailure() {
	if m == nil {
		return
	}
	m.AuditEmitFailures.Inc()
}

// RecordCacheLookup records a tenant cache hit or miss.
func (m *Metrics) RecordCacheLookup(layer string, hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.TenantCacheLookups.WithLabelValues(layer, result).Inc()
}
