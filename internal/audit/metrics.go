package audit

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics tracks gateway metrics and serves them in Prometheus text format.
// It uses a custom prometheus.Registry for isolation and testability.
type Metrics struct {
	registry *prometheus.Registry

	requestsTotal       *prometheus.CounterVec
	requestDuration     *prometheus.HistogramVec
	activeRequests      prometheus.Gauge
	zoneClassifications *prometheus.CounterVec
	problemsTotal       *prometheus.CounterVec
	rateLimitHits       *prometheus.CounterVec
	securityBlocks      *prometheus.CounterVec
	configReloads       *prometheus.CounterVec
	configReloadTime    prometheus.Gauge
	grpcRequestsTotal   *prometheus.CounterVec
	grpcRequestDuration *prometheus.HistogramVec
	upstreamLatency     prometheus.Histogram
	buildInfo           *prometheus.GaugeVec
}

// NewMetrics creates a new Metrics collector with a custom Prometheus registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,

		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "restbase_requests_total",
			Help: "Total number of HTTP requests processed by the gateway.",
		}, []string{"zone", "status"}),

		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "restbase_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"zone"}),

		activeRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "restbase_active_requests",
			Help: "Number of HTTP requests currently in flight.",
		}),

		zoneClassifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "restbase_zone_classifications_total",
			Help: "Total number of zone classifications by result.",
		}, []string{"result"}),

		problemsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "restbase_problems_total",
			Help: "Total number of problem responses by type and status.",
		}, []string{"type", "status"}),

		rateLimitHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "restbase_rate_limit_hits_total",
			Help: "Total number of rate limit hits.",
		}, []string{"layer"}),

		securityBlocks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "restbase_security_blocks_total",
			Help: "Total number of requests blocked for security reasons.",
		}, []string{"reason"}),

		configReloads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "restbase_config_reloads_total",
			Help: "Total number of configuration reload attempts.",
		}, []string{"result"}),

		configReloadTime: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "restbase_config_reload_timestamp_seconds",
			Help: "Unix timestamp of the last successful configuration reload.",
		}),

		grpcRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "restbase_grpc_requests_total",
			Help: "Total number of gRPC requests processed.",
		}, []string{"zone", "code"}),

		grpcRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "restbase_grpc_request_duration_seconds",
			Help:    "gRPC request duration in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"zone"}),

		upstreamLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "restbase_upstream_latency_seconds",
			Help:    "Upstream response time in seconds.",
			Buckets: prometheus.DefBuckets,
		}),

		buildInfo: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "restbase_build_info",
			Help: "Build information about the restbase binary. Value is always 1.",
		}, []string{"version", "go_version"}),
	}

	reg.MustRegister(
		m.requestsTotal,
		m.requestDuration,
		m.activeRequests,
		m.zoneClassifications,
		m.problemsTotal,
		m.rateLimitHits,
		m.securityBlocks,
		m.configReloads,
		m.configReloadTime,
		m.grpcRequestsTotal,
		m.grpcRequestDuration,
		m.upstreamLatency,
		m.buildInfo,
	)

	return m
}

// zoneLabel maps a classification to its label value.
func zoneLabel(inZone bool) string {
	if inZone {
		return "in"
	}
	return "out"
}

// RecordRequest records a finished HTTP request.
func (m *Metrics) RecordRequest(inZone bool, status int, d time.Duration) {
	zone := zoneLabel(inZone)
	m.requestsTotal.WithLabelValues(zone, strconv.Itoa(status)).Inc()
	m.requestDuration.WithLabelValues(zone).Observe(d.Seconds())
}

// IncActiveRequests increments the in-flight request gauge.
func (m *Metrics) IncActiveRequests() {
	m.activeRequests.Inc()
}

// DecActiveRequests decrements the in-flight request gauge.
func (m *Metrics) DecActiveRequests() {
	m.activeRequests.Dec()
}

// RecordZoneClassification counts one classification outcome.
func (m *Metrics) RecordZoneClassification(inZone bool) {
	m.zoneClassifications.WithLabelValues(zoneLabel(inZone)).Inc()
}

// RecordProblem counts a problem response.
func (m *Metrics) RecordProblem(problemType string, status int) {
	m.problemsTotal.WithLabelValues(problemType, strconv.Itoa(status)).Inc()
}

// RecordRateLimitHit records a rate limit event for the given layer
// ("global" or "zone_ip").
func (m *Metrics) RecordRateLimitHit(layer string) {
	m.rateLimitHits.WithLabelValues(layer).Inc()
}

// RecordSecurityBlock records a request blocked for security reasons.
// Reason is one of "capacity", "rate_limit", "auth".
func (m *Metrics) RecordSecurityBlock(reason string) {
	m.securityBlocks.WithLabelValues(reason).Inc()
}

// RecordConfigReload records a configuration reload attempt. A successful
// reload also updates the reload timestamp.
func (m *Metrics) RecordConfigReload(success bool) {
	result := "failure"
	if success {
		result = "success"
		m.configReloadTime.Set(float64(time.Now().Unix()))
	}
	m.configReloads.WithLabelValues(result).Inc()
}

// RecordGRPCRequest records a finished RPC with its status code name.
func (m *Metrics) RecordGRPCRequest(inZone bool, code string, d time.Duration) {
	zone := zoneLabel(inZone)
	m.grpcRequestsTotal.WithLabelValues(zone, code).Inc()
	m.grpcRequestDuration.WithLabelValues(zone).Observe(d.Seconds())
}

// RecordUpstreamLatency records the upstream response time.
func (m *Metrics) RecordUpstreamLatency(d time.Duration) {
	m.upstreamLatency.Observe(d.Seconds())
}

// SetBuildInfo sets the build information gauge. The gauge value is always 1;
// version and Go version are exposed as labels.
func (m *Metrics) SetBuildInfo(version, goVersion string) {
	m.buildInfo.WithLabelValues(version, goVersion).Set(1)
}

// Handler returns an HTTP handler that serves /metrics in Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry, e.g. for gathering in tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
