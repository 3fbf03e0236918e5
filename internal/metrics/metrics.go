package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the application. A nil *Metrics
// is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	// Tool metrics
	ToolExecutionsTotal      *prometheus.CounterVec
	ToolExecutionDuration    *prometheus.HistogramVec
	ToolExecutionErrorsTotal *prometheus.CounterVec

	// Descriptor load metrics
	LoadsTotal              *prometheus.CounterVec
	LoadDuration            prometheus.Histogram
	DescriptorFailuresTotal *prometheus.CounterVec
	DescriptorWarningsTotal *prometheus.CounterVec
	ToolsRegistered         prometheus.Gauge

	// Gateway metrics
	RPCRequestsTotal  *prometheus.CounterVec
	ConnectionsActive prometheus.Gauge
	RateLimitedTotal  prometheus.Counter
}

// NewMetrics creates and registers all metrics
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,

		// Tool metrics
		ToolExecutionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tool_executions_total",
				Help: "Total number of tool executions",
			},
			[]string{"tool_name", "status"},
		),
		ToolExecutionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tool_execution_duration_seconds",
				Help:    "Duration of tool executions in seconds",
				Buckets: []float64{.00001, .0001, .001, .01, .1, 1},
			},
			[]string{"tool_name"},
		),
		ToolExecutionErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tool_execution_errors_total",
				Help: "Total number of tool execution errors",
			},
			[]string{"tool_name", "error_type"},
		),

		// Descriptor load metrics
		LoadsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "descriptor_loads_total",
				Help: "Total number of descriptor load passes",
			},
			[]string{"status"},
		),
		LoadDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "descriptor_load_duration_seconds",
				Help:    "Duration of descriptor load passes in seconds",
				Buckets: prometheus.DefBuckets,
			},
		),
		DescriptorFailuresTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "descriptor_failures_total",
				Help: "Total number of descriptors that failed to parse or compile",
			},
			[]string{"error_type"},
		),
		DescriptorWarningsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "descriptor_warnings_total",
				Help: "Total number of descriptor load warnings",
			},
			[]string{"kind"},
		),
		ToolsRegistered: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "tools_registered",
				Help: "Number of tools in the registry",
			},
		),

		// Gateway metrics
		RPCRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rpc_requests_total",
				Help: "Total number of JSON-RPC requests",
			},
			[]string{"method", "status"},
		),
		ConnectionsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "gateway_connections_active",
				Help: "Number of open WebSocket connections",
			},
		),
		RateLimitedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "gateway_rate_limited_total",
				Help: "Total number of requests rejected by the rate limiter",
			},
		),
	}

	// Register all metrics
	m.registerMetrics()

	return m
}

// registerMetrics registers all metrics with the registry
func (m *Metrics) registerMetrics() {
	// Tool metrics
	m.registry.MustRegister(m.ToolExecutionsTotal)
	m.registry.MustRegister(m.ToolExecutionDuration)
	m.registry.MustRegister(m.ToolExecutionErrorsTotal)

	// Descriptor load metrics
	m.registry.MustRegister(m.LoadsTotal)
	m.registry.MustRegister(m.LoadDuration)
	m.registry.MustRegister(m.DescriptorFailuresTotal)
	m.registry.MustRegister(m.DescriptorWarningsTotal)
	m.registry.MustRegister(m.ToolsRegistered)

	// Gateway metrics
	m.registry.MustRegister(m.RPCRequestsTotal)
	m.registry.MustRegister(m.ConnectionsActive)
	m.registry.MustRegister(m.RateLimitedTotal)
}

// ObserveToolExecution records one tool invocation. errorType is empty on
// success.
func (m *Metrics) ObserveToolExecution(tool string, errorType string, d time.Duration) {
	if m == nil {
		return
	}

	status := "success"
	if errorType != "" {
		status = "error"
		m.ToolExecutionErrorsTotal.WithLabelValues(tool, errorType).Inc()
	}
	m.ToolExecutionsTotal.WithLabelValues(tool, status).Inc()
	m.ToolExecutionDuration.WithLabelValues(tool).Observe(d.Seconds())
}

// ObserveLoad records one load pass
func (m *Metrics) ObserveLoad(failures map[string]int, warnings map[string]int, d time.Duration) {
	if m == nil {
		return
	}

	status := "success"
	if len(failures) > 0 {
		status = "partial"
	}
	m.LoadsTotal.WithLabelValues(status).Inc()
	m.LoadDuration.Observe(d.Seconds())

	for errorType, n := range failures {
		m.DescriptorFailuresTotal.WithLabelValues(errorType).Add(float64(n))
	}
	for kind, n := range warnings {
		m.DescriptorWarningsTotal.WithLabelValues(kind).Add(float64(n))
	}
}

// SetToolsRegistered sets the registry size gauge
func (m *Metrics) SetToolsRegistered(n int) {
	if m == nil {
		return
	}
	m.ToolsRegistered.Set(float64(n))
}

// ObserveRPC records one JSON-RPC request
func (m *Metrics) ObserveRPC(method string, ok bool) {
	if m == nil {
		return
	}
	status := "success"
	if !ok {
		status = "error"
	}
	m.RPCRequestsTotal.WithLabelValues(method, status).Inc()
}

// ObserveRateLimited counts a request rejected by the rate limiter
func (m *Metrics) ObserveRateLimited() {
	if m == nil {
		return
	}
	m.RateLimitedTotal.Inc()
}

// ConnectionOpened and ConnectionClosed track open WebSocket connections
func (m *Metrics) ConnectionOpened() {
	if m == nil {
		return
	}
	m.ConnectionsActive.Inc()
}

func (m *Metrics) ConnectionClosed() {
	if m == nil {
		return
	}
	m.ConnectionsActive.Dec()
}

// Handler returns an HTTP handler for the metrics endpoint
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// Registry returns the Prometheus registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
