package observability

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// MetricsCollector manages all metrics for anna
type MetricsCollector struct {
	provider *sdkmetric.MeterProvider
	registry *prometheus.Registry

	// Session metrics
	sessionsActive metric.Int64UpDownCounter
	connections    metric.Int64UpDownCounter
	turns          metric.Int64Counter
	evictions      metric.Int64Counter

	// Run metrics
	runs       metric.Int64Counter
	runLatency metric.Float64Histogram
	toolEvents metric.Int64Counter

	// Auth metrics
	authFailures metric.Int64Counter

	// HTTP metrics
	httpRequests metric.Int64Counter
	httpLatency  metric.Float64Histogram

	prometheusServer *http.Server

	testHooks MetricsTestHooks
}

// MetricsTestHooks exposes callbacks that tests can use to assert
// instrumentation without scraping the exporter.
type MetricsTestHooks struct {
	SessionActive     func(delta int64)
	Connection        func(delta int64)
	Turn              func(role string)
	Run               func(status string, duration time.Duration)
	ToolEvent         func(toolName, status string)
	Eviction          func(outcome string)
	AuthFailure       func(reason string)
	HTTPServerRequest func(method, route string, status int, duration time.Duration)
}

// SetTestHooks registers callbacks invoked whenever the matching metric is recorded.
func (m *MetricsCollector) SetTestHooks(hooks MetricsTestHooks) {
	if m == nil {
		return
	}
	m.testHooks = hooks
}

// MetricsConfig configures the metrics collector
type MetricsConfig struct {
	Enabled        bool `mapstructure:"enabled" yaml:"enabled"`
	PrometheusPort int  `mapstructure:"prometheus_port" yaml:"prometheus_port"`
}

// NewMetricsCollector creates a new metrics collector backed by a dedicated
// Prometheus registry.
func NewMetricsCollector(config MetricsConfig, logger *Logger) (*MetricsCollector, error) {
	if !config.Enabled {
		return &MetricsCollector{}, nil
	}

	registry := prometheus.NewRegistry()
	exporter, err := otelprom.New(otelprom.WithRegisterer(registry))
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	meter := provider.Meter("anna")

	collector := &MetricsCollector{provider: provider, registry: registry}

	if collector.sessionsActive, err = meter.Int64UpDownCounter(
		"anna.sessions.active",
		metric.WithDescription("Number of live sessions held by the registry"),
		metric.WithUnit("{session}"),
	); err != nil {
		return nil, fmt.Errorf("failed to create sessions_active gauge: %w", err)
	}

	if collector.connections, err = meter.Int64UpDownCounter(
		"anna.connections.active",
		metric.WithDescription("Number of open client connections"),
		metric.WithUnit("{connection}"),
	); err != nil {
		return nil, fmt.Errorf("failed to create connections gauge: %w", err)
	}

	if collector.turns, err = meter.Int64Counter(
		"anna.turns.total",
		metric.WithDescription("Conversation turns appended to sessions"),
		metric.WithUnit("{turn}"),
	); err != nil {
		return nil, fmt.Errorf("failed to create turns counter: %w", err)
	}

	if collector.evictions, err = meter.Int64Counter(
		"anna.evictions.total",
		metric.WithDescription("Idle eviction attempts by outcome"),
		metric.WithUnit("{eviction}"),
	); err != nil {
		return nil, fmt.Errorf("failed to create evictions counter: %w", err)
	}

	if collector.runs, err = meter.Int64Counter(
		"anna.runs.total",
		metric.WithDescription("Engine runs by terminal status"),
		metric.WithUnit("{run}"),
	); err != nil {
		return nil, fmt.Errorf("failed to create runs counter: %w", err)
	}

	if collector.runLatency, err = meter.Float64Histogram(
		"anna.run.latency",
		metric.WithDescription("Engine run latency in seconds"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, fmt.Errorf("failed to create run_latency histogram: %w", err)
	}

	if collector.toolEvents, err = meter.Int64Counter(
		"anna.tool.events.total",
		metric.WithDescription("Tool results observed during runs"),
		metric.WithUnit("{event}"),
	); err != nil {
		return nil, fmt.Errorf("failed to create tool_events counter: %w", err)
	}

	if collector.authFailures, err = meter.Int64Counter(
		"anna.auth.failures.total",
		metric.WithDescription("Rejected connection handshakes by reason"),
		metric.WithUnit("{failure}"),
	); err != nil {
		return nil, fmt.Errorf("failed to create auth_failures counter: %w", err)
	}

	if collector.httpRequests, err = meter.Int64Counter(
		"anna.http.requests.total",
		metric.WithDescription("HTTP requests served"),
		metric.WithUnit("{request}"),
	); err != nil {
		return nil, fmt.Errorf("failed to create http_requests counter: %w", err)
	}

	if collector.httpLatency, err = meter.Float64Histogram(
		"anna.http.latency",
		metric.WithDescription("HTTP request latency in seconds"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, fmt.Errorf("failed to create http_latency histogram: %w", err)
	}

	if config.PrometheusPort > 0 {
		collector.StartPrometheusServer(config.PrometheusPort, logger)
	}

	return collector, nil
}

// Handler returns the scrape handler for the collector's registry. A disabled
// collector serves 404.
func (m *MetricsCollector) Handler() http.Handler {
	if m == nil || m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// StartPrometheusServer starts a standalone metrics listener
func (m *MetricsCollector) StartPrometheusServer(port int, logger *Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())

	m.prometheusServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if logger != nil {
			logger.Info("Prometheus metrics server listening", "port", port)
		}
		if err := m.prometheusServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) && logger != nil {
			logger.Error("Prometheus server error", "error", err)
		}
	}()
}

// Shutdown gracefully shuts down the metrics collector
func (m *MetricsCollector) Shutdown(ctx context.Context) error {
	if m == nil {
		return nil
	}
	var errs []error
	if m.prometheusServer != nil {
		errs = append(errs, m.prometheusServer.Shutdown(ctx))
	}
	if m.provider != nil {
		errs = append(errs, m.provider.Shutdown(ctx))
	}
	return errors.Join(errs...)
}

// AddActiveSessions moves the live session gauge by delta
func (m *MetricsCollector) AddActiveSessions(ctx context.Context, delta int64) {
	if m == nil {
		return
	}
	if hook := m.testHooks.SessionActive; hook != nil {
		hook(delta)
	}
	if m.sessionsActive == nil {
		return
	}
	m.sessionsActive.Add(ctx, delta)
}

// AddConnections moves the open connection gauge by delta
func (m *MetricsCollector) AddConnections(ctx context.Context, delta int64) {
	if m == nil {
		return
	}
	if hook := m.testHooks.Connection; hook != nil {
		hook(delta)
	}
	if m.connections == nil {
		return
	}
	m.connections.Add(ctx, delta)
}

// RecordTurn counts a turn appended with the given role
func (m *MetricsCollector) RecordTurn(ctx context.Context, role string) {
	if m == nil {
		return
	}
	if hook := m.testHooks.Turn; hook != nil {
		hook(role)
	}
	if m.turns == nil {
		return
	}
	m.turns.Add(ctx, 1, metric.WithAttributes(attribute.String("role", role)))
}

// RecordRun records a finished engine run
func (m *MetricsCollector) RecordRun(ctx context.Context, status string, duration time.Duration) {
	if m == nil {
		return
	}
	if hook := m.testHooks.Run; hook != nil {
		hook(status, duration)
	}
	if m.runs == nil || m.runLatency == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("status", status))
	m.runs.Add(ctx, 1, attrs)
	m.runLatency.Record(ctx, duration.Seconds(), attrs)
}

// RecordToolEvent records a tool result seen by a session
func (m *MetricsCollector) RecordToolEvent(ctx context.Context, toolName, status string) {
	if m == nil {
		return
	}
	if hook := m.testHooks.ToolEvent; hook != nil {
		hook(toolName, status)
	}
	if m.toolEvents == nil {
		return
	}
	m.toolEvents.Add(ctx, 1, metric.WithAttributes(
		attribute.String("tool_name", toolName),
		attribute.String("status", status),
	))
}

// RecordEviction records an idle eviction attempt. outcome is "evicted" or "noop".
func (m *MetricsCollector) RecordEviction(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	if hook := m.testHooks.Eviction; hook != nil {
		hook(outcome)
	}
	if m.evictions == nil {
		return
	}
	m.evictions.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// RecordAuthFailure records a rejected handshake
func (m *MetricsCollector) RecordAuthFailure(ctx context.Context, reason string) {
	if m == nil {
		return
	}
	if hook := m.testHooks.AuthFailure; hook != nil {
		hook(reason)
	}
	if m.authFailures == nil {
		return
	}
	m.authFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordHTTPServerRequest records a served HTTP request
func (m *MetricsCollector) RecordHTTPServerRequest(ctx context.Context, method, route string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	if hook := m.testHooks.HTTPServerRequest; hook != nil {
		hook(method, route, status, duration)
	}
	if m.httpRequests == nil || m.httpLatency == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("http.method", method),
		attribute.String("http.route", route),
		attribute.Int("http.status_code", status),
	)
	m.httpRequests.Add(ctx, 1, attrs)
	m.httpLatency.Record(ctx, duration.Seconds(), attrs)
}
