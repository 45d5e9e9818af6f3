package observability

import (
	"context"
	"io"
)

// Observability bundles the logger, metrics and tracer used by the server
type Observability struct {
	Logger  *Logger
	Metrics *MetricsCollector
	Tracer  *TracerProvider
	config  Config
}

// New builds every observability component from config. Metrics and tracing
// failures degrade to no-op implementations so the server can still start.
func New(config Config, output io.Writer) *Observability {
	logger := NewLogger(LogConfig{
		Level:  config.Logging.Level,
		Format: config.Logging.Format,
		Output: output,
	})

	metrics, err := NewMetricsCollector(config.Metrics, logger)
	if err != nil {
		logger.Error("Failed to initialize metrics", "error", err)
		metrics = &MetricsCollector{}
	}

	tracer, err := NewTracerProvider(config.Tracing)
	if err != nil {
		logger.Error("Failed to initialize tracing", "error", err)
		tracer = &TracerProvider{}
	}

	logger.Info("Observability initialized",
		"log_level", config.Logging.Level,
		"metrics_enabled", config.Metrics.Enabled,
		"tracing_enabled", config.Tracing.Enabled,
	)

	return &Observability{
		Logger:  logger,
		Metrics: metrics,
		Tracer:  tracer,
		config:  config,
	}
}

// Shutdown flushes metrics and traces
func (o *Observability) Shutdown(ctx context.Context) error {
	if o == nil {
		return nil
	}
	o.Logger.Info("Shutting down observability")

	if err := o.Metrics.Shutdown(ctx); err != nil {
		o.Logger.Error("Failed to shutdown metrics", "error", err)
	}
	if err := o.Tracer.Shutdown(ctx); err != nil {
		o.Logger.Error("Failed to shutdown tracing", "error", err)
	}
	return nil
}

// Config returns the configuration the bundle was built from
func (o *Observability) Config() Config {
	return o.config
}
