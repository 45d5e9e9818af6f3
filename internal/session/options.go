package session

import (
	"time"

	"anna/internal/logging"
	"anna/internal/observability"
)

type stopper interface {
	Stop() bool
}

type options struct {
	logger    logging.Logger
	metrics   *observability.MetricsCollector
	tracer    *observability.TracerProvider
	now       func() time.Time
	afterFunc func(time.Duration, func()) stopper
}

// Option configures sessions and registries.
type Option func(*options)

func defaultOptions() options {
	return options{
		logger: logging.NewComponentLogger("session"),
		now:    time.Now,
		afterFunc: func(d time.Duration, f func()) stopper {
			return time.AfterFunc(d, f)
		},
	}
}

func buildOptions(opts []Option) options {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WithLogger sets the component logger.
func WithLogger(logger logging.Logger) Option {
	return func(o *options) { o.logger = logging.OrNop(logger) }
}

// WithObservability records session metrics and run spans.
func WithObservability(obs *observability.Observability) Option {
	return func(o *options) {
		if obs == nil {
			return
		}
		o.metrics = obs.Metrics
		o.tracer = obs.Tracer
	}
}

// WithClock overrides the wall clock.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}
