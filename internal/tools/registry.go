package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"anna/internal/engine"
	"anna/internal/logging"
	"anna/internal/observability"
)

// Registry holds the tools offered to the engine and executes calls against
// them. It implements engine.ToolExecutor.
type Registry struct {
	mu      sync.RWMutex
	tools   map[string]Tool
	order   []string
	logger  logging.Logger
	metrics *observability.MetricsCollector
	tracer  *observability.TracerProvider
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the registry logger.
func WithLogger(logger logging.Logger) Option {
	return func(r *Registry) { r.logger = logging.OrNop(logger) }
}

// WithObservability records tool metrics and spans.
func WithObservability(obs *observability.Observability) Option {
	return func(r *Registry) {
		if obs == nil {
			return
		}
		r.metrics = obs.Metrics
		r.tracer = obs.Tracer
	}
}

// NewRegistry creates a registry holding tools in the given order.
func NewRegistry(tools []Tool, opts ...Option) (*Registry, error) {
	r := &Registry{
		tools:  make(map[string]Tool),
		logger: logging.NewComponentLogger("tools"),
	}
	for _, opt := range opts {
		opt(r)
	}
	for _, tool := range tools {
		if err := r.Register(tool); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds a tool. Names must be unique.
func (r *Registry) Register(tool Tool) error {
	name := tool.Definition().Name
	if name == "" {
		return fmt.Errorf("tool name is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[name]; exists {
		return fmt.Errorf("tool already exists: %s", name)
	}
	r.tools[name] = tool
	r.order = append(r.order, name)
	return nil
}

// Definitions lists tool descriptors in registration order.
func (r *Registry) Definitions() []engine.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]engine.ToolDefinition, 0, len(r.order))
	for _, name := range r.order {
		defs = append(defs, r.tools[name].Definition())
	}
	return defs
}

// Execute runs one tool call. Failures are reported on the result, never as a
// panic or run abort.
func (r *Registry) Execute(ctx context.Context, tctx engine.ToolContext, call engine.ToolCall) engine.ToolResult {
	result := engine.ToolResult{CallID: call.ID, Name: call.Name}

	r.mu.RLock()
	tool, ok := r.tools[call.Name]
	r.mu.RUnlock()
	if !ok {
		result.Err = fmt.Errorf("tool not found: %s", call.Name)
		r.metrics.RecordToolEvent(ctx, call.Name, "unknown")
		return result
	}

	ctx, span := r.tracer.StartSpan(ctx, observability.SpanToolExecute, observability.ToolAttrs(call.Name)...)
	out, err := r.call(ctx, tool, tctx, call)
	observability.EndSpan(span, err)

	if err != nil {
		logging.FromContext(ctx, r.logger).Warn("Tool %s failed: %v", call.Name, err)
		r.metrics.RecordToolEvent(ctx, call.Name, "error")
		result.Err = err
		return result
	}

	payload, err := json.Marshal(out)
	if err != nil {
		r.metrics.RecordToolEvent(ctx, call.Name, "error")
		result.Err = fmt.Errorf("encode %s result: %w", call.Name, err)
		return result
	}
	r.metrics.RecordToolEvent(ctx, call.Name, "ok")
	result.Payload = payload
	result.Content = string(payload)
	return result
}

func (r *Registry) call(ctx context.Context, tool Tool, tctx engine.ToolContext, call engine.ToolCall) (out any, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("tool %s panicked: %v", call.Name, p)
		}
	}()
	return tool.Call(ctx, tctx, call.Arguments)
}
