package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"anna/internal/logging"
)

// DefaultMaxToolRounds bounds how many tool-calling rounds one run may take.
const DefaultMaxToolRounds = 4

// RunnerConfig tunes completion calls made by a Runner.
type RunnerConfig struct {
	Temperature   float64
	MaxTokens     int
	MaxToolRounds int
}

// Runner implements Engine as a tool loop over a streaming Completer: stream a
// completion, relay text, execute requested tools, feed results back, repeat.
type Runner struct {
	completer Completer
	tools     ToolExecutor
	config    RunnerConfig
	logger    logging.Logger
}

// NewRunner builds a Runner. tools may be nil when no tools are offered.
func NewRunner(completer Completer, tools ToolExecutor, config RunnerConfig, logger logging.Logger) *Runner {
	if config.MaxToolRounds <= 0 {
		config.MaxToolRounds = DefaultMaxToolRounds
	}
	return &Runner{
		completer: completer,
		tools:     tools,
		config:    config,
		logger:    logging.OrNop(logger),
	}
}

// Run starts the loop in a goroutine and returns its event stream.
func (r *Runner) Run(ctx context.Context, req Request) (<-chan Event, error) {
	if r.completer == nil {
		return nil, errors.New("engine: no completer configured")
	}
	tools := req.Tools
	if tools == nil && r.tools != nil {
		tools = r.tools.Definitions()
	}

	messages := make([]Message, 0, len(req.History)+1)
	if req.Instructions != "" {
		messages = append(messages, Message{Role: RoleSystem, Content: req.Instructions})
	}
	messages = append(messages, req.History...)

	events := make(chan Event, 16)
	go r.loop(ctx, messages, tools, req.ToolContext, events)
	return events, nil
}

func (r *Runner) loop(ctx context.Context, messages []Message, tools []ToolDefinition, tctx ToolContext, events chan<- Event) {
	defer close(events)

	send := func(ev Event) bool {
		select {
		case events <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}

	for round := 0; ; round++ {
		offered := tools
		if round >= r.config.MaxToolRounds {
			offered = nil
		}

		resp, err := r.completer.StreamComplete(ctx, CompletionRequest{
			Messages:    messages,
			Tools:       offered,
			Temperature: r.config.Temperature,
			MaxTokens:   r.config.MaxTokens,
		}, StreamCallbacks{
			OnContentDelta: func(delta ContentDelta) {
				if delta.Delta != "" {
					send(TextEvent(delta.Delta))
				}
			},
		})
		if err != nil {
			send(ErrorEvent(fmt.Errorf("completion round %d: %w", round, err)))
			return
		}
		if ctx.Err() != nil {
			send(ErrorEvent(ctx.Err()))
			return
		}

		if len(resp.ToolCalls) == 0 || len(offered) == 0 || r.tools == nil {
			if len(resp.ToolCalls) > 0 {
				r.logger.Warn("Ignoring %d tool calls after %d rounds", len(resp.ToolCalls), round)
			}
			send(CompleteEvent())
			return
		}

		messages = append(messages, Message{
			Role:      RoleAssistant,
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})
		for _, call := range resp.ToolCalls {
			result := r.tools.Execute(ctx, tctx, call)
			result.CallID = call.ID
			result.Name = call.Name
			if !send(ToolResultEvent(result)) {
				return
			}
			messages = append(messages, Message{
				Role:       RoleTool,
				Content:    toolMessageContent(result),
				ToolCallID: call.ID,
			})
		}
	}
}

func toolMessageContent(result ToolResult) string {
	if result.Err != nil {
		data, _ := json.Marshal(map[string]string{"error": result.Err.Error()})
		return string(data)
	}
	if result.Content != "" {
		return result.Content
	}
	if len(result.Payload) > 0 {
		return string(result.Payload)
	}
	return "{}"
}
