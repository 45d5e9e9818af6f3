// Package engine is the conversational backend port: submit instructions, tool
// descriptors and turn history, receive an ordered stream of events.
package engine

import (
	"context"
	"encoding/json"
)

// Role tags a message in the completion transcript.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message is one entry in the transcript sent to the model.
type Message struct {
	Role       Role       `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

// ToolCall is a tool invocation requested by the model.
type ToolCall struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// ToolDefinition describes a tool to the model.
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  ParameterSchema `json:"parameters"`
}

// ParameterSchema is the JSON schema of a tool's arguments.
type ParameterSchema struct {
	Type       string              `json:"type"`
	Properties map[string]Property `json:"properties"`
	Required   []string            `json:"required,omitempty"`
}

// Property defines a single parameter.
type Property struct {
	Type        string `json:"type"`
	Description string `json:"description"`
	Enum        []any  `json:"enum,omitempty"`
	Minimum     *int   `json:"minimum,omitempty"`
	Maximum     *int   `json:"maximum,omitempty"`
	MaxLength   *int   `json:"maxLength,omitempty"`
}

// ToolContext identifies who a tool runs on behalf of.
type ToolContext struct {
	UserID    string
	SessionID string
	RunID     string
}

// ToolResult is the outcome of one tool call. Content is what the model sees;
// Payload is the structured result surfaced to the session.
type ToolResult struct {
	CallID  string
	Name    string
	Content string
	Payload json.RawMessage
	Err     error
}

// ToolExecutor runs tools the model asks for.
type ToolExecutor interface {
	Definitions() []ToolDefinition
	Execute(ctx context.Context, tctx ToolContext, call ToolCall) ToolResult
}

// Request is one run submitted to an Engine.
type Request struct {
	Instructions string
	History      []Message
	Tools        []ToolDefinition
	ToolContext  ToolContext
}

// EventKind discriminates Event.
type EventKind int

const (
	// EventText carries an incremental assistant text fragment.
	EventText EventKind = iota
	// EventToolResult carries the result of a tool the model invoked.
	EventToolResult
	// EventComplete is the terminal success signal of a run.
	EventComplete
	// EventError is the terminal failure signal of a run.
	EventError
)

func (k EventKind) String() string {
	switch k {
	case EventText:
		return "text"
	case EventToolResult:
		return "tool_result"
	case EventComplete:
		return "complete"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// Event is one item of a run's output stream.
type Event struct {
	Kind       EventKind
	Text       string
	ToolName   string
	ToolCallID string
	Payload    json.RawMessage
	Err        error
}

// Terminal reports whether e ends the run.
func (e Event) Terminal() bool {
	return e.Kind == EventComplete || e.Kind == EventError
}

// TextEvent builds an EventText.
func TextEvent(text string) Event {
	return Event{Kind: EventText, Text: text}
}

// ToolResultEvent builds an EventToolResult from a tool result.
func ToolResultEvent(result ToolResult) Event {
	return Event{
		Kind:       EventToolResult,
		ToolName:   result.Name,
		ToolCallID: result.CallID,
		Payload:    result.Payload,
		Err:        result.Err,
	}
}

// CompleteEvent builds an EventComplete.
func CompleteEvent() Event {
	return Event{Kind: EventComplete}
}

// ErrorEvent builds an EventError.
func ErrorEvent(err error) Event {
	return Event{Kind: EventError, Err: err}
}

// Engine runs a conversation turn. The returned channel yields events in
// order, ends with exactly one terminal event and is then closed. Cancelling
// ctx stops the run; the channel is still closed.
type Engine interface {
	Run(ctx context.Context, req Request) (<-chan Event, error)
}

// CompletionRequest is a single streaming completion call.
type CompletionRequest struct {
	Messages    []Message
	Tools       []ToolDefinition
	Temperature float64
	MaxTokens   int
}

// ContentDelta is one streamed text fragment. Final marks the end of content.
type ContentDelta struct {
	Delta string
	Final bool
}

// StreamCallbacks receives streaming progress.
type StreamCallbacks struct {
	OnContentDelta func(ContentDelta)
}

// CompletionResponse is the accumulated result of a streaming completion.
type CompletionResponse struct {
	Content    string
	ToolCalls  []ToolCall
	StopReason string
}

// Completer is a streaming chat-completion backend.
type Completer interface {
	StreamComplete(ctx context.Context, req CompletionRequest, callbacks StreamCallbacks) (*CompletionResponse, error)
	Model() string
}
