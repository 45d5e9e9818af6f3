package mock

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"anna/internal/engine"
)

var scorePattern = regexp.MustCompile(`\b(10|[1-9])\b`)

// Completer is an offline engine.Completer for local development. When the
// latest user message carries a 1-10 rating it asks for a breathing exercise
// through the trigger_exercise tool; otherwise it reflects the message back.
type Completer struct{}

// NewCompleter returns a development Completer.
func NewCompleter() *Completer {
	return &Completer{}
}

// Model returns the pseudo model name.
func (c *Completer) Model() string {
	return "mock"
}

// StreamComplete streams a canned reply word by word.
func (c *Completer) StreamComplete(ctx context.Context, req engine.CompletionRequest, callbacks engine.StreamCallbacks) (*engine.CompletionResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	lastUser := ""
	afterTool := false
	for _, msg := range req.Messages {
		switch msg.Role {
		case engine.RoleUser:
			lastUser = msg.Content
			afterTool = false
		case engine.RoleTool:
			afterTool = true
		}
	}

	resp := &engine.CompletionResponse{StopReason: "stop"}
	var reply string

	switch match := scorePattern.FindString(lastUser); {
	case afterTool:
		reply = "Let's slow things down together. Follow the exercise on your screen and tell me how you feel afterwards."
	case match != "" && offersTool(req.Tools, "trigger_exercise"):
		score, _ := strconv.Atoi(match)
		reply = fmt.Sprintf("Thanks for telling me. A %d is a lot to carry.", score)
		resp.StopReason = "tool_calls"
		resp.ToolCalls = []engine.ToolCall{{
			ID:   "mock_trigger",
			Name: "trigger_exercise",
			Arguments: map[string]any{
				"exercise_type": "breathing",
				"pre_score":     score,
				"trigger":       strings.TrimSpace(lastUser),
			},
		}}
	case lastUser == "":
		reply = "I'm here whenever you're ready."
	default:
		reply = "I hear you. How intense does that feel right now, from 1 to 10?"
	}

	for i, word := range strings.SplitAfter(reply, " ") {
		if i > 0 && ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if callbacks.OnContentDelta != nil {
			callbacks.OnContentDelta(engine.ContentDelta{Delta: word})
		}
	}
	if callbacks.OnContentDelta != nil {
		callbacks.OnContentDelta(engine.ContentDelta{Final: true})
	}
	resp.Content = reply
	return resp, nil
}

func offersTool(tools []engine.ToolDefinition, name string) bool {
	for _, tool := range tools {
		if tool.Name == name {
			return true
		}
	}
	return false
}
