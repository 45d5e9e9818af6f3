// Package openai implements engine.Completer against an OpenAI-compatible
// chat completions endpoint using server-sent events.
package openai

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"time"

	"anna/internal/engine"
	annaerrors "anna/internal/errors"
	"anna/internal/httpclient"
	"anna/internal/logging"
)

const defaultBaseURL = "https://api.openai.com/v1"

// Config configures the client.
type Config struct {
	BaseURL string
	APIKey  string
	Model   string
	Timeout time.Duration
	Headers map[string]string
	Retry   annaerrors.RetryConfig
}

// Client speaks the OpenAI-compatible streaming chat completions API.
type Client struct {
	model      string
	apiKey     string
	baseURL    string
	headers    map[string]string
	retry      annaerrors.RetryConfig
	httpClient *http.Client
	logger     logging.Logger
}

// New constructs a Client guarded by a circuit breaker.
func New(config Config, logger logging.Logger) *Client {
	if config.BaseURL == "" {
		config.BaseURL = defaultBaseURL
	}
	timeout := 120 * time.Second
	if config.Timeout > 0 {
		timeout = config.Timeout
	}
	logger = logging.OrNop(logger)

	return &Client{
		model:      config.Model,
		apiKey:     config.APIKey,
		baseURL:    strings.TrimRight(config.BaseURL, "/"),
		headers:    config.Headers,
		retry:      config.Retry,
		httpClient: httpclient.NewWithCircuitBreaker(timeout, logger, "openai"),
		logger:     logger,
	}
}

// Model returns the configured model name.
func (c *Client) Model() string {
	return c.model
}

// StreamComplete posts a streaming completion and accumulates its content and
// tool calls, invoking callbacks for each text fragment as it arrives.
func (c *Client) StreamComplete(ctx context.Context, req engine.CompletionRequest, callbacks engine.StreamCallbacks) (*engine.CompletionResponse, error) {
	oaiReq := map[string]any{
		"model":       c.model,
		"messages":    convertMessages(req.Messages),
		"temperature": req.Temperature,
		"stream":      true,
	}
	if req.MaxTokens > 0 {
		oaiReq["max_tokens"] = req.MaxTokens
	}
	if len(req.Tools) > 0 {
		oaiReq["tools"] = c.convertTools(req.Tools)
		oaiReq["tool_choice"] = "auto"
	}

	body, err := json.Marshal(oaiReq)
	if err != nil {
		return nil, annaerrors.NewPermanentError(fmt.Errorf("marshal request: %w", err), "")
	}

	c.logger.Debug("POST %s/chat/completions model=%s messages=%d tools=%d",
		c.baseURL, c.model, len(req.Messages), len(req.Tools))

	resp, err := annaerrors.RetryWithResult(ctx, c.retry, c.logger, func(ctx context.Context) (*http.Response, error) {
		return c.open(ctx, body)
	})
	if err != nil {
		c.logger.Warn("Completion failed (%s, status %d): %v",
			annaerrors.GetErrorType(err), annaerrors.StatusCode(err), err)
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	return c.readStream(resp, callbacks)
}

func (c *Client) open(ctx context.Context, body []byte) (*http.Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, annaerrors.NewPermanentError(err, "")
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	for k, v := range c.headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if annaerrors.IsDegraded(err) {
			return nil, err
		}
		return nil, annaerrors.NewTransientError(err, fmt.Sprintf("completion request failed: %v", err))
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		detail := httpclient.ReadErrorBody(resp.Body)
		_ = resp.Body.Close()
		c.logger.Debug("Completion error response %d: %s", resp.StatusCode, detail)
		return nil, annaerrors.FromHTTPStatus(resp.StatusCode, "completion endpoint", detail)
	}
	return resp, nil
}

type toolCallDelta struct {
	Index    int    `json:"index"`
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

type streamChunk struct {
	Choices []struct {
		Delta struct {
			Content   string          `json:"content"`
			Role      string          `json:"role"`
			ToolCalls []toolCallDelta `json:"tool_calls"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
}

type toolAccumulator struct {
	id        string
	name      string
	arguments strings.Builder
}

func (c *Client) readStream(resp *http.Response, callbacks engine.StreamCallbacks) (*engine.CompletionResponse, error) {
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 2*1024*1024)

	accumulators := make(map[int]*toolAccumulator)
	var order []int
	var content strings.Builder
	finishReason := ""

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "" {
			continue
		}
		if payload == "[DONE]" {
			break
		}

		var chunk streamChunk
		if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
			c.logger.Debug("Failed to decode stream chunk: %v", err)
			continue
		}
		if len(chunk.Choices) == 0 {
			continue
		}

		choice := chunk.Choices[0]
		if choice.FinishReason != nil && *choice.FinishReason != "" {
			finishReason = *choice.FinishReason
		}
		if text := choice.Delta.Content; text != "" {
			content.WriteString(text)
			if callbacks.OnContentDelta != nil {
				callbacks.OnContentDelta(engine.ContentDelta{Delta: text})
			}
		}
		for _, tc := range choice.Delta.ToolCalls {
			acc, ok := accumulators[tc.Index]
			if !ok {
				acc = &toolAccumulator{}
				accumulators[tc.Index] = acc
				order = append(order, tc.Index)
			}
			if tc.ID != "" {
				acc.id = tc.ID
			}
			if tc.Function.Name != "" {
				acc.name = tc.Function.Name
			}
			acc.arguments.WriteString(tc.Function.Arguments)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read response stream: %w", err)
	}

	if callbacks.OnContentDelta != nil {
		callbacks.OnContentDelta(engine.ContentDelta{Final: true})
	}

	result := &engine.CompletionResponse{
		Content:    content.String(),
		StopReason: finishReason,
	}
	for _, idx := range order {
		acc := accumulators[idx]
		var args map[string]any
		if acc.arguments.Len() > 0 {
			if err := json.Unmarshal([]byte(acc.arguments.String()), &args); err != nil {
				c.logger.Warn("Failed to parse arguments for tool %s: %v", acc.name, err)
			}
		}
		result.ToolCalls = append(result.ToolCalls, engine.ToolCall{
			ID:        acc.id,
			Name:      acc.name,
			Arguments: args,
		})
	}

	c.logger.Debug("Completion finished stop=%s chars=%d tool_calls=%d",
		result.StopReason, len(result.Content), len(result.ToolCalls))
	return result, nil
}

func convertMessages(msgs []engine.Message) []map[string]any {
	result := make([]map[string]any, 0, len(msgs))
	dropped := make(map[string]struct{})
	for _, msg := range msgs {
		if msg.ToolCallID != "" {
			if _, skip := dropped[msg.ToolCallID]; skip {
				continue
			}
		}
		entry := map[string]any{
			"role":    string(msg.Role),
			"content": msg.Content,
		}
		if msg.ToolCallID != "" {
			entry["tool_call_id"] = msg.ToolCallID
		}
		if len(msg.ToolCalls) > 0 {
			if calls := buildToolCallHistory(msg.ToolCalls, dropped); len(calls) > 0 {
				entry["tool_calls"] = calls
			}
		}
		result = append(result, entry)
	}
	return result
}

var validToolNamePattern = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_-]*$`)

func isValidToolName(name string) bool {
	return validToolNamePattern.MatchString(strings.TrimSpace(name))
}

// buildToolCallHistory records the IDs of calls with unusable names in
// dropped so their tool replies can be left out as well.
func buildToolCallHistory(calls []engine.ToolCall, dropped map[string]struct{}) []map[string]any {
	result := make([]map[string]any, 0, len(calls))
	for _, call := range calls {
		if !isValidToolName(call.Name) {
			dropped[call.ID] = struct{}{}
			continue
		}
		args := "{}"
		if len(call.Arguments) > 0 {
			if data, err := json.Marshal(call.Arguments); err == nil {
				args = string(data)
			}
		}
		result = append(result, map[string]any{
			"id":   call.ID,
			"type": "function",
			"function": map[string]any{
				"name":      call.Name,
				"arguments": args,
			},
		})
	}
	return result
}

func (c *Client) convertTools(tools []engine.ToolDefinition) []map[string]any {
	result := make([]map[string]any, 0, len(tools))
	for _, tool := range tools {
		if !isValidToolName(tool.Name) {
			c.logger.Warn("Skipping tool with invalid function name: %s", tool.Name)
			continue
		}
		result = append(result, map[string]any{
			"type": "function",
			"function": map[string]any{
				"name":        tool.Name,
				"description": tool.Description,
				"parameters":  tool.Parameters,
			},
		})
	}
	return result
}
