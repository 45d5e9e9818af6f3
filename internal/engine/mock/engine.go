// Package mock provides deterministic engine implementations for tests and
// local development.
package mock

import (
	"context"
	"encoding/json"
	"sync"

	"anna/internal/engine"
)

// Engine is a scripted engine.Engine. Each Run consumes the next script; when
// scripts run out it completes immediately with no text.
type Engine struct {
	mu       sync.Mutex
	scripts  [][]engine.Event
	requests []engine.Request
	runErr   error
	gate     chan struct{}
}

// NewEngine returns an Engine that plays scripts in order.
func NewEngine(scripts ...[]engine.Event) *Engine {
	return &Engine{scripts: scripts}
}

// FailWith makes every subsequent Run return err synchronously.
func (e *Engine) FailWith(err error) *Engine {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.runErr = err
	return e
}

// Hold makes subsequent runs wait for Release before emitting anything.
func (e *Engine) Hold() *Engine {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.gate = make(chan struct{})
	return e
}

// Release lets held runs proceed.
func (e *Engine) Release() {
	e.mu.Lock()
	gate := e.gate
	e.gate = nil
	e.mu.Unlock()
	if gate != nil {
		close(gate)
	}
}

// Run records req and plays the next script.
func (e *Engine) Run(ctx context.Context, req engine.Request) (<-chan engine.Event, error) {
	e.mu.Lock()
	e.requests = append(e.requests, cloneRequest(req))
	if e.runErr != nil {
		err := e.runErr
		e.mu.Unlock()
		return nil, err
	}
	script := []engine.Event{engine.CompleteEvent()}
	if len(e.scripts) > 0 {
		script = e.scripts[0]
		e.scripts = e.scripts[1:]
	}
	gate := e.gate
	e.mu.Unlock()

	events := make(chan engine.Event)
	go func() {
		defer close(events)
		if gate != nil {
			select {
			case <-gate:
			case <-ctx.Done():
				return
			}
		}
		for _, ev := range script {
			select {
			case events <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return events, nil
}

// Requests returns every request seen so far.
func (e *Engine) Requests() []engine.Request {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]engine.Request(nil), e.requests...)
}

func cloneRequest(req engine.Request) engine.Request {
	req.History = append([]engine.Message(nil), req.History...)
	req.Tools = append([]engine.ToolDefinition(nil), req.Tools...)
	return req
}

// Text is shorthand for a script of text fragments followed by completion.
func Text(fragments ...string) []engine.Event {
	script := make([]engine.Event, 0, len(fragments)+1)
	for _, f := range fragments {
		script = append(script, engine.TextEvent(f))
	}
	return append(script, engine.CompleteEvent())
}

// ToolResult builds a successful tool event whose payload is v encoded as JSON.
func ToolResult(name string, v any) engine.Event {
	payload, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return engine.Event{Kind: engine.EventToolResult, ToolName: name, ToolCallID: "call_" + name, Payload: payload}
}

// RawToolResult builds a tool event with a verbatim payload.
func RawToolResult(name, payload string) engine.Event {
	return engine.Event{Kind: engine.EventToolResult, ToolName: name, ToolCallID: "call_" + name, Payload: json.RawMessage(payload)}
}
