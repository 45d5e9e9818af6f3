// Package tools implements the capabilities the conversational engine may
// invoke mid-run: starting an exercise, saving progress and reading back
// recent spiral history.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"

	"anna/internal/engine"
	"anna/internal/storage"
)

const (
	NameTriggerExercise = "trigger_exercise"
	NameSaveProgress    = "save_progress"
	NameSpiralHistory   = "get_spiral_history"
)

// ErrInvalidArguments marks a tool call whose arguments do not match the
// declared schema.
var ErrInvalidArguments = errors.New("invalid tool arguments")

// Tool is a single capability exposed to the model.
type Tool interface {
	Definition() engine.ToolDefinition
	Call(ctx context.Context, tctx engine.ToolContext, args map[string]any) (any, error)
}

// ExerciseTrigger asks the client to start a guided exercise.
type ExerciseTrigger struct {
	ExerciseType    string `json:"exercise_type"`
	PreScore        *int   `json:"pre_score,omitempty"`
	Trigger         string `json:"trigger,omitempty"`
	DurationSeconds int    `json:"duration_seconds"`
	Message         string `json:"message,omitempty"`
}

// ProgressSaved reports a persisted progress record.
type ProgressSaved struct {
	Saved  bool                   `json:"saved"`
	Record storage.ProgressRecord `json:"record"`
}

// SpiralHistory lists recent progress records, newest first.
type SpiralHistory struct {
	Entries []storage.ProgressRecord `json:"entries"`
	Count   int                      `json:"count"`
}

// DecodeExerciseTrigger parses a trigger_exercise payload.
func DecodeExerciseTrigger(payload json.RawMessage) (ExerciseTrigger, error) {
	var out ExerciseTrigger
	if err := json.Unmarshal(payload, &out); err != nil {
		return out, err
	}
	if out.ExerciseType == "" {
		return out, fmt.Errorf("exercise_type missing")
	}
	return out, nil
}

// DecodeProgressSaved parses a save_progress payload.
func DecodeProgressSaved(payload json.RawMessage) (ProgressSaved, error) {
	var out ProgressSaved
	err := json.Unmarshal(payload, &out)
	return out, err
}

// DecodeSpiralHistory parses a get_spiral_history payload.
func DecodeSpiralHistory(payload json.RawMessage) (SpiralHistory, error) {
	var out SpiralHistory
	err := json.Unmarshal(payload, &out)
	return out, err
}

func intPtr(v int) *int { return &v }

func stringArg(args map[string]any, key string) string {
	if args == nil {
		return ""
	}
	value, ok := args[key]
	if !ok || value == nil {
		return ""
	}
	return strings.TrimSpace(fmt.Sprint(value))
}

// intArg reports whether key is present and holds a whole number.
func intArg(args map[string]any, key string) (int, bool, error) {
	if args == nil {
		return 0, false, nil
	}
	raw, ok := args[key]
	if !ok || raw == nil {
		return 0, false, nil
	}
	switch value := raw.(type) {
	case int:
		return value, true, nil
	case int64:
		return int(value), true, nil
	case float64:
		if value != math.Trunc(value) {
			return 0, true, fmt.Errorf("%w: %s must be an integer", ErrInvalidArguments, key)
		}
		return int(value), true, nil
	case json.Number:
		parsed, err := value.Int64()
		if err != nil {
			return 0, true, fmt.Errorf("%w: %s must be an integer", ErrInvalidArguments, key)
		}
		return int(parsed), true, nil
	}
	return 0, true, fmt.Errorf("%w: %s must be an integer", ErrInvalidArguments, key)
}

func scoreArg(args map[string]any, key string) (*int, error) {
	value, ok, err := intArg(args, key)
	if err != nil || !ok {
		return nil, err
	}
	if value < 1 || value > 10 {
		return nil, fmt.Errorf("%w: %s must be between 1 and 10", ErrInvalidArguments, key)
	}
	return intPtr(value), nil
}

func boolArg(args map[string]any, key string) (bool, error) {
	raw, ok := args[key]
	if !ok || raw == nil {
		return false, nil
	}
	value, ok := raw.(bool)
	if !ok {
		return false, fmt.Errorf("%w: %s must be a boolean", ErrInvalidArguments, key)
	}
	return value, nil
}

func scoreProperty(description string) engine.Property {
	return engine.Property{Type: "integer", Description: description, Minimum: intPtr(1), Maximum: intPtr(10)}
}
