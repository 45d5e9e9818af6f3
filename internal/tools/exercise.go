package tools

import (
	"context"
	"fmt"

	"anna/internal/engine"
)

const maxTriggerLength = 200

var exerciseDurations = map[string]int{
	"breathing": 120,
	"grounding": 180,
	"reframe":   240,
}

var exerciseMessages = map[string]string{
	"breathing": "Let's breathe together: in for four, hold for four, out for six.",
	"grounding": "Let's ground you: name five things you can see, four you can touch, three you can hear.",
	"reframe":   "Let's look at the thought from another angle.",
}

// TriggerExerciseTool asks the client to start a guided exercise. It has no
// side effects on the server.
type TriggerExerciseTool struct{}

// NewTriggerExerciseTool constructs the trigger_exercise tool.
func NewTriggerExerciseTool() *TriggerExerciseTool {
	return &TriggerExerciseTool{}
}

func (t *TriggerExerciseTool) Definition() engine.ToolDefinition {
	return engine.ToolDefinition{
		Name:        NameTriggerExercise,
		Description: "Start a short guided exercise on the user's screen to interrupt an anxious spiral.",
		Parameters: engine.ParameterSchema{
			Type: "object",
			Properties: map[string]engine.Property{
				"exercise_type": {
					Type:        "string",
					Description: "Which exercise to start.",
					Enum:        []any{"breathing", "grounding", "reframe"},
				},
				"pre_score": scoreProperty("How intense the spiral feels before the exercise, 1 to 10."),
				"trigger": {
					Type:        "string",
					Description: "What set the spiral off, in the user's words.",
					MaxLength:   intPtr(maxTriggerLength),
				},
			},
			Required: []string{"exercise_type"},
		},
	}
}

func (t *TriggerExerciseTool) Call(_ context.Context, _ engine.ToolContext, args map[string]any) (any, error) {
	exerciseType := stringArg(args, "exercise_type")
	if exerciseType == "" {
		exerciseType = "breathing"
	}
	duration, ok := exerciseDurations[exerciseType]
	if !ok {
		return nil, fmt.Errorf("%w: unknown exercise_type %q", ErrInvalidArguments, exerciseType)
	}
	pre, err := scoreArg(args, "pre_score")
	if err != nil {
		return nil, err
	}
	trigger := stringArg(args, "trigger")
	if runes := []rune(trigger); len(runes) > maxTriggerLength {
		trigger = string(runes[:maxTriggerLength])
	}
	return ExerciseTrigger{
		ExerciseType:    exerciseType,
		PreScore:        pre,
		Trigger:         trigger,
		DurationSeconds: duration,
		Message:         exerciseMessages[exerciseType],
	}, nil
}
