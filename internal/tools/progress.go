package tools

import (
	"context"
	"fmt"

	"anna/internal/engine"
	"anna/internal/storage"
)

const (
	DefaultHistoryLimit = 5
	MaxHistoryLimit     = 20
)

// SaveProgressTool persists a finished (or abandoned) exercise.
type SaveProgressTool struct {
	store storage.ProgressStore
	cache *HistoryCache
}

// NewSaveProgressTool constructs the save_progress tool. cache may be nil.
func NewSaveProgressTool(store storage.ProgressStore, cache *HistoryCache) *SaveProgressTool {
	return &SaveProgressTool{store: store, cache: cache}
}

func (t *SaveProgressTool) Definition() engine.ToolDefinition {
	return engine.ToolDefinition{
		Name:        NameSaveProgress,
		Description: "Save the outcome of a spiral-interruption session to the user's history.",
		Parameters: engine.ParameterSchema{
			Type: "object",
			Properties: map[string]engine.Property{
				"pre_score":  scoreProperty("Intensity before the exercise, 1 to 10."),
				"post_score": scoreProperty("Intensity after the exercise, 1 to 10."),
				"trigger": {
					Type:        "string",
					Description: "What set the spiral off.",
				},
				"completed": {
					Type:        "boolean",
					Description: "Whether the user finished the exercise.",
				},
				"summary": {
					Type:        "string",
					Description: "A short summary of the session.",
					MaxLength:   intPtr(storage.MaxSummaryLength),
				},
			},
			Required: []string{"completed"},
		},
	}
}

func (t *SaveProgressTool) Call(ctx context.Context, tctx engine.ToolContext, args map[string]any) (any, error) {
	if tctx.UserID == "" {
		return nil, fmt.Errorf("%w: no user in tool context", ErrInvalidArguments)
	}
	pre, err := scoreArg(args, "pre_score")
	if err != nil {
		return nil, err
	}
	post, err := scoreArg(args, "post_score")
	if err != nil {
		return nil, err
	}
	completed, err := boolArg(args, "completed")
	if err != nil {
		return nil, err
	}
	summary := stringArg(args, "summary")
	if n := len([]rune(summary)); n > storage.MaxSummaryLength {
		return nil, fmt.Errorf("%w: summary is %d characters, max %d", ErrInvalidArguments, n, storage.MaxSummaryLength)
	}

	rec, err := t.store.SaveProgress(ctx, storage.ProgressRecord{
		UserID:    tctx.UserID,
		PreScore:  pre,
		PostScore: post,
		Trigger:   stringArg(args, "trigger"),
		Completed: completed,
		Summary:   summary,
	})
	if err != nil {
		return nil, fmt.Errorf("save progress: %w", err)
	}
	t.cache.Invalidate(tctx.UserID)
	return ProgressSaved{Saved: true, Record: rec}, nil
}

// SpiralHistoryTool returns the user's most recent progress records.
type SpiralHistoryTool struct {
	store storage.ProgressStore
	cache *HistoryCache
}

// NewSpiralHistoryTool constructs the get_spiral_history tool. cache may be nil.
func NewSpiralHistoryTool(store storage.ProgressStore, cache *HistoryCache) *SpiralHistoryTool {
	return &SpiralHistoryTool{store: store, cache: cache}
}

func (t *SpiralHistoryTool) Definition() engine.ToolDefinition {
	return engine.ToolDefinition{
		Name:        NameSpiralHistory,
		Description: "Fetch summaries of the user's recent spiral sessions, newest first.",
		Parameters: engine.ParameterSchema{
			Type: "object",
			Properties: map[string]engine.Property{
				"limit": {
					Type:        "integer",
					Description: "How many sessions to return.",
					Minimum:     intPtr(1),
					Maximum:     intPtr(MaxHistoryLimit),
				},
			},
		},
	}
}

func (t *SpiralHistoryTool) Call(ctx context.Context, tctx engine.ToolContext, args map[string]any) (any, error) {
	if tctx.UserID == "" {
		return nil, fmt.Errorf("%w: no user in tool context", ErrInvalidArguments)
	}
	limit, ok, err := intArg(args, "limit")
	if err != nil {
		return nil, err
	}
	switch {
	case !ok || limit < 1:
		limit = DefaultHistoryLimit
	case limit > MaxHistoryLimit:
		limit = MaxHistoryLimit
	}

	records, hit := t.cache.Get(tctx.UserID)
	if !hit {
		records, err = t.store.RecentProgress(ctx, tctx.UserID, MaxHistoryLimit)
		if err != nil {
			return nil, fmt.Errorf("load history: %w", err)
		}
		t.cache.Put(tctx.UserID, records)
	}
	if len(records) > limit {
		records = records[:limit]
	}
	return SpiralHistory{Entries: records, Count: len(records)}, nil
}

// Default builds the standard tool set backed by store.
func Default(store storage.ProgressStore, cache *HistoryCache, opts ...Option) (*Registry, error) {
	return NewRegistry([]Tool{
		NewTriggerExerciseTool(),
		NewSaveProgressTool(store, cache),
		NewSpiralHistoryTool(store, cache),
	}, opts...)
}
