package tools

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"anna/internal/engine"
	"anna/internal/observability"
	"anna/internal/storage"
	"anna/internal/storage/memory"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingStore struct {
	storage.ProgressStore
	mu    sync.Mutex
	reads int
}

func (s *countingStore) RecentProgress(ctx context.Context, userID string, limit int) ([]storage.ProgressRecord, error) {
	s.mu.Lock()
	s.reads++
	s.mu.Unlock()
	return s.ProgressStore.RecentProgress(ctx, userID, limit)
}

func newTestRegistry(t *testing.T) (*Registry, *countingStore, *HistoryCache) {
	t.Helper()
	store := &countingStore{ProgressStore: memory.NewProgressStore()}
	cache := NewHistoryCache(8, time.Minute)
	reg, err := Default(store, cache)
	require.NoError(t, err)
	return reg, store, cache
}

var alice = engine.ToolContext{UserID: "alice", SessionID: "s1"}

func TestDefinitionsKeepRegistrationOrder(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	defs := reg.Definitions()
	require.Len(t, defs, 3)
	assert.Equal(t, NameTriggerExercise, defs[0].Name)
	assert.Equal(t, NameSaveProgress, defs[1].Name)
	assert.Equal(t, NameSpiralHistory, defs[2].Name)
	assert.Equal(t, []string{"exercise_type"}, defs[0].Parameters.Required)
	assert.Equal(t, 10, *defs[0].Parameters.Properties["pre_score"].Maximum)
}

func TestRegisterRejectsDuplicates(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	assert.ErrorContains(t, reg.Register(NewTriggerExerciseTool()), "already exists")
}

func TestTriggerExercise(t *testing.T) {
	reg, _, _ := newTestRegistry(t)

	result := reg.Execute(context.Background(), alice, engine.ToolCall{
		ID:   "c1",
		Name: NameTriggerExercise,
		Arguments: map[string]any{
			"exercise_type": "grounding",
			"pre_score":     float64(8),
			"trigger":       "presentation tomorrow",
		},
	})
	require.NoError(t, result.Err)
	assert.Equal(t, "c1", result.CallID)

	got, err := DecodeExerciseTrigger(result.Payload)
	require.NoError(t, err)
	assert.Equal(t, "grounding", got.ExerciseType)
	assert.Equal(t, 8, *got.PreScore)
	assert.Equal(t, 180, got.DurationSeconds)
	assert.Equal(t, "presentation tomorrow", got.Trigger)
	assert.Equal(t, string(result.Payload), result.Content)
}

func TestTriggerExerciseDefaultsToBreathing(t *testing.T) {
	out, err := NewTriggerExerciseTool().Call(context.Background(), alice, nil)
	require.NoError(t, err)
	assert.Equal(t, "breathing", out.(ExerciseTrigger).ExerciseType)
	assert.Nil(t, out.(ExerciseTrigger).PreScore)
}

func TestInvalidArgumentsBecomeErrorResults(t *testing.T) {
	reg, _, _ := newTestRegistry(t)

	tests := []struct {
		name string
		call engine.ToolCall
	}{
		{"unknown exercise", engine.ToolCall{Name: NameTriggerExercise, Arguments: map[string]any{"exercise_type": "yoga"}}},
		{"score too high", engine.ToolCall{Name: NameTriggerExercise, Arguments: map[string]any{"pre_score": 11}}},
		{"fractional score", engine.ToolCall{Name: NameSaveProgress, Arguments: map[string]any{"post_score": 2.5}}},
		{"completed not bool", engine.ToolCall{Name: NameSaveProgress, Arguments: map[string]any{"completed": "yes"}}},
		{"limit not int", engine.ToolCall{Name: NameSpiralHistory, Arguments: map[string]any{"limit": "five"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := reg.Execute(context.Background(), alice, tt.call)
			require.Error(t, result.Err)
			assert.True(t, errors.Is(result.Err, ErrInvalidArguments))
			assert.Empty(t, result.Payload)
		})
	}
}

func TestSummaryLengthIsBounded(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	long := make([]rune, storage.MaxSummaryLength+1)
	for i := range long {
		long[i] = 'a'
	}
	result := reg.Execute(context.Background(), alice, engine.ToolCall{
		Name:      NameSaveProgress,
		Arguments: map[string]any{"completed": true, "summary": string(long)},
	})
	assert.ErrorIs(t, result.Err, ErrInvalidArguments)
}

func TestUnknownToolIsReported(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	result := reg.Execute(context.Background(), alice, engine.ToolCall{Name: "launch_rocket"})
	assert.ErrorContains(t, result.Err, "tool not found")
}

func TestSaveProgressThenHistoryUsesCache(t *testing.T) {
	reg, store, cache := newTestRegistry(t)
	ctx := context.Background()

	for i, post := range []int{5, 3} {
		result := reg.Execute(ctx, alice, engine.ToolCall{
			Name: NameSaveProgress,
			Arguments: map[string]any{
				"pre_score":  8,
				"post_score": post,
				"completed":  true,
				"summary":    "breathing helped",
				"trigger":    "exam",
			},
		})
		require.NoError(t, result.Err, "save %d", i)
		saved, err := DecodeProgressSaved(result.Payload)
		require.NoError(t, err)
		assert.True(t, saved.Saved)
		assert.Equal(t, "alice", saved.Record.UserID)
		assert.NotEmpty(t, saved.Record.ID)
	}

	history := func(args map[string]any) SpiralHistory {
		result := reg.Execute(ctx, alice, engine.ToolCall{Name: NameSpiralHistory, Arguments: args})
		require.NoError(t, result.Err)
		out, err := DecodeSpiralHistory(result.Payload)
		require.NoError(t, err)
		return out
	}

	first := history(nil)
	assert.Equal(t, 2, first.Count)
	assert.Equal(t, 3, *first.Entries[0].PostScore)
	assert.Equal(t, 1, cache.Len())

	second := history(map[string]any{"limit": 1})
	assert.Equal(t, 1, second.Count)
	assert.Equal(t, 1, store.reads)

	result := reg.Execute(ctx, alice, engine.ToolCall{Name: NameSaveProgress, Arguments: map[string]any{"completed": false}})
	require.NoError(t, result.Err)
	assert.Equal(t, 0, cache.Len())

	third := history(map[string]any{"limit": 100})
	assert.Equal(t, 3, third.Count)
	assert.Equal(t, 2, store.reads)
}

func TestHistoryIsPerUser(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	ctx := context.Background()
	require.NoError(t, reg.Execute(ctx, alice, engine.ToolCall{Name: NameSaveProgress, Arguments: map[string]any{"completed": true}}).Err)

	result := reg.Execute(ctx, engine.ToolContext{UserID: "bob"}, engine.ToolCall{Name: NameSpiralHistory})
	require.NoError(t, result.Err)
	assert.JSONEq(t, `{"entries":[],"count":0}`, string(result.Payload))
}

func TestToolsRequireUser(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	result := reg.Execute(context.Background(), engine.ToolContext{}, engine.ToolCall{Name: NameSpiralHistory})
	assert.ErrorIs(t, result.Err, ErrInvalidArguments)
}

func TestHistoryCacheExpires(t *testing.T) {
	cache := NewHistoryCache(2, time.Minute)
	now := time.Unix(1000, 0)
	cache.now = func() time.Time { return now }

	cache.Put("alice", []storage.ProgressRecord{{UserID: "alice", PreScore: storage.IntPtr(7)}})
	got, ok := cache.Get("alice")
	require.True(t, ok)
	*got[0].PreScore = 1

	again, ok := cache.Get("alice")
	require.True(t, ok)
	assert.Equal(t, 7, *again[0].PreScore)

	now = now.Add(time.Minute)
	_, ok = cache.Get("alice")
	assert.False(t, ok)
	assert.Equal(t, 0, cache.Len())
}

func TestNilHistoryCache(t *testing.T) {
	var cache *HistoryCache
	cache.Put("a", nil)
	cache.Invalidate("a")
	_, ok := cache.Get("a")
	assert.False(t, ok)
	assert.Zero(t, cache.Len())
}

type panicTool struct{}

func (panicTool) Definition() engine.ToolDefinition { return engine.ToolDefinition{Name: "boom"} }
func (panicTool) Call(context.Context, engine.ToolContext, map[string]any) (any, error) {
	panic("kaboom")
}

func TestExecuteRecoversPanicsAndRecordsMetrics(t *testing.T) {
	metrics := &observability.MetricsCollector{}
	var statuses []string
	metrics.SetTestHooks(observability.MetricsTestHooks{
		ToolEvent: func(_, status string) { statuses = append(statuses, status) },
	})
	reg, err := NewRegistry([]Tool{panicTool{}, NewTriggerExerciseTool()},
		WithObservability(&observability.Observability{Metrics: metrics}))
	require.NoError(t, err)

	result := reg.Execute(context.Background(), alice, engine.ToolCall{Name: "boom"})
	assert.ErrorContains(t, result.Err, "kaboom")

	result = reg.Execute(context.Background(), alice, engine.ToolCall{Name: NameTriggerExercise})
	require.NoError(t, result.Err)
	assert.Equal(t, []string{"error", "ok"}, statuses)
}

func TestDecodeExerciseTriggerRejectsMalformed(t *testing.T) {
	_, err := DecodeExerciseTrigger(json.RawMessage(`{"exercise_type":`))
	assert.Error(t, err)
	_, err = DecodeExerciseTrigger(json.RawMessage(`{}`))
	assert.Error(t, err)
}
