// Package storagetest holds behaviour tests shared by every ProgressStore.
package storagetest

import (
	"context"
	"strings"
	"testing"
	"time"

	"anna/internal/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// RunProgressStoreTests exercises a ProgressStore built fresh by newStore for
// each subtest.
func RunProgressStoreTests(t *testing.T, newStore func(t *testing.T) storage.ProgressStore) {
	t.Helper()
	ctx := context.Background()
	base := time.Date(2025, 3, 14, 9, 0, 0, 0, time.UTC)

	t.Run("assigns id and timestamp", func(t *testing.T) {
		store := newStore(t)
		saved, err := store.SaveProgress(ctx, storage.ProgressRecord{
			UserID:    "u1",
			PreScore:  storage.IntPtr(8),
			PostScore: storage.IntPtr(3),
			Trigger:   "presentation tomorrow",
			Completed: true,
		})
		require.NoError(t, err)
		assert.NotEmpty(t, saved.ID)
		assert.False(t, saved.CreatedAt.IsZero())
	})

	t.Run("recent is newest first and limited", func(t *testing.T) {
		store := newStore(t)
		for i := 0; i < 4; i++ {
			_, err := store.SaveProgress(ctx, storage.ProgressRecord{
				UserID:    "u1",
				PreScore:  storage.IntPtr(9 - i),
				Summary:   "session " + string(rune('A'+i)),
				CreatedAt: base.Add(time.Duration(i) * time.Hour),
			})
			require.NoError(t, err)
		}
		_, err := store.SaveProgress(ctx, storage.ProgressRecord{UserID: "u2", CreatedAt: base})
		require.NoError(t, err)

		got, err := store.RecentProgress(ctx, "u1", 2)
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.Equal(t, "session D", got[0].Summary)
		assert.Equal(t, "session C", got[1].Summary)
		require.NotNil(t, got[0].PreScore)
		assert.Equal(t, 6, *got[0].PreScore)
		assert.Nil(t, got[0].PostScore)
		assert.True(t, got[0].CreatedAt.Equal(base.Add(3*time.Hour)))

		all, err := store.RecentProgress(ctx, "u1", 0)
		require.NoError(t, err)
		assert.Len(t, all, 4)
	})

	t.Run("unknown user has no history", func(t *testing.T) {
		store := newStore(t)
		got, err := store.RecentProgress(ctx, "nobody", 5)
		require.NoError(t, err)
		assert.Empty(t, got)
	})

	t.Run("rejects invalid records", func(t *testing.T) {
		store := newStore(t)
		invalid := []storage.ProgressRecord{
			{},
			{UserID: "u1", PreScore: storage.IntPtr(0)},
			{UserID: "u1", PostScore: storage.IntPtr(11)},
			{UserID: "u1", Summary: strings.Repeat("x", storage.MaxSummaryLength+1)},
		}
		for _, rec := range invalid {
			_, err := store.SaveProgress(ctx, rec)
			assert.ErrorIs(t, err, storage.ErrInvalidRecord)
		}
	})
}
