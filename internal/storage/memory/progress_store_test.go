package memory

import (
	"context"
	"testing"

	"anna/internal/storage"
	"anna/internal/storage/storagetest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProgressStore(t *testing.T) {
	storagetest.RunProgressStoreTests(t, func(t *testing.T) storage.ProgressStore {
		return NewProgressStore()
	})
}

func TestProgressStoreReturnsCopies(t *testing.T) {
	store := NewProgressStore()
	ctx := context.Background()

	saved, err := store.SaveProgress(ctx, storage.ProgressRecord{UserID: "u1", PreScore: storage.IntPtr(7)})
	require.NoError(t, err)
	*saved.PreScore = 1

	got, err := store.RecentProgress(ctx, "u1", 1)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, 7, *got[0].PreScore)
}

func TestProgressStoreHonoursCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewProgressStore().SaveProgress(ctx, storage.ProgressRecord{UserID: "u1"})
	assert.ErrorIs(t, err, context.Canceled)
}
