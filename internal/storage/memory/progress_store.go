package memory

import (
	"context"
	"sync"
	"time"

	"anna/internal/storage"

	"github.com/google/uuid"
)

// ProgressStore is an in-memory storage.ProgressStore. It is not persistent
// and is meant for development and tests.
type ProgressStore struct {
	mu       sync.RWMutex
	byUserID map[string][]storage.ProgressRecord
	now      func() time.Time
}

// NewProgressStore creates an empty in-memory store.
func NewProgressStore() *ProgressStore {
	return &ProgressStore{
		byUserID: make(map[string][]storage.ProgressRecord),
		now:      time.Now,
	}
}

// SaveProgress appends rec to the user's history.
func (s *ProgressStore) SaveProgress(ctx context.Context, rec storage.ProgressRecord) (storage.ProgressRecord, error) {
	if err := ctx.Err(); err != nil {
		return storage.ProgressRecord{}, err
	}
	if err := rec.Validate(); err != nil {
		return storage.ProgressRecord{}, err
	}
	if rec.ID == "" {
		rec.ID = uuid.Must(uuid.NewV7()).String()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = s.now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.byUserID[rec.UserID] = append(s.byUserID[rec.UserID], copyRecord(rec))
	return copyRecord(rec), nil
}

// RecentProgress returns the last limit records for userID, newest first.
// A limit <= 0 returns everything.
func (s *ProgressStore) RecentProgress(ctx context.Context, userID string, limit int) ([]storage.ProgressRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	records := s.byUserID[userID]
	if limit <= 0 || limit > len(records) {
		limit = len(records)
	}

	out := make([]storage.ProgressRecord, 0, limit)
	for i := len(records) - 1; i >= len(records)-limit; i-- {
		out = append(out, copyRecord(records[i]))
	}
	return out, nil
}

// Close is a no-op.
func (s *ProgressStore) Close() error {
	return nil
}

func copyRecord(rec storage.ProgressRecord) storage.ProgressRecord {
	if rec.PreScore != nil {
		rec.PreScore = storage.IntPtr(*rec.PreScore)
	}
	if rec.PostScore != nil {
		rec.PostScore = storage.IntPtr(*rec.PostScore)
	}
	return rec
}
