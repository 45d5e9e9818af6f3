// Package storage defines the persistence port used by the progress tools.
package storage

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// MaxSummaryLength bounds ProgressRecord.Summary in characters.
const MaxSummaryLength = 500

// ErrInvalidRecord is returned when a record fails validation before storage.
var ErrInvalidRecord = errors.New("invalid progress record")

// ProgressRecord is one completed (or abandoned) spiral-interruption session.
type ProgressRecord struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	PreScore  *int      `json:"pre_score,omitempty"`
	PostScore *int      `json:"post_score,omitempty"`
	Trigger   string    `json:"trigger,omitempty"`
	Completed bool      `json:"completed"`
	Summary   string    `json:"summary,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// ProgressStore persists progress records per user.
type ProgressStore interface {
	// SaveProgress stores rec, assigning ID and CreatedAt when empty, and
	// returns the stored record.
	SaveProgress(ctx context.Context, rec ProgressRecord) (ProgressRecord, error)
	// RecentProgress returns up to limit records for userID, newest first.
	RecentProgress(ctx context.Context, userID string, limit int) ([]ProgressRecord, error)
	Close() error
}

// Validate checks the declared shape of a record.
func (r ProgressRecord) Validate() error {
	if r.UserID == "" {
		return fmt.Errorf("%w: user id is required", ErrInvalidRecord)
	}
	if err := checkScore("pre_score", r.PreScore); err != nil {
		return err
	}
	if err := checkScore("post_score", r.PostScore); err != nil {
		return err
	}
	if n := len([]rune(r.Summary)); n > MaxSummaryLength {
		return fmt.Errorf("%w: summary is %d characters, max %d", ErrInvalidRecord, n, MaxSummaryLength)
	}
	return nil
}

func checkScore(field string, score *int) error {
	if score == nil {
		return nil
	}
	if *score < 1 || *score > 10 {
		return fmt.Errorf("%w: %s must be between 1 and 10, got %d", ErrInvalidRecord, field, *score)
	}
	return nil
}

// IntPtr is a convenience for optional scores.
func IntPtr(v int) *int {
	return &v
}
