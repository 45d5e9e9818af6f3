package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"anna/internal/storage"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// ProgressStore persists progress records in a SQLite database.
type ProgressStore struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens (or creates) the database at path and ensures the schema exists.
func Open(path string) (*ProgressStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open progress database: %w", err)
	}
	// modernc sqlite serializes writers; one connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	store := &ProgressStore{db: db, now: time.Now}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

func (s *ProgressStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS progress_records (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		pre_score INTEGER CHECK (pre_score IS NULL OR pre_score BETWEEN 1 AND 10),
		post_score INTEGER CHECK (post_score IS NULL OR post_score BETWEEN 1 AND 10),
		trigger_text TEXT NOT NULL DEFAULT '',
		completed INTEGER NOT NULL DEFAULT 0,
		summary TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_progress_records_user_created
		ON progress_records(user_id, created_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// SaveProgress inserts rec.
func (s *ProgressStore) SaveProgress(ctx context.Context, rec storage.ProgressRecord) (storage.ProgressRecord, error) {
	if err := rec.Validate(); err != nil {
		return storage.ProgressRecord{}, err
	}
	if rec.ID == "" {
		rec.ID = uuid.Must(uuid.NewV7()).String()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = s.now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO progress_records
			(id, user_id, pre_score, post_score, trigger_text, completed, summary, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.UserID, nullInt(rec.PreScore), nullInt(rec.PostScore),
		rec.Trigger, rec.Completed, rec.Summary, rec.CreatedAt.UnixNano(),
	)
	if err != nil {
		return storage.ProgressRecord{}, fmt.Errorf("insert progress record: %w", err)
	}
	return rec, nil
}

// RecentProgress returns up to limit records for userID, newest first.
// A limit <= 0 returns everything.
func (s *ProgressStore) RecentProgress(ctx context.Context, userID string, limit int) ([]storage.ProgressRecord, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, pre_score, post_score, trigger_text, completed, summary, created_at
		FROM progress_records
		WHERE user_id = ?
		ORDER BY created_at DESC, rowid DESC
		LIMIT ?`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("query progress records: %w", err)
	}
	defer rows.Close()

	var out []storage.ProgressRecord
	for rows.Next() {
		var (
			rec       storage.ProgressRecord
			pre, post sql.NullInt64
			createdAt int64
		)
		if err := rows.Scan(&rec.ID, &rec.UserID, &pre, &post, &rec.Trigger, &rec.Completed, &rec.Summary, &createdAt); err != nil {
			return nil, fmt.Errorf("scan progress record: %w", err)
		}
		rec.PreScore = fromNullInt(pre)
		rec.PostScore = fromNullInt(post)
		rec.CreatedAt = time.Unix(0, createdAt).UTC()
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate progress records: %w", err)
	}
	return out, nil
}

// Close closes the underlying database.
func (s *ProgressStore) Close() error {
	return s.db.Close()
}

func nullInt(v *int) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*v), Valid: true}
}

func fromNullInt(v sql.NullInt64) *int {
	if !v.Valid {
		return nil
	}
	return storage.IntPtr(int(v.Int64))
}
