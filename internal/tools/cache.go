package tools

import (
	"time"

	"anna/internal/storage"

	lru "github.com/hashicorp/golang-lru/v2"
)

const (
	defaultCacheMaxSize = 256
	defaultCacheTTL     = 2 * time.Minute
)

type historyEntry struct {
	records  []storage.ProgressRecord
	storedAt time.Time
}

// HistoryCache keeps each user's most recent progress records in an LRU with
// a time-to-live. A nil cache is a valid, always-missing cache.
type HistoryCache struct {
	cache *lru.Cache[string, historyEntry]
	ttl   time.Duration
	now   func() time.Time
}

// NewHistoryCache creates a cache holding at most size users. Non-positive
// values fall back to defaults.
func NewHistoryCache(size int, ttl time.Duration) *HistoryCache {
	if size <= 0 {
		size = defaultCacheMaxSize
	}
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	cache, err := lru.New[string, historyEntry](size)
	if err != nil {
		return nil
	}
	return &HistoryCache{cache: cache, ttl: ttl, now: time.Now}
}

// Get returns a copy of the cached records for userID.
func (c *HistoryCache) Get(userID string) ([]storage.ProgressRecord, bool) {
	if c == nil {
		return nil, false
	}
	entry, ok := c.cache.Get(userID)
	if !ok {
		return nil, false
	}
	if c.now().Sub(entry.storedAt) >= c.ttl {
		c.cache.Remove(userID)
		return nil, false
	}
	return copyRecords(entry.records), true
}

// Put stores records for userID.
func (c *HistoryCache) Put(userID string, records []storage.ProgressRecord) {
	if c == nil {
		return
	}
	c.cache.Add(userID, historyEntry{records: copyRecords(records), storedAt: c.now()})
}

// Invalidate drops userID's entry.
func (c *HistoryCache) Invalidate(userID string) {
	if c == nil {
		return
	}
	c.cache.Remove(userID)
}

// Len reports the number of cached users.
func (c *HistoryCache) Len() int {
	if c == nil {
		return 0
	}
	return c.cache.Len()
}

func copyRecords(records []storage.ProgressRecord) []storage.ProgressRecord {
	out := make([]storage.ProgressRecord, len(records))
	for i, rec := range records {
		if rec.PreScore != nil {
			rec.PreScore = intPtr(*rec.PreScore)
		}
		if rec.PostScore != nil {
			rec.PostScore = intPtr(*rec.PostScore)
		}
		out[i] = rec
	}
	return out
}
