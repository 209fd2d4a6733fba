package domain

import (
	"strings"
	"time"
)

// CacheKey builds the "session:model" key used by the signature cache.
func CacheKey(sessionID, modelID string) string {
	return strings.TrimSpace(sessionID) + ":" + strings.TrimSpace(modelID)
}

type CacheEntry struct {
	Signature    string
	Timestamp    time.Time
	ThinkingText string
	ToolIDs      []string
}

func (e CacheEntry) HasThinking() bool {
	return e.ThinkingText != ""
}

func (e CacheEntry) ExpiredAt(now time.Time, ttl time.Duration) bool {
	return now.Sub(e.Timestamp) > ttl
}

type ThinkingEntry struct {
	Text      string
	Signature string
	ToolIDs   []string
}

type CacheStats struct {
	MemoryHits int64
	DiskHits   int64
	Misses     int64
	Writes     int64
	LastWrite  time.Time
}

// CacheSnapshot is the persisted form of the signature cache.
type CacheSnapshot struct {
	MemoryTTL time.Duration
	DiskTTL   time.Duration
	Entries   map[string]CacheEntry
	Stats     CacheStats
}
