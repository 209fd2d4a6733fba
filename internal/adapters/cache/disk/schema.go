package disk

import (
	"time"
	"unicode/utf8"

	"github.com/bnema/turnguard/internal/domain"
)

const (
	currentVersion = "1.0"
	previewRunes   = 100
)

type fileSchema struct {
	Version          string                 `json:"version"`
	MemoryTTLSeconds int64                  `json:"memory_ttl_seconds"`
	DiskTTLSeconds   int64                  `json:"disk_ttl_seconds"`
	Entries          map[string]entrySchema `json:"entries"`
	Statistics       statisticsSchema       `json:"statistics"`
}

type entrySchema struct {
	Value        string   `json:"value"`
	Timestamp    int64    `json:"timestamp"`
	ThinkingText string   `json:"thinkingText,omitempty"`
	TextPreview  string   `json:"textPreview,omitempty"`
	ToolIDs      []string `json:"toolIds,omitempty"`
}

type statisticsSchema struct {
	MemoryHits int64 `json:"memory_hits"`
	DiskHits   int64 `json:"disk_hits"`
	Misses     int64 `json:"misses"`
	Writes     int64 `json:"writes"`
	LastWrite  int64 `json:"last_write"`
}

func toSchema(snapshot domain.CacheSnapshot) fileSchema {
	entries := make(map[string]entrySchema, len(snapshot.Entries))
	for key, entry := range snapshot.Entries {
		entries[key] = toEntrySchema(entry)
	}

	return fileSchema{
		Version:          currentVersion,
		MemoryTTLSeconds: int64(snapshot.MemoryTTL / time.Second),
		DiskTTLSeconds:   int64(snapshot.DiskTTL / time.Second),
		Entries:          entries,
		Statistics: statisticsSchema{
			MemoryHits: snapshot.Stats.MemoryHits,
			DiskHits:   snapshot.Stats.DiskHits,
			Misses:     snapshot.Stats.Misses,
			Writes:     snapshot.Stats.Writes,
			LastWrite:  toMillis(snapshot.Stats.LastWrite),
		},
	}
}

func toEntrySchema(entry domain.CacheEntry) entrySchema {
	return entrySchema{
		Value:        entry.Signature,
		Timestamp:    toMillis(entry.Timestamp),
		ThinkingText: entry.ThinkingText,
		TextPreview:  preview(entry.ThinkingText),
		ToolIDs:      entry.ToolIDs,
	}
}

func fromSchema(file fileSchema) domain.CacheSnapshot {
	entries := make(map[string]domain.CacheEntry, len(file.Entries))
	for key, entry := range file.Entries {
		if entry.Value == "" {
			continue
		}
		entries[key] = fromEntrySchema(entry)
	}

	return domain.CacheSnapshot{
		MemoryTTL: time.Duration(file.MemoryTTLSeconds) * time.Second,
		DiskTTL:   time.Duration(file.DiskTTLSeconds) * time.Second,
		Entries:   entries,
		Stats: domain.CacheStats{
			MemoryHits: file.Statistics.MemoryHits,
			DiskHits:   file.Statistics.DiskHits,
			Misses:     file.Statistics.Misses,
			Writes:     file.Statistics.Writes,
			LastWrite:  fromMillis(file.Statistics.LastWrite),
		},
	}
}

func fromEntrySchema(entry entrySchema) domain.CacheEntry {
	return domain.CacheEntry{
		Signature:    entry.Value,
		Timestamp:    fromMillis(entry.Timestamp),
		ThinkingText: entry.ThinkingText,
		ToolIDs:      entry.ToolIDs,
	}
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func preview(text string) string {
	if utf8.RuneCountInString(text) <= previewRunes {
		return text
	}
	runes := []rune(text)
	return string(runes[:previewRunes])
}
