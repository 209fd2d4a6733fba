package application

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/bnema/turnguard/internal/domain"
	"github.com/bnema/turnguard/internal/ports"
)

type SignatureCacheConfig struct {
	Enabled         bool
	MemoryTTL       time.Duration
	DiskTTL         time.Duration
	WriteInterval   time.Duration
	CleanupInterval time.Duration
}

type cachedSignature struct {
	entry domain.CacheEntry
	// fromDisk is set for entries admitted at load time until their first hit.
	fromDisk bool
}

// SignatureCache keeps reasoning signatures per session and model. Memory is
// authoritative while the process runs; the snapshot store persists it.
type SignatureCache struct {
	cfg    SignatureCacheConfig
	disk   ports.SignatureSnapshotStore
	clock  ports.Clock
	logger *zap.Logger

	mu      sync.Mutex
	entries map[string]cachedSignature
	stats   domain.CacheStats
	dirty   bool
	task    *BackgroundTask
}

func NewSignatureCache(cfg SignatureCacheConfig, disk ports.SignatureSnapshotStore, clock ports.Clock, logger *zap.Logger) *SignatureCache {
	if clock == nil {
		clock = ports.SystemClock{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.DiskTTL < cfg.MemoryTTL {
		cfg.DiskTTL = cfg.MemoryTTL
	}

	return &SignatureCache{
		cfg:     cfg,
		disk:    disk,
		clock:   clock,
		logger:  logger,
		entries: make(map[string]cachedSignature),
	}
}

// Start admits the persisted snapshot and starts the write and cleanup timers.
func (c *SignatureCache) Start(ctx context.Context) *BackgroundTask {
	if !c.cfg.Enabled {
		return stoppedTask()
	}

	c.loadSnapshot(ctx)

	task := startTicking(ctx, c.logger,
		tick{name: "signature-cache-write", interval: c.cfg.WriteInterval, run: c.writeTick},
		tick{name: "signature-cache-cleanup", interval: c.cfg.CleanupInterval, run: func(context.Context) { c.cleanup() }},
	)

	c.mu.Lock()
	c.task = task
	c.mu.Unlock()

	return task
}

func (c *SignatureCache) Store(key, signature string) {
	c.put(key, domain.CacheEntry{Signature: signature})
}

func (c *SignatureCache) StoreThinking(key, text, signature string, toolIDs []string) {
	c.put(key, domain.CacheEntry{
		Signature:    signature,
		ThinkingText: text,
		ToolIDs:      append([]string(nil), toolIDs...),
	})
}

func (c *SignatureCache) put(key string, entry domain.CacheEntry) {
	if !c.cfg.Enabled || entry.Signature == "" {
		return
	}

	entry.Timestamp = c.clock.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[key] = cachedSignature{entry: entry}
	c.dirty = true
}

func (c *SignatureCache) Retrieve(key string) (string, bool) {
	entry, ok := c.lookup(key, false)
	if !ok {
		return "", false
	}
	return entry.Signature, true
}

func (c *SignatureCache) RetrieveThinking(key string) (domain.ThinkingEntry, bool) {
	entry, ok := c.lookup(key, true)
	if !ok {
		return domain.ThinkingEntry{}, false
	}
	return domain.ThinkingEntry{
		Text:      entry.ThinkingText,
		Signature: entry.Signature,
		ToolIDs:   append([]string(nil), entry.ToolIDs...),
	}, true
}

// lookup counts a memory hit, a disk hit or a miss. Expired entries are
// evicted and count as misses.
func (c *SignatureCache) lookup(key string, needThinking bool) (domain.CacheEntry, bool) {
	if !c.cfg.Enabled {
		return domain.CacheEntry{}, false
	}

	now := c.clock.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	cached, ok := c.entries[key]
	if ok && cached.entry.ExpiredAt(now, c.cfg.MemoryTTL) {
		delete(c.entries, key)
		ok = false
	}
	if !ok || (needThinking && !cached.entry.HasThinking()) {
		c.stats.Misses++
		return domain.CacheEntry{}, false
	}

	if cached.fromDisk {
		c.stats.DiskHits++
		cached.fromDisk = false
		c.entries[key] = cached
	} else {
		c.stats.MemoryHits++
	}

	return cached.entry, true
}

func (c *SignatureCache) Has(key string) bool {
	_, ok := c.peek(key)
	return ok
}

func (c *SignatureCache) HasThinking(key string) bool {
	entry, ok := c.peek(key)
	return ok && entry.HasThinking()
}

// Verify reports whether signature is the live signature cached for key.
func (c *SignatureCache) Verify(key, signature string) bool {
	entry, ok := c.peek(key)
	return ok && signature != "" && entry.Signature == signature
}

func (c *SignatureCache) peek(key string) (domain.CacheEntry, bool) {
	if !c.cfg.Enabled {
		return domain.CacheEntry{}, false
	}

	now := c.clock.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	cached, ok := c.entries[key]
	if !ok || cached.entry.ExpiredAt(now, c.cfg.MemoryTTL) {
		return domain.CacheEntry{}, false
	}
	return cached.entry, true
}

func (c *SignatureCache) Stats() domain.CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

func (c *SignatureCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Flush writes the cache to disk when it changed since the last write.
func (c *SignatureCache) Flush(ctx context.Context) error {
	if !c.cfg.Enabled || c.disk == nil {
		return nil
	}

	now := c.clock.Now()

	c.mu.Lock()
	if !c.dirty {
		c.mu.Unlock()
		return nil
	}
	snapshot := c.snapshotLocked(now)
	c.dirty = false
	c.mu.Unlock()

	if err := c.disk.Save(ctx, snapshot); err != nil {
		c.mu.Lock()
		c.dirty = true
		c.mu.Unlock()
		return fmt.Errorf("save signature cache: %w", err)
	}

	c.mu.Lock()
	c.stats.Writes++
	c.stats.LastWrite = now
	c.mu.Unlock()

	c.logger.Debug("signature cache saved", zap.Int("entries", len(snapshot.Entries)))
	return nil
}

// Shutdown stops the timers and performs one final write if needed.
func (c *SignatureCache) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	task := c.task
	c.task = nil
	c.mu.Unlock()

	task.Stop()
	return c.Flush(ctx)
}

func (c *SignatureCache) snapshotLocked(now time.Time) domain.CacheSnapshot {
	entries := make(map[string]domain.CacheEntry, len(c.entries))
	for key, cached := range c.entries {
		if cached.entry.ExpiredAt(now, c.cfg.MemoryTTL) {
			continue
		}
		entries[key] = cached.entry
	}

	stats := c.stats
	stats.Writes++
	stats.LastWrite = now

	return domain.CacheSnapshot{
		MemoryTTL: c.cfg.MemoryTTL,
		DiskTTL:   c.cfg.DiskTTL,
		Entries:   entries,
		Stats:     stats,
	}
}

func (c *SignatureCache) loadSnapshot(ctx context.Context) {
	if c.disk == nil {
		return
	}

	snapshot, err := c.disk.Load(ctx)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			c.logger.Debug("no signature cache on disk")
		} else {
			c.logger.Warn("signature cache load failed; starting empty", zap.Error(err))
		}
		return
	}

	now := c.clock.Now()
	admitted := 0

	c.mu.Lock()
	defer c.mu.Unlock()

	for key, entry := range snapshot.Entries {
		if entry.Signature == "" || entry.ExpiredAt(now, c.cfg.DiskTTL) {
			continue
		}
		if _, exists := c.entries[key]; exists {
			continue
		}
		c.entries[key] = cachedSignature{entry: entry, fromDisk: true}
		admitted++
	}

	c.stats.MemoryHits += snapshot.Stats.MemoryHits
	c.stats.DiskHits += snapshot.Stats.DiskHits
	c.stats.Misses += snapshot.Stats.Misses
	c.stats.Writes += snapshot.Stats.Writes
	if snapshot.Stats.LastWrite.After(c.stats.LastWrite) {
		c.stats.LastWrite = snapshot.Stats.LastWrite
	}

	c.logger.Info("signature cache loaded", zap.Int("admitted", admitted), zap.Int("on_disk", len(snapshot.Entries)))
}

func (c *SignatureCache) writeTick(ctx context.Context) {
	if err := c.Flush(ctx); err != nil {
		c.logger.Warn("signature cache write failed; retrying next tick", zap.Error(err))
	}
}

func (c *SignatureCache) cleanup() {
	now := c.clock.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	evicted := 0
	for key, cached := range c.entries {
		if cached.entry.ExpiredAt(now, c.cfg.MemoryTTL) {
			delete(c.entries, key)
			evicted++
		}
	}
	if evicted > 0 {
		c.logger.Debug("signature cache cleanup", zap.Int("evicted", evicted))
	}
}
