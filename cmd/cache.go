package cmd

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	diskcache "github.com/bnema/turnguard/internal/adapters/cache/disk"
	statusadapter "github.com/bnema/turnguard/internal/adapters/render/status"
	"github.com/bnema/turnguard/internal/domain"
)

func newCacheCmd(app *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect the signature cache",
	}

	cmd.AddCommand(newCacheStatsCmd(app))

	return cmd
}

type cacheStatsOutput struct {
	Path       string     `json:"path"`
	Entries    int        `json:"entries"`
	Live       int        `json:"live"`
	MemoryTTL  string     `json:"memory_ttl"`
	DiskTTL    string     `json:"disk_ttl"`
	MemoryHits int64      `json:"memory_hits"`
	DiskHits   int64      `json:"disk_hits"`
	Misses     int64      `json:"misses"`
	Writes     int64      `json:"writes"`
	LastWrite  *time.Time `json:"last_write,omitempty"`
}

func newCacheStatsCmd(app *app) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show entries and hit counters of the persisted cache",
		RunE: func(cmd *cobra.Command, _ []string) error {
			summary, err := loadCacheSummary(cmd, app)
			if err != nil {
				return err
			}

			if asJSON {
				out := cacheStatsOutput{
					Path:       summary.Path,
					Entries:    summary.Entries,
					Live:       summary.Live,
					MemoryTTL:  summary.MemoryTTL.String(),
					DiskTTL:    summary.DiskTTL.String(),
					MemoryHits: summary.Stats.MemoryHits,
					DiskHits:   summary.Stats.DiskHits,
					Misses:     summary.Stats.Misses,
					Writes:     summary.Stats.Writes,
				}
				if !summary.Stats.LastWrite.IsZero() {
					lastWrite := summary.Stats.LastWrite
					out.LastWrite = &lastWrite
				}
				return writeJSON(cmd, out)
			}

			rendered, err := app.cacheRenderer(summary, statusadapter.RenderOptions{Now: app.now()})
			if err != nil {
				return fmt.Errorf("render cache stats: %w", err)
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), rendered)
			return err
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Output JSON")

	return cmd
}

func loadCacheSummary(cmd *cobra.Command, app *app) (statusadapter.CacheSummary, error) {
	summary := statusadapter.CacheSummary{
		Path:      app.cacheStore.Path(),
		MemoryTTL: app.cfg.Cache.MemoryTTL,
		DiskTTL:   app.cfg.Cache.DiskTTL,
	}

	snapshot, err := app.cacheStore.Load(cmd.Context())
	if err != nil {
		if errors.Is(err, diskcache.ErrSnapshotNotFound) {
			return summary, nil
		}
		return summary, fmt.Errorf("load signature cache: %w", err)
	}

	now := app.now()
	summary.Entries = len(snapshot.Entries)
	summary.Stats = snapshot.Stats
	summary.Live = countLive(snapshot.Entries, now, summary.MemoryTTL)
	return summary, nil
}

func countLive(entries map[string]domain.CacheEntry, now time.Time, ttl time.Duration) int {
	live := 0
	for _, entry := range entries {
		if !entry.ExpiredAt(now, ttl) {
			live++
		}
	}
	return live
}
