// Package disk persists the signature cache as a versioned JSON document.
package disk

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/bnema/turnguard/internal/adapters/atomicfile"
	"github.com/bnema/turnguard/internal/adapters/lock"
	"github.com/bnema/turnguard/internal/domain"
	"github.com/bnema/turnguard/internal/ports"
)

const (
	fileMode          = 0o600
	tempPrefix        = "sigcache-"
	defaultLockTries  = 5
	defaultLockDelay  = 20 * time.Millisecond
	defaultFileName   = "signature-cache.json"
	defaultCacheDir   = "turnguard"
	lockFileExtension = ".lock"
)

var (
	ErrSnapshotNotFound   = fmt.Errorf("signature cache file not found: %w", fs.ErrNotExist)
	ErrUnsupportedVersion = errors.New("unsupported signature cache version")
	ErrLocked             = lock.ErrLocked
)

type Options struct {
	// ScratchDir holds temporary files. Empty means the OS temp directory.
	ScratchDir   string
	LockAttempts int
	LockDelay    time.Duration
}

type Store struct {
	path   string
	opts   Options
	clock  ports.Clock
	logger *zap.Logger
}

var _ ports.SignatureSnapshotStore = (*Store)(nil)

// DefaultPath is the cache file under the user cache directory.
func DefaultPath() (string, error) {
	dir, err := os.UserCacheDir()
	if err != nil {
		return "", fmt.Errorf("resolve cache directory: %w", err)
	}
	return filepath.Join(dir, defaultCacheDir, defaultFileName), nil
}

func NewStore(path string, opts Options, clock ports.Clock, logger *zap.Logger) *Store {
	if clock == nil {
		clock = ports.SystemClock{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.ScratchDir == "" {
		opts.ScratchDir = os.TempDir()
	}
	if opts.LockAttempts <= 0 {
		opts.LockAttempts = defaultLockTries
	}
	if opts.LockDelay <= 0 {
		opts.LockDelay = defaultLockDelay
	}

	return &Store{path: filepath.Clean(path), opts: opts, clock: clock, logger: logger}
}

func (s *Store) Path() string {
	return s.path
}

func (s *Store) Load(ctx context.Context) (domain.CacheSnapshot, error) {
	if err := ctx.Err(); err != nil {
		return domain.CacheSnapshot{}, err
	}

	file, err := s.read()
	if err != nil {
		return domain.CacheSnapshot{}, err
	}
	return fromSchema(file), nil
}

// Save merges snapshot over the entries already on disk, dropping disk
// entries past the disk TTL, and atomically replaces the file.
func (s *Store) Save(ctx context.Context, snapshot domain.CacheSnapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	held, err := lock.Acquire(ctx, s.path+lockFileExtension, s.opts.LockAttempts, s.opts.LockDelay)
	if err != nil {
		return fmt.Errorf("lock signature cache: %w", err)
	}
	defer func() {
		if err := held.Release(); err != nil {
			s.logger.Debug("release signature cache lock", zap.Error(err))
		}
	}()

	merged := toSchema(snapshot)
	now := s.clock.Now()

	existing, err := s.read()
	switch {
	case err == nil:
		for key, entry := range existing.Entries {
			if _, ok := merged.Entries[key]; ok || entry.Value == "" {
				continue
			}
			if now.Sub(fromMillis(entry.Timestamp)) > snapshot.DiskTTL {
				continue
			}
			merged.Entries[key] = entry
		}
	case errors.Is(err, fs.ErrNotExist):
	default:
		s.logger.Warn("ignoring unreadable signature cache during merge", zap.Error(err))
	}

	data, err := json.MarshalIndent(merged, "", "  ")
	if err != nil {
		return fmt.Errorf("encode signature cache: %w", err)
	}

	if err := atomicfile.Write(s.path, data, atomicfile.Options{
		ScratchDir: s.opts.ScratchDir,
		Prefix:     tempPrefix,
		Mode:       fileMode,
	}); err != nil {
		return fmt.Errorf("write signature cache: %w", err)
	}

	return nil
}

func (s *Store) read() (fileSchema, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fileSchema{}, ErrSnapshotNotFound
		}
		return fileSchema{}, fmt.Errorf("read signature cache: %w", err)
	}

	if version := gjson.GetBytes(data, "version"); version.String() != currentVersion {
		return fileSchema{}, fmt.Errorf("%w %q", ErrUnsupportedVersion, version.String())
	}

	var file fileSchema
	if err := json.Unmarshal(data, &file); err != nil {
		return fileSchema{}, fmt.Errorf("decode signature cache: %w", err)
	}
	if file.Entries == nil {
		file.Entries = map[string]entrySchema{}
	}

	return file, nil
}
