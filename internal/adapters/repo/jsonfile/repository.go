// Package jsonfile stores credentials in a versioned JSON file and upgrades
// older versions on load.
package jsonfile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"github.com/bnema/turnguard/internal/adapters/atomicfile"
	"github.com/bnema/turnguard/internal/domain"
	"github.com/bnema/turnguard/internal/ports"
)

const (
	credentialsFileMode  = 0o600
	credentialsConfigDir = ".config/turnguard"
	credentialsFile      = "accounts.json"
	tempFilePrefix       = ".accounts-"
)

type Repository struct {
	path   string
	clock  ports.Clock
	logger *zap.Logger
	mu     *sync.RWMutex
}

var (
	lockRegistryMu sync.Mutex
	pathLockMap    = map[string]*sync.RWMutex{}
)

var _ ports.CredentialRepository = (*Repository)(nil)

// DefaultPath is $HOME/.config/turnguard/accounts.json.
func DefaultPath() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	return filepath.Join(homeDir, credentialsConfigDir, credentialsFile), nil
}

func NewRepository(path string, clock ports.Clock, logger *zap.Logger) (*Repository, error) {
	if path == "" {
		return nil, errors.New("credentials path is empty")
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve credentials path: %w", err)
	}
	absPath = filepath.Clean(absPath)

	if clock == nil {
		clock = ports.SystemClock{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Repository{path: absPath, clock: clock, logger: logger, mu: lockForPath(absPath)}, nil
}

func (r *Repository) Path() string {
	return r.path
}

// Load decodes the file, migrating older versions to the current one. A
// migrated store is written back; failure to do so is only logged.
func (r *Repository) Load(ctx context.Context) (domain.CredentialStore, error) {
	if err := ctx.Err(); err != nil {
		return domain.CredentialStore{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	data, err := os.ReadFile(r.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return domain.CredentialStore{}, ErrStoreNotFound
		}
		return domain.CredentialStore{}, fmt.Errorf("read credentials file: %w", err)
	}

	schema, err := decode(data)
	if err != nil {
		return domain.CredentialStore{}, err
	}

	file, migrated := migrate(schema, r.clock.Now())
	if migrated {
		r.logger.Info("migrated credential store",
			zap.Int("from_version", schema.schemaVersion()),
			zap.Int("to_version", currentSchemaVersion),
		)
		if err := r.write(file); err != nil {
			r.logger.Warn("persist migrated credential store", zap.Error(err))
		}
	}

	return fromSchema(file), nil
}

func (r *Repository) Save(ctx context.Context, store domain.CredentialStore) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	return r.write(toSchema(store))
}

func (r *Repository) Clear(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if err := os.Remove(r.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove credentials file: %w", err)
	}
	return nil
}

func (r *Repository) write(file storeV3) error {
	file.Version = currentSchemaVersion
	if file.Accounts == nil {
		file.Accounts = []accountV3{}
	}

	data, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return fmt.Errorf("encode credentials file: %w", err)
	}

	if err := atomicfile.Write(r.path, data, atomicfile.Options{
		Prefix: tempFilePrefix,
		Mode:   credentialsFileMode,
	}); err != nil {
		return fmt.Errorf("write credentials file: %w", err)
	}

	return nil
}

func lockForPath(path string) *sync.RWMutex {
	lockRegistryMu.Lock()
	defer lockRegistryMu.Unlock()

	if mu, ok := pathLockMap[path]; ok {
		return mu
	}

	mu := &sync.RWMutex{}
	pathLockMap[path] = mu
	return mu
}
