// Package lock provides an advisory, non-blocking, cross-process file lock.
package lock

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// ErrLocked means another process holds the lock.
var ErrLocked = errors.New("file lock held by another process")

type Lock struct {
	path string
	file *os.File
}

// TryAcquire takes the lock at path without waiting.
func TryAcquire(path string) (*Lock, error) {
	if path == "" {
		return nil, fmt.Errorf("lock path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create lock dir: %w", err)
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}
	if err := lockFile(file); err != nil {
		_ = file.Close()
		return nil, err
	}

	_ = file.Truncate(0)
	_, _ = fmt.Fprintf(file, "%d\n", os.Getpid())

	return &Lock{path: path, file: file}, nil
}

// Acquire retries TryAcquire up to attempts times, waiting delay between
// attempts. It returns ErrLocked when the lock never became free.
func Acquire(ctx context.Context, path string, attempts int, delay time.Duration) (*Lock, error) {
	if attempts < 1 {
		attempts = 1
	}

	for attempt := 1; ; attempt++ {
		l, err := TryAcquire(path)
		if err == nil {
			return l, nil
		}
		if !errors.Is(err, ErrLocked) || attempt >= attempts {
			return nil, err
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

func (l *Lock) Path() string {
	if l == nil {
		return ""
	}
	return l.path
}

func (l *Lock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	unlockErr := unlockFile(l.file)
	closeErr := l.file.Close()
	l.file = nil
	if unlockErr != nil {
		return unlockErr
	}
	return closeErr
}
