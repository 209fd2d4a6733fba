package jsonfile

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/bnema/turnguard/internal/domain"
)

func TestWatcherSignalsOnRewrite(t *testing.T) {
	t.Parallel()

	repo := newTestRepository(t)
	watcher, err := NewWatcher(repo.Path(), 20*time.Millisecond, nil)
	require.NoError(t, err)
	watcher.Start(context.Background())
	t.Cleanup(func() { _ = watcher.Stop() })

	require.NoError(t, os.WriteFile(filepath.Join(filepath.Dir(repo.Path()), "unrelated.json"), []byte("{}"), 0o600))
	select {
	case <-watcher.Changes():
		t.Fatal("unrelated file should not signal")
	case <-time.After(100 * time.Millisecond):
	}

	require.NoError(t, repo.Save(context.Background(), domain.CredentialStore{}))

	select {
	case <-watcher.Changes():
	case <-time.After(3 * time.Second):
		t.Fatal("expected change signal after save")
	}
}
