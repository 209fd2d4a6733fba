package ports

import (
	"context"

	"github.com/bnema/turnguard/internal/domain"
)

// SignatureSnapshotStore persists the signature cache between processes.
// Save merges the snapshot with whatever is already on disk; memory wins.
type SignatureSnapshotStore interface {
	Load(ctx context.Context) (domain.CacheSnapshot, error)
	Save(ctx context.Context, snapshot domain.CacheSnapshot) error
}
