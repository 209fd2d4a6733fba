package ports

import (
	"context"

	"github.com/bnema/turnguard/internal/domain"
)

type CredentialRepository interface {
	Load(ctx context.Context) (domain.CredentialStore, error)
	Save(ctx context.Context, store domain.CredentialStore) error
	Clear(ctx context.Context) error
}

// TokenRefresher exchanges a credential's refresh token for an access token.
type TokenRefresher interface {
	Refresh(ctx context.Context, credential domain.Credential) (domain.AccessToken, error)
}
