package keyring

import (
	"context"
	"errors"
	"fmt"
	"strings"

	gokeyring "github.com/zalando/go-keyring"

	"github.com/bnema/turnguard/internal/domain"
	"github.com/bnema/turnguard/internal/ports"
)

// ServiceName is the keyring service every secret is filed under.
const ServiceName = "turnguard"

// Store keeps secrets in the OS keychain.
type Store struct {
	service string
}

var _ ports.SecretStore = (*Store)(nil)

func NewStore(service string) *Store {
	if strings.TrimSpace(service) == "" {
		service = ServiceName
	}
	return &Store{service: service}
}

func (s *Store) Put(ctx context.Context, key string, value string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if strings.TrimSpace(key) == "" {
		return errors.New("secret key is empty")
	}

	if err := gokeyring.Set(s.service, key, value); err != nil {
		return fmt.Errorf("keyring set %q: %w", key, err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, key string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	value, err := gokeyring.Get(s.service, key)
	if err != nil {
		if errors.Is(err, gokeyring.ErrNotFound) {
			return "", fmt.Errorf("keyring secret %q: %w", key, domain.ErrSecretNotFound)
		}
		return "", fmt.Errorf("keyring get %q: %w", key, err)
	}
	return value, nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	err := gokeyring.Delete(s.service, key)
	if err != nil && !errors.Is(err, gokeyring.ErrNotFound) {
		return fmt.Errorf("keyring delete %q: %w", key, err)
	}
	return nil
}
