package application

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"github.com/bnema/turnguard/internal/domain"
	"github.com/bnema/turnguard/internal/ports"
)

const defaultRenewTimeout = 30 * time.Second

type RefreshQueueConfig struct {
	// Window is how long before expiry a token is renewed.
	Window   time.Duration
	Interval time.Duration
}

type CredentialLister interface {
	List() []domain.Credential
}

// RefreshQueue renews access tokens ahead of expiry. Renewals are coalesced
// per credential and run one at a time.
type RefreshQueue struct {
	cfg       RefreshQueueConfig
	source    CredentialLister
	refresher ports.TokenRefresher
	secrets   ports.SecretStore
	clock     ports.Clock
	logger    *zap.Logger

	group    singleflight.Group
	sem      *semaphore.Weighted
	inflight sync.WaitGroup

	mu     sync.Mutex
	tokens map[string]domain.AccessToken
}

func NewRefreshQueue(cfg RefreshQueueConfig, source CredentialLister, refresher ports.TokenRefresher, secrets ports.SecretStore, clock ports.Clock, logger *zap.Logger) *RefreshQueue {
	if clock == nil {
		clock = ports.SystemClock{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &RefreshQueue{
		cfg:       cfg,
		source:    source,
		refresher: refresher,
		secrets:   secrets,
		clock:     clock,
		logger:    logger,
		sem:       semaphore.NewWeighted(1),
		tokens:    make(map[string]domain.AccessToken),
	}
}

// AccessTokenSecretKey is where a credential's access token is persisted.
func AccessTokenSecretKey(email string) string {
	return "turnguard/" + strings.ToLower(strings.TrimSpace(email)) + "/access_token"
}

// Start scans immediately and then on every interval.
func (q *RefreshQueue) Start(ctx context.Context) *BackgroundTask {
	q.Scan(ctx)
	return startTicking(ctx, q.logger, tick{
		name:     "refresh-queue",
		interval: q.cfg.Interval,
		run:      func(ctx context.Context) { q.Scan(ctx) },
	})
}

// Scan renews every token that is missing or inside the refresh window and
// returns how many renewals succeeded.
func (q *RefreshQueue) Scan(ctx context.Context) int {
	now := q.clock.Now()
	renewed := 0

	for _, credential := range q.source.List() {
		if ctx.Err() != nil {
			break
		}
		token, ok := q.cached(ctx, credential.Email)
		if ok && !token.ExpiresWithin(now, q.cfg.Window) {
			continue
		}
		if _, err := q.renew(ctx, credential); err != nil {
			q.logger.Warn("access token renewal failed", zap.String("email", credential.Email), zap.Error(err))
			continue
		}
		renewed++
	}

	return renewed
}

// Token returns a usable access token. A valid cached token is returned at
// once; renewal errors surface only when no valid token exists.
func (q *RefreshQueue) Token(ctx context.Context, credential domain.Credential) (domain.AccessToken, error) {
	now := q.clock.Now()

	if token, ok := q.cached(ctx, credential.Email); ok && token.Valid(now) {
		if token.ExpiresWithin(now, q.cfg.Window) {
			q.enqueue(credential)
		}
		return token, nil
	}

	token, err := q.renew(ctx, credential)
	if err != nil {
		return domain.AccessToken{}, fmt.Errorf("%w: %w", domain.ErrTokenExpired, err)
	}
	return token, nil
}

// Wait blocks until background renewals started by Token have finished.
func (q *RefreshQueue) Wait() {
	q.inflight.Wait()
}

func (q *RefreshQueue) enqueue(credential domain.Credential) {
	q.inflight.Add(1)
	go func() {
		defer q.inflight.Done()

		ctx, cancel := context.WithTimeout(context.Background(), defaultRenewTimeout)
		defer cancel()

		if _, err := q.renew(ctx, credential); err != nil {
			q.logger.Warn("background access token renewal failed", zap.String("email", credential.Email), zap.Error(err))
		}
	}()
}

// renew shares one refresh per credential. The refresh runs detached from the
// caller that started it, so a cancelled request only abandons its own wait.
func (q *RefreshQueue) renew(ctx context.Context, credential domain.Credential) (domain.AccessToken, error) {
	key := strings.ToLower(credential.Email)
	detached := context.WithoutCancel(ctx)

	results := q.group.DoChan(key, func() (any, error) {
		renewCtx, cancel := context.WithTimeout(detached, defaultRenewTimeout)
		defer cancel()

		if err := q.sem.Acquire(renewCtx, 1); err != nil {
			return domain.AccessToken{}, err
		}
		defer q.sem.Release(1)

		token, err := q.refresher.Refresh(renewCtx, credential)
		if err != nil {
			return domain.AccessToken{}, err
		}

		q.mu.Lock()
		q.tokens[key] = token
		q.mu.Unlock()

		q.persist(renewCtx, credential.Email, token)
		q.logger.Debug("access token renewed", zap.String("email", credential.Email), zap.Time("expires_at", token.ExpiresAt))
		return token, nil
	})

	select {
	case <-ctx.Done():
		return domain.AccessToken{}, fmt.Errorf("renew access token for %s: %w", credential.Email, ctx.Err())
	case result := <-results:
		if result.Err != nil {
			return domain.AccessToken{}, fmt.Errorf("renew access token for %s: %w", credential.Email, result.Err)
		}
		if result.Shared {
			q.logger.Debug("joined in-flight renewal", zap.String("email", credential.Email))
		}
		return result.Val.(domain.AccessToken), nil
	}
}

type persistedToken struct {
	AccessToken string    `json:"access_token"`
	ExpiresAt   time.Time `json:"expires_at"`
}

func (q *RefreshQueue) cached(ctx context.Context, email string) (domain.AccessToken, bool) {
	key := strings.ToLower(email)

	q.mu.Lock()
	token, ok := q.tokens[key]
	q.mu.Unlock()
	if ok {
		return token, true
	}
	if q.secrets == nil {
		return domain.AccessToken{}, false
	}

	raw, err := q.secrets.Get(ctx, AccessTokenSecretKey(email))
	if err != nil {
		if !errors.Is(err, domain.ErrSecretNotFound) {
			q.logger.Warn("read persisted access token", zap.String("email", email), zap.Error(err))
		}
		return domain.AccessToken{}, false
	}

	var stored persistedToken
	if err := json.Unmarshal([]byte(raw), &stored); err != nil || stored.AccessToken == "" {
		q.logger.Warn("discarding unreadable persisted access token", zap.String("email", email))
		return domain.AccessToken{}, false
	}

	token = domain.AccessToken{Value: stored.AccessToken, ExpiresAt: stored.ExpiresAt}
	q.mu.Lock()
	q.tokens[key] = token
	q.mu.Unlock()
	return token, true
}

func (q *RefreshQueue) persist(ctx context.Context, email string, token domain.AccessToken) {
	if q.secrets == nil {
		return
	}
	raw, err := json.Marshal(persistedToken{AccessToken: token.Value, ExpiresAt: token.ExpiresAt})
	if err != nil {
		return
	}
	if err := q.secrets.Put(ctx, AccessTokenSecretKey(email), string(raw)); err != nil {
		q.logger.Warn("persist access token", zap.String("email", email), zap.Error(err))
	}
}

// Forget drops the cached token for email from memory and the secret store.
func (q *RefreshQueue) Forget(ctx context.Context, email string) error {
	q.mu.Lock()
	delete(q.tokens, strings.ToLower(email))
	q.mu.Unlock()

	if q.secrets == nil {
		return nil
	}
	if err := q.secrets.Delete(ctx, AccessTokenSecretKey(email)); err != nil && !errors.Is(err, domain.ErrSecretNotFound) {
		return fmt.Errorf("delete access token: %w", err)
	}
	return nil
}
