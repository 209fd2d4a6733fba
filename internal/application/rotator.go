package application

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/bnema/turnguard/internal/domain"
	"github.com/bnema/turnguard/internal/ports"
)

const currentCredentialStoreVersion = 3

// Rotator owns the in-memory credential store and persists every change.
type Rotator struct {
	repo   ports.CredentialRepository
	clock  ports.Clock
	logger *zap.Logger

	mu    sync.Mutex
	store domain.CredentialStore
}

func NewRotator(repo ports.CredentialRepository, clock ports.Clock, logger *zap.Logger) *Rotator {
	if clock == nil {
		clock = ports.SystemClock{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Rotator{
		repo:   repo,
		clock:  clock,
		logger: logger,
		store:  emptyCredentialStore(),
	}
}

func emptyCredentialStore() domain.CredentialStore {
	return domain.CredentialStore{
		Version:             currentCredentialStoreVersion,
		ActiveIndexByFamily: map[domain.Family]int{},
	}
}

// Load reads the persisted store. Any failure other than cancellation leaves
// the rotator with an empty store.
func (r *Rotator) Load(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	store, err := r.repo.Load(ctx)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if errors.Is(err, domain.ErrStoreNotFound) {
			r.logger.Debug("no credential store yet; starting empty")
		} else {
			r.logger.Warn("credential store unavailable; starting empty", zap.Error(err))
		}
		store = emptyCredentialStore()
	}
	if store.ActiveIndexByFamily == nil {
		store.ActiveIndexByFamily = map[domain.Family]int{}
	}
	store.Clamp()

	r.mu.Lock()
	r.store = store
	r.mu.Unlock()

	r.logger.Debug("credential store loaded", zap.Int("credentials", len(store.Credentials)))
	return nil
}

// Reload picks up a store rewritten by another process.
func (r *Rotator) Reload(ctx context.Context) error {
	r.logger.Info("reloading credential store")
	return r.Load(ctx)
}

// Follow reloads the store on every value received from changes until ctx is
// done or changes is closed.
func (r *Rotator) Follow(ctx context.Context, changes <-chan struct{}) *BackgroundTask {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	go func() {
		defer close(done)
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-changes:
				if !ok {
					return
				}
				if err := r.Reload(ctx); err != nil && ctx.Err() == nil {
					r.logger.Warn("credential store reload failed", zap.Error(err))
				}
			}
		}
	}()

	return &BackgroundTask{cancel: cancel, done: done}
}

func (r *Rotator) List() []domain.Credential {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]domain.Credential, len(r.store.Credentials))
	for i, credential := range r.store.Credentials {
		out[i] = cloneCredential(credential)
	}
	return out
}

// Snapshot returns a copy of the whole store.
func (r *Rotator) Snapshot() domain.CredentialStore {
	r.mu.Lock()
	defer r.mu.Unlock()
	return cloneStore(r.store)
}

func (r *Rotator) Add(ctx context.Context, credential domain.Credential) error {
	if err := credential.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.store.IndexOf(credential.Email) >= 0 {
		return fmt.Errorf("add %s: %w", credential.Email, domain.ErrCredentialExists)
	}
	if credential.AddedAt.IsZero() {
		credential.AddedAt = r.clock.Now()
	}
	if credential.RateLimitResetTimes == nil {
		credential.RateLimitResetTimes = map[domain.Family]time.Time{}
	}

	next := cloneStore(r.store)
	next.Credentials = append(next.Credentials, credential)
	return r.commitLocked(ctx, next)
}

func (r *Rotator) Remove(ctx context.Context, email string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	index := r.store.IndexOf(email)
	if index < 0 {
		return fmt.Errorf("remove %s: %w", email, domain.ErrCredentialNotFound)
	}

	next := cloneStore(r.store)
	next.Credentials = append(next.Credentials[:index], next.Credentials[index+1:]...)
	if next.ActiveIndex > index {
		next.ActiveIndex--
	}
	for family, active := range next.ActiveIndexByFamily {
		if active > index {
			next.ActiveIndexByFamily[family] = active - 1
		}
	}
	next.Clamp()

	r.applyLocked(ctx, next)
	return nil
}

// Select picks the least recently used credential eligible for family and
// marks it active for that family.
func (r *Rotator) Select(ctx context.Context, family domain.Family) (domain.Credential, error) {
	now := r.clock.Now()

	r.mu.Lock()
	defer r.mu.Unlock()

	index, err := r.store.SelectLeastRecentlyUsed(family, now)
	if err != nil {
		var exhausted *domain.ExhaustedError
		if errors.As(err, &exhausted) {
			r.logger.Warn("all credentials rate limited",
				zap.String("family", string(family)),
				zap.Time("reset_at", exhausted.ResetAt),
			)
		}
		return domain.Credential{}, err
	}

	next := cloneStore(r.store)
	previous, had := next.ActiveIndexByFamily[family]
	selected := &next.Credentials[index]
	switch {
	case !had:
		selected.LastSwitchReason = domain.SwitchReasonInitial
	case previous != index:
		selected.LastSwitchReason = domain.SwitchReasonRotation
	}
	selected.LastUsed = now
	next.ActiveIndexByFamily[family] = index
	next.ActiveIndex = index

	r.applyLocked(ctx, next)
	return cloneCredential(r.store.Credentials[index]), nil
}

// MarkRateLimited records a rate limit for one family of one credential and
// moves the family's active index to the next eligible credential. A limit
// that is already in force is not overwritten.
func (r *Rotator) MarkRateLimited(ctx context.Context, email string, family domain.Family, resetAt time.Time) error {
	now := r.clock.Now()

	r.mu.Lock()
	defer r.mu.Unlock()

	index := r.store.IndexOf(email)
	if index < 0 {
		return fmt.Errorf("mark rate limited %s: %w", email, domain.ErrCredentialNotFound)
	}
	if !r.store.Credentials[index].EligibleFor(family, now) {
		r.logger.Debug("rate limit already recorded",
			zap.String("email", email),
			zap.String("family", string(family)),
		)
		return nil
	}

	next := cloneStore(r.store)
	limited := &next.Credentials[index]
	if limited.RateLimitResetTimes == nil {
		limited.RateLimitResetTimes = map[domain.Family]time.Time{}
	}
	limited.RateLimitResetTimes[family] = resetAt

	if active, ok := next.ActiveIndexByFamily[family]; !ok || active == index {
		candidate := next.NextEligibleAfter(index, family, now)
		if candidate < 0 {
			r.logger.Warn("all credentials rate limited",
				zap.String("family", string(family)),
				zap.Time("reset_at", next.EarliestReset(family, now)),
			)
		} else {
			next.ActiveIndexByFamily[family] = candidate
			next.ActiveIndex = candidate
			next.Credentials[candidate].LastSwitchReason = domain.SwitchReasonRateLimit
			r.logger.Info("rotated credential after rate limit",
				zap.String("family", string(family)),
				zap.String("from", email),
				zap.String("to", next.Credentials[candidate].Email),
				zap.Time("reset_at", resetAt),
			)
		}
	}

	r.applyLocked(ctx, next)
	return nil
}

// Active returns the credential currently active for family, if any.
func (r *Rotator) Active(family domain.Family) (domain.Credential, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	index, ok := r.store.ActiveIndexByFamily[family]
	if !ok || index < 0 || index >= len(r.store.Credentials) {
		return domain.Credential{}, false
	}
	return cloneCredential(r.store.Credentials[index]), true
}

func (r *Rotator) commitLocked(ctx context.Context, next domain.CredentialStore) error {
	next.Version = currentCredentialStoreVersion
	if err := r.repo.Save(ctx, next); err != nil {
		return fmt.Errorf("save credential store: %w", err)
	}
	r.store = next
	return nil
}

// applyLocked keeps a rotation decision in memory even when the write fails;
// the next successful save carries it to disk.
func (r *Rotator) applyLocked(ctx context.Context, next domain.CredentialStore) {
	next.Version = currentCredentialStoreVersion
	r.store = next
	if err := r.repo.Save(ctx, next); err != nil {
		r.logger.Warn("persist credential store failed", zap.Error(err))
	}
}

func cloneStore(store domain.CredentialStore) domain.CredentialStore {
	out := store
	out.Credentials = make([]domain.Credential, len(store.Credentials))
	for i, credential := range store.Credentials {
		out.Credentials[i] = cloneCredential(credential)
	}
	out.ActiveIndexByFamily = make(map[domain.Family]int, len(store.ActiveIndexByFamily))
	for family, index := range store.ActiveIndexByFamily {
		out.ActiveIndexByFamily[family] = index
	}
	return out
}

func cloneCredential(credential domain.Credential) domain.Credential {
	out := credential
	if credential.RateLimitResetTimes != nil {
		out.RateLimitResetTimes = make(map[domain.Family]time.Time, len(credential.RateLimitResetTimes))
		for family, reset := range credential.RateLimitResetTimes {
			out.RateLimitResetTimes[family] = reset
		}
	}
	return out
}
