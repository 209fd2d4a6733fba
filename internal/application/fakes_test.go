package application

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bnema/turnguard/internal/domain"
)

type fixedClock struct {
	now time.Time
}

func (f fixedClock) Now() time.Time {
	return f.now
}

type mutableClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *mutableClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *mutableClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

var baseTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type inMemoryCredentialRepo struct {
	mu      sync.Mutex
	store   *domain.CredentialStore
	loadErr error
	saveErr error
	saves   int
}

func (r *inMemoryCredentialRepo) Load(_ context.Context) (domain.CredentialStore, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.loadErr != nil {
		return domain.CredentialStore{}, r.loadErr
	}
	if r.store == nil {
		return domain.CredentialStore{}, domain.ErrStoreNotFound
	}
	return cloneStore(*r.store), nil
}

func (r *inMemoryCredentialRepo) Save(_ context.Context, store domain.CredentialStore) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.saveErr != nil {
		return r.saveErr
	}
	saved := cloneStore(store)
	r.store = &saved
	r.saves++
	return nil
}

func (r *inMemoryCredentialRepo) Clear(_ context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.store = nil
	return nil
}

type inMemorySnapshotStore struct {
	mu       sync.Mutex
	snapshot *domain.CacheSnapshot
	saveErr  error
	saves    int
}

func (s *inMemorySnapshotStore) Load(_ context.Context) (domain.CacheSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.snapshot == nil {
		return domain.CacheSnapshot{}, errors.New("no snapshot")
	}
	return *s.snapshot, nil
}

func (s *inMemorySnapshotStore) Save(_ context.Context, snapshot domain.CacheSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saveErr != nil {
		return s.saveErr
	}
	s.snapshot = &snapshot
	s.saves++
	return nil
}

type inMemorySecretStore struct {
	mu      sync.Mutex
	secrets map[string]string
}

func (s *inMemorySecretStore) Get(_ context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	value, ok := s.secrets[key]
	if !ok {
		return "", domain.ErrSecretNotFound
	}
	return value, nil
}

func (s *inMemorySecretStore) Put(_ context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.secrets == nil {
		s.secrets = map[string]string{}
	}
	s.secrets[key] = value
	return nil
}

func (s *inMemorySecretStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.secrets[key]; !ok {
		return domain.ErrSecretNotFound
	}
	delete(s.secrets, key)
	return nil
}

type stubRefresher struct {
	calls   atomic.Int32
	ttl     time.Duration
	clock   interface{ Now() time.Time }
	err     error
	release chan struct{}
}

func (r *stubRefresher) Refresh(ctx context.Context, credential domain.Credential) (domain.AccessToken, error) {
	n := r.calls.Add(1)
	if r.release != nil {
		select {
		case <-r.release:
		case <-ctx.Done():
			return domain.AccessToken{}, ctx.Err()
		}
	}
	if r.err != nil {
		return domain.AccessToken{}, r.err
	}
	return domain.AccessToken{
		Value:     credential.Email + "-token-" + string(rune('0'+n)),
		ExpiresAt: r.clock.Now().Add(r.ttl),
	}, nil
}

type inMemoryConversations struct {
	mu       sync.Mutex
	sessions map[string][]domain.Message
}

func (c *inMemoryConversations) Messages(_ context.Context, sessionID string) ([]domain.Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return domain.CloneMessages(c.sessions[sessionID]), nil
}

func (c *inMemoryConversations) ReplaceMessages(_ context.Context, sessionID string, messages []domain.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sessions == nil {
		c.sessions = map[string][]domain.Message{}
	}
	c.sessions[sessionID] = domain.CloneMessages(messages)
	return nil
}

type recordingPrompter struct {
	mu      sync.Mutex
	prompts []domain.Message
	err     error
	// gate blocks PromptResume until closed when set.
	gate    chan struct{}
	entered chan struct{}
}

func (p *recordingPrompter) PromptResume(_ context.Context, _ string, message domain.Message) error {
	if p.entered != nil {
		p.entered <- struct{}{}
	}
	if p.gate != nil {
		<-p.gate
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.prompts = append(p.prompts, message)
	return p.err
}

func (p *recordingPrompter) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.prompts)
}
