package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/bnema/turnguard/internal/domain"
	"github.com/bnema/turnguard/internal/ports"
)

var ErrSessionNotFound = errors.New("session not found")

// Store holds the history of every session the host has reported.
type Store struct {
	mu       sync.RWMutex
	sessions map[string][]domain.Message
}

var _ ports.ConversationStore = (*Store)(nil)

func NewStore() *Store {
	return &Store{sessions: make(map[string][]domain.Message)}
}

func (s *Store) Append(ctx context.Context, sessionID string, messages ...domain.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if sessionID == "" {
		return errors.New("session id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.sessions[sessionID] = append(s.sessions[sessionID], domain.CloneMessages(messages)...)
	return nil
}

func (s *Store) Messages(ctx context.Context, sessionID string) ([]domain.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	messages, ok := s.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("session %q: %w", sessionID, ErrSessionNotFound)
	}
	return domain.CloneMessages(messages), nil
}

func (s *Store) ReplaceMessages(ctx context.Context, sessionID string, messages []domain.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[sessionID]; !ok {
		return fmt.Errorf("session %q: %w", sessionID, ErrSessionNotFound)
	}
	s.sessions[sessionID] = domain.CloneMessages(messages)
	return nil
}

func (s *Store) Forget(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sessionID)
}

// Sessions lists known session ids in sorted order.
func (s *Store) Sessions() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.sessions))
	for id := range s.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
