package ports

import (
	"context"

	"github.com/bnema/turnguard/internal/domain"
)

type ConversationStore interface {
	Messages(ctx context.Context, sessionID string) ([]domain.Message, error)
	ReplaceMessages(ctx context.Context, sessionID string, messages []domain.Message) error
}

// ResumePrompter submits a synthetic user message so the agent continues.
type ResumePrompter interface {
	PromptResume(ctx context.Context, sessionID string, message domain.Message) error
}
