package application

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/bnema/turnguard/internal/domain"
)

func defaultRecoveryConfig() RecoveryConfig {
	return RecoveryConfig{SessionRecovery: true, AutoResume: true, ResumeText: "continue"}
}

func newCountingRecovery(cfg RecoveryConfig, conversations *inMemoryConversations, prompter *recordingPrompter, logger *zap.Logger) (*RecoveryService, *int) {
	service := NewRecoveryService(cfg, conversations, prompter, fixedClock{now: baseTime}, logger)
	calls := 0
	service.repair = func(messages []domain.Message) ([]domain.Message, domain.RepairReport) {
		calls++
		return domain.RepairToolPairing(messages)
	}
	return service, &calls
}

func danglingSession() []domain.Message {
	return []domain.Message{
		domain.TextMessage(domain.RoleUser, "list files"),
		{Role: domain.RoleAssistant, Blocks: []domain.Block{{Type: domain.BlockToolUse, ID: "tc-1", Name: "bash", Input: json.RawMessage(`{}`)}}},
	}
}

func TestRecoveryRepairsMissingToolResultAndResumes(t *testing.T) {
	t.Parallel()

	conversations := &inMemoryConversations{sessions: map[string][]domain.Message{"s1": danglingSession()}}
	prompter := &recordingPrompter{}
	service, repairs := newCountingRecovery(defaultRecoveryConfig(), conversations, prompter, nil)

	outcome, err := service.HandleCorruption(context.Background(), domain.CorruptionEvent{
		SessionID: "s1",
		Message:   "messages.1: tool_use ids were found without tool_result blocks immediately after: tc-1",
	})
	require.NoError(t, err)

	assert.Equal(t, domain.CorruptionMissingToolResult, outcome.Kind)
	assert.Equal(t, []domain.RecoveryState{domain.RecoveryDetecting, domain.RecoveryRepairing, domain.RecoveryResuming}, outcome.Transitions)
	assert.Equal(t, 1, *repairs)
	assert.Equal(t, 1, outcome.Report.Placeholders)

	stored, err := conversations.Messages(context.Background(), "s1")
	require.NoError(t, err)
	require.Len(t, stored, 3)
	assert.Equal(t, domain.Block{Type: domain.BlockToolResult, ToolUseID: "tc-1", Content: "Operation cancelled", IsError: true}, stored[2].Blocks[0])
	assert.Equal(t, stored, outcome.Messages)

	require.NotNil(t, outcome.ResumeMessage)
	assert.Equal(t, domain.TextMessage(domain.RoleUser, "continue"), *outcome.ResumeMessage)
	assert.Equal(t, 1, prompter.count())
	assert.Equal(t, domain.RecoveryResuming, service.State("s1"))

	assert.True(t, service.HandleTurnCompleted(context.Background(), "s1"))
	assert.Equal(t, domain.RecoveryHealthy, service.State("s1"))
	assert.False(t, service.HandleTurnCompleted(context.Background(), "s1"))
}

func TestRecoveryTruncatesOnReasoningOrderWithoutRepair(t *testing.T) {
	t.Parallel()

	history := []domain.Message{
		domain.TextMessage(domain.RoleUser, "first"),
		{Role: domain.RoleAssistant, Blocks: []domain.Block{{Type: domain.BlockThinking, Thinking: "keep", Signature: "sig"}, {Type: domain.BlockText, Text: "a0"}}},
	}
	turn := []domain.Message{
		domain.TextMessage(domain.RoleUser, "second"),
		{Role: domain.RoleAssistant, Blocks: []domain.Block{
			{Type: domain.BlockThinking, Thinking: "plan", Signature: "s1"},
			{Type: domain.BlockToolUse, ID: "t1", Name: "bash", Input: json.RawMessage(`{}`)},
		}},
	}
	conversations := &inMemoryConversations{sessions: map[string][]domain.Message{
		"s1": append(domain.CloneMessages(history), turn...),
	}}
	service, repairs := newCountingRecovery(defaultRecoveryConfig(), conversations, &recordingPrompter{}, nil)

	outcome, err := service.HandleCorruption(context.Background(), domain.CorruptionEvent{
		SessionID: "s1",
		Message:   `{"type":"error","error":{"type":"invalid_request_error","message":"messages.3.content.0.type: Expected ` + "`thinking`" + ` or ` + "`redacted_thinking`" + `, but found ` + "`tool_use`" + `."}}`,
	})
	require.NoError(t, err)

	assert.Equal(t, domain.CorruptionReasoningOrder, outcome.Kind)
	assert.Equal(t, []domain.RecoveryState{domain.RecoveryDetecting, domain.RecoveryTruncated, domain.RecoveryResuming}, outcome.Transitions)
	assert.Zero(t, *repairs)

	assert.Equal(t, history, outcome.Messages[:2])
	assert.Equal(t, []domain.Message{
		domain.TextMessage(domain.RoleUser, "second"),
		{Role: domain.RoleAssistant, Blocks: []domain.Block{{Type: domain.BlockToolUse, ID: "t1", Name: "bash", Input: json.RawMessage(`{}`)}}},
		{Role: domain.RoleUser, Blocks: []domain.Block{{Type: domain.BlockToolResult, ToolUseID: "t1", Content: domain.CancelledToolResult, IsError: true}}},
		domain.TextMessage(domain.RoleAssistant, domain.InterruptedTurnText),
	}, outcome.Messages[2:])

	session, ok := service.Session("s1")
	require.True(t, ok)
	assert.Equal(t, 0, session.LastKnownGoodTurnIndex)
	assert.True(t, session.PendingResume)
}

func TestRecoveryTruncatesUnknownErrors(t *testing.T) {
	t.Parallel()

	conversations := &inMemoryConversations{sessions: map[string][]domain.Message{"s1": danglingSession()}}
	service, repairs := newCountingRecovery(defaultRecoveryConfig(), conversations, &recordingPrompter{}, nil)

	outcome, err := service.HandleCorruption(context.Background(), domain.CorruptionEvent{SessionID: "s1", Message: "overloaded"})
	require.NoError(t, err)

	assert.Equal(t, domain.CorruptionUnknown, outcome.Kind)
	assert.Contains(t, outcome.Transitions, domain.RecoveryTruncated)
	assert.Zero(t, *repairs)
	assert.Empty(t, domain.ValidateToolPairing(outcome.Messages))
}

func TestRecoveryStripsReasoningWhenDisabled(t *testing.T) {
	t.Parallel()

	messages := []domain.Message{
		domain.TextMessage(domain.RoleUser, "one"),
		{Role: domain.RoleAssistant, Blocks: []domain.Block{{Type: domain.BlockThinking, Thinking: "old"}, {Type: domain.BlockText, Text: "a"}}},
		domain.TextMessage(domain.RoleUser, "two"),
		{Role: domain.RoleAssistant, Blocks: []domain.Block{{Type: domain.BlockThinking, Thinking: "new"}, {Type: domain.BlockText, Text: "b"}}},
	}
	conversations := &inMemoryConversations{sessions: map[string][]domain.Message{"s1": messages}}
	cfg := defaultRecoveryConfig()
	cfg.AutoResume = false
	prompter := &recordingPrompter{}
	service, _ := newCountingRecovery(cfg, conversations, prompter, nil)

	outcome, err := service.HandleCorruption(context.Background(), domain.CorruptionEvent{
		SessionID: "s1",
		Kind:      string(domain.CorruptionReasoningDisabled),
	})
	require.NoError(t, err)

	assert.Equal(t, []domain.RecoveryState{domain.RecoveryDetecting, domain.RecoveryRepairing, domain.RecoveryHealthy}, outcome.Transitions)
	assert.Equal(t, messages[1], outcome.Messages[1])
	assert.Equal(t, domain.TextMessage(domain.RoleAssistant, "b"), outcome.Messages[3])
	assert.Nil(t, outcome.ResumeMessage)
	assert.Zero(t, prompter.count())
	assert.Equal(t, domain.RecoveryHealthy, service.State("s1"))
}

func TestRecoverySkippedWhenDisabled(t *testing.T) {
	t.Parallel()

	conversations := &inMemoryConversations{sessions: map[string][]domain.Message{"s1": danglingSession()}}
	service, repairs := newCountingRecovery(RecoveryConfig{}, conversations, &recordingPrompter{}, nil)

	outcome, err := service.HandleCorruption(context.Background(), domain.CorruptionEvent{SessionID: "s1", Message: "tool_use without tool_result"})
	require.NoError(t, err)

	assert.True(t, outcome.Skipped)
	assert.Zero(t, *repairs)
	assert.Equal(t, danglingSession(), conversations.sessions["s1"])
}

func TestRecoveryCoalescesConcurrentErrors(t *testing.T) {
	t.Parallel()

	conversations := &inMemoryConversations{sessions: map[string][]domain.Message{"s1": danglingSession()}}
	prompter := &recordingPrompter{gate: make(chan struct{}), entered: make(chan struct{}, 1)}
	service, repairs := newCountingRecovery(defaultRecoveryConfig(), conversations, prompter, nil)
	event := domain.CorruptionEvent{SessionID: "s1", Message: "tool_use ids were found without tool_result blocks"}

	done := make(chan domain.RecoveryOutcome, 1)
	go func() {
		outcome, err := service.HandleCorruption(context.Background(), event)
		assert.NoError(t, err)
		done <- outcome
	}()

	select {
	case <-prompter.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("first recovery never reached resume")
	}

	second, err := service.HandleCorruption(context.Background(), event)
	require.NoError(t, err)
	assert.True(t, second.Coalesced)
	assert.Empty(t, second.Transitions)

	close(prompter.gate)
	first := <-done
	assert.False(t, first.Coalesced)
	assert.Equal(t, 1, *repairs)
	assert.Equal(t, 1, prompter.count())
}

func TestRecoveryRestartsWhenResumedTurnFailsAgain(t *testing.T) {
	t.Parallel()

	conversations := &inMemoryConversations{sessions: map[string][]domain.Message{"s1": danglingSession()}}
	prompter := &recordingPrompter{}
	service, _ := newCountingRecovery(defaultRecoveryConfig(), conversations, prompter, nil)

	_, err := service.HandleCorruption(context.Background(), domain.CorruptionEvent{SessionID: "s1", Kind: "missing_tool_result"})
	require.NoError(t, err)
	require.Equal(t, domain.RecoveryResuming, service.State("s1"))

	second, err := service.HandleCorruption(context.Background(), domain.CorruptionEvent{SessionID: "s1", Kind: "reasoning_order"})
	require.NoError(t, err)
	assert.False(t, second.Coalesced)
	assert.Equal(t, []domain.RecoveryState{domain.RecoveryDetecting, domain.RecoveryTruncated, domain.RecoveryResuming}, second.Transitions)
	assert.Equal(t, 2, prompter.count())

	session, ok := service.Session("s1")
	require.True(t, ok)
	assert.Equal(t, 2, session.Attempts)
	assert.Equal(t, domain.CorruptionReasoningOrder, session.Kind)

	assert.True(t, service.HandleTurnCompleted(context.Background(), "s1"))
	assert.Equal(t, domain.RecoveryHealthy, service.State("s1"))
}

func TestRecoveryGivesUpAfterRepeatedResumeFailures(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zapcore.WarnLevel)
	conversations := &inMemoryConversations{sessions: map[string][]domain.Message{"s1": danglingSession()}}
	prompter := &recordingPrompter{}
	service, _ := newCountingRecovery(defaultRecoveryConfig(), conversations, prompter, zap.New(core))
	event := domain.CorruptionEvent{SessionID: "s1", Kind: "reasoning_order"}

	for range maxRecoveryAttempts {
		outcome, err := service.HandleCorruption(context.Background(), event)
		require.NoError(t, err)
		require.False(t, outcome.Coalesced)
	}

	_, err := service.HandleCorruption(context.Background(), event)
	require.ErrorIs(t, err, domain.ErrRecoveryExhausted)
	assert.Equal(t, domain.RecoveryHealthy, service.State("s1"))
	assert.Equal(t, maxRecoveryAttempts, prompter.count())
	assert.Equal(t, 1, logs.FilterMessage("giving up on session recovery").Len())

	fresh, err := service.HandleCorruption(context.Background(), event)
	require.NoError(t, err)
	assert.Equal(t, domain.RecoveryResuming, fresh.FinalState())
}

func TestRecoveryLogsNuclearRemoval(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zapcore.InfoLevel)
	conversations := &inMemoryConversations{sessions: map[string][]domain.Message{"s1": {
		domain.TextMessage(domain.RoleUser, "go"),
		{Role: domain.RoleAssistant, Blocks: []domain.Block{{Type: domain.BlockToolUse, Name: "bash"}}},
		domain.TextMessage(domain.RoleUser, "next"),
	}}}
	service, _ := newCountingRecovery(defaultRecoveryConfig(), conversations, &recordingPrompter{}, zap.New(core))

	outcome, err := service.HandleCorruption(context.Background(), domain.CorruptionEvent{SessionID: "s1", Kind: "missing_tool_result"})
	require.NoError(t, err)

	assert.True(t, outcome.Report.UsedRemoval())
	nuclear := logs.FilterMessage("nuclear tool_use removal").All()
	require.Len(t, nuclear, 1)
	assert.Equal(t, zapcore.WarnLevel, nuclear[0].Level)
	assert.Equal(t, 3, logs.FilterMessage("recovery state transition").Len())
}

func TestRecoveryPromptFailureReturnsToHealthy(t *testing.T) {
	t.Parallel()

	conversations := &inMemoryConversations{sessions: map[string][]domain.Message{"s1": danglingSession()}}
	prompter := &recordingPrompter{err: errors.New("host gone")}
	service, _ := newCountingRecovery(defaultRecoveryConfig(), conversations, prompter, nil)

	_, err := service.HandleCorruption(context.Background(), domain.CorruptionEvent{SessionID: "s1", Kind: "missing_tool_result"})
	require.ErrorContains(t, err, "prompt resume")
	assert.Equal(t, domain.RecoveryHealthy, service.State("s1"))
}

func TestRecoveryRunDispatchesHostEvents(t *testing.T) {
	t.Parallel()

	conversations := &inMemoryConversations{sessions: map[string][]domain.Message{"s1": danglingSession()}}
	prompter := &recordingPrompter{}
	service, _ := newCountingRecovery(defaultRecoveryConfig(), conversations, prompter, nil)

	events := make(chan domain.HostEvent, 2)
	events <- domain.HostEvent{
		Type:      domain.HostEventSessionError,
		SessionID: "s1",
		Error:     &domain.CorruptionEvent{Message: "tool_use without tool_result"},
	}
	events <- domain.HostEvent{Type: domain.HostEventTurnCompleted, SessionID: "s1"}
	close(events)

	require.NoError(t, service.Run(context.Background(), events))
	assert.Equal(t, 1, prompter.count())
	assert.Equal(t, domain.RecoveryHealthy, service.State("s1"))
}

func TestRecoveryRunStopsOnCancel(t *testing.T) {
	t.Parallel()

	service, _ := newCountingRecovery(defaultRecoveryConfig(), &inMemoryConversations{}, &recordingPrompter{}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := service.Run(ctx, make(chan domain.HostEvent))
	require.ErrorIs(t, err, context.Canceled)
}

func TestClassifyCorruption(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		message string
		want    domain.CorruptionKind
	}{
		{name: "missing result", message: "tool_use ids were found without tool_result blocks immediately after", want: domain.CorruptionMissingToolResult},
		{name: "json payload", message: `{"error":{"message":"unexpected tool_use_id found in tool_result blocks"}}`, want: domain.CorruptionMissingToolResult},
		{name: "first block", message: "Expected thinking block to be the first block", want: domain.CorruptionReasoningOrder},
		{name: "must start with", message: "a final assistant message must start with a thinking block", want: domain.CorruptionReasoningOrder},
		{name: "disabled", message: "When thinking is disabled, an assistant message cannot contain thinking", want: domain.CorruptionReasoningDisabled},
		{name: "unrelated", message: "rate limit exceeded", want: domain.CorruptionUnknown},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tc.want, ClassifyCorruption(tc.message))
		})
	}
}
