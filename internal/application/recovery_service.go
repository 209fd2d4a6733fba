package application

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/bnema/turnguard/internal/domain"
	"github.com/bnema/turnguard/internal/ports"
)

const maxRecoveryAttempts = 3

type RecoveryConfig struct {
	SessionRecovery bool
	AutoResume      bool
	ResumeText      string
}

// RecoveryService drives the per-session recovery state machine when the host
// reports that a conversation was rejected as corrupt.
type RecoveryService struct {
	cfg           RecoveryConfig
	conversations ports.ConversationStore
	prompter      ports.ResumePrompter
	clock         ports.Clock
	logger        *zap.Logger
	repair        func([]domain.Message) ([]domain.Message, domain.RepairReport)

	mu       sync.Mutex
	sessions map[string]*domain.RecoverySession
}

func NewRecoveryService(cfg RecoveryConfig, conversations ports.ConversationStore, prompter ports.ResumePrompter, clock ports.Clock, logger *zap.Logger) *RecoveryService {
	if clock == nil {
		clock = ports.SystemClock{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if strings.TrimSpace(cfg.ResumeText) == "" {
		cfg.ResumeText = "continue"
	}

	return &RecoveryService{
		cfg:           cfg,
		conversations: conversations,
		prompter:      prompter,
		clock:         clock,
		logger:        logger,
		repair:        domain.RepairToolPairing,
		sessions:      make(map[string]*domain.RecoverySession),
	}
}

// ClassifyCorruption maps a host error text, or a JSON error payload, to a
// corruption kind.
func ClassifyCorruption(message string) domain.CorruptionKind {
	text := message
	if gjson.Valid(message) {
		parsed := gjson.Parse(message)
		for _, path := range []string{"error.message", "message", "error"} {
			if value := parsed.Get(path); value.Type == gjson.String && value.String() != "" {
				text = value.String()
				break
			}
		}
	}
	text = strings.ToLower(text)

	switch {
	case strings.Contains(text, "tool_use") && strings.Contains(text, "tool_result"):
		return domain.CorruptionMissingToolResult
	case strings.Contains(text, "thinking is disabled") && strings.Contains(text, "cannot contain"):
		return domain.CorruptionReasoningDisabled
	case strings.Contains(text, "thinking") && (strings.Contains(text, "first block") ||
		strings.Contains(text, "must start with") ||
		strings.Contains(text, "preceeding") ||
		strings.Contains(text, "preceding") ||
		(strings.Contains(text, "expected") && strings.Contains(text, "found"))):
		return domain.CorruptionReasoningOrder
	default:
		return domain.CorruptionUnknown
	}
}

func (s *RecoveryService) State(sessionID string) domain.RecoveryState {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[sessionID]
	if !ok {
		return domain.RecoveryHealthy
	}
	return session.State
}

// Session returns a copy of the recovery record for sessionID.
func (s *RecoveryService) Session(sessionID string) (domain.RecoverySession, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[sessionID]
	if !ok {
		return domain.RecoverySession{}, false
	}
	return *session, true
}

// HandleCorruption repairs or truncates the session history and, when
// configured, asks the host to resume. A report that arrives while a recovery
// is still running is coalesced. A report against a resumed turn starts a new
// recovery, up to maxRecoveryAttempts in a row.
func (s *RecoveryService) HandleCorruption(ctx context.Context, event domain.CorruptionEvent) (domain.RecoveryOutcome, error) {
	outcome := domain.RecoveryOutcome{SessionID: event.SessionID}

	if !s.cfg.SessionRecovery {
		outcome.Skipped = true
		return outcome, nil
	}

	s.mu.Lock()
	existing, ok := s.sessions[event.SessionID]
	if ok && existing.InProgress() {
		s.mu.Unlock()
		outcome.Coalesced = true
		s.logger.Debug("recovery already in progress", zap.String("session_id", event.SessionID))
		return outcome, nil
	}
	attempts := 1
	if ok {
		attempts = existing.Attempts + 1
	}
	if attempts > maxRecoveryAttempts {
		delete(s.sessions, event.SessionID)
		s.mu.Unlock()
		s.logger.Warn("giving up on session recovery",
			zap.String("session_id", event.SessionID),
			zap.Int("attempts", attempts-1),
		)
		return outcome, fmt.Errorf("recover session %s: %w", event.SessionID, domain.ErrRecoveryExhausted)
	}
	session := &domain.RecoverySession{SessionID: event.SessionID, Attempts: attempts}
	s.sessions[event.SessionID] = session
	s.mu.Unlock()

	if ok {
		s.logger.Info("resumed turn failed; recovering again",
			zap.String("session_id", event.SessionID),
			zap.Int("attempt", attempts),
		)
	}

	kind := domain.CorruptionKind(strings.TrimSpace(event.Kind))
	if !kind.Known() {
		kind = ClassifyCorruption(event.Message)
	}
	outcome.Kind = kind
	s.transition(session, &outcome, domain.RecoveryDetecting)

	result, err := s.recover(ctx, session, &outcome)
	if err != nil {
		s.reset(session)
		return outcome, err
	}
	outcome.Messages = result

	if !s.cfg.AutoResume {
		s.transition(session, &outcome, domain.RecoveryHealthy)
		s.reset(session)
		return outcome, nil
	}

	resume := domain.TextMessage(domain.RoleUser, s.cfg.ResumeText)
	s.transition(session, &outcome, domain.RecoveryResuming)

	if err := s.prompter.PromptResume(ctx, event.SessionID, resume); err != nil {
		s.reset(session)
		return outcome, fmt.Errorf("prompt resume: %w", err)
	}
	s.mu.Lock()
	session.PendingResume = true
	s.mu.Unlock()
	outcome.ResumeMessage = &resume

	return outcome, nil
}

func (s *RecoveryService) recover(ctx context.Context, session *domain.RecoverySession, outcome *domain.RecoveryOutcome) ([]domain.Message, error) {
	messages, err := s.conversations.Messages(ctx, session.SessionID)
	if err != nil {
		return nil, fmt.Errorf("load session messages: %w", err)
	}

	turns := domain.SplitTurns(messages)
	lastTurn := 0
	if len(turns) > 0 {
		lastTurn = turns[len(turns)-1]
	}

	s.mu.Lock()
	session.Kind = outcome.Kind
	s.mu.Unlock()

	var result []domain.Message
	truncate := false

	switch outcome.Kind {
	case domain.CorruptionMissingToolResult:
		s.transition(session, outcome, domain.RecoveryRepairing)
		repaired, report := s.repair(messages)
		outcome.Report = report
		s.logRepair(session.SessionID, report)
		if report.Unresolved {
			truncate = true
		} else {
			result = repaired
		}
	case domain.CorruptionReasoningDisabled:
		s.transition(session, outcome, domain.RecoveryRepairing)
		stripped, removed := domain.StripReasoning(messages, lastTurn)
		s.logger.Info("stripped reasoning from last turn",
			zap.String("session_id", session.SessionID),
			zap.Int("removed_blocks", removed),
		)
		result = stripped
	default:
		truncate = true
	}

	if truncate {
		s.transition(session, outcome, domain.RecoveryTruncated)
		closed, report := domain.CloseTurn(messages, lastTurn)
		outcome.Report = report
		s.logRepair(session.SessionID, report)

		s.mu.Lock()
		session.LastKnownGoodTurnIndex = len(turns) - 2
		s.mu.Unlock()

		result = closed
	}

	if err := s.conversations.ReplaceMessages(ctx, session.SessionID, result); err != nil {
		return nil, fmt.Errorf("replace session messages: %w", err)
	}

	return result, nil
}

// HandleTurnCompleted closes a pending resume. It reports whether the session
// was resuming.
func (s *RecoveryService) HandleTurnCompleted(_ context.Context, sessionID string) bool {
	s.mu.Lock()
	session, ok := s.sessions[sessionID]
	if !ok || session.State != domain.RecoveryResuming {
		s.mu.Unlock()
		return false
	}
	delete(s.sessions, sessionID)
	s.mu.Unlock()

	s.logger.Info("recovery state transition",
		zap.String("session_id", sessionID),
		zap.String("from", string(domain.RecoveryResuming)),
		zap.String("to", string(domain.RecoveryHealthy)),
	)
	return true
}

// Run consumes host events until the channel closes or ctx is done.
func (s *RecoveryService) Run(ctx context.Context, events <-chan domain.HostEvent) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-events:
			if !ok {
				return nil
			}
			s.dispatch(ctx, event)
		}
	}
}

func (s *RecoveryService) dispatch(ctx context.Context, event domain.HostEvent) {
	switch event.Type {
	case domain.HostEventSessionError:
		if event.Error == nil {
			return
		}
		corruption := *event.Error
		if corruption.SessionID == "" {
			corruption.SessionID = event.SessionID
		}
		if _, err := s.HandleCorruption(ctx, corruption); err != nil {
			s.logger.Warn("session recovery failed", zap.String("session_id", corruption.SessionID), zap.Error(err))
		}
	case domain.HostEventTurnCompleted:
		s.HandleTurnCompleted(ctx, event.SessionID)
	}
}

func (s *RecoveryService) transition(session *domain.RecoverySession, outcome *domain.RecoveryOutcome, next domain.RecoveryState) {
	s.mu.Lock()
	previous := session.State
	session.State = next
	session.UpdatedAt = s.clock.Now()
	s.mu.Unlock()

	if previous == "" {
		previous = domain.RecoveryHealthy
	}
	outcome.Transitions = append(outcome.Transitions, next)

	s.logger.Info("recovery state transition",
		zap.String("session_id", session.SessionID),
		zap.String("from", string(previous)),
		zap.String("to", string(next)),
		zap.String("kind", string(outcome.Kind)),
	)
}

func (s *RecoveryService) reset(session *domain.RecoverySession) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if current, ok := s.sessions[session.SessionID]; ok && current == session {
		delete(s.sessions, session.SessionID)
	}
}

func (s *RecoveryService) logRepair(sessionID string, report domain.RepairReport) {
	if reconciled := report.InsertedMessages + report.Relocated + report.Reassigned + report.Unknown + report.Reordered; reconciled > 0 {
		s.logger.Info("tool pairing reconciled",
			zap.String("session_id", sessionID),
			zap.Int("inserted_messages", report.InsertedMessages),
			zap.Int("relocated", report.Relocated),
			zap.Int("reassigned", report.Reassigned),
			zap.Int("unknown", report.Unknown),
			zap.Int("reordered", report.Reordered),
		)
	}
	if report.Placeholders > 0 {
		s.logger.Info("injected placeholder tool results",
			zap.String("session_id", sessionID),
			zap.Int("placeholders", report.Placeholders),
		)
	}
	if report.UsedRemoval() {
		s.logger.Warn("nuclear tool_use removal",
			zap.String("session_id", sessionID),
			zap.Int("removed_tool_uses", report.RemovedToolUses),
			zap.Int("removed_tool_results", report.RemovedToolResults),
		)
	}
	if report.Unresolved {
		s.logger.Warn("tool pairing still invalid after repair",
			zap.String("session_id", sessionID),
			zap.Int("violations", len(report.Violations)),
		)
	}
}
