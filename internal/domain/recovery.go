package domain

import "time"

type RecoveryState string

const (
	RecoveryHealthy   RecoveryState = "healthy"
	RecoveryDetecting RecoveryState = "detecting"
	RecoveryRepairing RecoveryState = "repairing"
	RecoveryTruncated RecoveryState = "truncated"
	RecoveryResuming  RecoveryState = "resuming"
)

// Recovering reports whether history is being rewritten in this state.
func (s RecoveryState) Recovering() bool {
	switch s {
	case RecoveryDetecting, RecoveryRepairing, RecoveryTruncated:
		return true
	default:
		return false
	}
}

type CorruptionKind string

const (
	CorruptionMissingToolResult CorruptionKind = "missing_tool_result"
	CorruptionReasoningOrder    CorruptionKind = "reasoning_order"
	CorruptionReasoningDisabled CorruptionKind = "reasoning_disabled"
	CorruptionUnknown           CorruptionKind = "unknown"
)

func (k CorruptionKind) Known() bool {
	switch k {
	case CorruptionMissingToolResult, CorruptionReasoningOrder, CorruptionReasoningDisabled:
		return true
	default:
		return false
	}
}

// CorruptionEvent is the host's "session error" notification.
type CorruptionEvent struct {
	SessionID string
	Model     string
	// Kind is an optional classification supplied by the host.
	Kind    string
	Message string
}

// RecoverySession tracks one session's recovery. Attempts counts recoveries
// since the session was last healthy.
type RecoverySession struct {
	SessionID              string
	State                  RecoveryState
	Kind                   CorruptionKind
	LastKnownGoodTurnIndex int
	PendingResume          bool
	Attempts               int
	UpdatedAt              time.Time
}

// InProgress reports whether a recovery is still running for the session.
// Once the resume prompt has been delivered the session only waits for the
// resumed turn, and a new corruption starts another recovery.
func (s RecoverySession) InProgress() bool {
	return s.State.Recovering() || (s.State == RecoveryResuming && !s.PendingResume)
}

type RecoveryOutcome struct {
	SessionID     string
	Kind          CorruptionKind
	Transitions   []RecoveryState
	Report        RepairReport
	Messages      []Message
	ResumeMessage *Message
	Coalesced     bool
	Skipped       bool
}

// FinalState is the last state the outcome moved through.
func (o RecoveryOutcome) FinalState() RecoveryState {
	if len(o.Transitions) == 0 {
		return RecoveryHealthy
	}
	return o.Transitions[len(o.Transitions)-1]
}

type HostEventType string

const (
	HostEventSessionError  HostEventType = "session.error"
	HostEventTurnCompleted HostEventType = "turn.completed"
)

// HostEvent is a notification delivered by the host runtime.
type HostEvent struct {
	Type      HostEventType
	SessionID string
	Error     *CorruptionEvent
}
