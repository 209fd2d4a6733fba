package ndjson

import (
	"time"

	"github.com/bnema/turnguard/internal/domain"
)

// Inbound event types.
const (
	EventMessage       = "message"
	EventSessionError  = string(domain.HostEventSessionError)
	EventTurnCompleted = string(domain.HostEventTurnCompleted)
	EventSignature     = "signature"
	EventVerify        = "verify"
	EventAuthorize     = "authorize"
	EventRateLimit     = "rate_limit"
)

// Outbound line types.
const (
	OutResume          = "resume"
	OutHistoryReplaced = "history.replaced"
	OutVerdict         = "verdict"
	OutAuthorization   = "authorization"
	OutAck             = "ack"
	OutError           = "error"
)

type resumeLine struct {
	Type      string         `json:"type"`
	SessionID string         `json:"session_id"`
	Message   domain.Message `json:"message"`
}

type historyLine struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	Messages  any    `json:"messages"`
}

type verdictLine struct {
	Type      string `json:"type"`
	ID        string `json:"id,omitempty"`
	SessionID string `json:"session_id"`
	Model     string `json:"model"`
	Valid     bool   `json:"valid"`
}

type authorizationLine struct {
	Type          string    `json:"type"`
	ID            string    `json:"id,omitempty"`
	Email         string    `json:"email"`
	Family        string    `json:"family"`
	Authorization string    `json:"authorization"`
	ProjectID     string    `json:"project_id,omitempty"`
	ExpiresAt     time.Time `json:"expires_at"`
}

type ackLine struct {
	Type  string `json:"type"`
	ID    string `json:"id,omitempty"`
	Event string `json:"event"`
}

type errorLine struct {
	Type              string `json:"type"`
	ID                string `json:"id,omitempty"`
	Event             string `json:"event,omitempty"`
	Error             string `json:"error"`
	RetryAfterSeconds int64  `json:"retry_after_seconds,omitempty"`
}
