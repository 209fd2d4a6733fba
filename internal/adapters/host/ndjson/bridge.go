// Package ndjson connects a host agent to the recovery engine over newline
// delimited JSON on a pair of streams.
package ndjson

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	nativeadapter "github.com/bnema/turnguard/internal/adapters/anthropic"
	"github.com/bnema/turnguard/internal/adapters/conversation/memory"
	"github.com/bnema/turnguard/internal/domain"
	"github.com/bnema/turnguard/internal/ports"
)

const maxLineBytes = 16 << 20

type SignatureCache interface {
	Store(key, signature string)
	StoreThinking(key, text, signature string, toolIDs []string)
	Verify(key, signature string) bool
}

type Authorizer interface {
	Authorize(ctx context.Context, family domain.Family) (domain.Authorization, error)
	ReportRateLimit(ctx context.Context, email string, family domain.Family, retryAfter time.Duration) error
}

type Options struct {
	Sessions   *memory.Store
	Cache      SignatureCache
	Authorizer Authorizer
	Clock      ports.Clock
	Logger     *zap.Logger
	// EventBuffer sizes the channel feeding the recovery state machine.
	EventBuffer int
}

// Bridge reads host events from one stream and writes replies to another.
// Recovery events are forwarded on Events; the bridge is also the resume
// prompter and the conversation store the recovery service writes through.
type Bridge struct {
	sessions   *memory.Store
	cache      SignatureCache
	authorizer Authorizer
	clock      ports.Clock
	logger     *zap.Logger

	events chan domain.HostEvent

	outMu sync.Mutex
	enc   *json.Encoder
}

var (
	_ ports.ResumePrompter    = (*Bridge)(nil)
	_ ports.ConversationStore = (*Bridge)(nil)
)

func NewBridge(out io.Writer, opts Options) *Bridge {
	if opts.Clock == nil {
		opts.Clock = ports.SystemClock{}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Sessions == nil {
		opts.Sessions = memory.NewStore()
	}
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = 16
	}

	return &Bridge{
		sessions:   opts.Sessions,
		cache:      opts.Cache,
		authorizer: opts.Authorizer,
		clock:      opts.Clock,
		logger:     opts.Logger,
		events:     make(chan domain.HostEvent, opts.EventBuffer),
		enc:        json.NewEncoder(out),
	}
}

// Events feeds the recovery state machine. It is closed when Serve returns.
func (b *Bridge) Events() <-chan domain.HostEvent {
	return b.events
}

// Serve processes one event per line until in is exhausted or ctx is done.
// Malformed lines are answered with an error line and skipped.
func (b *Bridge) Serve(ctx context.Context, in io.Reader) error {
	defer close(b.events)

	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)

	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		line := scanner.Bytes()
		if len(strings.TrimSpace(string(line))) == 0 {
			continue
		}
		b.handleLine(ctx, line)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read host events: %w", err)
	}
	return nil
}

func (b *Bridge) handleLine(ctx context.Context, line []byte) {
	if !gjson.ValidBytes(line) {
		b.writeError("", "", errors.New("invalid JSON"), 0)
		return
	}

	event := gjson.ParseBytes(line)
	eventType := event.Get("type").String()
	id := event.Get("id").String()
	sessionID := event.Get("session_id").String()

	var err error
	switch eventType {
	case EventMessage:
		err = b.handleMessage(ctx, sessionID, event)
	case EventSessionError:
		err = b.forward(ctx, domain.HostEvent{
			Type:      domain.HostEventSessionError,
			SessionID: sessionID,
			Error: &domain.CorruptionEvent{
				SessionID: sessionID,
				Model:     event.Get("model").String(),
				Kind:      event.Get("error.kind").String(),
				Message:   errorText(event.Get("error")),
			},
		})
	case EventTurnCompleted:
		err = b.forward(ctx, domain.HostEvent{Type: domain.HostEventTurnCompleted, SessionID: sessionID})
	case EventSignature:
		err = b.handleSignature(sessionID, event)
	case EventVerify:
		b.handleVerify(id, sessionID, event)
	case EventAuthorize:
		b.handleAuthorize(ctx, id, event)
	case EventRateLimit:
		err = b.handleRateLimit(ctx, id, event)
	default:
		err = fmt.Errorf("unknown event type %q", eventType)
	}

	if err != nil {
		b.logger.Debug("host event rejected", zap.String("event", eventType), zap.Error(err))
		b.writeError(id, eventType, err, 0)
	}
}

func (b *Bridge) handleMessage(ctx context.Context, sessionID string, event gjson.Result) error {
	raw := event.Get("message")
	if !raw.Exists() {
		return errors.New("message is required")
	}
	message, err := nativeadapter.DecodeMessage([]byte(raw.Raw))
	if err != nil {
		return err
	}
	return b.sessions.Append(ctx, sessionID, message)
}

func (b *Bridge) forward(ctx context.Context, event domain.HostEvent) error {
	if event.SessionID == "" {
		return errors.New("session_id is required")
	}
	select {
	case b.events <- event:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *Bridge) handleSignature(sessionID string, event gjson.Result) error {
	if b.cache == nil {
		return errors.New("signature cache is not configured")
	}
	signature := event.Get("signature").String()
	if sessionID == "" || signature == "" {
		return errors.New("session_id and signature are required")
	}

	key := domain.CacheKey(sessionID, event.Get("model").String())
	thinking := event.Get("thinking").String()
	if thinking == "" {
		b.cache.Store(key, signature)
		return nil
	}

	var toolIDs []string
	for _, id := range event.Get("tool_ids").Array() {
		toolIDs = append(toolIDs, id.String())
	}
	b.cache.StoreThinking(key, thinking, signature, toolIDs)
	return nil
}

func (b *Bridge) handleVerify(id, sessionID string, event gjson.Result) {
	model := event.Get("model").String()
	valid := false
	if b.cache != nil {
		valid = b.cache.Verify(domain.CacheKey(sessionID, model), event.Get("signature").String())
	}
	b.write(verdictLine{Type: OutVerdict, ID: id, SessionID: sessionID, Model: model, Valid: valid})
}

func (b *Bridge) handleAuthorize(ctx context.Context, id string, event gjson.Result) {
	if b.authorizer == nil {
		b.writeError(id, EventAuthorize, errors.New("authorizer is not configured"), 0)
		return
	}
	family, err := domain.ParseFamily(event.Get("family").String())
	if err != nil {
		b.writeError(id, EventAuthorize, err, 0)
		return
	}

	auth, err := b.authorizer.Authorize(ctx, family)
	if err != nil {
		var retryAfter time.Duration
		var exhausted *domain.ExhaustedError
		if errors.As(err, &exhausted) {
			retryAfter = exhausted.RetryAfter(b.clock.Now())
		}
		b.writeError(id, EventAuthorize, err, retryAfter)
		return
	}

	b.write(authorizationLine{
		Type:          OutAuthorization,
		ID:            id,
		Email:         auth.Credential.Email,
		Family:        string(auth.Family),
		Authorization: auth.Header,
		ProjectID:     auth.ProjectID,
		ExpiresAt:     auth.AccessToken.ExpiresAt,
	})
}

func (b *Bridge) handleRateLimit(ctx context.Context, id string, event gjson.Result) error {
	if b.authorizer == nil {
		return errors.New("authorizer is not configured")
	}
	family, err := domain.ParseFamily(event.Get("family").String())
	if err != nil {
		return err
	}
	email := event.Get("email").String()
	if email == "" {
		return errors.New("email is required")
	}

	retryAfter := time.Duration(event.Get("retry_after_seconds").Float() * float64(time.Second))
	if err := b.authorizer.ReportRateLimit(ctx, email, family, retryAfter); err != nil {
		return err
	}
	b.write(ackLine{Type: OutAck, ID: id, Event: EventRateLimit})
	return nil
}

// PromptResume announces the resume message to the host and records it in
// the session history.
func (b *Bridge) PromptResume(ctx context.Context, sessionID string, message domain.Message) error {
	if err := b.sessions.Append(ctx, sessionID, message); err != nil {
		return err
	}
	return b.write(resumeLine{Type: OutResume, SessionID: sessionID, Message: message})
}

func (b *Bridge) Messages(ctx context.Context, sessionID string) ([]domain.Message, error) {
	return b.sessions.Messages(ctx, sessionID)
}

// ReplaceMessages stores the rewritten history and sends it to the host as
// Messages API parameters.
func (b *Bridge) ReplaceMessages(ctx context.Context, sessionID string, messages []domain.Message) error {
	if err := b.sessions.ReplaceMessages(ctx, sessionID, messages); err != nil {
		return err
	}
	return b.write(historyLine{
		Type:      OutHistoryReplaced,
		SessionID: sessionID,
		Messages:  nativeadapter.ToMessageParams(messages),
	})
}

func (b *Bridge) write(line any) error {
	b.outMu.Lock()
	defer b.outMu.Unlock()

	if err := b.enc.Encode(line); err != nil {
		b.logger.Warn("write host line", zap.Error(err))
		return fmt.Errorf("write host line: %w", err)
	}
	return nil
}

func (b *Bridge) writeError(id, event string, err error, retryAfter time.Duration) {
	line := errorLine{Type: OutError, ID: id, Event: event, Error: err.Error()}
	if retryAfter > 0 {
		line.RetryAfterSeconds = int64(math.Ceil(retryAfter.Seconds()))
	}
	_ = b.write(line)
}

// errorText returns the error message of a session.error payload, which may
// be a plain string or an object.
func errorText(value gjson.Result) string {
	if value.Type == gjson.String {
		return value.String()
	}
	if message := value.Get("message"); message.Exists() {
		return message.String()
	}
	return value.Raw
}
