package ndjson

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/bnema/turnguard/internal/adapters/conversation/memory"
	"github.com/bnema/turnguard/internal/application"
	"github.com/bnema/turnguard/internal/domain"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

type fakeCache struct {
	mu      sync.Mutex
	entries map[string]string
	texts   map[string]string
}

func newFakeCache() *fakeCache {
	return &fakeCache{entries: map[string]string{}, texts: map[string]string{}}
}

func (c *fakeCache) Store(key, signature string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = signature
}

func (c *fakeCache) StoreThinking(key, text, signature string, _ []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = signature
	c.texts[key] = text
}

func (c *fakeCache) Verify(key, signature string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return signature != "" && c.entries[key] == signature
}

type fakeAuthorizer struct {
	auth       domain.Authorization
	err        error
	rateLimits []string
}

func (a *fakeAuthorizer) Authorize(_ context.Context, family domain.Family) (domain.Authorization, error) {
	if a.err != nil {
		return domain.Authorization{}, a.err
	}
	auth := a.auth
	auth.Family = family
	return auth, nil
}

func (a *fakeAuthorizer) ReportRateLimit(_ context.Context, email string, family domain.Family, retryAfter time.Duration) error {
	a.rateLimits = append(a.rateLimits, email+"/"+string(family)+"/"+retryAfter.String())
	return nil
}

func outputLines(t *testing.T, out *bytes.Buffer) []gjson.Result {
	t.Helper()

	var lines []gjson.Result
	for _, line := range strings.Split(strings.TrimSpace(out.String()), "\n") {
		if line == "" {
			continue
		}
		require.True(t, gjson.Valid(line), "line %q", line)
		lines = append(lines, gjson.Parse(line))
	}
	return lines
}

func linesOfType(lines []gjson.Result, kind string) []gjson.Result {
	var out []gjson.Result
	for _, line := range lines {
		if line.Get("type").String() == kind {
			out = append(out, line)
		}
	}
	return out
}

func TestBridgeSignatureAndVerify(t *testing.T) {
	t.Parallel()

	cache := newFakeCache()
	out := &bytes.Buffer{}
	bridge := NewBridge(out, Options{Cache: cache, Clock: fixedClock{testNow}})

	input := strings.Join([]string{
		`{"type":"signature","session_id":"s1","model":"claude","signature":"sig-1","thinking":"plan","tool_ids":["tc-1"]}`,
		`{"type":"verify","id":"v1","session_id":"s1","model":"claude","signature":"sig-1"}`,
		`{"type":"verify","id":"v2","session_id":"s1","model":"claude","signature":"forged"}`,
	}, "\n")

	require.NoError(t, bridge.Serve(context.Background(), strings.NewReader(input)))

	verdicts := linesOfType(outputLines(t, out), OutVerdict)
	require.Len(t, verdicts, 2)
	assert.Equal(t, "v1", verdicts[0].Get("id").String())
	assert.True(t, verdicts[0].Get("valid").Bool())
	assert.False(t, verdicts[1].Get("valid").Bool())
	assert.Equal(t, "plan", cache.texts[domain.CacheKey("s1", "claude")])
}

func TestBridgeAuthorizeAndRateLimit(t *testing.T) {
	t.Parallel()

	authorizer := &fakeAuthorizer{auth: domain.Authorization{
		Credential:  domain.Credential{Email: "a@example.com"},
		AccessToken: domain.AccessToken{Value: "at", ExpiresAt: testNow.Add(time.Hour)},
		Header:      "Bearer at",
		ProjectID:   "proj-1",
	}}
	out := &bytes.Buffer{}
	bridge := NewBridge(out, Options{Authorizer: authorizer, Clock: fixedClock{testNow}})

	input := strings.Join([]string{
		`{"type":"authorize","id":"a1","family":"claude"}`,
		`{"type":"rate_limit","id":"r1","email":"a@example.com","family":"claude","retry_after_seconds":30}`,
		`{"type":"authorize","id":"a2","family":"gpt"}`,
	}, "\n")

	require.NoError(t, bridge.Serve(context.Background(), strings.NewReader(input)))
	lines := outputLines(t, out)

	auths := linesOfType(lines, OutAuthorization)
	require.Len(t, auths, 1)
	assert.Equal(t, "Bearer at", auths[0].Get("authorization").String())
	assert.Equal(t, "claude", auths[0].Get("family").String())
	assert.Equal(t, "proj-1", auths[0].Get("project_id").String())

	acks := linesOfType(lines, OutAck)
	require.Len(t, acks, 1)
	assert.Equal(t, []string{"a@example.com/claude/30s"}, authorizer.rateLimits)

	errs := linesOfType(lines, OutError)
	require.Len(t, errs, 1)
	assert.Equal(t, "a2", errs[0].Get("id").String())
}

func TestBridgeAuthorizeReportsRetryAfterOnExhaustion(t *testing.T) {
	t.Parallel()

	authorizer := &fakeAuthorizer{err: &domain.ExhaustedError{Family: domain.FamilyClaude, ResetAt: testNow.Add(90 * time.Second)}}
	out := &bytes.Buffer{}
	bridge := NewBridge(out, Options{Authorizer: authorizer, Clock: fixedClock{testNow}})

	require.NoError(t, bridge.Serve(context.Background(), strings.NewReader(`{"type":"authorize","id":"a1","family":"claude"}`)))

	errs := linesOfType(outputLines(t, out), OutError)
	require.Len(t, errs, 1)
	assert.Equal(t, int64(90), errs[0].Get("retry_after_seconds").Int())
}

func TestBridgeRejectsMalformedLines(t *testing.T) {
	t.Parallel()

	out := &bytes.Buffer{}
	bridge := NewBridge(out, Options{})

	input := "not json\n\n{\"type\":\"bogus\"}\n{\"type\":\"message\",\"session_id\":\"s1\"}\n"
	require.NoError(t, bridge.Serve(context.Background(), strings.NewReader(input)))

	errs := linesOfType(outputLines(t, out), OutError)
	require.Len(t, errs, 3)
	assert.Contains(t, errs[0].Get("error").String(), "invalid JSON")
	assert.Contains(t, errs[1].Get("error").String(), "unknown event type")
	assert.Contains(t, errs[2].Get("error").String(), "message is required")
}

func TestBridgeDrivesRecovery(t *testing.T) {
	t.Parallel()

	sessions := memory.NewStore()
	out := &bytes.Buffer{}
	bridge := NewBridge(out, Options{Sessions: sessions, Clock: fixedClock{testNow}})
	recovery := application.NewRecoveryService(application.RecoveryConfig{
		SessionRecovery: true,
		AutoResume:      true,
		ResumeText:      "continue",
	}, bridge, bridge, fixedClock{testNow}, nil)

	runDone := make(chan error, 1)
	go func() { runDone <- recovery.Run(context.Background(), bridge.Events()) }()

	input := strings.Join([]string{
		`{"type":"message","session_id":"s1","message":{"role":"user","content":"read a.txt"}}`,
		`{"type":"message","session_id":"s1","message":{"role":"assistant","content":[{"type":"tool_use","id":"tc-1","name":"read","input":{"path":"a.txt"}}]}}`,
		`{"type":"message","session_id":"s1","message":{"role":"user","content":"and then?"}}`,
		`{"type":"session.error","session_id":"s1","error":{"message":"messages.1: tool_use ids were found without tool_result blocks immediately after: tc-1"}}`,
	}, "\n")

	require.NoError(t, bridge.Serve(context.Background(), strings.NewReader(input)))
	select {
	case err := <-runDone:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("recovery did not finish")
	}

	lines := outputLines(t, out)
	replaced := linesOfType(lines, OutHistoryReplaced)
	require.Len(t, replaced, 1)
	assert.Equal(t, "s1", replaced[0].Get("session_id").String())
	assert.Equal(t, "tool_result", replaced[0].Get("messages.2.content.0.type").String())
	assert.Equal(t, "tc-1", replaced[0].Get("messages.2.content.0.tool_use_id").String())

	resumes := linesOfType(lines, OutResume)
	require.Len(t, resumes, 1)
	assert.Equal(t, "continue", resumes[0].Get("message.content.0.text").String())

	history, err := sessions.Messages(context.Background(), "s1")
	require.NoError(t, err)
	assert.Empty(t, domain.ValidateToolPairing(history))
	assert.Equal(t, domain.TextMessage(domain.RoleUser, "continue"), history[len(history)-1])
	assert.Equal(t, domain.RecoveryResuming, recovery.State("s1"))
}

func TestBridgeServeStopsOnCancelledContext(t *testing.T) {
	t.Parallel()

	bridge := NewBridge(&bytes.Buffer{}, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := bridge.Serve(ctx, strings.NewReader(`{"type":"verify"}`))
	require.ErrorIs(t, err, context.Canceled)

	_, open := <-bridge.Events()
	assert.False(t, open)
}
