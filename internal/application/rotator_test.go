package application

import (
	"context"
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

func newTestRotator(t *testing.T, clock *mutableClock, emails ...string) (*Rotator, *inMemoryCredentialRepo) {
	t.Helper()

	repo := &inMemoryCredentialRepo{}
	rotator := NewRotator(repo, clock, nil)
	require.NoError(t, rotator.Load(context.Background()))
	for _, email := range emails {
		require.NoError(t, rotator.Add(context.Background(), domain.Credential{Email: email, RefreshToken: "rt-" + email}))
	}
	return rotator, repo
}

func TestRotatorLoadFailureStartsEmpty(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zapcore.WarnLevel)
	repo := &inMemoryCredentialRepo{loadErr: errors.New("unexpected token")}
	rotator := NewRotator(repo, fixedClock{now: baseTime}, zap.New(core))

	require.NoError(t, rotator.Load(context.Background()))
	assert.Empty(t, rotator.List())
	assert.Equal(t, 1, logs.FilterMessage("credential store unavailable; starting empty").Len())
}

func TestRotatorLoadMissingStoreLogsAtDebug(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zapcore.DebugLevel)
	rotator := NewRotator(&inMemoryCredentialRepo{}, fixedClock{now: baseTime}, zap.New(core))

	require.NoError(t, rotator.Load(context.Background()))
	assert.Empty(t, rotator.List())
	assert.Zero(t, logs.FilterLevelExact(zapcore.WarnLevel).Len())
	assert.Equal(t, 1, logs.FilterMessage("no credential store yet; starting empty").Len())
}

func TestRotatorAddStillReportsSaveFailure(t *testing.T) {
	t.Parallel()

	rotator, repo := newTestRotator(t, &mutableClock{now: baseTime}, "a")
	repo.mu.Lock()
	repo.saveErr = errors.New("disk full")
	repo.mu.Unlock()

	err := rotator.Add(context.Background(), domain.Credential{Email: "b", RefreshToken: "rt-b"})
	require.ErrorContains(t, err, "save credential store")
	assert.Len(t, rotator.List(), 1)
}

func TestRotatorAddRejectsDuplicatesAndInvalid(t *testing.T) {
	t.Parallel()

	rotator, repo := newTestRotator(t, &mutableClock{now: baseTime}, "a@example.com")

	err := rotator.Add(context.Background(), domain.Credential{Email: "A@example.com", RefreshToken: "x"})
	require.ErrorIs(t, err, domain.ErrCredentialExists)

	err = rotator.Add(context.Background(), domain.Credential{Email: "b@example.com"})
	require.ErrorContains(t, err, "refresh token is required")

	require.NotNil(t, repo.store)
	require.Len(t, repo.store.Credentials, 1)
	assert.Equal(t, baseTime, repo.store.Credentials[0].AddedAt)
}

func TestRotatorSelectRotatesAndPersists(t *testing.T) {
	t.Parallel()

	clock := &mutableClock{now: baseTime}
	rotator, repo := newTestRotator(t, clock, "a", "b")

	first, err := rotator.Select(context.Background(), domain.FamilyClaude)
	require.NoError(t, err)
	assert.Equal(t, "a", first.Email)
	assert.Equal(t, domain.SwitchReasonInitial, first.LastSwitchReason)

	clock.Advance(time.Second)
	second, err := rotator.Select(context.Background(), domain.FamilyClaude)
	require.NoError(t, err)
	assert.Equal(t, "b", second.Email)
	assert.Equal(t, domain.SwitchReasonRotation, second.LastSwitchReason)

	require.NotNil(t, repo.store)
	assert.Equal(t, 1, repo.store.ActiveIndexByFamily[domain.FamilyClaude])
	assert.Equal(t, 1, repo.store.ActiveIndex)
	assert.Equal(t, baseTime.Add(time.Second), repo.store.Credentials[1].LastUsed)
}

func TestRotatorMarkRateLimitedIsPerFamily(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zapcore.InfoLevel)
	clock := &mutableClock{now: baseTime}
	repo := &inMemoryCredentialRepo{}
	rotator := NewRotator(repo, clock, zap.New(core))
	require.NoError(t, rotator.Add(context.Background(), domain.Credential{Email: "a", RefreshToken: "1"}))
	require.NoError(t, rotator.Add(context.Background(), domain.Credential{Email: "b", RefreshToken: "2"}))

	_, err := rotator.Select(context.Background(), domain.FamilyClaude)
	require.NoError(t, err)

	require.NoError(t, rotator.MarkRateLimited(context.Background(), "a", domain.FamilyClaude, baseTime.Add(time.Hour)))

	active, ok := rotator.Active(domain.FamilyClaude)
	require.True(t, ok)
	assert.Equal(t, "b", active.Email)
	assert.Equal(t, domain.SwitchReasonRateLimit, active.LastSwitchReason)
	assert.Equal(t, 1, logs.FilterMessage("rotated credential after rate limit").Len())

	claude, err := rotator.Select(context.Background(), domain.FamilyClaude)
	require.NoError(t, err)
	assert.Equal(t, "b", claude.Email)

	gemini, err := rotator.Select(context.Background(), domain.FamilyGeminiCLI)
	require.NoError(t, err)
	assert.Equal(t, "a", gemini.Email)
}

func TestRotatorMarkRateLimitedFirstWriterWins(t *testing.T) {
	t.Parallel()

	rotator, _ := newTestRotator(t, &mutableClock{now: baseTime}, "a", "b")

	require.NoError(t, rotator.MarkRateLimited(context.Background(), "a", domain.FamilyClaude, baseTime.Add(time.Hour)))
	require.NoError(t, rotator.MarkRateLimited(context.Background(), "a", domain.FamilyClaude, baseTime.Add(5*time.Minute)))

	credentials := rotator.List()
	assert.Equal(t, baseTime.Add(time.Hour), credentials[0].RateLimitResetTimes[domain.FamilyClaude])

	err := rotator.MarkRateLimited(context.Background(), "missing", domain.FamilyClaude, baseTime)
	require.ErrorIs(t, err, domain.ErrCredentialNotFound)
}

func TestRotatorSelectReportsExhaustion(t *testing.T) {
	t.Parallel()

	rotator, _ := newTestRotator(t, &mutableClock{now: baseTime}, "a", "b")
	require.NoError(t, rotator.MarkRateLimited(context.Background(), "a", domain.FamilyGeminiAntigravity, baseTime.Add(time.Hour)))
	require.NoError(t, rotator.MarkRateLimited(context.Background(), "b", domain.FamilyGeminiAntigravity, baseTime.Add(20*time.Minute)))

	_, err := rotator.Select(context.Background(), domain.FamilyGeminiAntigravity)

	var exhausted *domain.ExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, baseTime.Add(20*time.Minute), exhausted.ResetAt)
}

func TestRotatorRemoveShiftsActiveIndexes(t *testing.T) {
	t.Parallel()

	clock := &mutableClock{now: baseTime}
	rotator, _ := newTestRotator(t, clock, "a", "b", "c")
	for i := 0; i < 3; i++ {
		_, err := rotator.Select(context.Background(), domain.FamilyClaude)
		require.NoError(t, err)
		clock.Advance(time.Second)
	}

	require.NoError(t, rotator.Remove(context.Background(), "a"))

	active, ok := rotator.Active(domain.FamilyClaude)
	require.True(t, ok)
	assert.Equal(t, "c", active.Email)
	assert.ErrorIs(t, rotator.Remove(context.Background(), "a"), domain.ErrCredentialNotFound)
}

func TestRotatorKeepsDecisionsWhenSaveFails(t *testing.T) {
	t.Parallel()

	clock := &mutableClock{now: baseTime}
	core, logs := observer.New(zapcore.WarnLevel)
	repo := &inMemoryCredentialRepo{}
	rotator := NewRotator(repo, clock, zap.New(core))
	require.NoError(t, rotator.Load(context.Background()))
	require.NoError(t, rotator.Add(context.Background(), domain.Credential{Email: "a", RefreshToken: "rt-a"}))
	require.NoError(t, rotator.Add(context.Background(), domain.Credential{Email: "b", RefreshToken: "rt-b"}))

	first, err := rotator.Select(context.Background(), domain.FamilyClaude)
	require.NoError(t, err)
	require.Equal(t, "a", first.Email)

	repo.mu.Lock()
	repo.saveErr = errors.New("disk full")
	repo.mu.Unlock()

	require.NoError(t, rotator.MarkRateLimited(context.Background(), "a", domain.FamilyClaude, baseTime.Add(time.Hour)))
	for _, credential := range rotator.List() {
		if credential.Email == "a" {
			assert.False(t, credential.EligibleFor(domain.FamilyClaude, clock.Now()))
		}
	}

	next, err := rotator.Select(context.Background(), domain.FamilyClaude)
	require.NoError(t, err)
	assert.Equal(t, "b", next.Email)

	active, ok := rotator.Active(domain.FamilyClaude)
	require.True(t, ok)
	assert.Equal(t, "b", active.Email)
	assert.Equal(t, 2, logs.FilterMessage("persist credential store failed").Len())
}

func TestRotatorReloadPicksUpExternalChanges(t *testing.T) {
	t.Parallel()

	rotator, repo := newTestRotator(t, &mutableClock{now: baseTime}, "a")
	repo.mu.Lock()
	repo.store.Credentials = append(repo.store.Credentials, domain.Credential{Email: "b", RefreshToken: "x"})
	repo.mu.Unlock()

	require.NoError(t, rotator.Reload(context.Background()))
	assert.Len(t, rotator.List(), 2)
}

func TestRotatorFollowReloadsOnChange(t *testing.T) {
	t.Parallel()

	rotator, repo := newTestRotator(t, &mutableClock{now: baseTime}, "a@example.com")

	external := cloneStore(*repo.store)
	external.Credentials = append(external.Credentials, domain.Credential{Email: "b@example.com", RefreshToken: "rt-b"})
	repo.mu.Lock()
	repo.store = &external
	repo.mu.Unlock()

	changes := make(chan struct{}, 1)
	task := rotator.Follow(context.Background(), changes)
	t.Cleanup(task.Stop)

	changes <- struct{}{}
	require.Eventually(t, func() bool {
		return len(rotator.List()) == 2
	}, 2*time.Second, 10*time.Millisecond)

	close(changes)
	select {
	case <-task.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("follow did not exit after changes closed")
	}
}
