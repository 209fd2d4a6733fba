package application

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/bnema/turnguard/internal/domain"
	"github.com/bnema/turnguard/internal/ports"
)

// DefaultRateLimitBackoff applies when the upstream gives no retry hint.
const DefaultRateLimitBackoff = time.Minute

// Authorizer hands the translator the credential and bearer token for the
// next outbound call.
type Authorizer struct {
	rotator *Rotator
	tokens  *RefreshQueue
	clock   ports.Clock
	logger  *zap.Logger
}

func NewAuthorizer(rotator *Rotator, tokens *RefreshQueue, clock ports.Clock, logger *zap.Logger) *Authorizer {
	if clock == nil {
		clock = ports.SystemClock{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Authorizer{rotator: rotator, tokens: tokens, clock: clock, logger: logger}
}

func (a *Authorizer) Authorize(ctx context.Context, family domain.Family) (domain.Authorization, error) {
	credential, err := a.rotator.Select(ctx, family)
	if err != nil {
		return domain.Authorization{}, fmt.Errorf("select credential: %w", err)
	}

	token, err := a.tokens.Token(ctx, credential)
	if err != nil {
		return domain.Authorization{}, err
	}

	projectID := credential.ManagedProjectID
	if projectID == "" {
		projectID = credential.ProjectID
	}

	return domain.Authorization{
		Credential:  credential,
		Family:      family,
		AccessToken: token,
		Header:      "Bearer " + token.Value,
		ProjectID:   projectID,
	}, nil
}

// ReportRateLimit records that email hit a rate limit on family.
func (a *Authorizer) ReportRateLimit(ctx context.Context, email string, family domain.Family, retryAfter time.Duration) error {
	if retryAfter <= 0 {
		retryAfter = DefaultRateLimitBackoff
	}
	resetAt := a.clock.Now().Add(retryAfter)

	return a.rotator.MarkRateLimited(ctx, email, family, resetAt)
}
