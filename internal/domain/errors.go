package domain

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrCredentialNotFound = errors.New("credential not found")
	ErrCredentialExists   = errors.New("credential already exists")
	ErrNoCredentials      = errors.New("no credentials configured")
	ErrStoreNotFound      = errors.New("credential store not found")
	ErrSecretNotFound     = errors.New("secret not found")
	ErrTokenExpired       = errors.New("access token expired")
	ErrRecoveryExhausted  = errors.New("session recovery attempts exhausted")
)

// ExhaustedError reports that every credential is rate limited for Family.
type ExhaustedError struct {
	Family  Family
	ResetAt time.Time
}

func (e *ExhaustedError) Error() string {
	if e.ResetAt.IsZero() {
		return fmt.Sprintf("no eligible credential for family %s", e.Family)
	}
	return fmt.Sprintf("no eligible credential for family %s until %s", e.Family, e.ResetAt.UTC().Format(time.RFC3339))
}

// RetryAfter is the wait until the earliest reset, never negative.
func (e *ExhaustedError) RetryAfter(now time.Time) time.Duration {
	if e.ResetAt.IsZero() {
		return 0
	}
	wait := e.ResetAt.Sub(now)
	if wait < 0 {
		return 0
	}
	return wait
}
