package domain

import (
	"fmt"
	"strings"
	"time"
)

// Family is an independent rate-limit axis. One credential can be limited on
// one family and healthy on another.
type Family string

const (
	FamilyClaude            Family = "claude"
	FamilyGeminiAntigravity Family = "gemini-antigravity"
	FamilyGeminiCLI         Family = "gemini-cli"
)

func Families() []Family {
	return []Family{FamilyClaude, FamilyGeminiAntigravity, FamilyGeminiCLI}
}

func ParseFamily(raw string) (Family, error) {
	family := Family(strings.ToLower(strings.TrimSpace(raw)))
	switch family {
	case FamilyClaude, FamilyGeminiAntigravity, FamilyGeminiCLI:
		return family, nil
	default:
		return "", fmt.Errorf("unsupported family %q", raw)
	}
}

type SwitchReason string

const (
	SwitchReasonInitial   SwitchReason = "initial"
	SwitchReasonRotation  SwitchReason = "rotation"
	SwitchReasonRateLimit SwitchReason = "rate-limit"
)

type Credential struct {
	Email            string
	RefreshToken     string
	ProjectID        string
	ManagedProjectID string
	AddedAt          time.Time
	LastUsed         time.Time
	LastSwitchReason SwitchReason
	// RateLimitResetTimes holds the instant each family becomes usable again.
	RateLimitResetTimes map[Family]time.Time
}

// EligibleFor reports whether the credential has no active rate limit for family.
func (c Credential) EligibleFor(family Family, now time.Time) bool {
	reset, ok := c.RateLimitResetTimes[family]
	if !ok || reset.IsZero() {
		return true
	}
	return !reset.After(now)
}

func (c Credential) Validate() error {
	if strings.TrimSpace(c.Email) == "" {
		return fmt.Errorf("email is required")
	}
	if strings.TrimSpace(c.RefreshToken) == "" {
		return fmt.Errorf("refresh token is required")
	}
	return nil
}

type CredentialStore struct {
	Version             int
	Credentials         []Credential
	ActiveIndex         int
	ActiveIndexByFamily map[Family]int
}

// Clamp keeps every active index inside the credential range.
func (s *CredentialStore) Clamp() {
	if s == nil {
		return
	}

	s.ActiveIndex = clampIndex(s.ActiveIndex, len(s.Credentials))
	for family, index := range s.ActiveIndexByFamily {
		if len(s.Credentials) == 0 {
			delete(s.ActiveIndexByFamily, family)
			continue
		}
		s.ActiveIndexByFamily[family] = clampIndex(index, len(s.Credentials))
	}
}

func (s CredentialStore) IndexOf(email string) int {
	for i, credential := range s.Credentials {
		if strings.EqualFold(credential.Email, email) {
			return i
		}
	}
	return -1
}

// SelectLeastRecentlyUsed returns the index of the least recently used
// credential eligible for family. Ties resolve to the lower index. When no
// credential is eligible it returns an *ExhaustedError.
func (s CredentialStore) SelectLeastRecentlyUsed(family Family, now time.Time) (int, error) {
	if len(s.Credentials) == 0 {
		return -1, ErrNoCredentials
	}

	picked := -1
	for i, credential := range s.Credentials {
		if !credential.EligibleFor(family, now) {
			continue
		}
		if picked == -1 || credential.LastUsed.Before(s.Credentials[picked].LastUsed) {
			picked = i
		}
	}

	if picked == -1 {
		return -1, &ExhaustedError{Family: family, ResetAt: s.EarliestReset(family, now)}
	}

	return picked, nil
}

// NextEligibleAfter walks the ring starting after index and returns the first
// eligible credential, or -1.
func (s CredentialStore) NextEligibleAfter(index int, family Family, now time.Time) int {
	count := len(s.Credentials)
	for step := 1; step <= count; step++ {
		candidate := (index + step) % count
		if candidate < 0 {
			candidate += count
		}
		if s.Credentials[candidate].EligibleFor(family, now) {
			return candidate
		}
	}
	return -1
}

// EarliestReset returns the nearest future reset instant for family across
// all credentials, or the zero time when none is pending.
func (s CredentialStore) EarliestReset(family Family, now time.Time) time.Time {
	var earliest time.Time
	for _, credential := range s.Credentials {
		reset, ok := credential.RateLimitResetTimes[family]
		if !ok || !reset.After(now) {
			continue
		}
		if earliest.IsZero() || reset.Before(earliest) {
			earliest = reset
		}
	}
	return earliest
}

func clampIndex(index, length int) int {
	if length == 0 || index < 0 {
		return 0
	}
	if index >= length {
		return length - 1
	}
	return index
}

// AccessToken is a short-lived bearer token minted from a refresh token.
type AccessToken struct {
	Value     string
	ExpiresAt time.Time
}

func (t AccessToken) Valid(now time.Time) bool {
	if t.Value == "" {
		return false
	}
	if t.ExpiresAt.IsZero() {
		return true
	}
	return now.Before(t.ExpiresAt)
}

// ExpiresWithin reports whether the token is missing, expired or expires
// before now+window.
func (t AccessToken) ExpiresWithin(now time.Time, window time.Duration) bool {
	if t.Value == "" {
		return true
	}
	if t.ExpiresAt.IsZero() {
		return false
	}
	return !t.ExpiresAt.After(now.Add(window))
}

// Authorization is what the translator needs for the next outbound call.
type Authorization struct {
	Credential  Credential
	Family      Family
	AccessToken AccessToken
	Header      string
	ProjectID   string
}
