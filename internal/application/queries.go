package application

import (
	"time"

	"github.com/bnema/turnguard/internal/domain"
)

type FamilyStatus struct {
	Family   domain.Family
	Active   bool
	Eligible bool
	ResetAt  time.Time
}

type CredentialStatus struct {
	Index      int
	Credential domain.Credential
	Families   []FamilyStatus
}

// CredentialStatuses reports, per credential and family, whether the
// credential is active and when its rate limit lifts.
func CredentialStatuses(store domain.CredentialStore, now time.Time) []CredentialStatus {
	out := make([]CredentialStatus, 0, len(store.Credentials))
	for i, credential := range store.Credentials {
		status := CredentialStatus{Index: i, Credential: credential}
		for _, family := range domain.Families() {
			active, ok := store.ActiveIndexByFamily[family]
			familyStatus := FamilyStatus{
				Family:   family,
				Active:   ok && active == i,
				Eligible: credential.EligibleFor(family, now),
			}
			if !familyStatus.Eligible {
				familyStatus.ResetAt = credential.RateLimitResetTimes[family]
			}
			status.Families = append(status.Families, familyStatus)
		}
		out = append(out, status)
	}
	return out
}
