package jsonfile

import (
	"time"

	"github.com/bnema/turnguard/internal/domain"
)

const currentSchemaVersion = 3

// storeSchema is one of storeV1, storeV2 or storeV3.
type storeSchema interface {
	schemaVersion() int
}

type accountBase struct {
	Email            string `json:"email"`
	RefreshToken     string `json:"refreshToken"`
	ProjectID        string `json:"projectId,omitempty"`
	ManagedProjectID string `json:"managedProjectId,omitempty"`
	AddedAt          int64  `json:"addedAt"`
	LastUsed         int64  `json:"lastUsed"`
	LastSwitchReason string `json:"lastSwitchReason,omitempty"`
}

type accountV1 struct {
	accountBase
	IsRateLimited      bool  `json:"isRateLimited,omitempty"`
	RateLimitResetTime int64 `json:"rateLimitResetTime,omitempty"`
}

type storeV1 struct {
	Version     int         `json:"version"`
	Accounts    []accountV1 `json:"accounts"`
	ActiveIndex int         `json:"activeIndex"`
}

func (storeV1) schemaVersion() int { return 1 }

type resetTimesV2 struct {
	Claude int64 `json:"claude,omitempty"`
	Gemini int64 `json:"gemini,omitempty"`
}

type accountV2 struct {
	accountBase
	RateLimitResetTimes resetTimesV2 `json:"rateLimitResetTimes"`
}

type storeV2 struct {
	Version             int            `json:"version"`
	Accounts            []accountV2    `json:"accounts"`
	ActiveIndex         int            `json:"activeIndex"`
	ActiveIndexByFamily map[string]int `json:"activeIndexByFamily,omitempty"`
}

func (storeV2) schemaVersion() int { return 2 }

type resetTimesV3 struct {
	Claude            int64 `json:"claude,omitempty"`
	GeminiAntigravity int64 `json:"gemini-antigravity,omitempty"`
	GeminiCLI         int64 `json:"gemini-cli,omitempty"`
}

type accountV3 struct {
	accountBase
	RateLimitResetTimes resetTimesV3 `json:"rateLimitResetTimes"`
}

type storeV3 struct {
	Version             int            `json:"version"`
	Accounts            []accountV3    `json:"accounts"`
	ActiveIndex         int            `json:"activeIndex"`
	ActiveIndexByFamily map[string]int `json:"activeIndexByFamily,omitempty"`
}

func (storeV3) schemaVersion() int { return 3 }

func toSchema(store domain.CredentialStore) storeV3 {
	out := storeV3{
		Version:     currentSchemaVersion,
		Accounts:    make([]accountV3, 0, len(store.Credentials)),
		ActiveIndex: store.ActiveIndex,
	}
	if len(store.ActiveIndexByFamily) > 0 {
		out.ActiveIndexByFamily = make(map[string]int, len(store.ActiveIndexByFamily))
		for family, index := range store.ActiveIndexByFamily {
			out.ActiveIndexByFamily[string(family)] = index
		}
	}

	for _, credential := range store.Credentials {
		out.Accounts = append(out.Accounts, accountV3{
			accountBase: accountBase{
				Email:            credential.Email,
				RefreshToken:     credential.RefreshToken,
				ProjectID:        credential.ProjectID,
				ManagedProjectID: credential.ManagedProjectID,
				AddedAt:          toMillis(credential.AddedAt),
				LastUsed:         toMillis(credential.LastUsed),
				LastSwitchReason: string(credential.LastSwitchReason),
			},
			RateLimitResetTimes: resetTimesV3{
				Claude:            toMillis(credential.RateLimitResetTimes[domain.FamilyClaude]),
				GeminiAntigravity: toMillis(credential.RateLimitResetTimes[domain.FamilyGeminiAntigravity]),
				GeminiCLI:         toMillis(credential.RateLimitResetTimes[domain.FamilyGeminiCLI]),
			},
		})
	}

	return out
}

func fromSchema(file storeV3) domain.CredentialStore {
	store := domain.CredentialStore{
		Version:             currentSchemaVersion,
		Credentials:         make([]domain.Credential, 0, len(file.Accounts)),
		ActiveIndex:         file.ActiveIndex,
		ActiveIndexByFamily: map[domain.Family]int{},
	}
	for raw, index := range file.ActiveIndexByFamily {
		family, err := domain.ParseFamily(raw)
		if err != nil {
			continue
		}
		store.ActiveIndexByFamily[family] = index
	}

	for _, account := range file.Accounts {
		resets := map[domain.Family]time.Time{}
		setReset(resets, domain.FamilyClaude, account.RateLimitResetTimes.Claude)
		setReset(resets, domain.FamilyGeminiAntigravity, account.RateLimitResetTimes.GeminiAntigravity)
		setReset(resets, domain.FamilyGeminiCLI, account.RateLimitResetTimes.GeminiCLI)

		store.Credentials = append(store.Credentials, domain.Credential{
			Email:               account.Email,
			RefreshToken:        account.RefreshToken,
			ProjectID:           account.ProjectID,
			ManagedProjectID:    account.ManagedProjectID,
			AddedAt:             fromMillis(account.AddedAt),
			LastUsed:            fromMillis(account.LastUsed),
			LastSwitchReason:    domain.SwitchReason(account.LastSwitchReason),
			RateLimitResetTimes: resets,
		})
	}

	store.Clamp()
	return store
}

func setReset(resets map[domain.Family]time.Time, family domain.Family, ms int64) {
	if ms > 0 {
		resets[family] = fromMillis(ms)
	}
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
