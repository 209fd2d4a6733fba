package jsonfile

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/tidwall/gjson"

	"github.com/bnema/turnguard/internal/domain"
)

var (
	ErrStoreNotFound      = domain.ErrStoreNotFound
	ErrUnsupportedVersion = errors.New("unsupported credential store version")
	ErrMalformedStore     = errors.New("malformed credential store")
)

// decode reads the explicit version tag and returns the matching schema.
func decode(data []byte) (storeSchema, error) {
	if !gjson.ValidBytes(data) {
		return nil, fmt.Errorf("%w: invalid json", ErrMalformedStore)
	}
	if accounts := gjson.GetBytes(data, "accounts"); !accounts.IsArray() {
		return nil, fmt.Errorf("%w: accounts is not an array", ErrMalformedStore)
	}

	version := gjson.GetBytes(data, "version")
	if version.Type != gjson.Number {
		return nil, fmt.Errorf("%w: missing version", ErrUnsupportedVersion)
	}

	var (
		schema storeSchema
		err    error
	)
	switch version.Int() {
	case 1:
		var file storeV1
		err = json.Unmarshal(data, &file)
		schema = file
	case 2:
		var file storeV2
		err = json.Unmarshal(data, &file)
		schema = file
	case 3:
		var file storeV3
		err = json.Unmarshal(data, &file)
		schema = file
	default:
		return nil, fmt.Errorf("%w %d (current %d)", ErrUnsupportedVersion, version.Int(), currentSchemaVersion)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedStore, err)
	}

	return schema, nil
}

// migrate brings any schema to the current version. It reports whether a
// migration happened.
func migrate(schema storeSchema, now time.Time) (storeV3, bool) {
	switch file := schema.(type) {
	case storeV1:
		return migrateV2ToV3(migrateV1ToV2(file, now), now), true
	case storeV2:
		return migrateV2ToV3(file, now), true
	case storeV3:
		return file, false
	default:
		return storeV3{Version: currentSchemaVersion}, true
	}
}

// migrateV1ToV2 turns the single rate-limit flag into per-family reset times.
// A limit that is absent or already past is dropped.
func migrateV1ToV2(file storeV1, now time.Time) storeV2 {
	out := storeV2{
		Version:     2,
		Accounts:    make([]accountV2, 0, len(file.Accounts)),
		ActiveIndex: file.ActiveIndex,
	}

	for _, account := range file.Accounts {
		migrated := accountV2{accountBase: account.accountBase}
		if account.IsRateLimited && future(account.RateLimitResetTime, now) {
			migrated.RateLimitResetTimes = resetTimesV2{
				Claude: account.RateLimitResetTime,
				Gemini: account.RateLimitResetTime,
			}
		}
		out.Accounts = append(out.Accounts, migrated)
	}

	return out
}

// migrateV2ToV3 splits the gemini family into its two sub-families, copying
// the reset time to both. Past reset times are dropped.
func migrateV2ToV3(file storeV2, now time.Time) storeV3 {
	out := storeV3{
		Version:     currentSchemaVersion,
		Accounts:    make([]accountV3, 0, len(file.Accounts)),
		ActiveIndex: file.ActiveIndex,
	}

	if len(file.ActiveIndexByFamily) > 0 {
		out.ActiveIndexByFamily = map[string]int{}
		for family, index := range file.ActiveIndexByFamily {
			if family == "gemini" {
				out.ActiveIndexByFamily["gemini-antigravity"] = index
				out.ActiveIndexByFamily["gemini-cli"] = index
				continue
			}
			out.ActiveIndexByFamily[family] = index
		}
	}

	for _, account := range file.Accounts {
		migrated := accountV3{accountBase: account.accountBase}
		if future(account.RateLimitResetTimes.Claude, now) {
			migrated.RateLimitResetTimes.Claude = account.RateLimitResetTimes.Claude
		}
		if future(account.RateLimitResetTimes.Gemini, now) {
			migrated.RateLimitResetTimes.GeminiAntigravity = account.RateLimitResetTimes.Gemini
			migrated.RateLimitResetTimes.GeminiCLI = account.RateLimitResetTimes.Gemini
		}
		out.Accounts = append(out.Accounts, migrated)
	}

	return out
}

func future(ms int64, now time.Time) bool {
	return ms > 0 && ms > now.UnixMilli()
}
