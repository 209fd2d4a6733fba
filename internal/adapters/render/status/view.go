package status

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/bnema/turnguard/internal/application"
	"github.com/bnema/turnguard/internal/domain"
)

const familyColumnWidth = 19

type RenderOptions struct {
	Now time.Time
}

// CacheSummary describes the persisted signature cache.
type CacheSummary struct {
	Path    string
	Entries int
	// Live counts entries still inside the memory TTL.
	Live      int
	MemoryTTL time.Duration
	DiskTTL   time.Duration
	Stats     domain.CacheStats
}

func renderView(statuses []application.CredentialStatus, opts RenderOptions, s styles) string {
	lines := []string{
		s.title.Render("Credentials"),
		s.header.Render(fmt.Sprintf("credentials: %d", len(statuses))),
	}

	if len(statuses) == 0 {
		lines = append(lines, s.empty.Render("No credentials configured."))
		return lipgloss.JoinVertical(lipgloss.Left, lines...)
	}

	for _, status := range statuses {
		lines = append(lines, s.section.Render(renderCredential(status, opts, s)))
	}

	return lipgloss.JoinVertical(lipgloss.Left, lines...)
}

func renderCredential(status application.CredentialStatus, opts RenderOptions, s styles) string {
	parts := []string{
		s.account.Render(fmt.Sprintf("#%d %s", status.Index, strings.TrimSpace(status.Credential.Email))),
		s.detail.Render(usageLine(status.Credential, opts.Now)),
	}

	for _, family := range status.Families {
		parts = append(parts, familyLine(family, opts, s))
	}

	return lipgloss.JoinVertical(lipgloss.Left, parts...)
}

func usageLine(credential domain.Credential, now time.Time) string {
	lastUsed := "never"
	if !credential.LastUsed.IsZero() {
		lastUsed = formatAgo(credential.LastUsed, now)
	}

	line := "last used: " + lastUsed
	if credential.LastSwitchReason != "" {
		line += ", switch: " + string(credential.LastSwitchReason)
	}
	if project := credential.ManagedProjectID; project != "" {
		line += ", project: " + project
	} else if credential.ProjectID != "" {
		line += ", project: " + credential.ProjectID
	}
	return line
}

func familyLine(family application.FamilyStatus, opts RenderOptions, s styles) string {
	marker := " "
	if family.Active {
		marker = s.active.Render("*")
	}
	label := s.familyKey.Render(fmt.Sprintf("%-*s", familyColumnWidth, family.Family))

	if family.Eligible {
		return lipgloss.JoinHorizontal(lipgloss.Top, marker, " ", label, " ", s.ready.Render("ready"))
	}

	resetStyle := lipgloss.NewStyle().Foreground(resetTimeColor(family.ResetAt, opts.Now))
	return lipgloss.JoinHorizontal(
		lipgloss.Top,
		marker,
		" ",
		label,
		" ",
		s.warning.Render("rate limited"),
		" ",
		resetStyle.Render(fmt.Sprintf("(%s)", formatResetRelative(family.ResetAt, opts.Now))),
	)
}

func renderCacheView(summary CacheSummary, opts RenderOptions, s styles) string {
	lines := []string{
		s.title.Render("Signature Cache"),
		s.header.Render(summary.Path),
	}

	if summary.Entries == 0 && summary.Stats == (domain.CacheStats{}) {
		lines = append(lines, s.empty.Render("No signature cache on disk."))
		return lipgloss.JoinVertical(lipgloss.Left, lines...)
	}

	stats := summary.Stats
	lookups := stats.MemoryHits + stats.DiskHits + stats.Misses
	hitPercent := 0.0
	if lookups > 0 {
		hitPercent = float64(stats.MemoryHits+stats.DiskHits) * 100 / float64(lookups)
	}

	lastWrite := "never"
	if !stats.LastWrite.IsZero() {
		lastWrite = formatAgo(stats.LastWrite, opts.Now)
	}

	body := []string{
		s.detail.Render(fmt.Sprintf("entries: %d (%d within memory ttl %s, disk ttl %s)", summary.Entries, summary.Live, summary.MemoryTTL, summary.DiskTTL)),
		s.detail.Render(fmt.Sprintf("hits: %d memory, %d disk; misses: %d", stats.MemoryHits, stats.DiskHits, stats.Misses)),
		lipgloss.JoinHorizontal(lipgloss.Top,
			s.familyKey.Render("hit ratio:"),
			" ",
			renderProgressBar(hitPercent, 24, s),
			" ",
			lipgloss.NewStyle().Foreground(interpolateColor(hitPercent, 0, 100)).Render(fmt.Sprintf("%3.0f%%", hitPercent)),
		),
		s.detail.Render(fmt.Sprintf("writes: %d, last write: %s", stats.Writes, lastWrite)),
	}
	lines = append(lines, s.section.Render(lipgloss.JoinVertical(lipgloss.Left, body...)))

	return lipgloss.JoinVertical(lipgloss.Left, lines...)
}

func renderProgressBar(filledPercent float64, width int, s styles) string {
	if width <= 0 {
		return ""
	}

	fraction := clampPercent(filledPercent) / 100.0
	filled := int(math.Round(float64(width) * fraction))
	if filled < 0 {
		filled = 0
	}
	if filled > width {
		filled = width
	}

	empty := width - filled
	fillSegment := s.barFill.Render(strings.Repeat("=", filled))
	emptySegment := s.barEmpty.Render(strings.Repeat("-", empty))

	return lipgloss.JoinHorizontal(
		lipgloss.Top,
		s.barBracket.Render("["),
		fillSegment,
		emptySegment,
		s.barBracket.Render("]"),
	)
}

func clampPercent(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}

func formatAgo(at, now time.Time) string {
	if now.IsZero() {
		return at.Format(time.RFC3339)
	}

	elapsed := now.Sub(at)
	switch {
	case elapsed < time.Minute:
		return "just now"
	case elapsed < time.Hour:
		return pluralize(int(elapsed/time.Minute), "minute") + " ago"
	case elapsed < 24*time.Hour:
		return pluralize(int(elapsed/time.Hour), "hour") + " ago"
	default:
		return pluralize(int(elapsed/(24*time.Hour)), "day") + " ago"
	}
}

func formatResetAt(resetsAt, now time.Time) string {
	if resetsAt.IsZero() {
		return "unknown"
	}
	if now.IsZero() {
		return resetsAt.Format(time.RFC3339)
	}

	yearA, monthA, dayA := now.Date()
	yearB, monthB, dayB := resetsAt.Date()
	if yearA == yearB && monthA == monthB && dayA == dayB {
		return resetsAt.Format("15:04")
	}

	return resetsAt.Format("15:04 on 02 Jan")
}

func formatResetRelative(resetsAt, now time.Time) string {
	if now.IsZero() || resetsAt.IsZero() {
		return "resets " + formatResetAt(resetsAt, now)
	}

	if !resetsAt.After(now) {
		return "reset now"
	}

	remaining := resetsAt.Sub(now)
	if remaining < time.Hour {
		minutes := int(math.Ceil(remaining.Minutes()))
		return fmt.Sprintf("resets in %s (%s)", pluralize(minutes, "minute"), resetsAt.Format("15:04"))
	}
	if remaining < 24*time.Hour {
		hours := int(math.Ceil(remaining.Hours()))
		return fmt.Sprintf("resets in %s (%s)", pluralize(hours, "hour"), resetsAt.Format("15:04"))
	}

	days := int(math.Ceil(remaining.Hours() / 24))
	return fmt.Sprintf("resets in %s (%s)", pluralize(days, "day"), resetsAt.Format("15:04 on 02 Jan"))
}

func pluralize(n int, unit string) string {
	if n < 1 {
		n = 1
	}
	if n == 1 {
		return "1 " + unit
	}
	return fmt.Sprintf("%d %ss", n, unit)
}

func interpolateColor(value, min, max float64) lipgloss.Color {
	if max == min {
		return lipgloss.Color("255")
	}

	normalized := (value - min) / (max - min)
	if normalized < 0 {
		normalized = 0
	}
	if normalized > 1 {
		normalized = 1
	}

	// 240 (faded grey) at min up to 255 (bright white) at max.
	interpolated := 240.0 + 15.0*normalized
	return lipgloss.Color(fmt.Sprintf("%d", int(interpolated)))
}

// resetTimeColor brightens as a rate limit approaches its reset, over a
// five hour horizon.
func resetTimeColor(resetsAt, now time.Time) lipgloss.Color {
	if now.IsZero() || resetsAt.Before(now) {
		return lipgloss.Color("255")
	}

	horizon := 5 * time.Hour
	remaining := resetsAt.Sub(now)
	return interpolateColor(horizon.Seconds()-remaining.Seconds(), 0, horizon.Seconds())
}
