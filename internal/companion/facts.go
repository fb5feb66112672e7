package companion

import (
	"strings"
	"time"

	"github.com/samber/lo"
)

const (
	NoFactsText        = "(No stored facts yet)"
	freeTierDisclaimer = "(Free tier: 48-hour memory window)"
)

// MigrateFacts stamps legacy facts with now and drops entries without content.
// It returns the migrated list and how many legacy facts were stamped.
func MigrateFacts(facts []Fact, now time.Time) ([]Fact, int) {
	out := make([]Fact, 0, len(facts))
	migrated := 0
	for _, f := range facts {
		if f.Content == "" {
			continue
		}
		if f.Legacy {
			f = Fact{Content: f.Content, CreatedAt: FormatTimestamp(now)}
			migrated++
		}
		out = append(out, f)
	}
	return out, migrated
}

// ValidFacts returns the facts visible at tier and how many are hidden by expiry.
// Facts whose timestamp cannot be read stay visible.
func ValidFacts(facts []Fact, tier Tier, now time.Time) ([]string, int) {
	if len(facts) == 0 {
		return []string{}, 0
	}
	facts, _ = MigrateFacts(facts, now)

	hours := tier.Config().MemoryHours
	if hours <= 0 {
		return lo.Map(facts, func(f Fact, _ int) string { return f.Content }), 0
	}

	cutoff := now.Add(-time.Duration(hours) * time.Hour)
	visible := make([]string, 0, len(facts))
	expired := 0
	for _, f := range facts {
		created, ok := ParseTimestamp(f.CreatedAt)
		if !ok || !created.Before(cutoff) {
			visible = append(visible, f.Content)
			continue
		}
		expired++
	}
	return visible, expired
}

// MergeFacts appends facts not already present by exact content and keeps the most
// recent MaxFacts.
func MergeFacts(existing []Fact, newFacts []string, now time.Time) []Fact {
	merged, _ := MigrateFacts(existing, now)
	seen := make(map[string]struct{}, len(merged))
	for _, f := range merged {
		seen[f.Content] = struct{}{}
	}
	stamp := FormatTimestamp(now)
	for _, content := range newFacts {
		if content == "" {
			continue
		}
		if _, ok := seen[content]; ok {
			continue
		}
		seen[content] = struct{}{}
		merged = append(merged, Fact{Content: content, CreatedAt: stamp})
	}
	if len(merged) > MaxFacts {
		merged = merged[len(merged)-MaxFacts:]
	}
	return merged
}

// FactsText renders visible facts for the memory section of the prompt.
func FactsText(visible []string, tier Tier) string {
	if len(visible) == 0 {
		return NoFactsText
	}
	text := strings.Join(visible, "\n")
	if tier == TierFree {
		text += "\n" + freeTierDisclaimer
	}
	return text
}
