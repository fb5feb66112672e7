package companion

import (
	"strings"
	"unicode/utf8"

	"github.com/samber/lo"
)

var (
	reliefKeywords   = []string{"thanks", "better", "lighter", "helped"}
	distressKeywords = []string{"sad", "tired", "mad"}
)

// UpdateEmotionalState applies the per-message score adjustments and clamps the result.
func UpdateEmotionalState(message string, state EmotionalState) EmotionalState {
	text := strings.ToLower(message)
	next := state

	if containsAny(text, reliefKeywords) {
		next.Stability += 15
		next.Warmth += 5
	} else if containsAny(text, distressKeywords) {
		next.Stability -= 5
	}

	if utf8.RuneCountInString(text) > 60 {
		next.Closeness += 2
	}

	// closeness here already includes the length bonus.
	next = next.Clamped()
	if next.Closeness > 30 {
		next.Agency++
	}

	return next.Clamped()
}

// AddWarmth raises warmth by delta, clamped.
func (s EmotionalState) AddWarmth(delta int) EmotionalState {
	s.Warmth += delta
	return s.Clamped()
}

func containsAny(text string, words []string) bool {
	return lo.ContainsBy(words, func(w string) bool {
		return strings.Contains(text, w)
	})
}
