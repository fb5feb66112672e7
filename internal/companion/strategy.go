package companion

import "strings"

type StrategyKind string

const (
	StrategyPermission  StrategyKind = "permission"
	StrategyReciprocity StrategyKind = "reciprocity"
	StrategyExploration StrategyKind = "exploration"
)

type Strategy struct {
	Kind            StrategyKind
	Text            string
	AllowsQuestions bool
}

var fatigueKeywords = []string{"tired", "drained", "exhausted", "overwhelmed", "can't"}

// SelectStrategy decides the conversational value strategy. First match wins.
func SelectStrategy(state EmotionalState, message string) Strategy {
	if state.Stability < 50 || containsAny(strings.ToLower(message), fatigueKeywords) {
		return Strategy{
			Kind: StrategyPermission,
			Text: "PRIMARY VALUE: PERMISSION. Validate fatigue/stress. Use comforting statements only.",
		}
	}
	if state.Warmth > 60 {
		return Strategy{
			Kind:            StrategyReciprocity,
			Text:            "PRIMARY VALUE: RECIPROCITY. Inject high warmth. You may ask a gentle question about their deeper feelings.",
			AllowsQuestions: true,
		}
	}
	return Strategy{
		Kind:            StrategyExploration,
		Text:            "PRIMARY VALUE: EXPLORATION. Maintain warm support. You may ask 1 specific follow-up question to encourage sharing.",
		AllowsQuestions: true,
	}
}
