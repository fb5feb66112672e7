package companion

import (
	"strings"
	"unicode/utf8"
)

const deepMomentMinLength = 50

// DeepTriggers covers both heavy and celebratory moments.
var DeepTriggers = []string{
	"sad", "upset", "anxious", "lonely", "fail", "broken", "worry", "hurt",
	"grief", "depressed", "exhausted", "scared", "angry", "frustrated",
	"hopeless", "overwhelmed", "stressed", "crying", "panic",

	"amazing", "incredible", "best day", "so happy", "excited", "promotion",
	"got the job", "engaged", "pregnant", "won", "finally",
}

// DetectDeepMoment reports whether message is emotionally significant. A trigger word
// alone is not enough: the message must also be longer than 50 characters.
func DetectDeepMoment(message string, _ Tier) (isDeep, hasKeyword bool) {
	text := strings.ToLower(message)
	hasKeyword = containsAny(text, DeepTriggers)
	isDeep = hasKeyword && utf8.RuneCountInString(text) > deepMomentMinLength
	return isDeep, hasKeyword
}
