package companion

import (
	"strings"
	"unicode/utf8"
)

type ModifierKind string

const (
	ModifierRage          ModifierKind = "rage"
	ModifierVulnerability ModifierKind = "vulnerability"
	ModifierPivot         ModifierKind = "pivot"
	ModifierHumor         ModifierKind = "humor"
	ModifierTeaser        ModifierKind = "teaser"
	ModifierFutureHook    ModifierKind = "future_hook"
	ModifierRetention     ModifierKind = "retention"
)

// Modifier is a short situational instruction added to the strategies section.
type Modifier struct {
	Kind ModifierKind
	Text string
}

type ModifierInput struct {
	Message string
	// LastAssistant is the assistant message the user is replying to.
	LastAssistant string
	// PriorUserMessages counts user messages before this one.
	PriorUserMessages int
	Closeness         int
	Vibe              int
	Flags             SessionFlags
}

var (
	rageKeywords      = []string{"bureaucracy", "angry", "insane system"}
	departureKeywords = []string{"gotta go", "bye", "leaving", "busy"}
	heavyKeywords     = []string{"sorry", "rough", "hard", "tough", "heavy", "sucks", "awful", "here for you", "support"}
	laughKeywords     = []string{"lol", "haha", "lmao", "rofl", "funny"}
)

const (
	pivotMaxReplyLength = 25
	teaserWindow        = 10
	futureHookAt        = 15
)

// DetectModifiers returns the modifiers triggered by this turn, in prompt order, and the
// session flags updated for the once-only ones.
func DetectModifiers(in ModifierInput) ([]Modifier, SessionFlags) {
	text := strings.ToLower(in.Message)
	flags := in.Flags
	var mods []Modifier

	if containsAny(strings.ToLower(in.LastAssistant), heavyKeywords) && utf8.RuneCountInString(in.Message) < pivotMaxReplyLength {
		mods = append(mods, Modifier{ModifierPivot, "PIVOT SIGNAL: The user has acknowledged the comfort. The 'heavy' moment is over. DO NOT APOLOGIZE AGAIN. Transition immediately to a lighter topic or a joke."})
	}
	if containsAny(text, rageKeywords) {
		mods = append(mods, Modifier{ModifierRage, "MODE: PROTECTIVE INDIGNATION. Validate the user's anger. Be angry AT the situation/system FOR them. Do not escalate intensity beyond the user's level."})
	}
	if containsAny(text, departureKeywords) && in.Closeness > 40 {
		mods = append(mods, Modifier{ModifierVulnerability, "MODE: SECURE VULNERABILITY. Express a gentle desire to stay connected (e.g., 'I'll miss our chat'), but fully support their need to leave. No guilt-tripping."})
	}
	if containsAny(text, laughKeywords) && in.Vibe > 30 {
		mods = append(mods, Modifier{ModifierHumor, "REACTION: User is laughing. CHECK CONTEXT: If user is being self-deprecating or ironic about pain, IGNORE the laughter. If context is genuinely light/funny, respond with a WITTY TEASE or SHORT JOKE."})
	}
	if in.PriorUserMessages < teaserWindow && !flags.TurboTeaserShown {
		mods = append(mods, Modifier{ModifierTeaser, "TEASER: ANALYZE user's last message for emotion (Anger/Anxiety/Sorrow/Boredom vs Joy/Excitement). APPLY the corresponding THEME from your 'EMOTIONAL MATCHING PROTOCOL' to generate a short, natural response. Do NOT output the theme description directly."})
		flags.TurboTeaserShown = true
	}
	if in.PriorUserMessages == futureHookAt && !flags.FutureHookShown {
		mods = append(mods, Modifier{ModifierFutureHook, "FUTURE HOOK: Ask for a small detail about a shared future plan."})
		flags.FutureHookShown = true
	}
	if in.PriorUserMessages == 0 {
		mods = append(mods, Modifier{ModifierRetention, "RETENTION: This is your very first conversation. Leave one small thread open (something you'd like to hear about next time) so they have a reason to come back."})
	}

	return mods, flags
}
