package companion

import (
	"fmt"
	"strings"
	"time"

	"github.com/samber/lo"
)

// Section names, in the order Compile emits them.
const (
	SectionIdentity        = "identity"
	SectionPersona         = "persona"
	SectionEmotionalMatrix = "emotional_matrix"
	SectionSessionState    = "session_state"
	SectionScene           = "scene"
	SectionMemory          = "memory"
	SectionStrategies      = "strategies"
	SectionConstraints     = "constraints"
)

const (
	behaviorBlock = "AGENCY: Small actions. INVITATION: If Closeness > 40, suggest cafe."
	safetyBlock   = "CRITICAL: No NSFW. No physical body claims. No therapy language."
	toneBlock     = "TONE: Calm, warm, steady."

	newRelationshipThreshold = 20
	closeAllyCloseness       = 40
	lowVibe                  = 30
	highVibe                 = 70
)

type Section struct {
	Name  string
	Title string
	Body  string
}

// Prompt is a compiled system prompt. Postscript is sent separately as the last
// system message so its rules sit closest to the reply.
type Prompt struct {
	Sections        []Section
	AllowsQuestions bool
	Postscript      string
}

func (p Prompt) Section(name string) (Section, bool) {
	return lo.Find(p.Sections, func(s Section) bool { return s.Name == name })
}

func (p Prompt) Has(name string) bool {
	_, ok := p.Section(name)
	return ok
}

// String renders the sections into the final system prompt text.
func (p Prompt) String() string {
	var sb strings.Builder
	for i, s := range p.Sections {
		if i > 0 {
			sb.WriteString("\n\n")
		}
		fmt.Fprintf(&sb, "=== %s ===\n%s", s.Title, s.Body)
	}
	return sb.String()
}

type CompileInput struct {
	MasterPrompt    string
	EmotionalMatrix string
	PersonaVoice    string
	Profile         UserProfile

	// UserMessageCount includes the message being answered.
	UserMessageCount int
	State            EmotionalState
	Vibe             int
	Scene            Scene
	LocalTime        time.Time

	FactsText string
	RAGText   string

	Strategy  Strategy
	Modifiers []Modifier
	IsDeep    bool
}

// Compile assembles the layered system prompt and the final question permission.
// Questions are allowed only when no source vetoes them.
func Compile(in CompileInput) Prompt {
	sceneText, sceneAllows := BuildScene(in.Scene, in.LocalTime.Hour(), in.LocalTime.Weekday())
	vibeText, vibeAllows := vibeInstruction(in.Vibe)

	allows := sceneAllows && in.Strategy.AllowsQuestions && vibeAllows
	if in.Scene == SceneBodyDouble {
		allows = false
	}

	userName := lo.CoalesceOrEmpty(strings.TrimSpace(in.Profile.Name), "Friend")
	companionName := lo.CoalesceOrEmpty(strings.TrimSpace(in.Profile.CompanionName), DefaultCompanionName)

	b := &sectionBuilder{}
	b.add(SectionIdentity, "CORE IDENTITY & RULES", in.MasterPrompt)
	b.add(SectionPersona, "YOUR PERSONA (Voice, Tone, Style)",
		fmt.Sprintf("You are %q, talking to %q.", companionName, userName), in.PersonaVoice)
	b.add(SectionEmotionalMatrix, "EMOTIONAL INTELLIGENCE MATRIX (USE THIS)", in.EmotionalMatrix)
	b.add(SectionSessionState, "CURRENT SESSION STATE",
		phaseAnchor(in.UserMessageCount),
		RelationshipStage(in.UserMessageCount, in.State.Closeness),
		scoreSummary(in.State),
		vibeText)
	b.add(SectionScene, "SCENE CONTEXT", sceneText)
	b.add(SectionMemory, "MEMORY (What you remember about the user)", recallBlock(in.FactsText, in.RAGText))

	strategies := []string{in.Strategy.Text}
	for _, m := range in.Modifiers {
		strategies = append(strategies, m.Text)
	}
	b.add(SectionStrategies, "ACTIVE STRATEGIES (Apply if relevant)", strategies...)
	b.add(SectionConstraints, "CONSTRAINTS", behaviorBlock, safetyBlock, toneBlock)

	return Prompt{
		Sections:        b.sections,
		AllowsQuestions: allows,
		Postscript:      StyleEnforcement(in.IsDeep, allows),
	}
}

type sectionBuilder struct {
	sections []Section
}

// add joins the non-blank lines into one section body; an all-blank section is skipped.
func (b *sectionBuilder) add(name, title string, lines ...string) {
	parts := lo.Filter(lines, func(l string, _ int) bool { return strings.TrimSpace(l) != "" })
	if len(parts) == 0 {
		return
	}
	b.sections = append(b.sections, Section{Name: name, Title: title, Body: strings.Join(parts, "\n")})
}

// RelationshipStage describes the relationship for the given message count.
func RelationshipStage(userMessageCount, closeness int) string {
	if userMessageCount < newRelationshipThreshold {
		return "MODE: NEW RELATIONSHIP. Strategy: Validation + Siding with them + Statements. Limit questions."
	}
	if closeness > closeAllyCloseness {
		return "RELATIONSHIP: CLOSE ALLY. You know them well. Side with their vents. Reference shared history."
	}
	return "RELATIONSHIP: STEADY. Building trust. Be consistent and warm."
}

func phaseAnchor(userMessageCount int) string {
	if userMessageCount < newRelationshipThreshold {
		return "PHASE: EARLY RELATIONSHIP. You don't have much history yet. Focus on being a supportive presence."
	}
	return "PHASE: ESTABLISHED RELATIONSHIP. You have history together. Reference past conversations when relevant."
}

func scoreSummary(s EmotionalState) string {
	return fmt.Sprintf("CURRENT SCORES: Closeness=%d, Warmth=%d, Stability=%d", s.Closeness, s.Warmth, s.Stability)
}

// vibeInstruction maps the user-declared energy level to tone guidance. Low energy
// also vetoes questions.
func vibeInstruction(vibe int) (string, bool) {
	switch {
	case vibe < lowVibe:
		return "USER STATE: Low Energy. Keep responses soft, quiet, non-demanding.", false
	case vibe > highVibe:
		return "USER STATE: High Energy. Match their excitement. Be Hype.", true
	default:
		return "USER STATE: Neutral. Casual, easygoing.", true
	}
}

func recallBlock(factsText, ragText string) string {
	if strings.TrimSpace(factsText) == "" {
		factsText = NoFactsText
	}
	block := `You have memories about the user below. USE THEM NATURALLY in conversation.

HOW TO USE MEMORIES:
- If a memory is relevant to what they're saying, REFERENCE IT: "Didn't you mention X before?"
- Show continuity: "How did that thing with [stored detail] go?"
- Use memories to deepen connection, not to interrogate.
- If no memories are relevant right now, just have a normal conversation.

USER FACTS:
` + factsText
	if strings.TrimSpace(ragText) != "" {
		block += "\n\nRELEVANT PAST CONTEXT (from long-term memory):\n" + ragText
	}
	return block
}

// RecallText formats retrieved snippets for the memory section.
func RecallText(snippets []string) string {
	lines := lo.FilterMap(snippets, func(s string, _ int) (string, bool) {
		s = strings.TrimSpace(s)
		return "- " + s, s != ""
	})
	return strings.Join(lines, "\n")
}
