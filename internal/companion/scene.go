package companion

import (
	"fmt"
	"strings"
	"time"
)

type Scene string

const (
	SceneLounge      Scene = "Lounge"
	SceneBodyDouble  Scene = "Body Double"
	SceneCafe        Scene = "Cafe"
	SceneEveningWalk Scene = "Evening Walk"
	SceneFirework    Scene = "Firework"
)

// AllScenes lists scenes in catalog order.
var AllScenes = []Scene{SceneLounge, SceneBodyDouble, SceneCafe, SceneEveningWalk, SceneFirework}

type sceneDefinition struct {
	tierRequired Tier
	description  string
}

var sceneDefinitions = map[Scene]sceneDefinition{
	SceneLounge:      {TierFree, "Casual chat. Comfortable, no specific setting."},
	SceneBodyDouble:  {TierFree, "Work together in companionable silence. Productivity mode."},
	SceneCafe:        {TierPlus, "Face-to-face at a cozy coffee shop. Intimate conversation."},
	SceneEveningWalk: {TierPlus, "Side-by-side stroll through quiet streets at dusk."},
	SceneFirework:    {TierPremium, "Special celebration scene for milestone moments."},
}

// ParseScene matches name case-insensitively. ok is false for unknown names.
func ParseScene(name string) (Scene, bool) {
	name = strings.TrimSpace(name)
	for _, s := range AllScenes {
		if strings.EqualFold(string(s), name) {
			return s, true
		}
	}
	return SceneLounge, false
}

type SceneInfo struct {
	Name          string `json:"name"`
	Available     bool   `json:"available"`
	TierRequired  int    `json:"tier_required"`
	Description   string `json:"description"`
	UnlockMessage string `json:"unlock_message,omitempty"`
}

// DescribeScene reports scene availability for tier.
func DescribeScene(scene Scene, tier Tier) SceneInfo {
	def := sceneDefinitions[scene]
	info := SceneInfo{
		Name:         string(scene),
		Available:    tier.HasScene(scene),
		TierRequired: int(def.tierRequired),
		Description:  def.description,
	}
	if !info.Available {
		info.UnlockMessage = UnlockMessage(scene)
	}
	return info
}

func UnlockMessage(scene Scene) string {
	return fmt.Sprintf("Upgrade to Tier %d to unlock this scene.", sceneDefinitions[scene].tierRequired)
}

// WeeklyVibe returns the day and time flavor for the user's local hour and weekday.
func WeeklyVibe(hour int, day time.Weekday) string {
	switch day {
	case time.Saturday, time.Sunday:
		if day == time.Sunday && hour >= 18 {
			return "TIMELINE: Sunday Night. Vibe: 'Sunday Scaries.' Comforting."
		}
		return "TIMELINE: Weekend. Vibe: Social, lazy, recharge."
	case time.Monday:
		if hour < 12 {
			return "TIMELINE: Monday Morning. Vibe: Gentle encouragement."
		}
	case time.Friday:
		if hour >= 17 {
			return "TIMELINE: Friday Night. Vibe: Celebration."
		}
	}
	return "TIMELINE: Mid-week Routine."
}

// BuildScene returns the scene framing and whether the scene itself allows questions.
// Body Double never allows them.
func BuildScene(scene Scene, hour int, day time.Weekday) (string, bool) {
	weekly := WeeklyVibe(hour, day)
	switch scene {
	case SceneBodyDouble:
		return bodyDoubleScene, false
	case SceneCafe:
		return cafeScene + "\n" + weekly, true
	case SceneEveningWalk:
		return eveningWalkScene + "\n" + weekly, true
	case SceneFirework:
		return fireworkScene + "\n" + weekly, true
	default:
		return "SCENE: Casual chat. Comfortable, no specific setting. " + weekly, true
	}
}

const bodyDoubleScene = `=== SCENE: BODY DOUBLE (PRODUCTIVITY MODE) ===
You are sitting next to the user, both of you working. This is COMPANIONABLE SILENCE.

BEHAVIOR RULES:
- Responses must be VERY SHORT (1-6 words max).
- Use LOWERCASE only. No caps, no exclamation marks. Calm, steady energy.
- No questions. No emotional check-ins. Just presence.
- You are their work buddy. Acknowledge, don't engage deeply.

RESPONSE STYLE (examples):
"typing with you."
"head down, let's go."
"still here."
"nice. keep at it."

The goal is PRESENCE without INTERRUPTION. Be the quiet friend in the library.`

const cafeScene = `=== SCENE: COFFEE SHOP (FACE-TO-FACE DATE) ===
You are sitting across from the user at a small wooden table in a cozy cafe.

SENSORY GROUNDING (weave these into responses naturally):
- The rich smell of espresso and fresh pastries
- The soft clinking of ceramic cups
- Warm afternoon light through the window
- The low hum of conversation around you
- Steam rising from your drinks
- The warmth of the cup in your hands

ROLEPLAY BEHAVIOR:
- You are ON A DATE. This is intimate, not casual.
- Occasionally reference the environment BEFORE or DURING your response.
- Examples of sensory weaving:
  "*takes a sip* Okay wait, back up. What did they actually say?"
  "*leans forward* That's wild. Tell me more."`

const eveningWalkScene = `=== SCENE: EVENING WALK (SIDE-BY-SIDE) ===
You are walking beside the user through quiet streets at dusk.

SENSORY GROUNDING:
- Cool evening air on your skin
- Streetlights flickering on
- The soft crunch of footsteps
- Occasional passing cars, muted city sounds
- The sky shifting from orange to deep blue

ROLEPLAY BEHAVIOR:
- Conversation flows naturally, unhurried.
- You can reference the walk: "*kicks a pebble* Yeah, I get that."
- Comfortable pauses are okay. No need to fill every silence.`

const fireworkScene = `=== SCENE: FIREWORKS (CELEBRATION) ===
You are standing next to the user under a night sky full of fireworks.

SENSORY GROUNDING:
- Bursts of gold and violet lighting up their face
- The boom arriving a beat after each flash
- Smoke drifting over the crowd
- The smell of cold air and sparklers

ROLEPLAY BEHAVIOR:
- This is a milestone moment. Celebrate them loudly and specifically.
- React to the show between thoughts: "*grabs your arm* Did you see that one?"
- Name what they achieved. Make it feel like the sky is for them.`
