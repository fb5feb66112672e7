package companion

import (
	"encoding/json"
	"fmt"
	"time"
)

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"

	MaxHistory = 50
	MaxFacts   = 20

	DefaultBalance       = 100
	DefaultAvatarID      = "1"
	DefaultOutfit        = "default"
	DefaultCompanionName = "Keepsake"
)

// EmotionalState holds the six relationship scores. Every score lives in [0,100].
type EmotionalState struct {
	Closeness  int `json:"closeness"`
	Warmth     int `json:"warmth"`
	Pace       int `json:"pace"`
	Stability  int `json:"stability"`
	SceneScore int `json:"scene_score"`
	Agency     int `json:"agency"`
}

func DefaultEmotionalState() EmotionalState {
	return EmotionalState{
		Closeness:  10,
		Warmth:     10,
		Pace:       10,
		Stability:  80,
		SceneScore: 0,
		Agency:     10,
	}
}

// Clamped returns a copy with every score forced into [0,100].
func (s EmotionalState) Clamped() EmotionalState {
	return EmotionalState{
		Closeness:  clampScore(s.Closeness),
		Warmth:     clampScore(s.Warmth),
		Pace:       clampScore(s.Pace),
		Stability:  clampScore(s.Stability),
		SceneScore: clampScore(s.SceneScore),
		Agency:     clampScore(s.Agency),
	}
}

func clampScore(v int) int {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Fact is one remembered statement about the user. Older records stored facts as bare
// strings; those decode with Legacy set and no timestamp until MigrateFacts stamps them.
type Fact struct {
	Content   string `json:"content"`
	CreatedAt string `json:"created_at"`
	Legacy    bool   `json:"-"`
}

func (f *Fact) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*f = Fact{Content: s, Legacy: true}
		return nil
	}
	type plain Fact
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return fmt.Errorf("decode fact: %w", err)
	}
	*f = Fact(p)
	return nil
}

type ActiveContext struct {
	LastTopic        string `json:"last_topic"`
	SignificantEvent string `json:"significant_event"`
	EventDate        string `json:"event_date"`
	LastRecalledDate string `json:"last_recalled_date"`
}

type UserProfile struct {
	Name          string `json:"name"`
	Age           string `json:"age"`
	Gender        string `json:"gender"`
	CompanionName string `json:"companion_name"`
}

// SessionFlags records the modifiers that may fire only once per user.
type SessionFlags struct {
	TurboTeaserShown bool `json:"turbo_teaser_shown"`
	FutureHookShown  bool `json:"future_hook_shown"`
}

// Event is a notable upcoming event or memory extracted from conversation.
type Event struct {
	Name string
	Date string
}

// UserMemory is the whole persisted record for one user.
type UserMemory struct {
	History             []Message      `json:"history"`
	EmotionalState      EmotionalState `json:"emotional_state"`
	UserProfile         UserProfile    `json:"user_profile"`
	ActiveContext       ActiveContext  `json:"active_context"`
	UserFacts           []Fact         `json:"user_facts"`
	Balance             int            `json:"balance"`
	Inventory           []string       `json:"inventory"`
	CurrentOutfit       string         `json:"current_outfit"`
	Tier                Tier           `json:"tier"`
	AvatarID            string         `json:"avatar_id"`
	HasChosenAvatar     bool           `json:"has_chosen_avatar"`
	TimeOffset          int            `json:"time_offset"`
	LastActiveTimestamp string         `json:"last_active_timestamp"`
	Free4oTasteUsed     bool           `json:"free_4o_taste_used"`
	SessionFlags        SessionFlags   `json:"session_flags"`
	UserMessagesSent    int            `json:"user_messages_sent,omitempty"`
}

// DefaultMemory returns the record a user starts with on first contact.
func DefaultMemory(now time.Time) *UserMemory {
	return &UserMemory{
		History:        []Message{},
		EmotionalState: DefaultEmotionalState(),
		UserProfile: UserProfile{
			CompanionName: DefaultCompanionName,
		},
		UserFacts:           []Fact{},
		Balance:             DefaultBalance,
		Inventory:           []string{"default"},
		CurrentOutfit:       DefaultOutfit,
		Tier:                TierFree,
		AvatarID:            DefaultAvatarID,
		LastActiveTimestamp: FormatTimestamp(now),
	}
}

// TruncateHistory keeps the most recent MaxHistory messages, dropping the oldest first.
func (m *UserMemory) TruncateHistory() {
	if len(m.History) > MaxHistory {
		m.History = append([]Message(nil), m.History[len(m.History)-MaxHistory:]...)
	}
}

// UserMessageCount is the number of messages the user has sent. History is capped,
// so records that carry a running total use it; older ones are counted from history.
func (m *UserMemory) UserMessageCount() int {
	n := 0
	for _, msg := range m.History {
		if msg.Role == RoleUser {
			n++
		}
	}
	return max(n, m.UserMessagesSent)
}

// LastAssistantMessage returns the most recent assistant message, or "".
func (m *UserMemory) LastAssistantMessage() string {
	for i := len(m.History) - 1; i >= 0; i-- {
		if m.History[i].Role == RoleAssistant {
			return m.History[i].Content
		}
	}
	return ""
}

// Clone returns a deep copy safe to hand to background work.
func (m *UserMemory) Clone() *UserMemory {
	c := *m
	c.History = append([]Message(nil), m.History...)
	c.UserFacts = append([]Fact(nil), m.UserFacts...)
	c.Inventory = append([]string(nil), m.Inventory...)
	return &c
}
