package companion

import (
	"fmt"
	"time"
)

const eventRecallDays = 1

// TimePeriod names the part of the day for a user-local hour.
func TimePeriod(hour int) string {
	switch {
	case hour >= 5 && hour < 12:
		return "Morning"
	case hour >= 12 && hour < 18:
		return "Afternoon"
	default:
		return "Evening"
	}
}

// ShouldRecallEvent reports whether the greeting should ask about the stored event.
// An event is recalled at most once per day, only while it is recent, and never to a
// low-energy user. An unreadable event date is never recalled.
func ShouldRecallEvent(ac ActiveContext, today time.Time, vibe int) bool {
	if ac.SignificantEvent == "" || ac.EventDate == "" {
		return false
	}
	eventDay, err := time.Parse(DateLayout, ac.EventDate)
	if err != nil {
		return false
	}
	todayStr := today.Format(DateLayout)
	day, _ := time.Parse(DateLayout, todayStr)
	daysSince := int(day.Sub(eventDay).Hours() / 24)
	return daysSince <= eventRecallDays && ac.LastRecalledDate != todayStr && vibe >= lowVibe
}

// GreetingPrompt builds the single system message used to open a session.
func GreetingPrompt(personaVoice, period string, vibe int, eventName string) string {
	var vibeText string
	switch {
	case vibe < lowVibe:
		vibeText = "USER STATE: Exhausted. ACTING: Quiet, soothing, soft. NO harsh words or slang. Offer support."
	case vibe > highVibe:
		vibeText = "USER STATE: Hyped. ACTING: Match excitement. High energy."
	default:
		vibeText = "USER STATE: Neutral. ACTING: Casual, easygoing. NO comfort offered."
	}

	rule := fmt.Sprintf("MANDATORY START: 'Good %s. How is it going?'", period)
	if eventName != "" {
		rule += fmt.Sprintf(" Then, ask casually about this event: '%s'.", eventName)
	}
	return fmt.Sprintf("%s\n%s\nCONTEXT: %s\nTASK: Generate 1 short spoken line.", personaVoice, rule, vibeText)
}
