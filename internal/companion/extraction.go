package companion

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/samber/lo"
)

const (
	extractionWindow  = 10
	minExtractionText = 5

	factPrefix = "• "
	jokePrefix = "• JOKE: "
)

// Extraction is what one extraction run found in the recent conversation.
type Extraction struct {
	Facts []string
	Event *Event
}

// Empty reports whether the run found nothing worth merging.
func (e Extraction) Empty() bool {
	return len(e.Facts) == 0 && e.Event == nil
}

// ExtractionPrompt builds the instruction for the extraction model from the last ten
// user messages. ok is false when there is too little text to analyze.
func ExtractionPrompt(history []Message) (string, bool) {
	userText := lo.FilterMap(history, func(m Message, _ int) (string, bool) {
		return m.Content, m.Role == RoleUser
	})
	if len(userText) > extractionWindow {
		userText = userText[len(userText)-extractionWindow:]
	}
	recent := strings.Join(userText, " ")
	if utf8.RuneCountInString(recent) < minExtractionText {
		return "", false
	}
	return fmt.Sprintf("ANALYZE: '%s'\n"+
		"Identify specific UPCOMING EVENTS (dates, appointments), FACTS about the user, or JOKES they made.\n"+
		"Output strictly in this format (or 'None' for each if not found):\n"+
		"EVENT: [Event Name or None]\n"+
		"FACT: [Fact content or None]\n"+
		"HUMOR: [Joke content or None]", recent), true
}

// ParseExtraction reads the labelled lines of an extraction reply. Every line is
// considered on its own, so a "None" on one line never hides the others.
func ParseExtraction(text string, today time.Time) Extraction {
	var out Extraction
	for _, line := range strings.Split(text, "\n") {
		clean := strings.TrimSpace(line)
		if clean == "" || strings.EqualFold(clean, "none") {
			continue
		}
		upper := strings.ToUpper(clean)
		switch {
		case strings.Contains(upper, "FACT:"):
			if v, ok := labelValue(clean); ok {
				out.Facts = append(out.Facts, factPrefix+v)
			}
		case strings.Contains(upper, "EVENT:"):
			if v, ok := labelValue(clean); ok {
				out.Event = &Event{Name: v, Date: today.Format(DateLayout)}
			}
		case strings.Contains(upper, "HUMOR:"):
			if v, ok := labelValue(clean); ok {
				out.Facts = append(out.Facts, jokePrefix+v)
			}
		}
	}
	return out
}

func labelValue(line string) (string, bool) {
	_, after, found := strings.Cut(line, ":")
	if !found {
		return "", false
	}
	v := strings.TrimSpace(after)
	if v == "" || strings.Contains(strings.ToLower(v), "none") {
		return "", false
	}
	return v, true
}
