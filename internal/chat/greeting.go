package chat

import (
	"context"
	"strings"

	"github.com/stellarlinkco/keepsake/internal/companion"
	"github.com/stellarlinkco/keepsake/internal/llm"
)

type GreetingResult struct {
	Greeting   string `json:"greeting"`
	TimePeriod string `json:"time_period"`
}

// Greeting opens a session with a short line in the persona's voice. A recent event
// is brought up at most once per day, and only when the user has energy for it.
func (s *Service) Greeting(ctx context.Context, userID string, vibe int) (*GreetingResult, error) {
	vibe = max(0, min(100, vibe))
	mem, stored := s.loadStored(ctx, userID)
	local := companion.LocalTime(s.now(), mem.TimeOffset)
	period := companion.TimePeriod(local.Hour())

	event := ""
	if companion.ShouldRecallEvent(mem.ActiveContext, local, vibe) {
		event = mem.ActiveContext.SignificantEvent
		mem.ActiveContext.LastRecalledDate = local.Format(companion.DateLayout)
	}

	callCtx, cancel := context.WithTimeout(ctx, s.callTimeout)
	defer cancel()
	text, err := s.gen.Complete(callCtx, llm.Request{
		Model:  s.models.Economy,
		System: companion.GreetingPrompt(s.personas.Voice(mem.AvatarID), period, vibe, event),
		User:   userID,
	})
	if err != nil {
		return nil, s.generationError(ctx, err)
	}
	text = strings.TrimSpace(text)

	mem.History = append(mem.History, companion.Message{Role: companion.RoleAssistant, Content: text})
	s.save(ctx, userID, mem, stored)

	return &GreetingResult{Greeting: text, TimePeriod: period}, nil
}
