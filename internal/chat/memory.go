package chat

import (
	"context"
	"fmt"

	"github.com/samber/lo"

	"github.com/stellarlinkco/keepsake/internal/companion"
)

const defaultHistoryLimit = 50

type FactsSummary struct {
	Facts        []string       `json:"facts"`
	ExpiredCount int            `json:"expired_count"`
	Tier         companion.Tier `json:"tier"`
}

type EmotionalView struct {
	EmotionalState companion.EmotionalState `json:"emotional_state"`
	ActiveContext  companion.ActiveContext  `json:"active_context"`
}

type Stats struct {
	TotalMessages     int                      `json:"total_messages"`
	UserMessages      int                      `json:"user_messages"`
	AssistantMessages int                      `json:"assistant_messages"`
	FactsCount        int                      `json:"facts_count"`
	ExpiredFacts      int                      `json:"expired_facts_count"`
	Tier              companion.Tier           `json:"tier"`
	EmotionalState    companion.EmotionalState `json:"emotional_state"`
	LastActive        string                   `json:"last_active"`
	Balance           int                      `json:"balance"`
}

type SyncResult struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

type ScenesView struct {
	Scenes      []companion.SceneInfo `json:"scenes"`
	CurrentTier companion.Tier        `json:"current_tier"`
}

// Facts returns the facts the user's tier may still see.
func (s *Service) Facts(ctx context.Context, userID string) FactsSummary {
	mem := s.load(ctx, userID)
	visible, expired := companion.ValidFacts(mem.UserFacts, mem.Tier, s.now())
	return FactsSummary{Facts: lo.Ternary(visible == nil, []string{}, visible), ExpiredCount: expired, Tier: mem.Tier}
}

// ClearFacts forgets every stored fact. It reports whether the write succeeded.
func (s *Service) ClearFacts(ctx context.Context, userID string) bool {
	mem, stored := s.loadStored(ctx, userID)
	if !stored {
		return false
	}
	mem.UserFacts = []companion.Fact{}
	if err := s.store.Save(ctx, userID, mem); err != nil {
		s.logger.Error("clear facts", "user", userID, "err", err)
		return false
	}
	return true
}

func (s *Service) EmotionalState(ctx context.Context, userID string) EmotionalView {
	mem := s.load(ctx, userID)
	return EmotionalView{EmotionalState: mem.EmotionalState, ActiveContext: mem.ActiveContext}
}

func (s *Service) Stats(ctx context.Context, userID string) Stats {
	mem := s.load(ctx, userID)
	visible, expired := companion.ValidFacts(mem.UserFacts, mem.Tier, s.now())
	return Stats{
		TotalMessages:     len(mem.History),
		UserMessages:      lo.CountBy(mem.History, func(m companion.Message) bool { return m.Role == companion.RoleUser }),
		AssistantMessages: lo.CountBy(mem.History, func(m companion.Message) bool { return m.Role == companion.RoleAssistant }),
		FactsCount:        len(visible),
		ExpiredFacts:      expired,
		Tier:              mem.Tier,
		EmotionalState:    mem.EmotionalState,
		LastActive:        mem.LastActiveTimestamp,
		Balance:           mem.Balance,
	}
}

// History returns the most recent non-system messages, at most limit of them.
func (s *Service) History(ctx context.Context, userID string, limit int) []companion.Message {
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	mem := s.load(ctx, userID)
	visible := lo.Filter(mem.History, func(m companion.Message, _ int) bool {
		return m.Role != companion.RoleSystem
	})
	if len(visible) > limit {
		visible = visible[len(visible)-limit:]
	}
	return visible
}

// Sync re-reads the stored record, picking up facts merged by background work.
func (s *Service) Sync(ctx context.Context, userID string) SyncResult {
	mem, _, err := s.store.Load(ctx, userID)
	if err != nil {
		s.logger.Warn("sync memory", "user", userID, "err", err)
		return SyncResult{Success: false, Message: err.Error()}
	}
	return SyncResult{
		Success: true,
		Message: fmt.Sprintf("Synced %d facts, %d messages", len(mem.UserFacts), len(mem.History)),
	}
}

// Scenes lists every scene with its availability for the user's tier.
func (s *Service) Scenes(ctx context.Context, userID string) ScenesView {
	tier := s.load(ctx, userID).Tier
	return ScenesView{
		Scenes: lo.Map(companion.AllScenes, func(sc companion.Scene, _ int) companion.SceneInfo {
			return companion.DescribeScene(sc, tier)
		}),
		CurrentTier: tier,
	}
}

// Scene describes one scene. ok is false for names outside the catalog.
func (s *Service) Scene(ctx context.Context, userID, name string) (companion.SceneInfo, bool) {
	scene, ok := companion.ParseScene(name)
	if !ok {
		return companion.SceneInfo{}, false
	}
	return companion.DescribeScene(scene, s.load(ctx, userID).Tier), true
}
