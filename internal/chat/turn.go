package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/samber/lo"

	"github.com/stellarlinkco/keepsake/internal/companion"
	"github.com/stellarlinkco/keepsake/internal/llm"
	"github.com/stellarlinkco/keepsake/internal/store"
)

const (
	DefaultVibe = 50

	extractEvery       = 3
	vectorMinRunes     = 20
	giftAgencyMin      = 20
	giftChance         = 0.1
	giftAmount         = 15
	turnReward         = 2
	limitReachedReason = "Message limit reached. Upgrade for unlimited conversations."
)

// TurnRequest is one user message and the session context the client sent with it.
type TurnRequest struct {
	UserID  string
	Message string
	// Scene is matched case-insensitively; unknown names mean Lounge.
	Scene string
	Vibe  int
	// SessionStart is set by clients that know a new session began.
	SessionStart bool
}

type TurnResult struct {
	Reply           string                   `json:"response"`
	State           companion.EmotionalState `json:"emotional_state"`
	Balance         int                      `json:"balance"`
	Model           string                   `json:"model_used"`
	IsDeep          bool                     `json:"is_deep"`
	AllowsQuestions bool                     `json:"allows_questions"`
}

// turn carries everything decided before generation.
type turn struct {
	req          TurnRequest
	mem          *companion.UserMemory
	stored       bool
	priorUser    int
	model        string
	isDeep       bool
	prompt       companion.Prompt
	window       []companion.Message
	messageRunes int
}

// Send runs a full turn and returns the complete reply.
func (s *Service) Send(ctx context.Context, req TurnRequest) (*TurnResult, error) {
	t, err := s.prepare(ctx, req)
	if err != nil {
		return nil, err
	}

	callCtx, cancel := context.WithTimeout(ctx, s.callTimeout)
	defer cancel()

	reply, err := s.gen.Complete(callCtx, s.generation(t))
	if err != nil {
		return nil, s.generationError(ctx, err)
	}
	return s.finish(ctx, t, reply), nil
}

// SendStream runs a turn and hands each reply fragment to onChunk as it arrives.
// The turn is persisted only once the whole reply was delivered; if onChunk fails or
// the stream breaks, nothing is saved.
func (s *Service) SendStream(ctx context.Context, req TurnRequest, onChunk func(string) error) (*TurnResult, error) {
	t, err := s.prepare(ctx, req)
	if err != nil {
		return nil, err
	}

	callCtx, cancel := context.WithTimeout(ctx, s.callTimeout)
	defer cancel()

	ch, err := s.gen.Stream(callCtx, s.generation(t))
	if err != nil {
		return nil, s.generationError(ctx, err)
	}

	var sb strings.Builder
	idle := time.NewTimer(s.chunkTimeout)
	defer idle.Stop()
	for {
		select {
		case chunk, ok := <-ch:
			if !ok {
				if callCtx.Err() != nil {
					return nil, s.generationError(ctx, callCtx.Err())
				}
				reply := strings.TrimSpace(sb.String())
				if reply == "" {
					return nil, llm.ErrEmptyReply
				}
				return s.finish(ctx, t, reply), nil
			}
			if chunk.Err != nil {
				return nil, s.generationError(ctx, chunk.Err)
			}
			sb.WriteString(chunk.Text)
			if err := onChunk(chunk.Text); err != nil {
				return nil, fmt.Errorf("deliver chunk: %w", err)
			}
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(s.chunkTimeout)
		case <-idle.C:
			s.logger.Warn("stream stalled", "user", req.UserID, "after", s.chunkTimeout)
			return nil, fmt.Errorf("%w: no reply chunk within %s", ErrTryAgain, s.chunkTimeout)
		case <-callCtx.Done():
			return nil, s.generationError(ctx, callCtx.Err())
		}
	}
}

// prepare applies every gate and policy that runs before the model is called.
func (s *Service) prepare(ctx context.Context, req TurnRequest) (*turn, error) {
	req.Message = strings.TrimSpace(req.Message)
	if req.Message == "" {
		return nil, ErrEmptyMessage
	}
	req.Vibe = max(0, min(100, req.Vibe))

	mem, stored := s.loadStored(ctx, req.UserID)
	tier := mem.Tier
	prior := mem.UserMessageCount()
	if tier.LimitReached(prior) {
		return nil, &Denial{
			Kind:   DenialLimitReached,
			Reason: limitReachedReason,
			Unlock: fmt.Sprintf("Upgrade to Tier %d for unlimited messages.", companion.TierPlus),
		}
	}

	scene, known := companion.ParseScene(req.Scene)
	if !known && strings.TrimSpace(req.Scene) != "" {
		s.logger.Debug("unknown scene, using lounge", "scene", req.Scene)
	}
	if !tier.HasScene(scene) {
		return nil, &Denial{
			Kind:   DenialSceneLocked,
			Reason: fmt.Sprintf("The %s scene is not available on your tier.", scene),
			Unlock: companion.UnlockMessage(scene),
		}
	}

	now := s.now()
	route := companion.RouteInput{
		Tier:             tier,
		IsFirstOfSession: companion.IsFirstOfSession(req.SessionStart, prior),
		IsReturningUser:  companion.IsReturningUser(mem.LastActiveTimestamp, now),
		Free4oUsed:       mem.Free4oTasteUsed,
	}
	lastAssistant := mem.LastAssistantMessage()

	mem.History = append(mem.History, companion.Message{Role: companion.RoleUser, Content: req.Message})
	mem.UserMessagesSent = prior + 1
	mem.EmotionalState = companion.UpdateEmotionalState(req.Message, mem.EmotionalState)
	mem.LastActiveTimestamp = companion.FormatTimestamp(now)

	route.IsDeep, _ = companion.DetectDeepMoment(req.Message, tier)
	model := companion.SelectModel(route, s.models)
	if companion.UsesFreeTaste(route) {
		mem.Free4oTasteUsed = true
	}

	visible, _ := companion.ValidFacts(mem.UserFacts, tier, now)
	strategy := companion.SelectStrategy(mem.EmotionalState, req.Message)

	var mods []companion.Modifier
	mods, mem.SessionFlags = companion.DetectModifiers(companion.ModifierInput{
		Message:           req.Message,
		LastAssistant:     lastAssistant,
		PriorUserMessages: prior,
		Closeness:         mem.EmotionalState.Closeness,
		Vibe:              req.Vibe,
		Flags:             mem.SessionFlags,
	})

	prompt := companion.Compile(companion.CompileInput{
		MasterPrompt:     s.personas.MasterPrompt(),
		EmotionalMatrix:  s.personas.EmotionalMatrix(),
		PersonaVoice:     s.personas.Voice(mem.AvatarID),
		Profile:          mem.UserProfile,
		UserMessageCount: prior + 1,
		State:            mem.EmotionalState,
		Vibe:             req.Vibe,
		Scene:            scene,
		LocalTime:        companion.LocalTime(now, mem.TimeOffset),
		FactsText:        companion.FactsText(visible, tier),
		RAGText:          s.recall(ctx, req.UserID, tier, req.Message),
		Strategy:         strategy,
		Modifiers:        mods,
		IsDeep:           route.IsDeep,
	})

	window := mem.History
	if len(window) > s.historyWindow {
		window = window[len(window)-s.historyWindow:]
	}

	s.logger.Debug("turn prepared", "user", req.UserID, "model", model, "deep", route.IsDeep,
		"scene", scene, "questions", prompt.AllowsQuestions)

	return &turn{
		req:          req,
		mem:          mem,
		stored:       stored,
		priorUser:    prior,
		model:        model,
		isDeep:       route.IsDeep,
		prompt:       prompt,
		window:       append([]companion.Message(nil), window...),
		messageRunes: utf8.RuneCountInString(req.Message),
	}, nil
}

func (s *Service) generation(t *turn) llm.Request {
	temp := s.temperature
	return llm.Request{
		Model:       t.model,
		System:      t.prompt.String(),
		History:     t.window,
		Postscript:  t.prompt.Postscript,
		Temperature: &temp,
		MaxTokens:   s.maxTokens,
		User:        t.req.UserID,
	}
}

// recall returns long-term memory snippets related to message, or "" when retrieval is
// off for the tier or fails.
func (s *Service) recall(ctx context.Context, userID string, tier companion.Tier, message string) string {
	if s.embedder == nil || !tier.Config().RAGEnabled {
		return ""
	}
	vec, err := s.embedder.Embed(ctx, message)
	if err != nil {
		s.logger.Warn("embed query", "user", userID, "err", err)
		return ""
	}
	matches, err := s.store.MatchVectors(ctx, userID, vec, recallThreshold, recallCount)
	if err != nil {
		s.logger.Warn("match vectors", "user", userID, "err", err)
		return ""
	}
	return companion.RecallText(lo.Map(matches, func(m store.Match, _ int) string { return m.Content }))
}

// finish records the reply, rewards the turn, saves and queues background work.
func (s *Service) finish(ctx context.Context, t *turn, reply string) *TurnResult {
	mem := t.mem
	mem.History = append(mem.History, companion.Message{Role: companion.RoleAssistant, Content: reply})
	mem.Balance += turnReward
	if mem.EmotionalState.Agency > giftAgencyMin && s.rand() < giftChance {
		mem.Balance += giftAmount
		s.logger.Info("companion gift", "user", t.req.UserID, "coins", giftAmount)
	}
	s.save(ctx, t.req.UserID, mem, t.stored)

	if (t.priorUser+1)%extractEvery == 0 {
		snapshot := mem.Clone().History
		s.enqueue(ctx, TaskExtractFacts, t.req.UserID, extractPayload{History: snapshot})
	}
	if t.messageRunes > vectorMinRunes && t.mem.Tier >= companion.TierPlus && s.embedder != nil {
		s.enqueue(ctx, TaskSaveVector, t.req.UserID, vectorPayload{Content: t.req.Message})
	}

	return &TurnResult{
		Reply:           reply,
		State:           mem.EmotionalState,
		Balance:         mem.Balance,
		Model:           t.model,
		IsDeep:          t.isDeep,
		AllowsQuestions: t.prompt.AllowsQuestions,
	}
}

func (s *Service) enqueue(ctx context.Context, kind, userID string, payload any) {
	if _, err := s.store.EnqueueTask(context.WithoutCancel(ctx), kind, userID, payload); err != nil {
		s.logger.Warn("enqueue task", "kind", kind, "user", userID, "err", err)
	}
}

// generationError maps a model failure to what callers see. Deadlines become
// ErrTryAgain; a cancelled parent context is reported as is.
func (s *Service) generationError(parent context.Context, err error) error {
	if parent.Err() != nil {
		return fmt.Errorf("generate reply: %w", parent.Err())
	}
	if errors.Is(err, context.DeadlineExceeded) {
		s.logger.Warn("generation timed out", "err", err)
		return fmt.Errorf("%w: %v", ErrTryAgain, err)
	}
	return fmt.Errorf("generate reply: %w", err)
}
