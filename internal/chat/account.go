package chat

import (
	"context"
	"fmt"
	"strings"

	"github.com/stellarlinkco/keepsake/internal/companion"
)

const (
	minTimeOffset = -12
	maxTimeOffset = 14
)

type SpendResult struct {
	NewBalance   int `json:"new_balance"`
	Spent        int `json:"spent"`
	WarmthGained int `json:"warmth_gained"`
}

type BalanceView struct {
	Balance int            `json:"balance"`
	Tier    companion.Tier `json:"tier"`
}

type Profile struct {
	UserProfile    companion.UserProfile    `json:"user_profile"`
	EmotionalState companion.EmotionalState `json:"emotional_state"`
	Balance        int                      `json:"balance"`
	Tier           companion.Tier           `json:"tier"`
	AvatarID       string                   `json:"avatar_id"`
	CurrentOutfit  string                   `json:"current_outfit"`
	TimeOffset     int                      `json:"time_offset"`
}

// ProfileUpdate carries the fields to change; nil fields are left alone. The avatar is
// not here: it changes only through SetAvatar.
type ProfileUpdate struct {
	Name          *string `json:"name,omitempty"`
	Age           *string `json:"age,omitempty"`
	Gender        *string `json:"gender,omitempty"`
	CompanionName *string `json:"companion_name,omitempty"`
	CurrentOutfit *string `json:"current_outfit,omitempty"`
	TimeOffset    *int    `json:"time_offset,omitempty"`
}

func profileOf(mem *companion.UserMemory) *Profile {
	return &Profile{
		UserProfile:    mem.UserProfile,
		EmotionalState: mem.EmotionalState,
		Balance:        mem.Balance,
		Tier:           mem.Tier,
		AvatarID:       mem.AvatarID,
		CurrentOutfit:  mem.CurrentOutfit,
		TimeOffset:     mem.TimeOffset,
	}
}

func (s *Service) Profile(ctx context.Context, userID string) *Profile {
	return profileOf(s.load(ctx, userID))
}

func (s *Service) UpdateProfile(ctx context.Context, userID string, upd ProfileUpdate) *Profile {
	mem, stored := s.loadStored(ctx, userID)
	if upd.Name != nil {
		mem.UserProfile.Name = strings.TrimSpace(*upd.Name)
	}
	if upd.Age != nil {
		mem.UserProfile.Age = strings.TrimSpace(*upd.Age)
	}
	if upd.Gender != nil {
		mem.UserProfile.Gender = strings.TrimSpace(*upd.Gender)
	}
	if upd.CompanionName != nil {
		mem.UserProfile.CompanionName = strings.TrimSpace(*upd.CompanionName)
	}
	if upd.CurrentOutfit != nil {
		mem.CurrentOutfit = strings.TrimSpace(*upd.CurrentOutfit)
	}
	if upd.TimeOffset != nil {
		mem.TimeOffset = max(minTimeOffset, min(maxTimeOffset, *upd.TimeOffset))
	}
	s.save(ctx, userID, mem, stored)
	return profileOf(mem)
}

// SetAvatar picks the companion persona. Below Premium the first choice is final.
func (s *Service) SetAvatar(ctx context.Context, userID, avatarID string) error {
	avatarID = strings.TrimSpace(avatarID)
	if !s.personas.Has(avatarID) {
		return fmt.Errorf("%w: %q", ErrUnknownAvatar, avatarID)
	}
	mem, stored := s.loadStored(ctx, userID)
	if mem.HasChosenAvatar && !mem.Tier.Config().PersonaSwitching {
		return &Denial{
			Kind:   DenialPersonaLocked,
			Reason: "Persona switching requires Premium tier. Upgrade to switch companions.",
			Unlock: fmt.Sprintf("Upgrade to Tier %d to switch companions.", companion.TierPremium),
		}
	}
	mem.AvatarID = avatarID
	mem.HasChosenAvatar = true
	s.save(ctx, userID, mem, stored)
	return nil
}

// Onboard stores the profile a new user filled in and their first avatar choice.
func (s *Service) Onboard(ctx context.Context, userID string, profile companion.UserProfile, avatarID string) (*Profile, error) {
	avatarID = strings.TrimSpace(avatarID)
	if avatarID == "" {
		avatarID = companion.DefaultAvatarID
	}
	if !s.personas.Has(avatarID) {
		return nil, fmt.Errorf("%w: %q", ErrUnknownAvatar, avatarID)
	}
	mem, stored := s.loadStored(ctx, userID)
	if strings.TrimSpace(profile.CompanionName) == "" {
		profile.CompanionName = companion.DefaultCompanionName
	}
	mem.UserProfile = profile
	mem.AvatarID = avatarID
	mem.HasChosenAvatar = true
	s.save(ctx, userID, mem, stored)
	return profileOf(mem), nil
}

// Spend takes coins from the balance. Spending warms the companion by half the amount.
func (s *Service) Spend(ctx context.Context, userID string, amount int) (*SpendResult, error) {
	if amount <= 0 {
		return nil, &Denial{Kind: DenialInvalidAmount, Reason: "Amount must be positive."}
	}
	mem, stored := s.loadStored(ctx, userID)
	if amount > mem.Balance {
		return nil, &Denial{
			Kind:   DenialInsufficientBalance,
			Reason: fmt.Sprintf("Insufficient balance. You have %d coins.", mem.Balance),
		}
	}
	mem.Balance -= amount
	mem.EmotionalState = mem.EmotionalState.AddWarmth(amount / 2)
	s.save(ctx, userID, mem, stored)
	return &SpendResult{NewBalance: mem.Balance, Spent: amount, WarmthGained: amount / 2}, nil
}

func (s *Service) Balance(ctx context.Context, userID string) BalanceView {
	mem := s.load(ctx, userID)
	return BalanceView{Balance: mem.Balance, Tier: mem.Tier}
}

// SetTier changes the subscription tier. It is an operator action, so a failed write is
// returned rather than swallowed.
func (s *Service) SetTier(ctx context.Context, userID string, tier companion.Tier) error {
	if !tier.Valid() {
		return fmt.Errorf("%w: %d", ErrInvalidTier, int(tier))
	}
	mem, _, err := s.store.Load(ctx, userID)
	if err != nil {
		return fmt.Errorf("load user %s: %w", userID, err)
	}
	mem.Tier = tier
	if err := s.store.SaveState(ctx, userID, mem); err != nil {
		return fmt.Errorf("save user %s: %w", userID, err)
	}
	s.logger.Info("tier changed", "user", userID, "tier", tier)
	return nil
}
