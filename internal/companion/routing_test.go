package companion

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSelectModel(t *testing.T) {
	models := DefaultModelSet()

	tests := []struct {
		name string
		in   RouteInput
		want string
	}{
		{"free casual", RouteInput{Tier: TierFree}, models.Economy},
		{"free first deep", RouteInput{Tier: TierFree, IsDeep: true}, models.Premium},
		{"free taste spent", RouteInput{Tier: TierFree, IsDeep: true, Free4oUsed: true}, models.Economy},
		{"free first of session", RouteInput{Tier: TierFree, IsFirstOfSession: true}, models.Economy},
		{"plus deep", RouteInput{Tier: TierPlus, IsDeep: true, Free4oUsed: true}, models.Premium},
		{"plus returning", RouteInput{Tier: TierPlus, IsReturningUser: true}, models.Economy},
		{"premium first of session", RouteInput{Tier: TierPremium, IsFirstOfSession: true}, models.Premium},
		{"premium returning", RouteInput{Tier: TierPremium, IsReturningUser: true}, models.Premium},
		{"premium casual", RouteInput{Tier: TierPremium}, models.Economy},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, SelectModel(tt.in, models))
		})
	}
}

func TestSelectModel_FreeTasteIsOneTime(t *testing.T) {
	models := ModelSet{Economy: "small", Premium: "large"}
	in := RouteInput{Tier: TierFree, IsDeep: true}

	assert.Equal(t, "large", SelectModel(in, models))
	assert.True(t, UsesFreeTaste(in))

	in.Free4oUsed = true
	assert.Equal(t, "small", SelectModel(in, models))
	assert.False(t, UsesFreeTaste(in))
}

func TestUsesFreeTaste_OnlyFreeTier(t *testing.T) {
	assert.False(t, UsesFreeTaste(RouteInput{Tier: TierPlus, IsDeep: true}))
	assert.False(t, UsesFreeTaste(RouteInput{Tier: TierFree}))
}

func TestIsReturningUser(t *testing.T) {
	assert.True(t, IsReturningUser(FormatTimestamp(testNow.Add(-25*time.Hour)), testNow))
	assert.True(t, IsReturningUser(FormatTimestamp(testNow.Add(-24*time.Hour)), testNow))
	assert.False(t, IsReturningUser(FormatTimestamp(testNow.Add(-23*time.Hour)), testNow))
	assert.False(t, IsReturningUser("", testNow))
	assert.False(t, IsReturningUser("yesterday", testNow))
}

func TestIsFirstOfSession(t *testing.T) {
	assert.True(t, IsFirstOfSession(false, 0))
	assert.True(t, IsFirstOfSession(true, 12))
	assert.False(t, IsFirstOfSession(false, 3))
}

func TestTier_LimitReached(t *testing.T) {
	assert.False(t, TierFree.LimitReached(14))
	assert.True(t, TierFree.LimitReached(15))
	assert.False(t, TierPlus.LimitReached(5000))
	assert.False(t, TierPremium.LimitReached(5000))
}

func TestTier_ConfigFallback(t *testing.T) {
	assert.False(t, Tier(7).Valid())
	assert.Equal(t, "Free", Tier(7).Config().Name)
	assert.True(t, TierPremium.HasScene(SceneFirework))
	assert.False(t, TierPlus.HasScene(SceneFirework))
}
