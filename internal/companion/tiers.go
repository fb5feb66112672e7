package companion

import "fmt"

type Tier int

const (
	TierFree    Tier = 0
	TierPlus    Tier = 1
	TierPremium Tier = 2
)

// ModelClass is the logical model a tier routes to; ModelSet maps it to a provider id.
type ModelClass int

const (
	ModelEconomy ModelClass = iota
	ModelPremium
)

type ModelSet struct {
	Economy string
	Premium string
}

func DefaultModelSet() ModelSet {
	return ModelSet{Economy: "gpt-4o-mini", Premium: "gpt-4o"}
}

func (s ModelSet) Resolve(c ModelClass) string {
	if c == ModelPremium {
		return s.Premium
	}
	return s.Economy
}

type TierConfig struct {
	Name             string
	MessageLimit     int // 0 means unlimited
	MemoryHours      int // 0 means permanent
	DefaultModel     ModelClass
	DeepModel        ModelClass
	FirstDeepTaste   bool
	Scenes           []Scene
	RAGEnabled       bool
	PersonaSwitching bool
	PriorityRouting  bool
}

var tierConfigs = map[Tier]TierConfig{
	TierFree: {
		Name:           "Free",
		MessageLimit:   15,
		MemoryHours:    48,
		DefaultModel:   ModelEconomy,
		DeepModel:      ModelEconomy,
		FirstDeepTaste: true,
		Scenes:         []Scene{SceneLounge, SceneBodyDouble},
	},
	TierPlus: {
		Name:         "Plus",
		DefaultModel: ModelEconomy,
		DeepModel:    ModelPremium,
		Scenes:       []Scene{SceneLounge, SceneBodyDouble, SceneCafe, SceneEveningWalk},
		RAGEnabled:   true,
	},
	TierPremium: {
		Name:             "Premium",
		DefaultModel:     ModelEconomy,
		DeepModel:        ModelPremium,
		Scenes:           []Scene{SceneLounge, SceneBodyDouble, SceneCafe, SceneEveningWalk, SceneFirework},
		RAGEnabled:       true,
		PersonaSwitching: true,
		PriorityRouting:  true,
	},
}

// Config returns the static configuration for t. Unknown tiers get the free tier.
func (t Tier) Config() TierConfig {
	if cfg, ok := tierConfigs[t]; ok {
		return cfg
	}
	return tierConfigs[TierFree]
}

func (t Tier) Valid() bool {
	_, ok := tierConfigs[t]
	return ok
}

func (t Tier) String() string {
	return fmt.Sprintf("%d (%s)", int(t), t.Config().Name)
}

// HasScene reports whether scene is unlocked at this tier.
func (t Tier) HasScene(scene Scene) bool {
	for _, s := range t.Config().Scenes {
		if s == scene {
			return true
		}
	}
	return false
}

// LimitReached reports whether a user with userMsgCount prior messages may not send
// another one at this tier.
func (t Tier) LimitReached(userMsgCount int) bool {
	limit := t.Config().MessageLimit
	return limit > 0 && userMsgCount >= limit
}
