package companion

import "time"

const returningUserGap = 24 * time.Hour

type RouteInput struct {
	Tier             Tier
	IsDeep           bool
	IsFirstOfSession bool
	IsReturningUser  bool
	Free4oUsed       bool
}

// SelectModel picks the model for a turn. Rules are checked in order and the first
// match wins. It never records that the free-tier taste was spent; callers do that.
func SelectModel(in RouteInput, models ModelSet) string {
	switch {
	case in.Tier >= TierPremium && (in.IsDeep || in.IsFirstOfSession || in.IsReturningUser):
		return models.Premium
	case in.Tier >= TierPlus && in.IsDeep:
		return models.Premium
	case in.Tier == TierFree && in.IsDeep && !in.Free4oUsed:
		return models.Premium
	}
	return models.Resolve(in.Tier.Config().DefaultModel)
}

// UsesFreeTaste reports whether this turn consumes the free tier's one premium reply.
func UsesFreeTaste(in RouteInput) bool {
	return in.Tier == TierFree && in.IsDeep && !in.Free4oUsed && in.Tier.Config().FirstDeepTaste
}

// IsReturningUser reports whether at least 24 hours passed since lastActive.
// An unreadable timestamp counts as not returning.
func IsReturningUser(lastActive string, now time.Time) bool {
	t, ok := ParseTimestamp(lastActive)
	if !ok {
		return false
	}
	return now.Sub(t) >= returningUserGap
}

// IsFirstOfSession is true when the client declared a new session or the user has never
// written before.
func IsFirstOfSession(sessionStart bool, priorUserMessages int) bool {
	return sessionStart || priorUserMessages == 0
}
