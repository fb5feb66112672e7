package chat

import (
	"errors"
	"fmt"
)

// ErrTryAgain marks a recoverable generation failure, usually a timeout. Callers
// should ask the user to retry.
var ErrTryAgain = errors.New("try again")

var (
	ErrEmptyMessage  = errors.New("empty message")
	ErrUnknownAvatar = errors.New("unknown avatar")
	ErrInvalidTier   = errors.New("invalid tier")
)

type DenialKind string

const (
	DenialLimitReached        DenialKind = "limit_reached"
	DenialInsufficientBalance DenialKind = "insufficient_balance"
	DenialSceneLocked         DenialKind = "scene_locked"
	DenialPersonaLocked       DenialKind = "persona_locked"
	DenialInvalidAmount       DenialKind = "invalid_amount"
)

// Denial is a product gate refusing an action. It is a normal outcome, not a failure.
type Denial struct {
	Kind   DenialKind
	Reason string
	// Unlock says what would lift the gate, if anything.
	Unlock string
}

func (d *Denial) Error() string {
	return fmt.Sprintf("%s: %s", d.Kind, d.Reason)
}

// AsDenial unwraps err into a *Denial.
func AsDenial(err error) (*Denial, bool) {
	var d *Denial
	if errors.As(err, &d) {
		return d, true
	}
	return nil, false
}
