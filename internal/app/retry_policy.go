package app

import (
	"time"

	"github.com/yourusername/teledm-go/internal/domain"
)

// RetryAction is what the worker does after a failed chunk
type RetryAction int

const (
	ActionRetry RetryAction = iota
	ActionGiveUp
	ActionCancel
)

func (a RetryAction) String() string {
	switch a {
	case ActionRetry:
		return "retry"
	case ActionGiveUp:
		return "give_up"
	case ActionCancel:
		return "cancel"
	default:
		return "unknown"
	}
}

// Decision is the outcome of Decide
type Decision struct {
	Action RetryAction
	Delay  time.Duration
}

// Decide chooses between retrying, giving up and stopping after a failure.
// attempt counts consecutive failures of the current chunk starting at 1;
// maxAttempts 0 retries forever. The flat delay is stretched to the
// provider's wait hint when the hint is longer.
func Decide(attempt int, kind domain.ErrorKind, retryAfter time.Duration, maxAttempts int, delay time.Duration) Decision {
	switch kind {
	case domain.KindCancelled:
		return Decision{Action: ActionCancel}
	case domain.KindPermanent:
		return Decision{Action: ActionGiveUp}
	}

	if maxAttempts > 0 && attempt > maxAttempts {
		return Decision{Action: ActionGiveUp}
	}

	wait := delay
	if retryAfter > wait {
		wait = retryAfter
	}
	return Decision{Action: ActionRetry, Delay: wait}
}
