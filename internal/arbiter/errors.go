package arbiter

import (
	"fmt"

	"github.com/nsljw/Judge-final/internal/casefile"
)

// StaleStageError rejects an action that does not match the case's current
// stage or the acting participant's role. The machine re-prompts the actor
// with the current stage's instructions; this is never a hard failure.
type StaleStageError struct {
	Stage  casefile.Stage
	Status casefile.Status
	Reason string
}

func (e *StaleStageError) Error() string {
	return fmt.Sprintf("action rejected at stage %s (%s): %s", e.Stage, e.Status, e.Reason)
}

func staleErr(c casefile.Case, reason string) error {
	return &StaleStageError{Stage: c.Stage, Status: c.Status, Reason: reason}
}

// RateLimitedError rejects a start-case action over the daily allowance.
type RateLimitedError struct {
	UserID int64
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("user %d reached the daily case-start limit", e.UserID)
}

// persistErr marks a failed store write. Stage and status are the single
// source of truth, so these abort the in-progress transition and propagate.
func persistErr(op string, err error) error {
	return fmt.Errorf("persistence failure during %s: %w", op, err)
}
