// Package trial computes trial-window state from an account's creation
// timestamp. It holds no state and performs no I/O.
package trial

import (
	"math"
	"time"
)

// State describes where an account sits inside its trial window.
type State struct {
	CreatedAt     time.Time
	ExpiresAt     time.Time
	DaysRemaining int
	Expired       bool
}

// Evaluate derives the trial state at now for an account created at
// createdAt under a trial of lengthDays days.
func Evaluate(createdAt, now time.Time, lengthDays int) State {
	expiresAt := createdAt.Add(time.Duration(lengthDays) * 24 * time.Hour)
	expired := !now.Before(expiresAt)

	remaining := 0
	if !expired {
		remaining = int(math.Ceil(expiresAt.Sub(now).Hours() / 24))
	}
	return State{
		CreatedAt:     createdAt,
		ExpiresAt:     expiresAt,
		DaysRemaining: remaining,
		Expired:       expired,
	}
}
