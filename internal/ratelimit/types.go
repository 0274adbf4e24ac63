package ratelimit

import (
	"context"
	"time"
)

// Record is one fixed-window counter. It is only meaningful while
// now < ResetAt; an expired record is logically absent until swept.
type Record struct {
	Count   int
	ResetAt time.Time
}

// Expired reports whether the record's window has elapsed.
func (r Record) Expired(now time.Time) bool {
	return !now.Before(r.ResetAt)
}

// Result describes the outcome of a rate limit check.
type Result struct {
	Allowed   bool
	Remaining int
	Reset     time.Time
}

// Limiter provides fixed-window rate limit checks.
type Limiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration, now time.Time) (Result, error)
}
