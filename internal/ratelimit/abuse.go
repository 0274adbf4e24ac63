package ratelimit

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"
)

// invalidKeyLogWindow throttles InvalidKey log lines per fingerprint so a
// flood of malformed requests cannot flood the logs either.
const invalidKeyLogWindow = time.Minute

// AbuseLimiter enforces the identity-agnostic, tier-blind abuse policy:
// a fixed-window counter per (fingerprint, route) resolved through the
// per-route policy table.
type AbuseLimiter struct {
	policies *PolicyTable
	backend  *Manager
	logGate  *MemoryStore
	nowFn    func() time.Time
}

// NewAbuseLimiter constructs an AbuseLimiter over the given backend.
func NewAbuseLimiter(policies *PolicyTable, backend *Manager, nowFn func() time.Time) *AbuseLimiter {
	if nowFn == nil {
		nowFn = time.Now
	}
	return &AbuseLimiter{
		policies: policies,
		backend:  backend,
		logGate:  NewMemoryStore(),
		nowFn:    nowFn,
	}
}

// Check runs the abuse rate limit for a fingerprint on a route. A
// malformed fingerprint denies with ErrInvalidKey. Routes without a
// configured policy are admitted untouched.
func (l *AbuseLimiter) Check(ctx context.Context, fingerprint, route string) (Result, error) {
	if l == nil {
		return Result{Allowed: true}, nil
	}
	now := l.nowFn()
	if fingerprint == "" {
		l.logInvalidKey(route, now)
		return Result{Allowed: false}, ErrInvalidKey
	}
	policy, ok := l.policies.PolicyFor(route)
	if !ok {
		return Result{Allowed: true}, nil
	}
	return l.backend.Allow(ctx, Key(fingerprint, route), policy.MaxRequests, policy.Window)
}

func (l *AbuseLimiter) logInvalidKey(route string, now time.Time) {
	rec := l.logGate.Increment("invalid-key|"+route, invalidKeyLogWindow, now)
	if rec.Count > 1 {
		return
	}
	log.WithField("route", route).Warn("rate limit: rejected request with invalid fingerprint")
}
