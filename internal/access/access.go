// Package access composes the abuse rate limiter, trial clock, and quota
// ledger cache into one verdict per request.
package access

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/careerforge/accessgate/internal/metrics"
	"github.com/careerforge/accessgate/internal/models"
	"github.com/careerforge/accessgate/internal/quota"
	"github.com/careerforge/accessgate/internal/ratelimit"
	"github.com/careerforge/accessgate/internal/trial"
)

// Reason classifies a verdict.
type Reason string

// Verdict reasons.
const (
	ReasonOK            Reason = "ok"
	ReasonRateLimited   Reason = "rate_limited"
	ReasonTrialExpired  Reason = "trial_expired"
	ReasonQuotaExceeded Reason = "quota_exceeded"
)

// Request carries everything the engine needs for one decision. An empty
// AccountID marks an anonymous caller, who is subject only to the abuse
// rate limit.
type Request struct {
	Fingerprint      string
	Route            string
	AccountID        string
	Tier             models.AccountTier
	AccountCreatedAt time.Time
	FeatureID        string

	// LimitOverrides holds per-account daily ceilings that replace the
	// tier table for the named features.
	LimitOverrides map[string]int64
}

// Verdict is the engine's decision plus the metadata callers need to
// render a user-facing message.
type Verdict struct {
	Allowed   bool
	Reason    Reason
	Remaining int64
	ResetAt   time.Time

	// TrialDaysRemaining is set for trial-tier accounts so callers can
	// distinguish "come back later" from "upgrade required".
	TrialDaysRemaining int
}

// LimitTable resolves the per-tier daily ceiling for a feature.
type LimitTable interface {
	DailyLimit(tier, featureID string) (int64, bool)
}

// LimitTableFunc adapts a function to LimitTable.
type LimitTableFunc func(tier, featureID string) (int64, bool)

// DailyLimit implements LimitTable.
func (f LimitTableFunc) DailyLimit(tier, featureID string) (int64, bool) {
	return f(tier, featureID)
}

// Engine is the access decision facade. Construct with NewEngine and
// share one instance across request handlers.
type Engine struct {
	abuse           *ratelimit.AbuseLimiter
	quota           *quota.Cache
	limits          LimitTable
	trialLengthDays int
	nowFn           func() time.Time
	configGate      *ratelimit.MemoryStore
}

// NewEngine constructs the facade.
func NewEngine(abuse *ratelimit.AbuseLimiter, quotaCache *quota.Cache, limits LimitTable, trialLengthDays int, nowFn func() time.Time) *Engine {
	if nowFn == nil {
		nowFn = time.Now
	}
	return &Engine{
		abuse:           abuse,
		quota:           quotaCache,
		limits:          limits,
		trialLengthDays: trialLengthDays,
		nowFn:           nowFn,
		configGate:      ratelimit.NewMemoryStore(),
	}
}

// Decide runs the per-request state machine, terminal on first denial:
// abuse limit, then tier bypass, then trial clock, then quota. The abuse
// check always runs first so rate-limited requests never consume quota,
// and it applies to every tier. Expected denials are verdict values; only
// infrastructure faults (ledger unreachable under fail-closed) return an
// error, and the caller must deny on its own.
func (e *Engine) Decide(ctx context.Context, req Request) (Verdict, error) {
	verdict, err := e.decide(ctx, req)
	if err != nil {
		metrics.LedgerErrorsTotal.Inc()
		return verdict, err
	}
	metrics.RecordDecision(string(verdict.Reason), string(req.Tier))
	log.WithFields(log.Fields{
		"decision_id": uuid.NewString(),
		"route":       req.Route,
		"feature":     req.FeatureID,
		"reason":      verdict.Reason,
		"allowed":     verdict.Allowed,
	}).Debug("access decision")
	return verdict, nil
}

func (e *Engine) decide(ctx context.Context, req Request) (Verdict, error) {
	rateRes, errRate := e.abuse.Check(ctx, req.Fingerprint, req.Route)
	if errRate != nil {
		if errors.Is(errRate, ratelimit.ErrInvalidKey) {
			return Verdict{Reason: ReasonRateLimited}, nil
		}
		return Verdict{}, errRate
	}
	if !rateRes.Allowed {
		return Verdict{
			Reason:    ReasonRateLimited,
			Remaining: int64(rateRes.Remaining),
			ResetAt:   rateRes.Reset,
		}, nil
	}

	if req.AccountID == "" || req.Tier == models.TierUnlimited {
		return Verdict{
			Allowed:   true,
			Reason:    ReasonOK,
			Remaining: int64(rateRes.Remaining),
			ResetAt:   rateRes.Reset,
		}, nil
	}

	trialState := trial.Evaluate(req.AccountCreatedAt, e.nowFn(), e.trialLengthDays)
	if trialState.Expired {
		return Verdict{
			Reason:  ReasonTrialExpired,
			ResetAt: trialState.ExpiresAt,
		}, nil
	}

	limit, ok := e.resolveLimit(req)
	if !ok {
		e.logMissingLimit(req)
		return Verdict{Reason: ReasonQuotaExceeded, TrialDaysRemaining: trialState.DaysRemaining}, nil
	}

	decision, errQuota := e.quota.CheckAndIncrement(ctx, req.AccountID, req.FeatureID, limit)
	if errQuota != nil {
		return Verdict{}, errQuota
	}
	if !decision.Allowed {
		return Verdict{
			Reason:             ReasonQuotaExceeded,
			Remaining:          0,
			ResetAt:            decision.ResetAt,
			TrialDaysRemaining: trialState.DaysRemaining,
		}, nil
	}

	// Quota is the tighter budget for tiered accounts.
	return Verdict{
		Allowed:            true,
		Reason:             ReasonOK,
		Remaining:          decision.Remaining,
		ResetAt:            decision.ResetAt,
		TrialDaysRemaining: trialState.DaysRemaining,
	}, nil
}

// RecordOutcome reports the guarded operation's result for an earlier
// admitted request.
func (e *Engine) RecordOutcome(ctx context.Context, accountID, featureID, day string, succeeded bool) error {
	return e.quota.RecordOutcome(ctx, accountID, featureID, day, succeeded)
}

// Today returns the current calendar day used for quota attribution.
func (e *Engine) Today() string {
	return e.quota.Today()
}

func (e *Engine) resolveLimit(req Request) (int64, bool) {
	if override, ok := req.LimitOverrides[req.FeatureID]; ok && override > 0 {
		return override, true
	}
	return e.limits.DailyLimit(string(req.Tier), req.FeatureID)
}

// logMissingLimit reports a feature with no configured ceiling, at most
// once a minute per feature.
func (e *Engine) logMissingLimit(req Request) {
	rec := e.configGate.Increment("missing-limit|"+req.FeatureID, time.Minute, e.nowFn())
	if rec.Count > 1 {
		return
	}
	log.WithFields(log.Fields{
		"feature": req.FeatureID,
		"tier":    req.Tier,
	}).Error("access: no daily limit configured for feature, denying")
}
