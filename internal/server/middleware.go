package server

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/careerforge/accessgate/internal/access"
	"github.com/careerforge/accessgate/internal/identity"
)

// Gin context keys set by Guard for downstream handlers.
const (
	ContextKeyAccountID = "accessgate:account_id"
	ContextKeyFeatureID = "accessgate:feature_id"
	ContextKeyDay       = "accessgate:day"
)

// Guard returns middleware that admits or denies the request before the
// wrapped handler runs. featureID names the daily-quota bucket the route
// draws from; denied requests never reach the handler and never consume
// quota beyond the admission that was charged.
func (s *Server) Guard(featureID string) gin.HandlerFunc {
	return func(c *gin.Context) {
		principal, errResolve := s.resolvePrincipal(c)
		if errResolve != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
			return
		}

		verdict, errDecide := s.engine.Decide(c.Request.Context(), access.Request{
			Fingerprint:      requestFingerprint(c),
			Route:            c.FullPath(),
			AccountID:        principal.AccountID,
			Tier:             principal.Tier,
			AccountCreatedAt: principal.CreatedAt,
			FeatureID:        featureID,
			LimitOverrides:   principal.LimitOverrides,
		})
		if errDecide != nil {
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "access check unavailable, try again"})
			return
		}

		setVerdictHeaders(c, verdict)
		if !verdict.Allowed {
			denyRequest(c, verdict)
			return
		}

		c.Set(ContextKeyAccountID, principal.AccountID)
		c.Set(ContextKeyFeatureID, featureID)
		c.Set(ContextKeyDay, s.engine.Today())
		c.Next()
	}
}

// resolvePrincipal extracts the bearer token, if any, and looks it up.
func (s *Server) resolvePrincipal(c *gin.Context) (identity.Principal, error) {
	authorization := strings.TrimSpace(c.GetHeader("Authorization"))
	token := ""
	if len(authorization) > 7 && strings.EqualFold(authorization[:7], "Bearer ") {
		token = strings.TrimSpace(authorization[7:])
	}
	if token == "" || s.resolver == nil {
		return identity.Principal{}, nil
	}
	principal, errResolve := s.resolver.Resolve(c.Request.Context(), token)
	if errResolve != nil {
		log.WithError(errResolve).Debug("guard: credential rejected")
		return identity.Principal{}, errResolve
	}
	return principal, nil
}

func setVerdictHeaders(c *gin.Context, verdict access.Verdict) {
	c.Header("X-RateLimit-Remaining", strconv.FormatInt(verdict.Remaining, 10))
	if !verdict.ResetAt.IsZero() {
		c.Header("X-RateLimit-Reset", strconv.FormatInt(verdict.ResetAt.Unix(), 10))
	}
}

func denyRequest(c *gin.Context, verdict access.Verdict) {
	switch verdict.Reason {
	case access.ReasonTrialExpired:
		c.AbortWithStatusJSON(http.StatusPaymentRequired, gin.H{
			"error":  "trial period has ended",
			"reason": string(verdict.Reason),
		})
	default:
		if !verdict.ResetAt.IsZero() {
			retryAfter := time.Until(verdict.ResetAt)
			if retryAfter < time.Second {
				retryAfter = time.Second
			}
			c.Header("Retry-After", strconv.Itoa(int(retryAfter.Seconds())))
		}
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
			"error":  "request limit reached",
			"reason": string(verdict.Reason),
		})
	}
}

// ReportOutcome records the handler's result against the admission that
// Guard charged. Call from handlers after the guarded work completes.
func (s *Server) ReportOutcome(c *gin.Context, succeeded bool) {
	accountID := c.GetString(ContextKeyAccountID)
	featureID := c.GetString(ContextKeyFeatureID)
	day := c.GetString(ContextKeyDay)
	if accountID == "" || featureID == "" {
		return
	}
	if errRecord := s.engine.RecordOutcome(c.Request.Context(), accountID, featureID, day, succeeded); errRecord != nil {
		log.WithError(errRecord).Warn("guard: outcome not recorded")
	}
}
