// Package server exposes the access engine over HTTP: a decision
// endpoint for sidecar callers, an outcome-reporting endpoint, and a
// guard middleware for embedding in gin handler chains.
package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/careerforge/accessgate/internal/access"
	"github.com/careerforge/accessgate/internal/identity"
	"github.com/careerforge/accessgate/internal/models"
	"github.com/careerforge/accessgate/internal/ratelimit"
)

// Server wires the engine into HTTP routes.
type Server struct {
	engine      *access.Engine
	resolver    identity.Resolver
	environment string
}

// New constructs a Server.
func New(engine *access.Engine, resolver identity.Resolver, environment string) *Server {
	return &Server{engine: engine, resolver: resolver, environment: environment}
}

// Routes builds the gin engine with all endpoints mounted.
func (s *Server) Routes() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := r.Group("/v1/access")
	v1.POST("/decisions", s.handleDecision)
	v1.POST("/outcomes", s.handleOutcome)

	return r
}

// decisionRequest mirrors the engine's decision call for HTTP callers.
type decisionRequest struct {
	Fingerprint      string    `json:"fingerprint" binding:"required"`
	Route            string    `json:"route" binding:"required"`
	AccountID        string    `json:"account_id"`
	AccountTier      string    `json:"account_tier"`
	AccountCreatedAt time.Time `json:"account_created_at"`
	FeatureID        string    `json:"feature_id"`
	Environment      string    `json:"environment"`
}

// decisionResponse is the wire form of an access verdict.
type decisionResponse struct {
	Allowed            bool   `json:"allowed"`
	Reason             string `json:"reason"`
	Remaining          int64  `json:"remaining"`
	ResetAt            string `json:"reset_at,omitempty"`
	TrialDaysRemaining int    `json:"trial_days_remaining,omitempty"`
}

func (s *Server) handleDecision(c *gin.Context) {
	var req decisionRequest
	if errBind := c.ShouldBindJSON(&req); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}
	if env := strings.TrimSpace(req.Environment); env != "" && env != s.environment {
		c.JSON(http.StatusBadRequest, gin.H{"error": "environment mismatch"})
		return
	}
	tier := models.AccountTier(req.AccountTier)
	if req.AccountID != "" && !tier.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown account tier"})
		return
	}

	verdict, errDecide := s.engine.Decide(c.Request.Context(), access.Request{
		Fingerprint:      req.Fingerprint,
		Route:            req.Route,
		AccountID:        req.AccountID,
		Tier:             tier,
		AccountCreatedAt: req.AccountCreatedAt,
		FeatureID:        req.FeatureID,
	})
	if errDecide != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "decision unavailable, try again"})
		return
	}
	c.JSON(http.StatusOK, verdictResponse(verdict))
}

// outcomeRequest reports how a previously admitted attempt ended.
type outcomeRequest struct {
	AccountID string `json:"account_id" binding:"required"`
	FeatureID string `json:"feature_id" binding:"required"`
	Day       string `json:"day"`
	Succeeded bool   `json:"succeeded"`
}

func (s *Server) handleOutcome(c *gin.Context) {
	var req outcomeRequest
	if errBind := c.ShouldBindJSON(&req); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}
	day := strings.TrimSpace(req.Day)
	if day == "" {
		day = s.engine.Today()
	}
	if errRecord := s.engine.RecordOutcome(c.Request.Context(), req.AccountID, req.FeatureID, day, req.Succeeded); errRecord != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "outcome not recorded"})
		return
	}
	c.Status(http.StatusNoContent)
}

func verdictResponse(verdict access.Verdict) decisionResponse {
	resp := decisionResponse{
		Allowed:            verdict.Allowed,
		Reason:             string(verdict.Reason),
		Remaining:          verdict.Remaining,
		TrialDaysRemaining: verdict.TrialDaysRemaining,
	}
	if !verdict.ResetAt.IsZero() {
		resp.ResetAt = verdict.ResetAt.UTC().Format(time.RFC3339)
	}
	return resp
}

// requestFingerprint derives the abuse fingerprint for an inbound request.
// A malformed peer address yields an empty fingerprint, which the engine
// treats as a denial.
func requestFingerprint(c *gin.Context) string {
	ip := ratelimit.ClientIP(c.Request.RemoteAddr, c.GetHeader("X-Forwarded-For"))
	fingerprint, errFingerprint := ratelimit.Fingerprint(ip, c.Request.UserAgent())
	if errFingerprint != nil {
		return ""
	}
	return fingerprint
}
