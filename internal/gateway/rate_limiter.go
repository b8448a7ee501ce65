package gateway

import (
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/venuescout/accessguard/internal/guard"
	"github.com/venuescout/accessguard/pkg/access"
)

type rateLimitCheckRequest struct {
	Endpoint string `json:"endpoint" binding:"required"`
	Identity string `json:"identity" binding:"required"`
}

type rateLimitOutcomeRequest struct {
	Endpoint string `json:"endpoint" binding:"required"`
	Identity string `json:"identity" binding:"required"`
	Success  bool   `json:"success"`
}

type tightenRequest struct {
	Subject   string `json:"subject" binding:"required"`
	Risk      int    `json:"risk" binding:"min=0,max=100"`
	Country   string `json:"country"`
	TimeBased bool   `json:"time_based"`
}

// statusForReason maps a denial reason to an HTTP status
func statusForReason(reason string) int {
	switch reason {
	case access.ReasonGranted:
		return http.StatusOK
	case access.ReasonRateLimitExceeded:
		return http.StatusTooManyRequests
	case access.ReasonInvalidRequest:
		return http.StatusBadRequest
	default:
		return http.StatusForbidden
	}
}

// setRetryAfter writes Retry-After in whole seconds, rounded up
func setRetryAfter(c *gin.Context, retryAfter, now time.Time) {
	if retryAfter.IsZero() {
		return
	}
	secs := int(math.Ceil(retryAfter.Sub(now).Seconds()))
	if secs < 1 {
		secs = 1
	}
	c.Header("Retry-After", strconv.Itoa(secs))
}

func setRateLimitHeaders(c *gin.Context, res access.RateLimitResult) {
	if res.Limit <= 0 {
		return
	}
	c.Header("X-RateLimit-Limit", strconv.Itoa(res.Limit))
	remaining := res.Remaining
	if remaining < 0 {
		remaining = 0
	}
	c.Header("X-RateLimit-Remaining", strconv.Itoa(remaining))
}

// handleRateLimitStatus reports the window without consuming quota
func (s *Service) handleRateLimitStatus(c *gin.Context) {
	res := s.guard.RateLimitStatus(c.Param("endpoint"), c.Param("identity"))
	setRateLimitHeaders(c, res)
	c.JSON(http.StatusOK, res)
}

// handleRateLimitCheck is the pre-flight check. It consumes quota.
func (s *Service) handleRateLimitCheck(c *gin.Context) {
	var req rateLimitCheckRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, err)
		return
	}

	res := s.guard.CheckRateLimit(c.Request.Context(), req.Endpoint, req.Identity)
	setRateLimitHeaders(c, res)
	if res.Allowed {
		c.JSON(http.StatusOK, res)
		return
	}
	setRetryAfter(c, res.RetryAfter, s.guard.Now())
	c.JSON(statusForReason(res.Reason), res)
}

// handleRateLimitOutcome marks the latest check as succeeded or failed
func (s *Service) handleRateLimitOutcome(c *gin.Context) {
	var req rateLimitOutcomeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, err)
		return
	}
	s.guard.RecordOutcome(req.Endpoint, req.Identity, req.Success)
	c.Status(http.StatusNoContent)
}

func (s *Service) handleListRateLimits(c *gin.Context) {
	rules := s.guard.RateLimitRules()
	c.JSON(http.StatusOK, gin.H{"rules": rules, "count": len(rules)})
}

// handleTightenRateLimit installs a temporary stricter limit for one subject
func (s *Service) handleTightenRateLimit(c *gin.Context) {
	var req tightenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, err)
		return
	}

	rule, applied, err := s.guard.TightenRateLimit(c.Request.Context(), c.Param("endpoint"), req.Subject, actorOf(c), guard.Adjustment{
		Risk:      req.Risk,
		Country:   req.Country,
		TimeBased: req.TimeBased,
	})
	if err != nil {
		s.handleError(c, err)
		return
	}
	s.logger.Audit(actorOf(c), "rate_limit_tightened", req.Subject, applied, map[string]interface{}{
		"endpoint":     rule.Endpoint,
		"max_requests": rule.MaxRequests,
	})
	c.JSON(http.StatusOK, gin.H{"rule": rule, "applied": applied})
}
