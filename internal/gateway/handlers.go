package gateway

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/venuescout/accessguard/internal/monitor"
	"github.com/venuescout/accessguard/internal/session"
	"github.com/venuescout/accessguard/pkg/access"
)

type loginRequest struct {
	Identity string           `json:"identity" binding:"required"`
	Password string           `json:"password" binding:"required"`
	Code     string           `json:"code"`
	DeviceID string           `json:"device_id"`
	Location *access.Location `json:"location"`
}

type evaluateRequest struct {
	Identity   string            `json:"identity"`
	Origin     string            `json:"origin"`
	Role       string            `json:"role"`
	Action     string            `json:"action"`
	Resource   string            `json:"resource"`
	DeviceID   string            `json:"device_id"`
	Location   *access.Location  `json:"location"`
	Attributes map[string]string `json:"attributes"`
}

type blockRequest struct {
	Reason   string `json:"reason"`
	Duration string `json:"duration"`
}

type deviceRequest struct {
	ID       string `json:"id"`
	Identity string `json:"identity"`
	Name     string `json:"name"`
}

type reasonRequest struct {
	Reason string `json:"reason"`
}

type resolveRequest struct {
	Resolution string `json:"resolution" binding:"required"`
}

type rulesRequest struct {
	AccessRules    []access.AccessRule    `json:"access_rules"`
	DetectionRules []access.DetectionRule `json:"detection_rules"`
}

// writeDecision answers with the status the decision maps to
func (s *Service) writeDecision(c *gin.Context, d access.Decision) {
	if d.Allowed {
		c.JSON(http.StatusOK, d)
		return
	}
	if d.Reason == access.ReasonRateLimitExceeded {
		setRetryAfter(c, d.RetryAfter, s.guard.Now())
	}
	c.JSON(statusForReason(d.Reason), d)
}

// handleLogin verifies credentials and runs the login through the engine.
// Failed verifications count against the login rate limit like any other
// denied attempt.
func (s *Service) handleLogin(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, err)
		return
	}

	accessReq := access.Request{
		Identity: req.Identity,
		Origin:   c.ClientIP(),
		Action:   access.EndpointLogin,
		DeviceID: deviceID(c, req.DeviceID),
		Location: req.Location,
	}
	verification, err := s.directory.Authenticate(req.Identity, req.Password, req.Code)
	if err == nil {
		accessReq.Authenticated = true
		accessReq.Role = verification.Role
		accessReq.MFAVerified = verification.MFAVerified
	} else if !access.IsAuth(err) {
		s.handleError(c, err)
		return
	}

	decision := s.guard.Evaluate(c.Request.Context(), accessReq)
	if !decision.Allowed {
		s.writeDecision(c, decision)
		return
	}
	if !accessReq.Authenticated {
		// policies without an authentication requirement still need a password
		s.guard.RecordOutcome(access.EndpointLogin, accessReq.Identity, false)
		s.handleError(c, access.ErrBadCredentials)
		return
	}

	token, err := s.tokens.Issue(accessReq.Identity, accessReq.Role, accessReq.MFAVerified, accessReq.DeviceID)
	if err != nil {
		s.handleError(c, err)
		return
	}
	sess, err := s.guard.CreateSession(c.Request.Context(), session.CreateRequest{
		Identity: accessReq.Identity,
		DeviceID: accessReq.DeviceID,
		Origin:   accessReq.Origin,
	})
	if err != nil {
		s.handleError(c, err)
		return
	}

	s.logger.Audit(accessReq.Identity, "login", accessReq.Origin, true, map[string]interface{}{
		"session_id":   sess.ID,
		"requires_mfa": decision.RequiresMFA,
		"risk_score":   decision.RiskScore,
	})
	c.JSON(http.StatusOK, gin.H{
		"token":    token,
		"session":  sess,
		"decision": decision,
	})
}

// handleEvaluate decides one request. A bearer token sets the identity,
// role and verification flags; the body cannot override them.
func (s *Service) handleEvaluate(c *gin.Context) {
	var body evaluateRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		s.badRequest(c, err)
		return
	}

	req := access.Request{
		Identity:   body.Identity,
		Origin:     body.Origin,
		Role:       body.Role,
		Action:     body.Action,
		Resource:   body.Resource,
		DeviceID:   deviceID(c, body.DeviceID),
		Location:   body.Location,
		Attributes: body.Attributes,
	}
	if req.Origin == "" {
		req.Origin = c.ClientIP()
	}
	if claims := claimsFrom(c); claims != nil {
		req.Identity = claims.Identity()
		req.Role = claims.Role
		req.Authenticated = true
		req.MFAVerified = claims.MFA
	}

	s.writeDecision(c, s.guard.Evaluate(c.Request.Context(), req))
}

func (s *Service) handleRegisterDevice(c *gin.Context) {
	var req deviceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, err)
		return
	}
	owner := claimsFrom(c).Identity()
	if req.Identity != "" && req.Identity != owner {
		if !s.ownerOrAdmin(c, req.Identity) {
			c.JSON(http.StatusForbidden, gin.H{"error": "FORBIDDEN", "message": "cannot register a device for another identity"})
			return
		}
		owner = req.Identity
	}

	dev, err := s.guard.RegisterDevice(c.Request.Context(), session.DeviceRequest{
		ID:       deviceID(c, req.ID),
		Identity: owner,
		Name:     req.Name,
	})
	if err != nil {
		s.handleError(c, err)
		return
	}
	c.JSON(http.StatusCreated, dev)
}

func (s *Service) handleGetDevice(c *gin.Context) {
	dev, err := s.guard.Device(c.Param("id"))
	if err != nil {
		s.handleError(c, err)
		return
	}
	if !s.ownerOrAdmin(c, dev.Identity) {
		s.handleError(c, access.ErrDeviceNotFound.WithSubject(c.Param("id")))
		return
	}
	c.JSON(http.StatusOK, dev)
}

func (s *Service) handleRevokeDevice(c *gin.Context) {
	var req reasonRequest
	if !s.bindOptional(c, &req) {
		return
	}

	dev, err := s.guard.Device(c.Param("id"))
	if err == nil && !s.ownerOrAdmin(c, dev.Identity) {
		err = access.ErrDeviceNotFound.WithSubject(c.Param("id"))
	}
	if err != nil {
		s.handleError(c, err)
		return
	}

	dev, err = s.guard.RevokeDevice(c.Request.Context(), dev.ID, req.Reason, actorOf(c))
	if err != nil {
		s.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, dev)
}

func (s *Service) handleCreateSession(c *gin.Context) {
	claims := claimsFrom(c)
	sess, err := s.guard.CreateSession(c.Request.Context(), session.CreateRequest{
		Identity: claims.Identity(),
		DeviceID: deviceID(c, ""),
		Origin:   c.ClientIP(),
	})
	if err != nil {
		s.handleError(c, err)
		return
	}
	c.JSON(http.StatusCreated, sess)
}

// ownedSession loads a session and hides it from callers who do not own it
func (s *Service) ownedSession(c *gin.Context) (access.Session, bool) {
	sess, err := s.guard.Session(c.Param("id"))
	if err == nil && !s.ownerOrAdmin(c, sess.Identity) {
		err = access.ErrSessionNotFound.WithSubject(c.Param("id"))
	}
	if err != nil {
		s.handleError(c, err)
		return access.Session{}, false
	}
	return sess, true
}

func (s *Service) handleValidateSession(c *gin.Context) {
	if _, ok := s.ownedSession(c); !ok {
		return
	}
	sess, err := s.guard.ValidateSession(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, sess)
}

func (s *Service) handleExtendSession(c *gin.Context) {
	if _, ok := s.ownedSession(c); !ok {
		return
	}
	sess, err := s.guard.ExtendSession(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, sess)
}

func (s *Service) handleTerminateSession(c *gin.Context) {
	if _, ok := s.ownedSession(c); !ok {
		return
	}
	var req reasonRequest
	if !s.bindOptional(c, &req) {
		return
	}

	sess, err := s.guard.TerminateSession(c.Request.Context(), c.Param("id"), req.Reason)
	if err != nil {
		s.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, sess)
}

// bindOptional binds a JSON body when one was sent. A malformed body is
// answered with 400 and reported as false.
func (s *Service) bindOptional(c *gin.Context, obj interface{}) bool {
	if c.Request.ContentLength == 0 {
		return true
	}
	if err := c.ShouldBindJSON(obj); err != nil {
		s.badRequest(c, err)
		return false
	}
	return true
}

// bindBlock reads an optional block body. An empty or missing duration is
// permanent.
func (s *Service) bindBlock(c *gin.Context) (blockRequest, time.Duration, bool) {
	var req blockRequest
	if !s.bindOptional(c, &req) {
		return req, 0, false
	}
	if req.Duration == "" {
		return req, 0, true
	}
	d, err := time.ParseDuration(req.Duration)
	if err != nil || d < 0 {
		var details access.ValidationErrors
		details.Add("duration", req.Duration, "must be a non-negative duration such as 30m or 24h")
		s.handleError(c, details)
		return req, 0, false
	}
	return req, d, true
}

func (s *Service) handleBlockIdentity(c *gin.Context) {
	req, duration, ok := s.bindBlock(c)
	if !ok {
		return
	}
	rec, err := s.guard.BlockIdentity(c.Request.Context(), c.Param("identity"), req.Reason, actorOf(c), duration)
	if err != nil {
		s.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (s *Service) handleUnblockIdentity(c *gin.Context) {
	rec, err := s.guard.UnblockIdentity(c.Request.Context(), c.Param("identity"), actorOf(c))
	if err != nil {
		s.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (s *Service) handleBlockOrigin(c *gin.Context) {
	req, duration, ok := s.bindBlock(c)
	if !ok {
		return
	}
	rec, err := s.guard.BlockOrigin(c.Request.Context(), c.Param("origin"), req.Reason, actorOf(c), duration)
	if err != nil {
		s.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (s *Service) handleUnblockOrigin(c *gin.Context) {
	rec, err := s.guard.UnblockOrigin(c.Request.Context(), c.Param("origin"), actorOf(c))
	if err != nil {
		s.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (s *Service) handleListBlocks(c *gin.Context) {
	kinds := []access.BlockKind{access.BlockIdentity, access.BlockOrigin}
	if k := c.Query("kind"); k != "" {
		kinds = []access.BlockKind{access.BlockKind(k)}
	}
	blocks := []access.BlockRecord{}
	for _, kind := range kinds {
		blocks = append(blocks, s.guard.Blocks(kind)...)
	}
	c.JSON(http.StatusOK, gin.H{"blocks": blocks, "count": len(blocks)})
}

func (s *Service) handleListActivities(c *gin.Context) {
	activities := s.guard.Activities(access.ActivityStatus(c.Query("status")))
	c.JSON(http.StatusOK, gin.H{"activities": activities, "count": len(activities)})
}

func (s *Service) handleInvestigateActivity(c *gin.Context) {
	activity, err := s.guard.InvestigateActivity(c.Request.Context(), c.Param("id"), actorOf(c))
	if err != nil {
		s.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, activity)
}

func (s *Service) handleResolveActivity(c *gin.Context) {
	var req resolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, err)
		return
	}
	activity, err := s.guard.ResolveActivity(c.Request.Context(), c.Param("id"), actorOf(c), req.Resolution)
	if err != nil {
		s.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, activity)
}

func (s *Service) handleListAttempts(c *gin.Context) {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "100"))
	if err != nil || limit <= 0 {
		limit = 100
	}
	attempts := s.guard.RecentAttempts(monitor.AttemptFilter{
		Identity: c.Query("identity"),
		Origin:   c.Query("origin"),
		Result:   access.AttemptResult(c.Query("result")),
		Limit:    limit,
	})
	c.JSON(http.StatusOK, gin.H{"attempts": attempts, "count": len(attempts)})
}

func (s *Service) handleGetProfile(c *gin.Context) {
	profile, ok := s.guard.Profile(c.Param("identity"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "PROFILE_NOT_FOUND", "message": "no behavior profile for identity"})
		return
	}
	c.JSON(http.StatusOK, profile)
}

func (s *Service) handleListPolicies(c *gin.Context) {
	policies := s.guard.Policies()
	c.JSON(http.StatusOK, gin.H{"policies": policies, "count": len(policies)})
}

func (s *Service) handleReplacePolicies(c *gin.Context) {
	var policies []access.Policy
	if err := c.ShouldBindJSON(&policies); err != nil {
		s.badRequest(c, err)
		return
	}
	if err := s.guard.ReplacePolicies(c.Request.Context(), policies); err != nil {
		s.handleError(c, err)
		return
	}
	s.logger.Audit(actorOf(c), "policies_replaced", "", true, map[string]interface{}{"count": len(policies)})
	c.JSON(http.StatusOK, gin.H{"count": len(policies)})
}

func (s *Service) handleReplaceRules(c *gin.Context) {
	var req rulesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, err)
		return
	}
	if err := s.guard.ReplaceRules(c.Request.Context(), req.AccessRules, req.DetectionRules); err != nil {
		s.handleError(c, err)
		return
	}
	s.logger.Audit(actorOf(c), "rules_replaced", "", true, map[string]interface{}{
		"access_rules":    len(req.AccessRules),
		"detection_rules": len(req.DetectionRules),
	})
	c.JSON(http.StatusOK, gin.H{
		"access_rules":    len(req.AccessRules),
		"detection_rules": len(req.DetectionRules),
	})
}

func (s *Service) handleStatistics(c *gin.Context) {
	stats := s.guard.GetStatistics()
	s.metrics.ObserveStatistics(stats)
	c.JSON(http.StatusOK, stats)
}

func (s *Service) handleSnapshot(c *gin.Context) {
	if err := s.guard.Snapshot(c.Request.Context()); err != nil {
		s.logger.WithComponent("gateway").WithError(err).WithFields(logrus.Fields{
			"actor": actorOf(c),
		}).Error("Manual snapshot incomplete")
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "SNAPSHOT_FAILED", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
