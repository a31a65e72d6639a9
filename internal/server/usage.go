package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/muneebkhan4/tapflow/internal/observability/logger"
	"go.uber.org/zap"
)

const (
	rateLimitReasonEndpointRate  = "endpoint-rate"
	rateLimitReasonDispenserRate = "dispenser-rate"
)

type openDispenserRequest struct {
	DispenserID string `json:"dispenserId"`
}

// OpenDispenser is the state gate trigger: it flips the dispenser open,
// opens a pending usage record, and hands the session to the monitor
// supervisor before responding.
func (s *Server) OpenDispenser(c *gin.Context) {
	var req openDispenserRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrDispenserIDRequired)
		return
	}

	id := strings.TrimSpace(req.DispenserID)
	if id == "" {
		AbortWithError(c, ErrDispenserIDRequired)
		return
	}
	c.Set("dispenser_id", id)

	if !s.allowOpen(c, id) {
		return
	}

	ctx := c.Request.Context()
	session, err := s.dispenserSvc.TryOpen(ctx, id)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	if err := s.supervisor.Watch(session); err != nil {
		// The open already committed. The recovery sweep finalizes the
		// session if no monitor picks it up.
		logger.FromContext(ctx).Warn("session monitor not started",
			zap.String("dispenser_id", id),
			zap.String("usage_record_id", session.UsageRecordID.String()),
			zap.Error(err),
		)
	}

	c.JSON(http.StatusOK, messageResponse{Message: msgOpened})
}

func (s *Server) UsageCount(c *gin.Context) {
	id := strings.TrimSpace(c.Param("id"))
	c.Set("dispenser_id", id)

	count, err := s.usageSvc.CountUsages(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"usage_count": count})
}

func (s *Server) TotalUsageTime(c *gin.Context) {
	id := strings.TrimSpace(c.Param("id"))
	c.Set("dispenser_id", id)

	seconds, err := s.usageSvc.TotalUsageTime(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"total_usage_time": seconds})
}

func (s *Server) TotalMoneyMade(c *gin.Context) {
	id := strings.TrimSpace(c.Param("id"))
	c.Set("dispenser_id", id)

	amount, err := s.usageSvc.TotalMoneyMade(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"total_money_made": amount})
}

// allowOpen runs the redis token buckets guarding session opens. A redis
// outage fails open: the gate itself still serializes concurrent opens.
func (s *Server) allowOpen(c *gin.Context, dispenserID string) bool {
	if s.openLimiter == nil || !s.openLimiter.Enabled() {
		return true
	}

	ctx := c.Request.Context()
	endpoint := c.FullPath()

	allowed, err := s.openLimiter.AllowEndpoint(ctx)
	if err != nil {
		logger.FromContext(ctx).Warn("open endpoint rate limit check failed", zap.Error(err))
		return true
	}
	if !allowed {
		s.denyOpen(c, endpoint, rateLimitReasonEndpointRate)
		return false
	}

	allowed, err = s.openLimiter.AllowDispenser(ctx, dispenserID)
	if err != nil {
		logger.FromContext(ctx).Warn("open dispenser rate limit check failed", zap.Error(err))
		return true
	}
	if !allowed {
		s.denyOpen(c, endpoint, rateLimitReasonDispenserRate)
		return false
	}

	if s.obsMetrics != nil {
		s.obsMetrics.RecordRateLimitAllowed(ctx, endpoint)
	}
	return true
}

func (s *Server) denyOpen(c *gin.Context, endpoint, reason string) {
	if s.obsMetrics != nil {
		s.obsMetrics.RecordRateLimitDenied(c.Request.Context(), endpoint, reason)
	}
	AbortWithError(c, ErrTooManyRequests)
}
