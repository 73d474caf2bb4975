package server

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/agentcourt/internal/auth"
	"github.com/mbd888/agentcourt/internal/logging"
	"github.com/mbd888/agentcourt/internal/metrics"
	"github.com/mbd888/agentcourt/internal/ratelimit"
	"github.com/mbd888/agentcourt/internal/security"
	"github.com/mbd888/agentcourt/internal/validation"
)

func (s *Server) setupMiddleware() {
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		logging.L(c.Request.Context()).Error("panic recovered",
			"error", recovered,
			"path", c.Request.URL.Path,
		)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "An unexpected error occurred",
		})
	}))

	s.router.Use(security.HeadersMiddleware())
	s.router.Use(security.CORSMiddleware(s.cfg.CORSOrigins))
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))
	s.router.Use(metrics.Middleware())

	// Request ID, request-scoped logger and access log.
	s.router.Use(logging.Middleware(s.logger))

	// Identity must be known before rate limiting so limits are per agent.
	s.router.Use(auth.Middleware(s.issuer))

	if s.cfg.RateLimitRPS > 0 {
		rlCfg := ratelimit.DefaultConfig()
		rlCfg.RequestsPerSecond = float64(s.cfg.RateLimitRPS)
		rlCfg.Burst = 2 * s.cfg.RateLimitRPS
		s.rateLimiter = ratelimit.New(rlCfg).WithClock(s.clock)
		s.router.Use(s.rateLimiter.Middleware())
	}
}
