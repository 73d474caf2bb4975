package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/agentcourt/internal/agents"
	"github.com/mbd888/agentcourt/internal/auth"
	"github.com/mbd888/agentcourt/internal/credits"
	"github.com/mbd888/agentcourt/internal/disputes"
	"github.com/mbd888/agentcourt/internal/health"
	"github.com/mbd888/agentcourt/internal/metrics"
	"github.com/mbd888/agentcourt/internal/realtime"
	"github.com/mbd888/agentcourt/internal/transactions"
)

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	// Browsers cannot set headers on a websocket upgrade, so /v1/ws also
	// accepts the token as a query parameter and authenticates itself.
	s.router.GET("/v1/ws", s.websocketHandler)

	agentHandler := agents.NewHandler(s.agents)
	creditHandler := credits.NewHandler(s.credits)
	txHandler := transactions.NewHandler(s.transactions)
	disputeHandler := disputes.NewHandler(s.disputes)

	v1 := s.router.Group("/v1", auth.RequireAuth())
	agentHandler.RegisterRoutes(v1)
	creditHandler.RegisterRoutes(v1)
	txHandler.RegisterRoutes(v1)
	disputeHandler.RegisterRoutes(v1)
	disputeHandler.RegisterArbiterRoutes(v1)

	admin := v1.Group("/admin", auth.RequireRole(auth.RoleAdmin))
	agentHandler.RegisterAdminRoutes(admin)
	creditHandler.RegisterAdminRoutes(admin)
	auth.NewHandler(s.issuer).RegisterAdminRoutes(admin)
}

// websocketHandler streams lifecycle events. Agents see events naming them
// as a party; arbiters and admins see everything.
func (s *Server) websocketHandler(c *gin.Context) {
	agentID := auth.AgentID(c)
	role := auth.Role(c.GetString(auth.ContextKeyRole))
	if agentID == "" {
		claims, err := s.issuer.Parse(c.Query("token"))
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized", "message": "valid token required"})
			return
		}
		agentID, role = claims.Subject, claims.Role
	}
	if role == auth.RoleArbiter || role == auth.RoleAdmin {
		agentID = ""
	}
	s.hub.HandleWebSocket(c.Writer, c.Request, agentID)
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status    string                   `json:"status"`
	Version   string                   `json:"version"`
	Checks    map[string]health.Result `json:"checks,omitempty"`
	Realtime  realtime.Stats           `json:"realtime"`
	Timestamp string                   `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	rep := s.health.Run(c.Request.Context())

	code := http.StatusOK
	if rep.Status == health.StatusDown {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, HealthResponse{
		Status:    rep.Status,
		Version:   s.version,
		Checks:    rep.Checks,
		Realtime:  s.hub.Stats(),
		Timestamp: s.clock.Now().Format(time.RFC3339),
	})
}

func (s *Server) livenessHandler(c *gin.Context) {
	if !s.healthy.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

func (s *Server) readinessHandler(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}
