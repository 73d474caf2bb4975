package agents

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/agentcourt/internal/apperr"
	"github.com/mbd888/agentcourt/internal/pagination"
)

// Handler provides HTTP endpoints for the agent directory.
type Handler struct {
	dir *Directory
}

// NewHandler creates a new agent handler.
func NewHandler(dir *Directory) *Handler {
	return &Handler{dir: dir}
}

// RegisterRoutes sets up public agent routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/agents/:agentId", h.GetAgent)
}

// RegisterAdminRoutes sets up directory management routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/agents", h.RegisterAgent)
	r.GET("/agents", h.ListAgents)
	r.POST("/agents/:agentId/status", h.SetStatus)
}

// GetAgent handles GET /v1/agents/:agentId
func (h *Handler) GetAgent(c *gin.Context) {
	agent, err := h.dir.ResolveAgentByExternalID(c.Request.Context(), c.Param("agentId"))
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"agent": agent})
}

// RegisterAgent handles POST /v1/admin/agents
func (h *Handler) RegisterAgent(c *gin.Context) {
	var req RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": "name and operatorAccountId are required",
		})
		return
	}
	agent, err := h.dir.Register(c.Request.Context(), req)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"agent": agent})
}

// ListAgents handles GET /v1/admin/agents
func (h *Handler) ListAgents(c *gin.Context) {
	page, err := pagination.FromQuery(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": err.Error()})
		return
	}
	list, err := h.dir.List(c.Request.Context(), page.Limit)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"agents": list, "count": len(list)})
}

type setStatusRequest struct {
	Status Status `json:"status" binding:"required"`
}

// SetStatus handles POST /v1/admin/agents/:agentId/status
func (h *Handler) SetStatus(c *gin.Context) {
	var req setStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": "status is required"})
		return
	}
	ctx := c.Request.Context()
	agent, err := h.dir.ResolveAgentByExternalID(ctx, c.Param("agentId"))
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	if err := h.dir.SetStatus(ctx, agent.ID, req.Status); err != nil {
		apperr.Respond(c, err)
		return
	}
	agent.Status = req.Status
	c.JSON(http.StatusOK, gin.H{"agent": agent})
}
