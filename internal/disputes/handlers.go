package disputes

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/agentcourt/internal/apperr"
	"github.com/mbd888/agentcourt/internal/pagination"
)

// Handler provides HTTP endpoints for disputes and escalations.
type Handler struct {
	service *Service
}

// NewHandler creates a new dispute handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up party-facing dispute routes. All of them require auth.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/transactions/:id/dispute-eligibility", h.Eligibility)
	r.POST("/disputes", h.FileDispute)
	r.GET("/disputes/:id", h.GetDispute)
	r.GET("/agents/:agentId/disputes", h.ListForAgent)
	r.POST("/disputes/:id/respond", h.Respond)
	r.POST("/disputes/:id/evidence", h.AddEvidence)
	r.GET("/disputes/:id/evidence", h.ListEvidence)
	r.POST("/disputes/:id/withdraw", h.Withdraw)
	r.GET("/disputes/:id/decision", h.GetDecision)
	r.POST("/disputes/:id/accept", h.Accept)
	r.POST("/disputes/:id/reject", h.Reject)
	r.POST("/disputes/:id/escalate", h.Escalate)
	r.GET("/disputes/:id/escalation", h.GetEscalation)
}

// RegisterArbiterRoutes sets up routes for the external arbiter and human
// arbitrators.
func (h *Handler) RegisterArbiterRoutes(r *gin.RouterGroup) {
	g := r.Group("", requireArbiter())
	g.GET("/arbitration/queue", h.Queue)
	g.GET("/arbitration/disputes/:id", h.GetForArbiter)
	g.POST("/disputes/:id/arbitrate", h.BeginArbitration)
	g.POST("/disputes/:id/ruling", h.RecordRuling)
	g.GET("/escalations", h.ListEscalations)
	g.POST("/escalations/:id/assign", h.AssignEscalation)
	g.POST("/escalations/:id/decide", h.DecideEscalation)
}

func requireArbiter() gin.HandlerFunc {
	return func(c *gin.Context) {
		switch c.GetString("authRole") {
		case "arbiter", "admin":
			c.Next()
		default:
			apperr.Respond(c, ErrNotArbiter)
		}
	}
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": msg})
}

// Eligibility handles GET /v1/transactions/:id/dispute-eligibility
func (h *Handler) Eligibility(c *gin.Context) {
	e, err := h.service.CanFileDispute(c.Request.Context(), c.Param("id"), c.GetString("authAgentID"))
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"eligibility": e})
}

// FileDispute handles POST /v1/disputes
func (h *Handler) FileDispute(c *gin.Context) {
	var req FileRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "transactionId, claimType, claimSummary and requestedResolution are required")
		return
	}
	d, err := h.service.FileDispute(c.Request.Context(), c.GetString("authAgentID"), c.GetString("authAccountID"), req)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"dispute": d})
}

// GetDispute handles GET /v1/disputes/:id
func (h *Handler) GetDispute(c *gin.Context) {
	d, err := h.service.GetDispute(c.Request.Context(), c.Param("id"), c.GetString("authAgentID"))
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": d})
}

// ListForAgent handles GET /v1/agents/:agentId/disputes
func (h *Handler) ListForAgent(c *gin.Context) {
	agentID := c.Param("agentId")
	if agentID != c.GetString("authAgentID") {
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "forbidden",
			"message": "agents may only list their own disputes",
		})
		return
	}
	page, err := pagination.FromQuery(c)
	if err != nil {
		badRequest(c, err.Error())
		return
	}
	list, next, err := h.service.ListForAgent(c.Request.Context(), agentID, page)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"disputes": list, "count": len(list), "nextCursor": next})
}

type respondRequest struct {
	ResponseSummary string `json:"responseSummary" binding:"required"`
	ResponseDetails string `json:"responseDetails"`
}

// Respond handles POST /v1/disputes/:id/respond
func (h *Handler) Respond(c *gin.Context) {
	var req respondRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "responseSummary is required")
		return
	}
	d, err := h.service.RespondToDispute(c.Request.Context(), c.Param("id"), c.GetString("authAgentID"),
		req.ResponseSummary, req.ResponseDetails)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": d})
}

// AddEvidence handles POST /v1/disputes/:id/evidence
func (h *Handler) AddEvidence(c *gin.Context) {
	var req EvidenceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "evidenceType, title and content are required")
		return
	}
	ev, err := h.service.AddEvidence(c.Request.Context(), c.Param("id"), c.GetString("authAgentID"), req)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"evidence": ev})
}

// ListEvidence handles GET /v1/disputes/:id/evidence
func (h *Handler) ListEvidence(c *gin.Context) {
	list, err := h.service.ListEvidence(c.Request.Context(), c.Param("id"), c.GetString("authAgentID"))
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"evidence": list, "count": len(list)})
}

// Withdraw handles POST /v1/disputes/:id/withdraw
func (h *Handler) Withdraw(c *gin.Context) {
	d, err := h.service.WithdrawDispute(c.Request.Context(), c.Param("id"), c.GetString("authAgentID"))
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": d})
}

// GetDecision handles GET /v1/disputes/:id/decision
func (h *Handler) GetDecision(c *gin.Context) {
	view, err := h.service.GetDecision(c.Request.Context(), c.Param("id"), c.GetString("authAgentID"))
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"decision": view})
}

// Accept handles POST /v1/disputes/:id/accept
func (h *Handler) Accept(c *gin.Context) {
	d, err := h.service.AcceptDecision(c.Request.Context(), c.Param("id"), c.GetString("authAgentID"))
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": d})
}

// Reject handles POST /v1/disputes/:id/reject
func (h *Handler) Reject(c *gin.Context) {
	d, err := h.service.RejectDecision(c.Request.Context(), c.Param("id"), c.GetString("authAgentID"))
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": d})
}

type escalateRequest struct {
	Reason string `json:"reason" binding:"required"`
}

// Escalate handles POST /v1/disputes/:id/escalate
func (h *Handler) Escalate(c *gin.Context) {
	var req escalateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "reason is required")
		return
	}
	e, err := h.service.RequestEscalation(c.Request.Context(), c.Param("id"), c.GetString("authAgentID"),
		req.Reason, c.GetString("authAccountID"))
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"escalation": e})
}

// GetEscalation handles GET /v1/disputes/:id/escalation
func (h *Handler) GetEscalation(c *gin.Context) {
	e, err := h.service.GetEscalationStatus(c.Request.Context(), c.Param("id"), c.GetString("authAgentID"))
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escalation": e})
}

func queryLimit(c *gin.Context) int {
	limit := pagination.DefaultLimit
	if l := c.Query("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil && n > 0 {
			limit = min(n, pagination.MaxLimit)
		}
	}
	return limit
}

// Queue handles GET /v1/arbitration/queue
func (h *Handler) Queue(c *gin.Context) {
	list, err := h.service.ListDisputesPendingArbitration(c.Request.Context(), queryLimit(c))
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"disputes": list, "count": len(list)})
}

// GetForArbiter handles GET /v1/arbitration/disputes/:id
func (h *Handler) GetForArbiter(c *gin.Context) {
	d, err := h.service.GetForArbiter(c.Request.Context(), c.Param("id"))
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": d})
}

// BeginArbitration handles POST /v1/disputes/:id/arbitrate
func (h *Handler) BeginArbitration(c *gin.Context) {
	d, err := h.service.BeginArbitration(c.Request.Context(), c.Param("id"))
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": d})
}

// RecordRuling handles POST /v1/disputes/:id/ruling
func (h *Handler) RecordRuling(c *gin.Context) {
	var req RulingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "ruling and reasoning are required")
		return
	}
	d, err := h.service.RecordRuling(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": d})
}

// ListEscalations handles GET /v1/escalations
func (h *Handler) ListEscalations(c *gin.Context) {
	list, err := h.service.ListOpenEscalations(c.Request.Context(), queryLimit(c))
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escalations": list, "count": len(list)})
}

type assignRequest struct {
	ArbitratorID string `json:"arbitratorId"`
}

// AssignEscalation handles POST /v1/escalations/:id/assign
func (h *Handler) AssignEscalation(c *gin.Context) {
	var req assignRequest
	_ = c.ShouldBindJSON(&req)
	if req.ArbitratorID == "" {
		req.ArbitratorID = c.GetString("authAgentID")
	}
	e, err := h.service.AssignEscalation(c.Request.Context(), c.Param("id"), req.ArbitratorID)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escalation": e})
}

// DecideEscalation handles POST /v1/escalations/:id/decide
func (h *Handler) DecideEscalation(c *gin.Context) {
	var req EscalationDecision
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "ruling and reasoning are required")
		return
	}
	if req.ArbitratorID == "" {
		req.ArbitratorID = c.GetString("authAgentID")
	}
	e, err := h.service.DecideEscalation(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escalation": e})
}
