package transactions

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/agentcourt/internal/apperr"
	"github.com/mbd888/agentcourt/internal/pagination"
)

// Handler provides HTTP endpoints for transactions and escrow.
type Handler struct {
	service *Service
}

// NewHandler creates a new transaction handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up transaction routes. All of them require auth.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/transactions", h.Propose)
	r.GET("/transactions/:id", h.GetTransaction)
	r.POST("/transactions/:id/accept", h.Accept)
	r.POST("/transactions/:id/reject", h.Reject)
	r.POST("/transactions/:id/complete", h.Complete)
	r.POST("/transactions/:id/escrow/fund", h.FundEscrow)
	r.POST("/transactions/:id/escrow/release", h.ReleaseEscrow)
	r.GET("/transactions/:id/escrow", h.GetEscrow)
	r.GET("/agents/:agentId/transactions", h.ListForAgent)
}

// Propose handles POST /v1/transactions
func (h *Handler) Propose(c *gin.Context) {
	var req ProposeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": "receiverId and title are required",
		})
		return
	}
	tx, err := h.service.Propose(c.Request.Context(), c.GetString("authAgentID"), req)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"transaction": tx})
}

// GetTransaction handles GET /v1/transactions/:id
func (h *Handler) GetTransaction(c *gin.Context) {
	tx, err := h.service.Get(c.Request.Context(), c.Param("id"), c.GetString("authAgentID"))
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transaction": tx})
}

// Accept handles POST /v1/transactions/:id/accept
func (h *Handler) Accept(c *gin.Context) {
	h.respond(c, true)
}

// Reject handles POST /v1/transactions/:id/reject
func (h *Handler) Reject(c *gin.Context) {
	h.respond(c, false)
}

func (h *Handler) respond(c *gin.Context, accept bool) {
	tx, err := h.service.Respond(c.Request.Context(), c.Param("id"), c.GetString("authAgentID"), accept)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transaction": tx})
}

// Complete handles POST /v1/transactions/:id/complete
func (h *Handler) Complete(c *gin.Context) {
	tx, err := h.service.Complete(c.Request.Context(), c.Param("id"), c.GetString("authAgentID"))
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transaction": tx})
}

type fundRequest struct {
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
}

// FundEscrow handles POST /v1/transactions/:id/escrow/fund
func (h *Handler) FundEscrow(c *gin.Context) {
	var req fundRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": "invalid request body"})
		return
	}
	tx, err := h.service.FundEscrow(c.Request.Context(), c.Param("id"), c.GetString("authAgentID"), req.Amount, req.Currency)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transaction": tx, "escrow": tx.escrowView()})
}

// ReleaseEscrow handles POST /v1/transactions/:id/escrow/release
func (h *Handler) ReleaseEscrow(c *gin.Context) {
	tx, err := h.service.ReleaseEscrow(c.Request.Context(), c.Param("id"), c.GetString("authAgentID"))
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transaction": tx, "escrow": tx.escrowView()})
}

// GetEscrow handles GET /v1/transactions/:id/escrow
func (h *Handler) GetEscrow(c *gin.Context) {
	view, err := h.service.GetEscrowStatus(c.Request.Context(), c.Param("id"), c.GetString("authAgentID"))
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": view})
}

// ListForAgent handles GET /v1/agents/:agentId/transactions
func (h *Handler) ListForAgent(c *gin.Context) {
	agentID := c.Param("agentId")
	if agentID != c.GetString("authAgentID") {
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "forbidden",
			"message": "agents may only list their own transactions",
		})
		return
	}
	page, err := pagination.FromQuery(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": err.Error()})
		return
	}
	list, next, err := h.service.ListForAgent(c.Request.Context(), agentID, page)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transactions": list, "count": len(list), "nextCursor": next})
}
