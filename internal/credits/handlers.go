package credits

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/agentcourt/internal/apperr"
	"github.com/mbd888/agentcourt/internal/pagination"
)

// Handler provides HTTP endpoints for credit balances.
type Handler struct {
	ledger *Ledger
}

// NewHandler creates a new credits handler.
func NewHandler(l *Ledger) *Handler {
	return &Handler{ledger: l}
}

// RegisterRoutes sets up routes scoped to the caller's own account.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/credits/balance", h.GetBalance)
	r.GET("/credits/history", h.GetHistory)
}

// RegisterAdminRoutes sets up credit administration routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/credits/grant", h.Grant)
}

// GetBalance handles GET /v1/credits/balance
func (h *Handler) GetBalance(c *gin.Context) {
	account := c.GetString("authAccountID")
	if account == "" {
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden", "message": "token carries no account"})
		return
	}
	balance, err := h.ledger.Balance(c.Request.Context(), account)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"accountId": account, "balance": balance})
}

// GetHistory handles GET /v1/credits/history
func (h *Handler) GetHistory(c *gin.Context) {
	account := c.GetString("authAccountID")
	if account == "" {
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden", "message": "token carries no account"})
		return
	}
	page, err := pagination.FromQuery(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": err.Error()})
		return
	}
	entries, err := h.ledger.History(c.Request.Context(), account, page.Limit)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries, "count": len(entries)})
}

type grantRequest struct {
	AccountID   string `json:"accountId" binding:"required"`
	Amount      int64  `json:"amount" binding:"required"`
	Description string `json:"description"`
}

// Grant handles POST /v1/admin/credits/grant
func (h *Handler) Grant(c *gin.Context) {
	var req grantRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": "accountId and amount are required"})
		return
	}
	entry, err := h.ledger.Grant(c.Request.Context(), req.AccountID, req.Amount, req.Description)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"entry": entry})
}
