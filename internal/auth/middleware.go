package auth

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
)

const (
	// ContextKeyAgentID holds the authenticated caller's external agent ID.
	ContextKeyAgentID = "authAgentID"
	// ContextKeyAccountID holds the operator account the caller pays from.
	ContextKeyAccountID = "authAccountID"
	// ContextKeyRole holds the caller's Role.
	ContextKeyRole = "authRole"
)

// Middleware extracts and validates a bearer token. Requests without a valid
// token pass through unauthenticated; RequireAuth rejects them.
func Middleware(i *Issuer) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		raw, ok := strings.CutPrefix(header, "Bearer ")
		if ok && raw != "" {
			if claims, err := i.Parse(raw); err == nil {
				c.Set(ContextKeyAgentID, claims.Subject)
				c.Set(ContextKeyAccountID, claims.AccountID)
				c.Set(ContextKeyRole, string(claims.Role))
			}
		}
		c.Next()
	}
}

// RequireAuth rejects requests without a valid token.
func RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.GetString(ContextKeyAgentID) == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Bearer token required. Include 'Authorization: Bearer <token>' header.",
			})
			return
		}
		c.Next()
	}
}

// RequireRole rejects authenticated callers whose role is not in roles.
func RequireRole(roles ...Role) gin.HandlerFunc {
	return func(c *gin.Context) {
		have := Role(c.GetString(ContextKeyRole))
		for _, r := range roles {
			if have == r {
				c.Next()
				return
			}
		}
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
			"error":   "forbidden",
			"message": "This operation requires the " + string(roles[0]) + " role.",
		})
	}
}

// AgentID returns the authenticated caller's external agent ID.
func AgentID(c *gin.Context) string { return c.GetString(ContextKeyAgentID) }

// AccountID returns the authenticated caller's paying account.
func AccountID(c *gin.Context) string { return c.GetString(ContextKeyAccountID) }

// Handler serves token issuance for administrators.
type Handler struct {
	issuer *Issuer
}

// NewHandler creates a token handler.
func NewHandler(i *Issuer) *Handler {
	return &Handler{issuer: i}
}

// IssueTokenRequest is the body of POST /v1/admin/tokens.
type IssueTokenRequest struct {
	Subject   string `json:"subject" binding:"required"`
	AccountID string `json:"accountId"`
	Role      Role   `json:"role" binding:"required"`
	TTLHours  int    `json:"ttlHours"`
}

// RegisterAdminRoutes sets up token issuance on an admin-only group.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/tokens", h.IssueToken)
}

// IssueToken handles POST /v1/admin/tokens
func (h *Handler) IssueToken(c *gin.Context) {
	var req IssueTokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": err.Error()})
		return
	}
	if req.TTLHours <= 0 {
		req.TTLHours = 24
	}
	ttl := time.Duration(req.TTLHours) * time.Hour
	token, err := h.issuer.Issue(req.Subject, req.AccountID, req.Role, ttl)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"token": token, "expiresInHours": req.TTLHours})
}
