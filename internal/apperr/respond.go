package apperr

import (
	"github.com/gin-gonic/gin"

	"github.com/mbd888/agentcourt/internal/logging"
)

// Respond writes err as the API's JSON error body and aborts the request.
// Unclassified errors are logged and reported as a generic internal error.
func Respond(c *gin.Context, err error) {
	kind := KindOf(err)
	if kind == KindInternal {
		logging.L(c.Request.Context()).Error("request failed", "path", c.FullPath(), "error", err)
		c.AbortWithStatusJSON(HTTPStatus(kind), gin.H{
			"error":   "internal_error",
			"message": "Internal server error",
		})
		return
	}
	c.AbortWithStatusJSON(HTTPStatus(kind), gin.H{
		"error":   CodeOf(err),
		"message": err.Error(),
	})
}
