package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/PratikDhanave/pipeline-orchestrator/internal/admission"
)

// RegisterLoadRoutes registers the admission observability endpoint.
//
// GET /load?user=...
//   - Requires X-API-Key
//   - Returns the current global in-flight count, plus the per-user count
//     when a user is given.
func RegisterLoadRoutes(r gin.IRoutes, ctrl admission.Controller) {
	r.GET("/load", func(c *gin.Context) {
		user := c.Query("user")

		sample, err := ctrl.Load(c.Request.Context(), user)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "load sample failed"})
			return
		}

		resp := gin.H{
			"global":    sample.ActiveGlobal,
			"timestamp": sample.Timestamp.UTC().Format(time.RFC3339),
		}
		if user != "" {
			resp["user"] = user
			resp["user_active"] = sample.ActiveUser
		}
		c.JSON(http.StatusOK, resp)
	})
}
