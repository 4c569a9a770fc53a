package handlers

import (
	"net/http"

	"cdr.dev/slog"
	"github.com/gin-gonic/gin"
	"golang.org/x/xerrors"

	"github.com/PratikDhanave/pipeline-orchestrator/internal/auth"
	"github.com/PratikDhanave/pipeline-orchestrator/internal/event"
	"github.com/PratikDhanave/pipeline-orchestrator/internal/objstore"
	"github.com/PratikDhanave/pipeline-orchestrator/internal/stage"
)

// RegisterReprocessRoutes registers the manual trigger endpoint.
//
// POST /reprocess
//   - Requires X-API-Key
//   - Re-submits an existing object through the same classification path the
//     store notifications use; output keys are deterministic, so this
//     overwrites rather than duplicates.
func RegisterReprocessRoutes(r gin.IRoutes, logger slog.Logger, st objstore.Store, queue Queue) {
	r.POST("/reprocess", func(c *gin.Context) {
		var req event.ReprocessRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON payload"})
			return
		}

		key, ok := stage.ParseKey(req.Key)
		if !ok {
			c.JSON(http.StatusBadRequest, gin.H{"error": "key outside pipeline namespace"})
			return
		}

		obj, err := st.Stat(c.Request.Context(), key)
		if xerrors.Is(err, objstore.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "object not found"})
			return
		}
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "stat failed"})
			return
		}

		if !queue.Enqueue(event.StageEvent{Key: key, Size: obj.Size, CreatedAt: obj.CreatedAt}) {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "queue full, retry later"})
			return
		}
		logger.Info(c.Request.Context(), "reprocess accepted",
			slog.F("caller", auth.Caller(c)), slog.F("key", key.String()))
		c.JSON(http.StatusAccepted, event.NotificationResponse{Accepted: true})
	})
}
