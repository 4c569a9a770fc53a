package handlers

import (
	"net/http"
	"time"

	"cdr.dev/slog"
	"github.com/gin-gonic/gin"

	"github.com/PratikDhanave/pipeline-orchestrator/internal/auth"
	"github.com/PratikDhanave/pipeline-orchestrator/internal/event"
	"github.com/PratikDhanave/pipeline-orchestrator/internal/stage"
)

// Queue is where accepted notifications go; the dispatch loop drains it.
type Queue interface {
	Enqueue(ev event.StageEvent) bool
}

// parseRFC3339 parses an RFC3339 timestamp and normalizes it to UTC.
func parseRFC3339(ts string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339, ts)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}

// RegisterNotifyRoutes registers the object-store notification endpoint.
//
// POST /events
//   - Requires X-API-Key
//   - Keys outside the pipeline namespace are accepted and ignored, never an
//     error: configuration objects must not trigger processing.
//   - Accepted events are queued; 503 when the queue is full so the platform
//     redelivers.
func RegisterNotifyRoutes(r gin.IRoutes, logger slog.Logger, queue Queue) {
	r.POST("/events", func(c *gin.Context) {
		var req event.NotificationRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON payload"})
			return
		}

		if req.Key == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "key required"})
			return
		}
		if req.EventTime == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "event_time required"})
			return
		}
		ts, err := parseRFC3339(req.EventTime)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "event_time must be RFC3339"})
			return
		}

		key, ok := stage.ParseKey(req.Key)
		if !ok {
			c.JSON(http.StatusAccepted, event.NotificationResponse{Accepted: true, Ignored: true})
			return
		}

		if !queue.Enqueue(event.StageEvent{Key: key, Size: req.Size, CreatedAt: ts}) {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "queue full, retry later"})
			return
		}
		logger.Info(c.Request.Context(), "notification accepted",
			slog.F("caller", auth.Caller(c)), slog.F("key", key.String()))
		c.JSON(http.StatusAccepted, event.NotificationResponse{Accepted: true})
	})
}
