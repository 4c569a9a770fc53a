package httpserver

import (
	"context"
	"net/http"
	"time"

	"cdr.dev/slog"
	"github.com/gin-gonic/gin"

	"github.com/PratikDhanave/pipeline-orchestrator/internal/admission"
	"github.com/PratikDhanave/pipeline-orchestrator/internal/auth"
	"github.com/PratikDhanave/pipeline-orchestrator/internal/config"
	"github.com/PratikDhanave/pipeline-orchestrator/internal/handlers"
	"github.com/PratikDhanave/pipeline-orchestrator/internal/objstore"
)

// Pinger reports whether the shared backing store is reachable. Nil means
// in-memory mode, which is always ready.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps are the collaborators the HTTP surface exposes.
type Deps struct {
	Store     objstore.Store
	Admission admission.Controller
	Queue     handlers.Queue
	DB        Pinger
	Logger    slog.Logger
}

// NewRouter wires public endpoints and the authenticated trigger surface.
// Public: /health, /ready
// Authenticated: /events, /reprocess, /load
func NewRouter(cfg config.Config, deps Deps) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	r := gin.New()
	r.Use(gin.Recovery())

	// Liveness: confirms the process is running.
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	// Readiness: confirms the shared store is reachable.
	r.GET("/ready", func(c *gin.Context) {
		if deps.DB != nil {
			ctx, cancel := context.WithTimeout(c.Request.Context(), time.Second)
			defer cancel()

			if err := deps.DB.Ping(ctx); err != nil {
				c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready", "error": err.Error()})
				return
			}
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	})

	authGroup := r.Group("/")
	authGroup.Use(auth.APIKeyMiddleware(cfg.APIKeys))

	handlers.RegisterNotifyRoutes(authGroup, deps.Logger, deps.Queue)
	handlers.RegisterReprocessRoutes(authGroup, deps.Logger, deps.Store, deps.Queue)
	handlers.RegisterLoadRoutes(authGroup, deps.Admission)

	return r
}
