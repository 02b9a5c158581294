package api

import (
	"github.com/gin-gonic/gin"

	"github.com/timmy/flowline/internal/api/handler"
	"github.com/timmy/flowline/internal/api/middleware"
	"github.com/timmy/flowline/internal/coordinator"
	"github.com/timmy/flowline/internal/idempotency"
	"github.com/timmy/flowline/internal/logger"
	"github.com/timmy/flowline/internal/queue"
	"github.com/timmy/flowline/internal/storage"
)

// RouterConfig carries everything the HTTP surface needs.
type RouterConfig struct {
	Coordinator *coordinator.Coordinator
	Blobs       storage.ObjectStorage
	Queue       queue.TaskQueue
	Idempotency *idempotency.Cache
	CORS        middleware.CORSConfig
	Mode        string
	Logger      *logger.Logger
}

// SetupRouter configures the Gin router with all routes
func SetupRouter(cfg RouterConfig) *gin.Engine {
	// Set Gin mode
	switch cfg.Mode {
	case "release":
		gin.SetMode(gin.ReleaseMode)
	case "test":
		gin.SetMode(gin.TestMode)
	default:
		gin.SetMode(gin.DebugMode)
	}

	r := gin.New()

	// Add middleware
	r.Use(gin.Recovery())
	r.Use(middleware.LoggerMiddleware(cfg.Logger))
	r.Use(middleware.CORS(cfg.CORS))

	// Create handlers
	healthHandler := handler.NewHealthHandler()
	jobHandler := handler.NewJobHandler(cfg.Coordinator, cfg.Blobs, cfg.Queue, cfg.Idempotency)
	streamHandler := handler.NewStreamHandler(cfg.Coordinator)
	wsHandler := handler.NewWSHandler(cfg.Coordinator, cfg.CORS)

	// Health check
	r.GET("/health", healthHandler.Health)

	// API v1 routes
	v1 := r.Group("/api/v1")
	{
		// Jobs
		v1.POST("/jobs", jobHandler.CreateJob)
		v1.GET("/jobs/:id", jobHandler.GetJob)
		v1.GET("/jobs/:id/result", jobHandler.GetResult)
		v1.DELETE("/jobs/:id", jobHandler.CancelJob)

		// Streams
		v1.GET("/jobs/:id/events", streamHandler.StreamEvents)
		v1.GET("/jobs/:id/ws", wsHandler.StreamWS)
	}

	return r
}
