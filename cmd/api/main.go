package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/timmy/flowline/internal/api"
	"github.com/timmy/flowline/internal/api/middleware"
	"github.com/timmy/flowline/internal/config"
	"github.com/timmy/flowline/internal/coordinator"
	"github.com/timmy/flowline/internal/idempotency"
	"github.com/timmy/flowline/internal/logger"
	"github.com/timmy/flowline/internal/queue"
	"github.com/timmy/flowline/internal/repository"
	"github.com/timmy/flowline/internal/storage"
)

func main() {
	// Load configuration
	// Support CONFIG_PATH environment variable for production deployments
	configPath := os.Getenv("CONFIG_PATH")
	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Initialize logger
	appLogger := logger.New(nil)
	logger.SetDefault(appLogger)
	defer logger.Sync()

	// Initialize database
	db, err := repository.InitDB(&cfg.Database)
	if err != nil {
		appLogger.Fatalf("Failed to initialize database: %v", err)
	}

	// Initialize repositories
	jobRepo := repository.NewJobRepository(db)
	eventRepo := repository.NewEventRepository(db)

	// Initialize storage
	objectStorage, err := storage.NewS3Storage(&storage.S3Config{
		Endpoint:  cfg.Storage.Endpoint,
		AccessKey: cfg.Storage.AccessKey,
		SecretKey: cfg.Storage.SecretKey,
		UseSSL:    cfg.Storage.UseSSL,
		Bucket:    cfg.Storage.Bucket,
		Region:    cfg.Storage.Region,
	})
	if err != nil {
		appLogger.Fatalf("Failed to initialize storage: %v", err)
	}

	ctx := context.Background()
	if err := objectStorage.EnsureBucket(ctx); err != nil {
		appLogger.Fatalf("Failed to ensure storage bucket: %v", err)
	}

	// Initialize queue and idempotency store
	taskQueue, err := queue.NewRedisQueue(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, cfg.Worker.Queue)
	if err != nil {
		appLogger.Fatalf("Failed to connect to Redis queue: %v", err)
	}
	defer taskQueue.Close()

	idemStore, err := idempotency.NewRedisStore(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		appLogger.Fatalf("Failed to connect to Redis idempotency store: %v", err)
	}
	idemCache := idempotency.NewCache(idemStore)

	// Initialize coordinator and re-arm expiry for jobs that finished
	// before the last restart
	coord := coordinator.New(jobRepo, eventRepo, objectStorage, idemCache, coordinator.Config{
		RetentionSuccess: cfg.Retention.Success,
		RetentionFailed:  cfg.Retention.Failed,
	})
	if err := coord.RearmExpiry(ctx); err != nil {
		appLogger.Fatalf("Failed to re-arm retention timers: %v", err)
	}

	// Setup router
	router := api.SetupRouter(api.RouterConfig{
		Coordinator: coord,
		Blobs:       objectStorage,
		Queue:       taskQueue,
		Idempotency: idemCache,
		CORS: middleware.CORSConfig{
			AllowedOrigins:  cfg.Server.CORS.AllowedOrigins,
			AllowAllOrigins: cfg.Server.CORS.AllowAllOrigins,
		},
		Mode:   cfg.Server.Mode,
		Logger: appLogger,
	})

	// Create HTTP server
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: router,
	}

	// Start server in goroutine
	go func() {
		appLogger.Infof("Starting API server on port %d (%s mode)", cfg.Server.Port, cfg.Server.Mode)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			appLogger.Fatalf("Failed to start server: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	appLogger.Info("Shutting down server...")

	// Graceful shutdown with timeout. Streaming connections end when their
	// contexts are canceled by the server shutdown.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		appLogger.Fatalf("Server forced to shutdown: %v", err)
	}

	appLogger.Info("Server exited")
}
