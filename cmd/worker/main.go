package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/timmy/flowline/internal/breaker"
	"github.com/timmy/flowline/internal/config"
	"github.com/timmy/flowline/internal/coordinator"
	"github.com/timmy/flowline/internal/idempotency"
	"github.com/timmy/flowline/internal/logger"
	"github.com/timmy/flowline/internal/pipeline"
	"github.com/timmy/flowline/internal/queue"
	"github.com/timmy/flowline/internal/repository"
	"github.com/timmy/flowline/internal/service"
	"github.com/timmy/flowline/internal/storage"
	"github.com/timmy/flowline/internal/worker"
)

func main() {
	// Load configuration
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

	// Initialize vector repository for the image scan pipeline
	vectorRepo, err := repository.NewVectorRepository(&repository.VectorConnectionConfig{
		Host:            cfg.Qdrant.Host,
		Port:            cfg.Qdrant.Port,
		Collection:      cfg.Qdrant.Collection,
		APIKey:          cfg.Qdrant.APIKey,
		UseTLS:          cfg.Qdrant.UseTLS,
		VectorDimension: cfg.Embedding.Dimensions,
	})
	if err != nil {
		appLogger.Fatalf("Failed to initialize vector repository: %v", err)
	}
	defer vectorRepo.Close()

	if err := vectorRepo.EnsureCollection(ctx); err != nil {
		appLogger.Fatalf("Failed to ensure vector collection: %v", err)
	}

	// Initialize dependency clients
	metadataService := service.NewMetadataService(&service.MetadataConfig{
		BaseURL: cfg.Metadata.BaseURL,
		APIKey:  cfg.Metadata.APIKey,
		Timeout: cfg.Metadata.Timeout,
	})
	visionService := service.NewVisionService(&service.VisionConfig{
		Model:   cfg.VLM.Model,
		APIKey:  cfg.VLM.APIKey,
		BaseURL: cfg.VLM.BaseURL,
	})
	embeddingService := service.NewEmbeddingService(&service.EmbeddingConfig{
		Model:      cfg.Embedding.Model,
		APIKey:     cfg.Embedding.APIKey,
		BaseURL:    cfg.Embedding.BaseURL,
		Dimensions: cfg.Embedding.Dimensions,
	})

	// One breaker spans all dependencies, keyed by dependency name
	circuitBreaker := breaker.New(breaker.Config{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		SuccessThreshold: cfg.Breaker.SuccessThreshold,
		Cooldown:         cfg.Breaker.Cooldown,
	})

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

	// Initialize coordinator
	coord := coordinator.New(jobRepo, eventRepo, objectStorage, idempotency.NewCache(idemStore), coordinator.Config{
		RetentionSuccess: cfg.Retention.Success,
		RetentionFailed:  cfg.Retention.Failed,
	})
	if err := coord.RearmExpiry(ctx); err != nil {
		appLogger.Fatalf("Failed to re-arm retention timers: %v", err)
	}

	// Register pipelines
	pipelines := pipeline.NewRegistry(
		pipeline.NewCSVImporter(),
		pipeline.NewEnricher(metadataService, circuitBreaker),
		pipeline.NewImageScanner(objectStorage, visionService, embeddingService, vectorRepo, circuitBreaker),
	)

	// Build the worker and start the consumer loops
	jobWorker := worker.New(coord, objectStorage, pipelines, worker.Config{
		MaxInFlight:    cfg.Worker.MaxInFlight,
		RetryAttempts:  cfg.Worker.RetryAttempts,
		RetryBaseDelay: cfg.Worker.RetryBaseDelay,
		BatchBudget:    cfg.Worker.BatchBudget,
		MinBatchSize:   cfg.Worker.MinBatchSize,
		MaxBatchSize:   cfg.Worker.MaxBatchSize,
		ResultTTL:      cfg.Retention.Success,
	})
	manager := worker.NewManager(taskQueue, jobWorker, cfg.Worker.Consumers)
	if err := manager.Run(ctx); err != nil {
		appLogger.Fatalf("Failed to start queue consumers: %v", err)
	}

	appLogger.Infof("Worker started: queue=%s, consumers=%d", cfg.Worker.Queue, cfg.Worker.Consumers)

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	appLogger.Info("Shutting down worker, draining in-flight jobs...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := manager.Shutdown(shutdownCtx); err != nil {
		appLogger.Errorf("Drain incomplete: %v (jobs resume from their last checkpoint)", err)
	}

	appLogger.Info("Worker exited")
}
