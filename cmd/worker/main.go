/**
 * NIK Extraction Worker - Main Entry Point
 *
 * Reads the 16-digit NIK from Indonesian identity card photos.
 *
 * Architecture:
 * - Redis LIST consumer (default) or Asynq consumer for the job queue
 * - Region detection, four preprocessing strategies, multi-config
 *   Tesseract reconciliation
 * - PostgreSQL job rows and corrections (JSON file without a database)
 * - Training digit export with an optional Qdrant glyph index
 */

package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/adverant/nexus/nik-worker/internal/config"
	"github.com/adverant/nexus/nik-worker/internal/logging"
	"github.com/adverant/nexus/nik-worker/internal/ocr"
	"github.com/adverant/nexus/nik-worker/internal/processor"
	"github.com/adverant/nexus/nik-worker/internal/queue"
	"github.com/adverant/nexus/nik-worker/internal/storage"
	"github.com/adverant/nexus/nik-worker/internal/vision"
)

func main() {
	if err := godotenv.Load(".env.nik"); err != nil {
		log.Printf("Warning: .env.nik not found, using system environment variables")
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	log.Printf("NIK Worker starting...")
	log.Printf("Configuration loaded: Redis=%s, Queue=%s (%s), PostgreSQL=%t, Qdrant=%t, Workers=%d",
		cfg.RedisURL, cfg.QueueName, cfg.QueueBackend, cfg.UsePostgres(), cfg.QdrantURL != "", cfg.WorkerConcurrency)

	logger := logging.NewLogger("nik-worker")
	logger.SetLevel(logging.ParseLevel(cfg.LogLevel))

	ctx := context.Background()

	log.Printf("Initializing storage...")
	storageManager, err := storage.NewStorageManager(ctx, &storage.ManagerConfig{
		DatabaseURL:      cfg.DatabaseURL,
		QdrantURL:        cfg.QdrantURL,
		QdrantCollection: cfg.QdrantCollection,
		TrainingDir:      cfg.TrainingDir,
		DatasetDir:       cfg.DatasetDir,
	})
	if err != nil {
		log.Fatalf("Failed to initialize storage manager: %v", err)
	}

	tesseract, err := ocr.NewTesseract(&ocr.TesseractConfig{
		Language:       cfg.TesseractLanguage,
		TessdataPrefix: cfg.TessdataPrefix,
	})
	if err != nil {
		log.Fatalf("Failed to initialize Tesseract: %v", err)
	}
	recognizer := ocr.WithTimeout(tesseract, time.Duration(cfg.RecognitionTimeout)*time.Millisecond)

	pipeline, err := processor.NewPipeline(&processor.PipelineConfig{
		Recognizer:  recognizer,
		Corrections: storageManager.Corrections(),
		Exporter:    storageManager.Dataset(),
		Scale:       cfg.UpscaleFactor,
		AutoColor:   cfg.AutoColor,
		Logger:      logger,
	})
	if err != nil {
		log.Fatalf("Failed to initialize pipeline: %v", err)
	}

	strategy, err := vision.ParseStrategy(cfg.DefaultStrategy)
	if err != nil {
		log.Fatalf("Invalid default strategy: %v", err)
	}

	proc, err := processor.NewExtractionProcessor(&processor.ProcessorConfig{
		Pipeline:        pipeline,
		Jobs:            storageManager,
		DefaultStrategy: strategy,
		ColorTolerance:  cfg.ColorTolerance,
		MaxImageSize:    cfg.MaxImageSize,
	})
	if err != nil {
		log.Fatalf("Failed to initialize extraction processor: %v", err)
	}

	stop, err := startConsumer(ctx, cfg, proc)
	if err != nil {
		log.Fatalf("Failed to start queue consumer: %v", err)
	}

	log.Printf("===========================================")
	log.Printf("NIK Worker is READY")
	log.Printf("===========================================")
	log.Printf("Queue: %s (%s)", cfg.QueueName, cfg.QueueBackend)
	log.Printf("Workers: %d", cfg.WorkerConcurrency)
	log.Printf("Default strategy: %s (auto color: %t)", strategy, cfg.AutoColor)
	log.Printf("Tesseract: lang=%s, timeout=%dms", cfg.TesseractLanguage, cfg.RecognitionTimeout)
	log.Printf("Training data: %s, dataset: %s", cfg.TrainingDir, cfg.DatasetDir)
	log.Printf("===========================================")
	log.Printf("Waiting for jobs...")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM, syscall.SIGINT)

	sig := <-sigChan
	log.Printf("Received signal %v, initiating graceful shutdown...", sig)

	if err := stop(); err != nil {
		log.Printf("Error stopping queue consumer: %v", err)
	} else {
		log.Printf("Queue consumer stopped successfully")
	}

	log.Printf("Closing storage manager...")
	if err := storageManager.Close(); err != nil {
		log.Printf("Error closing storage manager: %v", err)
	}

	log.Printf("Shutdown complete")
}

// startConsumer starts the configured queue backend and returns its stop func
func startConsumer(ctx context.Context, cfg *config.Config, proc processor.ExtractionProcessorInterface) (func() error, error) {
	if cfg.QueueBackend == "asynq" {
		consumer, err := queue.NewConsumer(&queue.ConsumerConfig{
			RedisURL:          cfg.RedisURL,
			QueueName:         cfg.QueueName,
			Concurrency:       cfg.WorkerConcurrency,
			MaxRetries:        cfg.JobMaxRetries,
			Processor:         proc,
			ProcessingTimeout: int64(cfg.ProcessingTimeout),
		})
		if err != nil {
			return nil, err
		}
		if err := consumer.Start(ctx); err != nil {
			return nil, err
		}
		return func() error { return consumer.Stop(context.Background()) }, nil
	}

	consumer, err := queue.NewRedisConsumer(&queue.RedisConsumerConfig{
		RedisURL:          cfg.RedisURL,
		QueueName:         cfg.QueueName,
		Concurrency:       cfg.WorkerConcurrency,
		MaxRetries:        cfg.JobMaxRetries,
		Processor:         proc,
		ProcessingTimeout: int64(cfg.ProcessingTimeout),
	})
	if err != nil {
		return nil, err
	}
	if err := consumer.Start(); err != nil {
		return nil, err
	}
	return consumer.Stop, nil
}
