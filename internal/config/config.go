/**
 * Configuration for the NIK extraction worker
 *
 * Loads configuration from environment variables matching .env.nik
 */

package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Config holds worker configuration
type Config struct {
	// Redis configuration
	RedisURL string

	// PostgreSQL configuration (empty selects the JSON correction file)
	DatabaseURL string

	// Qdrant glyph index (empty disables indexing of exported digits)
	QdrantURL        string
	QdrantCollection string

	// Queue configuration
	QueueBackend       string // "redis" or "asynq"
	QueueName          string
	WorkerConcurrency  int
	JobMaxRetries      int
	ProcessingTimeout  int // milliseconds, whole job
	RecognitionTimeout int // milliseconds, one recognizer call
	MaxImageSize       int64

	// Tesseract configuration
	TesseractLanguage string
	TessdataPrefix    string

	// Pipeline defaults
	DefaultStrategy string
	ColorTolerance  int
	UpscaleFactor   float64
	AutoColor       bool

	// Storage locations
	TrainingDir string // corrections.json lives here
	DatasetDir  string // per-digit training image buckets

	LogLevel string
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	cfg := &Config{
		RedisURL:           getEnvOrDefault("REDIS_URL", "redis://localhost:6379"),
		DatabaseURL:        getEnvOrDefault("DATABASE_URL", ""),
		QdrantURL:          getEnvOrDefault("QDRANT_URL", ""),
		QdrantCollection:   getEnvOrDefault("QDRANT_COLLECTION", "nik_digit_glyphs"),
		QueueBackend:       strings.ToLower(getEnvOrDefault("QUEUE_BACKEND", "redis")),
		QueueName:          getEnvOrDefault("QUEUE_NAME", "nik:jobs"),
		WorkerConcurrency:  getEnvAsIntOrDefault("WORKER_CONCURRENCY", 4),
		JobMaxRetries:      getEnvAsIntOrDefault("JOB_MAX_RETRIES", 3),
		ProcessingTimeout:  getEnvAsIntOrDefault("PROCESSING_TIMEOUT", 120000), // 2 minutes
		RecognitionTimeout: getEnvAsIntOrDefault("RECOGNITION_TIMEOUT", 15000),  // 15 seconds
		MaxImageSize:       getEnvAsInt64OrDefault("MAX_IMAGE_SIZE", 20971520),  // 20MB
		TesseractLanguage:  getEnvOrDefault("TESSERACT_LANGUAGE", "eng"),
		TessdataPrefix:     getEnvOrDefault("TESSDATA_PREFIX", ""),
		DefaultStrategy:    strings.ToLower(getEnvOrDefault("DEFAULT_STRATEGY", "adaptive")),
		ColorTolerance:     getEnvAsIntOrDefault("COLOR_TOLERANCE", 40),
		UpscaleFactor:      getEnvAsFloatOrDefault("UPSCALE_FACTOR", 5.0),
		AutoColor:          getEnvAsBoolOrDefault("AUTO_COLOR", true),
		TrainingDir:        getEnvOrDefault("TRAINING_DIR", "number_training_data"),
		DatasetDir:         getEnvOrDefault("DATASET_DIR", "number_dataset"),
		LogLevel:           getEnvOrDefault("LOG_LEVEL", "info"),
	}

	// Validate required fields
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks if configuration is valid
func (c *Config) Validate() error {
	if c.RedisURL == "" {
		return fmt.Errorf("REDIS_URL is required")
	}

	if c.QueueBackend != "redis" && c.QueueBackend != "asynq" {
		return fmt.Errorf("QUEUE_BACKEND must be redis or asynq, got %q", c.QueueBackend)
	}

	if c.QueueName == "" {
		return fmt.Errorf("QUEUE_NAME is required")
	}

	if c.WorkerConcurrency < 1 || c.WorkerConcurrency > 100 {
		return fmt.Errorf("WORKER_CONCURRENCY must be between 1 and 100, got %d", c.WorkerConcurrency)
	}

	if c.JobMaxRetries < 0 {
		return fmt.Errorf("JOB_MAX_RETRIES must not be negative, got %d", c.JobMaxRetries)
	}

	if c.ProcessingTimeout <= 0 || c.RecognitionTimeout <= 0 {
		return fmt.Errorf("PROCESSING_TIMEOUT and RECOGNITION_TIMEOUT must be positive")
	}

	if c.RecognitionTimeout > c.ProcessingTimeout {
		return fmt.Errorf("RECOGNITION_TIMEOUT (%d) exceeds PROCESSING_TIMEOUT (%d)", c.RecognitionTimeout, c.ProcessingTimeout)
	}

	if c.MaxImageSize < 1024 || c.MaxImageSize > 104857600 { // 1KB to 100MB
		return fmt.Errorf("MAX_IMAGE_SIZE must be between 1KB and 100MB, got %d", c.MaxImageSize)
	}

	switch c.DefaultStrategy {
	case "adaptive", "color", "edge", "contrast":
	default:
		return fmt.Errorf("DEFAULT_STRATEGY must be one of adaptive, color, edge, contrast, got %q", c.DefaultStrategy)
	}

	if c.ColorTolerance < 0 || c.ColorTolerance > 100 {
		return fmt.Errorf("COLOR_TOLERANCE must be between 0 and 100, got %d", c.ColorTolerance)
	}

	if c.UpscaleFactor != 5 {
		return fmt.Errorf("UPSCALE_FACTOR must be 5, got %v", c.UpscaleFactor)
	}

	if c.TrainingDir == "" || c.DatasetDir == "" {
		return fmt.Errorf("TRAINING_DIR and DATASET_DIR are required")
	}

	return nil
}

// UsePostgres reports whether corrections and job rows go to PostgreSQL
func (c *Config) UsePostgres() bool {
	return c.DatabaseURL != ""
}

// getEnvOrDefault gets environment variable or returns default
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsIntOrDefault gets environment variable as int or returns default
func getEnvAsIntOrDefault(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}

	return value
}

// getEnvAsInt64OrDefault gets environment variable as int64 or returns default
func getEnvAsInt64OrDefault(key string, defaultValue int64) int64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseInt(valueStr, 10, 64)
	if err != nil {
		return defaultValue
	}

	return value
}

func getEnvAsFloatOrDefault(key string, defaultValue float64) float64 {
	value, err := strconv.ParseFloat(os.Getenv(key), 64)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsBoolOrDefault(key string, defaultValue bool) bool {
	value, err := strconv.ParseBool(os.Getenv(key))
	if err != nil {
		return defaultValue
	}
	return value
}
