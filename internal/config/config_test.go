package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	for _, key := range []string{
		"REDIS_URL", "DATABASE_URL", "QUEUE_BACKEND", "WORKER_CONCURRENCY",
		"DEFAULT_STRATEGY", "COLOR_TOLERANCE", "UPSCALE_FACTOR", "AUTO_COLOR",
		"PROCESSING_TIMEOUT", "RECOGNITION_TIMEOUT", "MAX_IMAGE_SIZE",
	} {
		t.Setenv(key, "")
	}

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "redis", cfg.QueueBackend)
	assert.Equal(t, "adaptive", cfg.DefaultStrategy)
	assert.Equal(t, 40, cfg.ColorTolerance)
	assert.Equal(t, 5.0, cfg.UpscaleFactor)
	assert.True(t, cfg.AutoColor)
	assert.False(t, cfg.UsePostgres())
}

func TestLoadConfigOverrides(t *testing.T) {
	t.Setenv("QUEUE_BACKEND", "ASYNQ")
	t.Setenv("DEFAULT_STRATEGY", "Contrast")
	t.Setenv("AUTO_COLOR", "false")
	t.Setenv("DATABASE_URL", "postgres://nik@localhost/nik?sslmode=disable")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "asynq", cfg.QueueBackend)
	assert.Equal(t, "contrast", cfg.DefaultStrategy)
	assert.False(t, cfg.AutoColor)
	assert.True(t, cfg.UsePostgres())
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			RedisURL:           "redis://localhost:6379",
			QueueBackend:       "redis",
			QueueName:          "nik:jobs",
			WorkerConcurrency:  4,
			ProcessingTimeout:  1000,
			RecognitionTimeout: 500,
			MaxImageSize:       1 << 20,
			DefaultStrategy:    "adaptive",
			ColorTolerance:     40,
			UpscaleFactor:      5,
			TrainingDir:        "t",
			DatasetDir:         "d",
		}
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(*Config) {}, ""},
		{"missing redis", func(c *Config) { c.RedisURL = "" }, "REDIS_URL"},
		{"bad backend", func(c *Config) { c.QueueBackend = "kafka" }, "QUEUE_BACKEND"},
		{"concurrency", func(c *Config) { c.WorkerConcurrency = 0 }, "WORKER_CONCURRENCY"},
		{"timeout order", func(c *Config) { c.RecognitionTimeout = 2000 }, "exceeds"},
		{"strategy", func(c *Config) { c.DefaultStrategy = "sobel" }, "DEFAULT_STRATEGY"},
		{"tolerance", func(c *Config) { c.ColorTolerance = 101 }, "COLOR_TOLERANCE"},
		{"upscale", func(c *Config) { c.UpscaleFactor = 0 }, "UPSCALE_FACTOR"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
