/**
 * Extraction job processor for the NIK worker
 *
 * Turns a queued job (image buffer or URL, optional region, strategy and
 * export labels) into a pipeline request and records the job lifecycle.
 */

package processor

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log"
	"math"
	"net/http"
	"time"

	"github.com/adverant/nexus/nik-worker/internal/errors"
	"github.com/adverant/nexus/nik-worker/internal/storage"
	"github.com/adverant/nexus/nik-worker/internal/vision"
)

// ExtractionProcessorInterface is what the queue consumers drive
type ExtractionProcessorInterface interface {
	ProcessJob(ctx context.Context, req *JobRequest) (*JobResult, error)
	UpdateJobStatus(ctx context.Context, jobID string, status string, metadata map[string]interface{}) error
}

// JobStore persists job lifecycle rows
type JobStore interface {
	UpdateJobStatus(ctx context.Context, update *storage.JobUpdate) error
}

// ProcessorConfig holds processor configuration
type ProcessorConfig struct {
	Pipeline        *Pipeline
	Jobs            JobStore
	DefaultStrategy vision.Strategy
	ColorTolerance  int // for pinned ink colors without a tolerance
	MaxImageSize    int64
	HTTPClient      *http.Client
}

// JobRequest represents one extraction job
type JobRequest struct {
	JobID        string
	UserID       string
	Filename     string
	ImageURL     string
	ImageBuffer  []byte
	Region       *vision.Region
	Strategy     string
	Profile      *vision.ColorProfile
	ExportLabels string
	Metadata     map[string]interface{}
}

// JobResult represents the outcome of a job
type JobResult struct {
	JobID            string               `json:"jobId"`
	Digits           string               `json:"digits"`
	Display          string               `json:"display"`
	Raw              string               `json:"raw"`
	Confidence       float64              `json:"confidence"`
	Strategy         string               `json:"strategy"`
	Region           vision.Region        `json:"region"`
	DetectionMethod  string               `json:"detectionMethod,omitempty"`
	Profile          *vision.ColorProfile `json:"profile,omitempty"`
	Suggestion       string               `json:"suggestion,omitempty"`
	ExportedDigits   int                  `json:"exportedDigits,omitempty"`
	ProcessingTimeMs int64                `json:"processingTimeMs"`
}

// ExtractionProcessor handles extraction jobs
type ExtractionProcessor struct {
	config   *ProcessorConfig
	pipeline *Pipeline
	jobs     JobStore
	client   *http.Client
}

// NewExtractionProcessor creates a new extraction processor
func NewExtractionProcessor(cfg *ProcessorConfig) (*ExtractionProcessor, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if cfg.Pipeline == nil {
		return nil, fmt.Errorf("pipeline is required")
	}
	if cfg.DefaultStrategy == "" {
		cfg.DefaultStrategy = vision.StrategyAdaptive
	}
	if cfg.ColorTolerance <= 0 {
		cfg.ColorTolerance = vision.DefaultTolerance
	}

	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}

	return &ExtractionProcessor{
		config:   cfg,
		pipeline: cfg.Pipeline,
		jobs:     cfg.Jobs,
		client:   client,
	}, nil
}

// ProcessJob loads, decodes and reads one card image
func (p *ExtractionProcessor) ProcessJob(ctx context.Context, req *JobRequest) (*JobResult, error) {
	startTime := time.Now()

	data, err := p.loadImage(ctx, req)
	if err != nil {
		return nil, err
	}
	kind := detectImageType(data)
	if kind == "" {
		return nil, errors.NewUnsupportedFormatError(req.JobID, "unrecognized image signature")
	}
	log.Printf("[Job %s] Image loaded: %s, %d bytes", req.JobID, kind, len(data))

	card, err := vision.Decode(data)
	if err != nil {
		return nil, errors.NewUnsupportedFormatError(req.JobID, err.Error())
	}
	defer card.Close()

	cfg, err := p.preprocessConfig(req)
	if err != nil {
		return nil, err
	}

	outcome, err := p.pipeline.Extract(ctx, Request{Image: card, Region: req.Region, Config: cfg})
	if err != nil {
		if pe, ok := errors.AsProcessingError(err); ok {
			return nil, pe.WithJob(req.JobID)
		}
		return nil, err
	}
	defer outcome.Close()

	result := &JobResult{
		JobID:      req.JobID,
		Digits:     outcome.Result.Digits,
		Display:    outcome.Result.Display(),
		Raw:        outcome.Result.Raw,
		Confidence: outcome.Result.Confidence,
		Strategy:   outcome.Result.Strategy,
		Region:     outcome.Region,
		Profile:    outcome.Config.Profile,
		Suggestion: outcome.Result.Suggestion,
	}
	if outcome.Detection != nil {
		result.DetectionMethod = outcome.Detection.Method
	}

	if req.ExportLabels != "" {
		paths, err := p.pipeline.ExportDigits(ctx, outcome.Processed, req.ExportLabels)
		if err != nil {
			log.Printf("[Job %s] Digit export failed: %v", req.JobID, err)
		} else {
			result.ExportedDigits = len(paths)
		}
	}

	result.ProcessingTimeMs = time.Since(startTime).Milliseconds()
	log.Printf("[Job %s] Extracted %s (%d%%) in %dms", req.JobID, result.Display,
		ConfidencePercent(result.Confidence), result.ProcessingTimeMs)
	return result, nil
}

// preprocessConfig builds the per-request config; nothing is shared
// between jobs. An unset strategy under the adaptive default stays empty
// so the pipeline may adopt a detected ink color.
func (p *ExtractionProcessor) preprocessConfig(req *JobRequest) (vision.PreprocessConfig, error) {
	cfg := vision.PreprocessConfig{}
	switch {
	case req.Strategy != "":
		strategy, err := vision.ParseStrategy(req.Strategy)
		if err != nil {
			return cfg, errors.NewUnsupportedFormatError(req.JobID, err.Error())
		}
		cfg.Strategy = strategy
	case p.config.DefaultStrategy != vision.StrategyAdaptive:
		cfg.Strategy = p.config.DefaultStrategy
	}
	if req.Profile != nil {
		profile := *req.Profile
		if profile.Tolerance <= 0 {
			profile.Tolerance = p.config.ColorTolerance
		}
		cfg.Profile = &profile
	}
	return cfg, nil
}

// UpdateJobStatus records the job lifecycle
func (p *ExtractionProcessor) UpdateJobStatus(ctx context.Context, jobID string, status string, metadata map[string]interface{}) error {
	if p.jobs == nil {
		return nil
	}

	update := &storage.JobUpdate{
		JobID:    jobID,
		Status:   status,
		Metadata: metadata,
	}

	if metadata != nil {
		if digits, ok := metadata["digits"].(string); ok {
			update.Digits = digits
		}
		if confidence, ok := metadata["confidence"].(float64); ok {
			update.Confidence = confidence
		}
		if processingTime, ok := metadata["processingTime"].(int64); ok {
			update.ProcessingTimeMs = processingTime
		}
		if strategy, ok := metadata["strategy"].(string); ok {
			update.Strategy = strategy
		}
		if code, ok := metadata["error_code"].(string); ok {
			update.ErrorCode = code
		}
		if errorMsg, ok := metadata["error"].(string); ok {
			if update.ErrorCode == "" {
				update.ErrorCode = "PROCESSING_ERROR"
			}
			update.ErrorMessage = errorMsg
		}
	}

	return p.jobs.UpdateJobStatus(ctx, update)
}

// loadImage loads the card from the job buffer or URL
func (p *ExtractionProcessor) loadImage(ctx context.Context, req *JobRequest) ([]byte, error) {
	if len(req.ImageBuffer) > 0 {
		if p.config.MaxImageSize > 0 && int64(len(req.ImageBuffer)) > p.config.MaxImageSize {
			return nil, errors.NewUnsupportedFormatError(req.JobID,
				fmt.Sprintf("image size %d exceeds maximum %d", len(req.ImageBuffer), p.config.MaxImageSize))
		}
		return req.ImageBuffer, nil
	}

	if req.ImageURL != "" {
		log.Printf("[Job %s] Downloading image from URL: %s", req.JobID, req.ImageURL)
		data, err := p.downloadImage(ctx, req.JobID, req.ImageURL)
		if err != nil {
			return nil, errors.NewNetworkTimeoutError(req.JobID, req.ImageURL, err)
		}
		return data, nil
	}

	return nil, errors.NewUnsupportedFormatError(req.JobID, "no image source provided (buffer or URL)")
}

// downloadImage fetches url with exponential backoff between attempts
func (p *ExtractionProcessor) downloadImage(ctx context.Context, jobID string, url string) ([]byte, error) {
	const (
		maxRetries       = 4
		initialBackoffMs = 500
		maxBackoffMs     = 8000
	)

	maxRead := p.config.MaxImageSize
	if maxRead <= 0 {
		maxRead = 20 * 1024 * 1024
	}

	var lastErr error
	for attempt := 1; attempt <= maxRetries; attempt++ {
		data, retry, err := p.fetch(ctx, url, maxRead)
		if err == nil {
			log.Printf("[Job %s] Download successful on attempt %d: %d bytes", jobID, attempt, len(data))
			return data, nil
		}
		lastErr = err
		log.Printf("[Job %s] Download attempt %d/%d failed: %v", jobID, attempt, maxRetries, err)
		if !retry || attempt == maxRetries {
			break
		}

		backoffMs := initialBackoffMs * int(math.Pow(2, float64(attempt-1)))
		if backoffMs > maxBackoffMs {
			backoffMs = maxBackoffMs
		}
		select {
		case <-time.After(time.Duration(backoffMs) * time.Millisecond):
		case <-ctx.Done():
			return nil, fmt.Errorf("context cancelled during retry backoff: %w", ctx.Err())
		}
	}

	return nil, fmt.Errorf("failed to download image: %w", lastErr)
}

// fetch performs one GET; retry reports whether another attempt may help
func (p *ExtractionProcessor) fetch(ctx context.Context, url string, maxRead int64) (data []byte, retry bool, err error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, false, err
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, ctx.Err() == nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		// client errors will not change on retry
		return nil, resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests,
			fmt.Errorf("HTTP %d: %s", resp.StatusCode, resp.Status)
	}
	if resp.ContentLength > maxRead {
		return nil, false, fmt.Errorf("image size exceeds maximum: %d > %d bytes", resp.ContentLength, maxRead)
	}

	data, err = io.ReadAll(io.LimitReader(resp.Body, maxRead+1))
	if err != nil {
		return nil, true, err
	}
	if int64(len(data)) > maxRead {
		return nil, false, fmt.Errorf("image size exceeds maximum of %d bytes", maxRead)
	}
	return data, false, nil
}

// detectImageType reports the raster type from magic bytes, or "" when
// the data is not an image the decoder handles.
func detectImageType(data []byte) string {
	switch {
	case len(data) >= 8 && bytes.HasPrefix(data, []byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A}):
		return "image/png"
	case bytes.HasPrefix(data, []byte{0xFF, 0xD8, 0xFF}):
		return "image/jpeg"
	case len(data) > 12 && bytes.HasPrefix(data, []byte("RIFF")) && string(data[8:12]) == "WEBP":
		return "image/webp"
	case bytes.HasPrefix(data, []byte{0x49, 0x49, 0x2A, 0x00}) || bytes.HasPrefix(data, []byte{0x4D, 0x4D, 0x00, 0x2A}):
		return "image/tiff"
	case bytes.HasPrefix(data, []byte("BM")):
		return "image/bmp"
	}
	return ""
}
