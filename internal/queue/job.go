package queue

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/adverant/nexus/nik-worker/internal/errors"
	"github.com/adverant/nexus/nik-worker/internal/processor"
	"github.com/adverant/nexus/nik-worker/internal/vision"
)

// TaskExtractNIK is the asynq task type and the Redis job type
const TaskExtractNIK = "extract-nik"

const defaultProcessingTimeout = 120 * time.Second

// ErrJobPending is wrapped by Result while a job has not finished
var ErrJobPending = fmt.Errorf("job has not finished")

// ExtractionJob is the payload producers enqueue
type ExtractionJob struct {
	JobID        string                 `json:"jobId"`
	UserID       string                 `json:"userId"`
	Filename     string                 `json:"filename"`
	ImageURL     string                 `json:"imageUrl,omitempty"`
	ImageBuffer  []byte                 `json:"-"`                   // set by UnmarshalJSON
	Region       *vision.Region         `json:"-"`                   // set by UnmarshalJSON
	Strategy     string                 `json:"strategy,omitempty"`
	InkColor     string                 `json:"inkColor,omitempty"`  // #rrggbb
	Tolerance    int                    `json:"tolerance,omitempty"` // 0 selects the worker default
	ExportLabels string                 `json:"exportLabels,omitempty"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
}

// UnmarshalJSON accepts imageBuffer as a base64 string or a Node.js Buffer
// object, and region as {"x1":..} or "x1,y1,x2,y2".
func (j *ExtractionJob) UnmarshalJSON(data []byte) error {
	type Alias ExtractionJob
	aux := &struct {
		ImageBuffer interface{}     `json:"imageBuffer,omitempty"`
		Region      json.RawMessage `json:"region,omitempty"`
		*Alias
	}{
		Alias: (*Alias)(j),
	}

	if err := json.Unmarshal(data, &aux); err != nil {
		return fmt.Errorf("failed to unmarshal ExtractionJob: %w", err)
	}

	buf, err := decodeBuffer(aux.ImageBuffer)
	if err != nil {
		return err
	}
	j.ImageBuffer = buf

	region, err := decodeRegion(aux.Region)
	if err != nil {
		return err
	}
	j.Region = region

	return nil
}

// MarshalJSON writes imageBuffer as base64 and region as an object
func (j ExtractionJob) MarshalJSON() ([]byte, error) {
	type Alias ExtractionJob
	aux := struct {
		ImageBuffer string         `json:"imageBuffer,omitempty"`
		Region      *vision.Region `json:"region,omitempty"`
		Alias
	}{
		Region: j.Region,
		Alias:  Alias(j),
	}
	if len(j.ImageBuffer) > 0 {
		aux.ImageBuffer = base64.StdEncoding.EncodeToString(j.ImageBuffer)
	}
	return json.Marshal(aux)
}

func decodeBuffer(v interface{}) ([]byte, error) {
	switch v := v.(type) {
	case nil:
		return nil, nil
	case string:
		decoded, err := base64.StdEncoding.DecodeString(v)
		if err != nil {
			return nil, fmt.Errorf("failed to decode base64 imageBuffer: %w", err)
		}
		return decoded, nil
	case map[string]interface{}:
		if bufferType, ok := v["type"].(string); !ok || bufferType != "Buffer" {
			return nil, fmt.Errorf("invalid Buffer object format (missing or incorrect 'type' field)")
		}
		dataArray, ok := v["data"].([]interface{})
		if !ok {
			return nil, fmt.Errorf("Buffer object missing 'data' array")
		}
		out := make([]byte, len(dataArray))
		for i, val := range dataArray {
			byteVal, ok := val.(float64)
			if !ok || byteVal < 0 || byteVal > 255 {
				return nil, fmt.Errorf("invalid byte value in Buffer data array at index %d", i)
			}
			out[i] = byte(byteVal)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("imageBuffer must be either base64 string or Buffer object, got %T", v)
	}
}

func decodeRegion(raw json.RawMessage) (*vision.Region, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, err
		}
		r, err := vision.ParseRegion(s)
		if err != nil {
			return nil, err
		}
		return &r, nil
	}
	var r vision.Region
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil, fmt.Errorf("failed to decode region: %w", err)
	}
	return &r, nil
}

// Request converts the payload for the processor
func (j *ExtractionJob) Request() (*processor.JobRequest, error) {
	req := &processor.JobRequest{
		JobID:        j.JobID,
		UserID:       j.UserID,
		Filename:     j.Filename,
		ImageURL:     j.ImageURL,
		ImageBuffer:  j.ImageBuffer,
		Region:       j.Region,
		Strategy:     j.Strategy,
		ExportLabels: j.ExportLabels,
		Metadata:     j.Metadata,
	}
	if j.InkColor != "" {
		target, err := vision.ParseColor(j.InkColor)
		if err != nil {
			return nil, errors.NewUnsupportedFormatError(j.JobID, err.Error())
		}
		req.Profile = &vision.ColorProfile{Target: target, Tolerance: j.Tolerance}
	}
	return req, nil
}

// retryable reports whether running the job again could succeed. Input
// and region problems are deterministic.
func retryable(err error) bool {
	code, ok := errors.CodeOf(err)
	if !ok {
		return true
	}
	switch code {
	case errors.ErrorRegionNotFound, errors.ErrorDegenerateRegion,
		errors.ErrorUnsupportedFormat, errors.ErrorInvalidCorrection:
		return false
	}
	return true
}

// completedMetadata is what the job row records on success
func completedMetadata(result *processor.JobResult) map[string]interface{} {
	return map[string]interface{}{
		"digits":         result.Digits,
		"confidence":     result.Confidence,
		"processingTime": result.ProcessingTimeMs,
		"strategy":       result.Strategy,
		"region":         result.Region.String(),
		"suggestion":     result.Suggestion,
	}
}

// decodeResult parses a JobResult stored by a consumer
func decodeResult(jobID string, data []byte) (*processor.JobResult, error) {
	var result processor.JobResult
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to decode result of job %s: %w", jobID, err)
	}
	return &result, nil
}

// failureError turns stored failure metadata back into an error
func failureError(jobID string, data []byte) error {
	var meta map[string]interface{}
	if err := json.Unmarshal(data, &meta); err != nil {
		return fmt.Errorf("job %s failed", jobID)
	}
	msg, _ := meta["error"].(string)
	if msg == "" {
		msg = "unknown error"
	}
	return fmt.Errorf("job %s failed: %s", jobID, msg)
}

// failedMetadata is what the job row records on failure
func failedMetadata(err error, duration time.Duration) map[string]interface{} {
	meta := map[string]interface{}{
		"error":          err.Error(),
		"processingTime": duration.Milliseconds(),
	}
	if pe, ok := errors.AsProcessingError(err); ok {
		for k, v := range pe.ToMap() {
			meta[k] = v
		}
		meta["error"] = err.Error()
	}
	return meta
}

// runJob processes req under the processing timeout. A deadline hit is
// reported as PROCESSING_TIMEOUT.
func runJob(ctx context.Context, proc processor.ExtractionProcessorInterface, req *processor.JobRequest, timeout time.Duration) (*processor.JobResult, error) {
	if timeout <= 0 {
		timeout = defaultProcessingTimeout
	}
	log.Printf("[Job %s] Processing timeout set to: %v", req.JobID, timeout)

	processCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	startTime := time.Now()
	result, err := proc.ProcessJob(processCtx, req)
	if err != nil {
		if processCtx.Err() == context.DeadlineExceeded {
			log.Printf("[Job %s] Processing timed out after %v (timeout: %v)", req.JobID, time.Since(startTime), timeout)
			return nil, errors.NewProcessingTimeoutError(req.JobID, timeout, err)
		}
		return nil, err
	}
	return result, nil
}
