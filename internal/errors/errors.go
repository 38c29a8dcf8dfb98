package errors

import (
	stderrors "errors"
	"fmt"
	"time"
)

/**
 * Error taxonomy for the NIK extraction worker
 *
 * Every failure surfaced by the pipeline, the stores and the queue
 * consumers is a *ProcessingError carrying one of the codes below.
 */

// ErrorCode classifies a failure for job rows and retry decisions
type ErrorCode string

const (
	// Pipeline errors
	ErrorProcessingTimeout ErrorCode = "PROCESSING_TIMEOUT"
	ErrorRegionNotFound    ErrorCode = "REGION_NOT_FOUND"
	ErrorDegenerateRegion  ErrorCode = "DEGENERATE_REGION"
	ErrorRecognitionFailed ErrorCode = "RECOGNITION_FAILED"
	ErrorUnsupportedFormat ErrorCode = "UNSUPPORTED_FORMAT"

	// Input validation
	ErrorInvalidCorrection ErrorCode = "INVALID_CORRECTION"

	// Storage errors
	ErrorStorageFailed  ErrorCode = "STORAGE_FAILED"
	ErrorDatabaseFailed ErrorCode = "DATABASE_FAILED"

	// Network errors
	ErrorNetworkTimeout ErrorCode = "NETWORK_TIMEOUT"
)

// Sentinels for errors.Is comparisons; matching is by code only.
var (
	ErrRegionNotFound    = &ProcessingError{Code: ErrorRegionNotFound}
	ErrDegenerateRegion  = &ProcessingError{Code: ErrorDegenerateRegion}
	ErrInvalidCorrection = &ProcessingError{Code: ErrorInvalidCorrection}
	ErrProcessingTimeout = &ProcessingError{Code: ErrorProcessingTimeout}
)

// ProcessingError is the error type every layer returns
type ProcessingError struct {
	Code      ErrorCode
	Message   string
	JobID     string
	Timestamp time.Time
	Details   map[string]interface{}
	Cause     error
}

func (e *ProcessingError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *ProcessingError) Unwrap() error {
	return e.Cause
}

// Is reports whether target is a ProcessingError with the same code
func (e *ProcessingError) Is(target error) bool {
	t, ok := target.(*ProcessingError)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// WithJob returns a copy of e bound to jobID
func (e *ProcessingError) WithJob(jobID string) *ProcessingError {
	cp := *e
	cp.JobID = jobID
	return &cp
}

// AsProcessingError finds the first ProcessingError in err's chain
func AsProcessingError(err error) (*ProcessingError, bool) {
	var pe *ProcessingError
	if stderrors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}

// CodeOf extracts the code of the first ProcessingError in err's chain
func CodeOf(err error) (ErrorCode, bool) {
	if pe, ok := AsProcessingError(err); ok {
		return pe.Code, true
	}
	return "", false
}

func NewProcessingTimeoutError(jobID string, duration time.Duration, cause error) *ProcessingError {
	return &ProcessingError{
		Code:      ErrorProcessingTimeout,
		Message:   fmt.Sprintf("Processing timed out after %v", duration),
		JobID:     jobID,
		Timestamp: time.Now(),
		Details: map[string]interface{}{
			"timeout_duration": duration.String(),
		},
		Cause: cause,
	}
}

func NewRegionNotFoundError(width, height int) *ProcessingError {
	return &ProcessingError{
		Code:      ErrorRegionNotFound,
		Message:   "No identifier region found; select the region manually",
		Timestamp: time.Now(),
		Details: map[string]interface{}{
			"image_width":  width,
			"image_height": height,
		},
	}
}

func NewDegenerateRegionError(region fmt.Stringer, reason string) *ProcessingError {
	return &ProcessingError{
		Code:      ErrorDegenerateRegion,
		Message:   fmt.Sprintf("Region %s rejected: %s", region, reason),
		Timestamp: time.Now(),
		Details: map[string]interface{}{
			"region": region.String(),
		},
	}
}

func NewRecognitionFailedError(config string, cause error) *ProcessingError {
	return &ProcessingError{
		Code:      ErrorRecognitionFailed,
		Message:   fmt.Sprintf("Recognition failed with config: %s", config),
		Timestamp: time.Now(),
		Details: map[string]interface{}{
			"ocr_config": config,
		},
		Cause: cause,
	}
}

func NewInvalidCorrectionError(reason string) *ProcessingError {
	return &ProcessingError{
		Code:      ErrorInvalidCorrection,
		Message:   reason,
		Timestamp: time.Now(),
	}
}

func NewUnsupportedFormatError(jobID string, detail string) *ProcessingError {
	return &ProcessingError{
		Code:      ErrorUnsupportedFormat,
		Message:   fmt.Sprintf("Unsupported image data: %s", detail),
		JobID:     jobID,
		Timestamp: time.Now(),
	}
}

func NewStorageFailedError(jobID string, cause error) *ProcessingError {
	return &ProcessingError{
		Code:      ErrorStorageFailed,
		Message:   "Failed to store extraction results",
		JobID:     jobID,
		Timestamp: time.Now(),
		Cause:     cause,
	}
}

func NewDatabaseFailedError(op string, cause error) *ProcessingError {
	return &ProcessingError{
		Code:      ErrorDatabaseFailed,
		Message:   fmt.Sprintf("Database operation failed: %s", op),
		Timestamp: time.Now(),
		Cause:     cause,
	}
}

func NewNetworkTimeoutError(jobID string, url string, cause error) *ProcessingError {
	return &ProcessingError{
		Code:      ErrorNetworkTimeout,
		Message:   "Image download failed",
		JobID:     jobID,
		Timestamp: time.Now(),
		Details: map[string]interface{}{
			"url": url,
		},
		Cause: cause,
	}
}

// ToMap flattens the error into job metadata
func (e *ProcessingError) ToMap() map[string]interface{} {
	m := make(map[string]interface{}, len(e.Details)+4)
	for k, v := range e.Details {
		m[k] = v
	}
	m["error_code"] = string(e.Code)
	m["message"] = e.Message
	m["timestamp"] = e.Timestamp
	if e.Cause != nil {
		m["cause"] = e.Cause.Error()
	}
	return m
}
