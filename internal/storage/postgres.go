/**
 * PostgreSQL client for the NIK extraction worker
 *
 * Persists extraction job rows and human corrections.
 */

package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math"
	"time"

	_ "github.com/lib/pq"
)

// PostgresClient handles database operations
type PostgresClient struct {
	db *sql.DB
}

// JobUpdate represents a job status update
type JobUpdate struct {
	JobID            string
	Status           string
	Digits           string
	Confidence       float64 // percent, 0..100
	ProcessingTimeMs int64
	Strategy         string
	ErrorCode        string
	ErrorMessage     string
	Metadata         map[string]interface{}
}

const schemaDDL = `
CREATE SCHEMA IF NOT EXISTS nik;

CREATE TABLE IF NOT EXISTS nik.extraction_jobs (
	id                 UUID PRIMARY KEY,
	user_id            TEXT NOT NULL DEFAULT 'anonymous',
	filename           TEXT,
	status             TEXT NOT NULL,
	digits             CHAR(16),
	confidence         NUMERIC(5,2),
	processing_time_ms BIGINT,
	strategy           TEXT,
	error_code         TEXT,
	error_message      TEXT,
	metadata           JSONB NOT NULL DEFAULT '{}'::jsonb,
	created_at         TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at         TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS nik.corrections (
	raw        TEXT PRIMARY KEY,
	corrected  CHAR(16) NOT NULL CHECK (corrected ~ '^[0-9]{16}$'),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
`

// sanitizeConfidence clamps a percentage to [0, 100] with two decimals,
// the precision of the NUMERIC(5,2) column.
func sanitizeConfidence(confidence float64) float64 {
	if confidence < 0 || math.IsNaN(confidence) {
		return 0
	}
	if confidence > 100 {
		return 100
	}
	return math.Round(confidence*100) / 100
}

// NewPostgresClient creates a new PostgreSQL client
func NewPostgresClient(databaseURL string) (*PostgresClient, error) {
	if databaseURL == "" {
		return nil, fmt.Errorf("database URL is required")
	}

	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(2 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &PostgresClient{db: db}, nil
}

// EnsureSchema creates the nik schema and its tables when missing
func (p *PostgresClient) EnsureSchema(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx, schemaDDL); err != nil {
		return fmt.Errorf("failed to ensure schema: %w", err)
	}
	return nil
}

// UpdateJobStatus upserts the job row; empty fields keep their stored value
func (p *PostgresClient) UpdateJobStatus(ctx context.Context, update *JobUpdate) error {
	if update.JobID == "" {
		return fmt.Errorf("job ID is required")
	}

	if update.Status == "" {
		return fmt.Errorf("status is required")
	}

	confidence := sanitizeConfidence(update.Confidence)

	metadataJSON, err := json.Marshal(update.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}

	var filename, userID string
	if update.Metadata != nil {
		if fn, ok := update.Metadata["filename"].(string); ok {
			filename = fn
		}
		if uid, ok := update.Metadata["userId"].(string); ok {
			userID = uid
		}
	}

	query := `
		INSERT INTO nik.extraction_jobs (
			id, user_id, filename, status, digits, confidence,
			processing_time_ms, strategy, error_code, error_message, metadata,
			created_at, updated_at
		) VALUES (
			$1::uuid, COALESCE(NULLIF($11, ''), 'anonymous'), NULLIF($10, ''), $2,
			NULLIF($3, ''), $4::NUMERIC(5,2), NULLIF($5, 0), NULLIF($6, ''),
			NULLIF($7, ''), NULLIF($8, ''), COALESCE($9::jsonb, '{}'::jsonb),
			NOW(), NOW()
		)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			digits = COALESCE(EXCLUDED.digits, nik.extraction_jobs.digits),
			confidence = CASE
				WHEN EXCLUDED.digits IS NOT NULL THEN EXCLUDED.confidence
				ELSE nik.extraction_jobs.confidence
			END,
			processing_time_ms = COALESCE(EXCLUDED.processing_time_ms, nik.extraction_jobs.processing_time_ms),
			strategy = COALESCE(EXCLUDED.strategy, nik.extraction_jobs.strategy),
			error_code = EXCLUDED.error_code,
			error_message = EXCLUDED.error_message,
			metadata = nik.extraction_jobs.metadata || EXCLUDED.metadata,
			filename = COALESCE(EXCLUDED.filename, nik.extraction_jobs.filename),
			updated_at = NOW()
		RETURNING id
	`

	var returnedID string
	err = p.db.QueryRowContext(
		ctx,
		query,
		update.JobID,            // $1
		update.Status,           // $2
		update.Digits,           // $3
		confidence,              // $4
		update.ProcessingTimeMs, // $5
		update.Strategy,         // $6
		update.ErrorCode,        // $7
		update.ErrorMessage,     // $8
		metadataJSON,            // $9
		filename,                // $10
		userID,                  // $11
	).Scan(&returnedID)

	if err != nil {
		return fmt.Errorf("failed to update job status (job=%s, status=%s): %w",
			update.JobID, update.Status, err)
	}

	return nil
}

// GetJobByID retrieves a job by ID
func (p *PostgresClient) GetJobByID(ctx context.Context, jobID string) (map[string]interface{}, error) {
	if jobID == "" {
		return nil, fmt.Errorf("job ID is required")
	}

	query := `
		SELECT id, user_id, filename, status, digits, confidence,
			processing_time_ms, strategy, error_code, error_message,
			metadata, created_at, updated_at
		FROM nik.extraction_jobs
		WHERE id = $1::uuid
	`

	var (
		id, userID, status                   string
		filename, digits, strategy           sql.NullString
		errorCode, errorMessage              sql.NullString
		confidence                           sql.NullFloat64
		processingTimeMs                     sql.NullInt64
		metadataJSON                         []byte
		createdAt, updatedAt                 time.Time
	)

	err := p.db.QueryRowContext(ctx, query, jobID).Scan(
		&id, &userID, &filename, &status, &digits, &confidence,
		&processingTimeMs, &strategy, &errorCode, &errorMessage,
		&metadataJSON, &createdAt, &updatedAt,
	)

	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("job not found: %s", jobID)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}

	var metadata map[string]interface{}
	if len(metadataJSON) > 0 {
		if err := json.Unmarshal(metadataJSON, &metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
		}
	}

	result := map[string]interface{}{
		"id":        id,
		"userId":    userID,
		"status":    status,
		"createdAt": createdAt,
		"updatedAt": updatedAt,
		"metadata":  metadata,
	}

	optional := map[string]sql.NullString{
		"filename":     filename,
		"digits":       digits,
		"strategy":     strategy,
		"errorCode":    errorCode,
		"errorMessage": errorMessage,
	}
	for k, v := range optional {
		if v.Valid {
			result[k] = v.String
		}
	}
	if confidence.Valid {
		result["confidence"] = confidence.Float64
	}
	if processingTimeMs.Valid {
		result["processingTimeMs"] = processingTimeMs.Int64
	}

	return result, nil
}

// GetCorrection looks up the stored correction for raw
func (p *PostgresClient) GetCorrection(ctx context.Context, raw string) (string, bool, error) {
	var corrected string
	err := p.db.QueryRowContext(ctx,
		`SELECT corrected FROM nik.corrections WHERE raw = $1`, raw).Scan(&corrected)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to get correction: %w", err)
	}
	return corrected, true, nil
}

// PutCorrection stores or replaces the correction for raw
func (p *PostgresClient) PutCorrection(ctx context.Context, raw, corrected string) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO nik.corrections (raw, corrected, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (raw) DO UPDATE SET
			corrected = EXCLUDED.corrected,
			updated_at = NOW()
	`, raw, corrected)
	if err != nil {
		return fmt.Errorf("failed to store correction: %w", err)
	}
	return nil
}

// Ping checks database connectivity
func (p *PostgresClient) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

// Close closes the database connection
func (p *PostgresClient) Close() error {
	if p.db != nil {
		return p.db.Close()
	}
	return nil
}

// GetStats returns connection pool statistics
func (p *PostgresClient) GetStats() sql.DBStats {
	return p.db.Stats()
}
