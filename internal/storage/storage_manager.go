/**
 * Storage Manager for the NIK worker
 *
 * Owns every persistence backend: PostgreSQL (jobs, corrections) when a
 * database URL is configured, the JSON correction file otherwise, the
 * training dataset on disk, and the optional Qdrant glyph index.
 */

package storage

import (
	"context"
	"fmt"
	"log"
)

// CorrectionStore is implemented by FileCorrectionStore and PostgresCorrectionStore
type CorrectionStore interface {
	Get(ctx context.Context, raw string) (string, bool, error)
	Put(ctx context.Context, raw, corrected string) error
}

// ManagerConfig selects the storage backends
type ManagerConfig struct {
	DatabaseURL      string // optional
	QdrantURL        string // optional
	QdrantCollection string
	TrainingDir      string
	DatasetDir       string
}

// StorageManager coordinates the storage backends
type StorageManager struct {
	postgres    *PostgresClient
	glyphs      *GlyphIndex
	corrections CorrectionStore
	dataset     *Dataset
}

// NewStorageManager creates a new storage manager
func NewStorageManager(ctx context.Context, cfg *ManagerConfig) (*StorageManager, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}

	sm := &StorageManager{}

	if cfg.DatabaseURL != "" {
		postgres, err := NewPostgresClient(cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize PostgreSQL client: %w", err)
		}
		if err := postgres.EnsureSchema(ctx); err != nil {
			postgres.Close()
			return nil, err
		}
		sm.postgres = postgres
		sm.corrections = NewPostgresCorrectionStore(postgres)
	} else {
		file, err := NewFileCorrectionStore(cfg.TrainingDir)
		if err != nil {
			return nil, err
		}
		sm.corrections = file
	}

	if cfg.QdrantURL != "" {
		glyphs, err := NewGlyphIndex(cfg.QdrantURL, cfg.QdrantCollection)
		if err != nil {
			sm.Close()
			return nil, fmt.Errorf("failed to initialize Qdrant client: %w", err)
		}
		sm.glyphs = glyphs
	}

	dataset, err := NewDataset(cfg.DatasetDir, sm.glyphs)
	if err != nil {
		sm.Close()
		return nil, err
	}
	sm.dataset = dataset

	return sm, nil
}

func (sm *StorageManager) Corrections() CorrectionStore {
	return sm.corrections
}

func (sm *StorageManager) Dataset() *Dataset {
	return sm.dataset
}

// Glyphs returns the glyph index, or nil when Qdrant is not configured
func (sm *StorageManager) Glyphs() *GlyphIndex {
	return sm.glyphs
}

// UpdateJobStatus records a job transition; without PostgreSQL it only logs
func (sm *StorageManager) UpdateJobStatus(ctx context.Context, update *JobUpdate) error {
	if sm.postgres == nil {
		log.Printf("[Job %s] Status %s (no database configured)", update.JobID, update.Status)
		return nil
	}
	return sm.postgres.UpdateJobStatus(ctx, update)
}

// GetJobByID retrieves job by ID
func (sm *StorageManager) GetJobByID(ctx context.Context, jobID string) (map[string]interface{}, error) {
	if sm.postgres == nil {
		return nil, fmt.Errorf("no database configured")
	}
	return sm.postgres.GetJobByID(ctx, jobID)
}

// GetStats returns statistics from every configured backend
func (sm *StorageManager) GetStats(ctx context.Context) (map[string]interface{}, error) {
	stats := map[string]interface{}{}

	if sm.postgres != nil {
		pgStats := sm.postgres.GetStats()
		stats["postgres"] = map[string]interface{}{
			"max_open_connections": pgStats.MaxOpenConnections,
			"open_connections":     pgStats.OpenConnections,
			"in_use":               pgStats.InUse,
			"idle":                 pgStats.Idle,
			"wait_count":           pgStats.WaitCount,
			"wait_duration":        pgStats.WaitDuration.String(),
		}
	}

	if sm.glyphs != nil {
		info, err := sm.glyphs.Info(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to get Qdrant stats: %w", err)
		}
		stats["qdrant"] = info
	}

	if sm.dataset != nil {
		counts, err := sm.dataset.Counts()
		if err != nil {
			return nil, err
		}
		stats["dataset"] = counts
	}

	return stats, nil
}

// Close closes all connections
func (sm *StorageManager) Close() error {
	var pgErr, qdErr error

	if sm.postgres != nil {
		pgErr = sm.postgres.Close()
	}

	if sm.glyphs != nil {
		qdErr = sm.glyphs.Close()
	}

	if pgErr != nil {
		return fmt.Errorf("failed to close PostgreSQL: %w", pgErr)
	}

	if qdErr != nil {
		return fmt.Errorf("failed to close Qdrant: %w", qdErr)
	}

	return nil
}
