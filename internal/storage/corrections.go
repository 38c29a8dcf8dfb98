package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"
)

// CorrectionsFile is the file name used inside the training directory
const CorrectionsFile = "corrections.json"

var correctedDigits = regexp.MustCompile(`^[0-9]{16}$`)

func checkCorrection(raw, corrected string) error {
	if raw == "" {
		return fmt.Errorf("raw extraction is required")
	}
	if !correctedDigits.MatchString(corrected) {
		return fmt.Errorf("corrected value must be 16 digits, got %q", corrected)
	}
	return nil
}

// FileCorrectionStore keeps corrections in a JSON object keyed by the
// raw digit run of an extraction. Every Put rewrites the whole file.
type FileCorrectionStore struct {
	path    string
	mu      sync.RWMutex
	entries map[string]string
}

// NewFileCorrectionStore loads dir/corrections.json, creating dir if needed.
// A missing file is an empty store.
func NewFileCorrectionStore(dir string) (*FileCorrectionStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create training directory: %w", err)
	}

	s := &FileCorrectionStore{
		path:    filepath.Join(dir, CorrectionsFile),
		entries: make(map[string]string),
	}

	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read corrections: %w", err)
	}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &s.entries); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", s.path, err)
		}
	}
	return s, nil
}

func (s *FileCorrectionStore) Get(_ context.Context, raw string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	corrected, ok := s.entries[raw]
	return corrected, ok, nil
}

func (s *FileCorrectionStore) Put(_ context.Context, raw, corrected string) error {
	if err := checkCorrection(raw, corrected); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	next := make(map[string]string, len(s.entries)+1)
	for k, v := range s.entries {
		next[k] = v
	}
	next[raw] = corrected

	if err := writeJSONAtomic(s.path, next); err != nil {
		return err
	}
	s.entries = next
	return nil
}

// Len reports the number of stored corrections
func (s *FileCorrectionStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

func writeJSONAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal corrections: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".corrections-*.json")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write corrections: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write corrections: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to replace %s: %w", path, err)
	}
	return nil
}

// PostgresCorrectionStore keeps corrections in nik.corrections
type PostgresCorrectionStore struct {
	client *PostgresClient
}

func NewPostgresCorrectionStore(client *PostgresClient) *PostgresCorrectionStore {
	return &PostgresCorrectionStore{client: client}
}

func (s *PostgresCorrectionStore) Get(ctx context.Context, raw string) (string, bool, error) {
	return s.client.GetCorrection(ctx, raw)
}

func (s *PostgresCorrectionStore) Put(ctx context.Context, raw, corrected string) error {
	if err := checkCorrection(raw, corrected); err != nil {
		return err
	}
	return s.client.PutCorrection(ctx, raw, corrected)
}
