package storage

import (
	"context"
	"image"
	"image/color"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gocv.io/x/gocv"

	"github.com/adverant/nexus/nik-worker/internal/vision"
)

func TestFileCorrectionStore(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	store, err := NewFileCorrectionStore(dir)
	require.NoError(t, err)

	_, ok, err := store.Get(ctx, "330145678901")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, store.Put(ctx, "330145678901", "3301234567890123"))
	got, ok, err := store.Get(ctx, "330145678901")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "3301234567890123", got)

	reloaded, err := NewFileCorrectionStore(dir)
	require.NoError(t, err)
	assert.Equal(t, 1, reloaded.Len())
	got, ok, _ = reloaded.Get(ctx, "330145678901")
	assert.True(t, ok)
	assert.Equal(t, "3301234567890123", got)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1, "temp files must not be left behind")
	assert.Equal(t, CorrectionsFile, entries[0].Name())
}

func TestFileCorrectionStoreRejectsInvalid(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	store, err := NewFileCorrectionStore(dir)
	require.NoError(t, err)

	tests := []struct {
		name      string
		raw       string
		corrected string
	}{
		{"empty raw", "", "3301234567890123"},
		{"short", "3301????????????", "330123"},
		{"letters", "3301????????????", "33012345678901AB"},
		{"long", "3301????????????", "33012345678901234"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Error(t, store.Put(ctx, tt.raw, tt.corrected))
		})
	}

	assert.Equal(t, 0, store.Len())
	_, err = os.Stat(filepath.Join(dir, CorrectionsFile))
	assert.True(t, os.IsNotExist(err))
}

func TestFileCorrectionStoreCorruptFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, CorrectionsFile), []byte("{not json"), 0o644))

	_, err := NewFileCorrectionStore(dir)
	assert.Error(t, err)
}

func TestSanitizeConfidence(t *testing.T) {
	tests := []struct {
		in   float64
		want float64
	}{
		{-5, 0},
		{0, 0},
		{37.5, 37.5},
		{43.756, 43.76},
		{100, 100},
		{250, 100},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, sanitizeConfidence(tt.in))
	}
}

func processedSheet() gocv.Mat {
	m := gocv.NewMatWithSizeFromScalar(gocv.NewScalar(255, 0, 0, 0), 100, 200, gocv.MatTypeCV8UC1)
	ink := color.RGBA{}
	gocv.Rectangle(&m, image.Rect(20, 30, 30, 60), ink, -1)
	gocv.Rectangle(&m, image.Rect(60, 30, 70, 60), ink, -1)
	gocv.Rectangle(&m, image.Rect(100, 30, 110, 60), ink, -1)
	return m
}

func TestDatasetExport(t *testing.T) {
	root := t.TempDir()
	ds, err := NewDataset(root, nil)
	require.NoError(t, err)
	fixed := time.UnixMilli(1700000000000)
	ds.now = func() time.Time { return fixed }

	sheet := processedSheet()
	defer sheet.Close()
	digits := vision.NewDigitSegmenter().Digits(sheet)

	paths, err := ds.Export(context.Background(), "7250000000000000", digits)
	require.NoError(t, err)
	require.Len(t, paths, 3)
	assert.Equal(t, filepath.Join(root, "7", "digit_1700000000000_0.png"), paths[0])
	assert.Equal(t, filepath.Join(root, "2", "digit_1700000000000_1.png"), paths[1])
	assert.Equal(t, filepath.Join(root, "5", "digit_1700000000000_2.png"), paths[2])
	for _, p := range paths {
		assert.FileExists(t, p)
	}

	// same clock: the second export must not overwrite the first
	again, err := ds.Export(context.Background(), "7250000000000000", digits)
	require.NoError(t, err)
	require.Len(t, again, 3)
	assert.Equal(t, filepath.Join(root, "7", "digit_1700000000001_0.png"), again[0])

	counts, err := ds.Counts()
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"7": 2, "2": 2, "5": 2}, counts)
}

func TestDatasetExportIgnoresDigitsPastLabels(t *testing.T) {
	root := t.TempDir()
	ds, err := NewDataset(root, nil)
	require.NoError(t, err)

	sheet := processedSheet()
	defer sheet.Close()

	paths, err := ds.Export(context.Background(), "9", vision.NewDigitSegmenter().Digits(sheet))
	require.NoError(t, err)
	assert.Len(t, paths, 1)
}

func TestDatasetStampIsMonotonic(t *testing.T) {
	ds, err := NewDataset(t.TempDir(), nil)
	require.NoError(t, err)
	fixed := time.UnixMilli(5000)
	ds.now = func() time.Time { return fixed }

	assert.Equal(t, int64(5000), ds.stamp())
	assert.Equal(t, int64(5001), ds.stamp())

	fixed = time.UnixMilli(4000) // clock stepped back
	assert.Equal(t, int64(5002), ds.stamp())
}

func TestGlyphVector(t *testing.T) {
	white := image.NewGray(image.Rect(0, 0, 20, 30))
	for i := range white.Pix {
		white.Pix[i] = 255
	}
	v := GlyphVector(white)
	require.Len(t, v, GlyphDimensions)
	assert.True(t, isZero(v))

	black := image.NewGray(image.Rect(0, 0, 20, 30))
	v = GlyphVector(black)
	require.Len(t, v, GlyphDimensions)
	for _, x := range v {
		assert.InDelta(t, 1.0, x, 0.01)
	}
}

func TestStorageManagerWithoutDatabase(t *testing.T) {
	dir := t.TempDir()
	sm, err := NewStorageManager(context.Background(), &ManagerConfig{
		TrainingDir: filepath.Join(dir, "training"),
		DatasetDir:  filepath.Join(dir, "dataset"),
	})
	require.NoError(t, err)
	defer sm.Close()

	assert.IsType(t, &FileCorrectionStore{}, sm.Corrections())
	assert.Nil(t, sm.Glyphs())
	assert.NoError(t, sm.UpdateJobStatus(context.Background(), &JobUpdate{JobID: "j", Status: "completed"}))

	_, err = sm.GetJobByID(context.Background(), "j")
	assert.Error(t, err)
}

func TestPostgresRoundTrip(t *testing.T) {
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skipf("TEST_DATABASE_URL not set")
	}
	ctx := context.Background()

	client, err := NewPostgresClient(url)
	require.NoError(t, err)
	defer client.Close()
	require.NoError(t, client.EnsureSchema(ctx))

	store := NewPostgresCorrectionStore(client)
	require.NoError(t, store.Put(ctx, "1111????????????", "1111222233334444"))
	got, ok, err := store.Get(ctx, "1111????????????")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "1111222233334444", got)
}

func TestGlyphIndexRoundTrip(t *testing.T) {
	addr := os.Getenv("TEST_QDRANT_URL")
	if addr == "" {
		t.Skipf("TEST_QDRANT_URL not set")
	}
	ctx := context.Background()

	index, err := NewGlyphIndex(addr, "nik_glyphs_test")
	require.NoError(t, err)
	defer index.Close()

	vector := make([]float32, GlyphDimensions)
	vector[0] = 1
	require.NoError(t, index.Upsert(ctx, &GlyphPoint{Vector: vector, Label: "4", Path: "4/x.png"}))

	matches, err := index.Similar(ctx, vector, 1)
	require.NoError(t, err)
	require.NotEmpty(t, matches)
	assert.Equal(t, "4", matches[0].Label)
}
