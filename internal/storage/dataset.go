/**
 * Digit training dataset
 *
 * Labelled digit crops are filed under <root>/<label>/ as
 * digit_<unix ms>_<index>.png. When a glyph index is attached every saved
 * crop is also indexed for similarity review.
 */

package storage

import (
	"context"
	"fmt"
	"image"
	"iter"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/disintegration/imaging"
	"github.com/google/uuid"

	"github.com/adverant/nexus/nik-worker/internal/vision"
)

// GlyphSize is the side of the square a digit is reduced to for indexing
const GlyphSize = 16

// Dataset writes labelled digit images to disk
type Dataset struct {
	root    string
	index   *GlyphIndex
	session string
	now     func() time.Time

	mu   sync.Mutex
	last int64
}

// NewDataset prepares root; index may be nil
func NewDataset(root string, index *GlyphIndex) (*Dataset, error) {
	if root == "" {
		return nil, fmt.Errorf("dataset directory is required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create dataset directory: %w", err)
	}
	return &Dataset{
		root:    root,
		index:   index,
		session: uuid.New().String(),
		now:     time.Now,
	}, nil
}

// Root returns the dataset directory
func (d *Dataset) Root() string {
	return d.root
}

// stamp returns a millisecond timestamp strictly greater than the last one
func (d *Dataset) stamp() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	ms := d.now().UnixMilli()
	if ms <= d.last {
		ms = d.last + 1
	}
	d.last = ms
	return ms
}

// Export saves each digit under the label at its index. Digits beyond the
// label string are ignored. Returns the written paths in order.
func (d *Dataset) Export(ctx context.Context, labels string, digits iter.Seq[vision.Digit]) ([]string, error) {
	ms := d.stamp()

	var paths []string
	for digit := range digits {
		if err := ctx.Err(); err != nil {
			return paths, err
		}
		if digit.Index < 0 || digit.Index >= len(labels) {
			continue
		}
		label := string(labels[digit.Index])

		img, err := digitImage(digit)
		if err != nil {
			return paths, fmt.Errorf("digit %d: %w", digit.Index, err)
		}

		dir := filepath.Join(d.root, label)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return paths, fmt.Errorf("failed to create label directory: %w", err)
		}
		path := filepath.Join(dir, fmt.Sprintf("digit_%d_%d.png", ms, digit.Index))
		if err := imaging.Save(img, path); err != nil {
			return paths, fmt.Errorf("failed to save %s: %w", path, err)
		}
		paths = append(paths, path)

		if d.index != nil {
			if err := d.indexGlyph(ctx, img, label, path); err != nil {
				log.Printf("Glyph index update failed for %s: %v", path, err)
			}
		}
	}
	return paths, nil
}

func (d *Dataset) indexGlyph(ctx context.Context, img image.Image, label, path string) error {
	vector := GlyphVector(img)
	if isZero(vector) {
		return nil
	}
	return d.index.Upsert(ctx, &GlyphPoint{
		Vector:    vector,
		Label:     label,
		Path:      path,
		Session:   d.session,
		Timestamp: time.Now().Unix(),
	})
}

// digitImage copies the digit's view out of the processed Mat
func digitImage(digit vision.Digit) (image.Image, error) {
	m := digit.Image.Clone()
	defer m.Close()
	return m.ToImage()
}

// Counts returns the number of saved images per label directory
func (d *Dataset) Counts() (map[string]int, error) {
	entries, err := os.ReadDir(d.root)
	if err != nil {
		return nil, fmt.Errorf("failed to read dataset directory: %w", err)
	}

	counts := make(map[string]int)
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		files, err := os.ReadDir(filepath.Join(d.root, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("failed to read label %s: %w", entry.Name(), err)
		}
		for _, f := range files {
			if !f.IsDir() && strings.HasSuffix(f.Name(), ".png") {
				counts[entry.Name()]++
			}
		}
	}
	return counts, nil
}

// GlyphVector reduces img to GlyphSize x GlyphSize gray and returns ink
// density per pixel in [0, 1], row-major. Ink is dark on the processed
// images, so white maps to 0.
func GlyphVector(img image.Image) []float32 {
	small := imaging.Resize(imaging.Grayscale(img), GlyphSize, GlyphSize, imaging.Box)

	vector := make([]float32, 0, GlyphSize*GlyphSize)
	for y := 0; y < GlyphSize; y++ {
		for x := 0; x < GlyphSize; x++ {
			v := small.Pix[y*small.Stride+x*4]
			vector = append(vector, 1-float32(v)/255)
		}
	}
	return vector
}

func isZero(v []float32) bool {
	for _, x := range v {
		if x != 0 {
			return false
		}
	}
	return true
}
