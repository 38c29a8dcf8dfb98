package vision

import (
	"fmt"
	"image"
	"strconv"
	"strings"

	"github.com/adverant/nexus/nik-worker/internal/errors"
)

// Minimum footprint of a usable selection, in source pixels
const (
	MinRegionWidth  = 10
	MinRegionHeight = 5
)

// Region is an axis-aligned rectangle (x1, y1)-(x2, y2) in the pixel space
// of one image. X2 and Y2 are exclusive.
type Region struct {
	X1 int `json:"x1"`
	Y1 int `json:"y1"`
	X2 int `json:"x2"`
	Y2 int `json:"y2"`
}

// RegionFromRect converts an image.Rectangle
func RegionFromRect(r image.Rectangle) Region {
	r = r.Canon()
	return Region{X1: r.Min.X, Y1: r.Min.Y, X2: r.Max.X, Y2: r.Max.Y}
}

// ParseRegion reads "x1,y1,x2,y2"
func ParseRegion(s string) (Region, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 4 {
		return Region{}, fmt.Errorf("region must be x1,y1,x2,y2, got %q", s)
	}
	var v [4]int
	for i, p := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return Region{}, fmt.Errorf("region coordinate %d: %w", i, err)
		}
		v[i] = n
	}
	return Region{X1: v[0], Y1: v[1], X2: v[2], Y2: v[3]}, nil
}

func (r Region) Width() int  { return r.X2 - r.X1 }
func (r Region) Height() int { return r.Y2 - r.Y1 }

func (r Region) Rect() image.Rectangle {
	return image.Rect(r.X1, r.Y1, r.X2, r.Y2)
}

func (r Region) String() string {
	return fmt.Sprintf("(%d,%d)-(%d,%d)", r.X1, r.Y1, r.X2, r.Y2)
}

// Clamp intersects r with a width x height image
func (r Region) Clamp(width, height int) Region {
	return RegionFromRect(r.Rect().Intersect(image.Rect(0, 0, width, height)))
}

// Validate enforces 0 <= x1 < x2 <= width and 0 <= y1 < y2 <= height
func (r Region) Validate(width, height int) error {
	if r.X1 < 0 || r.Y1 < 0 || r.X2 > width || r.Y2 > height {
		return errors.NewDegenerateRegionError(r, fmt.Sprintf("outside %dx%d image", width, height))
	}
	if r.X1 >= r.X2 || r.Y1 >= r.Y2 {
		return errors.NewDegenerateRegionError(r, "empty rectangle")
	}
	return nil
}

// CheckFootprint rejects selections too small to hold a readable line
func (r Region) CheckFootprint() error {
	if r.Width() < MinRegionWidth || r.Height() < MinRegionHeight {
		return errors.NewDegenerateRegionError(r,
			fmt.Sprintf("smaller than %dx%d", MinRegionWidth, MinRegionHeight))
	}
	return nil
}

// Translate shifts r by (dx, dy)
func (r Region) Translate(dx, dy int) Region {
	return Region{X1: r.X1 + dx, Y1: r.Y1 + dy, X2: r.X2 + dx, Y2: r.Y2 + dy}
}
