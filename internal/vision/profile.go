package vision

import (
	"fmt"
	"math"
	"slices"

	"gocv.io/x/gocv"
)

const (
	DefaultTolerance = 40
	minTolerance     = 20
	maxTolerance     = 80
)

// Color is an 8-bit BGR triple, the channel order of decoded Mats
type Color struct {
	B uint8 `json:"b"`
	G uint8 `json:"g"`
	R uint8 `json:"r"`
}

// Hex renders the color as #rrggbb
func (c Color) Hex() string {
	return fmt.Sprintf("#%02x%02x%02x", c.R, c.G, c.B)
}

// ParseColor reads "#rrggbb" (the leading '#' is optional)
func ParseColor(s string) (Color, error) {
	var r, g, b uint8
	if len(s) > 0 && s[0] == '#' {
		s = s[1:]
	}
	if len(s) != 6 {
		return Color{}, fmt.Errorf("color %q: want #rrggbb", s)
	}
	if _, err := fmt.Sscanf(s, "%2x%2x%2x", &r, &g, &b); err != nil {
		return Color{}, fmt.Errorf("color %q: %w", s, err)
	}
	return Color{B: b, G: g, R: r}, nil
}

// ColorProfile is the ink color of a card plus the per-channel tolerance
// used to build its inclusion band.
type ColorProfile struct {
	Target    Color `json:"target"`
	Tolerance int   `json:"tolerance"`
}

// Band returns the inclusive lower and upper bounds, clamped to 0..255
func (p ColorProfile) Band() (lower, upper gocv.Scalar) {
	t := float64(p.Tolerance)
	clamp := func(v float64) float64 { return math.Max(0, math.Min(255, v)) }
	lower = gocv.NewScalar(clamp(float64(p.Target.B)-t), clamp(float64(p.Target.G)-t), clamp(float64(p.Target.R)-t), 0)
	upper = gocv.NewScalar(clamp(float64(p.Target.B)+t), clamp(float64(p.Target.G)+t), clamp(float64(p.Target.R)+t), 0)
	return lower, upper
}

// ProfileColor infers the ink color of region. Pixels at or below the Otsu
// threshold of the intensity channel count as ink; the target is their
// per-channel median and the tolerance grows with the region's spread.
// It reports false for an empty region or one without ink, in which case
// callers keep whatever profile they had.
func ProfileColor(region gocv.Mat) (ColorProfile, bool) {
	if region.Empty() || region.Rows() == 0 || region.Cols() == 0 {
		return ColorProfile{}, false
	}

	bgr := toBGR(region)
	defer bgr.Close()
	gray := toGray(bgr)
	defer gray.Close()

	ink := gocv.NewMat()
	defer ink.Close()
	gocv.Threshold(gray, &ink, 0, 255, gocv.ThresholdBinaryInv|gocv.ThresholdOtsu)

	mean := gocv.NewMat()
	defer mean.Close()
	stddev := gocv.NewMat()
	defer stddev.Close()
	gocv.MeanStdDev(bgr, &mean, &stddev)
	avgStd := (stddev.GetDoubleAt(0, 0) + stddev.GetDoubleAt(1, 0) + stddev.GetDoubleAt(2, 0)) / 3
	tolerance := int(math.Max(minTolerance, math.Min(maxTolerance, minTolerance+0.5*avgStd)))

	pixels := bgr.ToBytes()
	mask := ink.ToBytes()
	var b, g, r []uint8
	for i, m := range mask {
		if m == 0 {
			continue
		}
		b = append(b, pixels[3*i])
		g = append(g, pixels[3*i+1])
		r = append(r, pixels[3*i+2])
	}
	if len(b) == 0 {
		return ColorProfile{}, false
	}

	return ColorProfile{
		Target:    Color{B: median(b), G: median(g), R: median(r)},
		Tolerance: tolerance,
	}, true
}

// median truncates the midpoint average for even counts
func median(v []uint8) uint8 {
	slices.Sort(v)
	n := len(v)
	if n%2 == 1 {
		return v[n/2]
	}
	return uint8((int(v[n/2-1]) + int(v[n/2])) / 2)
}
