package vision

import (
	"context"
	"image"
	"sort"
	"strings"

	"github.com/adverant/nexus/nik-worker/internal/errors"
	"github.com/adverant/nexus/nik-worker/internal/logging"
	"github.com/adverant/nexus/nik-worker/internal/ocr"
	"gocv.io/x/gocv"
)

// Geometric prior: where the identifier line sits on a standard card,
// as fractions of the card's height and width.
const (
	priorTop    = 0.15
	priorBottom = 0.25
	priorLeft   = 0.20
	priorRight  = 0.75

	padX = 10
	padY = 5
)

// Detection methods
const (
	MethodContour = "contour"
	MethodText    = "text"
)

// IdentifierLength is the number of digits in a NIK
const IdentifierLength = 16

// Detection is a located identifier region plus the ink profile sampled
// from the prior band on the way.
type Detection struct {
	Region  Region        `json:"region"`
	Profile *ColorProfile `json:"profile,omitempty"`
	Method  string        `json:"method"`
}

// RegionDetector finds the identifier line on a full card image
type RegionDetector struct {
	recognizer ocr.Recognizer
	logger     *logging.Logger
}

func NewRegionDetector(recognizer ocr.Recognizer, logger *logging.Logger) *RegionDetector {
	if logger == nil {
		logger = logging.NewLogger("detect")
	}
	return &RegionDetector{recognizer: recognizer, logger: logger}
}

// fallbackConfigs are tried in order when no contour candidate survives
var fallbackConfigs = []ocr.Config{
	{Mode: ocr.SingleBlock},
	{Mode: ocr.SingleLine},
	{Mode: ocr.SingleWord},
}

// wordBoxConfig locates the matched line with full layout analysis
var wordBoxConfig = ocr.Config{Mode: ocr.Auto}

// PriorRegion is the band searched first on a width x height card
func PriorRegion(width, height int) Region {
	return Region{
		X1: int(float64(width) * priorLeft),
		Y1: int(float64(height) * priorTop),
		X2: int(float64(width) * priorRight),
		Y2: int(float64(height) * priorBottom),
	}
}

// Detect returns the identifier region of card, or an error matching
// errors.ErrRegionNotFound. The region always lies inside card.
func (d *RegionDetector) Detect(ctx context.Context, card gocv.Mat) (*Detection, error) {
	width, height := card.Cols(), card.Rows()
	prior := PriorRegion(width, height)
	if err := prior.Validate(width, height); err != nil {
		return nil, errors.NewRegionNotFoundError(width, height)
	}

	roi := card.Region(prior.Rect())
	defer roi.Close()

	det := &Detection{}
	if profile, ok := ProfileColor(roi); ok {
		det.Profile = &profile
		d.logger.Debug("Sampled ink color", "color", profile.Target.Hex(), "tolerance", profile.Tolerance)
	}

	ink := enhanceLine(roi)
	defer ink.Close()

	if box, ok := bestCandidate(ink); ok {
		det.Region = RegionFromRect(box).Translate(prior.X1, prior.Y1).Clamp(width, height)
		det.Method = MethodContour
		d.logger.Info("Identifier region found", "method", det.Method, "region", det.Region)
		return det, nil
	}

	if d.recognizer != nil {
		if box, ok := d.findByText(ctx, ink); ok {
			det.Region = RegionFromRect(box).Translate(prior.X1, prior.Y1).Clamp(width, height)
			if det.Region.Validate(width, height) == nil {
				det.Method = MethodText
				d.logger.Info("Identifier region found", "method", det.Method, "region", det.Region)
				return det, nil
			}
		}
	}

	d.logger.Warn("Identifier region not found", "width", width, "height", height)
	return nil, errors.NewRegionNotFoundError(width, height)
}

// enhanceLine binarizes the prior band into an ink mask (ink = 255)
func enhanceLine(roi gocv.Mat) gocv.Mat {
	m := toGray(roi)

	smooth := gocv.NewMat()
	gocv.BilateralFilter(m, &smooth, 9, 75, 75)
	replace(&m, smooth)
	replace(&m, equalize(m, 3.0, 8))
	replace(&m, adaptiveInk(m, 11, 2))
	replace(&m, morph(m, gocv.MorphClose, 2, 1))
	return m
}

// isLineCandidate accepts wide, short, text-like blobs
func isLineCandidate(box image.Rectangle, area float64) bool {
	w, h := box.Dx(), box.Dy()
	if area <= 100 || h <= 15 || w <= 100 {
		return false
	}
	ratio := float64(h) / float64(w)
	return ratio > 0.1 && ratio < 1.0
}

// bestCandidate picks the top-most, then left-most candidate and pads it
// inside the mask's bounds.
func bestCandidate(ink gocv.Mat) (image.Rectangle, bool) {
	contours := gocv.FindContours(ink, gocv.RetrievalExternal, gocv.ChainApproxSimple)
	defer contours.Close()

	var candidates []image.Rectangle
	for i := 0; i < contours.Size(); i++ {
		c := contours.At(i)
		box := gocv.BoundingRect(c)
		if isLineCandidate(box, gocv.ContourArea(c)) {
			candidates = append(candidates, box)
		}
	}
	if len(candidates) == 0 {
		return image.Rectangle{}, false
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].Min.Y != candidates[j].Min.Y {
			return candidates[i].Min.Y < candidates[j].Min.Y
		}
		return candidates[i].Min.X < candidates[j].Min.X
	})
	return padCandidate(candidates[0], ink.Cols(), ink.Rows()), true
}

// padCandidate grows box by the fixed padding; the origin is clamped to 0
// and the size to what remains of the bounds.
func padCandidate(box image.Rectangle, width, height int) image.Rectangle {
	x := max(0, box.Min.X-padX)
	y := max(0, box.Min.Y-padY)
	w := min(width-x, box.Dx()+2*padX)
	h := min(height-y, box.Dy()+2*padY)
	return image.Rect(x, y, x+w, y+h)
}

// findByText reads the prior band and locates a line holding exactly
// IdentifierLength digits through the recognizer's word boxes.
func (d *RegionDetector) findByText(ctx context.Context, ink gocv.Mat) (image.Rectangle, bool) {
	page := invert(ink)
	defer page.Close()

	img, err := EncodePNG(page)
	if err != nil {
		d.logger.Warn("Text search skipped", "error", err)
		return image.Rectangle{}, false
	}

	for _, cfg := range fallbackConfigs {
		text, err := d.recognizer.Text(ctx, img, cfg)
		if err != nil {
			d.logger.Warn("Text search config failed", "config", cfg, "error", err)
			continue
		}

		for _, line := range strings.Split(text, "\n") {
			line = strings.TrimSpace(line)
			digits := DigitsOnly(line)
			if len(digits) != IdentifierLength {
				continue
			}

			words, err := d.recognizer.Words(ctx, img, wordBoxConfig)
			if err != nil {
				d.logger.Warn("Word boxes unavailable", "config", wordBoxConfig, "error", err)
				break
			}
			if box, ok := locateLine(words, line, digits); ok {
				return box, true
			}
		}
	}
	return image.Rectangle{}, false
}

// locateLine returns the box of the first word longer than 10 characters
// that holds the line text or its digit run.
func locateLine(words []ocr.Word, line, digits string) (image.Rectangle, bool) {
	for _, w := range words {
		text := strings.TrimSpace(w.Text)
		if len(text) <= 10 || w.Box.Empty() {
			continue
		}
		if strings.Contains(text, line) || strings.Contains(DigitsOnly(text), digits) {
			return w.Box, true
		}
	}
	return image.Rectangle{}, false
}

// DigitsOnly drops every character outside 0-9
func DigitsOnly(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		if s[i] >= '0' && s[i] <= '9' {
			b.WriteByte(s[i])
		}
	}
	return b.String()
}
