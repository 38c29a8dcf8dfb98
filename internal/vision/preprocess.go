package vision

import (
	"fmt"
	"image"
	"strings"

	"gocv.io/x/gocv"
)

// Strategy names one binarization pipeline
type Strategy string

const (
	StrategyAdaptive Strategy = "adaptive"
	StrategyColor    Strategy = "color"
	StrategyEdge     Strategy = "edge"
	StrategyContrast Strategy = "contrast"
)

// DefaultScale is the linear upscale applied before binarization
const DefaultScale = 5.0

// ParseStrategy accepts the strategy names case-insensitively; empty means adaptive
func ParseStrategy(s string) (Strategy, error) {
	switch st := Strategy(strings.ToLower(strings.TrimSpace(s))); st {
	case "":
		return StrategyAdaptive, nil
	case StrategyAdaptive, StrategyColor, StrategyEdge, StrategyContrast:
		return st, nil
	default:
		return "", fmt.Errorf("unknown preprocessing strategy %q", s)
	}
}

// PreprocessConfig selects a strategy; Profile is read only by StrategyColor
type PreprocessConfig struct {
	Strategy Strategy      `json:"strategy"`
	Profile  *ColorProfile `json:"profile,omitempty"`
}

// Effective resolves the strategy that will actually run
func (c PreprocessConfig) Effective() Strategy {
	switch c.Strategy {
	case "":
		return StrategyAdaptive
	case StrategyColor:
		if c.Profile == nil {
			return StrategyAdaptive
		}
	}
	return c.Strategy
}

// Preprocessor turns a card sub-image into a binary image upscaled by Scale.
//
// Every strategy builds an ink mask (ink = 255) so morphology acts on the
// strokes, then inverts it: output ink is 0 on a 255 background.
type Preprocessor struct {
	Scale float64
}

func NewPreprocessor(scale float64) *Preprocessor {
	if scale <= 0 {
		scale = DefaultScale
	}
	return &Preprocessor{Scale: scale}
}

// Process returns the binary image and the strategy that produced it.
// The caller owns the returned Mat.
func (p *Preprocessor) Process(src gocv.Mat, cfg PreprocessConfig) (gocv.Mat, Strategy, error) {
	if src.Empty() {
		return gocv.NewMat(), "", fmt.Errorf("cannot preprocess an empty image")
	}

	strategy := cfg.Effective()
	var ink gocv.Mat
	switch strategy {
	case StrategyAdaptive:
		ink = p.adaptive(src)
	case StrategyColor:
		ink = p.color(src, *cfg.Profile)
	case StrategyEdge:
		ink = p.edge(src)
	case StrategyContrast:
		ink = p.contrast(src)
	default:
		return gocv.NewMat(), "", fmt.Errorf("unknown preprocessing strategy %q", strategy)
	}
	defer ink.Close()

	return invert(ink), strategy, nil
}

func (p *Preprocessor) upscaledGray(src gocv.Mat) gocv.Mat {
	gray := toGray(src)
	defer gray.Close()
	return p.upscale(gray)
}

func (p *Preprocessor) upscale(src gocv.Mat) gocv.Mat {
	dst := gocv.NewMat()
	gocv.Resize(src, &dst, image.Point{}, p.Scale, p.Scale, gocv.InterpolationCubic)
	return dst
}

func denoise(src gocv.Mat, h float32) gocv.Mat {
	dst := gocv.NewMat()
	gocv.FastNlMeansDenoisingWithParams(src, &dst, h, 7, 21)
	return dst
}

func equalize(src gocv.Mat, clip float64, tile int) gocv.Mat {
	clahe := gocv.NewCLAHEWithParams(clip, image.Pt(tile, tile))
	defer clahe.Close()

	dst := gocv.NewMat()
	clahe.Apply(src, &dst)
	return dst
}

func adaptiveInk(src gocv.Mat, block int, c float32) gocv.Mat {
	dst := gocv.NewMat()
	gocv.AdaptiveThreshold(src, &dst, 255, gocv.AdaptiveThresholdGaussian, gocv.ThresholdBinaryInv, block, c)
	return dst
}

func (p *Preprocessor) adaptive(src gocv.Mat) gocv.Mat {
	m := p.upscaledGray(src)
	replace(&m, denoise(m, 12))

	smooth := gocv.NewMat()
	gocv.BilateralFilter(m, &smooth, 9, 75, 75)
	replace(&m, smooth)
	replace(&m, equalize(m, 3.0, 8))

	fine := adaptiveInk(m, 15, 10)
	defer fine.Close()
	coarse := adaptiveInk(m, 25, 15)
	defer coarse.Close()

	// ink only where both neighborhoods agree
	both := gocv.NewMat()
	gocv.BitwiseAnd(fine, coarse, &both)
	replace(&m, both)

	replace(&m, morph(m, gocv.MorphOpen, 2, 1))
	replace(&m, morph(m, gocv.MorphClose, 3, 1))

	blurred := gocv.NewMat()
	gocv.MedianBlur(m, &blurred, 3)
	replace(&m, blurred)
	return m
}

func (p *Preprocessor) color(src gocv.Mat, profile ColorProfile) gocv.Mat {
	bgr := toBGR(src)
	defer bgr.Close()
	scaled := p.upscale(bgr)
	defer scaled.Close()

	lower, upper := profile.Band()
	m := gocv.NewMat()
	gocv.InRangeWithScalar(scaled, lower, upper, &m)

	replace(&m, morph(m, gocv.MorphClose, 2, 1))
	replace(&m, morph(m, gocv.MorphOpen, 2, 1))
	return m
}

func (p *Preprocessor) edge(src gocv.Mat) gocv.Mat {
	m := p.upscaledGray(src)
	replace(&m, denoise(m, 10))

	edges := gocv.NewMat()
	gocv.Canny(m, &edges, 50, 150)
	replace(&m, edges)

	kernel := gocv.GetStructuringElement(gocv.MorphRect, image.Pt(3, 3))
	defer kernel.Close()
	for i := 0; i < 2; i++ {
		dilated := gocv.NewMat()
		gocv.Dilate(m, &dilated, kernel)
		replace(&m, dilated)
	}

	replace(&m, morph(m, gocv.MorphClose, 3, 2))
	return m
}

func (p *Preprocessor) contrast(src gocv.Mat) gocv.Mat {
	m := p.upscaledGray(src)
	replace(&m, denoise(m, 15))
	replace(&m, equalize(m, 4.0, 4))

	kernel := sharpenKernel()
	defer kernel.Close()
	sharp := gocv.NewMat()
	gocv.Filter2D(m, &sharp, -1, kernel, image.Pt(-1, -1), 0, gocv.BorderDefault)
	replace(&m, sharp)

	bin := gocv.NewMat()
	gocv.Threshold(m, &bin, 0, 255, gocv.ThresholdBinaryInv|gocv.ThresholdOtsu)
	replace(&m, bin)

	replace(&m, morph(m, gocv.MorphOpen, 2, 1))
	return m
}

func sharpenKernel() gocv.Mat {
	k := gocv.NewMatWithSize(3, 3, gocv.MatTypeCV32F)
	for y := 0; y < 3; y++ {
		for x := 0; x < 3; x++ {
			k.SetFloatAt(y, x, -1)
		}
	}
	k.SetFloatAt(1, 1, 9)
	return k
}
