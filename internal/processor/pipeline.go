/**
 * Extraction pipeline
 *
 * One call takes a card image (and optionally a hand-picked region) through
 * detection, preprocessing and reconciliation. Requests carry their own
 * strategy and color profile; the pipeline holds no per-request state.
 */

package processor

import (
	"context"
	"fmt"
	"iter"

	"github.com/adverant/nexus/nik-worker/internal/errors"
	"github.com/adverant/nexus/nik-worker/internal/logging"
	"github.com/adverant/nexus/nik-worker/internal/ocr"
	"github.com/adverant/nexus/nik-worker/internal/vision"
	"gocv.io/x/gocv"
)

// CorrectionStore maps a raw extraction (the unpadded digit run) to its
// human-verified digits
type CorrectionStore interface {
	Get(ctx context.Context, raw string) (string, bool, error)
	Put(ctx context.Context, raw, corrected string) error
}

// DigitExporter files labelled digit images into the training dataset
type DigitExporter interface {
	Export(ctx context.Context, labels string, digits iter.Seq[vision.Digit]) ([]string, error)
}

// Request is one extraction attempt. Image is borrowed, never modified.
type Request struct {
	Image  gocv.Mat
	Region *vision.Region
	Config vision.PreprocessConfig
}

// Outcome carries the result plus the intermediates behind it.
// Close releases Processed.
type Outcome struct {
	Result    ExtractionResult
	Region    vision.Region
	Detection *vision.Detection
	Config    vision.PreprocessConfig
	Attempts  []Attempt
	Processed gocv.Mat
}

func (o *Outcome) Close() {
	if o != nil {
		o.Processed.Close()
	}
}

// PipelineConfig wires the pipeline's collaborators
type PipelineConfig struct {
	Recognizer  ocr.Recognizer
	Corrections CorrectionStore // optional
	Exporter    DigitExporter   // optional
	Scale       float64
	AutoColor   bool
	Logger      *logging.Logger
}

type Pipeline struct {
	detector     *vision.RegionDetector
	preprocessor *vision.Preprocessor
	segmenter    *vision.DigitSegmenter
	reconciler   *Reconciler
	corrections  CorrectionStore
	exporter     DigitExporter
	autoColor    bool
	logger       *logging.Logger
}

func NewPipeline(cfg *PipelineConfig) (*Pipeline, error) {
	if cfg == nil || cfg.Recognizer == nil {
		return nil, fmt.Errorf("recognizer is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.NewLogger("pipeline")
	}

	return &Pipeline{
		detector:     vision.NewRegionDetector(cfg.Recognizer, logger),
		preprocessor: vision.NewPreprocessor(cfg.Scale),
		segmenter:    vision.NewDigitSegmenter(),
		reconciler:   NewReconciler(cfg.Recognizer, logger),
		corrections:  cfg.Corrections,
		exporter:     cfg.Exporter,
		autoColor:    cfg.AutoColor,
		logger:       logger,
	}, nil
}

// Detect locates the identifier region without reading it
func (p *Pipeline) Detect(ctx context.Context, card gocv.Mat) (*vision.Detection, error) {
	return p.detector.Detect(ctx, card)
}

// Extract runs detection (unless req.Region is set), preprocessing and
// reconciliation. A missing region yields an error matching
// errors.ErrRegionNotFound; recognizer failures never do, unless ctx
// itself ends, in which case ctx.Err() is wrapped.
func (p *Pipeline) Extract(ctx context.Context, req Request) (*Outcome, error) {
	if req.Image.Empty() {
		return nil, errors.NewUnsupportedFormatError("", "empty image")
	}
	width, height := req.Image.Cols(), req.Image.Rows()

	cfg := req.Config
	if cfg.Profile != nil {
		profile := *cfg.Profile
		cfg.Profile = &profile
	}

	out := &Outcome{}
	if req.Region != nil {
		out.Region = *req.Region
		if err := out.Region.Validate(width, height); err != nil {
			return nil, err
		}
	} else {
		det, err := p.detector.Detect(ctx, req.Image)
		if err != nil {
			return nil, err
		}
		out.Detection = det
		out.Region = det.Region
		cfg = p.adoptProfile(cfg, det)
	}
	if err := out.Region.CheckFootprint(); err != nil {
		return nil, err
	}

	crop := req.Image.Region(out.Region.Rect())
	defer crop.Close()

	processed, used, err := p.preprocessor.Process(crop, cfg)
	if err != nil {
		return nil, fmt.Errorf("preprocessing failed: %w", err)
	}
	out.Processed = processed
	out.Config = vision.PreprocessConfig{Strategy: used}
	if used == vision.StrategyColor {
		out.Config.Profile = cfg.Profile
	}

	img, err := vision.EncodePNG(processed)
	if err != nil {
		out.Close()
		return nil, err
	}

	raw, attempts := p.reconciler.Reconcile(ctx, img)
	if err := ctx.Err(); err != nil {
		out.Close()
		return nil, fmt.Errorf("recognition interrupted: %w", err)
	}
	out.Attempts = attempts
	out.Result = NewExtractionResult(raw)
	out.Result.Strategy = string(used)

	if p.corrections != nil && raw != "" {
		if corrected, ok, err := p.corrections.Get(ctx, raw); err != nil {
			p.logger.Warn("Correction lookup failed", "raw", raw, "error", err)
		} else if ok {
			out.Result.Suggestion = corrected
		}
	}

	p.logger.Info("Extraction finished",
		"region", out.Region,
		"strategy", used,
		"digits", out.Result.Digits,
		"confidence", fmt.Sprintf("%d%%", out.Result.Percent()))
	return out, nil
}

// adoptProfile lets a profile sampled during detection drive color
// preprocessing when the request did not pin one.
func (p *Pipeline) adoptProfile(cfg vision.PreprocessConfig, det *vision.Detection) vision.PreprocessConfig {
	if det.Profile == nil || cfg.Profile != nil {
		return cfg
	}
	switch {
	case cfg.Strategy == vision.StrategyColor:
		cfg.Profile = det.Profile
	case cfg.Strategy == "" && p.autoColor:
		cfg.Strategy = vision.StrategyColor
		cfg.Profile = det.Profile
	}
	return cfg
}

// Segment yields the characters of a processed region
func (p *Pipeline) Segment(processed gocv.Mat) iter.Seq[vision.Digit] {
	return p.segmenter.Digits(processed)
}

// ExportDigits files the first 16 characters of processed under the
// matching digit of labels and returns the written paths.
func (p *Pipeline) ExportDigits(ctx context.Context, processed gocv.Mat, labels string) ([]string, error) {
	if p.exporter == nil {
		return nil, fmt.Errorf("no training dataset configured")
	}
	labels = NormalizeCorrection(labels)
	if err := ValidateCorrection(labels, labels); err != nil {
		return nil, err
	}
	return p.exporter.Export(ctx, labels, firstN(p.Segment(processed), nikLength))
}

// Correct validates and stores a human correction keyed by the raw digit
// run the reconciler returned (ExtractionResult.Raw), before padding.
func (p *Pipeline) Correct(ctx context.Context, raw, corrected string) error {
	if err := ValidateCorrection(raw, corrected); err != nil {
		return err
	}
	if p.corrections == nil {
		return fmt.Errorf("no correction store configured")
	}
	if err := p.corrections.Put(ctx, raw, NormalizeCorrection(corrected)); err != nil {
		return errors.NewStorageFailedError("", err)
	}
	p.logger.Info("Correction stored", "raw", raw)
	return nil
}

func firstN[T any](seq iter.Seq[T], n int) iter.Seq[T] {
	return func(yield func(T) bool) {
		if n <= 0 {
			return
		}
		i := 0
		for v := range seq {
			if !yield(v) {
				return
			}
			i++
			if i == n {
				return
			}
		}
	}
}
