// Command nikctl runs the NIK pipeline from the command line.
//
//	nikctl extract -image card.jpg [-region x1,y1,x2,y2] [-strategy color] [-ink #1e3c78]
//	nikctl export  -image card.jpg -labels 3301234567890123 [-region ...]
//	nikctl correct -raw 330123456789 -value 3301234567890123
//	nikctl enqueue -image card.jpg | -url https://... [-region ...] [-labels ...]
//	nikctl result  -job <id>
//	nikctl similar -image digit.png [-limit 5]
//	nikctl stats
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/disintegration/imaging"
	"github.com/joho/godotenv"
	"gocv.io/x/gocv"

	"github.com/adverant/nexus/nik-worker/internal/config"
	"github.com/adverant/nexus/nik-worker/internal/logging"
	"github.com/adverant/nexus/nik-worker/internal/ocr"
	"github.com/adverant/nexus/nik-worker/internal/processor"
	"github.com/adverant/nexus/nik-worker/internal/queue"
	"github.com/adverant/nexus/nik-worker/internal/storage"
	"github.com/adverant/nexus/nik-worker/internal/vision"
)

func usage() {
	fmt.Fprintf(os.Stderr, "usage: nikctl <extract|export|correct|enqueue|result|similar|stats> [flags]\n")
	os.Exit(2)
}

func main() {
	log.SetFlags(0)
	if len(os.Args) < 2 {
		usage()
	}
	if err := godotenv.Load(".env.nik"); err != nil && !os.IsNotExist(err) {
		log.Printf("Warning: failed to read .env.nik: %v", err)
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	ctx := context.Background()
	args := os.Args[2:]

	switch os.Args[1] {
	case "extract":
		err = runExtract(ctx, cfg, args)
	case "export":
		err = runExport(ctx, cfg, args)
	case "correct":
		err = runCorrect(ctx, cfg, args)
	case "enqueue":
		err = runEnqueue(ctx, cfg, args)
	case "result":
		err = runResult(ctx, cfg, args)
	case "similar":
		err = runSimilar(ctx, cfg, args)
	case "stats":
		err = runStats(ctx, cfg)
	default:
		usage()
	}
	if err != nil {
		log.Fatalf("nikctl %s: %v", os.Args[1], err)
	}
}

// extractFlags are shared by extract and export
type extractFlags struct {
	image     string
	region    string
	strategy  string
	ink       string
	tolerance int
	asJSON    bool
}

func (f *extractFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&f.image, "image", "", "card image path")
	fs.StringVar(&f.region, "region", "", "manual region x1,y1,x2,y2 (skips detection)")
	fs.StringVar(&f.strategy, "strategy", "", "adaptive, color, edge or contrast")
	fs.StringVar(&f.ink, "ink", "", "ink color #rrggbb for the color strategy")
	fs.IntVar(&f.tolerance, "tolerance", 0, "ink color tolerance (0 uses COLOR_TOLERANCE)")
	fs.BoolVar(&f.asJSON, "json", false, "print the result as JSON")
}

func (f *extractFlags) request(cfg *config.Config, card gocv.Mat) (processor.Request, error) {
	req := processor.Request{Image: card}

	if f.region != "" {
		r, err := vision.ParseRegion(f.region)
		if err != nil {
			return req, err
		}
		req.Region = &r
	}
	if f.strategy != "" {
		s, err := vision.ParseStrategy(f.strategy)
		if err != nil {
			return req, err
		}
		req.Config.Strategy = s
	}
	if f.ink != "" {
		target, err := vision.ParseColor(f.ink)
		if err != nil {
			return req, err
		}
		tolerance := f.tolerance
		if tolerance <= 0 {
			tolerance = cfg.ColorTolerance
		}
		req.Config.Profile = &vision.ColorProfile{Target: target, Tolerance: tolerance}
	}
	return req, nil
}

// env bundles what the local subcommands share
type env struct {
	storage  *storage.StorageManager
	pipeline *processor.Pipeline
}

func newEnv(ctx context.Context, cfg *config.Config) (*env, error) {
	sm, err := storage.NewStorageManager(ctx, &storage.ManagerConfig{
		DatabaseURL:      cfg.DatabaseURL,
		QdrantURL:        cfg.QdrantURL,
		QdrantCollection: cfg.QdrantCollection,
		TrainingDir:      cfg.TrainingDir,
		DatasetDir:       cfg.DatasetDir,
	})
	if err != nil {
		return nil, err
	}

	tesseract, err := ocr.NewTesseract(&ocr.TesseractConfig{
		Language:       cfg.TesseractLanguage,
		TessdataPrefix: cfg.TessdataPrefix,
	})
	if err != nil {
		sm.Close()
		return nil, err
	}

	logger := logging.NewLogger("nikctl")
	logger.SetLevel(logging.ParseLevel(cfg.LogLevel))

	pipeline, err := processor.NewPipeline(&processor.PipelineConfig{
		Recognizer:  ocr.WithTimeout(tesseract, time.Duration(cfg.RecognitionTimeout)*time.Millisecond),
		Corrections: sm.Corrections(),
		Exporter:    sm.Dataset(),
		Scale:       cfg.UpscaleFactor,
		AutoColor:   cfg.AutoColor,
		Logger:      logger,
	})
	if err != nil {
		sm.Close()
		return nil, err
	}
	return &env{storage: sm, pipeline: pipeline}, nil
}

func (e *env) Close() {
	e.storage.Close()
}

// loadCard opens path honoring EXIF orientation, as phone photos need
func loadCard(path string) (gocv.Mat, error) {
	img, err := imaging.Open(path, imaging.AutoOrientation(true))
	if err != nil {
		return gocv.NewMat(), fmt.Errorf("failed to open %s: %w", path, err)
	}
	return vision.FromImage(img)
}

func extract(ctx context.Context, cfg *config.Config, e *env, f *extractFlags) (*processor.Outcome, error) {
	if f.image == "" {
		return nil, fmt.Errorf("-image is required")
	}
	card, err := loadCard(f.image)
	if err != nil {
		return nil, err
	}
	defer card.Close()

	req, err := f.request(cfg, card)
	if err != nil {
		return nil, err
	}
	return e.pipeline.Extract(ctx, req)
}

func printOutcome(out *processor.Outcome, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(struct {
			processor.ExtractionResult
			Display string        `json:"display"`
			Percent int           `json:"percent"`
			Region  vision.Region `json:"region"`
		}{out.Result, out.Result.Display(), out.Result.Percent(), out.Region})
	}

	fmt.Printf("NIK:        %s\n", out.Result.Display())
	fmt.Printf("Raw:        %s\n", out.Result.Raw)
	fmt.Printf("Confidence: %d%%\n", out.Result.Percent())
	fmt.Printf("Strategy:   %s\n", out.Result.Strategy)
	fmt.Printf("Region:     %s\n", out.Region)
	if out.Detection != nil {
		fmt.Printf("Detected:   %s\n", out.Detection.Method)
	}
	if out.Config.Profile != nil {
		fmt.Printf("Ink color:  %s (tolerance %d)\n", out.Config.Profile.Target.Hex(), out.Config.Profile.Tolerance)
	}
	if out.Result.Suggestion != "" {
		fmt.Printf("Suggestion: %s (stored correction)\n", processor.DisplayGroups(out.Result.Suggestion))
	}
	return nil
}

func runExtract(ctx context.Context, cfg *config.Config, args []string) error {
	var f extractFlags
	fs := flag.NewFlagSet("extract", flag.ExitOnError)
	f.register(fs)
	fs.Parse(args)

	e, err := newEnv(ctx, cfg)
	if err != nil {
		return err
	}
	defer e.Close()

	out, err := extract(ctx, cfg, e, &f)
	if err != nil {
		return err
	}
	defer out.Close()
	if !f.asJSON {
		n := 0
		for range e.pipeline.Segment(out.Processed) {
			n++
		}
		fmt.Printf("Characters: %d segmented\n", n)
	}
	return printOutcome(out, f.asJSON)
}

func runExport(ctx context.Context, cfg *config.Config, args []string) error {
	var f extractFlags
	var labels string
	fs := flag.NewFlagSet("export", flag.ExitOnError)
	f.register(fs)
	fs.StringVar(&labels, "labels", "", "the 16 verified digits of the card")
	fs.Parse(args)

	e, err := newEnv(ctx, cfg)
	if err != nil {
		return err
	}
	defer e.Close()

	out, err := extract(ctx, cfg, e, &f)
	if err != nil {
		return err
	}
	defer out.Close()

	paths, err := e.pipeline.ExportDigits(ctx, out.Processed, labels)
	if err != nil {
		return err
	}
	for _, p := range paths {
		fmt.Println(p)
	}
	fmt.Printf("Exported %d digit images to %s\n", len(paths), e.storage.Dataset().Root())
	return nil
}

func runCorrect(ctx context.Context, cfg *config.Config, args []string) error {
	var raw, value string
	fs := flag.NewFlagSet("correct", flag.ExitOnError)
	fs.StringVar(&raw, "raw", "", "raw digit run of the extraction, e.g. 330123 (see extract -json)")
	fs.StringVar(&value, "value", "", "corrected 16 digits (spaces allowed)")
	fs.Parse(args)

	e, err := newEnv(ctx, cfg)
	if err != nil {
		return err
	}
	defer e.Close()

	if err := e.pipeline.Correct(ctx, raw, value); err != nil {
		return err
	}
	fmt.Printf("Stored correction %s -> %s\n", raw, processor.NormalizeCorrection(value))
	return nil
}

// queueClient is the producer side both queue backends offer
type queueClient interface {
	Enqueue(ctx context.Context, job *queue.ExtractionJob) (string, error)
	Result(ctx context.Context, jobID string) (*processor.JobResult, error)
	GetStats(ctx context.Context) (map[string]int64, error)
}

// openQueue connects to the configured backend without starting workers
func openQueue(ctx context.Context, cfg *config.Config) (queueClient, func(), error) {
	if cfg.QueueBackend == "asynq" {
		c, err := queue.NewConsumer(&queue.ConsumerConfig{
			RedisURL:   cfg.RedisURL,
			QueueName:  cfg.QueueName,
			MaxRetries: cfg.JobMaxRetries,
		})
		if err != nil {
			return nil, nil, err
		}
		return c, func() { c.Stop(ctx) }, nil
	}

	c, err := queue.NewRedisConsumer(&queue.RedisConsumerConfig{
		RedisURL:   cfg.RedisURL,
		QueueName:  cfg.QueueName,
		MaxRetries: cfg.JobMaxRetries,
	})
	if err != nil {
		return nil, nil, err
	}
	return c, func() { c.Stop() }, nil
}

func runEnqueue(ctx context.Context, cfg *config.Config, args []string) error {
	var image, url, region, strategy, ink, labels, user string
	fs := flag.NewFlagSet("enqueue", flag.ExitOnError)
	fs.StringVar(&image, "image", "", "card image path (sent inline)")
	fs.StringVar(&url, "url", "", "card image URL (downloaded by the worker)")
	fs.StringVar(&region, "region", "", "manual region x1,y1,x2,y2")
	fs.StringVar(&strategy, "strategy", "", "adaptive, color, edge or contrast")
	fs.StringVar(&ink, "ink", "", "ink color #rrggbb")
	fs.StringVar(&labels, "labels", "", "verified digits to export after extraction")
	fs.StringVar(&user, "user", "nikctl", "user id recorded with the job")
	fs.Parse(args)

	job := &queue.ExtractionJob{
		UserID:       user,
		ImageURL:     url,
		Strategy:     strategy,
		InkColor:     ink,
		ExportLabels: labels,
	}
	switch {
	case image != "":
		data, err := os.ReadFile(image)
		if err != nil {
			return err
		}
		job.ImageBuffer = data
		job.Filename = filepath.Base(image)
	case url != "":
		job.Filename = filepath.Base(url)
	default:
		return fmt.Errorf("-image or -url is required")
	}
	if region != "" {
		r, err := vision.ParseRegion(region)
		if err != nil {
			return err
		}
		job.Region = &r
	}

	q, closeQueue, err := openQueue(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeQueue()

	id, err := q.Enqueue(ctx, job)
	if err != nil {
		return err
	}
	fmt.Printf("Enqueued job %s on %s (%s)\n", id, cfg.QueueName, cfg.QueueBackend)
	return nil
}

func runResult(ctx context.Context, cfg *config.Config, args []string) error {
	var jobID string
	fs := flag.NewFlagSet("result", flag.ExitOnError)
	fs.StringVar(&jobID, "job", "", "job id printed by enqueue")
	fs.Parse(args)
	if jobID == "" {
		return fmt.Errorf("-job is required")
	}

	q, closeQueue, err := openQueue(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeQueue()

	result, err := q.Result(ctx, jobID)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(result)
}

func runSimilar(ctx context.Context, cfg *config.Config, args []string) error {
	var image string
	var limit int
	fs := flag.NewFlagSet("similar", flag.ExitOnError)
	fs.StringVar(&image, "image", "", "digit image path")
	fs.IntVar(&limit, "limit", 5, "number of matches")
	fs.Parse(args)

	if cfg.QdrantURL == "" {
		return fmt.Errorf("QDRANT_URL is not set")
	}
	img, err := imaging.Open(image)
	if err != nil {
		return err
	}

	index, err := storage.NewGlyphIndex(cfg.QdrantURL, cfg.QdrantCollection)
	if err != nil {
		return err
	}
	defer index.Close()

	matches, err := index.Similar(ctx, storage.GlyphVector(img), limit)
	if err != nil {
		return err
	}
	for _, m := range matches {
		fmt.Printf("%s  %.4f  %s\n", m.Label, m.Score, m.Path)
	}
	return nil
}

func runStats(ctx context.Context, cfg *config.Config) error {
	sm, err := storage.NewStorageManager(ctx, &storage.ManagerConfig{
		DatabaseURL:      cfg.DatabaseURL,
		QdrantURL:        cfg.QdrantURL,
		QdrantCollection: cfg.QdrantCollection,
		TrainingDir:      cfg.TrainingDir,
		DatasetDir:       cfg.DatasetDir,
	})
	if err != nil {
		return err
	}
	defer sm.Close()

	stats, err := sm.GetStats(ctx)
	if err != nil {
		return err
	}

	if q, closeQueue, err := openQueue(ctx, cfg); err != nil {
		stats["queue"] = map[string]interface{}{"error": err.Error()}
	} else {
		defer closeQueue()
		counts, err := q.GetStats(ctx)
		if err != nil {
			stats["queue"] = map[string]interface{}{"error": err.Error()}
		} else {
			stats["queue"] = map[string]interface{}{
				"backend": cfg.QueueBackend,
				"name":    cfg.QueueName,
				"jobs":    counts,
			}
		}
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(stats)
}
