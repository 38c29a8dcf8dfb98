package processor

import (
	"context"
	"sync"

	"github.com/adverant/nexus/nik-worker/internal/errors"
	"github.com/adverant/nexus/nik-worker/internal/logging"
	"github.com/adverant/nexus/nik-worker/internal/ocr"
	"github.com/adverant/nexus/nik-worker/internal/vision"
)

// DefaultConfigs are tried for every extraction, in this order:
// single line, single word, raw line without layout analysis.
var DefaultConfigs = []ocr.Config{
	{Mode: ocr.SingleLine, Whitelist: ocr.DigitWhitelist},
	{Mode: ocr.SingleWord, Whitelist: ocr.DigitWhitelist},
	{Mode: ocr.RawLine, Whitelist: ocr.DigitWhitelist},
}

// Attempt is the outcome of one recognizer config
type Attempt struct {
	Config ocr.Config
	Digits string
	Err    error
}

// Reconciler runs every config against a processed region and keeps the
// longest digit string; ties go to the earlier config.
type Reconciler struct {
	recognizer ocr.Recognizer
	configs    []ocr.Config
	logger     *logging.Logger
}

func NewReconciler(recognizer ocr.Recognizer, logger *logging.Logger, configs ...ocr.Config) *Reconciler {
	if len(configs) == 0 {
		configs = DefaultConfigs
	}
	if logger == nil {
		logger = logging.NewLogger("reconcile")
	}
	return &Reconciler{recognizer: recognizer, configs: configs, logger: logger}
}

// Reconcile returns the winning digit run and every attempt in declared
// order. Configs run concurrently; a failing config is skipped.
func (r *Reconciler) Reconcile(ctx context.Context, img []byte) (string, []Attempt) {
	attempts := make([]Attempt, len(r.configs))

	var wg sync.WaitGroup
	for i, cfg := range r.configs {
		wg.Add(1)
		go func(i int, cfg ocr.Config) {
			defer wg.Done()
			attempts[i].Config = cfg
			text, err := r.recognizer.Text(ctx, img, cfg)
			if err != nil {
				attempts[i].Err = errors.NewRecognitionFailedError(cfg.String(), err)
				return
			}
			attempts[i].Digits = vision.DigitsOnly(text)
		}(i, cfg)
	}
	wg.Wait()

	best := ""
	failed := 0
	for _, a := range attempts {
		if a.Err != nil {
			failed++
			r.logger.Warn("Recognition config skipped", "config", a.Config, "error", a.Err)
			continue
		}
		if len(a.Digits) > len(best) {
			best = a.Digits
		}
	}
	if failed == len(attempts) {
		r.logger.Error("All recognition configs failed", "configs", len(attempts))
	}
	return best, attempts
}
