package ocr

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/otiai10/gosseract/v2"
)

// Tesseract recognizes text through a fresh gosseract client per call;
// gosseract clients are not safe to share across goroutines.
type Tesseract struct {
	language       string
	tessdataPrefix string
}

// TesseractConfig holds Tesseract configuration
type TesseractConfig struct {
	Language       string
	TessdataPrefix string
}

// NewTesseract creates a Tesseract recognizer
func NewTesseract(cfg *TesseractConfig) (*Tesseract, error) {
	if cfg == nil {
		cfg = &TesseractConfig{}
	}
	if cfg.Language == "" {
		cfg.Language = "eng"
	}
	if cfg.TessdataPrefix != "" {
		if _, err := os.Stat(cfg.TessdataPrefix); err != nil {
			return nil, fmt.Errorf("tessdata directory unavailable: %w", err)
		}
	}

	return &Tesseract{
		language:       cfg.Language,
		tessdataPrefix: cfg.TessdataPrefix,
	}, nil
}

// Text returns the raw recognized text for img under cfg
func (t *Tesseract) Text(ctx context.Context, img []byte, cfg Config) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	client, err := t.client(img, cfg)
	if err != nil {
		return "", err
	}
	defer client.Close()

	text, err := client.Text()
	if err != nil {
		return "", fmt.Errorf("tesseract OCR failed (%s): %w", cfg, err)
	}
	return text, nil
}

// Words returns word-level boxes for img under cfg
func (t *Tesseract) Words(ctx context.Context, img []byte, cfg Config) ([]Word, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	client, err := t.client(img, cfg)
	if err != nil {
		return nil, err
	}
	defer client.Close()

	boxes, err := client.GetBoundingBoxes(gosseract.RIL_WORD)
	if err != nil {
		return nil, fmt.Errorf("tesseract word boxes failed (%s): %w", cfg, err)
	}

	words := make([]Word, 0, len(boxes))
	for _, box := range boxes {
		if strings.TrimSpace(box.Word) == "" {
			continue
		}
		words = append(words, Word{
			Text:       box.Word,
			Confidence: box.Confidence,
			Box:        box.Box,
		})
	}
	return words, nil
}

func (t *Tesseract) client(img []byte, cfg Config) (*gosseract.Client, error) {
	client := gosseract.NewClient()

	if t.tessdataPrefix != "" {
		client.TessdataPrefix = t.tessdataPrefix
	}
	if err := client.SetLanguage(t.language); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to set language: %w", err)
	}
	if err := client.SetPageSegMode(gosseract.PageSegMode(cfg.Mode)); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to set PSM: %w", err)
	}
	if cfg.Whitelist != "" {
		if err := client.SetWhitelist(cfg.Whitelist); err != nil {
			client.Close()
			return nil, fmt.Errorf("failed to set whitelist: %w", err)
		}
	}
	if err := client.SetImageFromBytes(img); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to set image: %w", err)
	}
	return client, nil
}
