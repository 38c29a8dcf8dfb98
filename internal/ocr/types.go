/**
 * Recognition capability shared by region detection and reconciliation
 *
 * Callers depend on Recognizer only; Tesseract is the production engine
 * and Stub the deterministic stand-in for tests.
 */

package ocr

import (
	"context"
	"fmt"
	"image"
)

// PageSegMode mirrors Tesseract's page segmentation numbering
type PageSegMode int

const (
	Auto        PageSegMode = 3
	SingleBlock PageSegMode = 6
	SingleLine  PageSegMode = 7
	SingleWord  PageSegMode = 8
	RawLine     PageSegMode = 13
)

func (m PageSegMode) String() string {
	switch m {
	case Auto:
		return "auto"
	case SingleBlock:
		return "single-block"
	case SingleLine:
		return "single-line"
	case SingleWord:
		return "single-word"
	case RawLine:
		return "raw-line"
	default:
		return fmt.Sprintf("psm-%d", int(m))
	}
}

// DigitWhitelist restricts recognizer output to ASCII digits
const DigitWhitelist = "0123456789"

// Config selects a page segmentation mode and an optional whitelist
type Config struct {
	Mode      PageSegMode
	Whitelist string
}

func (c Config) String() string {
	if c.Whitelist == "" {
		return fmt.Sprintf("--psm %d", int(c.Mode))
	}
	return fmt.Sprintf("--psm %d whitelist=%s", int(c.Mode), c.Whitelist)
}

// Word is one recognized word with its box in input-image pixels
type Word struct {
	Text       string
	Confidence float64
	Box        image.Rectangle
}

// Recognizer reads text from an encoded (PNG) image.
// Implementations must be safe for concurrent use.
type Recognizer interface {
	Text(ctx context.Context, img []byte, cfg Config) (string, error)
	Words(ctx context.Context, img []byte, cfg Config) ([]Word, error)
}
