package processor

import (
	"math"
	"regexp"
	"strings"

	"github.com/adverant/nexus/nik-worker/internal/errors"
	"github.com/adverant/nexus/nik-worker/internal/vision"
)

// Placeholder marks a position the recognizer could not read
const Placeholder = '?'

const nikLength = vision.IdentifierLength

var correctionPattern = regexp.MustCompile(`^[0-9]{16}$`)

// ExtractionResult is the best-effort identifier read from one region
type ExtractionResult struct {
	Raw        string  `json:"raw"`        // longest digit run returned by any config
	Digits     string  `json:"digits"`     // Raw padded with '?' or truncated to 16
	Confidence float64 `json:"confidence"` // share of non-placeholder characters, 0..100
	Strategy   string  `json:"strategy,omitempty"`
	Suggestion string  `json:"suggestion,omitempty"` // stored correction for Digits, if any
}

// NewExtractionResult formats raw and scores it
func NewExtractionResult(raw string) ExtractionResult {
	digits := FormatDigits(raw)
	return ExtractionResult{
		Raw:        raw,
		Digits:     digits,
		Confidence: Confidence(digits),
	}
}

// Display groups the digits for presentation
func (r ExtractionResult) Display() string {
	return DisplayGroups(r.Digits)
}

// Percent is the confidence rounded to a whole percentage
func (r ExtractionResult) Percent() int {
	return ConfidencePercent(r.Confidence)
}

// FormatDigits truncates s to 16 characters or right-pads it with '?'
func FormatDigits(s string) string {
	if len(s) >= nikLength {
		return s[:nikLength]
	}
	return s + strings.Repeat(string(Placeholder), nikLength-len(s))
}

// Confidence is 100 * k/16 where k counts non-placeholder characters
func Confidence(formatted string) float64 {
	known := 0
	for i := 0; i < len(formatted) && i < nikLength; i++ {
		if formatted[i] != Placeholder {
			known++
		}
	}
	return float64(known) / nikLength * 100
}

// ConfidencePercent rounds half away from zero, so 37.5 reads as 38
func ConfidencePercent(c float64) int {
	return int(math.Round(c))
}

// DisplayGroups renders "1234 5678 9012 3456"
func DisplayGroups(s string) string {
	var groups []string
	for i := 0; i < len(s); i += 4 {
		groups = append(groups, s[i:min(i+4, len(s))])
	}
	return strings.Join(groups, " ")
}

// ValidateCorrection checks a human correction before it may be stored
func ValidateCorrection(raw, corrected string) error {
	if raw == "" {
		return errors.NewInvalidCorrectionError("no extraction result to correct")
	}
	compact := strings.ReplaceAll(corrected, " ", "")
	if !correctionPattern.MatchString(compact) {
		return errors.NewInvalidCorrectionError("correction must be exactly 16 digits")
	}
	return nil
}

// NormalizeCorrection strips the display grouping spaces
func NormalizeCorrection(corrected string) string {
	return strings.ReplaceAll(corrected, " ", "")
}
