package errors

import (
	stderrors "errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type rect string

func (r rect) String() string { return string(r) }

func TestIsMatchesByCode(t *testing.T) {
	err := fmt.Errorf("detect: %w", NewRegionNotFoundError(800, 500))

	assert.True(t, stderrors.Is(err, ErrRegionNotFound))
	assert.False(t, stderrors.Is(err, ErrDegenerateRegion))

	code, ok := CodeOf(err)
	require.True(t, ok)
	assert.Equal(t, ErrorRegionNotFound, code)
}

func TestCodeOfPlainError(t *testing.T) {
	_, ok := CodeOf(stderrors.New("boom"))
	assert.False(t, ok)
}

func TestToMapIncludesDetailsAndCause(t *testing.T) {
	cause := stderrors.New("deadline")
	pe := NewProcessingTimeoutError("job-1", 2*time.Second, cause)

	m := pe.ToMap()
	assert.Equal(t, "PROCESSING_TIMEOUT", m["error_code"])
	assert.Equal(t, "2s", m["timeout_duration"])
	assert.Equal(t, "deadline", m["cause"])
	assert.ErrorIs(t, pe, cause)
}

func TestDegenerateRegionMessage(t *testing.T) {
	pe := NewDegenerateRegionError(rect("(1,1)-(5,3)"), "smaller than 10x5")
	assert.Contains(t, pe.Error(), "DEGENERATE_REGION")
	assert.Contains(t, pe.Error(), "(1,1)-(5,3)")
	assert.Equal(t, "job-9", pe.WithJob("job-9").JobID)
	assert.Empty(t, pe.JobID)
}
