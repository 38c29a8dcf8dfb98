package ocr

import (
	"context"
	"errors"
	"image"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigString(t *testing.T) {
	assert.Equal(t, "--psm 7 whitelist=0123456789", Config{Mode: SingleLine, Whitelist: DigitWhitelist}.String())
	assert.Equal(t, "--psm 6", Config{Mode: SingleBlock}.String())
	assert.Equal(t, "auto", Auto.String())
	assert.Equal(t, "raw-line", RawLine.String())
	assert.Equal(t, "psm-11", PageSegMode(11).String())
}

func TestStubAnswersByMode(t *testing.T) {
	boom := errors.New("engine crashed")
	s := NewStub(map[PageSegMode]StubResponse{
		SingleLine: {Text: "3301 2345"},
		SingleWord: {Err: boom},
		SingleBlock: {Words: []Word{{Text: "NIK", Box: image.Rect(0, 0, 10, 10)}}},
	})
	ctx := context.Background()

	text, err := s.Text(ctx, nil, Config{Mode: SingleLine})
	require.NoError(t, err)
	assert.Equal(t, "3301 2345", text)

	_, err = s.Text(ctx, nil, Config{Mode: SingleWord})
	assert.ErrorIs(t, err, boom)

	_, err = s.Text(ctx, nil, Config{Mode: RawLine})
	assert.ErrorIs(t, err, ErrNoResponse)

	words, err := s.Words(ctx, nil, Config{Mode: SingleBlock})
	require.NoError(t, err)
	assert.Len(t, words, 1)

	assert.Len(t, s.Calls(), 4)
}

func TestWithTimeoutTreatsSlowCallAsFailure(t *testing.T) {
	s := NewStub(map[PageSegMode]StubResponse{
		SingleLine: {Text: "1", Delay: time.Second},
		SingleWord: {Text: "2"},
	})
	r := WithTimeout(s, 20*time.Millisecond)

	_, err := r.Text(context.Background(), nil, Config{Mode: SingleLine})
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	text, err := r.Text(context.Background(), nil, Config{Mode: SingleWord})
	require.NoError(t, err)
	assert.Equal(t, "2", text)
}

func TestWithTimeoutZeroIsPassthrough(t *testing.T) {
	s := NewStub(nil)
	assert.Same(t, Recognizer(s), WithTimeout(s, 0))
}

func TestTesseractReadsDigits(t *testing.T) {
	fixture := "testdata/nik_line.png"
	img, err := os.ReadFile(fixture)
	if err != nil {
		t.Skipf("fixture %s not available: %v", fixture, err)
	}

	tess, err := NewTesseract(&TesseractConfig{Language: "eng"})
	require.NoError(t, err)

	text, err := tess.Text(context.Background(), img, Config{Mode: SingleLine, Whitelist: DigitWhitelist})
	require.NoError(t, err)
	assert.NotEmpty(t, text)
}
