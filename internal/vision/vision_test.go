package vision

import (
	"context"
	"image"
	"image/color"
	"testing"

	"github.com/adverant/nexus/nik-worker/internal/errors"
	"github.com/adverant/nexus/nik-worker/internal/logging"
	"github.com/adverant/nexus/nik-worker/internal/ocr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gocv.io/x/gocv"
)

func canvas(w, h int, gray float64) gocv.Mat {
	return gocv.NewMatWithSizeFromScalar(gocv.NewScalar(gray, gray, gray, 0), h, w, gocv.MatTypeCV8UC3)
}

func grayCanvas(w, h int, v float64) gocv.Mat {
	return gocv.NewMatWithSizeFromScalar(gocv.NewScalar(v, 0, 0, 0), h, w, gocv.MatTypeCV8UC1)
}

// fill paints the inclusive rectangle r
func fill(m *gocv.Mat, r image.Rectangle, c color.RGBA) {
	gocv.Rectangle(m, r, c, -1)
}

func quietLogger() *logging.Logger {
	l := logging.NewLogger("test")
	l.SetLevel(logging.LevelError)
	return l
}

func TestRegionValidate(t *testing.T) {
	tests := []struct {
		name string
		r    Region
		ok   bool
	}{
		{"inside", Region{0, 0, 100, 50}, true},
		{"exceeds width", Region{0, 0, 101, 50}, false},
		{"negative", Region{-1, 0, 10, 10}, false},
		{"empty", Region{10, 10, 10, 20}, false},
		{"inverted", Region{20, 10, 10, 20}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.r.Validate(100, 50)
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, errors.ErrDegenerateRegion)
			}
		})
	}
}

func TestRegionFootprintAndClamp(t *testing.T) {
	assert.NoError(t, Region{0, 0, 10, 5}.CheckFootprint())
	assert.ErrorIs(t, Region{0, 0, 9, 40}.CheckFootprint(), errors.ErrDegenerateRegion)
	assert.ErrorIs(t, Region{0, 0, 40, 4}.CheckFootprint(), errors.ErrDegenerateRegion)

	assert.Equal(t, Region{90, 0, 100, 30}, Region{90, -5, 140, 30}.Clamp(100, 50))
}

func TestParseRegion(t *testing.T) {
	r, err := ParseRegion("12, 34,560,78")
	require.NoError(t, err)
	assert.Equal(t, Region{12, 34, 560, 78}, r)

	_, err = ParseRegion("1,2,3")
	assert.Error(t, err)
	_, err = ParseRegion("1,2,x,4")
	assert.Error(t, err)
}

func TestPriorRegion(t *testing.T) {
	assert.Equal(t, Region{200, 90, 750, 150}, PriorRegion(1000, 600))
}

func TestProfileColorFindsInk(t *testing.T) {
	img := canvas(100, 60, 255)
	defer img.Close()
	fill(&img, image.Rect(20, 20, 79, 39), color.RGBA{R: 200, G: 60, B: 30})

	p, ok := ProfileColor(img)
	require.True(t, ok)
	assert.Equal(t, Color{B: 30, G: 60, R: 200}, p.Target)
	assert.Equal(t, 51, p.Tolerance)
	assert.Equal(t, "#c83c1e", p.Target.Hex())
}

func TestParseColor(t *testing.T) {
	c, err := ParseColor("#c83c1e")
	require.NoError(t, err)
	assert.Equal(t, Color{B: 30, G: 60, R: 200}, c)

	c, err = ParseColor("000000")
	require.NoError(t, err)
	assert.Equal(t, Color{}, c)

	for _, bad := range []string{"", "#fff", "#zzzzzz", "#1234567"} {
		_, err := ParseColor(bad)
		assert.Error(t, err, bad)
	}
}

func TestProfileColorEmptyRegionIsNoop(t *testing.T) {
	empty := gocv.NewMat()
	defer empty.Close()

	_, ok := ProfileColor(empty)
	assert.False(t, ok)
}

func TestColorBandClamps(t *testing.T) {
	lower, upper := ColorProfile{Target: Color{B: 10, G: 128, R: 250}, Tolerance: 40}.Band()
	assert.Equal(t, gocv.NewScalar(0, 88, 210, 0), lower)
	assert.Equal(t, gocv.NewScalar(50, 168, 255, 0), upper)
}

func TestParseStrategy(t *testing.T) {
	for in, want := range map[string]Strategy{"": StrategyAdaptive, "EDGE": StrategyEdge, " color ": StrategyColor} {
		got, err := ParseStrategy(in)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := ParseStrategy("sobel")
	assert.Error(t, err)
}

func TestPreprocessorUpscalesAndBinarizes(t *testing.T) {
	src := canvas(40, 20, 255)
	defer src.Close()
	fill(&src, image.Rect(10, 5, 29, 14), color.RGBA{})

	black := ColorProfile{Target: Color{}, Tolerance: DefaultTolerance}
	tests := []struct {
		cfg  PreprocessConfig
		want Strategy
	}{
		{PreprocessConfig{Strategy: StrategyAdaptive}, StrategyAdaptive},
		{PreprocessConfig{Strategy: StrategyEdge}, StrategyEdge},
		{PreprocessConfig{Strategy: StrategyContrast}, StrategyContrast},
		{PreprocessConfig{Strategy: StrategyColor, Profile: &black}, StrategyColor},
		{PreprocessConfig{Strategy: StrategyColor}, StrategyAdaptive},
	}

	p := NewPreprocessor(DefaultScale)
	for _, tt := range tests {
		t.Run(string(tt.cfg.Strategy)+"->"+string(tt.want), func(t *testing.T) {
			out, used, err := p.Process(src, tt.cfg)
			require.NoError(t, err)
			defer out.Close()

			assert.Equal(t, tt.want, used)
			assert.Equal(t, 100, out.Rows())
			assert.Equal(t, 200, out.Cols())
			assert.Equal(t, 1, out.Channels())
			for _, v := range out.ToBytes() {
				if v != 0 && v != 255 {
					t.Fatalf("non-binary pixel value %d", v)
				}
			}
		})
	}
}

func TestPreprocessorColorPolarity(t *testing.T) {
	src := canvas(40, 20, 255)
	defer src.Close()
	fill(&src, image.Rect(10, 5, 29, 14), color.RGBA{})

	out, _, err := NewPreprocessor(DefaultScale).Process(src, PreprocessConfig{
		Strategy: StrategyColor,
		Profile:  &ColorProfile{Tolerance: DefaultTolerance},
	})
	require.NoError(t, err)
	defer out.Close()

	assert.Equal(t, uint8(0), out.GetUCharAt(50, 100), "ink")
	assert.Equal(t, uint8(255), out.GetUCharAt(2, 2), "background")
}

func TestPreprocessorRejectsEmpty(t *testing.T) {
	empty := gocv.NewMat()
	defer empty.Close()

	_, _, err := NewPreprocessor(0).Process(empty, PreprocessConfig{})
	assert.Error(t, err)
}

func TestLineCandidateFilter(t *testing.T) {
	tests := []struct {
		name string
		box  image.Rectangle
		area float64
		want bool
	}{
		{"identifier line", image.Rect(50, 20, 200, 50), 4500, true},
		{"too narrow", image.Rect(0, 0, 100, 30), 3000, false},
		{"too short", image.Rect(0, 0, 300, 15), 4500, false},
		{"tiny area", image.Rect(0, 0, 300, 40), 100, false},
		{"square logo", image.Rect(0, 0, 120, 120), 14400, false},
		{"flat rule", image.Rect(0, 0, 400, 20), 8000, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, isLineCandidate(tt.box, tt.area))
		})
	}
}

func TestPadCandidateStaysInBounds(t *testing.T) {
	assert.Equal(t, image.Rect(90, 5, 410, 45), padCandidate(image.Rect(100, 10, 400, 40), 550, 60))
	assert.Equal(t, image.Rect(0, 0, 150, 30), padCandidate(image.Rect(3, 2, 143, 27), 150, 30))
}

func TestDetectFindsDarkLine(t *testing.T) {
	card := canvas(1000, 600, 255)
	defer card.Close()
	bar := image.Rect(300, 100, 599, 129)
	fill(&card, bar, color.RGBA{R: 40, G: 40, B: 40})

	det, err := NewRegionDetector(nil, quietLogger()).Detect(context.Background(), card)
	require.NoError(t, err)

	assert.Equal(t, MethodContour, det.Method)
	assert.NoError(t, det.Region.Validate(card.Cols(), card.Rows()))
	assert.True(t, image.Rect(300, 100, 600, 130).In(det.Region.Rect()), "region %s misses the line", det.Region)
	assert.True(t, det.Region.Rect().In(PriorRegion(1000, 600).Rect()))
	require.NotNil(t, det.Profile)
	assert.Equal(t, Color{B: 40, G: 40, R: 40}, det.Profile.Target)
}

func TestDetectFallsBackToTextSearch(t *testing.T) {
	card := canvas(1000, 600, 200)
	defer card.Close()

	stub := ocr.NewStub(map[ocr.PageSegMode]ocr.StubResponse{
		ocr.SingleBlock: {Err: assert.AnError},
		ocr.SingleLine:  {Text: "NIK : 3301234567890123\n"},
		ocr.Auto: {
			Words: []ocr.Word{
				{Text: "NIK", Box: image.Rect(0, 12, 30, 44)},
				{Text: "3301234567890123", Box: image.Rect(40, 12, 420, 44)},
			},
		},
	})

	det, err := NewRegionDetector(stub, quietLogger()).Detect(context.Background(), card)
	require.NoError(t, err)

	assert.Equal(t, MethodText, det.Method)
	assert.Equal(t, Region{240, 102, 620, 134}, det.Region)

	calls := stub.Calls()
	require.NotEmpty(t, calls)
	assert.Equal(t, ocr.Config{Mode: ocr.Auto}, calls[len(calls)-1], "word boxes use layout analysis")
}

func TestDetectReportsNotFound(t *testing.T) {
	card := canvas(1000, 600, 200)
	defer card.Close()

	_, err := NewRegionDetector(ocr.NewStub(nil), quietLogger()).Detect(context.Background(), card)
	assert.ErrorIs(t, err, errors.ErrRegionNotFound)
}

func TestLocateLine(t *testing.T) {
	words := []ocr.Word{
		{Text: "3301", Box: image.Rect(0, 0, 10, 10)},
		{Text: "NIK:3301234567890123", Box: image.Rect(5, 5, 200, 30)},
	}
	box, ok := locateLine(words, "NIK:3301234567890123", "3301234567890123")
	require.True(t, ok)
	assert.Equal(t, image.Rect(5, 5, 200, 30), box)

	_, ok = locateLine(words[:1], "3301", "3301")
	assert.False(t, ok)
}

func TestDigitsOnly(t *testing.T) {
	assert.Equal(t, "3301234567890123", DigitsOnly("NIK:3301234567890123extra"))
	assert.Equal(t, "", DigitsOnly("NIK"))
}

func digitSheet() gocv.Mat {
	m := grayCanvas(200, 100, 255)
	ink := color.RGBA{}
	fill(&m, image.Rect(100, 30, 110, 60), ink)
	fill(&m, image.Rect(20, 30, 30, 60), ink)
	fill(&m, image.Rect(60, 30, 70, 60), ink)
	fill(&m, image.Rect(150, 10, 151, 11), ink) // speck
	fill(&m, image.Rect(20, 85, 180, 89), ink)  // underline
	return m
}

func TestSegmenterOrdersDigits(t *testing.T) {
	sheet := digitSheet()
	defer sheet.Close()

	boxes := NewDigitSegmenter().Boxes(sheet)
	require.Len(t, boxes, 3)
	assert.Equal(t, image.Rect(18, 28, 33, 63), boxes[0])
	assert.Equal(t, 58, boxes[1].Min.X)
	assert.Equal(t, 98, boxes[2].Min.X)
}

func TestSegmenterIsRestartable(t *testing.T) {
	sheet := digitSheet()
	defer sheet.Close()
	seg := NewDigitSegmenter()
	digits := seg.Digits(sheet)

	collect := func() []image.Rectangle {
		var out []image.Rectangle
		for d := range digits {
			assert.Equal(t, len(out), d.Index)
			assert.Equal(t, d.Bounds.Dy(), d.Image.Rows())
			assert.Equal(t, d.Bounds.Dx(), d.Image.Cols())
			out = append(out, d.Bounds)
		}
		return out
	}

	first := collect()
	assert.Len(t, first, 3)
	assert.Equal(t, first, collect())
	assert.Equal(t, first, seg.Boxes(sheet))

	for d := range digits {
		assert.Equal(t, 0, d.Index)
		break
	}
}
