package vision

import (
	"image"
	"iter"
	"sort"

	"gocv.io/x/gocv"
)

const (
	digitPadding      = 2
	minDigitAreaRatio = 0.001
	minDigitAspect    = 0.2
	maxDigitAspect    = 5.0
)

// Digit is one character cut from a processed region. Image is a view into
// the processed Mat and is only valid inside the loop body that received it.
type Digit struct {
	Index  int
	Bounds image.Rectangle
	Image  gocv.Mat
}

// DigitSegmenter splits a processed (ink = 0) image into characters
type DigitSegmenter struct{}

func NewDigitSegmenter() *DigitSegmenter {
	return &DigitSegmenter{}
}

// Boxes returns padded character boxes ordered left to right
func (s *DigitSegmenter) Boxes(processed gocv.Mat) []image.Rectangle {
	if processed.Empty() {
		return nil
	}

	ink := invert(processed)
	defer ink.Close()

	contours := gocv.FindContours(ink, gocv.RetrievalExternal, gocv.ChainApproxSimple)
	defer contours.Close()

	bounds := image.Rect(0, 0, processed.Cols(), processed.Rows())
	minArea := float64(bounds.Dx()*bounds.Dy()) * minDigitAreaRatio

	var boxes []image.Rectangle
	for i := 0; i < contours.Size(); i++ {
		c := contours.At(i)
		if gocv.ContourArea(c) <= minArea {
			continue
		}
		box := gocv.BoundingRect(c)
		if box.Dx() == 0 {
			continue
		}
		aspect := float64(box.Dy()) / float64(box.Dx())
		if aspect <= minDigitAspect || aspect >= maxDigitAspect {
			continue
		}
		boxes = append(boxes, box)
	}

	sort.SliceStable(boxes, func(i, j int) bool {
		if boxes[i].Min.X != boxes[j].Min.X {
			return boxes[i].Min.X < boxes[j].Min.X
		}
		return boxes[i].Min.Y < boxes[j].Min.Y
	})
	for i, box := range boxes {
		boxes[i] = box.Inset(-digitPadding).Intersect(bounds)
	}
	return boxes
}

// Digits yields characters left to right. Each range over the sequence
// segments processed afresh, so it can be iterated any number of times.
func (s *DigitSegmenter) Digits(processed gocv.Mat) iter.Seq[Digit] {
	return func(yield func(Digit) bool) {
		for i, box := range s.Boxes(processed) {
			view := processed.Region(box)
			more := yield(Digit{Index: i, Bounds: box, Image: view})
			view.Close()
			if !more {
				return
			}
		}
	}
}
