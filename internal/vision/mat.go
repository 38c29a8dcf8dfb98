package vision

import (
	"bytes"
	"fmt"
	"image"

	"gocv.io/x/gocv"
)

// Decode reads an encoded raster (PNG, JPEG, ...) into a BGR Mat
func Decode(data []byte) (gocv.Mat, error) {
	if len(data) == 0 {
		return gocv.NewMat(), fmt.Errorf("empty image data")
	}
	m, err := gocv.IMDecode(data, gocv.IMReadColor)
	if err != nil {
		return gocv.NewMat(), fmt.Errorf("failed to decode image: %w", err)
	}
	if m.Empty() {
		m.Close()
		return gocv.NewMat(), fmt.Errorf("failed to decode image: unrecognized format")
	}
	return m, nil
}

// FromImage converts a decoded Go image into a BGR Mat
func FromImage(img image.Image) (gocv.Mat, error) {
	m, err := gocv.ImageToMatRGB(img)
	if err != nil {
		return gocv.NewMat(), fmt.Errorf("failed to convert image: %w", err)
	}
	return m, nil
}

// EncodePNG returns a Go-owned PNG encoding of m
func EncodePNG(m gocv.Mat) ([]byte, error) {
	buf, err := gocv.IMEncode(gocv.PNGFileExt, m)
	if err != nil {
		return nil, fmt.Errorf("failed to encode image: %w", err)
	}
	defer buf.Close()
	return bytes.Clone(buf.GetBytes()), nil
}

func toGray(src gocv.Mat) gocv.Mat {
	gray := gocv.NewMat()
	switch src.Channels() {
	case 3:
		gocv.CvtColor(src, &gray, gocv.ColorBGRToGray)
	case 4:
		gocv.CvtColor(src, &gray, gocv.ColorBGRAToGray)
	default:
		src.CopyTo(&gray)
	}
	return gray
}

func toBGR(src gocv.Mat) gocv.Mat {
	bgr := gocv.NewMat()
	switch src.Channels() {
	case 1:
		gocv.CvtColor(src, &bgr, gocv.ColorGrayToBGR)
	case 4:
		gocv.CvtColor(src, &bgr, gocv.ColorBGRAToBGR)
	default:
		src.CopyTo(&bgr)
	}
	return bgr
}

// morph applies op with a size x size rectangular kernel
func morph(src gocv.Mat, op gocv.MorphType, size, iterations int) gocv.Mat {
	kernel := gocv.GetStructuringElement(gocv.MorphRect, image.Pt(size, size))
	defer kernel.Close()

	dst := gocv.NewMat()
	gocv.MorphologyExWithParams(src, &dst, op, kernel, iterations, gocv.BorderConstant)
	return dst
}

func invert(src gocv.Mat) gocv.Mat {
	dst := gocv.NewMat()
	gocv.BitwiseNot(src, &dst)
	return dst
}

// replace closes *m and takes next in its place
func replace(m *gocv.Mat, next gocv.Mat) {
	m.Close()
	*m = next
}
