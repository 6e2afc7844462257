// Package imaging holds the image kernels used by the frame filters:
// normalization, Laplacian sharpness, Canny edges and dense optical flow.
//
// Kernels follow OpenCV conventions (3x3 apertures, reflect-101 borders)
// so thresholds tuned against OpenCV carry over.
package imaging

import (
	"image"
	"image/draw"

	"github.com/disintegration/gift"
)

// Normalize resizes src to width x height and returns the colour image and
// its grayscale version. Both results have a zero origin.
func Normalize(src image.Image, width, height int) (*image.RGBA, *image.Gray) {
	var g *gift.GIFT
	b := src.Bounds()
	if b.Dx() == width && b.Dy() == height {
		g = gift.New()
	} else {
		g = gift.New(gift.Resize(width, height, gift.LinearResampling))
	}
	color := image.NewRGBA(g.Bounds(b))
	g.Draw(color, src)

	return color, Grayscale(color)
}

// Grayscale converts src to an 8-bit gray image with a zero origin
func Grayscale(src image.Image) *image.Gray {
	g := gift.New(gift.Grayscale())
	dst := image.NewGray(g.Bounds(src.Bounds()))
	g.Draw(dst, src)
	return dst
}

// ResizeGray scales a gray image to width x height
func ResizeGray(src *image.Gray, width, height int) *image.Gray {
	g := gift.New(gift.Resize(width, height, gift.LinearResampling))
	dst := image.NewGray(g.Bounds(src.Bounds()))
	g.Draw(dst, src)
	return dst
}

// HStack concatenates images left to right, top aligned. The output height is
// the tallest input.
func HStack(images []image.Image) *image.RGBA {
	width, height := 0, 0
	for _, img := range images {
		b := img.Bounds()
		width += b.Dx()
		if b.Dy() > height {
			height = b.Dy()
		}
	}

	out := image.NewRGBA(image.Rect(0, 0, width, height))
	x := 0
	for _, img := range images {
		b := img.Bounds()
		r := image.Rect(x, 0, x+b.Dx(), b.Dy())
		draw.Draw(out, r, img, b.Min, draw.Src)
		x += b.Dx()
	}
	return out
}

// plane is a float view of a gray image, row-major with a zero origin
type plane struct {
	w, h int
	px   []float64
}

func newPlane(g *image.Gray) plane {
	b := g.Bounds()
	p := plane{w: b.Dx(), h: b.Dy(), px: make([]float64, b.Dx()*b.Dy())}
	for y := 0; y < p.h; y++ {
		off := g.PixOffset(b.Min.X, b.Min.Y+y)
		for x, v := range g.Pix[off : off+p.w] {
			p.px[y*p.w+x] = float64(v)
		}
	}
	return p
}

// reflect101 maps an out-of-range index back into [0, n) the way OpenCV's
// BORDER_REFLECT_101 does
func reflect101(i, n int) int {
	if n == 1 {
		return 0
	}
	for i < 0 || i >= n {
		if i < 0 {
			i = -i
		}
		if i >= n {
			i = 2*n - 2 - i
		}
	}
	return i
}

func (p plane) at(x, y int) float64 {
	return p.px[reflect101(y, p.h)*p.w+reflect101(x, p.w)]
}
