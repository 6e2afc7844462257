package imaging

import (
	"image"
	"math"
)

// minEigen is the per-pixel minimum eigenvalue of the structure tensor below
// which the flow at a pixel is treated as unresolved and counted as zero.
const minEigen = 1.0

// integral is a summed-area table with one row and column of zero padding
type integral struct {
	w   int
	sum []float64
}

func newIntegral(w, h int, v func(i int) float64) integral {
	t := integral{w: w + 1, sum: make([]float64, (w+1)*(h+1))}
	for y := 0; y < h; y++ {
		row := 0.0
		for x := 0; x < w; x++ {
			row += v(y*w + x)
			t.sum[(y+1)*t.w+x+1] = t.sum[y*t.w+x+1] + row
		}
	}
	return t
}

// box sums the half-open rectangle [x0,x1) x [y0,y1)
func (t integral) box(x0, y0, x1, y1 int) float64 {
	return t.sum[y1*t.w+x1] - t.sum[y0*t.w+x1] - t.sum[y1*t.w+x0] + t.sum[y0*t.w+x0]
}

// MeanFlowMagnitude estimates dense optical flow between prev and next with a
// windowed Lucas-Kanade solver and returns the mean flow magnitude in pixels.
// next is resized to prev's dimensions when they differ. Identical frames
// yield 0.
func MeanFlowMagnitude(prev, next *image.Gray, window int) float64 {
	pb := prev.Bounds()
	if pb.Dx() == 0 || pb.Dy() == 0 {
		return 0
	}
	if nb := next.Bounds(); nb.Dx() != pb.Dx() || nb.Dy() != pb.Dy() {
		next = ResizeGray(next, pb.Dx(), pb.Dy())
	}
	if window < 3 {
		window = 3
	}

	p0, p1 := newPlane(prev), newPlane(next)
	w, h := p0.w, p0.h

	avg := plane{w: w, h: h, px: make([]float64, len(p0.px))}
	it := make([]float64, len(p0.px))
	for i := range avg.px {
		avg.px[i] = (p0.px[i] + p1.px[i]) / 2
		it[i] = p1.px[i] - p0.px[i]
	}

	ix, iy := sobel(avg)
	for i := range ix {
		ix[i] /= 8
		iy[i] /= 8
	}

	sxx := newIntegral(w, h, func(i int) float64 { return ix[i] * ix[i] })
	sxy := newIntegral(w, h, func(i int) float64 { return ix[i] * iy[i] })
	syy := newIntegral(w, h, func(i int) float64 { return iy[i] * iy[i] })
	sxt := newIntegral(w, h, func(i int) float64 { return ix[i] * it[i] })
	syt := newIntegral(w, h, func(i int) float64 { return iy[i] * it[i] })

	r := window / 2
	total := 0.0
	for y := 0; y < h; y++ {
		y0, y1 := max(0, y-r), min(h, y+r+1)
		for x := 0; x < w; x++ {
			x0, x1 := max(0, x-r), min(w, x+r+1)
			n := float64((x1 - x0) * (y1 - y0))

			a := sxx.box(x0, y0, x1, y1)
			b := sxy.box(x0, y0, x1, y1)
			c := syy.box(x0, y0, x1, y1)
			d := sxt.box(x0, y0, x1, y1)
			e := syt.box(x0, y0, x1, y1)

			// smaller eigenvalue of [[a b] [b c]], normalised per pixel
			tr, diff := a+c, a-c
			lambda := (tr - math.Sqrt(diff*diff+4*b*b)) / 2
			if lambda/n < minEigen {
				continue
			}

			det := a*c - b*b
			u := (-c*d + b*e) / det
			v := (b*d - a*e) / det
			total += math.Hypot(u, v)
		}
	}
	return total / float64(w*h)
}
