package imaging

import (
	"image"
	"math"
)

var (
	tan22 = math.Tan(22.5 * math.Pi / 180)
	tan67 = math.Tan(67.5 * math.Pi / 180)
)

// sobel returns the 3x3 Sobel derivatives of p
func sobel(p plane) (dx, dy []float64) {
	dx = make([]float64, len(p.px))
	dy = make([]float64, len(p.px))
	for y := 0; y < p.h; y++ {
		for x := 0; x < p.w; x++ {
			tl, t, tr := p.at(x-1, y-1), p.at(x, y-1), p.at(x+1, y-1)
			l, r := p.at(x-1, y), p.at(x+1, y)
			bl, b, br := p.at(x-1, y+1), p.at(x, y+1), p.at(x+1, y+1)

			i := y*p.w + x
			dx[i] = (tr + 2*r + br) - (tl + 2*l + bl)
			dy[i] = (bl + 2*b + br) - (tl + 2*t + tr)
		}
	}
	return dx, dy
}

// Canny runs the Canny edge detector with L1 gradient magnitude, non-maximum
// suppression and 8-connected hysteresis between low and high. Edge pixels
// are 255 in the returned image, everything else 0.
func Canny(g *image.Gray, low, high float64) *image.Gray {
	if low > high {
		low, high = high, low
	}
	p := newPlane(g)
	out := image.NewGray(image.Rect(0, 0, p.w, p.h))
	if p.w < 3 || p.h < 3 {
		return out
	}

	dx, dy := sobel(p)
	mag := make([]float64, len(dx))
	for i := range dx {
		mag[i] = math.Abs(dx[i]) + math.Abs(dy[i])
	}

	const (
		none = iota
		weak
		strong
	)
	state := make([]uint8, len(mag))
	stack := make([]int, 0, 1024)

	for y := 1; y < p.h-1; y++ {
		for x := 1; x < p.w-1; x++ {
			i := y*p.w + x
			m := mag[i]
			if m <= low {
				continue
			}

			ax, ay := math.Abs(dx[i]), math.Abs(dy[i])
			var a, b float64
			switch {
			case ay < ax*tan22:
				a, b = mag[i-1], mag[i+1]
			case ay > ax*tan67:
				a, b = mag[i-p.w], mag[i+p.w]
			case (dx[i] < 0) == (dy[i] < 0):
				a, b = mag[i-p.w-1], mag[i+p.w+1]
			default:
				a, b = mag[i-p.w+1], mag[i+p.w-1]
			}
			if !(m > a && m >= b) {
				continue
			}

			if m > high {
				state[i] = strong
				stack = append(stack, i)
			} else {
				state[i] = weak
			}
		}
	}

	// hysteresis: grow strong edges through connected weak pixels
	for len(stack) > 0 {
		i := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		out.Pix[(i/p.w)*out.Stride+i%p.w] = 255

		x, y := i%p.w, i/p.w
		for ny := y - 1; ny <= y+1; ny++ {
			for nx := x - 1; nx <= x+1; nx++ {
				if nx < 0 || ny < 0 || nx >= p.w || ny >= p.h {
					continue
				}
				j := ny*p.w + nx
				if state[j] == weak {
					state[j] = strong
					stack = append(stack, j)
				}
			}
		}
	}
	return out
}

// CountEdges returns the number of non-zero pixels in an edge map
func CountEdges(edges *image.Gray) int {
	n := 0
	b := edges.Bounds()
	for y := b.Min.Y; y < b.Max.Y; y++ {
		off := edges.PixOffset(b.Min.X, y)
		for _, v := range edges.Pix[off : off+b.Dx()] {
			if v != 0 {
				n++
			}
		}
	}
	return n
}
