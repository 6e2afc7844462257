package imaging

import "image"

// LaplacianVariance returns the population variance of the 4-neighbour
// Laplacian response of g. Higher means sharper.
func LaplacianVariance(g *image.Gray) float64 {
	p := newPlane(g)
	n := p.w * p.h
	if n == 0 {
		return 0
	}

	var sum, sumSq float64
	for y := 0; y < p.h; y++ {
		for x := 0; x < p.w; x++ {
			l := p.at(x-1, y) + p.at(x+1, y) + p.at(x, y-1) + p.at(x, y+1) - 4*p.px[y*p.w+x]
			sum += l
			sumSq += l * l
		}
	}

	mean := sum / float64(n)
	return sumSq/float64(n) - mean*mean
}
