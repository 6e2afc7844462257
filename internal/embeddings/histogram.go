package embeddings

import (
	"context"
	"image"
	"math"

	"github.com/disintegration/gift"
)

const (
	colorBins   = 4 // per channel, joint RGB histogram
	gridCells   = 4 // per axis
	orientBins  = 8
	histSide    = 128
	histogramID = "histogram-rgb64-hog128"
)

// Histogram is a local embedder combining a joint RGB colour histogram with
// a coarse grid of gradient orientation histograms. Each half is L2
// normalised and weighted equally, so the result has unit length.
type Histogram struct{}

// NewHistogram returns the local histogram embedder
func NewHistogram() *Histogram { return &Histogram{} }

// Dimension returns the vector length
func (h *Histogram) Dimension() int {
	return colorBins*colorBins*colorBins + gridCells*gridCells*orientBins
}

// Model returns the embedder identifier stored alongside vectors
func (h *Histogram) Model() string { return histogramID }

// Embed computes the feature vector for img
func (h *Histogram) Embed(ctx context.Context, img image.Image) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if img.Bounds().Empty() {
		return make([]float32, h.Dimension()), nil
	}
	g := gift.New(gift.Resize(histSide, histSide, gift.LinearResampling))
	small := image.NewRGBA(g.Bounds(img.Bounds()))
	g.Draw(small, img)

	colors := make([]float32, colorBins*colorBins*colorBins)
	lum := make([]float64, histSide*histSide)
	for y := 0; y < histSide; y++ {
		for x := 0; x < histSide; x++ {
			o := small.PixOffset(x, y)
			r, gg, b := small.Pix[o], small.Pix[o+1], small.Pix[o+2]
			idx := int(r)*colorBins/256*colorBins*colorBins + int(gg)*colorBins/256*colorBins + int(b)*colorBins/256
			colors[idx]++
			lum[y*histSide+x] = 0.299*float64(r) + 0.587*float64(gg) + 0.114*float64(b)
		}
	}

	orient := make([]float32, gridCells*gridCells*orientBins)
	cell := histSide / gridCells
	for y := 1; y < histSide-1; y++ {
		for x := 1; x < histSide-1; x++ {
			dx := lum[y*histSide+x+1] - lum[y*histSide+x-1]
			dy := lum[(y+1)*histSide+x] - lum[(y-1)*histSide+x]
			mag := math.Hypot(dx, dy)
			if mag == 0 {
				continue
			}
			// unsigned orientation in [0, pi)
			theta := math.Atan2(dy, dx)
			if theta < 0 {
				theta += math.Pi
			}
			bin := int(theta / math.Pi * orientBins)
			if bin >= orientBins {
				bin = orientBins - 1
			}
			c := (y/cell)*gridCells + x/cell
			orient[c*orientBins+bin] += float32(mag)
		}
	}

	normalize(colors)
	normalize(orient)
	out := make([]float32, 0, h.Dimension())
	out = append(out, colors...)
	out = append(out, orient...)
	normalize(out)
	return out, nil
}
