// Package embeddings turns frames into fixed-length feature vectors and
// provides the similarity helpers used by change detection.
package embeddings

import (
	"context"
	"errors"
	"image"
	"math"
)

// ErrQueueFull is returned when the embedding service cannot take more work
var ErrQueueFull = errors.New("embedding queue is full, try again later")

// Embedder extracts a feature vector from an image
type Embedder interface {
	Embed(ctx context.Context, img image.Image) ([]float32, error)
	Dimension() int
	Model() string
}

// Cosine returns the cosine similarity of a and b in [-1, 1]. Vectors of
// different length or with zero norm have similarity 0.
func Cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// Mean averages vectors of equal length. Vectors with a different length
// from the first are skipped.
func Mean(vectors [][]float32) []float32 {
	if len(vectors) == 0 {
		return nil
	}
	dim := len(vectors[0])
	out := make([]float32, dim)
	n := 0
	for _, v := range vectors {
		if len(v) != dim {
			continue
		}
		for i, x := range v {
			out[i] += x
		}
		n++
	}
	for i := range out {
		out[i] /= float32(n)
	}
	return out
}

func normalize(v []float32) {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return
	}
	inv := float32(1 / math.Sqrt(sum))
	for i := range v {
		v[i] *= inv
	}
}
