// Package quality rejects blurry or featureless frames before they reach the
// change detector.
package quality

import (
	"github.com/bdougie/scenewatch/internal/config"
	"github.com/bdougie/scenewatch/internal/imaging"
	"github.com/bdougie/scenewatch/internal/models"
)

// Result holds the measurements behind a quality decision
type Result struct {
	Sharpness  float64
	Edges      int
	Acceptable bool
}

// Filter scores frames by Laplacian variance and Canny edge count. It keeps no
// state between calls.
type Filter struct {
	sharpness float64
	edges     int
	low, high float64
}

// New creates a Filter from the quality thresholds
func New(cfg config.QualityConfig) *Filter {
	return &Filter{
		sharpness: cfg.SharpnessThreshold,
		edges:     cfg.EdgeThreshold,
		low:       cfg.CannyLow,
		high:      cfg.CannyHigh,
	}
}

// Evaluate measures a frame. Both sharpness and edge count must strictly
// exceed their thresholds for the frame to be acceptable.
func (f *Filter) Evaluate(frame models.Frame) Result {
	gray := frame.Gray
	if gray == nil {
		if frame.Image == nil {
			return Result{}
		}
		gray = imaging.Grayscale(frame.Image)
	}

	r := Result{
		Sharpness: imaging.LaplacianVariance(gray),
		Edges:     imaging.CountEdges(imaging.Canny(gray, f.low, f.high)),
	}
	r.Acceptable = r.Sharpness > f.sharpness && r.Edges > f.edges
	return r
}

// IsAcceptable reports whether frame passes both quality checks
func (f *Filter) IsAcceptable(frame models.Frame) bool {
	return f.Evaluate(frame).Acceptable
}
