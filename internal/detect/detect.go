// Package detect decides whether a frame shows something new compared with
// the last accepted frame.
package detect

import (
	"context"
	"fmt"
	"image"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/corona10/goimagehash"

	"github.com/bdougie/scenewatch/internal/config"
	"github.com/bdougie/scenewatch/internal/embeddings"
	"github.com/bdougie/scenewatch/internal/imaging"
	"github.com/bdougie/scenewatch/internal/models"
)

// Decision reasons
const (
	ReasonBootstrap          = "bootstrap"
	ReasonNoMotion           = "no_motion"
	ReasonSimilar            = "similar"
	ReasonEmbeddingChanged   = "embedding_changed"
	ReasonFingerprintChanged = "fingerprint_changed"
)

// Thresholds for the three change gates
type Thresholds struct {
	Motion float64 // minimum mean optical flow, pixels
	Cosine float64 // accept when similarity is below this
	Hash   int     // accept when hamming distance is above this
	Window int     // optical flow window side
}

// ThresholdsFrom converts the change configuration
func ThresholdsFrom(cfg config.ChangeConfig) Thresholds {
	return Thresholds{
		Motion: cfg.MotionThreshold,
		Cosine: cfg.CosineThreshold,
		Hash:   cfg.HashThreshold,
		Window: cfg.FlowWindow,
	}
}

// Decision explains the outcome for one candidate frame
type Decision struct {
	Accepted   bool
	Reason     string
	Motion     float64
	Similarity float64
	Distance   int
	Record     *models.AcceptedFrameRecord // set when Accepted
}

// Vectorizer produces the feature vector of a frame. Distinct images must
// never share a vector.
type Vectorizer interface {
	Embed(ctx context.Context, img image.Image) ([]float32, error)
}

// HashFunc computes a 64-bit perceptual fingerprint
type HashFunc func(img image.Image) (models.Fingerprint, error)

// PerceptionHash fingerprints img with a DCT perceptual hash
func PerceptionHash(img image.Image) (models.Fingerprint, error) {
	h, err := goimagehash.PerceptionHash(img)
	if err != nil {
		return 0, err
	}
	return models.Fingerprint(h.GetHash()), nil
}

// Hamming returns the number of differing bits between two fingerprints
func Hamming(a, b models.Fingerprint) int {
	d, err := goimagehash.NewImageHash(uint64(a), goimagehash.PHash).
		Distance(goimagehash.NewImageHash(uint64(b), goimagehash.PHash))
	if err != nil {
		return 64
	}
	return d
}

// Option configures a Detector
type Option func(*Detector)

// WithHasher replaces the fingerprint function
func WithHasher(fn HashFunc) Option {
	return func(d *Detector) { d.hash = fn }
}

// WithLogger sets the logger
func WithLogger(l *slog.Logger) Option {
	return func(d *Detector) { d.logger = l }
}

// Detector holds the last accepted frame and gates new frames against it
type Detector struct {
	vectors    Vectorizer
	thresholds Thresholds
	hash       HashFunc
	logger     *slog.Logger

	mu     sync.Mutex // serializes Evaluate
	record atomic.Pointer[models.AcceptedFrameRecord]
}

// New creates a Detector
func New(vectors Vectorizer, th Thresholds, opts ...Option) *Detector {
	d := &Detector{
		vectors:    vectors,
		thresholds: th,
		hash:       PerceptionHash,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Evaluate runs the motion, fingerprint and embedding gates on frame. An
// accepted frame replaces the stored record as a whole. Errors leave the
// record untouched.
func (d *Detector) Evaluate(ctx context.Context, frame models.Frame) (Decision, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	prev := d.record.Load()
	gray := grayOf(frame)

	var motion float64
	if prev != nil {
		motion = imaging.MeanFlowMagnitude(grayOf(prev.Frame), gray, d.thresholds.Window)
		if motion < d.thresholds.Motion {
			return Decision{Reason: ReasonNoMotion, Motion: motion}, nil
		}
	}

	fp, err := d.hash(frame.Image)
	if err != nil {
		return Decision{Motion: motion}, fmt.Errorf("fingerprint frame %d: %w", frame.Seq, err)
	}
	vec, err := d.vectors.Embed(ctx, frame.Image)
	if err != nil {
		return Decision{Motion: motion}, fmt.Errorf("embed frame %d: %w", frame.Seq, err)
	}

	candidate := &models.AcceptedFrameRecord{
		Frame:       frame,
		Vector:      vec,
		Fingerprint: fp,
	}
	dec := Decide(*candidate, prev, d.thresholds)
	dec.Motion = motion

	if dec.Accepted {
		d.record.Store(candidate)
		dec.Record = candidate
	}
	d.logger.Debug("change decision",
		"seq", frame.Seq,
		"accepted", dec.Accepted,
		"reason", dec.Reason,
		"motion", motion,
		"similarity", dec.Similarity,
		"distance", dec.Distance,
	)
	return dec, nil
}

// Decide compares a candidate against the previous accepted record. With no
// previous record the candidate is accepted unconditionally.
func Decide(candidate models.AcceptedFrameRecord, previous *models.AcceptedFrameRecord, th Thresholds) Decision {
	if previous == nil {
		return Decision{Accepted: true, Reason: ReasonBootstrap, Similarity: 1}
	}

	dec := Decision{
		Similarity: embeddings.Cosine(candidate.Vector, previous.Vector),
		Distance:   Hamming(candidate.Fingerprint, previous.Fingerprint),
	}
	switch {
	case dec.Similarity < th.Cosine:
		dec.Accepted, dec.Reason = true, ReasonEmbeddingChanged
	case dec.Distance > th.Hash:
		dec.Accepted, dec.Reason = true, ReasonFingerprintChanged
	default:
		dec.Reason = ReasonSimilar
	}
	return dec
}

// Last returns the current accepted record, nil before the first acceptance
func (d *Detector) Last() *models.AcceptedFrameRecord {
	return d.record.Load()
}

// Reset forgets the accepted record so the next frame bootstraps
func (d *Detector) Reset() {
	d.record.Store(nil)
}

func grayOf(f models.Frame) *image.Gray {
	if f.Gray != nil {
		return f.Gray
	}
	return imaging.Grayscale(f.Image)
}
