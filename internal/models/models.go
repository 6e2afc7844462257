package models

import (
	"image"
	"time"
)

// Frame is one decoded image sampled from the stream, normalized to the
// pipeline resolution. Frames are never mutated after creation.
type Frame struct {
	Seq       uint64    // raw capture sequence number
	Timestamp time.Time // when the frame was read
	Image     image.Image
	Gray      *image.Gray
}

// Width returns the frame width in pixels
func (f Frame) Width() int {
	if f.Image == nil {
		return 0
	}
	return f.Image.Bounds().Dx()
}

// Height returns the frame height in pixels
func (f Frame) Height() int {
	if f.Image == nil {
		return 0
	}
	return f.Image.Bounds().Dy()
}

// Channels returns the number of colour channels carried by Image
func (f Frame) Channels() int {
	switch f.Image.(type) {
	case nil:
		return 0
	case *image.Gray, *image.Gray16:
		return 1
	default:
		return 3
	}
}

// FeatureVector is a fixed-length embedding of a frame
type FeatureVector []float32

// Fingerprint is a 64-bit perceptual hash of a frame
type Fingerprint uint64

// AcceptedFrameRecord is the comparison state kept for the last accepted frame
type AcceptedFrameRecord struct {
	Frame       Frame
	Vector      FeatureVector
	Fingerprint Fingerprint
}

// Batch is an ordered, sealed group of accepted frames
type Batch struct {
	ID       string
	Seq      uint64
	Frames   []Frame
	Vectors  []FeatureVector // parallel to Frames; entries may be nil
	SealedAt time.Time
}

// Len returns the number of frames in the batch
func (b *Batch) Len() int { return len(b.Frames) }

// WorkItem represents a sealed batch queued for enrichment, with the prompt
// that was active when it was submitted
type WorkItem struct {
	Batch       *Batch
	Mode        int
	Prompt      string
	SubmittedAt time.Time
}

// DescriptionRecord represents the result of describing one batch composite
type DescriptionRecord struct {
	ID          string    `json:"id"`
	BatchID     string    `json:"batch_id"`
	Path        string    `json:"filename"`
	ImageURL    string    `json:"image_url,omitempty"`
	Mode        int       `json:"mode"`
	Prompt      string    `json:"prompt"`
	Description string    `json:"description"`
	Timestamp   time.Time `json:"timestamp"`
	Embedding   []float32 `json:"-"`
}
