// Package batch groups accepted frames into fixed-size batches.
package batch

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bdougie/scenewatch/internal/models"
)

// Buffer accumulates frames until it holds Size of them, then seals and
// resets. Partial batches are never emitted.
type Buffer struct {
	mu     sync.Mutex
	size   int
	frames []models.Frame
	vecs   []models.FeatureVector
	seq    uint64
	now    func() time.Time
}

// New creates a Buffer sealing batches of size frames
func New(size int) *Buffer {
	if size < 1 {
		size = 1
	}
	return &Buffer{
		size:   size,
		frames: make([]models.Frame, 0, size),
		vecs:   make([]models.FeatureVector, 0, size),
		now:    time.Now,
	}
}

// Offer appends frame. When the buffer reaches its size the sealed batch is
// returned with true and the buffer starts empty again.
func (b *Buffer) Offer(frame models.Frame) (*models.Batch, bool) {
	return b.Add(frame, nil)
}

// Add is Offer with the frame's feature vector carried into the batch
func (b *Buffer) Add(frame models.Frame, vec models.FeatureVector) (*models.Batch, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.frames = append(b.frames, frame)
	b.vecs = append(b.vecs, vec)
	if len(b.frames) < b.size {
		return nil, false
	}

	b.seq++
	sealed := &models.Batch{
		ID:       uuid.NewString(),
		Seq:      b.seq,
		Frames:   b.frames,
		Vectors:  b.vecs,
		SealedAt: b.now(),
	}
	b.frames = make([]models.Frame, 0, b.size)
	b.vecs = make([]models.FeatureVector, 0, b.size)
	return sealed, true
}

// Pending returns the number of frames waiting in the unsealed batch
func (b *Buffer) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.frames)
}

// Discard drops the unsealed frames and returns how many there were
func (b *Buffer) Discard() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := len(b.frames)
	b.frames = b.frames[:0]
	b.vecs = b.vecs[:0]
	return n
}

// Size returns the batch size
func (b *Buffer) Size() int { return b.size }
