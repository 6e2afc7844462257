// Package pipeline runs the capture loop: frames flow from the source
// through the quality filter and change detector into the batch buffer, and
// sealed batches are handed to enrichment.
package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"

	"github.com/bdougie/scenewatch/internal/batch"
	"github.com/bdougie/scenewatch/internal/detect"
	"github.com/bdougie/scenewatch/internal/enrich"
	"github.com/bdougie/scenewatch/internal/models"
	"github.com/bdougie/scenewatch/internal/quality"
)

// FrameSource yields forwarded frames; *capture.Source implements it
type FrameSource interface {
	Next(ctx context.Context) (models.Frame, error)
}

// QualityGate scores frames; *quality.Filter implements it
type QualityGate interface {
	Evaluate(frame models.Frame) quality.Result
}

// ChangeDetector gates frames against the last accepted one
type ChangeDetector interface {
	Evaluate(ctx context.Context, frame models.Frame) (detect.Decision, error)
}

// Submitter accepts sealed batches without blocking
type Submitter interface {
	Submit(b *models.Batch) error
}

// Stats counts frames by outcome
type Stats struct {
	Frames       uint64 `json:"frames"`
	Blurry       uint64 `json:"blurry"`
	NoMotion     uint64 `json:"no_motion"`
	Similar      uint64 `json:"similar"`
	Accepted     uint64 `json:"accepted"`
	DetectErrors uint64 `json:"detect_errors"`
	Batches      uint64 `json:"batches"`
	Dropped      uint64 `json:"dropped_batches"`
	Pending      int    `json:"pending"`
}

// Option configures a Pipeline
type Option func(*Pipeline)

// WithQuit stops Run when ch is closed
func WithQuit(ch <-chan struct{}) Option {
	return func(p *Pipeline) { p.quit = ch }
}

// WithLogger sets the logger
func WithLogger(l *slog.Logger) Option {
	return func(p *Pipeline) { p.logger = l }
}

// Pipeline wires the frame stages together. Run must not be called
// concurrently.
type Pipeline struct {
	source   FrameSource
	quality  QualityGate
	detector ChangeDetector
	buffer   *batch.Buffer
	sink     Submitter
	quit     <-chan struct{}
	logger   *slog.Logger

	frames, blurry, noMotion, similar atomic.Uint64
	accepted, detectErrors           atomic.Uint64
	batches, dropped                 atomic.Uint64
}

// New creates a Pipeline
func New(source FrameSource, q QualityGate, d ChangeDetector, buf *batch.Buffer, sink Submitter, opts ...Option) *Pipeline {
	p := &Pipeline{
		source:   source,
		quality:  q,
		detector: d,
		buffer:   buf,
		sink:     sink,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run pulls frames until ctx ends or quit is closed. The unsealed tail of
// the batch buffer is discarded on return. Only a source error other than
// cancellation is returned.
func (p *Pipeline) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	if p.quit != nil {
		go func() {
			select {
			case <-p.quit:
				cancel()
			case <-ctx.Done():
			}
		}()
	}

	defer func() {
		if n := p.buffer.Discard(); n > 0 {
			p.logger.Info("discarding partial batch", "frames", n, "batch_size", p.buffer.Size())
		}
	}()

	p.logger.Info("capture loop started", "batch_size", p.buffer.Size())
	for {
		frame, err := p.source.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				p.logger.Info("capture loop stopped")
				return nil
			}
			return err
		}
		p.Step(ctx, frame)
	}
}

// Step runs one forwarded frame through the quality, change and batch
// stages
func (p *Pipeline) Step(ctx context.Context, frame models.Frame) {
	p.frames.Add(1)

	if q := p.quality.Evaluate(frame); !q.Acceptable {
		p.blurry.Add(1)
		p.logger.Debug("skipping frame due to blurriness",
			"seq", frame.Seq, "sharpness", q.Sharpness, "edges", q.Edges)
		return
	}

	dec, err := p.detector.Evaluate(ctx, frame)
	if err != nil {
		p.detectErrors.Add(1)
		p.logger.Warn("change detection failed", "seq", frame.Seq, "error", err)
		return
	}
	if !dec.Accepted {
		switch dec.Reason {
		case detect.ReasonNoMotion:
			p.noMotion.Add(1)
			p.logger.Debug("skipping frame due to minor motion", "seq", frame.Seq, "motion", dec.Motion)
		default:
			p.similar.Add(1)
			p.logger.Debug("skipping similar frame",
				"seq", frame.Seq, "similarity", dec.Similarity, "distance", dec.Distance)
		}
		return
	}

	p.accepted.Add(1)
	var vec models.FeatureVector
	if dec.Record != nil {
		vec = dec.Record.Vector
	}
	sealed, ok := p.buffer.Add(frame, vec)
	p.logger.Debug("frame accepted", "seq", frame.Seq, "reason", dec.Reason, "pending", p.buffer.Pending())
	if !ok {
		return
	}

	p.batches.Add(1)
	if err := p.sink.Submit(sealed); err != nil {
		p.dropped.Add(1)
		if errors.Is(err, enrich.ErrQueueFull) {
			p.logger.Warn("enrichment busy, dropping batch", "batch", sealed.ID, "seq", sealed.Seq)
			return
		}
		p.logger.Error("failed to submit batch", "batch", sealed.ID, "error", err)
		return
	}
	p.logger.Info("batch sealed", "batch", sealed.ID, "seq", sealed.Seq, "frames", sealed.Len())
}

// Stats returns a snapshot of the counters
func (p *Pipeline) Stats() Stats {
	return Stats{
		Frames:       p.frames.Load(),
		Blurry:       p.blurry.Load(),
		NoMotion:     p.noMotion.Load(),
		Similar:      p.similar.Load(),
		Accepted:     p.accepted.Load(),
		DetectErrors: p.detectErrors.Load(),
		Batches:      p.batches.Load(),
		Dropped:      p.dropped.Load(),
		Pending:      p.buffer.Pending(),
	}
}
