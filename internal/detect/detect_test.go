package detect

import (
	"context"
	"errors"
	"image"
	"image/color"
	"math"
	"testing"

	"github.com/bdougie/scenewatch/internal/config"
	"github.com/bdougie/scenewatch/internal/embeddings"
	"github.com/bdougie/scenewatch/internal/models"
)

func waves(shift float64) *image.Gray {
	g := image.NewGray(image.Rect(0, 0, 64, 64))
	for y := 0; y < 64; y++ {
		for x := 0; x < 64; x++ {
			fx := float64(x) - shift
			v := 128 + 50*math.Sin(2*math.Pi*fx/16) + 50*math.Sin(2*math.Pi*float64(y)/16)
			g.SetGray(x, y, color.Gray{Y: uint8(v)})
		}
	}
	return g
}

func frame(seq uint64, g *image.Gray) models.Frame {
	return models.Frame{Seq: seq, Image: g, Gray: g}
}

// scriptedVectors returns the queued vectors in order
type scriptedVectors struct {
	out [][]float32
	err error
}

func (s *scriptedVectors) Embed(ctx context.Context, img image.Image) ([]float32, error) {
	if s.err != nil {
		return nil, s.err
	}
	v := s.out[0]
	s.out = s.out[1:]
	return v, nil
}

func constHash(fp models.Fingerprint) HashFunc {
	return func(image.Image) (models.Fingerprint, error) { return fp, nil }
}

func TestDecide(t *testing.T) {
	th := ThresholdsFrom(config.Default().Change)
	prev := &models.AcceptedFrameRecord{Vector: []float32{1, 0}, Fingerprint: 0}

	tests := []struct {
		name     string
		vec      []float32
		fp       models.Fingerprint
		prev     *models.AcceptedFrameRecord
		accepted bool
		reason   string
	}{
		{"no previous record", []float32{1, 0}, 0, nil, true, ReasonBootstrap},
		{"identical", []float32{1, 0}, 0, prev, false, ReasonSimilar},
		{"embedding moved", []float32{0, 1}, 0, prev, true, ReasonEmbeddingChanged},
		{"fingerprint moved", []float32{1, 0}, 0x3F, prev, true, ReasonFingerprintChanged},
		{"distance at threshold is similar", []float32{1, 0}, 0x1F, prev, false, ReasonSimilar},
		{"small embedding drift", []float32{1, 0.1}, 0, prev, false, ReasonSimilar},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cand := models.AcceptedFrameRecord{Vector: tt.vec, Fingerprint: tt.fp}
			dec := Decide(cand, tt.prev, th)
			if dec.Accepted != tt.accepted || dec.Reason != tt.reason {
				t.Fatalf("Decide = %+v, want accepted=%v reason=%s", dec, tt.accepted, tt.reason)
			}
		})
	}
}

func TestHamming(t *testing.T) {
	if d := Hamming(0, 0xFF); d != 8 {
		t.Fatalf("Hamming = %d, want 8", d)
	}
}

func TestDetector_Evaluate(t *testing.T) {
	vecs := &scriptedVectors{out: [][]float32{
		{1, 0}, // bootstrap
		{1, 0}, // shifted but same content
		{0, 1}, // new content
	}}
	d := New(vecs, ThresholdsFrom(config.Default().Change), WithHasher(constHash(7)))
	ctx := context.Background()

	dec, err := d.Evaluate(ctx, frame(1, waves(0)))
	if err != nil || !dec.Accepted || dec.Reason != ReasonBootstrap {
		t.Fatalf("first frame: %+v, %v", dec, err)
	}

	dec, err = d.Evaluate(ctx, frame(2, waves(0)))
	if err != nil || dec.Accepted || dec.Reason != ReasonNoMotion {
		t.Fatalf("static frame: %+v, %v", dec, err)
	}

	dec, err = d.Evaluate(ctx, frame(3, waves(1)))
	if err != nil || dec.Accepted || dec.Reason != ReasonSimilar {
		t.Fatalf("similar frame: %+v, %v", dec, err)
	}
	if dec.Motion <= 0.05 {
		t.Fatalf("motion = %v, want > 0.05", dec.Motion)
	}
	if d.Last().Frame.Seq != 1 {
		t.Fatalf("rejected frame replaced the record")
	}

	dec, err = d.Evaluate(ctx, frame(4, waves(0)))
	if err != nil || dec.Reason != ReasonNoMotion {
		t.Fatalf("frame 4 compares against frame 1: %+v, %v", dec, err)
	}

	dec, err = d.Evaluate(ctx, frame(5, waves(2)))
	if err != nil || !dec.Accepted || dec.Reason != ReasonEmbeddingChanged {
		t.Fatalf("changed frame: %+v, %v", dec, err)
	}
	last := d.Last()
	if last.Frame.Seq != 5 || last.Vector[1] != 1 || last.Fingerprint != 7 {
		t.Fatalf("record not replaced as a whole: %+v", last)
	}
}

func flat(c color.RGBA) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, 64, 64))
	for i := 0; i < len(img.Pix); i += 4 {
		img.Pix[i], img.Pix[i+1], img.Pix[i+2], img.Pix[i+3] = c.R, c.G, c.B, c.A
	}
	return img
}

func TestDetector_CachedServiceSameFingerprintNewColour(t *testing.T) {
	svc := embeddings.NewService(embeddings.NewHistogram(), embeddings.ServiceOptions{
		Workers:   1,
		QueueSize: 1,
		CacheSize: config.Default().Embedder.CacheSize,
	})
	defer svc.Close()

	d := New(svc, ThresholdsFrom(config.Default().Change), WithHasher(constHash(7)))
	ctx := context.Background()
	red := color.RGBA{255, 0, 0, 255}
	blue := color.RGBA{0, 0, 255, 255}

	dec, err := d.Evaluate(ctx, models.Frame{Seq: 1, Image: flat(red), Gray: waves(0)})
	if err != nil || dec.Reason != ReasonBootstrap {
		t.Fatalf("first frame: %+v, %v", dec, err)
	}

	dec, err = d.Evaluate(ctx, models.Frame{Seq: 2, Image: flat(blue), Gray: waves(2)})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if !dec.Accepted || dec.Reason != ReasonEmbeddingChanged || dec.Distance != 0 {
		t.Fatalf("recoloured frame with the same fingerprint: %+v", dec)
	}
	if dec.Similarity >= 0.9 {
		t.Fatalf("similarity = %v, want < 0.9", dec.Similarity)
	}

	// identical pixels may reuse the cached vector
	dec, err = d.Evaluate(ctx, models.Frame{Seq: 3, Image: flat(red), Gray: waves(0)})
	if err != nil || dec.Reason != ReasonEmbeddingChanged {
		t.Fatalf("back to red: %+v, %v", dec, err)
	}
	if st := svc.Stats(); st.Hits != 1 || st.Misses != 2 {
		t.Fatalf("service stats = %+v, want 1 hit 2 misses", st)
	}
}

func TestDetector_EmbedErrorKeepsRecord(t *testing.T) {
	vecs := &scriptedVectors{out: [][]float32{{1, 0}}}
	d := New(vecs, ThresholdsFrom(config.Default().Change), WithHasher(constHash(1)))
	ctx := context.Background()

	if _, err := d.Evaluate(ctx, frame(1, waves(0))); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}

	vecs.err = errors.New("boom")
	if _, err := d.Evaluate(ctx, frame(2, waves(2))); err == nil {
		t.Fatal("expected error")
	}
	if d.Last().Frame.Seq != 1 {
		t.Fatal("record changed after failed evaluation")
	}
}

func TestDetector_Reset(t *testing.T) {
	vecs := &scriptedVectors{out: [][]float32{{1, 0}, {1, 0}}}
	d := New(vecs, ThresholdsFrom(config.Default().Change), WithHasher(constHash(1)))
	ctx := context.Background()

	d.Evaluate(ctx, frame(1, waves(0)))
	d.Reset()
	if d.Last() != nil {
		t.Fatal("Reset kept the record")
	}
	dec, _ := d.Evaluate(ctx, frame(2, waves(0)))
	if dec.Reason != ReasonBootstrap {
		t.Fatalf("after reset reason = %s, want bootstrap", dec.Reason)
	}
}

func TestPerceptionHash_Stable(t *testing.T) {
	a, err := PerceptionHash(waves(0))
	if err != nil {
		t.Fatalf("PerceptionHash: %v", err)
	}
	b, _ := PerceptionHash(waves(0))
	if a != b {
		t.Fatal("same image produced different fingerprints")
	}
}
