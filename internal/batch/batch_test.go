package batch

import (
	"testing"

	"github.com/bdougie/scenewatch/internal/models"
)

func TestBuffer_SealsAtSize(t *testing.T) {
	b := New(6)
	var sealed []*models.Batch

	for i := 1; i <= 14; i++ {
		if got, ok := b.Offer(models.Frame{Seq: uint64(i)}); ok {
			sealed = append(sealed, got)
		}
	}

	if len(sealed) != 2 {
		t.Fatalf("sealed %d batches, want 2", len(sealed))
	}
	for i, s := range sealed {
		if s.Len() != 6 {
			t.Fatalf("batch %d has %d frames", i, s.Len())
		}
		if s.Seq != uint64(i+1) || s.ID == "" {
			t.Fatalf("batch %d seq=%d id=%q", i, s.Seq, s.ID)
		}
		for j, f := range s.Frames {
			if want := uint64(i*6 + j + 1); f.Seq != want {
				t.Fatalf("batch %d frame %d seq=%d want %d", i, j, f.Seq, want)
			}
		}
	}
	if sealed[0].ID == sealed[1].ID {
		t.Fatal("batch IDs not unique")
	}
	if b.Pending() != 2 {
		t.Fatalf("pending = %d, want 2", b.Pending())
	}
}

func TestBuffer_SealedBatchIsNotReused(t *testing.T) {
	b := New(2)
	b.Offer(models.Frame{Seq: 1})
	first, _ := b.Offer(models.Frame{Seq: 2})
	b.Offer(models.Frame{Seq: 3})
	b.Offer(models.Frame{Seq: 4})

	if first.Frames[0].Seq != 1 || first.Frames[1].Seq != 2 {
		t.Fatalf("sealed batch mutated: %+v", first.Frames)
	}
}

func TestBuffer_Discard(t *testing.T) {
	b := New(6)
	for i := 0; i < 4; i++ {
		b.Offer(models.Frame{Seq: uint64(i)})
	}
	if n := b.Discard(); n != 4 {
		t.Fatalf("Discard = %d, want 4", n)
	}
	if b.Pending() != 0 {
		t.Fatal("buffer not empty after Discard")
	}
}

func TestBuffer_AddCarriesVectors(t *testing.T) {
	b := New(3)
	b.Add(models.Frame{Seq: 1}, models.FeatureVector{1, 0})
	b.Offer(models.Frame{Seq: 2})
	sealed, ok := b.Add(models.Frame{Seq: 3}, models.FeatureVector{0, 1})
	if !ok {
		t.Fatal("batch not sealed")
	}
	if len(sealed.Vectors) != 3 || sealed.Vectors[1] != nil || sealed.Vectors[2][1] != 1 {
		t.Fatalf("vectors = %v", sealed.Vectors)
	}
}
