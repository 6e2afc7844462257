package embeddings

import (
	"context"
	"encoding/json"
	"errors"
	"image"
	"image/color"
	"math"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func solid(c color.Color) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, 64, 48))
	for y := 0; y < 48; y++ {
		for x := 0; x < 64; x++ {
			img.Set(x, y, c)
		}
	}
	return img
}

func stripes() image.Image {
	img := image.NewRGBA(image.Rect(0, 0, 64, 48))
	for y := 0; y < 48; y++ {
		for x := 0; x < 64; x++ {
			if (x/4)%2 == 0 {
				img.Set(x, y, color.RGBA{0, 0, 255, 255})
			} else {
				img.Set(x, y, color.RGBA{255, 255, 0, 255})
			}
		}
	}
	return img
}

func TestCosine(t *testing.T) {
	cases := []struct {
		name string
		a, b []float32
		want float64
	}{
		{"identical", []float32{1, 2, 3}, []float32{1, 2, 3}, 1},
		{"orthogonal", []float32{1, 0}, []float32{0, 1}, 0},
		{"opposite", []float32{1, 0}, []float32{-1, 0}, -1},
		{"length mismatch", []float32{1, 0}, []float32{1}, 0},
		{"zero vector", []float32{0, 0}, []float32{1, 1}, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Cosine(tc.a, tc.b); math.Abs(got-tc.want) > 1e-6 {
				t.Fatalf("Cosine = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestMean(t *testing.T) {
	got := Mean([][]float32{{1, 2}, {3, 4}, {9}})
	if len(got) != 2 || got[0] != 2 || got[1] != 3 {
		t.Fatalf("Mean = %v, want [2 3]", got)
	}
	if Mean(nil) != nil {
		t.Fatal("Mean(nil) should be nil")
	}
}

func TestHistogram_Embed(t *testing.T) {
	h := NewHistogram()
	ctx := context.Background()

	a, err := h.Embed(ctx, stripes())
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if len(a) != h.Dimension() {
		t.Fatalf("len = %d, want %d", len(a), h.Dimension())
	}

	var norm float64
	for _, v := range a {
		norm += float64(v) * float64(v)
	}
	if math.Abs(norm-1) > 1e-4 {
		t.Fatalf("vector norm^2 = %v, want 1", norm)
	}

	again, _ := h.Embed(ctx, stripes())
	if c := Cosine(a, again); c < 0.9999 {
		t.Fatalf("same image similarity = %v", c)
	}

	red, _ := h.Embed(ctx, solid(color.RGBA{255, 0, 0, 255}))
	if c := Cosine(a, red); c >= 0.9 {
		t.Fatalf("different scenes similarity = %v, want < 0.9", c)
	}
}

func TestHistogram_CanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := NewHistogram().Embed(ctx, stripes()); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

func TestRemote_Embed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, _, err := r.FormFile("image"); err != nil {
			http.Error(w, "missing image", http.StatusBadRequest)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"features": []float32{0.5, 0.25, 0.25}, "model": "clip-test"})
	}))
	defer srv.Close()

	r := NewRemote(srv.URL, time.Second)
	vec, err := r.Embed(context.Background(), stripes())
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if len(vec) != 3 || r.Dimension() != 3 || r.Model() != "clip-test" {
		t.Fatalf("vec=%v dim=%d model=%q", vec, r.Dimension(), r.Model())
	}
}

func TestRemote_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	if _, err := NewRemote(srv.URL, time.Second).Embed(context.Background(), stripes()); err == nil {
		t.Fatal("expected error for 503")
	}
}

type countingEmbedder struct {
	calls   atomic.Int32
	started chan struct{}
	release chan struct{}
}

func (c *countingEmbedder) Embed(ctx context.Context, img image.Image) ([]float32, error) {
	c.calls.Add(1)
	if c.started != nil {
		c.started <- struct{}{}
		<-c.release
	}
	return []float32{1, 0, 0}, nil
}

func (c *countingEmbedder) Dimension() int { return 3 }
func (c *countingEmbedder) Model() string  { return "counting" }

func TestService_CachesByContent(t *testing.T) {
	emb := &countingEmbedder{}
	s := NewService(emb, ServiceOptions{Workers: 1, QueueSize: 2, CacheSize: 8})
	defer s.Close()

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if _, err := s.Embed(ctx, stripes()); err != nil {
			t.Fatalf("Embed: %v", err)
		}
	}
	if n := emb.calls.Load(); n != 1 {
		t.Fatalf("embedder called %d times for identical pixels, want 1", n)
	}

	if _, err := s.Embed(ctx, solid(color.RGBA{255, 0, 0, 255})); err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if n := emb.calls.Load(); n != 2 {
		t.Fatalf("embedder called %d times, want a fresh embedding for new pixels", n)
	}
	if st := s.Stats(); st.Hits != 2 || st.Misses != 2 {
		t.Fatalf("stats = %+v", st)
	}
}

func TestContentKey(t *testing.T) {
	red := solid(color.RGBA{255, 0, 0, 255})
	blue := solid(color.RGBA{0, 0, 255, 255})
	if ContentKey(red) != ContentKey(solid(color.RGBA{255, 0, 0, 255})) {
		t.Fatal("equal pixels produced different keys")
	}
	if ContentKey(red) == ContentKey(blue) {
		t.Fatal("different colours share a key")
	}

	gray := image.NewGray(image.Rect(0, 0, 8, 8))
	key := ContentKey(gray)
	gray.Pix[10] = 1
	if ContentKey(gray) == key {
		t.Fatal("gray pixel change not reflected in key")
	}

	n := image.NewNRGBA(image.Rect(0, 0, 8, 8))
	key = ContentKey(n)
	n.Pix[3] = 255
	if ContentKey(n) == key {
		t.Fatal("generic image change not reflected in key")
	}

	sub := red.(*image.RGBA).SubImage(image.Rect(8, 8, 24, 24))
	if ContentKey(sub) == ContentKey(red) {
		t.Fatal("sub image shares the key of its parent")
	}
}

func TestService_QueueFull(t *testing.T) {
	emb := &countingEmbedder{started: make(chan struct{}), release: make(chan struct{})}
	s := NewService(emb, ServiceOptions{Workers: 1, QueueSize: 1})
	ctx := context.Background()

	first := s.GetEmbedding(ctx, stripes())
	<-emb.started
	second := s.GetEmbedding(ctx, stripes())

	res := <-s.GetEmbedding(ctx, stripes())
	if !errors.Is(res.Error, ErrQueueFull) {
		t.Fatalf("third request err = %v, want ErrQueueFull", res.Error)
	}

	close(emb.release)
	go func() {
		for range emb.started {
		}
	}()
	if r := <-first; r.Error != nil {
		t.Fatalf("first: %v", r.Error)
	}
	if r := <-second; r.Error != nil {
		t.Fatalf("second: %v", r.Error)
	}
	s.Close()
	close(emb.started)

	if r := <-s.GetEmbedding(ctx, stripes()); !errors.Is(r.Error, ErrClosed) {
		t.Fatalf("after close err = %v, want ErrClosed", r.Error)
	}
}

func TestLRU_Evicts(t *testing.T) {
	c := newLRU(2)
	c.put(1, []float32{1})
	c.put(2, []float32{2})
	c.get(1)
	c.put(3, []float32{3})

	if _, ok := c.get(2); ok {
		t.Fatal("least recently used entry was not evicted")
	}
	if _, ok := c.get(1); !ok {
		t.Fatal("recently used entry evicted")
	}
	if c.len() != 2 {
		t.Fatalf("len = %d, want 2", c.len())
	}

	off := newLRU(0)
	off.put(1, []float32{1})
	if _, ok := off.get(1); ok {
		t.Fatal("zero capacity cache stored a value")
	}
}
