package capture

import (
	"bytes"
	"context"
	"image/jpeg"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"slices"
	"sync/atomic"
	"testing"
	"time"
)

func jpegBytes(t *testing.T, c uint8) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, testImage(c), nil); err != nil {
		t.Fatalf("encode: %v", err)
	}
	return buf.Bytes()
}

func TestMJPEG_MultipartStream(t *testing.T) {
	frames := [][]byte{jpegBytes(t, 10), jpegBytes(t, 120), jpegBytes(t, 250)}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mw := multipart.NewWriter(w)
		mw.SetBoundary("frame")
		w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary=frame")
		for _, f := range frames {
			part, _ := mw.CreatePart(textproto.MIMEHeader{"Content-Type": {"image/jpeg"}})
			part.Write(f)
			w.(http.Flusher).Flush()
		}
		mw.Close()
	}))
	defer srv.Close()

	ctx := context.Background()
	r, err := OpenMJPEG(ctx, srv.URL)
	if err != nil {
		t.Fatalf("OpenMJPEG: %v", err)
	}
	defer r.Close()

	for i := range frames {
		img, err := r.ReadFrame(ctx)
		if err != nil {
			t.Fatalf("frame %d: %v", i, err)
		}
		if img.Bounds().Dx() != 32 {
			t.Fatalf("frame %d width = %d", i, img.Bounds().Dx())
		}
	}
	if _, err := r.ReadFrame(ctx); err == nil {
		t.Fatal("expected error at end of stream")
	}
}

func TestMJPEG_SnapshotPolling(t *testing.T) {
	var hits atomic.Int32
	frame := jpegBytes(t, 77)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "image/jpeg")
		w.Write(frame)
	}))
	defer srv.Close()

	ctx := context.Background()
	r, err := OpenMJPEG(ctx, srv.URL)
	if err != nil {
		t.Fatalf("OpenMJPEG: %v", err)
	}
	defer r.Close()

	for i := 0; i < 3; i++ {
		if _, err := r.ReadFrame(ctx); err != nil {
			t.Fatalf("read %d: %v", i, err)
		}
	}
	if n := hits.Load(); n != 3 {
		t.Fatalf("server hit %d times, want 3", n)
	}
}

func TestMJPEG_RawConcatenatedBody(t *testing.T) {
	body := slices.Concat([]byte("garbage"), jpegBytes(t, 1), []byte{0x00, 0x01}, jpegBytes(t, 2))
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Write(body)
	}))
	defer srv.Close()

	ctx := context.Background()
	r, err := OpenMJPEG(ctx, srv.URL)
	if err != nil {
		t.Fatalf("OpenMJPEG: %v", err)
	}
	defer r.Close()

	for i := 0; i < 2; i++ {
		if _, err := r.ReadFrame(ctx); err != nil {
			t.Fatalf("read %d: %v", i, err)
		}
	}
}

func TestMJPEG_BadStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusNotFound)
	}))
	defer srv.Close()

	if _, err := OpenMJPEG(context.Background(), srv.URL); err == nil {
		t.Fatal("expected error for 404")
	}
}

func TestMJPEG_ReadTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary=frame")
		w.WriteHeader(http.StatusOK)
		w.(http.Flusher).Flush()
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	r, err := OpenMJPEG(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("OpenMJPEG: %v", err)
	}
	defer r.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	start := time.Now()
	if _, err := r.ReadFrame(ctx); err == nil {
		t.Fatal("expected timeout")
	}
	if time.Since(start) > 2*time.Second {
		t.Fatal("read was not bounded by the context")
	}
}

func TestExtractJPEGFrame(t *testing.T) {
	buf := []byte{0x01, 0xFF, 0xD8, 0xAA, 0xFF, 0xD9, 0x02, 0xFF, 0xD8, 0xBB}
	frame := extractJPEGFrame(&buf)
	if !bytes.Equal(frame, []byte{0xFF, 0xD8, 0xAA, 0xFF, 0xD9}) {
		t.Fatalf("frame = %x", frame)
	}
	if extractJPEGFrame(&buf) != nil {
		t.Fatal("incomplete frame returned")
	}
	if !bytes.Equal(buf, []byte{0xFF, 0xD8, 0xBB}) {
		t.Fatalf("remaining buffer = %x", buf)
	}

	junk := []byte{0x00, 0x01, 0xFF}
	extractJPEGFrame(&junk)
	if !bytes.Equal(junk, []byte{0xFF}) {
		t.Fatalf("junk buffer = %x", junk)
	}
}

func TestFFmpegArgs(t *testing.T) {
	args := ffmpegArgs("rtsp://cam/live")
	if !slices.Contains(args, "-rtsp_transport") {
		t.Fatalf("rtsp args missing transport: %v", args)
	}
	if args[len(args)-1] != "-" || !slices.Contains(args, "image2pipe") {
		t.Fatalf("args do not pipe mjpeg to stdout: %v", args)
	}
	if slices.Contains(ffmpegArgs("/videos/clip.mp4"), "-rtsp_transport") {
		t.Fatal("file input got rtsp flags")
	}
}
