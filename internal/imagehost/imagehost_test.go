package imagehost

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "combined_frame.jpg")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	return path
}

func TestUpload(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		want    string
		wantErr bool
	}{
		{"plain text", http.StatusOK, "https://0x0.st/abc.jpg\n", "https://0x0.st/abc.jpg", false},
		{"json url", http.StatusCreated, `{"url": "https://img.example/x.jpg"}`, "https://img.example/x.jpg", false},
		{"server error", http.StatusInternalServerError, "boom", "", true},
		{"empty body", http.StatusOK, "  ", "", true},
		{"json without url", http.StatusOK, `{"id": 3}`, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var gotContent string
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				f, hdr, err := r.FormFile("file")
				if err != nil {
					http.Error(w, err.Error(), http.StatusBadRequest)
					return
				}
				data, _ := io.ReadAll(f)
				gotContent = string(data)
				if hdr.Filename != "combined_frame.jpg" {
					http.Error(w, "bad filename "+hdr.Filename, http.StatusBadRequest)
					return
				}
				w.WriteHeader(tt.status)
				io.WriteString(w, tt.body)
			}))
			defer srv.Close()

			ref, err := New(srv.URL, "").Upload(context.Background(), writeFile(t, "jpegdata"))
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %q", ref)
				}
				return
			}
			if err != nil {
				t.Fatalf("Upload: %v", err)
			}
			if ref != tt.want {
				t.Fatalf("ref = %q, want %q", ref, tt.want)
			}
			if gotContent != "jpegdata" {
				t.Fatalf("uploaded content = %q", gotContent)
			}
		})
	}
}

func TestUpload_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(2 * time.Second):
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := New(srv.URL, "file").Upload(ctx, writeFile(t, "x")); err == nil {
		t.Fatal("expected timeout error")
	}
}

func TestUpload_MissingFile(t *testing.T) {
	if _, err := New("http://127.0.0.1:1", "file").Upload(context.Background(), "/nonexistent.jpg"); err == nil {
		t.Fatal("expected error for missing file")
	}
}
