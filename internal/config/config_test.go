package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "scenewatch.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestDefaultIsValid(t *testing.T) {
	if err := Validate(Default()); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}

func TestLoad_EmptyPathUsesDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Stream.Decimation != 10 || cfg.Batch.Size != 6 {
		t.Fatalf("unexpected defaults: decimation=%d batch=%d", cfg.Stream.Decimation, cfg.Batch.Size)
	}
	if cfg.Quality.SharpnessThreshold != 300 || cfg.Quality.EdgeThreshold != 100 {
		t.Fatalf("unexpected quality defaults: %+v", cfg.Quality)
	}
	if cfg.Change.CosineThreshold != 0.9 || cfg.Change.HashThreshold != 5 || cfg.Change.MotionThreshold != 0.05 {
		t.Fatalf("unexpected change defaults: %+v", cfg.Change)
	}
}

func TestLoad_OverridesAndDurations(t *testing.T) {
	path := writeConfig(t, `
stream:
  url: rtsp://camera.local/live
  backend: ffmpeg
  decimation: 5
  read_timeout: 3s
batch:
  size: 4
enrich:
  workers: 2
  upload_timeout: 250ms
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Stream.URL != "rtsp://camera.local/live" || cfg.Stream.Backend != "ffmpeg" {
		t.Fatalf("stream not overridden: %+v", cfg.Stream)
	}
	if cfg.Stream.ReadTimeout != 3*time.Second {
		t.Fatalf("read_timeout = %v", cfg.Stream.ReadTimeout)
	}
	if cfg.Enrich.UploadTimeout != 250*time.Millisecond {
		t.Fatalf("upload_timeout = %v", cfg.Enrich.UploadTimeout)
	}
	// untouched sections keep their defaults
	if cfg.Stream.Width != 640 || cfg.Describe.MaxTokens != 900 {
		t.Fatalf("defaults lost: width=%d max_tokens=%d", cfg.Stream.Width, cfg.Describe.MaxTokens)
	}
}

func TestLoad_EnvSecrets(t *testing.T) {
	t.Setenv(EnvDescribeAPIKey, "sk-test")
	t.Setenv(EnvPostgresDSN, "postgres://u:p@localhost/db")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Describe.APIKey != "sk-test" {
		t.Fatalf("api key = %q", cfg.Describe.APIKey)
	}
	if cfg.Storage.PostgresDSN != "postgres://u:p@localhost/db" {
		t.Fatalf("dsn = %q", cfg.Storage.PostgresDSN)
	}
}

func TestLoad_Invalid(t *testing.T) {
	cases := []struct {
		name string
		body string
		want string
	}{
		{"bad backend", "stream:\n  backend: vlc\n", "Backend"},
		{"zero decimation", "stream:\n  decimation: 0\n", "Decimation"},
		{"zero batch", "batch:\n  size: 0\n", "Size"},
		{"remote embedder without endpoint", "embedder:\n  kind: remote\n", "Endpoint"},
		{"keyword mode out of range", "modes:\n  keyword_mode: 7\n", "out of range"},
		{"keyword prompt without placeholder", "modes:\n  prompts: [\"a\", \"b\"]\n  keyword_mode: 1\n", "placeholder"},
		{"malformed yaml", "stream: [\n", "parse"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tc.body))
			if err == nil {
				t.Fatalf("expected error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("error %q does not mention %q", err, tc.want)
			}
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}
