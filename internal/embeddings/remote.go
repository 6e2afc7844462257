package embeddings

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"image/jpeg"
	"io"
	"mime/multipart"
	"net/http"
	"sync/atomic"
	"time"
)

// Remote posts JPEG-encoded frames to a feature extraction service that
// answers with {"features": [...], "model": "..."}.
type Remote struct {
	endpoint string
	client   *http.Client
	dim      atomic.Int64
	model    atomic.Value
}

// NewRemote creates a remote embedder with a per-request timeout
func NewRemote(endpoint string, timeout time.Duration) *Remote {
	r := &Remote{
		endpoint: endpoint,
		client:   &http.Client{Timeout: timeout},
	}
	r.model.Store("remote")
	return r
}

type remoteResponse struct {
	Features []float32 `json:"features"`
	Model    string    `json:"model"`
}

// Dimension returns the vector length seen in the last response, 0 before
// the first call
func (r *Remote) Dimension() int { return int(r.dim.Load()) }

// Model returns the model name reported by the service
func (r *Remote) Model() string { return r.model.Load().(string) }

// Embed sends img to the service and returns its feature vector
func (r *Remote) Embed(ctx context.Context, img image.Image) ([]float32, error) {
	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	part, err := w.CreateFormFile("image", "frame.jpg")
	if err != nil {
		return nil, fmt.Errorf("failed to create form file: %w", err)
	}
	if err := jpeg.Encode(part, img, &jpeg.Options{Quality: 85}); err != nil {
		return nil, fmt.Errorf("failed to encode frame: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("failed to close multipart body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint, &body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("feature request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("feature service returned %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
	}

	var out remoteResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode features: %w", err)
	}
	if len(out.Features) == 0 {
		return nil, fmt.Errorf("feature service returned an empty vector")
	}

	r.dim.Store(int64(len(out.Features)))
	if out.Model != "" {
		r.model.Store(out.Model)
	}
	return out.Features, nil
}
