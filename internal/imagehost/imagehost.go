// Package imagehost uploads composite images to a public file host and
// returns a URL the description service can fetch.
package imagehost

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
)

// Uploader stores a local file remotely and returns its reference
type Uploader interface {
	Upload(ctx context.Context, path string) (string, error)
}

// Client posts files as multipart form uploads
type Client struct {
	endpoint  string
	fieldName string
	client    *http.Client
}

// New creates a Client. Timeouts come from the caller's context.
func New(endpoint, fieldName string) *Client {
	if fieldName == "" {
		fieldName = "file"
	}
	return &Client{
		endpoint:  endpoint,
		fieldName: fieldName,
		client:    &http.Client{},
	}
}

// Upload sends the file at path. The reference is the trimmed text body,
// or its "url" field when the host answers with JSON.
func (c *Client) Upload(ctx context.Context, path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	part, err := w.CreateFormFile(c.fieldName, filepath.Base(path))
	if err != nil {
		return "", fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := io.Copy(part, f); err != nil {
		return "", fmt.Errorf("failed to copy file: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("failed to close multipart body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, &body)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("upload failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return "", fmt.Errorf("failed to read upload response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("upload returned %s: %s", resp.Status, bytes.TrimSpace(data))
	}

	return parseReference(data)
}

func parseReference(data []byte) (string, error) {
	text := strings.TrimSpace(string(data))
	if strings.HasPrefix(text, "{") {
		var out struct {
			URL string `json:"url"`
		}
		if err := json.Unmarshal([]byte(text), &out); err != nil {
			return "", fmt.Errorf("failed to decode upload response: %w", err)
		}
		text = strings.TrimSpace(out.URL)
	}
	if text == "" {
		return "", fmt.Errorf("upload response carried no reference")
	}
	return text, nil
}
