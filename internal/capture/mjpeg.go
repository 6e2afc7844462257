package capture

import (
	"context"
	"fmt"
	"image"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"strings"
	"time"
)

func init() {
	Register("mjpeg", OpenMJPEG)
}

// httpClient has no overall timeout; streams are long-lived and reads are
// bounded through the request context instead
var httpClient = &http.Client{
	Transport: &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		ResponseHeaderTimeout: 10 * time.Second,
		IdleConnTimeout:       30 * time.Second,
	},
}

// mjpegReader reads frames from an HTTP camera endpoint. Three shapes are
// handled: multipart/x-mixed-replace streams, single-image snapshot
// endpoints that are polled, and raw concatenated JPEG bodies.
type mjpegReader struct {
	url    string
	ctx    context.Context
	cancel context.CancelFunc
	body   io.ReadCloser

	parts    *multipart.Reader
	scanner  *jpegScanner
	snapshot []byte // first snapshot, consumed by the first read
	polling  bool
}

// OpenMJPEG connects to an HTTP MJPEG or snapshot endpoint
func OpenMJPEG(ctx context.Context, url string) (Reader, error) {
	rctx, cancel := context.WithCancel(context.Background())
	r := &mjpegReader{url: url, ctx: rctx, cancel: cancel}

	stop := context.AfterFunc(ctx, cancel)
	resp, err := r.get()
	stop()
	if err != nil {
		cancel()
		return nil, err
	}

	mediaType, params, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if err != nil {
		mediaType = ""
	}

	switch {
	case strings.HasPrefix(mediaType, "multipart/"):
		boundary := strings.TrimPrefix(params["boundary"], "--")
		if boundary == "" {
			resp.Body.Close()
			cancel()
			return nil, fmt.Errorf("multipart stream without boundary")
		}
		r.body = resp.Body
		r.parts = multipart.NewReader(resp.Body, boundary)
	case mediaType == "image/jpeg":
		data, err := io.ReadAll(io.LimitReader(resp.Body, maxFrameBytes))
		resp.Body.Close()
		if err != nil {
			cancel()
			return nil, fmt.Errorf("read snapshot: %w", err)
		}
		r.polling = true
		r.snapshot = data
	default:
		r.body = resp.Body
		r.scanner = newJPEGScanner(resp.Body)
	}
	return r, nil
}

func (r *mjpegReader) get() (*http.Response, error) {
	req, err := http.NewRequestWithContext(r.ctx, http.MethodGet, r.url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("connection failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("bad status: %s", resp.Status)
	}
	return resp, nil
}

// ReadFrame returns the next decoded frame. When ctx ends mid-read the
// underlying connection is torn down, which makes this reader unusable.
func (r *mjpegReader) ReadFrame(ctx context.Context) (image.Image, error) {
	stop := context.AfterFunc(ctx, r.cancel)
	defer stop()

	data, err := r.next()
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("read timed out: %w", ctx.Err())
		}
		return nil, err
	}
	return decodeJPEG(data)
}

func (r *mjpegReader) next() ([]byte, error) {
	switch {
	case r.parts != nil:
		for {
			part, err := r.parts.NextPart()
			if err != nil {
				return nil, fmt.Errorf("error reading part: %w", err)
			}
			ct := part.Header.Get("Content-Type")
			if ct != "" && !strings.HasPrefix(ct, "image/") {
				part.Close()
				continue
			}
			data, err := io.ReadAll(io.LimitReader(part, maxFrameBytes))
			part.Close()
			if err != nil {
				return nil, fmt.Errorf("error reading part: %w", err)
			}
			return data, nil
		}
	case r.polling:
		if r.snapshot != nil {
			data := r.snapshot
			r.snapshot = nil
			return data, nil
		}
		resp, err := r.get()
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		return io.ReadAll(io.LimitReader(resp.Body, maxFrameBytes))
	default:
		return r.scanner.Next()
	}
}

// Close closes the connection
func (r *mjpegReader) Close() error {
	r.cancel()
	if r.body != nil {
		return r.body.Close()
	}
	return nil
}
