//go:build gocv

package capture

import (
	"context"
	"fmt"
	"image"

	"gocv.io/x/gocv"
)

func init() {
	Register("gocv", OpenGoCV)
}

// gocvReader reads through OpenCV's VideoCapture, which understands the
// same URLs, device indexes and files OpenCV does
type gocvReader struct {
	capture *gocv.VideoCapture
}

// OpenGoCV opens url with OpenCV
func OpenGoCV(ctx context.Context, url string) (Reader, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	capture, err := gocv.OpenVideoCapture(url)
	if err != nil {
		return nil, fmt.Errorf("failed to open video capture: %w", err)
	}
	if !capture.IsOpened() {
		capture.Close()
		return nil, fmt.Errorf("video capture not opened: %s", url)
	}
	return &gocvReader{capture: capture}, nil
}

// ReadFrame grabs and converts one frame. VideoCapture.Read cannot be
// interrupted, so a stalled read is abandoned rather than cancelled.
func (r *gocvReader) ReadFrame(ctx context.Context) (image.Image, error) {
	type result struct {
		img image.Image
		err error
	}
	done := make(chan result, 1)
	go func() {
		mat := gocv.NewMat()
		defer mat.Close()
		if ok := r.capture.Read(&mat); !ok || mat.Empty() {
			done <- result{err: errEmptyFrame}
			return
		}
		img, err := mat.ToImage()
		done <- result{img: img, err: err}
	}()

	select {
	case res := <-done:
		return res.img, res.err
	case <-ctx.Done():
		return nil, fmt.Errorf("read timed out: %w", ctx.Err())
	}
}

// Close releases the capture device
func (r *gocvReader) Close() error {
	return r.capture.Close()
}
