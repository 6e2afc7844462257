package capture

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"io"
)

// maxFrameBytes bounds the scan buffer so a stream without markers cannot
// grow it forever
const maxFrameBytes = 16 << 20

var (
	jpegSOI = []byte{0xFF, 0xD8}
	jpegEOI = []byte{0xFF, 0xD9}
)

// jpegScanner splits a byte stream of concatenated JPEG images on their
// start and end markers
type jpegScanner struct {
	r   io.Reader
	buf []byte
	tmp []byte
}

func newJPEGScanner(r io.Reader) *jpegScanner {
	return &jpegScanner{r: r, tmp: make([]byte, 64<<10)}
}

// Next returns the bytes of the next complete JPEG in the stream
func (s *jpegScanner) Next() ([]byte, error) {
	for {
		if frame := extractJPEGFrame(&s.buf); frame != nil {
			return frame, nil
		}
		if len(s.buf) > maxFrameBytes {
			return nil, fmt.Errorf("no complete jpeg in %d bytes", len(s.buf))
		}

		n, err := s.r.Read(s.tmp)
		s.buf = append(s.buf, s.tmp[:n]...)
		if err != nil {
			if n > 0 && errors.Is(err, io.EOF) {
				if frame := extractJPEGFrame(&s.buf); frame != nil {
					return frame, nil
				}
			}
			return nil, err
		}
	}
}

// extractJPEGFrame removes and returns the first complete JPEG in buffer.
// Bytes before the start marker are discarded.
func extractJPEGFrame(buffer *[]byte) []byte {
	start := bytes.Index(*buffer, jpegSOI)
	if start < 0 {
		// keep a trailing 0xFF in case the marker straddles reads
		if n := len(*buffer); n > 0 && (*buffer)[n-1] == 0xFF {
			*buffer = (*buffer)[n-1:]
		} else {
			*buffer = (*buffer)[:0]
		}
		return nil
	}

	end := bytes.Index((*buffer)[start+2:], jpegEOI)
	if end < 0 {
		*buffer = (*buffer)[start:]
		return nil
	}
	end += start + 2 + 2

	frame := make([]byte, end-start)
	copy(frame, (*buffer)[start:end])
	*buffer = (*buffer)[end:]
	return frame
}

func decodeJPEG(data []byte) (image.Image, error) {
	img, err := jpeg.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode jpeg: %w", err)
	}
	return img, nil
}
