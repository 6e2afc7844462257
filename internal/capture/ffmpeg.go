package capture

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"image"
	"io"
	"os/exec"
	"strings"
	"sync"
)

func init() {
	Register("ffmpeg", OpenFFmpeg)
}

// ffmpegBinary is the executable used by the ffmpeg backend
var ffmpegBinary = "ffmpeg"

// ffmpegReader decodes any ffmpeg input (RTSP, files, devices) by piping it
// out as a stream of MJPEG images
type ffmpegReader struct {
	cmd     *exec.Cmd
	cancel  context.CancelFunc
	stdout  io.ReadCloser
	scanner *jpegScanner

	mu     sync.Mutex
	stderr bytes.Buffer
	once   sync.Once
}

func ffmpegArgs(url string) []string {
	args := []string{"-hide_banner", "-loglevel", "error"}
	if strings.HasPrefix(url, "rtsp://") {
		args = append(args, "-rtsp_transport", "tcp")
	}
	return append(args,
		"-i", url,
		"-f", "image2pipe",
		"-vcodec", "mjpeg",
		"-q:v", "5",
		"-",
	)
}

// OpenFFmpeg starts an ffmpeg process reading url
func OpenFFmpeg(ctx context.Context, url string) (Reader, error) {
	pctx, cancel := context.WithCancel(context.Background())
	cmd := exec.CommandContext(pctx, ffmpegBinary, ffmpegArgs(url)...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("ffmpeg failed to start: %w", err)
	}

	r := &ffmpegReader{
		cmd:     cmd,
		cancel:  cancel,
		stdout:  stdout,
		scanner: newJPEGScanner(bufio.NewReaderSize(stdout, 256<<10)),
	}

	// keep the tail of stderr for error reports
	go func() {
		sc := bufio.NewScanner(stderr)
		for sc.Scan() {
			r.mu.Lock()
			if r.stderr.Len() > 4096 {
				r.stderr.Reset()
			}
			r.stderr.WriteString(sc.Text())
			r.stderr.WriteByte('\n')
			r.mu.Unlock()
		}
	}()

	if err := ctx.Err(); err != nil {
		r.Close()
		return nil, err
	}
	return r, nil
}

// ReadFrame returns the next frame emitted by ffmpeg
func (r *ffmpegReader) ReadFrame(ctx context.Context) (image.Image, error) {
	stop := context.AfterFunc(ctx, r.cancel)
	defer stop()

	data, err := r.scanner.Next()
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("read timed out: %w", ctx.Err())
		}
		r.mu.Lock()
		msg := strings.TrimSpace(r.stderr.String())
		r.mu.Unlock()
		if msg != "" {
			return nil, fmt.Errorf("ffmpeg stream ended: %w\nOutput: %s", err, msg)
		}
		return nil, fmt.Errorf("ffmpeg stream ended: %w", err)
	}
	return decodeJPEG(data)
}

// Close kills the process and reaps it
func (r *ffmpegReader) Close() error {
	r.once.Do(func() {
		r.cancel()
		r.cmd.Wait()
	})
	return nil
}
