// Package capture reads frames from a camera or network stream, survives
// stream drops by reconnecting, and forwards every K-th frame.
package capture

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bdougie/scenewatch/internal/config"
	"github.com/bdougie/scenewatch/internal/imaging"
	"github.com/bdougie/scenewatch/internal/models"
)

// ErrOpen is returned when the stream cannot be opened at startup
var ErrOpen = errors.New("failed to open stream")

// errEmptyFrame marks a read that returned no pixels
var errEmptyFrame = errors.New("empty frame")

// Reader is an open stream handle
type Reader interface {
	ReadFrame(ctx context.Context) (image.Image, error)
	Close() error
}

// Opener connects to url and returns a Reader
type Opener func(ctx context.Context, url string) (Reader, error)

var (
	registryMu sync.RWMutex
	registry   = map[string]Opener{}
)

// Register makes an opener available under a backend name
func Register(name string, open Opener) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[name] = open
}

// Lookup returns the opener registered for a backend
func Lookup(name string) (Opener, error) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	open, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("unknown stream backend %q (available: %v)", name, backends())
	}
	return open, nil
}

func backends() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Stats are cumulative source counters
type Stats struct {
	RawFrames    uint64 `json:"raw_frames"`
	Forwarded    uint64 `json:"forwarded"`
	ReadFailures uint64 `json:"read_failures"`
	Reconnects   uint64 `json:"reconnects"`
}

// Option configures a Source
type Option func(*Source)

// WithLogger sets the logger
func WithLogger(l *slog.Logger) Option {
	return func(s *Source) { s.logger = l }
}

// Source yields decimated, normalized frames from a stream. It is used by a
// single goroutine.
type Source struct {
	cfg    config.StreamConfig
	open   Opener
	logger *slog.Logger

	reader  Reader
	attempt int

	raw, forwarded, failures, reconnects atomic.Uint64
}

// New creates a Source using the given opener
func New(cfg config.StreamConfig, open Opener, opts ...Option) *Source {
	if cfg.Decimation < 1 {
		cfg.Decimation = 1
	}
	s := &Source{cfg: cfg, open: open, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NewFromConfig creates a Source for the configured backend
func NewFromConfig(cfg config.StreamConfig, opts ...Option) (*Source, error) {
	open, err := Lookup(cfg.Backend)
	if err != nil {
		return nil, err
	}
	return New(cfg, open, opts...), nil
}

// Open performs the initial connection. Its failure is the only stream error
// callers ever see.
func (s *Source) Open(ctx context.Context) error {
	r, err := s.open(ctx, s.cfg.URL)
	if err != nil {
		return fmt.Errorf("%w %s: %v", ErrOpen, s.cfg.URL, err)
	}
	s.reader = r
	s.logger.Info("stream opened", "url", s.cfg.URL, "backend", s.cfg.Backend)
	return nil
}

// Next returns the next forwarded frame. Read failures close the handle and
// reopen the same endpoint until a frame arrives; only ctx ends the wait.
func (s *Source) Next(ctx context.Context) (models.Frame, error) {
	for {
		if err := ctx.Err(); err != nil {
			return models.Frame{}, err
		}
		if s.reader == nil {
			if err := s.reconnect(ctx); err != nil {
				return models.Frame{}, err
			}
		}

		img, err := s.read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return models.Frame{}, ctx.Err()
			}
			s.failures.Add(1)
			s.logger.Warn("frame read failed, reconnecting", "error", err)
			s.drop()
			continue
		}

		s.attempt = 0
		n := s.raw.Add(1)
		if n%uint64(s.cfg.Decimation) != 0 {
			continue
		}

		color, gray := imaging.Normalize(img, s.cfg.Width, s.cfg.Height)
		s.forwarded.Add(1)
		return models.Frame{
			Seq:       n,
			Timestamp: time.Now(),
			Image:     color,
			Gray:      gray,
		}, nil
	}
}

func (s *Source) read(ctx context.Context) (image.Image, error) {
	if s.cfg.ReadTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.ReadTimeout)
		defer cancel()
	}
	img, err := s.reader.ReadFrame(ctx)
	if err != nil {
		return nil, err
	}
	if img == nil || img.Bounds().Empty() {
		return nil, errEmptyFrame
	}
	return img, nil
}

// reconnect reopens the stream with exponential backoff until it succeeds
// or ctx is done
func (s *Source) reconnect(ctx context.Context) error {
	for {
		s.attempt++
		if err := sleep(ctx, calculateBackoff(s.attempt, s.cfg.RetryDelay, s.cfg.MaxRetryWait)); err != nil {
			return err
		}

		s.reconnects.Add(1)
		r, err := s.open(ctx, s.cfg.URL)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.logger.Warn("reconnect failed", "attempt", s.attempt, "error", err)
			continue
		}
		s.reader = r
		s.logger.Info("stream reconnected", "attempt", s.attempt)
		return nil
	}
}

func (s *Source) drop() {
	if s.reader == nil {
		return
	}
	if err := s.reader.Close(); err != nil {
		s.logger.Debug("close stream", "error", err)
	}
	s.reader = nil
}

// Close releases the stream handle
func (s *Source) Close() error {
	s.drop()
	return nil
}

// Stats returns a snapshot of the counters
func (s *Source) Stats() Stats {
	return Stats{
		RawFrames:    s.raw.Load(),
		Forwarded:    s.forwarded.Load(),
		ReadFailures: s.failures.Load(),
		Reconnects:   s.reconnects.Load(),
	}
}

// calculateBackoff returns base * 2^(attempt-1), capped at maxDelay. A zero
// base disables waiting.
func calculateBackoff(attempt int, base, maxDelay time.Duration) time.Duration {
	if base <= 0 || attempt < 1 {
		return 0
	}
	if attempt > 30 {
		attempt = 30
	}
	delay := base * time.Duration(1<<uint(attempt-1))
	if maxDelay > 0 && delay > maxDelay {
		delay = maxDelay
	}
	return delay
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
