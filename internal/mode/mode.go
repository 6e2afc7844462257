// Package mode owns the selectable prompt templates and the active mode
// shared by the control surfaces and the enrichment pipeline.
package mode

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/bdougie/scenewatch/internal/config"
)

// QuitMode is the mode number reserved for stopping the pipeline
const QuitMode = 0

var (
	// ErrInvalidMode is returned by Select for numbers outside 0..len(prompts)
	ErrInvalidMode = errors.New("invalid mode")
	// ErrEmptyKeyword is returned when a blank keyword is applied
	ErrEmptyKeyword = errors.New("keyword is empty")
)

// KeywordRequest asks a KeywordSource for the value substituted into the
// keyword prompt
type KeywordRequest struct {
	Mode     int
	Template string
}

// KeywordSource collects a keyword, typically from an operator. Keyword may
// block; the controller always calls it off the caller's goroutine.
type KeywordSource interface {
	Keyword(ctx context.Context, req KeywordRequest) (string, error)
}

// KeywordPreparer is implemented by sources that must claim operator input
// before Select returns. PrepareKeyword runs on the caller's goroutine and
// must not block; Keyword follows for the same request.
type KeywordPreparer interface {
	PrepareKeyword(req KeywordRequest)
}

// Change describes the controller state after a mutation
type Change struct {
	Mode    int
	Prompt  string
	Keyword string
}

// Option configures a Controller
type Option func(*Controller)

// WithKeywordSource sets where keyword requests are posted
func WithKeywordSource(src KeywordSource) Option {
	return func(c *Controller) { c.source = src }
}

// WithLogger sets the logger
func WithLogger(l *slog.Logger) Option {
	return func(c *Controller) { c.logger = l }
}

// Controller holds the active mode index and the prompt templates. The
// index is read and written atomically; template text is guarded by mu.
type Controller struct {
	logger      *slog.Logger
	source      KeywordSource
	keywordMode int
	placeholder string

	active atomic.Int32

	mu        sync.RWMutex
	templates []string
	keyword   string
	listeners []func(Change)

	pending  atomic.Bool
	quit     chan struct{}
	quitOnce sync.Once
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// New creates a Controller with mode 1 active
func New(cfg config.ModesConfig, opts ...Option) *Controller {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Controller{
		logger:      slog.Default(),
		keywordMode: cfg.KeywordMode,
		placeholder: cfg.Placeholder,
		templates:   append([]string(nil), cfg.Prompts...),
		quit:        make(chan struct{}),
		ctx:         ctx,
		cancel:      cancel,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.active.Store(1)
	return c
}

// Current returns the active 1-based mode and its rendered prompt
func (c *Controller) Current() (int, string) {
	n := int(c.active.Load())
	c.mu.RLock()
	defer c.mu.RUnlock()
	return n, c.render(n)
}

// Prompts returns the rendered prompt of every mode in order
func (c *Controller) Prompts() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, len(c.templates))
	for i := range c.templates {
		out[i] = c.render(i + 1)
	}
	return out
}

// Keyword returns the keyword currently substituted into the keyword prompt
func (c *Controller) Keyword() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.keyword
}

// render must be called with mu held
func (c *Controller) render(n int) string {
	if n < 1 || n > len(c.templates) {
		return ""
	}
	t := c.templates[n-1]
	if n == c.keywordMode && c.keyword != "" {
		return strings.ReplaceAll(t, c.placeholder, c.keyword)
	}
	return t
}

// Select activates mode n (1-based). Mode 0 requests shutdown. Selecting the
// keyword mode also posts a keyword request that is served in the
// background; Select itself never blocks.
func (c *Controller) Select(n int) error {
	if n == QuitMode {
		c.quitOnce.Do(func() {
			c.logger.Info("quit requested")
			close(c.quit)
			c.cancel()
		})
		return nil
	}

	c.mu.RLock()
	count := len(c.templates)
	c.mu.RUnlock()
	if n < 1 || n > count {
		return fmt.Errorf("%w: %d (valid 0..%d)", ErrInvalidMode, n, count)
	}

	c.active.Store(int32(n))
	_, prompt := c.Current()
	c.logger.Info("switching prompt", "mode", n, "prompt", prompt)
	c.notify()

	if n == c.keywordMode {
		c.requestKeyword(n)
	}
	return nil
}

func (c *Controller) requestKeyword(n int) {
	if c.source == nil {
		c.logger.Warn("keyword mode selected but no keyword source is configured")
		return
	}
	if !c.pending.CompareAndSwap(false, true) {
		c.logger.Debug("keyword request already pending")
		return
	}

	c.mu.RLock()
	req := KeywordRequest{Mode: n, Template: c.templates[n-1]}
	c.mu.RUnlock()

	if p, ok := c.source.(KeywordPreparer); ok {
		p.PrepareKeyword(req)
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer c.pending.Store(false)

		kw, err := c.source.Keyword(c.ctx, req)
		if err != nil {
			if c.ctx.Err() == nil {
				c.logger.Warn("keyword request failed", "error", err)
			}
			return
		}
		if err := c.SetKeyword(kw); err != nil {
			c.logger.Warn("keyword rejected", "error", err)
		}
	}()
}

// KeywordPending reports whether a keyword request is in flight
func (c *Controller) KeywordPending() bool { return c.pending.Load() }

// SetKeyword rewrites the keyword prompt with kw
func (c *Controller) SetKeyword(kw string) error {
	kw = strings.TrimSpace(kw)
	if kw == "" {
		return ErrEmptyKeyword
	}
	if c.keywordMode < 1 {
		return fmt.Errorf("no keyword mode configured")
	}

	c.mu.Lock()
	c.keyword = kw
	prompt := c.render(c.keywordMode)
	c.mu.Unlock()

	c.logger.Info("keyword updated", "mode", c.keywordMode, "prompt", prompt)
	c.notify()
	return nil
}

// OnChange registers fn to be called after every mode or keyword change
func (c *Controller) OnChange(fn func(Change)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, fn)
}

func (c *Controller) notify() {
	n, prompt := c.Current()
	c.mu.RLock()
	ch := Change{Mode: n, Prompt: prompt, Keyword: c.keyword}
	listeners := append(([]func(Change))(nil), c.listeners...)
	c.mu.RUnlock()

	for _, fn := range listeners {
		fn(ch)
	}
}

// Quit returns a channel closed once mode 0 has been selected
func (c *Controller) Quit() <-chan struct{} { return c.quit }

// Close abandons any pending keyword request and waits for its goroutine
func (c *Controller) Close() {
	c.cancel()
	c.wg.Wait()
}
