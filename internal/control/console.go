// Package control exposes the mode controller to operators: an interactive
// console, MQTT commands and an HTTP API.
package control

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	"github.com/bdougie/scenewatch/internal/mode"
)

// ErrKeywordBusy is returned when a second keyword request arrives while the
// console is already waiting for one
var ErrKeywordBusy = errors.New("console is already waiting for a keyword")

// Modes is the part of the mode controller the control surfaces drive
type Modes interface {
	Current() (int, string)
	Prompts() []string
	Select(n int) error
	SetKeyword(kw string) error
	Keyword() string
}

// Console reads operator input line by line. A digit selects a mode; while a
// keyword request is pending the next line answers it instead.
type Console struct {
	in     io.Reader
	out    io.Writer
	logger *slog.Logger

	mu       sync.Mutex
	waiter   chan string // receives the next line
	prepared chan string // registered by PrepareKeyword, not yet claimed by Keyword
}

// NewConsole creates a console on in and out
func NewConsole(in io.Reader, out io.Writer, logger *slog.Logger) *Console {
	if logger == nil {
		logger = slog.Default()
	}
	return &Console{in: in, out: out, logger: logger}
}

// PrepareKeyword implements mode.KeywordPreparer. From here on the next
// line read by Run answers the request, even if Keyword has not started yet.
func (c *Console) PrepareKeyword(req mode.KeywordRequest) {
	c.mu.Lock()
	if c.waiter != nil || c.prepared != nil {
		c.mu.Unlock()
		return
	}
	w := make(chan string, 1)
	c.waiter, c.prepared = w, w
	c.mu.Unlock()

	c.promptKeyword(req)
}

// Keyword implements mode.KeywordSource. It blocks until Run reads the next
// line or ctx ends.
func (c *Console) Keyword(ctx context.Context, req mode.KeywordRequest) (string, error) {
	var w chan string
	c.mu.Lock()
	switch {
	case c.prepared != nil:
		w, c.prepared = c.prepared, nil
		c.mu.Unlock()
	case c.waiter != nil:
		c.mu.Unlock()
		return "", ErrKeywordBusy
	default:
		w = make(chan string, 1)
		c.waiter = w
		c.mu.Unlock()
		c.promptKeyword(req)
	}

	select {
	case kw := <-w:
		return kw, nil
	case <-ctx.Done():
		c.mu.Lock()
		if c.waiter == w {
			c.waiter = nil
		}
		c.mu.Unlock()
		return "", ctx.Err()
	}
}

func (c *Console) promptKeyword(req mode.KeywordRequest) {
	fmt.Fprintf(c.out, "Enter the keyword to replace in prompt %d: ", req.Mode)
}

// Waiting reports whether a keyword request is waiting for input
func (c *Console) Waiting() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.waiter != nil
}

// PrintMenu writes the selectable modes
func (c *Console) PrintMenu(modes Modes) {
	active, _ := modes.Current()
	for i, p := range modes.Prompts() {
		marker := " "
		if i+1 == active {
			marker = "*"
		}
		fmt.Fprintf(c.out, "%s %d: %s\n", marker, i+1, p)
	}
	fmt.Fprintln(c.out, "  0: quit")
}

// Run processes input until ctx ends or the input is exhausted. The reader
// goroutine is left blocked on in when ctx ends first.
func (c *Console) Run(ctx context.Context, modes Modes) error {
	lines := make(chan string)
	errc := make(chan error, 1)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(c.in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
		errc <- sc.Err()
	}()

	c.PrintMenu(modes)
	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				c.logger.Debug("console input closed")
				select {
				case err := <-errc:
					return err
				default:
					return nil
				}
			}
			c.handle(line, modes)
		}
	}
}

func (c *Console) handle(line string, modes Modes) {
	line = strings.TrimSpace(line)

	c.mu.Lock()
	w := c.waiter
	c.waiter = nil
	c.mu.Unlock()
	if w != nil {
		w <- line
		return
	}

	if line == "" {
		return
	}
	n, err := strconv.Atoi(line)
	if err != nil {
		fmt.Fprintf(c.out, "unknown input %q, enter a mode number\n", line)
		return
	}
	if n == mode.QuitMode {
		modes.Select(n)
		fmt.Fprintln(c.out, "Exiting program.")
		return
	}

	// announce before Select so a keyword prompt follows the switch line
	if prompts := modes.Prompts(); n >= 1 && n <= len(prompts) {
		fmt.Fprintf(c.out, "Switching to prompt %d: %s\n", n, prompts[n-1])
	}
	if err := modes.Select(n); err != nil {
		fmt.Fprintf(c.out, "%v\n", err)
	}
}
