package mode

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bdougie/scenewatch/internal/config"
)

// chanSource hands out keywords written to replies
type chanSource struct {
	requests chan KeywordRequest
	replies  chan string
}

func newChanSource() *chanSource {
	return &chanSource{requests: make(chan KeywordRequest, 4), replies: make(chan string)}
}

func (s *chanSource) Keyword(ctx context.Context, req KeywordRequest) (string, error) {
	s.requests <- req
	select {
	case kw := <-s.replies:
		return kw, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestController_Select(t *testing.T) {
	c := New(config.Default().Modes)
	defer c.Close()

	if n, p := c.Current(); n != 1 || !strings.Contains(p, "6 images") {
		t.Fatalf("initial mode = %d %q", n, p)
	}

	if err := c.Select(3); err != nil {
		t.Fatalf("Select(3): %v", err)
	}
	if n, p := c.Current(); n != 3 || !strings.Contains(p, "Llama") {
		t.Fatalf("after Select(3) = %d %q", n, p)
	}

	for _, bad := range []int{-1, 4, 9} {
		if err := c.Select(bad); !errors.Is(err, ErrInvalidMode) {
			t.Fatalf("Select(%d) err = %v, want ErrInvalidMode", bad, err)
		}
	}
	if n, _ := c.Current(); n != 3 {
		t.Fatalf("invalid select changed mode to %d", n)
	}
}

func TestController_QuitMode(t *testing.T) {
	c := New(config.Default().Modes)
	defer c.Close()

	select {
	case <-c.Quit():
		t.Fatal("quit closed before mode 0")
	default:
	}

	if err := c.Select(0); err != nil {
		t.Fatalf("Select(0): %v", err)
	}
	c.Select(0) // idempotent

	select {
	case <-c.Quit():
	case <-time.After(time.Second):
		t.Fatal("quit not closed")
	}
}

func TestController_KeywordRequestDoesNotBlock(t *testing.T) {
	src := newChanSource()
	c := New(config.Default().Modes, WithKeywordSource(src))
	defer c.Close()

	done := make(chan struct{})
	go func() {
		c.Select(2)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Select blocked on keyword input")
	}

	req := <-src.requests
	if req.Mode != 2 || !strings.Contains(req.Template, "<keyword>") {
		t.Fatalf("request = %+v", req)
	}

	// the mode is active before the keyword arrives
	if n, p := c.Current(); n != 2 || !strings.Contains(p, "<keyword>") {
		t.Fatalf("current = %d %q", n, p)
	}
	if !c.KeywordPending() {
		t.Fatal("keyword request not pending")
	}

	// a second selection while pending does not post another request
	c.Select(2)

	src.replies <- "keys"
	waitFor(t, func() bool { return !c.KeywordPending() })

	if _, p := c.Current(); p != "Can you find my keys? Answer only in yes or not yet!" {
		t.Fatalf("prompt = %q", p)
	}
	if len(src.requests) != 0 {
		t.Fatal("duplicate keyword request posted")
	}
	if c.Prompts()[0] != config.Default().Modes.Prompts[0] {
		t.Fatal("other prompts were rewritten")
	}
}

func TestController_SetKeywordReplacesPreviousKeyword(t *testing.T) {
	c := New(config.Default().Modes)
	defer c.Close()

	if err := c.SetKeyword("wallet"); err != nil {
		t.Fatalf("SetKeyword: %v", err)
	}
	if err := c.SetKeyword("  phone "); err != nil {
		t.Fatalf("SetKeyword: %v", err)
	}
	if got := c.Prompts()[1]; got != "Can you find my phone? Answer only in yes or not yet!" {
		t.Fatalf("prompt = %q", got)
	}
	if err := c.SetKeyword("   "); !errors.Is(err, ErrEmptyKeyword) {
		t.Fatalf("blank keyword err = %v", err)
	}
	if c.Keyword() != "phone" {
		t.Fatalf("keyword = %q", c.Keyword())
	}
}

func TestController_OnChange(t *testing.T) {
	c := New(config.Default().Modes)
	defer c.Close()

	var mu sync.Mutex
	var changes []Change
	c.OnChange(func(ch Change) {
		mu.Lock()
		changes = append(changes, ch)
		mu.Unlock()
	})

	c.Select(3)
	c.SetKeyword("cat")

	mu.Lock()
	defer mu.Unlock()
	if len(changes) != 2 || changes[0].Mode != 3 || changes[1].Keyword != "cat" {
		t.Fatalf("changes = %+v", changes)
	}
}

func TestController_CloseCancelsPendingRequest(t *testing.T) {
	src := newChanSource()
	c := New(config.Default().Modes, WithKeywordSource(src))

	c.Select(2)
	<-src.requests

	closed := make(chan struct{})
	go func() {
		c.Close()
		close(closed)
	}()
	select {
	case <-closed:
	case <-time.After(time.Second):
		t.Fatal("Close did not cancel the keyword request")
	}
	if c.Keyword() != "" {
		t.Fatal("keyword applied after cancellation")
	}
}

func TestController_ConcurrentAccess(t *testing.T) {
	c := New(config.Default().Modes)
	defer c.Close()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				c.Select(1 + (i+j)%3)
				n, p := c.Current()
				if n < 1 || n > 3 || p == "" {
					t.Errorf("torn read: %d %q", n, p)
					return
				}
			}
		}(i)
	}
	wg.Wait()
}
