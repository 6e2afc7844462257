// Package describe asks a vision language model to describe a composite
// image with the prompt of the active mode.
package describe

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/bdougie/scenewatch/internal/config"
)

// ErrEmptyResponse is returned when the model answers without content
var ErrEmptyResponse = errors.New("no response content received from model")

// Request is one description call. ImageURL is the uploaded reference,
// ImagePath the local copy; backends use whichever they can read.
type Request struct {
	ImageURL  string
	ImagePath string
	Prompt    string
}

// Describer turns an image and a prompt into text
type Describer interface {
	Describe(ctx context.Context, req Request) (string, error)
}

// New builds the configured backend
func New(ctx context.Context, cfg config.DescribeConfig, logger *slog.Logger) (Describer, error) {
	switch cfg.Backend {
	case "chat":
		return NewChatClient(cfg), nil
	case "ollama":
		return NewOllamaClient(ctx, cfg, logger)
	default:
		return nil, fmt.Errorf("unknown describe backend %q", cfg.Backend)
	}
}
