package describe

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/agent-api/core/pkg/agent"
	"github.com/agent-api/core/types"
	"github.com/agent-api/ollama"

	"github.com/bdougie/scenewatch/internal/config"
)

const systemPrompt = "You are a visual analysis assistant. The image is a strip of consecutive camera frames placed side by side. Answer the user's question about the scene concisely."

// OllamaClient describes images with a local Ollama vision model
type OllamaClient struct {
	agent *agent.DefaultAgent
	mu    sync.Mutex // the agent keeps conversation state
}

// NewOllamaClient checks that Ollama is reachable and sets up the agent
func NewOllamaClient(ctx context.Context, cfg config.DescribeConfig, logger *slog.Logger) (*OllamaClient, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := ping(ctx, cfg.OllamaURL, cfg.OllamaPort); err != nil {
		return nil, fmt.Errorf("ollama not reachable: %w", err)
	}

	provider := ollama.NewProvider(&ollama.ProviderOpts{
		Logger:  logger,
		BaseURL: cfg.OllamaURL,
		Port:    cfg.OllamaPort,
	})
	provider.UseModel(ctx, &types.Model{ID: cfg.Model})

	return &OllamaClient{
		agent: agent.NewAgent(&agent.NewAgentConfig{
			Provider:     provider,
			Logger:       logger,
			SystemPrompt: systemPrompt,
		}),
	}, nil
}

func ping(ctx context.Context, baseURL string, port int) error {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	url := fmt.Sprintf("%s:%d/api/tags", strings.TrimRight(baseURL, "/"), port)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %s", resp.Status)
	}
	return nil
}

// Describe runs the agent on the local composite
func (c *OllamaClient) Describe(ctx context.Context, req Request) (string, error) {
	if req.ImagePath == "" {
		return "", fmt.Errorf("ollama backend needs a local image path")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	response := c.agent.Run(
		ctx,
		agent.WithInput(req.Prompt),
		agent.WithImagePath(req.ImagePath),
	)
	if response.Err != nil {
		return "", response.Err
	}
	if len(response.Messages) == 0 {
		return "", ErrEmptyResponse
	}

	// the last message is the model's answer
	content := strings.TrimSpace(response.Messages[len(response.Messages)-1].Content)
	if content == "" {
		return "", ErrEmptyResponse
	}
	return content, nil
}
