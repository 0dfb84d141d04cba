package vision

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ollama/ollama/api"
)

// DefaultOllamaModel is a vision-capable model commonly available locally.
const DefaultOllamaModel = "llava"

// OllamaClient describes images with a local Ollama vision model. Local
// generation has no per-call cost and needs no API key.
type OllamaClient struct {
	client *api.Client
	model  string
}

// NewOllamaClient creates a client for the given server URL. Any path on the
// URL is stripped; only scheme and host are used.
func NewOllamaClient(serverURL, model string) (*OllamaClient, error) {
	if serverURL == "" {
		serverURL = "http://localhost:11434"
	}
	if model == "" {
		model = DefaultOllamaModel
	}

	parsed, err := url.Parse(serverURL)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %v", err)
	}
	baseURL := &url.URL{
		Scheme: parsed.Scheme,
		Host:   parsed.Host,
	}

	return &OllamaClient{
		client: api.NewClient(baseURL, http.DefaultClient),
		model:  model,
	}, nil
}

// Describe sends the image to the local model and returns its response text.
func (c *OllamaClient) Describe(ctx context.Context, req Request) (string, error) {
	// Local models on CPU can be slow; keep a generous fallback deadline.
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, 300*time.Second)
		defer cancel()
	}

	streamFalse := false
	chatReq := &api.ChatRequest{
		Model: c.model,
		Messages: []api.Message{
			{
				Role:    "user",
				Content: SystemPrompt + "\n\n" + req.Prompt,
				Images:  []api.ImageData{api.ImageData(req.ImageData)},
			},
		},
		Stream: &streamFalse,
	}

	var responseContent string
	err := c.client.Chat(ctx, chatReq, func(resp api.ChatResponse) error {
		responseContent = resp.Message.Content
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("ollama chat error: %v", err)
	}

	responseContent = strings.TrimSpace(responseContent)
	if responseContent == "" {
		return "", fmt.Errorf("empty response from ollama")
	}
	return responseContent, nil
}
