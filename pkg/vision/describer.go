// Package vision provides clients for vision-model backends that describe
// images. The Anthropic client speaks the messages API over HTTP; the Ollama
// client drives a local model through its SDK. Both sit behind the Describer
// interface so the generation engine is backend-agnostic.
package vision

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

// SystemPrompt guides the model toward editorial-quality alt text.
const SystemPrompt = `You are an expert at writing alt text descriptions for editorial images.
Your descriptions should be:
- Concise yet informative (50-150 words)
- Focused on the main subject and context
- Descriptive of visual elements important for understanding
- Professional and appropriate for publication
- Avoiding redundant phrases like "image of" or "picture showing"

For editorial content, emphasize:
- People: their appearance, expressions, clothing, and actions
- Settings: location, atmosphere, and relevant background elements
- Products: key features, styling, and presentation
- Composition: how elements are arranged and what draws attention`

// Request carries one vision call: JPEG bytes and the instruction text.
type Request struct {
	ImageData []byte // JPEG-encoded image
	Prompt    string
	MaxTokens int // 0 uses the backend default
}

// Describer produces a textual description of an image.
type Describer interface {
	Describe(ctx context.Context, req Request) (string, error)
}

// APIError is a non-success response from a vision backend.
type APIError struct {
	StatusCode int
	RetryAfter time.Duration // from the Retry-After header, when present
	Body       string
}

func (e *APIError) Error() string {
	if e.StatusCode >= 500 {
		return fmt.Sprintf("server error: %d", e.StatusCode)
	}
	body := e.Body
	if len(body) > 100 {
		body = body[:100]
	}
	return fmt.Sprintf("API error %d: %s", e.StatusCode, body)
}

// Transient reports whether the response indicates a retryable server fault.
func (e *APIError) Transient() bool {
	return e.StatusCode >= 500
}

// IsTransient classifies err for the retry policy: HTTP 5xx, timeouts, and
// connection failures are retryable; everything else is terminal.
func IsTransient(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Transient()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

// StatusOf returns the HTTP status carried by err, or 0 if err is not an
// APIError.
func StatusOf(err error) int {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode
	}
	return 0
}
