// Package alttext implements the alt text generation engine: it encodes
// images, throttles and bounds calls to a vision backend, retries transient
// failures, and accounts for per-call cost.
package alttext

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/pressfit/imagebatch/pkg/gate"
	"github.com/pressfit/imagebatch/pkg/processing"
	"github.com/pressfit/imagebatch/pkg/ratelimit"
	"github.com/pressfit/imagebatch/pkg/types"
	"github.com/pressfit/imagebatch/pkg/vision"
)

// CostPerImage is the estimated cost of one vision API call in USD.
const CostPerImage = 0.006

const (
	DefaultRequestsPerMinute = 50
	DefaultMaxConcurrent     = 5
	DefaultMaxRetries        = 3

	defaultRetryDelay    = time.Second
	defaultBackoffFactor = 2.0
	defaultMaxRetryDelay = 60 * time.Second
	defaultMaxTokens     = 300
	defaultCallTimeout   = 30 * time.Second
)

// Recorder receives successful API usage for cost tracking. Calls are
// fire-and-forget from the engine's perspective.
type Recorder interface {
	RecordUsage(cost float64)
}

// EncodeFunc prepares an image file for submission to the vision backend.
type EncodeFunc func(path string) ([]byte, error)

// Config configures an Engine. Zero values fall back to defaults.
type Config struct {
	APIKey string
	// KeyOptional disables the API key precondition, for backends like a
	// local Ollama model that authenticate nothing.
	KeyOptional bool

	// DefaultContext is appended to the prompt as editorial guidance when
	// the caller supplies none.
	DefaultContext string
	MaxTokens      int

	RequestsPerMinute int
	MaxConcurrent     int

	MaxRetries         int
	RetryDelay         time.Duration
	RetryBackoffFactor float64
	MaxRetryDelay      time.Duration
	CallTimeout        time.Duration
}

func (c *Config) applyDefaults() {
	if c.MaxTokens == 0 {
		c.MaxTokens = defaultMaxTokens
	}
	if c.RequestsPerMinute == 0 {
		c.RequestsPerMinute = DefaultRequestsPerMinute
	}
	if c.MaxConcurrent == 0 {
		c.MaxConcurrent = DefaultMaxConcurrent
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.RetryDelay == 0 {
		c.RetryDelay = defaultRetryDelay
	}
	if c.RetryBackoffFactor == 0 {
		c.RetryBackoffFactor = defaultBackoffFactor
	}
	if c.MaxRetryDelay == 0 {
		c.MaxRetryDelay = defaultMaxRetryDelay
	}
	if c.CallTimeout == 0 {
		c.CallTimeout = defaultCallTimeout
	}
}

// Engine generates alt text for images through a vision backend. One engine
// owns one rate limiter and one concurrency gate, so every call dispatched
// through it shares the same batch-wide constraints.
type Engine struct {
	cfg       Config
	describer vision.Describer
	limiter   *ratelimit.Limiter
	gate      *gate.Gate
	recorder  Recorder
	encode    EncodeFunc
}

// NewEngine creates an engine over the given backend. recorder may be nil to
// disable usage tracking.
func NewEngine(cfg Config, describer vision.Describer, recorder Recorder) *Engine {
	cfg.applyDefaults()
	return &Engine{
		cfg:       cfg,
		describer: describer,
		limiter:   ratelimit.New(cfg.RequestsPerMinute, time.Minute),
		gate:      gate.New(cfg.MaxConcurrent),
		recorder:  recorder,
		encode:    processing.NewProcessor().EncodeForSubmission,
	}
}

// SetEncodeFunc replaces the image encoder. Tests use this to avoid the
// filesystem.
func (e *Engine) SetEncodeFunc(fn EncodeFunc) {
	e.encode = fn
}

// Generate produces alt text for one image. The result always carries a
// terminal status; failures are absorbed into it, never propagated.
//
// ctx governs waiting for a concurrency slot. The network call itself runs
// under the engine's own call timeout, detached from ctx, so cancelling a
// batch never aborts a request already in flight.
func (e *Engine) Generate(ctx context.Context, path, contextHint string) (res types.AltTextResult) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			res.Status = types.AltTextError
			res.ErrorMessage = fmt.Sprintf("unexpected error: %v", r)
			log.Error().Str("path", path).Interface("panic", r).Msg("Alt text generation panicked")
		}
		res.GenerationTime = time.Since(start)
	}()

	if !e.cfg.KeyOptional && e.cfg.APIKey == "" {
		res.Status = types.AltTextError
		res.ErrorMessage = "API key not configured"
		return res
	}

	data, err := e.encode(path)
	if err != nil {
		res.Status = types.AltTextError
		res.ErrorMessage = fmt.Sprintf("failed to encode image: %v", err)
		return res
	}

	// Client-side safety margin, separate from server 429 handling. A
	// rejection here is immediate and consumes no retry attempt.
	if !e.limiter.Allow() {
		res.Status = types.AltTextError
		res.ErrorMessage = fmt.Sprintf("rate limited: client-side budget of %d requests/min exhausted", e.limiter.Limit())
		log.Warn().Str("path", path).Msg("Client-side rate limit reached")
		return res
	}

	if err := e.gate.Acquire(ctx); err != nil {
		res.Status = types.AltTextError
		res.ErrorMessage = fmt.Sprintf("cancelled while waiting for a request slot: %v", err)
		return res
	}
	defer e.gate.Release()

	res.Status = types.AltTextGenerating
	req := vision.Request{
		ImageData: data,
		Prompt:    buildPrompt(contextHint, e.cfg.DefaultContext),
		MaxTokens: e.cfg.MaxTokens,
	}

	var lastErr error
	for attempt := 1; attempt <= e.cfg.MaxRetries; attempt++ {
		if attempt > 1 {
			delay := e.backoff(attempt - 1)
			log.Info().
				Str("path", path).
				Int("attempt", attempt).
				Dur("delay", delay).
				Msg("Retrying alt text generation")
			time.Sleep(delay)
		}

		callCtx, cancel := context.WithTimeout(context.Background(), e.cfg.CallTimeout)
		text, err := e.describer.Describe(callCtx, req)
		cancel()

		if err == nil {
			res.AltText = text
			res.Status = types.AltTextCompleted
			res.APICost = CostPerImage
			if e.recorder != nil {
				e.recorder.RecordUsage(CostPerImage)
			}
			log.Info().Str("path", path).Int("attempt", attempt).Msg("Generated alt text")
			return res
		}

		if vision.StatusOf(err) == 429 {
			// Server-side rate limiting is terminal; retrying would
			// compound the limit.
			res.Status = types.AltTextError
			res.ErrorMessage = rateLimitedMessage(err)
			log.Warn().Str("path", path).Str("error", res.ErrorMessage).Msg("API rate limited")
			return res
		}
		if !vision.IsTransient(err) {
			res.Status = types.AltTextError
			res.ErrorMessage = terminalMessage(err)
			log.Error().Err(err).Str("path", path).Msg("Alt text generation failed")
			return res
		}

		lastErr = err
		log.Warn().Err(err).Str("path", path).Int("attempt", attempt).Msg("Transient failure")
	}

	res.Status = types.AltTextError
	res.ErrorMessage = lastErr.Error()
	log.Error().Err(lastErr).Str("path", path).Int("attempts", e.cfg.MaxRetries).Msg("Alt text generation exhausted retries")
	return res
}

// GenerateBatch generates alt text for every path through the engine's
// shared limiter and gate. Results are keyed by path; one path's failure
// never affects another's result. The cancellation check happens before
// each dispatch — requests already dispatched always run to completion so
// cost accounting and slot release stay consistent.
func (e *Engine) GenerateBatch(ctx context.Context, paths []string) map[string]types.AltTextResult {
	results := make(map[string]types.AltTextResult, len(paths))

	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, path := range paths {
		if ctx.Err() != nil {
			log.Info().Str("path", path).Msg("Skipping dispatch, batch cancelled")
			continue
		}
		wg.Add(1)
		go func(path string) {
			defer wg.Done()
			r := e.Generate(ctx, path, "")
			mu.Lock()
			results[path] = r
			mu.Unlock()
		}(path)
	}
	wg.Wait()
	return results
}

// EstimateBatchCost projects the API cost of n images. The monthly figure
// assumes the same batch runs each of 20 working days.
func (e *Engine) EstimateBatchCost(n int) types.CostEstimate {
	total := CostPerImage * float64(n)
	return types.CostEstimate{
		PerImage:        CostPerImage,
		Total:           total,
		MonthlyEstimate: total * 20,
	}
}

// ValidateAPIKey checks the configured key with a minimal live call using a
// generated 1x1 image. It bypasses the limiter and gate: validation is a
// one-off diagnostic, not batch work.
func (e *Engine) ValidateAPIKey(ctx context.Context) (bool, string) {
	if !e.cfg.KeyOptional && e.cfg.APIKey == "" {
		return false, "No API key configured"
	}

	probe, err := probeImage()
	if err != nil {
		return false, fmt.Sprintf("failed to build probe image: %v", err)
	}

	callCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	_, err = e.describer.Describe(callCtx, vision.Request{
		ImageData: probe,
		Prompt:    "test",
		MaxTokens: 10,
	})
	if err == nil {
		return true, "API key is valid and supports vision"
	}

	switch vision.StatusOf(err) {
	case 401:
		return false, "Invalid API key"
	case 429:
		return true, "API key is valid (currently rate limited)"
	case 404:
		return false, "Model not found - the configured model may be unavailable"
	case 0:
		return false, fmt.Sprintf("Connection error: %v", err)
	}
	return false, err.Error()
}

// backoff computes the delay before the (n+1)th attempt: exponential from
// the base delay, capped, with full jitter.
func (e *Engine) backoff(n int) time.Duration {
	d := e.cfg.RetryDelay
	for i := 1; i < n; i++ {
		d = time.Duration(float64(d) * e.cfg.RetryBackoffFactor)
		if d >= e.cfg.MaxRetryDelay {
			d = e.cfg.MaxRetryDelay
			break
		}
	}
	if d <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(d))) + 1
}

func buildPrompt(contextHint, defaultContext string) string {
	prompt := "Please write an alt text description for this image."
	if contextHint == "" {
		contextHint = defaultContext
	}
	if contextHint != "" {
		prompt += " Context: " + contextHint
	}
	return prompt
}

func rateLimitedMessage(err error) string {
	var apiErr *vision.APIError
	if errors.As(err, &apiErr) && apiErr.RetryAfter > 0 {
		return fmt.Sprintf("API rate limited, retry after %s", apiErr.RetryAfter)
	}
	return "API rate limited"
}

// probeImage builds a 1x1 white JPEG for key validation calls.
func probeImage() ([]byte, error) {
	img := image.NewRGBA(image.Rect(0, 0, 1, 1))
	img.Set(0, 0, color.White)
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 85}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func terminalMessage(err error) string {
	switch vision.StatusOf(err) {
	case 401:
		return "invalid API key - please check your API key"
	case 404:
		return "model not found - the configured model may be unavailable"
	}
	return err.Error()
}
