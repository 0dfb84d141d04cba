// Package imagebatch provides batch image processing with AI-generated alt text.
//
// This package transforms queues of editorial images through named presets
// (resize, crop, JPEG encoding with size targets) and then generates alt text
// descriptions for the results through a vision model backend.
//
// Basic usage:
//
//	package main
//
//	import (
//		"context"
//		"fmt"
//		"log"
//
//		"github.com/pressfit/imagebatch"
//	)
//
//	func main() {
//		ib, err := imagebatch.New(imagebatch.Options{
//			APIKey: "sk-ant-...",
//		})
//		if err != nil {
//			log.Fatal(err)
//		}
//
//		if _, err := ib.AddFolder("./photos"); err != nil {
//			log.Fatal(err)
//		}
//
//		result := ib.ProcessBatchWithAltText(context.Background(), "editorial_web", "./out")
//		fmt.Printf("processed %d images, %d with alt text\n", result.Successful, result.AltTextGenerated)
//	}
//
// The package consists of these main components:
//
// 1. Batch (pkg/batch): Queue management and the two-phase pipeline
// 2. Processing (pkg/processing): Image loading, validation, and transforms
// 3. Presets (pkg/presets): Named output profiles for common destinations
// 4. Alt text (pkg/alttext): Rate-limited, retrying alt text generation
// 5. Vision (pkg/vision): Anthropic and Ollama backend clients
//
// The transform phase runs sequentially so at most one decoded image is in
// memory at a time. The alt text phase fans out over the transformed outputs
// under a shared rate limiter and concurrency gate.
package imagebatch

import (
	"context"
	"fmt"

	"github.com/pressfit/imagebatch/pkg/alttext"
	"github.com/pressfit/imagebatch/pkg/batch"
	"github.com/pressfit/imagebatch/pkg/processing"
	"github.com/pressfit/imagebatch/pkg/types"
	"github.com/pressfit/imagebatch/pkg/usage"
	"github.com/pressfit/imagebatch/pkg/vision"
)

// Version of the imagebatch library
const Version = "1.0.0"

// Options configures an ImageBatch instance. The zero value uses the
// Anthropic backend with all engine defaults; APIKey is then required
// before alt text generation will succeed.
type Options struct {
	// Provider selects the vision backend: "anthropic" (default) or "ollama".
	Provider string
	APIKey   string
	Model    string
	// OllamaURL is the local server address for the ollama provider.
	OllamaURL string

	DefaultContext    string
	RequestsPerMinute int
	MaxConcurrent     int
	MaxRetries        int

	// UsageStatsPath enables persistent cost tracking when set.
	UsageStatsPath string
}

// ImageBatch is the high-level interface over the queue, the transform
// pipeline, and the alt text engine.
type ImageBatch struct {
	processor *batch.Processor
	engine    *alttext.Engine
	tracker   *usage.Tracker
}

// New creates an ImageBatch wired to the configured vision backend.
func New(opts Options) (*ImageBatch, error) {
	var describer vision.Describer
	keyOptional := false
	switch opts.Provider {
	case "", "anthropic":
		describer = vision.NewAnthropicClient(opts.APIKey, opts.Model, "")
	case "ollama":
		client, err := vision.NewOllamaClient(opts.OllamaURL, opts.Model)
		if err != nil {
			return nil, fmt.Errorf("failed to create ollama client: %w", err)
		}
		describer = client
		keyOptional = true
	default:
		return nil, fmt.Errorf("unknown provider: %s", opts.Provider)
	}

	var tracker *usage.Tracker
	var recorder alttext.Recorder
	if opts.UsageStatsPath != "" {
		tracker = usage.NewTracker(opts.UsageStatsPath)
		recorder = tracker
	}

	engine := alttext.NewEngine(alttext.Config{
		APIKey:            opts.APIKey,
		KeyOptional:       keyOptional,
		DefaultContext:    opts.DefaultContext,
		RequestsPerMinute: opts.RequestsPerMinute,
		MaxConcurrent:     opts.MaxConcurrent,
		MaxRetries:        opts.MaxRetries,
	}, describer, recorder)

	processor := batch.NewProcessor(processing.NewProcessor())
	processor.SetAltTextGenerator(engine)

	return &ImageBatch{
		processor: processor,
		engine:    engine,
		tracker:   tracker,
	}, nil
}

// AddImage adds one image to the processing queue.
func (ib *ImageBatch) AddImage(path string) error {
	return ib.processor.AddImage(path)
}

// AddFolder adds every supported image directly inside dir to the queue.
func (ib *ImageBatch) AddFolder(dir string) (int, error) {
	return ib.processor.AddFolder(dir)
}

// RemoveImage removes the queue entry at index.
func (ib *ImageBatch) RemoveImage(index int) error {
	return ib.processor.RemoveImage(index)
}

// ClearQueue removes all queued images.
func (ib *ImageBatch) ClearQueue() {
	ib.processor.ClearQueue()
}

// QueueLen returns the number of queued images.
func (ib *ImageBatch) QueueLen() int {
	return ib.processor.QueueLen()
}

// Items returns a snapshot of the queue.
func (ib *ImageBatch) Items() []types.BatchItem {
	return ib.processor.Items()
}

// OnProgress registers a batch progress observer.
func (ib *ImageBatch) OnProgress(fn batch.ProgressFunc) {
	ib.processor.OnProgress(fn)
}

// OnItemComplete registers a per-item completion observer.
func (ib *ImageBatch) OnItemComplete(fn batch.ItemFunc) {
	ib.processor.OnItemComplete(fn)
}

// ProcessBatch transforms the queued images with the named preset.
func (ib *ImageBatch) ProcessBatch(presetName, outputDir string) types.BatchResult {
	return ib.processor.ProcessBatch(presetName, outputDir)
}

// ProcessBatchWithAltText transforms the queued images and generates alt
// text for every successful output.
func (ib *ImageBatch) ProcessBatchWithAltText(ctx context.Context, presetName, outputDir string) types.BatchResult {
	return ib.processor.ProcessBatchWithAltText(ctx, presetName, outputDir)
}

// CancelProcessing requests that the running batch stop at the next item
// boundary.
func (ib *ImageBatch) CancelProcessing() {
	ib.processor.CancelProcessing()
}

// GenerateAltText generates alt text for a single image outside of a batch.
func (ib *ImageBatch) GenerateAltText(ctx context.Context, path, contextHint string) types.AltTextResult {
	return ib.engine.Generate(ctx, path, contextHint)
}

// EstimateBatchCost projects the API cost of processing n images.
func (ib *ImageBatch) EstimateBatchCost(n int) types.CostEstimate {
	return ib.engine.EstimateBatchCost(n)
}

// ValidateAPIKey checks the configured credentials with a minimal live call.
func (ib *ImageBatch) ValidateAPIKey(ctx context.Context) (bool, string) {
	return ib.engine.ValidateAPIKey(ctx)
}

// UsageStats returns accumulated API usage, or the zero value when usage
// tracking is disabled.
func (ib *ImageBatch) UsageStats() usage.Stats {
	if ib.tracker == nil {
		return usage.Stats{}
	}
	return ib.tracker.Stats()
}

// GetVersion returns the library version
func GetVersion() string {
	return Version
}
