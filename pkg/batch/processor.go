// Package batch orchestrates the two-phase pipeline over a queue of images:
// a sequential transform phase that holds at most one decoded image in
// memory, then a concurrent alt text phase over the transformed outputs.
package batch

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/pressfit/imagebatch/pkg/presets"
	"github.com/pressfit/imagebatch/pkg/processing"
	"github.com/pressfit/imagebatch/pkg/types"
)

// Transformer runs the per-image transform step.
type Transformer interface {
	Transform(sourcePath string, preset *presets.Preset, outputDir string) (string, error)
}

// AltTextGenerator produces alt text for a set of image paths, keyed by path.
type AltTextGenerator interface {
	GenerateBatch(ctx context.Context, paths []string) map[string]types.AltTextResult
}

// ProgressFunc observes batch progress. Callbacks run on the processing
// goroutine; slow observers slow the batch.
type ProgressFunc func(types.Progress)

// ItemFunc observes one item reaching a terminal status.
type ItemFunc func(types.BatchItem)

// Processor owns the image queue and runs batches over it. Queue mutation
// and processing must not overlap; the zero-value cancelled flag is reset at
// the start of each run.
type Processor struct {
	mu          sync.Mutex
	queue       []*types.BatchItem
	transformer Transformer
	engine      AltTextGenerator

	cancelled atomic.Bool
	cancelMu  sync.Mutex
	cancelRun context.CancelFunc

	progressFns []ProgressFunc
	itemFns     []ItemFunc
}

// NewProcessor creates a batch processor. The alt text phase is disabled
// until SetAltTextGenerator is called.
func NewProcessor(transformer Transformer) *Processor {
	return &Processor{transformer: transformer}
}

// SetAltTextGenerator attaches the engine used for the alt text phase.
func (p *Processor) SetAltTextGenerator(g AltTextGenerator) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.engine = g
}

// OnProgress registers a progress observer.
func (p *Processor) OnProgress(fn ProgressFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.progressFns = append(p.progressFns, fn)
}

// OnItemComplete registers an observer called once per item when it reaches
// a terminal status.
func (p *Processor) OnItemComplete(fn ItemFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.itemFns = append(p.itemFns, fn)
}

// AddImage appends one image to the queue. Unsupported formats, missing
// files, and duplicates are rejected.
func (p *Processor) AddImage(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("cannot access file: %w", err)
	}
	if info.IsDir() {
		return fmt.Errorf("path is a directory: %s", path)
	}
	if !processing.IsSupported(path) {
		return fmt.Errorf("unsupported file format: %s", filepath.Ext(path))
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	for _, item := range p.queue {
		if item.SourcePath == path {
			return fmt.Errorf("image already in queue: %s", path)
		}
	}
	p.queue = append(p.queue, &types.BatchItem{
		SourcePath: path,
		FileSize:   info.Size(),
		Status:     types.TransformPending,
	})
	log.Debug().Str("path", path).Int("queue", len(p.queue)).Msg("Image added to queue")
	return nil
}

// AddFolder adds every supported image directly inside dir. It does not
// recurse. Returns the number of images added.
func (p *Processor) AddFolder(dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, fmt.Errorf("cannot read folder: %w", err)
	}

	added := 0
	for _, entry := range entries {
		if entry.IsDir() || !processing.IsSupported(entry.Name()) {
			continue
		}
		if err := p.AddImage(filepath.Join(dir, entry.Name())); err != nil {
			log.Warn().Err(err).Str("file", entry.Name()).Msg("Skipping file")
			continue
		}
		added++
	}
	return added, nil
}

// RemoveImage removes the queue entry at index.
func (p *Processor) RemoveImage(index int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if index < 0 || index >= len(p.queue) {
		return fmt.Errorf("index %d out of range (queue has %d items)", index, len(p.queue))
	}
	p.queue = append(p.queue[:index], p.queue[index+1:]...)
	return nil
}

// ClearQueue removes all queued images.
func (p *Processor) ClearQueue() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.queue = nil
}

// QueueLen returns the number of queued images.
func (p *Processor) QueueLen() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

// Items returns a snapshot copy of the queue.
func (p *Processor) Items() []types.BatchItem {
	p.mu.Lock()
	defer p.mu.Unlock()
	items := make([]types.BatchItem, len(p.queue))
	for i, item := range p.queue {
		items[i] = *item
	}
	return items
}

// CancelProcessing requests a stop. The current transform finishes and
// in-flight API calls run to completion; everything not yet started is
// marked cancelled.
func (p *Processor) CancelProcessing() {
	p.cancelled.Store(true)
	p.cancelMu.Lock()
	if p.cancelRun != nil {
		p.cancelRun()
	}
	p.cancelMu.Unlock()
	log.Info().Msg("Batch cancellation requested")
}

// ProcessBatch transforms the queue with the named preset. No alt text.
func (p *Processor) ProcessBatch(presetName, outputDir string) types.BatchResult {
	return p.run(context.Background(), presetName, outputDir, false)
}

// ProcessBatchWithAltText transforms the queue and then generates alt text
// for every successfully transformed image. ctx cancels the alt text phase's
// pending dispatches; it does not abort calls already in flight.
func (p *Processor) ProcessBatchWithAltText(ctx context.Context, presetName, outputDir string) types.BatchResult {
	return p.run(ctx, presetName, outputDir, true)
}

func (p *Processor) run(ctx context.Context, presetName, outputDir string, withAltText bool) (result types.BatchResult) {
	result.RunID = uuid.New().String()
	start := time.Now()

	defer func() {
		if r := recover(); r != nil {
			result.Success = false
			result.Message = fmt.Sprintf("batch aborted: %v", r)
			log.Error().Str("run_id", result.RunID).Interface("panic", r).Msg("Batch processing panicked")
		}
	}()

	p.mu.Lock()
	items := p.queue
	p.mu.Unlock()

	if len(items) == 0 {
		result.Message = "no images to process"
		return result
	}

	preset, ok := presets.Get(presetName)
	if !ok {
		result.Message = fmt.Sprintf("unknown preset: %s", presetName)
		return result
	}
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		result.Message = fmt.Sprintf("cannot create output directory: %v", err)
		return result
	}

	p.cancelled.Store(false)
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	p.cancelMu.Lock()
	p.cancelRun = cancel
	p.cancelMu.Unlock()

	log.Info().
		Str("run_id", result.RunID).
		Int("items", len(items)).
		Str("preset", presetName).
		Bool("alt_text", withAltText).
		Msg("Batch started")

	progress := types.Progress{
		TotalItems:       len(items),
		CurrentItemIndex: -1,
	}

	var totalItemTime time.Duration
	for i, item := range items {
		if p.cancelled.Load() || runCtx.Err() != nil {
			p.markRemainingCancelled(items[i:])
			break
		}

		progress.CurrentItemIndex = i
		progress.CurrentItemName = filepath.Base(item.SourcePath)
		progress.ElapsedTime = time.Since(start)
		p.notifyProgress(progress)

		item.Status = types.TransformProcessing
		itemStart := time.Now()
		outPath, err := p.transformer.Transform(item.SourcePath, preset, outputDir)
		item.ProcessingTime = time.Since(itemStart)
		totalItemTime += item.ProcessingTime

		if err != nil {
			item.Status = types.TransformFailed
			item.Error = err.Error()
			progress.FailedItems++
			log.Warn().Err(err).Str("source", item.SourcePath).Msg("Transform failed")
		} else {
			item.Status = types.TransformCompleted
			item.OutputPath = outPath
			progress.CompletedItems++
		}
		p.notifyItem(*item)

		done := progress.CompletedItems + progress.FailedItems
		progress.AverageItemTime = totalItemTime / time.Duration(done)
		remaining := progress.TotalItems - done - progress.CancelledItems
		progress.EstimatedTimeRemaining = progress.AverageItemTime * time.Duration(remaining)
		progress.ElapsedTime = time.Since(start)
		p.notifyProgress(progress)
	}

	if withAltText && !p.cancelled.Load() {
		p.mu.Lock()
		engine := p.engine
		p.mu.Unlock()
		if engine != nil {
			p.generateAltText(runCtx, engine, items, &result)
		}
	}

	for _, item := range items {
		switch item.Status {
		case types.TransformCompleted:
			result.Successful++
		case types.TransformFailed:
			result.Failed++
		case types.TransformCancelled:
			result.CancelledItems++
		}
	}
	result.TotalProcessed = result.Successful + result.Failed
	result.Cancelled = p.cancelled.Load()
	result.Success = result.Failed == 0 && !result.Cancelled
	result.ElapsedTime = time.Since(start)
	if result.TotalProcessed > 0 {
		result.AverageItemTime = totalItemTime / time.Duration(result.TotalProcessed)
	}
	switch {
	case result.Cancelled:
		result.Message = fmt.Sprintf("cancelled after %d of %d images", result.TotalProcessed, len(items))
	case result.Failed > 0:
		result.Message = fmt.Sprintf("completed with %d failures", result.Failed)
	default:
		result.Message = fmt.Sprintf("processed %d images", result.Successful)
	}

	progress.CancelledItems = result.CancelledItems
	progress.ElapsedTime = result.ElapsedTime
	p.notifyProgress(progress)

	log.Info().
		Str("run_id", result.RunID).
		Int("successful", result.Successful).
		Int("failed", result.Failed).
		Int("cancelled", result.CancelledItems).
		Dur("elapsed", result.ElapsedTime).
		Msg("Batch finished")
	return result
}

// generateAltText runs the concurrent alt text phase over the transformed
// outputs and merges results back into the queue items by output path.
func (p *Processor) generateAltText(ctx context.Context, engine AltTextGenerator, items []*types.BatchItem, result *types.BatchResult) {
	byOutput := make(map[string]*types.BatchItem)
	var paths []string
	for _, item := range items {
		if item.Status != types.TransformCompleted {
			continue
		}
		item.AltTextStatus = types.AltTextPending
		byOutput[item.OutputPath] = item
		paths = append(paths, item.OutputPath)
	}
	if len(paths) == 0 {
		return
	}

	log.Info().Int("images", len(paths)).Msg("Alt text phase started")
	results := engine.GenerateBatch(ctx, paths)

	for path, r := range results {
		item, ok := byOutput[path]
		if !ok {
			continue
		}
		item.AltText = r.AltText
		item.AltTextStatus = r.Status
		item.AltTextError = r.ErrorMessage
		item.APICost = r.APICost
		item.GenerationTime = r.GenerationTime
		switch r.Status {
		case types.AltTextCompleted:
			result.AltTextGenerated++
		case types.AltTextError:
			result.AltTextFailed++
		}
	}
}

// markRemainingCancelled flips every still-pending item to cancelled and
// notifies observers so per-item accounting stays complete.
func (p *Processor) markRemainingCancelled(items []*types.BatchItem) {
	for _, item := range items {
		if item.Status != types.TransformPending {
			continue
		}
		item.Status = types.TransformCancelled
		p.notifyItem(*item)
	}
}

func (p *Processor) notifyProgress(progress types.Progress) {
	p.mu.Lock()
	fns := p.progressFns
	p.mu.Unlock()
	for _, fn := range fns {
		p.safeNotify(func() { fn(progress) })
	}
}

func (p *Processor) notifyItem(item types.BatchItem) {
	p.mu.Lock()
	fns := p.itemFns
	p.mu.Unlock()
	for _, fn := range fns {
		p.safeNotify(func() { fn(item) })
	}
}

// safeNotify shields the pipeline from observer panics.
func (p *Processor) safeNotify(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("Observer callback panicked")
		}
	}()
	fn()
}
