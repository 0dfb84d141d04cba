package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/pressfit/imagebatch"
	"github.com/pressfit/imagebatch/internal/config"
	"github.com/pressfit/imagebatch/internal/logging"
	"github.com/pressfit/imagebatch/pkg/presets"
	"github.com/pressfit/imagebatch/pkg/types"
)

func main() {
	var in, outDir, preset, contextHint string
	var provider, model, url, configPath string
	var altText, estimateCost, validateKey, listPresets bool
	var rpm, concurrency int

	flag.StringVar(&in, "in", "", "input image file or folder")
	flag.StringVar(&outDir, "out", "out", "output directory")
	flag.StringVar(&preset, "preset", "editorial_web", "output preset (see -list-presets)")
	flag.BoolVar(&altText, "alt-text", false, "generate alt text for processed images")
	flag.StringVar(&contextHint, "context", "", "editorial context hint for alt text")
	flag.StringVar(&provider, "provider", "", "vision backend: anthropic or ollama")
	flag.StringVar(&model, "model", "", "model name (backend default when empty)")
	flag.StringVar(&url, "url", "", "ollama server URL (default http://localhost:11434)")
	flag.StringVar(&configPath, "config", "", "config file path (default ~/.config/imagebatch/config.json)")
	flag.BoolVar(&estimateCost, "estimate-cost", false, "print the API cost estimate and exit")
	flag.BoolVar(&validateKey, "validate-key", false, "check API credentials and exit")
	flag.BoolVar(&listPresets, "list-presets", false, "list available presets and exit")
	flag.IntVar(&rpm, "rpm", 0, "API requests per minute (0 uses config)")
	flag.IntVar(&concurrency, "concurrency", 0, "max concurrent API requests (0 uses config)")
	flag.Parse()

	logging.Init()

	if listPresets {
		for _, name := range presets.Names() {
			fmt.Println(name)
		}
		return
	}

	cfg := loadConfig(configPath)
	if provider != "" {
		cfg.API.Provider = provider
	}
	if model != "" {
		cfg.API.Model = model
	}
	if url != "" {
		cfg.API.OllamaURL = url
	}
	if rpm > 0 {
		cfg.Generation.RequestsPerMinute = rpm
	}
	if concurrency > 0 {
		cfg.Generation.MaxConcurrent = concurrency
	}

	ib, err := imagebatch.New(imagebatch.Options{
		Provider:          cfg.API.Provider,
		APIKey:            cfg.API.APIKey,
		Model:             cfg.API.Model,
		OllamaURL:         cfg.API.OllamaURL,
		DefaultContext:    cfg.Generation.DefaultContext,
		RequestsPerMinute: cfg.Generation.RequestsPerMinute,
		MaxConcurrent:     cfg.Generation.MaxConcurrent,
		MaxRetries:        cfg.Generation.MaxRetries,
		UsageStatsPath:    cfg.Usage.StatsPath,
	})
	if err != nil {
		log.Fatal(err)
	}

	if validateKey {
		ok, msg := ib.ValidateAPIKey(context.Background())
		fmt.Println(msg)
		if !ok {
			os.Exit(1)
		}
		return
	}

	if in == "" {
		log.Fatalf("usage: %s -in photo.jpg|folder [-out outdir] [-preset name] [-alt-text] [-context hint]", filepath.Base(os.Args[0]))
	}

	if err := addInput(ib, in); err != nil {
		log.Fatal(err)
	}
	if ib.QueueLen() == 0 {
		log.Fatalf("no supported images found in %s", in)
	}

	if estimateCost {
		est := ib.EstimateBatchCost(ib.QueueLen())
		fmt.Printf("images:           %d\n", ib.QueueLen())
		fmt.Printf("per image:        $%.4f\n", est.PerImage)
		fmt.Printf("batch total:      $%.4f\n", est.Total)
		fmt.Printf("monthly estimate: $%.2f (20 working days)\n", est.MonthlyEstimate)
		return
	}

	ib.OnItemComplete(func(item types.BatchItem) {
		name := filepath.Base(item.SourcePath)
		switch item.Status {
		case types.TransformCompleted:
			fmt.Printf("  ok   %s -> %s\n", name, filepath.Base(item.OutputPath))
		case types.TransformFailed:
			fmt.Printf("  FAIL %s: %s\n", name, item.Error)
		case types.TransformCancelled:
			fmt.Printf("  skip %s (cancelled)\n", name)
		}
	})

	var result types.BatchResult
	if altText {
		result = ib.ProcessBatchWithAltText(context.Background(), preset, outDir)
	} else {
		result = ib.ProcessBatch(preset, outDir)
	}

	printSummary(ib, result, altText)
	if !result.Success {
		os.Exit(1)
	}
}

func loadConfig(path string) *config.Config {
	if path == "" {
		return config.Load()
	}
	cfg, err := config.LoadFromFile(path)
	if err != nil {
		log.Fatal(err)
	}
	return cfg
}

func addInput(ib *imagebatch.ImageBatch, in string) error {
	info, err := os.Stat(in)
	if err != nil {
		return err
	}
	if info.IsDir() {
		n, err := ib.AddFolder(in)
		if err != nil {
			return err
		}
		fmt.Printf("queued %d images from %s\n", n, in)
		return nil
	}
	return ib.AddImage(in)
}

func printSummary(ib *imagebatch.ImageBatch, result types.BatchResult, withAltText bool) {
	fmt.Println(strings.Repeat("-", 40))
	fmt.Printf("%s (%.1fs)\n", result.Message, result.ElapsedTime.Seconds())
	fmt.Printf("successful: %d  failed: %d  cancelled: %d\n",
		result.Successful, result.Failed, result.CancelledItems)

	if !withAltText {
		return
	}
	fmt.Printf("alt text: %d generated, %d failed\n", result.AltTextGenerated, result.AltTextFailed)
	for _, item := range ib.Items() {
		if item.AltTextStatus == types.AltTextCompleted {
			fmt.Printf("\n%s:\n  %s\n", filepath.Base(item.OutputPath), item.AltText)
		}
	}

	stats := ib.UsageStats()
	if stats.Total.Requests > 0 {
		fmt.Printf("\nlifetime API usage: %d requests, $%.4f\n", stats.Total.Requests, stats.Total.Cost)
	}
}
