// Package presets defines the output profiles images are transformed to:
// target dimensions, JPEG quality, and optional file-size budgets.
package presets

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/disintegration/imaging"
)

// Config describes one preset profile. Exact dimensions crop to fit;
// max dimensions scale down preserving aspect ratio.
type Config struct {
	Name         string
	MaxWidth     int
	MaxHeight    int
	ExactWidth   int
	ExactHeight  int
	TargetSizeKB int // 0 disables the size search
	Quality      int
}

// Preset applies a Config to images.
type Preset struct {
	cfg Config
}

// Name returns the preset's display name.
func (p *Preset) Name() string {
	return p.cfg.Name
}

// Config returns a copy of the preset's configuration.
func (p *Preset) Config() Config {
	return p.cfg
}

// Apply resizes img per the preset. Exact presets fill and center-crop;
// max presets only ever scale down.
func (p *Preset) Apply(img image.Image) image.Image {
	if p.cfg.ExactWidth > 0 && p.cfg.ExactHeight > 0 {
		return imaging.Fill(img, p.cfg.ExactWidth, p.cfg.ExactHeight, imaging.Center, imaging.Lanczos)
	}
	if p.cfg.MaxWidth > 0 && p.cfg.MaxHeight > 0 {
		b := img.Bounds()
		if b.Dx() > p.cfg.MaxWidth || b.Dy() > p.cfg.MaxHeight {
			return imaging.Fit(img, p.cfg.MaxWidth, p.cfg.MaxHeight, imaging.Lanczos)
		}
	}
	return img
}

// Save writes img as JPEG. Presets with a size budget search downward in
// quality until the encoded output fits or quality bottoms out.
func (p *Preset) Save(img image.Image, path string) error {
	data, err := p.Encode(img)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write output file: %w", err)
	}
	return nil
}

// Encode returns the JPEG bytes Save would write.
func (p *Preset) Encode(img image.Image) ([]byte, error) {
	quality := p.cfg.Quality
	if quality == 0 {
		quality = 85
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("failed to encode image: %w", err)
	}

	if p.cfg.TargetSizeKB <= 0 {
		return buf.Bytes(), nil
	}

	target := p.cfg.TargetSizeKB * 1024
	const minQuality = 30
	for buf.Len() > target && quality > minQuality {
		quality -= 5
		buf.Reset()
		if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
			return nil, fmt.Errorf("failed to encode image: %w", err)
		}
	}
	return buf.Bytes(), nil
}

// SuggestedFilename derives the output filename from the source path, e.g.
// "photo.png" under Editorial Web becomes "photo_editorial_web.jpg".
func (p *Preset) SuggestedFilename(sourcePath string) string {
	base := filepath.Base(sourcePath)
	stem := strings.TrimSuffix(base, filepath.Ext(base))
	suffix := strings.ReplaceAll(strings.ToLower(p.cfg.Name), " ", "_")
	return fmt.Sprintf("%s_%s.jpg", stem, suffix)
}

var registry = map[string]Config{
	"editorial_web": {
		Name:         "Editorial Web",
		MaxWidth:     2560,
		MaxHeight:    1440,
		TargetSizeKB: 750,
		Quality:      85,
	},
	"email": {
		Name:         "Email",
		MaxWidth:     600,
		MaxHeight:    2000,
		TargetSizeKB: 80,
		Quality:      75,
	},
	"instagram_story": {
		Name:        "Instagram Story",
		ExactWidth:  1080,
		ExactHeight: 1920,
		Quality:     90,
	},
	"instagram_feed_portrait": {
		Name:        "Instagram Feed Portrait",
		ExactWidth:  1080,
		ExactHeight: 1350,
		Quality:     90,
	},
}

// Get looks up a preset by registry key.
func Get(name string) (*Preset, bool) {
	cfg, ok := registry[name]
	if !ok {
		return nil, false
	}
	return &Preset{cfg: cfg}, true
}

// Names returns the registry keys in sorted order.
func Names() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
