// Package processing implements the image transform step of the pipeline:
// loading source files, applying a preset, writing the output, and encoding
// images for submission to a vision API.
package processing

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/jpeg"
	"os"
	"path/filepath"
	"strings"

	"github.com/chai2010/webp"
	"github.com/disintegration/imaging"
	"github.com/rs/zerolog/log"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/pressfit/imagebatch/pkg/presets"
)

const (
	// File size bounds for source images. Anything outside is rejected
	// before decoding.
	MaxFileSize = 15 * 1024 * 1024
	MinFileSize = 1024

	// Images sent to the vision API are capped at this long side and
	// re-encoded as JPEG to bound request size.
	submissionMaxDim  = 2048
	submissionQuality = 85
)

var supportedExtensions = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".png":  true,
	".tiff": true,
	".tif":  true,
	".webp": true,
}

// IsSupported reports whether the path has a recognized image extension.
func IsSupported(path string) bool {
	return supportedExtensions[strings.ToLower(filepath.Ext(path))]
}

// Processor loads, transforms, and encodes images. It holds no per-image
// state: each call decodes, uses, and releases one image buffer.
type Processor struct{}

// NewProcessor creates a new image processor.
func NewProcessor() *Processor {
	return &Processor{}
}

// LoadImage loads and validates a source image. Transparency is flattened
// onto white since every output format here is JPEG.
func (p *Processor) LoadImage(path string) (image.Image, error) {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("file does not exist: %s", path)
		}
		return nil, fmt.Errorf("failed to access file: %w", err)
	}
	if !IsSupported(path) {
		return nil, fmt.Errorf("unsupported file format: %s", filepath.Ext(path))
	}
	if info.Size() < MinFileSize || info.Size() > MaxFileSize {
		return nil, fmt.Errorf("file size %d bytes is outside valid range (%d-%d)", info.Size(), MinFileSize, MaxFileSize)
	}

	img, err := p.decode(path)
	if err != nil {
		return nil, err
	}
	return flattenAlpha(img), nil
}

func (p *Processor) decode(path string) (image.Image, error) {
	if img, err := imaging.Open(path); err == nil {
		return img, nil
	}

	// imaging only knows the stdlib decoders; retry with the registered
	// extra formats and an explicit WebP fallback.
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open image: %w", err)
	}
	defer f.Close()

	if img, _, err := image.Decode(f); err == nil {
		return img, nil
	}
	if _, err := f.Seek(0, 0); err == nil {
		if img, err := webp.Decode(f); err == nil {
			return img, nil
		}
	}
	return nil, fmt.Errorf("failed to decode image: unknown format for %s", path)
}

// Transform runs the full per-item transform: load, apply preset, save.
// The decoded buffer goes out of scope when this returns, which is what
// bounds peak memory to one image at a time.
func (p *Processor) Transform(sourcePath string, preset *presets.Preset, outputDir string) (string, error) {
	img, err := p.LoadImage(sourcePath)
	if err != nil {
		return "", err
	}

	out := preset.Apply(img)
	outputPath := filepath.Join(outputDir, preset.SuggestedFilename(sourcePath))
	if err := preset.Save(out, outputPath); err != nil {
		return "", err
	}

	log.Debug().
		Str("source", sourcePath).
		Str("output", outputPath).
		Str("preset", preset.Name()).
		Msg("Image transformed")
	return outputPath, nil
}

// EncodeForSubmission loads an image and returns JPEG bytes suitable for a
// vision API call: at most 2048px on the long side, quality 85.
func (p *Processor) EncodeForSubmission(path string) ([]byte, error) {
	img, err := p.LoadImage(path)
	if err != nil {
		return nil, err
	}

	b := img.Bounds()
	if b.Dx() > submissionMaxDim || b.Dy() > submissionMaxDim {
		img = imaging.Fit(img, submissionMaxDim, submissionMaxDim, imaging.Lanczos)
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: submissionQuality}); err != nil {
		return nil, fmt.Errorf("failed to encode image: %w", err)
	}
	return buf.Bytes(), nil
}

// flattenAlpha composites a transparent image onto a white background.
func flattenAlpha(img image.Image) image.Image {
	if o, ok := img.(interface{ Opaque() bool }); ok && o.Opaque() {
		return img
	}
	bounds := img.Bounds()
	flat := image.NewNRGBA(bounds)
	draw.Draw(flat, bounds, image.NewUniform(color.White), image.Point{}, draw.Src)
	draw.Draw(flat, bounds, img, bounds.Min, draw.Over)
	return flat
}
