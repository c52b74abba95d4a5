package preprocessing

import (
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"os"
)

// ImageProcessor decodes images and resizes them to a square target size
type ImageProcessor struct {
	targetSize int
}

// NewImageProcessor creates a new image processor with the specified target size
func NewImageProcessor(targetSize int) *ImageProcessor {
	return &ImageProcessor{
		targetSize: targetSize,
	}
}

// TargetSize returns the edge length of processed images
func (p *ImageProcessor) TargetSize() int {
	return p.targetSize
}

// ProcessedImage is an RGB image in channel-last (height, width, 3) order
// with values normalized to [0, 1]
type ProcessedImage struct {
	Pixels   []float32
	Width    int
	Height   int
	Channels int
}

// Decode reads a JPEG or PNG image and resizes it with nearest-neighbour
// sampling. Grayscale and paletted inputs are expanded to RGB; alpha is dropped.
func (p *ImageProcessor) Decode(reader io.Reader) (*ProcessedImage, error) {
	if p.targetSize <= 0 {
		return nil, fmt.Errorf("invalid target size %d", p.targetSize)
	}

	img, format, err := image.Decode(reader)
	if err != nil {
		return nil, fmt.Errorf("failed to decode image: %w", err)
	}

	bounds := img.Bounds()
	width := bounds.Dx()
	height := bounds.Dy()
	if width == 0 || height == 0 {
		return nil, fmt.Errorf("empty %s image", format)
	}

	size := p.targetSize
	scaleX := float64(width) / float64(size)
	scaleY := float64(height) / float64(size)

	pixels := make([]float32, size*size*3)
	for y := 0; y < size; y++ {
		srcY := min(int(float64(y)*scaleY), height-1)
		for x := 0; x < size; x++ {
			srcX := min(int(float64(x)*scaleX), width-1)

			r, g, b, _ := img.At(bounds.Min.X+srcX, bounds.Min.Y+srcY).RGBA()
			idx := (y*size + x) * 3
			pixels[idx] = float32(r) / 65535.0
			pixels[idx+1] = float32(g) / 65535.0
			pixels[idx+2] = float32(b) / 65535.0
		}
	}

	return &ProcessedImage{
		Pixels:   pixels,
		Width:    size,
		Height:   size,
		Channels: 3,
	}, nil
}

// DecodeFile opens path and decodes it
func (p *ImageProcessor) DecodeFile(path string) (*ProcessedImage, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	return p.Decode(file)
}
