// Package transform implements the image pipeline the classifiers were
// trained with: scale the shortest side to a fixed dimension, take a
// square crop (randomized with a horizontal flip during training,
// centered for inference), and emit normalized CHW float32 pixels.
package transform

import (
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"math/rand"
	"os"

	"github.com/nfnt/resize"
)

// ImageNet channel statistics, matching the pretrained backbone.
var (
	mean = [3]float32{0.485, 0.456, 0.406}
	std  = [3]float32{0.229, 0.224, 0.225}
)

// Pipeline converts a decoded image into model input.
type Pipeline struct {
	ResizeDim int  // target shortest-side dimension
	Size      int  // square crop size
	Train     bool // random crop + flip instead of center crop
	rng       *rand.Rand
}

// New builds a pipeline. The seed only matters when train is true.
func New(resizeDim, size int, train bool, seed int64) *Pipeline {
	return &Pipeline{
		ResizeDim: resizeDim,
		Size:      size,
		Train:     train,
		rng:       rand.New(rand.NewSource(seed)),
	}
}

// Load decodes the image at path and applies the pipeline.
func (p *Pipeline) Load(path string) ([]float32, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("transform: %w", err)
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("transform: decode %s: %w", path, err)
	}
	return p.Apply(img), nil
}

// Apply runs resize, crop, flip, and normalization. The result has
// length 3 * Size * Size in CHW order.
func (p *Pipeline) Apply(img image.Image) []float32 {
	img = resizeShortSide(img, p.ResizeDim)

	bounds := img.Bounds()
	maxX := bounds.Dx() - p.Size
	maxY := bounds.Dy() - p.Size
	if maxX < 0 {
		maxX = 0
	}
	if maxY < 0 {
		maxY = 0
	}

	offX, offY := maxX/2, maxY/2
	flip := false
	if p.Train {
		if maxX > 0 {
			offX = p.rng.Intn(maxX + 1)
		}
		if maxY > 0 {
			offY = p.rng.Intn(maxY + 1)
		}
		flip = p.rng.Intn(2) == 1
	}

	out := make([]float32, 3*p.Size*p.Size)
	plane := p.Size * p.Size
	for y := 0; y < p.Size; y++ {
		for x := 0; x < p.Size; x++ {
			srcX := bounds.Min.X + offX + x
			if flip {
				srcX = bounds.Min.X + offX + (p.Size - 1 - x)
			}
			srcY := bounds.Min.Y + offY + y
			if srcX >= bounds.Max.X {
				srcX = bounds.Max.X - 1
			}
			if srcY >= bounds.Max.Y {
				srcY = bounds.Max.Y - 1
			}
			r, g, b, _ := img.At(srcX, srcY).RGBA()
			i := y*p.Size + x
			out[i] = (float32(r)/65535.0 - mean[0]) / std[0]
			out[plane+i] = (float32(g)/65535.0 - mean[1]) / std[1]
			out[2*plane+i] = (float32(b)/65535.0 - mean[2]) / std[2]
		}
	}
	return out
}

// resizeShortSide scales img so its shortest side equals dim, keeping
// the aspect ratio. Images already at or below dim on both sides are
// scaled up.
func resizeShortSide(img image.Image, dim int) image.Image {
	w := img.Bounds().Dx()
	h := img.Bounds().Dy()
	if w <= 0 || h <= 0 {
		return img
	}
	if w < h {
		newH := uint(float64(h) * float64(dim) / float64(w))
		return resize.Resize(uint(dim), newH, img, resize.Lanczos3)
	}
	newW := uint(float64(w) * float64(dim) / float64(h))
	return resize.Resize(newW, uint(dim), img, resize.Lanczos3)
}
