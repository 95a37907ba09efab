// Package fixtures writes synthetic conjunctiva-like images for tests and demos.
package fixtures

import (
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"math/rand"
	"os"
	"path/filepath"
)

// Class directory names, in label order.
const (
	NormalClass = "normal"
	AnemicClass = "anemic"
)

// NoiseImage returns a size×size noisy RGB image. Anemic samples are pale
// (all channels in 150..254); normal samples are darker with a boosted red
// channel (180..254).
func NoiseImage(class string, size int, rng *rand.Rand) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, size, size))
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			var c color.RGBA
			if class == AnemicClass {
				c = color.RGBA{
					R: uint8(150 + rng.Intn(105)),
					G: uint8(150 + rng.Intn(105)),
					B: uint8(150 + rng.Intn(105)),
					A: 255,
				}
			} else {
				c = color.RGBA{
					R: uint8(180 + rng.Intn(75)),
					G: uint8(50 + rng.Intn(150)),
					B: uint8(50 + rng.Intn(150)),
					A: 255,
				}
			}
			img.SetRGBA(x, y, c)
		}
	}
	return img
}

// SolidImage returns a size×size image of a single color.
func SolidImage(size int, c color.RGBA) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, size, size))
	for i := 0; i < len(img.Pix); i += 4 {
		img.Pix[i] = c.R
		img.Pix[i+1] = c.G
		img.Pix[i+2] = c.B
		img.Pix[i+3] = c.A
	}
	return img
}

// WriteJPEG encodes img to path at quality 90.
func WriteJPEG(path string, img image.Image) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := jpeg.Encode(f, img, &jpeg.Options{Quality: 90}); err != nil {
		f.Close()
		return fmt.Errorf("encode %s: %w", path, err)
	}
	return f.Close()
}

// WritePNG encodes img losslessly to path.
func WritePNG(path string, img image.Image) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := png.Encode(f, img); err != nil {
		f.Close()
		return fmt.Errorf("encode %s: %w", path, err)
	}
	return f.Close()
}

// GenerateClass writes count images named dummy_<i>.jpg into root/class.
func GenerateClass(root, class string, count, size int, rng *rand.Rand) error {
	dir := filepath.Join(root, class)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create %s: %w", dir, err)
	}
	for i := 0; i < count; i++ {
		path := filepath.Join(dir, fmt.Sprintf("dummy_%d.jpg", i))
		if err := WriteJPEG(path, NoiseImage(class, size, rng)); err != nil {
			return err
		}
	}
	return nil
}

// GenerateDataset writes perClass images for both classes under root.
func GenerateDataset(root string, perClass, size int, seed int64) error {
	rng := rand.New(rand.NewSource(seed))
	for _, class := range []string{AnemicClass, NormalClass} {
		if err := GenerateClass(root, class, perClass, size, rng); err != nil {
			return err
		}
	}
	return nil
}
