// Package augment applies random geometric and photometric transforms to
// HWC float32 images.
//
// Every transform is a single inverse affine warp composed from rotation,
// translation, shear and zoom around the image center, sampled bilinearly
// with edge replication outside the source. A horizontal flip and a
// brightness factor follow the warp.
package augment

import (
	"math"
	"math/rand"
)

// Config holds the ranges transforms are drawn from. Zero values disable the
// corresponding transform.
type Config struct {
	RotationRange    float64 // degrees, U(-r, r)
	WidthShiftRange  float64 // fraction of width, U(-r, r)
	HeightShiftRange float64 // fraction of height, U(-r, r)
	ShearRange       float64 // shear factor, U(-r, r)
	ZoomRange        float64 // per-axis zoom, U(1-r, 1+r)
	HorizontalFlip   bool
	BrightnessRange  [2]float64 // multiplicative factor; {0, 0} disables
}

// DefaultConfig returns the training augmentation used for conjunctiva images.
func DefaultConfig() Config {
	return Config{
		RotationRange:    20,
		WidthShiftRange:  0.2,
		HeightShiftRange: 0.2,
		ShearRange:       0.15,
		ZoomRange:        0.2,
		HorizontalFlip:   true,
		BrightnessRange:  [2]float64{0.8, 1.2},
	}
}

// Params is one concrete draw of transform parameters.
type Params struct {
	Theta      float64 // radians
	Tx, Ty     float64 // pixels along rows and columns
	Shear      float64
	Zx, Zy     float64
	Flip       bool
	Brightness float64
}

// Identity returns parameters that leave an image unchanged.
func Identity() Params {
	return Params{Zx: 1, Zy: 1, Brightness: 1}
}

// Augmenter draws and applies random transforms.
type Augmenter struct {
	cfg Config
}

// New creates an Augmenter for cfg.
func New(cfg Config) *Augmenter {
	return &Augmenter{cfg: cfg}
}

// Config returns the ranges in use.
func (a *Augmenter) Config() Config {
	return a.cfg
}

func uniform(rng *rand.Rand, lo, hi float64) float64 {
	return lo + rng.Float64()*(hi-lo)
}

// Sample draws transform parameters for an h×w image. Draw order is fixed so
// a given rng state always yields the same parameters.
func (a *Augmenter) Sample(rng *rand.Rand, h, w int) Params {
	p := Identity()
	cfg := a.cfg

	if cfg.RotationRange > 0 {
		p.Theta = uniform(rng, -cfg.RotationRange, cfg.RotationRange) * math.Pi / 180
	}
	if cfg.HeightShiftRange > 0 {
		p.Tx = uniform(rng, -cfg.HeightShiftRange, cfg.HeightShiftRange) * float64(h)
	}
	if cfg.WidthShiftRange > 0 {
		p.Ty = uniform(rng, -cfg.WidthShiftRange, cfg.WidthShiftRange) * float64(w)
	}
	if cfg.ShearRange > 0 {
		p.Shear = uniform(rng, -cfg.ShearRange, cfg.ShearRange)
	}
	if cfg.ZoomRange > 0 {
		p.Zx = uniform(rng, 1-cfg.ZoomRange, 1+cfg.ZoomRange)
		p.Zy = uniform(rng, 1-cfg.ZoomRange, 1+cfg.ZoomRange)
	}
	if cfg.HorizontalFlip {
		p.Flip = rng.Float64() < 0.5
	}
	if lo, hi := cfg.BrightnessRange[0], cfg.BrightnessRange[1]; hi > 0 {
		p.Brightness = uniform(rng, lo, hi)
	}
	return p
}

// Apply draws parameters from rng and transforms img. The input is not
// modified.
func (a *Augmenter) Apply(img []float32, h, w, c int, rng *rand.Rand) []float32 {
	return Transform(img, h, w, c, a.Sample(rng, h, w))
}

// affine is a 2×3 matrix mapping output (row, col) to input (row, col).
type affine [2][3]float64

func mul(a, b [3][3]float64) [3][3]float64 {
	var out [3][3]float64
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			for k := 0; k < 3; k++ {
				out[i][j] += a[i][k] * b[k][j]
			}
		}
	}
	return out
}

// matrix composes rotation, shift, shear and zoom, centered on the image.
func (p Params) matrix(h, w int) affine {
	cos, sin := math.Cos(p.Theta), math.Sin(p.Theta)
	m := [3][3]float64{{cos, -sin, 0}, {sin, cos, 0}, {0, 0, 1}}
	m = mul(m, [3][3]float64{{1, 0, p.Tx}, {0, 1, p.Ty}, {0, 0, 1}})
	m = mul(m, [3][3]float64{{1, -p.Shear, 0}, {0, 1, 0}, {0, 0, 1}})
	m = mul(m, [3][3]float64{{p.Zx, 0, 0}, {0, p.Zy, 0}, {0, 0, 1}})

	or, oc := float64(h-1)/2, float64(w-1)/2
	m = mul([3][3]float64{{1, 0, or}, {0, 1, oc}, {0, 0, 1}}, m)
	m = mul(m, [3][3]float64{{1, 0, -or}, {0, 1, -oc}, {0, 0, 1}})

	return affine{m[0], m[1]}
}

func clampIndex(v, n int) int {
	if v < 0 {
		return 0
	}
	if v >= n {
		return n - 1
	}
	return v
}

// Transform applies p to an HWC image and returns a new slice. Values are
// clipped to [0, 255] after the brightness factor.
func Transform(img []float32, h, w, c int, p Params) []float32 {
	out := make([]float32, len(img))
	m := p.matrix(h, w)

	for r := 0; r < h; r++ {
		for col := 0; col < w; col++ {
			sr := m[0][0]*float64(r) + m[0][1]*float64(col) + m[0][2]
			sc := m[1][0]*float64(r) + m[1][1]*float64(col) + m[1][2]

			r0 := int(math.Floor(sr))
			c0 := int(math.Floor(sc))
			fr := float32(sr - float64(r0))
			fc := float32(sc - float64(c0))

			ra, rb := clampIndex(r0, h), clampIndex(r0+1, h)
			ca, cb := clampIndex(c0, w), clampIndex(c0+1, w)

			dst := (r*w + col) * c
			for ch := 0; ch < c; ch++ {
				v00 := img[(ra*w+ca)*c+ch]
				v01 := img[(ra*w+cb)*c+ch]
				v10 := img[(rb*w+ca)*c+ch]
				v11 := img[(rb*w+cb)*c+ch]
				top := v00 + (v01-v00)*fc
				bottom := v10 + (v11-v10)*fc
				out[dst+ch] = top + (bottom-top)*fr
			}
		}
	}

	if p.Flip {
		for r := 0; r < h; r++ {
			for col := 0; col < w/2; col++ {
				a := (r*w + col) * c
				b := (r*w + w - 1 - col) * c
				for ch := 0; ch < c; ch++ {
					out[a+ch], out[b+ch] = out[b+ch], out[a+ch]
				}
			}
		}
	}

	if p.Brightness != 1 {
		scale := float32(p.Brightness)
		for i, v := range out {
			v *= scale
			if v > 255 {
				v = 255
			} else if v < 0 {
				v = 0
			}
			out[i] = v
		}
	}

	return out
}
