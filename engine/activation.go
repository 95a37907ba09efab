package engine

import (
	"math"
	"math/rand"
)

type rescaleOp struct {
	scale, offset float32
}

func (r *rescaleOp) forward(x []float32, n int, training, cache bool) []float32 {
	out := make([]float32, len(x))
	for i, v := range x {
		out[i] = v*r.scale + r.offset
	}
	return out
}

func (r *rescaleOp) backward(dy []float32, n int, accumulate, needInput bool) []float32 {
	if !needInput {
		return nil
	}
	dx := make([]float32, len(dy))
	for i, v := range dy {
		dx[i] = v * r.scale
	}
	return dx
}

type reluOp struct {
	y []float32
}

func (r *reluOp) forward(x []float32, n int, training, cache bool) []float32 {
	out := make([]float32, len(x))
	for i, v := range x {
		if v > 0 {
			out[i] = v
		}
	}
	if cache {
		r.y = out
	}
	return out
}

func (r *reluOp) backward(dy []float32, n int, accumulate, needInput bool) []float32 {
	if !needInput {
		return nil
	}
	dx := make([]float32, len(dy))
	for i, v := range dy {
		if r.y[i] > 0 {
			dx[i] = v
		}
	}
	return dx
}

type sigmoidOp struct {
	y []float32
}

func sigmoid(z float32) float32 {
	return float32(1 / (1 + math.Exp(-float64(z))))
}

func (s *sigmoidOp) forward(x []float32, n int, training, cache bool) []float32 {
	out := make([]float32, len(x))
	for i, v := range x {
		out[i] = sigmoid(v)
	}
	if cache {
		s.y = out
	}
	return out
}

func (s *sigmoidOp) backward(dy []float32, n int, accumulate, needInput bool) []float32 {
	if !needInput {
		return nil
	}
	dx := make([]float32, len(dy))
	for i, v := range dy {
		dx[i] = v * s.y[i] * (1 - s.y[i])
	}
	return dx
}

// dropoutOp is inverted dropout: kept units are scaled by 1/(1-rate) while
// training, and the op is the identity at inference.
type dropoutOp struct {
	rate float32
	rng  *rand.Rand

	mask []float32
}

func (d *dropoutOp) forward(x []float32, n int, training, cache bool) []float32 {
	if !training || d.rate <= 0 {
		d.mask = nil
		return x
	}

	keep := 1 - d.rate
	scale := 1 / keep
	out := make([]float32, len(x))
	mask := make([]float32, len(x))
	for i, v := range x {
		if d.rng.Float32() < keep {
			mask[i] = scale
			out[i] = v * scale
		}
	}
	if cache {
		d.mask = mask
	}
	return out
}

func (d *dropoutOp) backward(dy []float32, n int, accumulate, needInput bool) []float32 {
	if !needInput {
		return nil
	}
	if d.mask == nil {
		return dy
	}
	dx := make([]float32, len(dy))
	for i, v := range dy {
		dx[i] = v * d.mask[i]
	}
	return dx
}

// globalAvgPoolOp averages [N, H, W, C] to [N, C]
type globalAvgPoolOp struct {
	hw, c int
}

func (g *globalAvgPoolOp) forward(x []float32, n int, training, cache bool) []float32 {
	out := make([]float32, n*g.c)
	inv := 1 / float32(g.hw)
	for i := 0; i < n; i++ {
		acc := make([]float64, g.c)
		img := x[i*g.hw*g.c : (i+1)*g.hw*g.c]
		for p := 0; p < g.hw; p++ {
			for j, v := range img[p*g.c : (p+1)*g.c] {
				acc[j] += float64(v)
			}
		}
		for j := range acc {
			out[i*g.c+j] = float32(acc[j]) * inv
		}
	}
	return out
}

func (g *globalAvgPoolOp) backward(dy []float32, n int, accumulate, needInput bool) []float32 {
	if !needInput {
		return nil
	}
	dx := make([]float32, n*g.hw*g.c)
	inv := 1 / float32(g.hw)
	for i := 0; i < n; i++ {
		grad := dy[i*g.c : (i+1)*g.c]
		img := dx[i*g.hw*g.c : (i+1)*g.hw*g.c]
		for p := 0; p < g.hw; p++ {
			for j, v := range grad {
				img[p*g.c+j] = v * inv
			}
		}
	}
	return dx
}
