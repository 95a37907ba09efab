package engine

import "math"

// batchNormOp normalizes over the last (channel) axis. In batch mode it uses the
// batch statistics and updates the running averages
//
//	running = momentum*running + (1-momentum)*batch
//
// otherwise it normalizes with the running statistics.
type batchNormOp struct {
	features      int
	eps, momentum float32
	inferenceOnly bool

	gamma, beta     []float32
	dGamma, dBeta   []float32
	runMean, runVar []float32

	xhat       []float32
	invStd     []float32
	batchStats bool
}

func (b *batchNormOp) forward(x []float32, n int, training, cache bool) []float32 {
	c := b.features
	rows := len(x) / c
	useBatch := training && !b.inferenceOnly

	mean := make([]float64, c)
	variance := make([]float64, c)
	if useBatch {
		for r := 0; r < rows; r++ {
			for j, v := range x[r*c : (r+1)*c] {
				mean[j] += float64(v)
			}
		}
		for j := range mean {
			mean[j] /= float64(rows)
		}
		for r := 0; r < rows; r++ {
			for j, v := range x[r*c : (r+1)*c] {
				d := float64(v) - mean[j]
				variance[j] += d * d
			}
		}
		m := float64(b.momentum)
		for j := range variance {
			variance[j] /= float64(rows)
			b.runMean[j] = float32(m*float64(b.runMean[j]) + (1-m)*mean[j])
			b.runVar[j] = float32(m*float64(b.runVar[j]) + (1-m)*variance[j])
		}
	} else {
		for j := range mean {
			mean[j] = float64(b.runMean[j])
			variance[j] = float64(b.runVar[j])
		}
	}

	invStd := make([]float32, c)
	for j := range invStd {
		invStd[j] = float32(1 / math.Sqrt(variance[j]+float64(b.eps)))
	}

	out := make([]float32, len(x))
	var xhat []float32
	if cache {
		xhat = make([]float32, len(x))
	}
	for r := 0; r < rows; r++ {
		for j := 0; j < c; j++ {
			i := r*c + j
			h := float32(float64(x[i])-mean[j]) * invStd[j]
			out[i] = b.gamma[j]*h + b.beta[j]
			if cache {
				xhat[i] = h
			}
		}
	}

	if cache {
		b.xhat = xhat
		b.invStd = invStd
		b.batchStats = useBatch
	}
	return out
}

func (b *batchNormOp) backward(dy []float32, n int, accumulate, needInput bool) []float32 {
	c := b.features
	rows := len(dy) / c

	sumDy := make([]float64, c)
	sumDyXhat := make([]float64, c)
	for r := 0; r < rows; r++ {
		for j := 0; j < c; j++ {
			i := r*c + j
			sumDy[j] += float64(dy[i])
			sumDyXhat[j] += float64(dy[i]) * float64(b.xhat[i])
		}
	}
	if accumulate {
		for j := 0; j < c; j++ {
			b.dGamma[j] += float32(sumDyXhat[j])
			b.dBeta[j] += float32(sumDy[j])
		}
	}
	if !needInput {
		return nil
	}

	dx := make([]float32, len(dy))
	nf := float64(rows)
	for r := 0; r < rows; r++ {
		for j := 0; j < c; j++ {
			i := r*c + j
			scale := float64(b.gamma[j]) * float64(b.invStd[j])
			if b.batchStats {
				dx[i] = float32(scale / nf * (nf*float64(dy[i]) - sumDy[j] - float64(b.xhat[i])*sumDyXhat[j]))
			} else {
				dx[i] = float32(scale * float64(dy[i]))
			}
		}
	}
	return dx
}
