package engine

import (
	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"
)

// op is one executable layer. Parameter and gradient slices are owned by the
// Network; ops only hold views into them.
type op interface {
	// forward computes the output for n samples. With cache set the op keeps
	// what backward needs.
	forward(x []float32, n int, training, cache bool) []float32

	// backward returns dL/dx for the last cached forward. Parameter gradients
	// are accumulated only when accumulate is set; dL/dx is computed only when
	// needInput is set (nil otherwise).
	backward(dy []float32, n int, accumulate, needInput bool) []float32
}

func general(rows, cols int, data []float32) blas32.General {
	return blas32.General{Rows: rows, Cols: cols, Stride: cols, Data: data}
}

// conv2dOp is a square-kernel NHWC convolution computed as im2col + GEMM.
// Weights are [OC, K, K, IC], viewed as an [OC, K*K*IC] matrix.
type conv2dOp struct {
	h, w, ic       int
	oh, ow, oc     int
	k, stride, pad int
	weight, bias   []float32
	dWeight, dBias []float32
	workers        int

	x       []float32
	scratch []convScratch
}

type convScratch struct {
	cols, dcols []float32
	dw, db      []float32
}

func (c *conv2dOp) patch() int { return c.k * c.k * c.ic }

func (c *conv2dOp) im2col(img, cols []float32) {
	kkic := c.patch()
	for oy := 0; oy < c.oh; oy++ {
		for ox := 0; ox < c.ow; ox++ {
			row := cols[(oy*c.ow+ox)*kkic : (oy*c.ow+ox+1)*kkic]
			for ky := 0; ky < c.k; ky++ {
				iy := oy*c.stride - c.pad + ky
				for kx := 0; kx < c.k; kx++ {
					ix := ox*c.stride - c.pad + kx
					dst := row[(ky*c.k+kx)*c.ic : (ky*c.k+kx+1)*c.ic]
					if iy < 0 || iy >= c.h || ix < 0 || ix >= c.w {
						clear(dst)
						continue
					}
					copy(dst, img[(iy*c.w+ix)*c.ic:])
				}
			}
		}
	}
}

func (c *conv2dOp) col2im(dcols, dimg []float32) {
	kkic := c.patch()
	clear(dimg)
	for oy := 0; oy < c.oh; oy++ {
		for ox := 0; ox < c.ow; ox++ {
			row := dcols[(oy*c.ow+ox)*kkic:]
			for ky := 0; ky < c.k; ky++ {
				iy := oy*c.stride - c.pad + ky
				if iy < 0 || iy >= c.h {
					continue
				}
				for kx := 0; kx < c.k; kx++ {
					ix := ox*c.stride - c.pad + kx
					if ix < 0 || ix >= c.w {
						continue
					}
					src := row[(ky*c.k+kx)*c.ic:]
					dst := dimg[(iy*c.w+ix)*c.ic : (iy*c.w+ix+1)*c.ic]
					for ch := range dst {
						dst[ch] += src[ch]
					}
				}
			}
		}
	}
}

func (c *conv2dOp) ensureScratch(withGrads bool) {
	if len(c.scratch) != c.workers {
		c.scratch = make([]convScratch, c.workers)
	}
	p := c.oh * c.ow
	for i := range c.scratch {
		s := &c.scratch[i]
		s.cols = grow(s.cols, p*c.patch())
		if withGrads {
			s.dcols = grow(s.dcols, p*c.patch())
			s.dw = grow(s.dw, len(c.weight))
			s.db = grow(s.db, c.oc)
		}
	}
}

func (c *conv2dOp) forward(x []float32, n int, training, cache bool) []float32 {
	inSize, p := c.h*c.w*c.ic, c.oh*c.ow
	out := make([]float32, n*p*c.oc)
	c.ensureScratch(false)

	W := general(c.oc, c.patch(), c.weight)
	parallelFor(n, c.workers, func(worker, i int) {
		s := &c.scratch[worker]
		c.im2col(x[i*inSize:(i+1)*inSize], s.cols)
		y := out[i*p*c.oc : (i+1)*p*c.oc]
		// [P, KKIC] x [OC, KKIC]^T = [P, OC]
		blas32.Gemm(blas.NoTrans, blas.Trans, 1, general(p, c.patch(), s.cols), W, 0, general(p, c.oc, y))
		if c.bias != nil {
			for r := 0; r < p; r++ {
				row := y[r*c.oc : (r+1)*c.oc]
				for o, b := range c.bias {
					row[o] += b
				}
			}
		}
	})

	if cache {
		c.x = x
	}
	return out
}

func (c *conv2dOp) backward(dy []float32, n int, accumulate, needInput bool) []float32 {
	inSize, p := c.h*c.w*c.ic, c.oh*c.ow
	c.ensureScratch(true)
	for i := range c.scratch {
		clear(c.scratch[i].dw)
		clear(c.scratch[i].db)
	}

	var dx []float32
	if needInput {
		dx = make([]float32, n*inSize)
	}

	W := general(c.oc, c.patch(), c.weight)
	parallelFor(n, c.workers, func(worker, i int) {
		s := &c.scratch[worker]
		g := general(p, c.oc, dy[i*p*c.oc:(i+1)*p*c.oc])

		if accumulate {
			c.im2col(c.x[i*inSize:(i+1)*inSize], s.cols)
			// dW += dY^T x cols
			blas32.Gemm(blas.Trans, blas.NoTrans, 1, g, general(p, c.patch(), s.cols), 1, general(c.oc, c.patch(), s.dw))
			for r := 0; r < p; r++ {
				row := g.Data[r*c.oc : (r+1)*c.oc]
				for o, v := range row {
					s.db[o] += v
				}
			}
		}
		if needInput {
			blas32.Gemm(blas.NoTrans, blas.NoTrans, 1, g, W, 0, general(p, c.patch(), s.dcols))
			c.col2im(s.dcols, dx[i*inSize:(i+1)*inSize])
		}
	})

	if accumulate {
		// Reduce in worker order for reproducible sums
		for i := range c.scratch {
			s := &c.scratch[i]
			for j, v := range s.dw {
				c.dWeight[j] += v
			}
			if c.dBias != nil {
				for j, v := range s.db {
					c.dBias[j] += v
				}
			}
		}
	}
	return dx
}

// denseOp computes y = xW + b with W stored [in, out]
type denseOp struct {
	in, out        int
	weight, bias   []float32
	dWeight, dBias []float32

	x []float32
}

func (d *denseOp) forward(x []float32, n int, training, cache bool) []float32 {
	y := make([]float32, n*d.out)
	blas32.Gemm(blas.NoTrans, blas.NoTrans, 1, general(n, d.in, x), general(d.in, d.out, d.weight), 0, general(n, d.out, y))
	if d.bias != nil {
		for i := 0; i < n; i++ {
			row := y[i*d.out : (i+1)*d.out]
			for j, b := range d.bias {
				row[j] += b
			}
		}
	}
	if cache {
		d.x = x
	}
	return y
}

func (d *denseOp) backward(dy []float32, n int, accumulate, needInput bool) []float32 {
	g := general(n, d.out, dy)
	if accumulate {
		blas32.Gemm(blas.Trans, blas.NoTrans, 1, general(n, d.in, d.x), g, 1, general(d.in, d.out, d.dWeight))
		if d.dBias != nil {
			for i := 0; i < n; i++ {
				for j, v := range dy[i*d.out : (i+1)*d.out] {
					d.dBias[j] += v
				}
			}
		}
	}
	if !needInput {
		return nil
	}
	dx := make([]float32, n*d.in)
	blas32.Gemm(blas.NoTrans, blas.Trans, 1, g, general(d.in, d.out, d.weight), 0, general(n, d.in, dx))
	return dx
}
