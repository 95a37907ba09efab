package engine

import (
	"math"
	"math/rand"
	"sort"
	"testing"

	"github.com/matripixel/anemia-detector/checkpoints"
	"github.com/matripixel/anemia-detector/layers"
	"github.com/matripixel/anemia-detector/optimizer"
)

// captureOptimizer records gradients without changing parameters
type captureOptimizer struct {
	grads  [][]float32
	active []bool
	steps  uint64
}

func (c *captureOptimizer) Step(params, grads [][]float32, active []bool) error {
	c.grads = make([][]float32, len(grads))
	for i, g := range grads {
		c.grads[i] = append([]float32(nil), g...)
	}
	c.active = append([]bool(nil), active...)
	c.steps++
	return nil
}

func (c *captureOptimizer) GetState() (*optimizer.OptimizerState, error) { return nil, nil }

func (c *captureOptimizer) LoadState(*optimizer.OptimizerState) error { return nil }

func (c *captureOptimizer) GetStepCount() uint64 { return c.steps }

func (c *captureOptimizer) UpdateLearningRate(float32) {}

func (c *captureOptimizer) LearningRate() float32 { return 0 }

func createConvModel(t *testing.T) *layers.ModelSpec {
	t.Helper()
	model, err := layers.NewModelBuilder([]int{1, 6, 6, 2}).
		AddRescale(2, -1, "rescale").
		AddConv2D(3, 3, 2, 1, true, "conv1").
		AddBatchNorm(3, 1e-3, 0.99, true, "conv1_bn").
		AddReLU("conv1_relu").
		AddConv2D(4, 3, 1, 1, false, "conv2").
		AddReLU("conv2_relu").
		AddGlobalAvgPool("pool").
		AddDense(5, true, 0.01, "dense1").
		AddBatchNorm(5, 1e-3, 0.99, false, "dense1_bn").
		AddReLU("dense1_relu").
		AddDense(1, true, 0, "out").
		AddSigmoid("prob").
		Compile()
	if err != nil {
		t.Fatalf("Failed to compile model: %v", err)
	}
	return model
}

func randomBatch(rng *rand.Rand, n, size int) ([]float32, []float32) {
	x := make([]float32, n*size)
	for i := range x {
		x[i] = rng.Float32()
	}
	y := make([]float32, n)
	for i := range y {
		y[i] = float32(i % 2)
	}
	return x, y
}

func TestNewNetworkInitialization(t *testing.T) {
	model := createConvModel(t)
	net, err := NewNetwork(model, 1)
	if err != nil {
		t.Fatalf("Failed to create network: %v", err)
	}

	var total int64
	for _, p := range net.params {
		total += int64(len(p))
	}
	if total != model.TotalParameters {
		t.Errorf("Expected %d parameters, got %d", model.TotalParameters, total)
	}

	for _, w := range net.Weights() {
		switch w.Type {
		case "gamma", "running_var":
			for _, v := range w.Data {
				if v != 1 {
					t.Fatalf("%s should start at 1, got %v", w.Name, v)
				}
			}
		case "bias", "beta", "running_mean":
			for _, v := range w.Data {
				if v != 0 {
					t.Fatalf("%s should start at 0, got %v", w.Name, v)
				}
			}
		case "weight":
			allZero := true
			for _, v := range w.Data {
				if v != 0 {
					allZero = false
				}
			}
			if allZero {
				t.Errorf("%s was not initialized", w.Name)
			}
		}
	}

	again, _ := NewNetwork(model, 1)
	if a, b := net.Weights()[0].Data[0], again.Weights()[0].Data[0]; a != b {
		t.Errorf("Same seed produced different weights: %v vs %v", a, b)
	}

	if _, err := NewNetwork(&layers.ModelSpec{}, 1); err == nil {
		t.Error("Expected error for uncompiled spec")
	}
}

// TestConvMatchesDirect compares the im2col convolution with a direct loop
func TestConvMatchesDirect(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	c := &conv2dOp{h: 5, w: 4, ic: 2, oc: 3, k: 3, stride: 2, pad: 1, workers: 2}
	c.oh = (c.h+2*c.pad-c.k)/c.stride + 1
	c.ow = (c.w+2*c.pad-c.k)/c.stride + 1
	c.weight = make([]float32, c.oc*c.k*c.k*c.ic)
	c.bias = []float32{0.1, -0.2, 0.3}
	for i := range c.weight {
		c.weight[i] = rng.Float32() - 0.5
	}

	n := 3
	x := make([]float32, n*c.h*c.w*c.ic)
	for i := range x {
		x[i] = rng.Float32()
	}

	got := c.forward(x, n, false, false)
	for b := 0; b < n; b++ {
		for oy := 0; oy < c.oh; oy++ {
			for ox := 0; ox < c.ow; ox++ {
				for o := 0; o < c.oc; o++ {
					want := float64(c.bias[o])
					for ky := 0; ky < c.k; ky++ {
						for kx := 0; kx < c.k; kx++ {
							iy, ix := oy*c.stride-c.pad+ky, ox*c.stride-c.pad+kx
							if iy < 0 || iy >= c.h || ix < 0 || ix >= c.w {
								continue
							}
							for ch := 0; ch < c.ic; ch++ {
								want += float64(c.weight[((o*c.k+ky)*c.k+kx)*c.ic+ch]) *
									float64(x[((b*c.h+iy)*c.w+ix)*c.ic+ch])
							}
						}
					}
					g := got[((b*c.oh+oy)*c.ow+ox)*c.oc+o]
					if math.Abs(float64(g)-want) > 1e-5 {
						t.Fatalf("output[%d,%d,%d,%d] = %v, want %v", b, oy, ox, o, g, want)
					}
				}
			}
		}
	}
}

// TestGradientCheck compares analytic gradients with central differences
func TestGradientCheck(t *testing.T) {
	model := createConvModel(t)
	net, err := NewNetwork(model, 7)
	if err != nil {
		t.Fatalf("Failed to create network: %v", err)
	}
	rng := rand.New(rand.NewSource(11))
	x, y := randomBatch(rng, 4, net.inputSize)

	capture := &captureOptimizer{}
	if _, err := net.TrainStep(x, y, 4, capture); err != nil {
		t.Fatalf("TrainStep failed: %v", err)
	}

	lossAt := func() float64 {
		res, err := net.TrainStep(x, y, 4, &captureOptimizer{})
		if err != nil {
			t.Fatalf("TrainStep failed: %v", err)
		}
		return res.Loss
	}

	const eps = 5e-3
	for pi, param := range net.params {
		grad := capture.grads[pi]

		// check the entries with the largest gradients
		idx := make([]int, len(param))
		for i := range idx {
			idx[i] = i
		}
		sort.Slice(idx, func(a, b int) bool {
			return math.Abs(float64(grad[idx[a]])) > math.Abs(float64(grad[idx[b]]))
		})
		if len(idx) > 3 {
			idx = idx[:3]
		}

		for _, i := range idx {
			orig := param[i]
			param[i] = orig + eps
			plus := lossAt()
			param[i] = orig - eps
			minus := lossAt()
			param[i] = orig

			numeric := (plus - minus) / (2 * eps)
			analytic := float64(grad[i])
			if math.Abs(numeric-analytic) > 5e-2*math.Max(math.Abs(numeric), math.Abs(analytic))+5e-4 {
				t.Errorf("%s[%d]: analytic %v, numeric %v", net.paramNames[pi], i, analytic, numeric)
			}
		}
	}
}

func TestTrainStepRespectsFrozenLayers(t *testing.T) {
	model := createConvModel(t)
	net, _ := NewNetwork(model, 5)
	for i, layer := range model.Layers {
		if layer.Name == "conv1" || layer.Name == "conv1_bn" {
			net.SetTrainable(i, false)
		}
	}
	before := checkpoints.WeightMap(net.Weights())

	adam, err := optimizer.NewAdam(optimizer.DefaultAdamConfig(), net.ParameterShapes())
	if err != nil {
		t.Fatalf("Failed to create Adam: %v", err)
	}
	rng := rand.New(rand.NewSource(2))
	x, y := randomBatch(rng, 4, net.inputSize)
	if _, err := net.TrainStep(x, y, 4, adam); err != nil {
		t.Fatalf("TrainStep failed: %v", err)
	}
	after := checkpoints.WeightMap(net.Weights())

	changed := func(name string) bool {
		a, b := before[name].Data, after[name].Data
		for i := range a {
			if a[i] != b[i] {
				return true
			}
		}
		return false
	}

	for _, name := range []string{"conv1.weight", "conv1.bias", "conv1_bn.gamma", "conv1_bn.running_mean", "conv1_bn.running_var"} {
		if changed(name) {
			t.Errorf("Frozen tensor %s changed", name)
		}
	}
	for _, name := range []string{"conv2.weight", "dense1.weight", "out.bias", "dense1_bn.running_mean"} {
		if !changed(name) {
			t.Errorf("Trainable tensor %s did not change", name)
		}
	}

	if net.TrainableParameterCount() >= model.TotalParameters {
		t.Errorf("Trainable count should exclude frozen layers")
	}
}

func TestTrainStepReducesLoss(t *testing.T) {
	model, err := layers.NewModelBuilder([]int{1, 4, 4, 1}).
		AddConv2D(8, 3, 1, 1, true, "conv").
		AddReLU("relu").
		AddGlobalAvgPool("pool").
		AddDense(1, true, 0, "out").
		AddSigmoid("prob").
		Compile()
	if err != nil {
		t.Fatalf("Failed to compile model: %v", err)
	}
	net, _ := NewNetwork(model, 9)

	config := optimizer.DefaultAdamConfig()
	config.LearningRate = 0.05
	adam, _ := optimizer.NewAdam(config, net.ParameterShapes())

	// bright images are positive, dark images negative
	rng := rand.New(rand.NewSource(4))
	n := 8
	x := make([]float32, n*16)
	y := make([]float32, n)
	for i := 0; i < n; i++ {
		base := float32(0.2)
		if i%2 == 1 {
			base = 0.8
			y[i] = 1
		}
		for j := 0; j < 16; j++ {
			x[i*16+j] = base + (rng.Float32()-0.5)*0.1
		}
	}

	first, err := net.TrainStep(x, y, n, adam)
	if err != nil {
		t.Fatalf("TrainStep failed: %v", err)
	}
	var last StepResult
	for i := 0; i < 150; i++ {
		if last, err = net.TrainStep(x, y, n, adam); err != nil {
			t.Fatalf("TrainStep failed: %v", err)
		}
	}
	if last.Loss >= first.Loss {
		t.Errorf("Loss did not decrease: %v -> %v", first.Loss, last.Loss)
	}
	if len(last.Probabilities) != n {
		t.Errorf("Expected %d probabilities, got %d", n, len(last.Probabilities))
	}
}

func TestTrainStepErrors(t *testing.T) {
	model := createConvModel(t)
	net, _ := NewNetwork(model, 1)
	x, y := randomBatch(rand.New(rand.NewSource(1)), 2, net.inputSize)

	if _, err := net.TrainStep(x[:5], y, 2, &captureOptimizer{}); err == nil {
		t.Error("Expected error for short input")
	}
	if _, err := net.TrainStep(x, y[:1], 2, &captureOptimizer{}); err == nil {
		t.Error("Expected error for label count mismatch")
	}

	for i := range model.Layers {
		net.SetTrainable(i, false)
	}
	if _, err := net.TrainStep(x, y, 2, &captureOptimizer{}); err == nil {
		t.Error("Expected error with every layer frozen")
	}
	for i := range model.Layers {
		net.SetTrainable(i, true)
	}

	net.params[len(net.params)-2][0] = float32(math.NaN())
	if _, err := net.TrainStep(x, y, 2, &captureOptimizer{}); err == nil {
		t.Error("Expected error for NaN loss")
	}
}

func TestPredictDeterministic(t *testing.T) {
	model := createConvModel(t)
	net, _ := NewNetwork(model, 1)
	x, _ := randomBatch(rand.New(rand.NewSource(8)), 5, net.inputSize)

	a, err := net.Predict(x, 5)
	if err != nil {
		t.Fatalf("Predict failed: %v", err)
	}
	net.SetWorkers(1)
	b, _ := net.Predict(x, 5)

	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("Prediction %d differs: %v vs %v", i, a[i], b[i])
		}
		if a[i] <= 0 || a[i] >= 1 {
			t.Errorf("Probability out of range: %v", a[i])
		}
	}
}

func TestWeightsRoundTrip(t *testing.T) {
	model := createConvModel(t)
	src, _ := NewNetwork(model, 1)
	dst, _ := NewNetwork(model, 2)

	// move running statistics away from their defaults
	x, y := randomBatch(rand.New(rand.NewSource(1)), 4, src.inputSize)
	adam, _ := optimizer.NewAdam(optimizer.DefaultAdamConfig(), src.ParameterShapes())
	if _, err := src.TrainStep(x, y, 4, adam); err != nil {
		t.Fatalf("TrainStep failed: %v", err)
	}

	if err := dst.LoadWeights(src.Weights()); err != nil {
		t.Fatalf("LoadWeights failed: %v", err)
	}
	a, _ := src.Predict(x, 4)
	b, _ := dst.Predict(x, 4)
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("Prediction %d differs after weight copy: %v vs %v", i, a[i], b[i])
		}
	}

	weights := src.Weights()
	if weights[0].Name != "conv1.weight" || weights[0].Type != "weight" {
		t.Errorf("Unexpected first tensor %s (%s)", weights[0].Name, weights[0].Type)
	}

	bad := []checkpoints.WeightTensor{{Name: "nope.weight", Data: []float32{1}}}
	if err := dst.LoadWeights(bad); err == nil {
		t.Error("Expected error for unknown tensor")
	}
	bad = []checkpoints.WeightTensor{{Name: "out.bias", Data: []float32{1, 2}}}
	if err := dst.LoadWeights(bad); err == nil {
		t.Error("Expected error for size mismatch")
	}
}

func TestBinaryCrossEntropy(t *testing.T) {
	loss, grad := BinaryCrossEntropyWithLogits([]float32{0, 0}, []float32{0, 1})
	if math.Abs(loss-math.Ln2) > 1e-9 {
		t.Errorf("Expected ln 2, got %v", loss)
	}
	if grad[0] != 0.25 || grad[1] != -0.25 {
		t.Errorf("Unexpected gradient %v", grad)
	}

	// large logits stay finite
	loss, _ = BinaryCrossEntropyWithLogits([]float32{80, -80}, []float32{0, 1})
	if math.IsInf(loss, 0) || math.IsNaN(loss) || math.Abs(loss-80) > 1e-6 {
		t.Errorf("Expected 80, got %v", loss)
	}

	if l := BinaryCrossEntropy([]float32{0.5, 0.5}, []float32{0, 1}); math.Abs(l-math.Ln2) > 1e-6 {
		t.Errorf("Expected ln 2, got %v", l)
	}
	if l := BinaryCrossEntropy([]float32{0, 1}, []float32{1, 0}); math.IsInf(l, 0) {
		t.Errorf("Clipped loss should be finite")
	}
}

func TestParallelFor(t *testing.T) {
	seen := make([]int, 10)
	parallelFor(10, 3, func(worker, i int) {
		if i%3 != worker {
			t.Errorf("index %d ran on worker %d", i, worker)
		}
		seen[i]++
	})
	for i, c := range seen {
		if c != 1 {
			t.Errorf("index %d visited %d times", i, c)
		}
	}
}
