package engine

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/matripixel/anemia-detector/checkpoints"
	"github.com/matripixel/anemia-detector/layers"
	"github.com/matripixel/anemia-detector/optimizer"
)

// Network executes a compiled ModelSpec on the CPU. It owns every parameter,
// gradient and running-statistics buffer of the model.
//
// A Network is not safe for concurrent use: training, prediction and weight
// access must be serialized by the caller.
type Network struct {
	spec *layers.ModelSpec
	ops  []op

	// Parameter tensors are ordered like spec.ParameterShapes; paramLayer
	// holds the index of the owning layer.
	params     [][]float32
	grads      [][]float32
	paramLayer []int
	paramNames []string
	paramTypes []string

	buffers     []buffer
	trainable   []bool
	l2          []float32
	inputSize   int
	sigmoidLast bool
}

// buffer is a non-trainable tensor such as a BatchNorm running statistic
type buffer struct {
	layerIdx   int
	name, kind string
	layer      string
	data       []float32
}

// StepResult reports one optimization step
type StepResult struct {
	Loss          float64
	Probabilities []float32
}

// NewNetwork allocates parameters for spec and initializes them from seed:
// Glorot-uniform kernels, zero biases, unit gamma, zero beta, and running
// statistics of mean 0 and variance 1. Every layer starts trainable.
func NewNetwork(spec *layers.ModelSpec, seed int64) (*Network, error) {
	if spec == nil || !spec.Compiled {
		return nil, fmt.Errorf("model spec must be compiled")
	}
	if len(spec.InputShape) < 2 {
		return nil, fmt.Errorf("input shape %v has no sample dimensions", spec.InputShape)
	}

	rng := rand.New(rand.NewSource(seed))
	net := &Network{
		spec:      spec,
		ops:       make([]op, len(spec.Layers)),
		trainable: make([]bool, len(spec.Layers)),
		l2:        make([]float32, len(spec.Layers)),
		inputSize: sampleSize(spec.InputShape),
	}

	for i, layer := range spec.Layers {
		net.trainable[i] = true
		o, err := net.buildOp(i, layer, rng)
		if err != nil {
			return nil, fmt.Errorf("layer %d (%s): %w", i, layer.Name, err)
		}
		net.ops[i] = o
	}
	net.sigmoidLast = spec.Layers[len(spec.Layers)-1].Type == layers.Sigmoid

	return net, nil
}

func sampleSize(shape []int) int {
	size := 1
	for _, d := range shape[1:] {
		size *= d
	}
	return size
}

func (net *Network) addParam(layerIdx int, layer layers.LayerSpec, kind string, data []float32) ([]float32, []float32) {
	grad := make([]float32, len(data))
	net.params = append(net.params, data)
	net.grads = append(net.grads, grad)
	net.paramLayer = append(net.paramLayer, layerIdx)
	net.paramNames = append(net.paramNames, layer.Name+"."+kind)
	net.paramTypes = append(net.paramTypes, kind)
	return data, grad
}

func (net *Network) addBuffer(layerIdx int, layer layers.LayerSpec, kind string, data []float32) []float32 {
	net.buffers = append(net.buffers, buffer{
		layerIdx: layerIdx,
		name:     layer.Name + "." + kind,
		kind:     kind,
		layer:    layer.Name,
		data:     data,
	})
	return data
}

func glorotUniform(rng *rand.Rand, n, fanIn, fanOut int) []float32 {
	limit := math.Sqrt(6 / float64(fanIn+fanOut))
	w := make([]float32, n)
	for i := range w {
		w[i] = float32((rng.Float64()*2 - 1) * limit)
	}
	return w
}

func filled(n int, v float32) []float32 {
	s := make([]float32, n)
	for i := range s {
		s[i] = v
	}
	return s
}

func (net *Network) buildOp(idx int, layer layers.LayerSpec, rng *rand.Rand) (op, error) {
	p := layer.Parameters
	in := layer.InputShape

	switch layer.Type {
	case layers.Rescale:
		return &rescaleOp{
			scale:  layers.GetFloatParam(p, "scale", 1),
			offset: layers.GetFloatParam(p, "offset", 0),
		}, nil

	case layers.Conv2D:
		if len(in) != 4 {
			return nil, fmt.Errorf("conv input must be NHWC, got %v", in)
		}
		out := layer.OutputShape
		c := &conv2dOp{
			h:       in[1],
			w:       in[2],
			ic:      in[3],
			oh:      out[1],
			ow:      out[2],
			oc:      out[3],
			k:       layers.GetIntParam(p, "kernel_size", 3),
			stride:  layers.GetIntParam(p, "stride", 1),
			pad:     layers.GetIntParam(p, "padding", 0),
			workers: DefaultWorkers,
		}
		kk := c.k * c.k
		c.weight, c.dWeight = net.addParam(idx, layer, "weight",
			glorotUniform(rng, c.oc*kk*c.ic, kk*c.ic, kk*c.oc))
		if layers.GetBoolParam(p, "use_bias", true) {
			c.bias, c.dBias = net.addParam(idx, layer, "bias", make([]float32, c.oc))
		}
		return c, nil

	case layers.Dense:
		d := &denseOp{in: in[len(in)-1], out: layers.GetIntParam(p, "output_size", 0)}
		d.weight, d.dWeight = net.addParam(idx, layer, "weight",
			glorotUniform(rng, d.in*d.out, d.in, d.out))
		if layers.GetBoolParam(p, "use_bias", true) {
			d.bias, d.dBias = net.addParam(idx, layer, "bias", make([]float32, d.out))
		}
		net.l2[idx] = layers.GetFloatParam(p, "l2", 0)
		return d, nil

	case layers.BatchNorm:
		f := layers.GetIntParam(p, "num_features", 0)
		b := &batchNormOp{
			features:      f,
			eps:           layers.GetFloatParam(p, "eps", 1e-3),
			momentum:      layers.GetFloatParam(p, "momentum", 0.99),
			inferenceOnly: layers.GetBoolParam(p, "inference_only", false),
		}
		b.gamma, b.dGamma = net.addParam(idx, layer, "gamma", filled(f, 1))
		b.beta, b.dBeta = net.addParam(idx, layer, "beta", make([]float32, f))
		b.runMean = net.addBuffer(idx, layer, "running_mean", make([]float32, f))
		b.runVar = net.addBuffer(idx, layer, "running_var", filled(f, 1))
		return b, nil

	case layers.ReLU:
		return &reluOp{}, nil
	case layers.Sigmoid:
		return &sigmoidOp{}, nil
	case layers.Dropout:
		return &dropoutOp{rate: layers.GetFloatParam(p, "rate", 0), rng: rand.New(rand.NewSource(rng.Int63()))}, nil
	case layers.GlobalAvgPool:
		return &globalAvgPoolOp{hw: in[1] * in[2], c: in[3]}, nil
	}

	return nil, fmt.Errorf("unsupported layer type %s", layer.Type)
}

// Spec returns the model specification the network was built from
func (net *Network) Spec() *layers.ModelSpec {
	return net.spec
}

// SetWorkers sets the per-image parallelism of convolution layers
func (net *Network) SetWorkers(workers int) {
	if workers < 1 {
		workers = 1
	}
	for _, o := range net.ops {
		if c, ok := o.(*conv2dOp); ok {
			c.workers = workers
		}
	}
}

// SetTrainable marks a layer trainable or frozen. Frozen layers receive no
// parameter updates and frozen BatchNorm layers always use running statistics.
func (net *Network) SetTrainable(layerIdx int, trainable bool) {
	net.trainable[layerIdx] = trainable
}

// Trainable reports whether a layer is trainable
func (net *Network) Trainable(layerIdx int) bool {
	return net.trainable[layerIdx]
}

// TrainableParameterCount returns the number of scalar parameters that an
// optimizer step may change
func (net *Network) TrainableParameterCount() int64 {
	var total int64
	for i, p := range net.params {
		if net.trainable[net.paramLayer[i]] {
			total += int64(len(p))
		}
	}
	return total
}

// ParameterShapes returns the shapes of the parameter tensors in optimizer order
func (net *Network) ParameterShapes() [][]int {
	return net.spec.ParameterShapes
}

// firstTrainable is the earliest trainable layer that owns parameters, or -1
func (net *Network) firstTrainable() int {
	for _, li := range net.paramLayer {
		if net.trainable[li] {
			return li
		}
	}
	return -1
}

// forward runs layers [0, end) and caches activations from layer cacheFrom on
func (net *Network) forward(input []float32, batch, end int, training bool, cacheFrom int) []float32 {
	x := input
	for i := 0; i < end; i++ {
		layerTraining := training
		if net.spec.Layers[i].Type == layers.BatchNorm {
			layerTraining = training && net.trainable[i]
		}
		x = net.ops[i].forward(x, batch, layerTraining, cacheFrom >= 0 && i >= cacheFrom)
	}
	return x
}

func (net *Network) checkInput(input []float32, batch int) error {
	if batch <= 0 {
		return fmt.Errorf("invalid batch size: %d", batch)
	}
	if len(input) != batch*net.inputSize {
		return fmt.Errorf("input has %d values, expected %d for batch %d", len(input), batch*net.inputSize, batch)
	}
	return nil
}

// Predict runs inference (dropout off, BatchNorm on running statistics) and
// returns the network output, one row per sample.
func (net *Network) Predict(input []float32, batch int) ([]float32, error) {
	if err := net.checkInput(input, batch); err != nil {
		return nil, err
	}
	return net.forward(input, batch, len(net.ops), false, -1), nil
}

// RegularizationLoss returns the L2 penalty sum(l2 * ||W||^2) over Dense kernels
func (net *Network) RegularizationLoss() float64 {
	var total float64
	for i, p := range net.params {
		li := net.paramLayer[i]
		if net.l2[li] == 0 || net.paramTypes[i] != "weight" {
			continue
		}
		var sq float64
		for _, w := range p {
			sq += float64(w) * float64(w)
		}
		total += float64(net.l2[li]) * sq
	}
	return total
}

// TrainStep runs forward and backward passes for one batch and applies opt to
// the trainable parameters. The loss is the mean binary cross-entropy plus the
// L2 penalty. A NaN or infinite loss is returned as an error and no update is
// applied.
func (net *Network) TrainStep(input, labels []float32, batch int, opt optimizer.Optimizer) (StepResult, error) {
	if err := net.checkInput(input, batch); err != nil {
		return StepResult{}, err
	}
	if !net.sigmoidLast {
		return StepResult{}, fmt.Errorf("training requires a sigmoid output layer")
	}
	if len(labels) != batch {
		return StepResult{}, fmt.Errorf("got %d labels for batch %d", len(labels), batch)
	}
	first := net.firstTrainable()
	if first < 0 {
		return StepResult{}, fmt.Errorf("no trainable layers")
	}

	last := len(net.ops) - 1
	logits := net.forward(input, batch, last, true, first)

	bce, dz := BinaryCrossEntropyWithLogits(logits, labels)
	loss := bce + net.RegularizationLoss()
	if math.IsNaN(loss) || math.IsInf(loss, 0) {
		return StepResult{}, fmt.Errorf("loss diverged: %v", loss)
	}

	probs := make([]float32, len(logits))
	for i, z := range logits {
		probs[i] = sigmoid(z)
	}

	for i, g := range net.grads {
		if net.trainable[net.paramLayer[i]] {
			clear(g)
		}
	}

	dy := dz
	for i := last - 1; i >= first; i-- {
		dy = net.ops[i].backward(dy, batch, net.trainable[i], i > first)
	}

	active := make([]bool, len(net.params))
	for i, p := range net.params {
		li := net.paramLayer[i]
		active[i] = net.trainable[li]
		if active[i] && net.l2[li] != 0 && net.paramTypes[i] == "weight" {
			g, k := net.grads[i], 2*net.l2[li]
			for j, w := range p {
				g[j] += k * w
			}
		}
	}

	if err := opt.Step(net.params, net.grads, active); err != nil {
		return StepResult{}, fmt.Errorf("optimizer step failed: %w", err)
	}

	return StepResult{Loss: loss, Probabilities: probs}, nil
}

// Weights returns a deep copy of every parameter and running statistic, in
// layer order, suitable for checkpoints and snapshots.
func (net *Network) Weights() []checkpoints.WeightTensor {
	shapes := make(map[string][]int)
	for i, name := range net.paramNames {
		shapes[name] = net.spec.ParameterShapes[i]
	}

	var out []checkpoints.WeightTensor
	pi, bi := 0, 0
	for li, layer := range net.spec.Layers {
		for pi < len(net.params) && net.paramLayer[pi] == li {
			out = append(out, checkpoints.WeightTensor{
				Name:  net.paramNames[pi],
				Shape: append([]int(nil), shapes[net.paramNames[pi]]...),
				Data:  append([]float32(nil), net.params[pi]...),
				Layer: layer.Name,
				Type:  net.paramTypes[pi],
			})
			pi++
		}
		for bi < len(net.buffers) && net.buffers[bi].layerIdx == li {
			b := net.buffers[bi]
			out = append(out, checkpoints.WeightTensor{
				Name:  b.name,
				Shape: []int{len(b.data)},
				Data:  append([]float32(nil), b.data...),
				Layer: b.layer,
				Type:  b.kind,
			})
			bi++
		}
	}
	return out
}

// LoadWeights copies the given tensors into the network by name. Every tensor
// must exist with a matching size; network tensors not mentioned keep their
// values, which allows loading a backbone-only checkpoint.
func (net *Network) LoadWeights(weights []checkpoints.WeightTensor) error {
	dst := make(map[string][]float32, len(net.params)+len(net.buffers))
	for i, name := range net.paramNames {
		dst[name] = net.params[i]
	}
	for _, b := range net.buffers {
		dst[b.name] = b.data
	}

	for _, w := range weights {
		d, ok := dst[w.Name]
		if !ok {
			return fmt.Errorf("unknown tensor %s", w.Name)
		}
		if len(d) != len(w.Data) {
			return fmt.Errorf("size mismatch for %s: network has %d values, got %d", w.Name, len(d), len(w.Data))
		}
	}
	for _, w := range weights {
		copy(dst[w.Name], w.Data)
	}
	return nil
}
