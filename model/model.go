// Package model assembles the anemia classifier: a preprocessing rescale, a
// convolutional feature extractor that starts frozen, and a regularized
// dense classification head.
package model

import (
	"fmt"

	"k8s.io/klog/v2"

	"github.com/matripixel/anemia-detector/checkpoints"
	"github.com/matripixel/anemia-detector/engine"
	"github.com/matripixel/anemia-detector/layers"
)

// Layer groups.
const (
	GroupPreprocess = "preprocess"
	GroupBackbone   = "backbone"
	GroupHead       = "head"
)

// OutputLayerName names the final probability layer.
const OutputLayerName = "anemia_probability"

// Config controls model assembly.
type Config struct {
	ImageSize int
	Seed      int64
	Workers   int

	// BackboneWeights is a JSON checkpoint holding pretrained feature
	// extractor tensors. Empty means seeded random initialization.
	BackboneWeights string

	BackboneWidths  []int
	BackboneStrides []int
}

// DefaultConfig returns the standard 224×224 configuration.
func DefaultConfig() Config {
	return Config{
		ImageSize:       224,
		Seed:            42,
		Workers:         engine.DefaultWorkers,
		BackboneWidths:  []int{16, 24, 32, 48, 64, 96, 128},
		BackboneStrides: []int{2, 2, 2, 2, 2, 2, 1},
	}
}

// Model is the composite image → probability network.
type Model struct {
	net *engine.Network
}

// Network exposes the underlying engine network.
func (m *Model) Network() *engine.Network {
	return m.net
}

// Spec returns the compiled layer specification.
func (m *Model) Spec() *layers.ModelSpec {
	return m.net.Spec()
}

// Predict returns one anemia probability per image. images is NHWC in [0, 1].
func (m *Model) Predict(images []float32, batch int) ([]float32, error) {
	return m.net.Predict(images, batch)
}

// RegularizationLoss returns the L2 penalty of the head dense layers.
func (m *Model) RegularizationLoss() float64 {
	return m.net.RegularizationLoss()
}

// ImageSize returns the expected input edge length.
func (m *Model) ImageSize() int {
	return m.net.Spec().InputShape[1]
}

// BuildSpec compiles the layer specification for cfg.
func BuildSpec(cfg Config) (*layers.ModelSpec, error) {
	if cfg.ImageSize <= 0 {
		return nil, fmt.Errorf("image size must be positive, got %d", cfg.ImageSize)
	}
	if len(cfg.BackboneWidths) == 0 || len(cfg.BackboneWidths) != len(cfg.BackboneStrides) {
		return nil, fmt.Errorf("backbone widths %v and strides %v must be non-empty and equal length",
			cfg.BackboneWidths, cfg.BackboneStrides)
	}

	mb := layers.NewModelBuilder([]int{1, cfg.ImageSize, cfg.ImageSize, 3})

	// [0,1] → [-1,1]
	mb.InGroup(GroupPreprocess).AddRescale(2, -1, "preprocess_rescale")

	mb.InGroup(GroupBackbone)
	for i, width := range cfg.BackboneWidths {
		block := fmt.Sprintf("block%d", i+1)
		mb.AddConv2D(width, 3, cfg.BackboneStrides[i], 1, false, block+"_conv").
			AddBatchNorm(width, 1e-3, 0.99, true, block+"_bn").
			AddReLU(block + "_relu")
	}
	mb.AddGlobalAvgPool("backbone_pool")

	mb.InGroup(GroupHead).
		AddDropout(0.3, "head_dropout1").
		AddDense(128, true, 0.01, "head_dense1").
		AddReLU("head_relu1").
		AddBatchNorm(128, 1e-3, 0.99, false, "head_bn").
		AddDropout(0.4, "head_dropout2").
		AddDense(64, true, 0.01, "head_dense2").
		AddReLU("head_relu2").
		AddDropout(0.3, "head_dropout3").
		AddDense(1, true, 0, "anemia_logit").
		AddSigmoid(OutputLayerName)

	spec, err := mb.Compile()
	if err != nil {
		return nil, err
	}
	spec.Name = "anemia_detector"
	return spec, nil
}

// Build assembles the model and returns it together with a handle on its
// feature extractor. The feature extractor is frozen on return.
func Build(cfg Config) (*Model, *FeatureExtractor, error) {
	spec, err := BuildSpec(cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to build model spec: %w", err)
	}

	net, err := engine.NewNetwork(spec, cfg.Seed)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to allocate network: %w", err)
	}
	if cfg.Workers > 0 {
		net.SetWorkers(cfg.Workers)
	}

	fe := &FeatureExtractor{
		net:    net,
		layers: spec.LayersInGroup(GroupBackbone),
	}

	if cfg.BackboneWeights != "" {
		if err := fe.loadPretrained(cfg.BackboneWeights); err != nil {
			return nil, nil, err
		}
		klog.Infof("Loaded pretrained feature extractor from %s", cfg.BackboneWeights)
	} else {
		klog.Warningf("No pretrained feature extractor configured; using seeded random initialization (seed %d)", cfg.Seed)
	}

	for _, idx := range spec.LayersInGroup(GroupPreprocess) {
		net.SetTrainable(idx, false)
	}
	fe.Freeze()

	return &Model{net: net}, fe, nil
}

// FeatureExtractor controls which backbone layers are trainable.
type FeatureExtractor struct {
	net    *engine.Network
	layers []int
}

// NumLayers returns the number of backbone layers.
func (fe *FeatureExtractor) NumLayers() int {
	return len(fe.layers)
}

// Freeze makes every backbone layer non-trainable.
func (fe *FeatureExtractor) Freeze() {
	for _, idx := range fe.layers {
		fe.net.SetTrainable(idx, false)
	}
}

// UnfreezeTop makes the last k backbone layers trainable and freezes the
// rest. k is clamped to [0, NumLayers()]. It returns the number of trainable
// backbone layers.
func (fe *FeatureExtractor) UnfreezeTop(k int) int {
	if k < 0 {
		k = 0
	}
	if k > len(fe.layers) {
		k = len(fe.layers)
	}

	cut := len(fe.layers) - k
	for i, idx := range fe.layers {
		fe.net.SetTrainable(idx, i >= cut)
	}
	return k
}

// TrainableLayers counts the trainable backbone layers.
func (fe *FeatureExtractor) TrainableLayers() int {
	n := 0
	for _, idx := range fe.layers {
		if fe.net.Trainable(idx) {
			n++
		}
	}
	return n
}

func (fe *FeatureExtractor) layerNames() map[string]bool {
	names := make(map[string]bool, len(fe.layers))
	spec := fe.net.Spec()
	for _, idx := range fe.layers {
		names[spec.Layers[idx].Name] = true
	}
	return names
}

// Weights returns the backbone tensors, suitable for a pretrained checkpoint.
func (fe *FeatureExtractor) Weights() []checkpoints.WeightTensor {
	return checkpoints.SelectWeights(fe.net.Weights(), fe.layerNames())
}

func (fe *FeatureExtractor) loadPretrained(path string) error {
	cp, err := checkpoints.NewCheckpointSaver(checkpoints.FormatJSON).LoadCheckpoint(path)
	if err != nil {
		return fmt.Errorf("failed to load backbone weights: %w", err)
	}

	want := fe.Weights()
	have := checkpoints.WeightMap(cp.Weights)
	selected := make([]checkpoints.WeightTensor, 0, len(want))
	for _, w := range want {
		t, ok := have[w.Name]
		if !ok {
			return fmt.Errorf("backbone weights %s: missing tensor %s", path, w.Name)
		}
		selected = append(selected, t)
	}

	if err := fe.net.LoadWeights(selected); err != nil {
		return fmt.Errorf("backbone weights %s: %w", path, err)
	}
	return nil
}
