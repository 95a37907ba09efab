package layers

import (
	"fmt"
	"strings"
)

// LayerType represents the type of neural network layer
type LayerType int

const (
	Dense LayerType = iota
	Conv2D
	ReLU
	Sigmoid
	Dropout
	BatchNorm
	GlobalAvgPool
	Rescale
)

func (lt LayerType) String() string {
	switch lt {
	case Dense:
		return "Dense"
	case Conv2D:
		return "Conv2D"
	case ReLU:
		return "ReLU"
	case Sigmoid:
		return "Sigmoid"
	case Dropout:
		return "Dropout"
	case BatchNorm:
		return "BatchNorm"
	case GlobalAvgPool:
		return "GlobalAvgPool"
	case Rescale:
		return "Rescale"
	default:
		return "Unknown"
	}
}

// LayerSpec defines layer configuration for the compute engine.
// This is pure configuration - no execution logic
type LayerSpec struct {
	Type       LayerType              `json:"type"`
	Name       string                 `json:"name"`
	Parameters map[string]interface{} `json:"parameters"`

	// Group tags the sub-network a layer belongs to ("preprocess", "backbone", "head").
	Group string `json:"group,omitempty"`

	// Shape information (computed during model compilation)
	InputShape  []int `json:"input_shape,omitempty"`
	OutputShape []int `json:"output_shape,omitempty"`

	// Parameter metadata (computed during model compilation)
	ParameterShapes [][]int `json:"parameter_shapes,omitempty"`
	ParameterCount  int64   `json:"parameter_count,omitempty"`
}

// ModelSpec defines a complete neural network model as layer configuration.
// Image tensors are laid out NHWC: [batch, height, width, channels].
type ModelSpec struct {
	Name   string      `json:"name,omitempty"`
	Layers []LayerSpec `json:"layers"`

	// Compiled model information
	TotalParameters int64   `json:"total_parameters"`
	ParameterShapes [][]int `json:"parameter_shapes"`
	InputShape      []int   `json:"input_shape"`
	OutputShape     []int   `json:"output_shape"`
	Compiled        bool    `json:"compiled"`
}

// ModelBuilder helps construct neural network models
type ModelBuilder struct {
	layers     []LayerSpec
	inputShape []int
	group      string
	compiled   bool
}

// NewModelBuilder creates a new model builder
func NewModelBuilder(inputShape []int) *ModelBuilder {
	return &ModelBuilder{
		layers:     make([]LayerSpec, 0),
		inputShape: inputShape,
		compiled:   false,
	}
}

// InGroup tags every layer added afterwards with the given group name.
func (mb *ModelBuilder) InGroup(group string) *ModelBuilder {
	mb.group = group
	return mb
}

// AddLayer adds a layer to the model
func (mb *ModelBuilder) AddLayer(layer LayerSpec) *ModelBuilder {
	if layer.Group == "" {
		layer.Group = mb.group
	}
	mb.layers = append(mb.layers, layer)
	mb.compiled = false // Invalidate compilation
	return mb
}

// AddRescale adds an elementwise x*scale+offset layer
func (mb *ModelBuilder) AddRescale(scale, offset float32, name string) *ModelBuilder {
	return mb.AddLayer(LayerSpec{
		Type: Rescale,
		Name: name,
		Parameters: map[string]interface{}{
			"scale":  scale,
			"offset": offset,
		},
	})
}

// AddDense adds a dense layer to the model.
// l2 is the weight penalty coefficient applied to the kernel (0 disables it).
func (mb *ModelBuilder) AddDense(outputSize int, useBias bool, l2 float32, name string) *ModelBuilder {
	// Input size will be computed during compilation
	return mb.AddLayer(LayerSpec{
		Type: Dense,
		Name: name,
		Parameters: map[string]interface{}{
			"output_size": outputSize,
			"use_bias":    useBias,
			"l2":          l2,
		},
	})
}

// AddConv2D adds a Conv2D layer to the model
func (mb *ModelBuilder) AddConv2D(
	outputChannels, kernelSize, stride, padding int,
	useBias bool, name string,
) *ModelBuilder {
	return mb.AddLayer(LayerSpec{
		Type: Conv2D,
		Name: name,
		Parameters: map[string]interface{}{
			"output_channels": outputChannels,
			"kernel_size":     kernelSize,
			"stride":          stride,
			"padding":         padding,
			"use_bias":        useBias,
		},
	})
}

// AddReLU adds a ReLU activation to the model
func (mb *ModelBuilder) AddReLU(name string) *ModelBuilder {
	return mb.AddLayer(LayerSpec{
		Type:       ReLU,
		Name:       name,
		Parameters: map[string]interface{}{},
	})
}

// AddSigmoid adds a Sigmoid activation to the model
func (mb *ModelBuilder) AddSigmoid(name string) *ModelBuilder {
	return mb.AddLayer(LayerSpec{
		Type:       Sigmoid,
		Name:       name,
		Parameters: map[string]interface{}{},
	})
}

// AddGlobalAvgPool averages every channel over the spatial dimensions
func (mb *ModelBuilder) AddGlobalAvgPool(name string) *ModelBuilder {
	return mb.AddLayer(LayerSpec{
		Type:       GlobalAvgPool,
		Name:       name,
		Parameters: map[string]interface{}{},
	})
}

// AddDropout adds a Dropout layer to the model
// rate: dropout probability (0.0 = no dropout, 1.0 = drop all)
func (mb *ModelBuilder) AddDropout(rate float32, name string) *ModelBuilder {
	return mb.AddLayer(LayerSpec{
		Type: Dropout,
		Name: name,
		Parameters: map[string]interface{}{
			"rate": rate,
		},
	})
}

// AddBatchNorm adds a Batch Normalization layer to the model
// num_features: number of input features (channels for Conv layers, neurons for Dense layers)
// eps: small value added for numerical stability (default: 1e-3)
// momentum: weight of the running statistics when they are updated (default: 0.99)
// inferenceOnly: always normalize with the running statistics, even while training
func (mb *ModelBuilder) AddBatchNorm(numFeatures int, eps, momentum float32, inferenceOnly bool, name string) *ModelBuilder {
	return mb.AddLayer(LayerSpec{
		Type: BatchNorm,
		Name: name,
		Parameters: map[string]interface{}{
			"num_features":   numFeatures,
			"eps":            eps,
			"momentum":       momentum,
			"inference_only": inferenceOnly,
		},
	})
}

// Compile compiles the model and computes shapes and parameter counts
func (mb *ModelBuilder) Compile() (*ModelSpec, error) {
	if len(mb.layers) == 0 {
		return nil, fmt.Errorf("cannot compile empty model")
	}

	model := &ModelSpec{
		Layers:     make([]LayerSpec, len(mb.layers)),
		InputShape: mb.inputShape,
	}

	for i, layer := range mb.layers {
		params := make(map[string]interface{}, len(layer.Parameters))
		for k, v := range layer.Parameters {
			params[k] = v
		}
		layer.Parameters = params
		model.Layers[i] = layer
	}

	if err := model.compileShapes(); err != nil {
		return nil, err
	}
	mb.compiled = true

	return model, nil
}

// Recompile recomputes shapes and parameter information, e.g. after loading a spec from JSON.
func (ms *ModelSpec) Recompile() error {
	return ms.compileShapes()
}

func (ms *ModelSpec) compileShapes() error {
	currentShape := ms.InputShape
	var allParameterShapes [][]int
	totalParams := int64(0)

	for i := range ms.Layers {
		layer := &ms.Layers[i]

		layer.InputShape = make([]int, len(currentShape))
		copy(layer.InputShape, currentShape)

		outputShape, paramShapes, paramCount, err := computeLayerInfo(layer, currentShape)
		if err != nil {
			return fmt.Errorf("failed to compute layer %d (%s) info: %v", i, layer.Name, err)
		}

		layer.OutputShape = outputShape
		layer.ParameterShapes = paramShapes
		layer.ParameterCount = paramCount

		allParameterShapes = append(allParameterShapes, paramShapes...)
		totalParams += paramCount

		currentShape = outputShape
	}

	ms.OutputShape = currentShape
	ms.ParameterShapes = allParameterShapes
	ms.TotalParameters = totalParams
	ms.Compiled = true
	return nil
}

// computeLayerInfo computes output shape and parameter information for a layer
func computeLayerInfo(layer *LayerSpec, inputShape []int) ([]int, [][]int, int64, error) {
	switch layer.Type {
	case Dense:
		return computeDenseInfo(layer, inputShape)
	case Conv2D:
		return computeConv2DInfo(layer, inputShape)
	case BatchNorm:
		return computeBatchNormInfo(layer, inputShape)
	case GlobalAvgPool:
		if len(inputShape) != 4 {
			return nil, nil, 0, fmt.Errorf("GlobalAvgPool requires 4D input [batch, height, width, channels]")
		}
		return []int{inputShape[0], inputShape[3]}, [][]int{}, 0, nil
	case ReLU, Sigmoid, Dropout, Rescale:
		return computeActivationInfo(inputShape)
	default:
		return nil, nil, 0, fmt.Errorf("unsupported layer type: %s", layer.Type.String())
	}
}

// computeDenseInfo computes dense layer information
func computeDenseInfo(layer *LayerSpec, inputShape []int) ([]int, [][]int, int64, error) {
	if len(inputShape) != 2 {
		return nil, nil, 0, fmt.Errorf("dense layer requires 2D input [batch, features]")
	}

	outputSize := GetIntParam(layer.Parameters, "output_size", 0)
	if outputSize <= 0 {
		return nil, nil, 0, fmt.Errorf("missing output_size parameter")
	}
	useBias := GetBoolParam(layer.Parameters, "use_bias", true)

	inputSize := inputShape[1]
	layer.Parameters["input_size"] = inputSize

	// Weight matrix: [inputSize, outputSize]
	paramShapes := [][]int{{inputSize, outputSize}}
	paramCount := int64(inputSize * outputSize)

	if useBias {
		paramShapes = append(paramShapes, []int{outputSize})
		paramCount += int64(outputSize)
	}

	return []int{inputShape[0], outputSize}, paramShapes, paramCount, nil
}

// computeConv2DInfo computes Conv2D layer information
func computeConv2DInfo(layer *LayerSpec, inputShape []int) ([]int, [][]int, int64, error) {
	if len(inputShape) != 4 {
		return nil, nil, 0, fmt.Errorf("Conv2D layer requires 4D input [batch, height, width, channels]")
	}

	outputChannels := GetIntParam(layer.Parameters, "output_channels", 0)
	if outputChannels <= 0 {
		return nil, nil, 0, fmt.Errorf("missing output_channels parameter")
	}
	kernelSize := GetIntParam(layer.Parameters, "kernel_size", 0)
	if kernelSize <= 0 {
		return nil, nil, 0, fmt.Errorf("missing kernel_size parameter")
	}
	stride := GetIntParam(layer.Parameters, "stride", 1)
	padding := GetIntParam(layer.Parameters, "padding", 0)
	useBias := GetBoolParam(layer.Parameters, "use_bias", true)

	batchSize := inputShape[0]
	inputHeight := inputShape[1]
	inputWidth := inputShape[2]
	inputChannels := inputShape[3]

	layer.Parameters["input_channels"] = inputChannels

	outputHeight := (inputHeight+2*padding-kernelSize)/stride + 1
	outputWidth := (inputWidth+2*padding-kernelSize)/stride + 1
	if outputHeight <= 0 || outputWidth <= 0 {
		return nil, nil, 0, fmt.Errorf("input %dx%d too small for kernel %d stride %d", inputHeight, inputWidth, kernelSize, stride)
	}

	// Weight tensor: [outputChannels, kernelSize, kernelSize, inputChannels]
	paramShapes := [][]int{{outputChannels, kernelSize, kernelSize, inputChannels}}
	paramCount := int64(outputChannels * kernelSize * kernelSize * inputChannels)

	if useBias {
		paramShapes = append(paramShapes, []int{outputChannels})
		paramCount += int64(outputChannels)
	}

	return []int{batchSize, outputHeight, outputWidth, outputChannels}, paramShapes, paramCount, nil
}

// computeBatchNormInfo computes batch normalization layer information
func computeBatchNormInfo(layer *LayerSpec, inputShape []int) ([]int, [][]int, int64, error) {
	if len(inputShape) != 2 && len(inputShape) != 4 {
		return nil, nil, 0, fmt.Errorf("batch norm layer requires 2D or 4D input")
	}

	numFeatures := GetIntParam(layer.Parameters, "num_features", 0)
	expected := inputShape[len(inputShape)-1]
	if numFeatures != expected {
		return nil, nil, 0, fmt.Errorf("num_features (%d) doesn't match input feature dimension (%d)", numFeatures, expected)
	}

	outputShape := make([]int, len(inputShape))
	copy(outputShape, inputShape)

	// gamma and beta; running mean/variance are buffers, not parameters
	paramShapes := [][]int{{numFeatures}, {numFeatures}}
	return outputShape, paramShapes, int64(numFeatures * 2), nil
}

func computeActivationInfo(inputShape []int) ([]int, [][]int, int64, error) {
	outputShape := make([]int, len(inputShape))
	copy(outputShape, inputShape)

	return outputShape, [][]int{}, 0, nil
}

// LayersInGroup returns the indices of the layers tagged with group, in model order.
func (ms *ModelSpec) LayersInGroup(group string) []int {
	var idx []int
	for i, layer := range ms.Layers {
		if layer.Group == group {
			idx = append(idx, i)
		}
	}
	return idx
}

// Summary returns a human-readable model summary
func (ms *ModelSpec) Summary() string {
	if !ms.Compiled {
		return "Model not compiled"
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Model Summary: %s\n", ms.Name)
	fmt.Fprintf(&sb, "Input Shape: %v\n", ms.InputShape)
	fmt.Fprintf(&sb, "Output Shape: %v\n", ms.OutputShape)
	fmt.Fprintf(&sb, "Total Parameters: %d\n", ms.TotalParameters)
	fmt.Fprintf(&sb, "Layers: %d\n\n", len(ms.Layers))

	for i, layer := range ms.Layers {
		fmt.Fprintf(&sb, "Layer %d: %s (%s) [%s]\n", i+1, layer.Name, layer.Type.String(), layer.Group)
		fmt.Fprintf(&sb, "  Output: %v\n", layer.OutputShape)
		fmt.Fprintf(&sb, "  Params: %d\n", layer.ParameterCount)
	}

	return sb.String()
}

// GetIntParam reads an integer parameter. JSON round trips turn ints into float64,
// so both representations are accepted.
func GetIntParam(params map[string]interface{}, key string, defaultValue int) int {
	if val, exists := params[key]; exists {
		switch v := val.(type) {
		case int:
			return v
		case int64:
			return int(v)
		case float64:
			return int(v)
		case float32:
			return int(v)
		}
	}
	return defaultValue
}

// GetBoolParam reads a boolean parameter
func GetBoolParam(params map[string]interface{}, key string, defaultValue bool) bool {
	if val, exists := params[key]; exists {
		if boolVal, ok := val.(bool); ok {
			return boolVal
		}
	}
	return defaultValue
}

// GetFloatParam reads a float parameter
func GetFloatParam(params map[string]interface{}, key string, defaultValue float32) float32 {
	if val, exists := params[key]; exists {
		switch v := val.(type) {
		case float32:
			return v
		case float64:
			return float32(v)
		case int:
			return float32(v)
		}
	}
	return defaultValue
}
