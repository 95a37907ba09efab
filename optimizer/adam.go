package optimizer

import (
	"fmt"
	"math"

	"github.com/matripixel/anemia-detector/checkpoints"
)

// AdamConfig holds configuration for Adam optimizer
type AdamConfig struct {
	LearningRate float32
	Beta1        float32
	Beta2        float32
	Epsilon      float32
}

// DefaultAdamConfig returns default Adam optimizer configuration
func DefaultAdamConfig() AdamConfig {
	return AdamConfig{
		LearningRate: 0.001,
		Beta1:        0.9,
		Beta2:        0.999,
		Epsilon:      1e-7,
	}
}

// Adam implements the Adam optimizer over host-memory parameters
type Adam struct {
	config AdamConfig

	momentum [][]float32 // first moment per parameter tensor
	variance [][]float32 // second moment per parameter tensor

	// Step tracking for bias correction
	stepCount uint64
}

// NewAdam creates an Adam optimizer for parameter tensors of the given shapes
func NewAdam(config AdamConfig, weightShapes [][]int) (*Adam, error) {
	if len(weightShapes) == 0 {
		return nil, fmt.Errorf("no weight shapes provided")
	}
	if config.LearningRate <= 0 {
		return nil, fmt.Errorf("learning rate must be positive, got %g", config.LearningRate)
	}

	adam := &Adam{
		config:   config,
		momentum: make([][]float32, len(weightShapes)),
		variance: make([][]float32, len(weightShapes)),
	}
	for i, shape := range weightShapes {
		size := calculateTensorSize(shape)
		adam.momentum[i] = make([]float32, size)
		adam.variance[i] = make([]float32, size)
	}

	return adam, nil
}

// calculateTensorSize calculates the number of elements of a tensor
func calculateTensorSize(shape []int) int {
	size := 1
	for _, dim := range shape {
		size *= dim
	}
	return size
}

// Step applies one Adam update to every active parameter tensor
func (adam *Adam) Step(params, grads [][]float32, active []bool) error {
	if len(params) != len(adam.momentum) || len(grads) != len(params) || len(active) != len(params) {
		return fmt.Errorf("parameter count mismatch: optimizer has %d tensors, got %d params, %d grads, %d flags",
			len(adam.momentum), len(params), len(grads), len(active))
	}

	adam.stepCount++
	t := float64(adam.stepCount)
	b1 := float64(adam.config.Beta1)
	b2 := float64(adam.config.Beta2)
	lrT := float32(float64(adam.config.LearningRate) * math.Sqrt(1-math.Pow(b2, t)) / (1 - math.Pow(b1, t)))

	beta1 := adam.config.Beta1
	beta2 := adam.config.Beta2
	eps := adam.config.Epsilon

	for i := range params {
		if !active[i] {
			continue
		}
		p, g := params[i], grads[i]
		m, v := adam.momentum[i], adam.variance[i]
		if len(p) != len(m) || len(g) != len(m) {
			return fmt.Errorf("tensor %d size mismatch: state %d, param %d, grad %d", i, len(m), len(p), len(g))
		}
		for j := range p {
			m[j] = beta1*m[j] + (1-beta1)*g[j]
			v[j] = beta2*v[j] + (1-beta2)*g[j]*g[j]
			p[j] -= lrT * m[j] / (float32(math.Sqrt(float64(v[j]))) + eps)
		}
	}

	return nil
}

// UpdateLearningRate updates the learning rate
func (adam *Adam) UpdateLearningRate(newLR float32) {
	adam.config.LearningRate = newLR
}

// LearningRate returns the current learning rate
func (adam *Adam) LearningRate() float32 {
	return adam.config.LearningRate
}

// GetStepCount returns the current step count
func (adam *Adam) GetStepCount() uint64 {
	return adam.stepCount
}

// GetState extracts optimizer state for checkpointing
func (adam *Adam) GetState() (*OptimizerState, error) {
	state := &OptimizerState{
		Type: "Adam",
		Parameters: map[string]interface{}{
			"learning_rate": adam.config.LearningRate,
			"beta1":         adam.config.Beta1,
			"beta2":         adam.config.Beta2,
			"epsilon":       adam.config.Epsilon,
			"step_count":    adam.stepCount,
		},
	}

	for i := range adam.momentum {
		state.StateData = append(state.StateData,
			checkpoints.OptimizerTensor{
				Name:      fmt.Sprintf("m_%d", i),
				Shape:     []int{len(adam.momentum[i])},
				Data:      append([]float32(nil), adam.momentum[i]...),
				StateType: "momentum",
			},
			checkpoints.OptimizerTensor{
				Name:      fmt.Sprintf("v_%d", i),
				Shape:     []int{len(adam.variance[i])},
				Data:      append([]float32(nil), adam.variance[i]...),
				StateType: "variance",
			},
		)
	}

	return state, nil
}

// LoadState restores optimizer state from checkpoint
func (adam *Adam) LoadState(state *OptimizerState) error {
	if err := validateStateType("Adam", state); err != nil {
		return err
	}

	adam.config.LearningRate = extractFloat32Param(state.Parameters, "learning_rate", adam.config.LearningRate)
	adam.config.Beta1 = extractFloat32Param(state.Parameters, "beta1", adam.config.Beta1)
	adam.config.Beta2 = extractFloat32Param(state.Parameters, "beta2", adam.config.Beta2)
	adam.config.Epsilon = extractFloat32Param(state.Parameters, "epsilon", adam.config.Epsilon)
	adam.stepCount = extractUint64Param(state.Parameters, "step_count")

	for _, tensor := range state.StateData {
		idx := extractBufferIndex(tensor.Name)
		if idx < 0 || idx >= len(adam.momentum) {
			return fmt.Errorf("invalid state tensor %q", tensor.Name)
		}

		var dst []float32
		switch tensor.StateType {
		case "momentum":
			dst = adam.momentum[idx]
		case "variance":
			dst = adam.variance[idx]
		default:
			return fmt.Errorf("unknown state type %q for %s", tensor.StateType, tensor.Name)
		}
		if len(dst) != len(tensor.Data) {
			return fmt.Errorf("data size mismatch for %s: expected %d elements, got %d",
				tensor.Name, len(dst), len(tensor.Data))
		}
		copy(dst, tensor.Data)
	}

	return nil
}
