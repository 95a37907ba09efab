package optimizer

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/matripixel/anemia-detector/checkpoints"
)

// Optimizer defines the common interface for all optimizers.
// Parameters and gradients are host-memory slices ordered like ModelSpec.ParameterShapes.
type Optimizer interface {
	// Step performs a single optimization step. Entries whose active flag is false
	// are left untouched, including their optimizer state.
	Step(params, grads [][]float32, active []bool) error

	// GetState extracts optimizer state for checkpointing
	GetState() (*OptimizerState, error)

	// LoadState restores optimizer state from checkpoint
	LoadState(state *OptimizerState) error

	// GetStepCount returns the current optimization step number
	GetStepCount() uint64

	// UpdateLearningRate updates the learning rate
	UpdateLearningRate(lr float32)

	// LearningRate returns the current learning rate
	LearningRate() float32
}

// OptimizerState represents the complete state of an optimizer
// Compatible with checkpoints.OptimizerState for serialization
type OptimizerState struct {
	Type       string                        `json:"type"`       // "Adam", ...
	Parameters map[string]interface{}        `json:"parameters"` // Hyperparameters
	StateData  []checkpoints.OptimizerTensor `json:"state_data"`
}

// extractBufferIndex extracts the buffer index from state tensor names like "m_0", "v_12"
func extractBufferIndex(name string) int {
	i := strings.LastIndex(name, "_")
	if i == -1 {
		return -1
	}
	idx, err := strconv.Atoi(name[i+1:])
	if err != nil {
		return -1
	}
	return idx
}

// validateStateType ensures the state type matches the optimizer
func validateStateType(optimizerType string, state *OptimizerState) error {
	if state == nil {
		return fmt.Errorf("nil optimizer state")
	}
	if state.Type != optimizerType {
		return fmt.Errorf("state type mismatch: expected %s, got %s", optimizerType, state.Type)
	}
	return nil
}
