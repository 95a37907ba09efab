package optimizer

import (
	"encoding/json"
	"math"
	"testing"
)

// TestAdamConfig tests the Adam configuration
func TestAdamConfig(t *testing.T) {
	config := DefaultAdamConfig()

	if config.LearningRate != 0.001 {
		t.Errorf("Expected learning rate 0.001, got %f", config.LearningRate)
	}
	if config.Beta1 != 0.9 {
		t.Errorf("Expected beta1 0.9, got %f", config.Beta1)
	}
	if config.Beta2 != 0.999 {
		t.Errorf("Expected beta2 0.999, got %f", config.Beta2)
	}
	if config.Epsilon != 1e-7 {
		t.Errorf("Expected epsilon 1e-7, got %g", config.Epsilon)
	}
}

func TestNewAdamValidation(t *testing.T) {
	if _, err := NewAdam(DefaultAdamConfig(), nil); err == nil {
		t.Error("Expected error for empty weight shapes")
	}

	config := DefaultAdamConfig()
	config.LearningRate = 0
	if _, err := NewAdam(config, [][]int{{2}}); err == nil {
		t.Error("Expected error for zero learning rate")
	}
}

// TestAdamFirstStep checks the bias-corrected first update equals lr*sign(g)
func TestAdamFirstStep(t *testing.T) {
	adam, err := NewAdam(DefaultAdamConfig(), [][]int{{3}})
	if err != nil {
		t.Fatalf("Failed to create Adam: %v", err)
	}

	params := [][]float32{{1, 1, 1}}
	grads := [][]float32{{0.5, -2, 0}}

	if err := adam.Step(params, grads, []bool{true}); err != nil {
		t.Fatalf("Step failed: %v", err)
	}

	want := []float32{0.999, 1.001, 1}
	for i := range want {
		if math.Abs(float64(params[0][i]-want[i])) > 1e-5 {
			t.Errorf("param[%d] = %f, want %f", i, params[0][i], want[i])
		}
	}
	if adam.GetStepCount() != 1 {
		t.Errorf("Expected step count 1, got %d", adam.GetStepCount())
	}
}

func TestAdamSkipsInactiveTensors(t *testing.T) {
	adam, err := NewAdam(DefaultAdamConfig(), [][]int{{2}, {2}})
	if err != nil {
		t.Fatalf("Failed to create Adam: %v", err)
	}

	params := [][]float32{{1, 1}, {1, 1}}
	grads := [][]float32{{1, 1}, {1, 1}}

	if err := adam.Step(params, grads, []bool{false, true}); err != nil {
		t.Fatalf("Step failed: %v", err)
	}

	if params[0][0] != 1 || params[0][1] != 1 {
		t.Errorf("Frozen tensor changed: %v", params[0])
	}
	if params[1][0] >= 1 {
		t.Errorf("Active tensor did not move: %v", params[1])
	}
	if adam.momentum[0][0] != 0 {
		t.Errorf("Frozen tensor momentum changed: %v", adam.momentum[0])
	}
}

func TestAdamStepMismatch(t *testing.T) {
	adam, _ := NewAdam(DefaultAdamConfig(), [][]int{{2}})
	if err := adam.Step([][]float32{{1, 2}}, [][]float32{{1}}, []bool{true}); err == nil {
		t.Error("Expected error for mismatched gradient size")
	}
	if err := adam.Step([][]float32{{1, 2}, {1}}, [][]float32{{1, 2}}, []bool{true}); err == nil {
		t.Error("Expected error for mismatched tensor count")
	}
}

func TestAdamStateRoundTrip(t *testing.T) {
	adam, _ := NewAdam(DefaultAdamConfig(), [][]int{{2}, {1}})
	params := [][]float32{{1, 2}, {3}}
	grads := [][]float32{{0.1, 0.2}, {0.3}}
	for i := 0; i < 3; i++ {
		if err := adam.Step(params, grads, []bool{true, true}); err != nil {
			t.Fatalf("Step failed: %v", err)
		}
	}
	adam.UpdateLearningRate(0.0005)

	state, err := adam.GetState()
	if err != nil {
		t.Fatalf("GetState failed: %v", err)
	}

	// Go through JSON, like a checkpoint file does
	data, err := json.Marshal(state)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	var decoded OptimizerState
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}

	restored, _ := NewAdam(DefaultAdamConfig(), [][]int{{2}, {1}})
	if err := restored.LoadState(&decoded); err != nil {
		t.Fatalf("LoadState failed: %v", err)
	}

	if restored.GetStepCount() != 3 {
		t.Errorf("Expected step count 3, got %d", restored.GetStepCount())
	}
	if restored.LearningRate() != 0.0005 {
		t.Errorf("Expected learning rate 0.0005, got %g", restored.LearningRate())
	}
	for i := range adam.momentum {
		for j := range adam.momentum[i] {
			if restored.momentum[i][j] != adam.momentum[i][j] || restored.variance[i][j] != adam.variance[i][j] {
				t.Errorf("state mismatch at tensor %d element %d", i, j)
			}
		}
	}

	decoded.Type = "SGD"
	if err := restored.LoadState(&decoded); err == nil {
		t.Error("Expected error loading state of another optimizer type")
	}
}

func TestExtractBufferIndex(t *testing.T) {
	tests := map[string]int{"m_0": 0, "v_12": 12, "bad": -1, "m_x": -1}
	for name, want := range tests {
		if got := extractBufferIndex(name); got != want {
			t.Errorf("extractBufferIndex(%q) = %d, want %d", name, got, want)
		}
	}
}
