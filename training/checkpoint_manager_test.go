package training

import (
	"path/filepath"
	"testing"

	"github.com/matripixel/anemia-detector/engine"
	"github.com/matripixel/anemia-detector/layers"
)

func TestCheckpointManagerRoundTrip(t *testing.T) {
	dir := t.TempDir()
	cm := NewCheckpointManager(dir, "run-42")
	if cm.BestPath() != filepath.Join(dir, BestCheckpointName) {
		t.Errorf("BestPath = %s", cm.BestPath())
	}

	net := createDenseNetwork(t)
	opt, err := AdamFactory(0.01, net.ParameterShapes())
	if err != nil {
		t.Fatal(err)
	}
	state := NewAdaptivePolicy(DefaultPolicyConfig()).NewRunState(0.01)
	state.Epoch, state.BestEpoch, state.BestAUC = 3, 2, 0.875

	path := filepath.Join(dir, "nested", FinalCheckpointName)
	if err := cm.Save(path, net.Spec(), net.Weights(), state, opt, "final"); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	fresh, err := engine.NewNetwork(createDenseSpec(t), 99)
	if err != nil {
		t.Fatal(err)
	}
	cp, err := cm.Load(path, fresh)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cp.TrainingState.Epoch != 3 || cp.TrainingState.BestAUC != 0.875 || cp.TrainingState.Phase != 1 {
		t.Errorf("Unexpected training state: %+v", cp.TrainingState)
	}
	if cp.Metadata.RunID != "run-42" || cp.Metadata.Description != "final" {
		t.Errorf("Unexpected metadata: %+v", cp.Metadata)
	}
	if cp.OptimizerState == nil || cp.OptimizerState.Type != "Adam" {
		t.Errorf("Optimizer state not captured: %+v", cp.OptimizerState)
	}
	if !weightsEqual(fresh.Weights(), net.Weights()) {
		t.Error("Loaded weights differ from saved weights")
	}
}

func TestCheckpointManagerRejectsOtherArchitecture(t *testing.T) {
	dir := t.TempDir()
	cm := NewCheckpointManager(dir, "run")
	net := createDenseNetwork(t)
	state := NewAdaptivePolicy(DefaultPolicyConfig()).NewRunState(0.01)
	if err := cm.SaveBest(net.Spec(), net.Weights(), state, nil); err != nil {
		t.Fatalf("SaveBest failed: %v", err)
	}

	other, err := layers.NewModelBuilder([]int{1, 4}).
		AddDense(1, true, 0, "logit").
		AddSigmoid("prob").
		Compile()
	if err != nil {
		t.Fatal(err)
	}
	otherNet, err := engine.NewNetwork(other, 1)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := cm.Load(cm.BestPath(), otherNet); err == nil {
		t.Error("Expected architecture mismatch error")
	}
}

func TestCheckpointManagerMissingFile(t *testing.T) {
	cm := NewCheckpointManager(t.TempDir(), "run")
	if _, err := cm.Load(cm.BestPath(), createDenseNetwork(t)); err == nil {
		t.Error("Expected error for missing checkpoint")
	}
}
