package training

import (
	"fmt"
	"path/filepath"

	"github.com/matripixel/anemia-detector/checkpoints"
	"github.com/matripixel/anemia-detector/layers"
	"github.com/matripixel/anemia-detector/optimizer"
)

// Checkpoint file names.
const (
	BestCheckpointName  = "anemia_model_best.json"
	FinalCheckpointName = "anemia_model_final.json"
)

// Snapshotter is a network whose parameters can be copied out and back in.
type Snapshotter interface {
	Spec() *layers.ModelSpec
	Weights() []checkpoints.WeightTensor
	LoadWeights(weights []checkpoints.WeightTensor) error
}

// CheckpointManager writes and reads JSON checkpoints for one run.
type CheckpointManager struct {
	dir   string
	runID string
	saver *checkpoints.CheckpointSaver
}

// NewCheckpointManager creates a manager that writes the best checkpoint
// into dir and stamps runID into every file.
func NewCheckpointManager(dir, runID string) *CheckpointManager {
	return &CheckpointManager{
		dir:   dir,
		runID: runID,
		saver: checkpoints.NewCheckpointSaver(checkpoints.FormatJSON),
	}
}

// BestPath returns the location of the best checkpoint.
func (cm *CheckpointManager) BestPath() string {
	return filepath.Join(cm.dir, BestCheckpointName)
}

// SaveBest overwrites the best checkpoint with weights.
func (cm *CheckpointManager) SaveBest(spec *layers.ModelSpec, weights []checkpoints.WeightTensor, state *RunState, opt optimizer.Optimizer) error {
	description := fmt.Sprintf("Best checkpoint - epoch %d, val AUC %.4f", state.BestEpoch+1, state.BestAUC)
	return cm.Save(cm.BestPath(), spec, weights, state, opt, description)
}

// Save writes a checkpoint of weights and the run state to path.
func (cm *CheckpointManager) Save(path string, spec *layers.ModelSpec, weights []checkpoints.WeightTensor, state *RunState, opt optimizer.Optimizer, description string) error {
	cp := &checkpoints.Checkpoint{
		ModelSpec: spec,
		Weights:   weights,
		TrainingState: checkpoints.TrainingState{
			Epoch:        state.Epoch,
			Phase:        state.Phase,
			LearningRate: float32(state.LearningRate),
			BestAUC:      state.BestAUC,
		},
		Metadata: checkpoints.CheckpointMetadata{
			RunID:       cm.runID,
			Description: description,
			Tags:        []string{fmt.Sprintf("epoch_%d", state.Epoch), fmt.Sprintf("phase_%d", state.Phase)},
		},
	}

	if opt != nil {
		optState, err := opt.GetState()
		if err != nil {
			return fmt.Errorf("failed to capture optimizer state: %w", err)
		}
		cp.TrainingState.Step = int(opt.GetStepCount())
		cp.TrainingState.TotalSteps = int(opt.GetStepCount())
		cp.OptimizerState = &checkpoints.OptimizerState{
			Type:       optState.Type,
			Parameters: optState.Parameters,
			StateData:  optState.StateData,
		}
	}

	if err := cm.saver.SaveCheckpoint(cp, path); err != nil {
		return fmt.Errorf("failed to save checkpoint %s: %w", path, err)
	}
	return nil
}

// Load reads the checkpoint at path into net after checking that both
// architectures match.
func (cm *CheckpointManager) Load(path string, net Snapshotter) (*checkpoints.Checkpoint, error) {
	cp, err := cm.saver.LoadCheckpoint(path)
	if err != nil {
		return nil, err
	}
	if cp.ModelSpec == nil || !modelsCompatible(net.Spec(), cp.ModelSpec) {
		return nil, fmt.Errorf("checkpoint %s does not match the model architecture", path)
	}
	if err := net.LoadWeights(cp.Weights); err != nil {
		return nil, fmt.Errorf("failed to load weights from %s: %w", path, err)
	}
	return cp, nil
}

func modelsCompatible(model1, model2 *layers.ModelSpec) bool {
	if len(model1.Layers) != len(model2.Layers) {
		return false
	}

	for i, layer1 := range model1.Layers {
		layer2 := model2.Layers[i]
		if layer1.Type != layer2.Type || layer1.Name != layer2.Name {
			return false
		}
		if len(layer1.ParameterShapes) != len(layer2.ParameterShapes) {
			return false
		}
		for j, shape1 := range layer1.ParameterShapes {
			shape2 := layer2.ParameterShapes[j]
			if len(shape1) != len(shape2) {
				return false
			}
			for k, dim1 := range shape1 {
				if dim1 != shape2[k] {
					return false
				}
			}
		}
	}

	return true
}
