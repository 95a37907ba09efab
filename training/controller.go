package training

import (
	"context"
	"fmt"
	"io"
	"time"

	"k8s.io/klog/v2"

	"github.com/matripixel/anemia-detector/engine"
	"github.com/matripixel/anemia-detector/optimizer"
)

// Network is the engine surface the controller trains.
type Network interface {
	Snapshotter
	Predictor
	RegularizationLoss() float64
	ParameterShapes() [][]int
	TrainableParameterCount() int64
	TrainStep(input, labels []float32, batch int, opt optimizer.Optimizer) (engine.StepResult, error)
}

// Unfreezer opens the top layers of a frozen feature extractor.
type Unfreezer interface {
	UnfreezeTop(k int) int
}

// TrainingSource is the shuffled, augmented training stream.
type TrainingSource interface {
	BatchSource
	NumBatches() int
}

// EpochRecorder receives every completed epoch, e.g. to persist a run ledger.
type EpochRecorder interface {
	RecordEpoch(m EpochMetrics, improved bool) error
}

// OptimizerFactory creates a fresh optimizer for a phase.
type OptimizerFactory func(lr float64, shapes [][]int) (optimizer.Optimizer, error)

// AdamFactory creates Adam optimizers with default moments.
func AdamFactory(lr float64, shapes [][]int) (optimizer.Optimizer, error) {
	cfg := optimizer.DefaultAdamConfig()
	cfg.LearningRate = float32(lr)
	adam, err := optimizer.NewAdam(cfg, shapes)
	if err != nil {
		return nil, err
	}
	return adam, nil
}

// Config controls a two-phase training run.
type Config struct {
	Epochs         int
	LearningRate   float64
	FineTuneLayers int
	Policy         PolicyConfig

	// Progress receives per-batch progress lines; nil disables them.
	Progress io.Writer
}

// Phase1Epochs returns the number of head-only epochs for a run of the
// given total length.
func Phase1Epochs(total int) int {
	return min(10, total/2)
}

// Result is the outcome of Controller.Run.
type Result struct {
	State        *RunState
	History      []EpochMetrics
	Phase1Epochs int
	StoppedEarly bool
}

// Controller runs head-only training followed by partial fine-tuning under
// one AdaptivePolicy. A single RunState is threaded through both phases.
type Controller struct {
	cfg          Config
	net          Network
	features     Unfreezer
	train        TrainingSource
	val          BatchSource
	policy       *AdaptivePolicy
	checkpoints  *CheckpointManager
	recorder     EpochRecorder
	newOptimizer OptimizerFactory
}

// NewController wires a controller. The feature extractor must already be
// frozen.
func NewController(cfg Config, net Network, features Unfreezer, train TrainingSource, val BatchSource, cm *CheckpointManager) *Controller {
	return &Controller{
		cfg:          cfg,
		net:          net,
		features:     features,
		train:        train,
		val:          val,
		policy:       NewAdaptivePolicy(cfg.Policy),
		checkpoints:  cm,
		newOptimizer: AdamFactory,
	}
}

// SetRecorder installs an epoch recorder.
func (c *Controller) SetRecorder(r EpochRecorder) {
	c.recorder = r
}

// Run trains until the epoch budget is spent or early stopping triggers,
// then restores the best parameters. Cancellation is observed between
// epochs only.
func (c *Controller) Run(ctx context.Context) (*Result, error) {
	if c.cfg.Epochs <= 0 {
		return nil, fmt.Errorf("epochs must be positive, got %d", c.cfg.Epochs)
	}
	if c.cfg.LearningRate <= 0 {
		return nil, fmt.Errorf("learning rate must be positive, got %g", c.cfg.LearningRate)
	}

	state := c.policy.NewRunState(c.cfg.LearningRate)
	res := &Result{State: state, Phase1Epochs: Phase1Epochs(c.cfg.Epochs)}

	klog.Infof("Phase 1: training classification head for %d epochs", res.Phase1Epochs)
	opt, err := c.newOptimizer(state.LearningRate, c.net.ParameterShapes())
	if err != nil {
		return nil, fmt.Errorf("failed to create optimizer: %w", err)
	}
	stopped, err := c.runPhase(ctx, 1, 0, res.Phase1Epochs, opt, res)
	if err != nil {
		return nil, err
	}

	if !stopped && c.cfg.Epochs > res.Phase1Epochs {
		klog.Infof("Phase 2: fine-tuning feature extractor")
		n := c.features.UnfreezeTop(c.cfg.FineTuneLayers)
		klog.Infof("Fine-tuning enabled: %d trainable feature extractor layers, %d trainable parameters",
			n, c.net.TrainableParameterCount())

		state.LearningRate = c.cfg.LearningRate / 10
		opt, err = c.newOptimizer(state.LearningRate, c.net.ParameterShapes())
		if err != nil {
			return nil, fmt.Errorf("failed to create fine-tuning optimizer: %w", err)
		}
		stopped, err = c.runPhase(ctx, 2, res.Phase1Epochs, c.cfg.Epochs, opt, res)
		if err != nil {
			return nil, err
		}
	}
	res.StoppedEarly = stopped

	if state.HasBest() {
		if err := c.net.LoadWeights(state.BestWeights); err != nil {
			return nil, fmt.Errorf("failed to restore best weights: %w", err)
		}
		klog.Infof("Restored model weights from the end of the best epoch: %d (val_auc %.5f)", state.BestEpoch+1, state.BestAUC)
	}

	return res, nil
}

// runPhase trains epochs [from, to) and reports whether early stopping fired.
func (c *Controller) runPhase(ctx context.Context, phase, from, to int, opt optimizer.Optimizer, res *Result) (bool, error) {
	state := res.State
	for e := from; e < to; e++ {
		if err := ctx.Err(); err != nil {
			return false, err
		}

		opt.UpdateLearningRate(float32(state.LearningRate))
		m, err := c.runEpoch(e, phase, opt, state.LearningRate)
		if err != nil {
			return false, fmt.Errorf("epoch %d: %w", e+1, err)
		}

		prevBest := state.BestAUC
		d := c.policy.Observe(state, m)
		if d.Improved {
			weights := c.net.Weights()
			state.RecordBest(weights)
			if err := c.checkpoints.SaveBest(c.net.Spec(), weights, state, opt); err != nil {
				return false, err
			}
			klog.Infof("Epoch %d: val_auc improved to %.5f, saving model to %s", e+1, m.Val.AUC, c.checkpoints.BestPath())
		} else {
			klog.Infof("Epoch %d: val_auc did not improve from %.5f", e+1, prevBest)
		}
		if d.LRReduced {
			klog.Infof("Epoch %d: reducing learning rate to %g", e+1, d.NextLR)
		}

		res.History = append(res.History, m)
		if c.recorder != nil {
			if err := c.recorder.RecordEpoch(m, d.Improved); err != nil {
				klog.Warningf("Failed to record epoch %d: %v", e+1, err)
			}
		}

		if d.Stop {
			klog.Infof("Epoch %d: early stopping", e+1)
			return true, nil
		}
	}
	return false, nil
}

func (c *Controller) runEpoch(epoch, phase int, opt optimizer.Optimizer, lr float64) (EpochMetrics, error) {
	start := time.Now()

	var bar *ProgressBar
	if c.cfg.Progress != nil {
		bar = NewProgressBar(c.cfg.Progress, fmt.Sprintf("Epoch %d/%d", epoch+1, c.cfg.Epochs), c.train.NumBatches())
	}

	c.train.Reset()
	var probs, labels []float32
	var lossSum float64
	step := 0
	for {
		images, batchLabels, n, err := c.train.NextBatch()
		if err != nil {
			return EpochMetrics{}, fmt.Errorf("failed to load training batch: %w", err)
		}
		if n == 0 {
			break
		}

		out, err := c.net.TrainStep(images, batchLabels, n, opt)
		if err != nil {
			return EpochMetrics{}, err
		}

		lossSum += out.Loss * float64(n)
		probs = append(probs, out.Probabilities...)
		labels = append(labels, batchLabels...)
		step++
		if bar != nil {
			bar.Update(step, map[string]float64{"loss": lossSum / float64(len(labels))})
		}
	}
	if len(labels) == 0 {
		return EpochMetrics{}, fmt.Errorf("training stream is empty")
	}

	train := ComputeMetrics(probs, labels, lossSum/float64(len(labels)))
	val, err := Evaluate(c.net, c.val)
	if err != nil {
		return EpochMetrics{}, err
	}

	if bar != nil {
		bar.Finish(map[string]float64{"val_loss": val.Loss, "val_auc": val.AUC, "auc": train.AUC})
	}

	m := EpochMetrics{
		Epoch:        epoch,
		Phase:        phase,
		LearningRate: lr,
		Train:        train,
		Val:          val,
		Duration:     time.Since(start),
	}
	klog.V(1).Infof("Epoch %d/%d (phase %d, lr %g): %s; val %s", epoch+1, c.cfg.Epochs, phase, lr, train, val)
	return m, nil
}
