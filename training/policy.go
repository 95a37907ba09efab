package training

import (
	"time"

	"github.com/matripixel/anemia-detector/checkpoints"
)

// EpochMetrics is what the policy sees at the end of an epoch.
type EpochMetrics struct {
	Epoch        int // zero-based, counted across phases
	Phase        int
	LearningRate float64
	Train        MetricsRecord
	Val          MetricsRecord
	Duration     time.Duration
}

// RunState is the mutable state of one training run. It is created once
// and threaded through both phases, so best-metric tracking, the early-stop
// counter and the plateau counter carry over from phase 1 into phase 2.
type RunState struct {
	Epoch        int // epochs completed
	Phase        int
	LearningRate float64

	BestAUC     float64
	BestEpoch   int // -1 until the first improvement
	BestWeights []checkpoints.WeightTensor

	Wait    int // consecutive epochs without a val AUC improvement
	Plateau PlateauScheduler
	Stopped bool
}

// HasBest reports whether a best snapshot has been recorded.
func (s *RunState) HasBest() bool {
	return s.BestEpoch >= 0
}

// RecordBest stores a snapshot of the best parameters.
func (s *RunState) RecordBest(weights []checkpoints.WeightTensor) {
	s.BestWeights = weights
}

// PolicyConfig holds the early stopping and learning-rate decay settings.
type PolicyConfig struct {
	EarlyStopPatience int
	PlateauPatience   int
	PlateauFactor     float64
	PlateauMinDelta   float64
	MinLR             float64
}

// DefaultPolicyConfig returns patience 10 on val AUC and a halving of the
// learning rate after 5 stagnant val loss epochs, floored at 1e-7.
func DefaultPolicyConfig() PolicyConfig {
	return PolicyConfig{
		EarlyStopPatience: 10,
		PlateauPatience:   5,
		PlateauFactor:     0.5,
		PlateauMinDelta:   1e-4,
		MinLR:             1e-7,
	}
}

// Decision is the policy's verdict for one epoch.
type Decision struct {
	Improved  bool    // val AUC beat the best so far; snapshot and checkpoint
	Stop      bool    // patience exhausted; restore best and terminate
	LRReduced bool    // the plateau scheduler lowered the learning rate
	NextLR    float64 // learning rate for the next epoch
}

// AdaptivePolicy decides checkpointing, early stopping and learning-rate
// decay from per-epoch validation metrics. It holds no run state of its own.
type AdaptivePolicy struct {
	cfg PolicyConfig
}

// NewAdaptivePolicy creates a policy with cfg.
func NewAdaptivePolicy(cfg PolicyConfig) *AdaptivePolicy {
	return &AdaptivePolicy{cfg: cfg}
}

// Config returns the policy settings.
func (p *AdaptivePolicy) Config() PolicyConfig {
	return p.cfg
}

// NewRunState returns the initial state for a run starting at lr.
func (p *AdaptivePolicy) NewRunState(lr float64) *RunState {
	return &RunState{
		Phase:        1,
		LearningRate: lr,
		BestEpoch:    -1,
		Plateau:      NewPlateauScheduler(p.cfg.PlateauFactor, p.cfg.PlateauPatience, p.cfg.PlateauMinDelta, p.cfg.MinLR, "min"),
	}
}

// Observe folds one epoch's metrics into state and returns the decision.
// Improvement means a strictly greater val AUC than the best so far; the
// first observed epoch always improves.
func (p *AdaptivePolicy) Observe(state *RunState, m EpochMetrics) Decision {
	var d Decision

	state.Epoch = m.Epoch + 1
	state.Phase = m.Phase

	if !state.HasBest() || m.Val.AUC > state.BestAUC {
		state.BestAUC = m.Val.AUC
		state.BestEpoch = m.Epoch
		state.Wait = 0
		d.Improved = true
	} else {
		state.Wait++
		if state.Wait >= p.cfg.EarlyStopPatience {
			d.Stop = true
			state.Stopped = true
		}
	}

	state.LearningRate, d.LRReduced = state.Plateau.Step(m.Val.Loss, state.LearningRate)
	d.NextLR = state.LearningRate

	return d
}
