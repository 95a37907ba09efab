package training

import "math"

// PlateauScheduler reduces the learning rate when a monitored metric has
// stopped improving. Its state is plain data so it can live inside RunState
// and survive across training phases.
type PlateauScheduler struct {
	Factor    float64 // multiplier applied on a plateau
	Patience  int     // non-improving epochs tolerated before a reduction
	Threshold float64 // minimum change that counts as an improvement
	MinLR     float64 // floor for the learning rate
	Mode      string  // "min" or "max"

	Best      float64
	BadEpochs int
}

// NewPlateauScheduler creates a plateau-based scheduler
func NewPlateauScheduler(factor float64, patience int, threshold, minLR float64, mode string) PlateauScheduler {
	if factor <= 0 || factor >= 1 {
		factor = 0.1
	}
	if patience <= 0 {
		patience = 10
	}
	if threshold < 0 {
		threshold = 1e-4
	}
	if mode != "min" && mode != "max" {
		mode = "min"
	}

	best := math.Inf(1)
	if mode == "max" {
		best = math.Inf(-1)
	}

	return PlateauScheduler{
		Factor:    factor,
		Patience:  patience,
		Threshold: threshold,
		MinLR:     minLR,
		Mode:      mode,
		Best:      best,
	}
}

// Step records one epoch's metric and returns the learning rate to use next.
// reduced reports whether a reduction happened.
func (s *PlateauScheduler) Step(metric, currentLR float64) (lr float64, reduced bool) {
	var improved bool
	if s.Mode == "min" {
		improved = metric < s.Best-s.Threshold
	} else {
		improved = metric > s.Best+s.Threshold
	}

	if improved {
		s.Best = metric
		s.BadEpochs = 0
		return currentLR, false
	}

	s.BadEpochs++
	if s.BadEpochs < s.Patience {
		return currentLR, false
	}

	// At the floor the counter keeps running; it only resets on a reduction.
	if currentLR <= s.MinLR {
		return currentLR, false
	}
	s.BadEpochs = 0
	return math.Max(currentLR*s.Factor, s.MinLR), true
}
