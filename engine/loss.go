package engine

import "math"

// probabilityEpsilon clips probabilities away from 0 and 1 in BinaryCrossEntropy
const probabilityEpsilon = 1e-7

// BinaryCrossEntropyWithLogits returns the mean binary cross-entropy of
// sigmoid(logits) against labels and its gradient with respect to the logits.
// It uses the stable form max(z,0) - z*y + log(1+exp(-|z|)).
func BinaryCrossEntropyWithLogits(logits, labels []float32) (float64, []float32) {
	n := len(logits)
	grad := make([]float32, n)
	if n == 0 {
		return 0, grad
	}

	var sum float64
	for i, zf := range logits {
		z, y := float64(zf), float64(labels[i])
		sum += math.Max(z, 0) - z*y + math.Log1p(math.Exp(-math.Abs(z)))
		grad[i] = float32((1/(1+math.Exp(-z)) - y) / float64(n))
	}
	return sum / float64(n), grad
}

// BinaryCrossEntropy returns the mean binary cross-entropy of probabilities
// against labels, clipping probabilities to [eps, 1-eps].
func BinaryCrossEntropy(probs, labels []float32) float64 {
	if len(probs) == 0 {
		return 0
	}
	var sum float64
	for i, pf := range probs {
		p := math.Min(math.Max(float64(pf), probabilityEpsilon), 1-probabilityEpsilon)
		y := float64(labels[i])
		sum -= y*math.Log(p) + (1-y)*math.Log(1-p)
	}
	return sum / float64(len(probs))
}
