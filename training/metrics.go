package training

import (
	"fmt"
	"strings"

	"gonum.org/v1/gonum/integrate"
	"gonum.org/v1/gonum/stat"
)

// DecisionThreshold separates positive (anemic) from negative predictions:
// a probability strictly greater than the threshold is positive.
const DecisionThreshold = 0.5

// MetricsRecord summarizes a pass over a labeled stream. F1 is nil when
// precision and recall are both zero.
type MetricsRecord struct {
	Loss      float64  `json:"loss"`
	Accuracy  float64  `json:"accuracy"`
	Precision float64  `json:"precision"`
	Recall    float64  `json:"recall"`
	AUC       float64  `json:"auc"`
	F1        *float64 `json:"f1,omitempty"`
}

// String formats the record the way epoch logs print it.
func (m MetricsRecord) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "loss=%.4f accuracy=%.4f precision=%.4f recall=%.4f auc=%.4f",
		m.Loss, m.Accuracy, m.Precision, m.Recall, m.AUC)
	if m.F1 != nil {
		fmt.Fprintf(&sb, " f1=%.4f", *m.F1)
	}
	return sb.String()
}

// ConfusionMatrix counts binary predictions at DecisionThreshold.
type ConfusionMatrix struct {
	TruePositives  int
	FalsePositives int
	TrueNegatives  int
	FalseNegatives int
}

// Add records one prediction.
func (cm *ConfusionMatrix) Add(probability, label float32) {
	predicted := probability > DecisionThreshold
	actual := label > 0.5
	switch {
	case predicted && actual:
		cm.TruePositives++
	case predicted && !actual:
		cm.FalsePositives++
	case !predicted && actual:
		cm.FalseNegatives++
	default:
		cm.TrueNegatives++
	}
}

// Total returns the number of recorded predictions.
func (cm *ConfusionMatrix) Total() int {
	return cm.TruePositives + cm.FalsePositives + cm.TrueNegatives + cm.FalseNegatives
}

// Accuracy returns the fraction of correct predictions.
func (cm *ConfusionMatrix) Accuracy() float64 {
	if cm.Total() == 0 {
		return 0
	}
	return float64(cm.TruePositives+cm.TrueNegatives) / float64(cm.Total())
}

// Precision returns TP/(TP+FP), or 0 when nothing was predicted positive.
func (cm *ConfusionMatrix) Precision() float64 {
	denom := cm.TruePositives + cm.FalsePositives
	if denom == 0 {
		return 0
	}
	return float64(cm.TruePositives) / float64(denom)
}

// Recall returns TP/(TP+FN), or 0 when there are no positives.
func (cm *ConfusionMatrix) Recall() float64 {
	denom := cm.TruePositives + cm.FalseNegatives
	if denom == 0 {
		return 0
	}
	return float64(cm.TruePositives) / float64(denom)
}

// F1Score returns the harmonic mean of precision and recall. ok is false
// when both are zero and the score is undefined.
func F1Score(precision, recall float64) (f1 float64, ok bool) {
	if precision+recall <= 0 {
		return 0, false
	}
	return 2 * precision * recall / (precision + recall), true
}

// CalculateAUCROC returns the exact area under the ROC curve. Tied scores
// contribute half credit. The result is 0 when only one class is present.
func CalculateAUCROC(probabilities, labels []float32) float64 {
	if len(probabilities) != len(labels) || len(labels) == 0 {
		return 0
	}

	y := make([]float64, len(probabilities))
	classes := make([]bool, len(labels))
	pos := 0
	for i := range probabilities {
		y[i] = float64(probabilities[i])
		classes[i] = labels[i] > 0.5
		if classes[i] {
			pos++
		}
	}
	if pos == 0 || pos == len(labels) {
		return 0
	}

	stat.SortWeightedLabeled(y, classes, nil)
	tpr, fpr, _ := stat.ROC(nil, y, classes, nil)
	return integrate.Trapezoidal(fpr, tpr)
}

// ComputeMetrics builds a MetricsRecord from predictions and a precomputed
// loss.
func ComputeMetrics(probabilities, labels []float32, loss float64) MetricsRecord {
	var cm ConfusionMatrix
	for i := range probabilities {
		cm.Add(probabilities[i], labels[i])
	}

	m := MetricsRecord{
		Loss:      loss,
		Accuracy:  cm.Accuracy(),
		Precision: cm.Precision(),
		Recall:    cm.Recall(),
		AUC:       CalculateAUCROC(probabilities, labels),
	}
	if f1, ok := F1Score(m.Precision, m.Recall); ok {
		m.F1 = &f1
	}
	return m
}
