package training

import (
	"fmt"
	"math"

	"github.com/matripixel/anemia-detector/engine"
)

// Predictor maps a batch of NHWC images to probabilities.
type Predictor interface {
	Predict(images []float32, batch int) ([]float32, error)
}

// regularized is implemented by predictors that carry a weight penalty; the
// penalty is added to the reported loss.
type regularized interface {
	RegularizationLoss() float64
}

// BatchSource is a resettable stream of labeled batches.
type BatchSource interface {
	Reset()
	NextBatch() (images []float32, labels []float32, n int, err error)
}

// Evaluate runs one pass over source in inference mode and returns the
// aggregate metrics. The loss is the mean binary cross-entropy plus the
// predictor's regularization penalty, if any.
func Evaluate(p Predictor, source BatchSource) (MetricsRecord, error) {
	source.Reset()

	var probs, labels []float32
	for {
		images, batchLabels, n, err := source.NextBatch()
		if err != nil {
			return MetricsRecord{}, fmt.Errorf("failed to load validation batch: %w", err)
		}
		if n == 0 {
			break
		}

		out, err := p.Predict(images, n)
		if err != nil {
			return MetricsRecord{}, fmt.Errorf("prediction failed: %w", err)
		}
		probs = append(probs, out...)
		labels = append(labels, batchLabels...)
	}

	if len(labels) == 0 {
		return MetricsRecord{}, fmt.Errorf("validation stream is empty")
	}

	loss := engine.BinaryCrossEntropy(probs, labels)
	if r, ok := p.(regularized); ok {
		loss += r.RegularizationLoss()
	}
	if math.IsNaN(loss) || math.IsInf(loss, 0) {
		return MetricsRecord{}, fmt.Errorf("validation loss diverged: %v", loss)
	}

	return ComputeMetrics(probs, labels, loss), nil
}
