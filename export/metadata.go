// Package export packages a trained network for deployment: the quantized
// ONNX artifact, its label file, a metadata document and, when possible, a
// copy of the artifact with the metadata embedded.
package export

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/matripixel/anemia-detector/checkpoints"
	"github.com/matripixel/anemia-detector/training"
)

// Artifact file names.
const (
	ModelFileName             = "anemia_detector.onnx"
	ModelWithMetadataFileName = "anemia_detector_with_metadata.onnx"
	LabelsFileName            = "labels.txt"
	MetadataFileName          = "model_metadata.json"
)

// Labels lists class names by output index.
var Labels = []string{"Non-Anemic", "Anemic"}

// Model card values.
const (
	ModelName        = "Anemia Detector"
	ModelDescription = "Detects anemia from eye conjunctiva images"
	ModelVersion     = "1.0.0"
	ModelAuthor      = "MatriPixel AI"
	ModelLicense     = "Apache License 2.0"
)

// Normalization describes the per-channel input normalization.
type Normalization struct {
	Mean []float64 `json:"mean"`
	Std  []float64 `json:"std"`
}

// InputSpec describes the model input tensor.
type InputSpec struct {
	Name          string        `json:"name"`
	Shape         []int         `json:"shape"`
	Type          string        `json:"type"`
	Normalization Normalization `json:"normalization"`
}

// OutputSpec describes the model output tensor.
type OutputSpec struct {
	Name      string   `json:"name"`
	Shape     []int    `json:"shape"`
	Type      string   `json:"type"`
	Labels    []string `json:"labels"`
	Threshold float64  `json:"threshold"`
}

// ModelMetadata is the model_metadata.json document.
type ModelMetadata struct {
	Name        string     `json:"name"`
	Description string     `json:"description"`
	Version     string     `json:"version"`
	Author      string     `json:"author"`
	Input       InputSpec  `json:"input"`
	Output      OutputSpec `json:"output"`
}

// NewModelMetadata returns the metadata document for a model taking
// imageSize×imageSize RGB input.
//
// The normalization block keeps the published 127.5 mean/std convention.
// The exported graph itself expects [0, 1] input and rescales internally.
func NewModelMetadata(imageSize int) ModelMetadata {
	return ModelMetadata{
		Name:        ModelName,
		Description: ModelDescription,
		Version:     ModelVersion,
		Author:      ModelAuthor,
		Input: InputSpec{
			Name:  checkpoints.ONNXInputName,
			Shape: []int{1, imageSize, imageSize, 3},
			Type:  "float32",
			Normalization: Normalization{
				Mean: []float64{127.5, 127.5, 127.5},
				Std:  []float64{127.5, 127.5, 127.5},
			},
		},
		Output: OutputSpec{
			Name:      checkpoints.ONNXOutputName,
			Shape:     []int{1, 1},
			Type:      "float32",
			Labels:    append([]string(nil), Labels...),
			Threshold: training.DecisionThreshold,
		},
	}
}

// LabelsText is the labels.txt content, one class per line without a
// trailing newline.
func LabelsText() string {
	return strings.Join(Labels, "\n")
}

// WriteLabels writes labels.txt to path.
func WriteLabels(path string) error {
	if err := os.WriteFile(path, []byte(LabelsText()), 0644); err != nil {
		return fmt.Errorf("failed to write labels: %w", err)
	}
	return nil
}

// WriteMetadata writes md as indented JSON to path.
func WriteMetadata(path string, md ModelMetadata) error {
	data, err := json.MarshalIndent(md, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write metadata: %w", err)
	}
	return nil
}

// ReadMetadata loads a metadata document.
func ReadMetadata(path string) (ModelMetadata, error) {
	var md ModelMetadata
	data, err := os.ReadFile(path)
	if err != nil {
		return md, fmt.Errorf("failed to read metadata: %w", err)
	}
	if err := json.Unmarshal(data, &md); err != nil {
		return md, fmt.Errorf("failed to parse metadata: %w", err)
	}
	return md, nil
}
