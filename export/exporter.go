package export

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"k8s.io/klog/v2"

	"github.com/matripixel/anemia-detector/checkpoints"
	"github.com/matripixel/anemia-detector/layers"
)

// Converter serializes a checkpoint into deployable model bytes.
type Converter interface {
	Export(checkpoint *checkpoints.Checkpoint) ([]byte, error)
}

// Options controls packaging.
type Options struct {
	OutputDir     string
	EmbedMetadata bool
}

// Artifacts lists what Package wrote.
type Artifacts struct {
	ModelPath    string
	ModelBytes   int64
	LabelsPath   string
	MetadataPath string
	Metadata     ModelMetadata
	Embed        EmbedResult
}

// Files returns every written path.
func (a *Artifacts) Files() []string {
	files := []string{a.ModelPath, a.LabelsPath, a.MetadataPath}
	if a.Embed.Outcome == Embedded {
		files = append(files, a.Embed.Path)
	}
	return files
}

// Exporter writes the deployment artifacts for a trained network.
type Exporter struct {
	converter Converter
	opts      Options
}

// NewExporter creates an exporter. A nil converter means the float16 ONNX
// exporter.
func NewExporter(converter Converter, opts Options) *Exporter {
	if converter == nil {
		converter = checkpoints.NewONNXExporter()
	}
	return &Exporter{converter: converter, opts: opts}
}

// Package converts spec and weights, then writes the model, labels.txt,
// model_metadata.json and, best-effort, the metadata-embedded model.
// Embedding that is disabled or unsupported is reported in the result and
// logged, never returned as an error.
func (e *Exporter) Package(spec *layers.ModelSpec, weights []checkpoints.WeightTensor) (*Artifacts, error) {
	if err := os.MkdirAll(e.opts.OutputDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}

	model, err := e.converter.Export(&checkpoints.Checkpoint{ModelSpec: spec, Weights: weights})
	if err != nil {
		return nil, fmt.Errorf("failed to convert model: %w", err)
	}

	a := &Artifacts{
		ModelPath:    filepath.Join(e.opts.OutputDir, ModelFileName),
		ModelBytes:   int64(len(model)),
		LabelsPath:   filepath.Join(e.opts.OutputDir, LabelsFileName),
		MetadataPath: filepath.Join(e.opts.OutputDir, MetadataFileName),
		Metadata:     NewModelMetadata(spec.InputShape[1]),
	}

	if err := os.WriteFile(a.ModelPath, model, 0644); err != nil {
		return nil, fmt.Errorf("failed to write model: %w", err)
	}
	klog.Infof("ONNX model saved: %s", a.ModelPath)
	klog.Infof("Model size: %.2f MB", float64(a.ModelBytes)/1024/1024)

	if err := WriteLabels(a.LabelsPath); err != nil {
		return nil, err
	}
	if err := WriteMetadata(a.MetadataPath, a.Metadata); err != nil {
		return nil, err
	}
	klog.Infof("Labels saved: %s", a.LabelsPath)
	klog.Infof("Metadata saved: %s", a.MetadataPath)

	a.Embed, err = e.embed(model, a.Metadata)
	if err != nil {
		return nil, err
	}
	return a, nil
}

func (e *Exporter) embed(model []byte, md ModelMetadata) (EmbedResult, error) {
	if !e.opts.EmbedMetadata {
		return EmbedResult{Outcome: Unavailable, Reason: "embedding disabled"}, nil
	}

	embedded, err := Embed(e.converter, model, md)
	if errors.Is(err, ErrEmbeddingUnavailable) {
		klog.Warningf("Converter cannot embed metadata; skipping embedded model. Metadata saved as a separate JSON file instead.")
		return EmbedResult{Outcome: Unavailable, Reason: err.Error()}, nil
	}
	if err != nil {
		return EmbedResult{}, fmt.Errorf("failed to embed metadata: %w", err)
	}

	path := filepath.Join(e.opts.OutputDir, ModelWithMetadataFileName)
	if err := os.WriteFile(path, embedded, 0644); err != nil {
		return EmbedResult{}, fmt.Errorf("failed to write model with metadata: %w", err)
	}
	klog.Infof("ONNX model with metadata saved: %s", path)
	return EmbedResult{Outcome: Embedded, Path: path}, nil
}
